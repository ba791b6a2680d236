package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/forgebuild/forge/internal/artifact"
	"github.com/forgebuild/forge/internal/env"
	"github.com/forgebuild/forge/internal/fingerprint"
	"github.com/forgebuild/forge/internal/jobqueue"
	"github.com/forgebuild/forge/internal/layout"
	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/resolver"
	"github.com/forgebuild/forge/internal/unitgraph"
)

const buildHelp = `forge build [-j N] [--release] [--keep-going] [--message-format=json]

Resolves the workspace, fetches any missing sources, builds the unit
graph, and compiles whatever is not already Fresh.`

// cmdBuild implements the L3-L7 pipeline end to end: resolve, expand the
// unit graph, compute freshness, schedule compilation, uplift artifacts.
func cmdBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		jobs              = fset.Int("j", env.Jobs(), "number of parallel compiler invocations (0: logical CPU count)")
		release           = fset.Bool("release", false, "build with the release profile")
		keepGoing         = fset.Bool("keep-going", false, "keep building units whose dep-closure excludes a failed unit")
		msgFormat         = fset.String("message-format", "human", `"human" or "json"`)
		artifactDir       = fset.String("artifact-dir", "", "export uplifted artifacts to this directory")
		compilerBin       = fset.String("compiler", "rustc", "path to the native compiler to invoke per unit")
		features          = fset.String("features", "", "comma-separated feature activations for the workspace root members")
		noDefaultFeatures = fset.Bool("no-default-features", false, "do not activate the \"default\" feature")
	)
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)

	jsonMode := *msgFormat == "json"

	ws, err := loadWorkspace("")
	if err != nil {
		return fmt.Errorf("loading workspace: %w", err)
	}

	lockPath := filepath.Join(ws.Root, "forge.lock")
	rs, _, err := resolveWorkspace(ctx, ws, lockPath, resolver.Options{
		DevDepsNeeded:   true,
		Features:        splitFeatures(*features),
		DefaultFeatures: !*noDefaultFeatures,
		Unification:     featureUnificationDefault(),
	})
	if err != nil {
		return fmt.Errorf("resolving: %w", err)
	}
	if err := resolver.WriteFile(lockPath, rs); err != nil {
		return fmt.Errorf("writing lockfile: %w", err)
	}

	profile := unitgraph.Profile{Name: "debug", OptLevel: "0", DebugInfo: "full", Panic: "unwind", CodegenUnits: 256, DebugAssertions: true, OverflowChecks: true, Incremental: true}
	if *release {
		profile = unitgraph.Profile{Name: "release", OptLevel: "3", DebugInfo: "none", Panic: "unwind", LTO: "false", CodegenUnits: 16, Strip: "debuginfo"}
	}

	lookup := pkgLookup(ws, rs)

	g := unitgraph.Build(rs, lookup, memberPkgIDs(ws), unitgraph.BuildOptions{
		Filter:   unitgraph.TargetFilter{All: true},
		Mode:     unitgraph.Build,
		Profile:  profile,
		HostKind: unitgraph.Kind{},
		Flags:    unitgraph.Flags{CompilerFlags: env.Flags()},
	})
	units := g.AllUnits()

	hashInputs := unitgraph.HashInputs{
		WorkspaceRoot: ws.Root,
		Compiler:      compilerVersion(*compilerBin),
	}
	for _, u := range units {
		pkg := lookup(u.Pkg)
		path := u.Pkg.Name()
		if pkg != nil && pkg.ManifestPath != "" {
			path = pkg.ManifestPath
		}
		hashInputs.IsWorkspaceMember = isMember(ws, u.Pkg)
		var depMeta, depEF []string
		for _, d := range u.Deps() {
			depMeta = append(depMeta, d.CMetadata)
			if d.CExtraFilename != "" {
				depEF = append(depEF, d.CExtraFilename)
			}
		}
		u.CMetadata, u.CExtraFilename, u.UnitID = unitgraph.Metadata(u, path, hashInputs, depMeta, depEF)
	}

	lay := &layout.Layout{Root: filepath.Join(ws.Root, "target"), Profile: profile.Name}
	if err := lay.Prepare(); err != nil {
		return err
	}

	lockNotice := func(holderPID int) {
		if holderPID != 0 {
			log.Printf("waiting on build root lock held by pid %d...", holderPID)
		} else {
			log.Printf("waiting on build root lock...")
		}
	}
	buildLock, err := layout.AcquireExclusive(lay.LockPath(), lockNotice)
	if err != nil {
		return err
	}
	defer buildLock.Release()

	isFresh := make(map[*unitgraph.Unit]bool, len(units))
	for _, u := range units {
		depsFresh := true
		var depMTimes []time.Time
		for _, d := range u.Deps() {
			if !isFresh[d] {
				depsFresh = false
			}
			if _, mtime, ok := fingerprint.Load(lay.FingerprintDir(d.UnitID)); ok {
				depMTimes = append(depMTimes, mtime)
			}
		}
		want := fingerprint.Compute(fingerprint.Inputs{
			CExtraFilenameOrMetadata: u.UnitID,
			Rustflags:                u.Flags.CompilerFlags,
			DepFingerprintMTimes:     depMTimes,
		})
		isFresh[u] = fingerprint.IsFresh(lay.FingerprintDir(u.UnitID), want, depsFresh)
	}

	logDir := filepath.Join(lay.Root, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	cmdOf := func(u *unitgraph.Unit) (*exec.Cmd, error) {
		return compilerCommand(ctx, *compilerBin, u, lay, env.Flags())
	}
	comp := newExecCompiler(logDir, jsonMode, cmdOf)

	workers := *jobs
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	js, err := jobqueue.NewJobserver(workers)
	if err != nil {
		return fmt.Errorf("starting jobserver: %w", err)
	}
	defer js.Close()

	sched := jobqueue.New(jobqueue.Options{Workers: workers, KeepGoing: *keepGoing, Log: log.Default()}, comp, js, "")

	start := time.Now()
	buildErr := sched.Run(ctx, units, isFresh)

	mgr := &artifact.Manager{ArtifactDir: *artifactDir, JSONMode: jsonMode, Out: os.Stdout}
	var allOutputs []artifact.OutputFile
	for _, u := range units {
		outs := artifact.ExpectedOutputs(u, lay.Dest())
		allOutputs = append(allOutputs, outs...)
		if _, err := mgr.Uplift(u, outs, isFresh[u]); err != nil {
			log.Printf("uplift %s: %v", u.Pkg.Name(), err)
			continue
		}
		if buildErr != nil || isFresh[u] {
			continue
		}
		var depMTimes []time.Time
		for _, d := range u.Deps() {
			if _, mtime, ok := fingerprint.Load(lay.FingerprintDir(d.UnitID)); ok {
				depMTimes = append(depMTimes, mtime)
			}
		}
		fp := fingerprint.Compute(fingerprint.Inputs{
			CExtraFilenameOrMetadata: u.UnitID,
			Rustflags:                u.Flags.CompilerFlags,
			DepFingerprintMTimes:     depMTimes,
		})
		if err := fingerprint.Store(lay.FingerprintDir(u.UnitID), fp, start); err != nil {
			log.Printf("storing fingerprint for %s: %v", u.Pkg.Name(), err)
		}
	}
	if *artifactDir != "" {
		if err := artifact.BundleSbom(allOutputs, *artifactDir); err != nil {
			log.Printf("bundling sbom: %v", err)
		}
	}

	if buildErr != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "build failed: %v\n", buildErr)
	} else if !jsonMode {
		color.New(color.FgGreen).Fprintf(os.Stderr, "built %d units (%s profile)\n", len(units), profile.Name)
	}

	return buildErr
}

// featureUnificationDefault reads FORGE_RESOLVER_FEATURE_UNIFICATION,
// falling back to workspace unification (the zero value, UnifyWorkspace)
// when it is unset or unrecognized.
func featureUnificationDefault() resolver.FeatureUnification {
	v, err := resolver.ParseFeatureUnification(env.FeatureUnification())
	if err != nil {
		return 0
	}
	return v
}

// splitFeatures parses the comma-separated -features flag into the
// activation-string list resolver.Options.Features expects (spec.md §4.3's
// "features" element of the input flag triple, Testable Scenario S4's
// "--features foo").
func splitFeatures(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func isMember(ws *manifest.Workspace, id pkgid.Id) bool {
	for _, m := range ws.Members {
		if m.ID.Equal(id) {
			return true
		}
	}
	return false
}
