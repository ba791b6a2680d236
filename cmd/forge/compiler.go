package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/forgebuild/forge/internal/jobqueue"
	"github.com/forgebuild/forge/internal/layout"
	"github.com/forgebuild/forge/internal/unitgraph"
)

// execCompiler implements jobqueue.Compiler by spawning the native
// compiler per unit, grounded on batch.scheduler.build's
// exec.CommandContext(ctx, "distri", "build") pattern. cmdOf builds the
// *exec.Cmd for a unit (binary path, working directory, env, args); the
// caller (cmdBuild) owns all of that layout/env wiring.
type execCompiler struct {
	logDir   string
	jsonMode bool
	cmdOf    func(u *unitgraph.Unit) (*exec.Cmd, error)
}

func newExecCompiler(logDir string, jsonMode bool, cmdOf func(u *unitgraph.Unit) (*exec.Cmd, error)) *execCompiler {
	return &execCompiler{logDir: logDir, jsonMode: jsonMode, cmdOf: cmdOf}
}

// Compile spawns the compiler invocation for u, forwarding its stderr
// through jobqueue.ForwardDiagnostics and (for RunCustomBuild units) its
// stdout through jobqueue.ParseDirectives. The RmetaReady channel closes
// only once the spawned process has exited, together with Done: no
// compiler output is inspected to signal an .rmeta file any earlier.
func (c *execCompiler) Compile(ctx context.Context, u *unitgraph.Unit) jobqueue.CompileResult {
	rmetaReady := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		defer close(done)
		err := c.runOne(ctx, u, rmetaReady)
		select {
		case <-rmetaReady:
		default:
			close(rmetaReady)
		}
		done <- err
	}()

	return jobqueue.CompileResult{RmetaReady: rmetaReady, Done: done}
}

func (c *execCompiler) runOne(ctx context.Context, u *unitgraph.Unit, rmetaReady chan struct{}) error {
	cmd, err := c.cmdOf(u)
	if err != nil {
		return err
	}

	logPath := filepath.Join(c.logDir, fmt.Sprintf("%s-%s.log", u.Pkg.Name(), u.UnitID))
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	var stdout io.ReadCloser
	if u.Mode == unitgraph.RunCustomBuild {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return err
		}
	} else {
		cmd.Stdout = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting compiler for %s: %w", u.Pkg.Name(), err)
	}

	diagDone := make(chan error, 1)
	sink := jobqueue.DiagnosticSink{
		Rendered: func(text string) { fmt.Fprintln(os.Stderr, text) },
		Event: func(msg jobqueue.CompilerMessage) {
			if b, err := json.Marshal(msg); err == nil {
				fmt.Fprintln(os.Stdout, string(b))
			}
		},
		Verbatim: func(line string) { fmt.Fprintln(os.Stderr, line) },
		JSONMode: c.jsonMode,
	}
	go func() { diagDone <- jobqueue.ForwardDiagnostics(stderr, u.Pkg.String(), u.Target.Name, sink) }()

	var directives jobqueue.Directives
	dirDone := make(chan error, 1)
	if stdout != nil {
		go func() {
			d, err := jobqueue.ParseDirectives(stdout, u.Pkg.Name())
			directives = d
			dirDone <- err
		}()
	} else {
		dirDone <- nil
	}

	waitErr := cmd.Wait()
	<-diagDone
	<-dirDone
	_ = directives // only summarized into the unit's log below; no later build step reads them
	fmt.Fprintf(logFile, "directives: %d rerun-if-changed, %d link-libs\n", len(directives.RerunIfChanged), len(directives.LinkLibs))

	if waitErr == nil {
		return nil
	}
	exitCode := -1
	if ee, ok := waitErr.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
	}
	return jobqueue.ExitCodeError(u.Pkg.Name(), exitCode, waitErr)
}

// compilerVersion shells out to "<compiler> --version" once per invocation
// to fill unitgraph.CompilerVersion's hash input (spec.md §4.4 item 7:
// "stable: hash the full verbose version; nightly/beta: hash only the
// channel word"). Lacking a verbose --version-verbose flag in a generic
// compiler, the channel is always treated as stable and the whole output
// line is the hash input.
func compilerVersion(compilerBin string) unitgraph.CompilerVersion {
	out, err := exec.Command(compilerBin, "--version").Output()
	if err != nil {
		return unitgraph.CompilerVersion{Channel: "stable", Full: compilerBin}
	}
	return unitgraph.CompilerVersion{Channel: "stable", Full: string(out)}
}

// compilerCommand builds the *exec.Cmd for one unit: working directory,
// output directory flags, and the RunCustomBuild env block (spec.md §4.7
// "RunCustomBuild env").
func compilerCommand(ctx context.Context, compilerBin string, u *unitgraph.Unit, lay *layout.Layout, extraFlags []string) (*exec.Cmd, error) {
	if u.Mode == unitgraph.RunCustomBuild {
		outDir := lay.BuildScriptDir(u.UnitID)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, err
		}
		scriptPath := filepath.Join(lay.Build(), u.UnitID, u.Target.Name)
		cmd := exec.CommandContext(ctx, scriptPath)
		cmd.Env = append(os.Environ(), jobqueue.BuildScriptEnv(
			outDir, lay.Triple, lay.Triple, lay.Profile, 1, u.Features, nil)...)
		return cmd, nil
	}

	args := []string{
		"--crate-name", u.Target.Name,
		u.Target.SourcePath,
		"--out-dir", lay.Deps(),
		"--emit", "link,metadata",
	}
	if u.CExtraFilename != "" {
		args = append(args, "-C", "extra-filename=-"+u.CExtraFilename)
	}
	args = append(args, flagsForProfile(u.Profile)...)
	args = append(args, extraFlags...)
	args = append(args, u.Flags.CompilerFlags...)
	for _, f := range u.Features {
		args = append(args, "--cfg", "feature=\""+f+"\"")
	}
	for _, dep := range u.Deps() {
		args = append(args, "--extern", dep.Target.Name+"="+filepath.Join(lay.Deps(), "lib"+dep.Target.Name+".rlib"))
	}

	cmd := exec.CommandContext(ctx, compilerBin, args...)
	cmd.Dir = lay.Root
	cmd.Env = os.Environ()
	return cmd, nil
}

func flagsForProfile(p unitgraph.Profile) []string {
	var args []string
	if p.OptLevel != "" {
		args = append(args, "-C", "opt-level="+p.OptLevel)
	}
	if p.DebugAssertions {
		args = append(args, "-C", "debug-assertions=yes")
	}
	if p.OverflowChecks {
		args = append(args, "-C", "overflow-checks=yes")
	}
	return args
}
