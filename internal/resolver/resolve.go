// Package resolver implements spec.md §4.3: it selects one version per
// package, computes a feature set per package, and emits the Resolve graph
// that is serialized as the lockfile.
package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/source"
	"github.com/forgebuild/forge/internal/sourceid"
)

// mustParseVersion parses a version string already validated by the index
// layer (IndexSummary.Parse already rejected malformed semver), so a parse
// failure here indicates an internal invariant violation rather than bad
// user input.
func mustParseVersion(s string) *semver.Version {
	v, err := semver.NewVersion(s)
	if err != nil {
		panic(fmt.Sprintf("resolver: invariant violated, unparseable version %q survived index parsing: %v", s, err))
	}
	return v
}

// FeatureUnification selects one of the three modes spec.md §4.3 names.
type FeatureUnification int

const (
	UnifyWorkspace FeatureUnification = iota
	UnifySelected
	UnifyPackage
)

func ParseFeatureUnification(s string) (FeatureUnification, error) {
	switch s {
	case "", "workspace":
		return UnifyWorkspace, nil
	case "selected":
		return UnifySelected, nil
	case "package":
		return UnifyPackage, nil
	default:
		return 0, fmt.Errorf("resolver: unknown feature-unification mode %q", s)
	}
}

// Edge annotates a Resolve edge with the Dependency spec that justified it
// (spec.md §3 "Resolve").
type Edge struct {
	From, To pkgid.Id
	Spec     manifest.Dependency
}

// Resolve is the resolver's output (spec.md §3).
type Resolve struct {
	Nodes    []pkgid.Id
	Edges    []Edge
	Features map[string][]string // keyed by pkgid.Id.SortKey()

	summaries map[string]source.Summary // keyed by pkgid.Id.SortKey(), for lockfile checksum emission
}

func (r *Resolve) FeaturesFor(id pkgid.Id) []string { return r.Features[id.SortKey()] }

func (r *Resolve) ChecksumFor(id pkgid.Id) string {
	return r.summaries[id.SortKey()].Checksum
}

// PackageFor synthesizes a *manifest.Package for a resolved non-member
// node, for callers (internal/unitgraph.Build's pkgLookup) that need a
// Package for every node, not just workspace members. Workspace members
// should be looked up from the loaded *manifest.Workspace directly; this
// is only meaningful for the registry/git/path deps the resolver selected.
func (r *Resolve) PackageFor(id pkgid.Id) (*manifest.Package, bool) {
	s, ok := r.summaries[id.SortKey()]
	if !ok {
		return nil, false
	}
	return syntheticPackage(id, s), true
}

// DepsOf returns the edges whose From is id.
func (r *Resolve) DepsOf(id pkgid.Id) []Edge {
	var out []Edge
	for _, e := range r.Edges {
		if e.From.Equal(id) {
			out = append(out, e)
		}
	}
	return out
}

// Options bundles the resolver's input flags (spec.md §4.3 "Input": "a flag
// triple (dev_deps_needed, features, default_features)... a per-registry
// precise pin map").
type Options struct {
	DevDepsNeeded   bool
	Features        []string
	DefaultFeatures bool
	Unification     FeatureUnification
	Selected        []string // workspace members selected on the CLI, for UnifySelected

	// PrecisePins maps a registry SourceId's canonical URL to a forced
	// Precise, per spec.md's "per-registry precise pin map".
	PrecisePins map[string]sourceid.Precise
}

// SourceFactory is the subset of *source.Factory the resolver needs; a
// narrow interface so tests can supply a fake without touching the
// filesystem/network-backed concrete Source variants.
type SourceFactory interface {
	Get(id sourceid.Id) (source.Source, error)
}

// Resolver drives the selection algorithm described in spec.md §4.3.
type Resolver struct {
	Sources  SourceFactory
	Previous *Lockfile // optional
}

type candidate struct {
	id      pkgid.Id
	summary source.Summary
}

// resolveState threads the shared, mutable bookkeeping through the
// recursive walk: selected package per (name, source canonical URL),
// discovered links claims, and the edge/feature accumulators.
type resolveState struct {
	opts Options

	// selected holds the one chosen PackageId per (name, sourceCanonicalURL)
	// pair — spec.md §4.3: "two occurrences of the same package name are
	// distinct nodes whenever their SourceId differs."
	selected map[string]candidate

	links map[string]pkgid.Id // links value -> owning package

	edges     []Edge
	features  map[string][]string
	summaries map[string]source.Summary
	visiting  map[string]bool // cycle detection, keyed by SortKey
}

func selectionKey(name string, src sourceid.Id) string {
	return name + "\x00" + src.CanonicalURL()
}

// Resolve implements spec.md §4.3 end to end: version selection, feature
// resolution, links uniqueness, and yank enforcement.
func (rv *Resolver) Resolve(ctx context.Context, ws *manifest.Workspace, opts Options) (*Resolve, error) {
	st := &resolveState{
		opts:      opts,
		selected:  make(map[string]candidate),
		links:     make(map[string]pkgid.Id),
		features:  make(map[string][]string),
		summaries: make(map[string]source.Summary),
		visiting:  make(map[string]bool),
	}

	for _, member := range ws.Members {
		if member.Links != "" {
			st.links[member.Links] = member.ID
		}
		st.selected[selectionKey(member.ID.Name(), member.ID.Source())] = candidate{id: member.ID}
	}

	rootRequested := make([]string, 0, len(opts.Features)+1)
	if opts.DefaultFeatures {
		rootRequested = append(rootRequested, "default")
	}
	rootRequested = append(rootRequested, opts.Features...)

	for _, member := range ws.Members {
		if opts.Unification == UnifySelected && !memberSelected(opts.Selected, member.ID.Name()) {
			continue
		}
		if err := rv.walkPackageDeps(ctx, st, member, member.ID, true, rootRequested, []pkgid.Id{member.ID}); err != nil {
			return nil, err
		}
	}

	nodes := make([]pkgid.Id, 0, len(st.selected))
	for _, c := range st.selected {
		nodes = append(nodes, c.id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })

	return &Resolve{
		Nodes:     nodes,
		Edges:     st.edges,
		Features:  st.features,
		summaries: st.summaries,
	}, nil
}

func memberSelected(selected []string, name string) bool {
	if len(selected) == 0 {
		return true
	}
	for _, s := range selected {
		if s == name {
			return true
		}
	}
	return false
}

// walkPackageDeps resolves and recurses into one package's declared
// dependencies. isRoot distinguishes workspace members (whose dev-deps are
// kept) from transitive packages (whose dev-deps are pruned, spec.md §4.3).
// requested is the activation-string set this package itself was asked to
// turn on (the CLI --features list plus "default" for a root member; a
// dependency line's own features/default-features for a transitive one),
// expanded against pkg's own [features] table before any dependency is
// considered.
func (rv *Resolver) walkPackageDeps(ctx context.Context, st *resolveState, pkg *manifest.Package, id pkgid.Id, isRoot bool, requested []string, path []pkgid.Id) error {
	key := id.SortKey()
	if st.visiting[key] {
		return &CycleError{Path: path}
	}
	st.visiting[key] = true
	defer delete(st.visiting, key)

	local, depFeatures, depsOn := expandFeatures(pkg, requested)
	st.features[key] = sortedKeys(local)

	for _, dep := range pkg.Deps {
		if dep.Kind == manifest.Dev && !isRoot {
			continue // spec.md §4.3: "Dev-dependencies of non-root packages are pruned."
		}
		if dep.Kind == manifest.Dev && !st.opts.DevDepsNeeded {
			continue
		}
		if dep.Optional && !depsOn[dep.ActivatedName()] {
			continue // spec.md §4.3: an optional dep not turned on by any feature gets no edge, no unit.
		}

		depID, summary, err := rv.selectVersion(ctx, st, dep, path)
		if err != nil {
			return err
		}

		if summary.Links != "" {
			if owner, dup := st.links[summary.Links]; dup && !owner.Equal(depID) {
				return &DuplicateLinksError{Links: summary.Links, A: owner, B: depID}
			}
			st.links[summary.Links] = depID
		}

		st.edges = append(st.edges, Edge{From: id, To: depID, Spec: dep})

		depRequested := make([]string, 0, len(dep.Features)+len(depFeatures[dep.ActivatedName()])+1)
		if dep.DefaultFeatures {
			depRequested = append(depRequested, "default")
		}
		depRequested = append(depRequested, dep.Features...)
		depRequested = append(depRequested, depFeatures[dep.ActivatedName()]...)

		sk := depID.SortKey()
		if _, already := st.summaries[sk]; !already {
			st.summaries[sk] = summary
			depPkg := syntheticPackage(depID, summary)
			if err := rv.walkPackageDeps(ctx, st, depPkg, depID, false, depRequested, append(path, depID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// selectVersion implements the version-assignment half of spec.md §4.3.
func (rv *Resolver) selectVersion(ctx context.Context, st *resolveState, dep manifest.Dependency, path []pkgid.Id) (pkgid.Id, source.Summary, error) {
	// path/git deps bypass version-requirement matching for the transitive
	// resolve, per spec.md §4.3, but still need a concrete PackageId.
	if dep.Path != "" || dep.Git != "" {
		return rv.resolvePathOrGit(ctx, dep)
	}

	var srcID sourceid.Id
	var err error
	if pin, ok := st.opts.PrecisePins[dep.RegistryOverride]; ok {
		srcID, err = sourceid.New(sourceid.Registry, dep.RegistryOverride, sourceid.GitReference{}, pin, "")
	} else {
		srcID, err = sourceid.New(sourceid.Registry, dep.RegistryOverride, sourceid.GitReference{}, sourceid.Precise{}, "")
	}
	if err != nil {
		return pkgid.Id{}, source.Summary{}, err
	}

	if existing, ok := st.selected[selectionKey(dep.Name, srcID)]; ok {
		if dep.Req == nil || dep.Req.Check(existing.id.Version()) {
			return existing.id, st.summaries[existing.id.SortKey()], nil
		}
	}

	if rv.Previous != nil {
		if pinned, ok := rv.Previous.Lookup(dep.Name, srcID); ok {
			if dep.Req == nil || dep.Req.Check(pinned.Version()) {
				summary, err := rv.querySummary(ctx, srcID, pinned)
				if err != nil {
					return pkgid.Id{}, source.Summary{}, err
				}
				if summary.Yanked {
					return pkgid.Id{}, source.Summary{}, &YankedLockPinError{Pkg: pinned}
				}
				st.selected[selectionKey(dep.Name, srcID)] = candidate{id: pinned, summary: summary}
				return pinned, summary, nil
			}
		}
	}

	src, err := rv.Sources.Get(srcID)
	if err != nil {
		return pkgid.Id{}, source.Summary{}, err
	}
	summaries, err := src.QuerySummaries(ctx, dep.Name)
	if err != nil {
		return pkgid.Id{}, source.Summary{}, err
	}

	best, err := pickHighest(dep, summaries, path)
	if err != nil {
		return pkgid.Id{}, source.Summary{}, err
	}
	id, err := pkgid.New(best.Name, mustParseVersion(best.Version), srcID)
	if err != nil {
		return pkgid.Id{}, source.Summary{}, err
	}
	st.selected[selectionKey(dep.Name, srcID)] = candidate{id: id, summary: best}
	return id, best, nil
}

func (rv *Resolver) querySummary(ctx context.Context, srcID sourceid.Id, id pkgid.Id) (source.Summary, error) {
	src, err := rv.Sources.Get(srcID)
	if err != nil {
		return source.Summary{}, err
	}
	summaries, err := src.QuerySummaries(ctx, id.Name())
	if err != nil {
		return source.Summary{}, err
	}
	for _, s := range summaries {
		if s.Version == id.Version().String() {
			return s, nil
		}
	}
	return source.Summary{}, fmt.Errorf("resolver: lockfile pin %s no longer present in registry", id)
}

// pickHighest implements "preferring higher versions first", skipping
// yanked versions unless locked elsewhere (handled by the lockfile-pin path
// above; this path is only reached for a fresh/unpinned selection, so
// spec.md §8 Property 7 applies directly here: yanked versions are simply
// excluded from candidacy).
func pickHighest(dep manifest.Dependency, summaries []source.Summary, path []pkgid.Id) (source.Summary, error) {
	var seen []string
	var best *source.Summary
	for i := range summaries {
		s := summaries[i]
		seen = append(seen, s.Version)
		if s.Yanked {
			continue
		}
		v := mustParseVersion(s.Version)
		if dep.Req != nil && !dep.Req.Check(v) {
			continue
		}
		if best == nil || mustParseVersion(s.Version).GreaterThan(mustParseVersion(best.Version)) {
			sCopy := s
			best = &sCopy
		}
	}
	if best == nil {
		req := "*"
		if dep.Req != nil {
			req = dep.Req.String()
		}
		return source.Summary{}, &NoMatchingVersionError{Name: dep.Name, Requirement: req, VersionsSeen: seen, Path: path}
	}
	return *best, nil
}

func (rv *Resolver) resolvePathOrGit(ctx context.Context, dep manifest.Dependency) (pkgid.Id, source.Summary, error) {
	var srcID sourceid.Id
	var err error
	if dep.Path != "" {
		srcID, err = sourceid.New(sourceid.Path, dep.Path, sourceid.GitReference{}, sourceid.Precise{}, "")
	} else {
		srcID, err = sourceid.New(sourceid.Git, dep.Git, dep.GitRef, sourceid.Precise{}, "")
	}
	if err != nil {
		return pkgid.Id{}, source.Summary{}, err
	}
	src, err := rv.Sources.Get(srcID)
	if err != nil {
		return pkgid.Id{}, source.Summary{}, err
	}
	summaries, err := src.QuerySummaries(ctx, dep.Name)
	if err != nil {
		return pkgid.Id{}, source.Summary{}, err
	}
	if len(summaries) == 0 {
		return pkgid.Id{}, source.Summary{}, fmt.Errorf("resolver: %s source for %q yielded no summary", srcID.Kind(), dep.Name)
	}
	s := summaries[0]
	if dep.Req != nil && !dep.Req.Check(mustParseVersion(s.Version)) {
		return pkgid.Id{}, source.Summary{}, &NoMatchingVersionError{Name: dep.Name, Requirement: dep.Req.String(), VersionsSeen: []string{s.Version}}
	}
	id, err := pkgid.New(s.Name, mustParseVersion(s.Version), srcID)
	return id, s, err
}

// syntheticPackage adapts a resolved Summary back into the shape
// walkPackageDeps needs to recurse further (the Summary already carries the
// dependency specs the index line declared).
func syntheticPackage(id pkgid.Id, summary source.Summary) *manifest.Package {
	deps := make([]manifest.Dependency, 0, len(summary.Deps))
	for _, d := range summary.Deps {
		kind := manifest.Normal
		switch d.Kind {
		case "dev":
			kind = manifest.Dev
		case "build":
			kind = manifest.Build
		}
		deps = append(deps, manifest.Dependency{
			Name:            d.Name,
			Kind:            kind,
			Target:          d.Target,
			Features:        d.Features,
			DefaultFeatures: d.DefaultFeatures,
			Optional:        d.Optional,
			Public:          d.Public,
		})
	}
	// Registry/git summaries don't carry a parsed target list (the index
	// line only describes dependencies and features), so assume the
	// implicit default library target every package without an explicit
	// [lib] section gets, the same default manifest.Load applies to a
	// workspace member's own manifest.
	targets := []manifest.Target{{Kind: manifest.Lib, Name: id.Name(), CrateTypes: []string{"lib"}}}

	return &manifest.Package{ID: id, Deps: deps, Targets: targets, Links: summary.Links, Features: summary.Features}
}

