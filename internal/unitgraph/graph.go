package unitgraph

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/resolver"
)

// TargetFilter selects which of a root package's targets become units,
// mirroring the --lib/--bin/--test/--example/--bench/--all-targets CLI
// filters spec.md §4.4 item 1 names.
type TargetFilter struct {
	Lib, Bin, Example, Test, Bench, All bool
}

func (f TargetFilter) matches(k manifest.TargetKind) bool {
	if f.All {
		return true
	}
	switch k {
	case manifest.Lib:
		return f.Lib || (!f.Bin && !f.Example && !f.Test && !f.Bench)
	case manifest.Bin:
		return f.Bin || (!f.Lib && !f.Example && !f.Test && !f.Bench)
	case manifest.Example:
		return f.Example
	case manifest.Test:
		return f.Test
	case manifest.Bench:
		return f.Bench
	default:
		return false
	}
}

// BuildOptions bundles the per-invocation knobs that shape unit expansion.
type BuildOptions struct {
	Filter     TargetFilter
	Mode       Mode // Build, Check, Test, Bench, or a Doc* mode
	Profile    Profile
	HostKind   Kind
	TargetKind Kind // == HostKind unless cross-compiling
	Flags      Flags
}

// Graph is the expanded unit graph plus its interner, so later layers
// (fingerprint, jobqueue, artifact) can look units up by pointer.
type Graph struct {
	Roots    []*Unit
	interner *Interner
	packages map[string]*manifest.Package // pkgid SortKey -> synthesized package, for dep target lookup
}

// Build expands a resolver.Resolve into a Graph, implementing spec.md
// §4.4's four numbered expansion rules.
func Build(rs *resolver.Resolve, pkgLookup func(pkgid.Id) *manifest.Package, rootMembers []pkgid.Id, opts BuildOptions) *Graph {
	g := &Graph{interner: NewInterner(), packages: make(map[string]*manifest.Package)}

	visited := make(map[key]*Unit)

	for _, rootID := range rootMembers {
		pkg := pkgLookup(rootID)
		if pkg == nil {
			continue
		}
		for _, t := range pkg.Targets {
			if t.Kind == manifest.CustomBuild {
				continue // custom-build targets are only reachable as a dependency's build script, never a user-selected root
			}
			if !opts.Filter.matches(t.Kind) {
				continue
			}
			u := &Unit{
				Pkg:      rootID,
				Target:   t,
				Mode:     opts.Mode,
				Profile:  opts.Profile,
				Kind:     opts.HostKind,
				Features: sortedCopy(rs.FeaturesFor(rootID)),
				Flags:    opts.Flags,
			}
			u = g.interner.Intern(u)
			g.expandDeps(rs, pkgLookup, u, opts, visited)
			g.Roots = append(g.Roots, u)
		}
	}
	return g
}

// expandDeps implements item 2: for each dependency edge whose predicate
// and kind match, add a dep unit in the appropriate mode.
func (g *Graph) expandDeps(rs *resolver.Resolve, pkgLookup func(pkgid.Id) *manifest.Package, u *Unit, opts BuildOptions, visited map[key]*Unit) {
	k := unitKey(u)
	if _, done := visited[k]; done {
		return
	}
	visited[k] = u

	for _, edge := range rs.DepsOf(u.Pkg) {
		if edge.Spec.Kind == manifest.Build && u.Mode == Test {
			continue // build-deps never become part of a test unit's direct deps
		}
		if !matchesKind(edge.Spec.Target, u.Kind) {
			continue // spec.md §4.3: cfg(...)-gated deps are filtered at unit-graph time.
		}

		depPkg := pkgLookup(edge.To)
		if depPkg == nil {
			continue
		}

		depMode := Build
		if u.Mode == Check {
			depMode = Check
		}

		// dev-dep edges on a test unit promote the dep to its library unit
		// (item 2, "a dev-dep edge on a test unit promotes the dep to its
		// library unit").
		if edge.Spec.Kind == manifest.Dev && u.Mode != Test {
			continue
		}

		libTarget, ok := findTarget(depPkg, manifest.Lib)
		if !ok {
			continue
		}

		depKind := u.Kind
		if isProcMacro(depPkg) {
			depKind = opts.HostKind // item 3: proc-macro packages are forced Host
		}

		dep := &Unit{
			Pkg:      edge.To,
			Target:   libTarget,
			Mode:     depMode,
			Profile:  u.Profile,
			Kind:     depKind,
			Features: sortedCopy(rs.FeaturesFor(edge.To)),
			Flags:    opts.Flags,
		}
		dep = g.interner.Intern(dep)
		u.AddDep(dep)
		g.expandDeps(rs, pkgLookup, dep, opts, visited)

		if bt, ok := findTarget(depPkg, manifest.CustomBuild); ok {
			g.addCustomBuildUnits(rs, pkgLookup, u, edge.To, depPkg, bt, opts, visited)
		}
	}
}

// addCustomBuildUnits implements item 2's "a CustomBuild target becomes two
// units, one Build (compile the script) and one RunCustomBuild (run it)."
func (g *Graph) addCustomBuildUnits(rs *resolver.Resolve, pkgLookup func(pkgid.Id) *manifest.Package, parent *Unit, depID pkgid.Id, depPkg *manifest.Package, bt manifest.Target, opts BuildOptions, visited map[key]*Unit) {
	scriptBuild := &Unit{
		Pkg:      depID,
		Target:   bt,
		Mode:     Build,
		Profile:  opts.Profile,
		Kind:     opts.HostKind, // build scripts always compile for the host
		Features: sortedCopy(rs.FeaturesFor(depID)),
		Flags:    opts.Flags,
	}
	scriptBuild = g.interner.Intern(scriptBuild)

	runScript := &Unit{
		Pkg:      depID,
		Target:   bt,
		Mode:     RunCustomBuild,
		Profile:  opts.Profile,
		Kind:     opts.HostKind,
		Features: scriptBuild.Features,
		Flags:    opts.Flags,
	}
	runScript = g.interner.Intern(runScript)
	runScript.AddDep(scriptBuild)
	parent.AddDep(runScript)
}

// AllUnits returns every unit reachable from the roots, each exactly once
// (relying on interning's pointer identity), in dependency-before-dependent
// (topological) order suitable for driving the scheduler and fingerprinter.
// The order comes from gonum's DirectedGraph/topo.Sort rather than a
// hand-rolled traversal: the unit DAG built by expandDeps should always be
// acyclic (package-level cycles are already rejected by the resolver), so a
// topo.Unorderable here means expandDeps produced a cyclic dep edge, and we
// fall back to the dependency-respecting post-order walk rather than
// returning a garbled order.
func (g *Graph) AllUnits() []*Unit {
	byID, dg := g.dag()
	sorted, err := topo.Sort(dg)
	if err != nil {
		return g.allUnitsDFS()
	}
	order := make([]*Unit, 0, len(sorted))
	for _, n := range sorted {
		order = append(order, byID[n.ID()])
	}
	return order
}

// dag builds a gonum DirectedGraph over every unit reachable from the
// roots, with an edge from each dependency to its dependent (so topo.Sort
// yields deps before dependents).
func (g *Graph) dag() (map[int64]*Unit, *simple.DirectedGraph) {
	seen := make(map[*Unit]int64)
	byID := make(map[int64]*Unit)
	dg := simple.NewDirectedGraph()

	var next int64
	var visit func(u *Unit)
	visit = func(u *Unit) {
		if _, ok := seen[u]; ok {
			return
		}
		id := next
		next++
		seen[u] = id
		byID[id] = u
		dg.AddNode(simple.Node(id))
		for _, d := range u.Deps() {
			visit(d)
		}
	}
	for _, r := range g.Roots {
		visit(r)
	}
	for u, id := range seen {
		for _, d := range u.Deps() {
			dg.SetEdge(dg.NewEdge(simple.Node(seen[d]), simple.Node(id)))
		}
	}
	return byID, dg
}

// allUnitsDFS is the pre-gonum traversal, kept as the fallback for the
// (should-never-happen) cyclic case.
func (g *Graph) allUnitsDFS() []*Unit {
	seen := make(map[*Unit]bool)
	var order []*Unit
	var visit func(u *Unit)
	visit = func(u *Unit) {
		if seen[u] {
			return
		}
		seen[u] = true
		for _, d := range u.Deps() {
			visit(d)
		}
		order = append(order, u)
	}
	for _, r := range g.Roots {
		visit(r)
	}
	return order
}

func findTarget(pkg *manifest.Package, kind manifest.TargetKind) (manifest.Target, bool) {
	for _, t := range pkg.Targets {
		if t.Kind == kind {
			return t, true
		}
	}
	return manifest.Target{}, false
}

// isProcMacro is a manifest-level heuristic (spec.md doesn't define proc-
// macro detection beyond naming the rule); it checks for the conventional
// crate-type marker.
func isProcMacro(pkg *manifest.Package) bool {
	for _, t := range pkg.Targets {
		if t.Kind != manifest.Lib {
			continue
		}
		for _, ct := range t.CrateTypes {
			if ct == "proc-macro" {
				return true
			}
		}
	}
	return false
}
