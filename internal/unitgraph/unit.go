// Package unitgraph expands a resolver.Resolve into the graph of
// compilation units spec.md §4.4 describes, and computes each unit's
// metadata hashes (c_metadata, c_extra_filename, unit_id).
package unitgraph

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
)

// Mode is spec.md §3's Unit.mode enum.
type Mode int

const (
	Build Mode = iota
	Check
	Test
	Bench
	Doc
	Doctest
	Docscrape
	RunCustomBuild
)

func (m Mode) String() string {
	switch m {
	case Check:
		return "check"
	case Test:
		return "test"
	case Bench:
		return "bench"
	case Doc:
		return "doc"
	case Doctest:
		return "doctest"
	case Docscrape:
		return "docscrape"
	case RunCustomBuild:
		return "run-custom-build"
	default:
		return "build"
	}
}

// producesArtifacts reports whether uplift applies in this mode (spec.md
// §4.8 "Uplift is skipped entirely in modes that do not produce user-facing
// artifacts (Check, Doctest, RunCustomBuild, Docscrape).")
func (m Mode) producesArtifacts() bool {
	switch m {
	case Check, Doctest, RunCustomBuild, Docscrape:
		return false
	default:
		return true
	}
}

// Kind is Host or a cross-compilation Target(triple) (spec.md §3).
type Kind struct {
	Triple string // "" means Host
}

func (k Kind) IsHost() bool { return k.Triple == "" }

func (k Kind) String() string {
	if k.IsHost() {
		return "host"
	}
	return k.Triple
}

// Profile mirrors the fields spec.md §4.4 item 4 names as hash inputs.
type Profile struct {
	Name            string // "debug" or "release"
	OptLevel        string
	DebugInfo       string
	Panic           string
	LTO             string
	CodegenUnits    int
	OverflowChecks  bool
	DebugAssertions bool
	RPath           bool
	Incremental     bool
	Strip           string
	SplitDebugInfo  string
}

// Flags holds the per-unit rustflags-equivalent inputs named across §4.4,
// §4.6, and §6.
type Flags struct {
	CompilerFlags  []string // RUSTFLAGS-equivalent, full text
	DocFlags       []string // RUSTDOCFLAGS-equivalent
	LinksOverrides map[string]string
}

// ContainsRemapPathPrefix implements spec.md §4.4 "Remap detection": a
// syntactic scan for --remap-path-prefix[=...].
func (f Flags) ContainsRemapPathPrefix() bool {
	for _, a := range f.CompilerFlags {
		if strings.HasPrefix(a, "--remap-path-prefix") {
			return true
		}
	}
	return false
}

// Unit is the scheduler's atom (spec.md §3 "Unit").
type Unit struct {
	Pkg      pkgid.Id
	Target   manifest.Target
	Mode     Mode
	Profile  Profile
	Kind     Kind
	Features []string // sorted
	IsStd    bool
	Flags    Flags

	CMetadata       string
	CExtraFilename  string // "" when omitted per §4.4 "When to omit"
	UnitID          string

	deps []*Unit
}

func (u *Unit) Deps() []*Unit { return u.deps }

func (u *Unit) AddDep(d *Unit) { u.deps = append(u.deps, d) }

// OmitsExtraFilename reports whether this unit's target/crate-type combo is
// one of the ones spec.md §4.4 "When to omit c_extra_filename" names:
// executables embedding their own dylib name, and dylibs/cdylibs requiring
// a predictable filename.
func (u *Unit) OmitsExtraFilename() bool {
	for _, ct := range u.Target.CrateTypes {
		if ct == "dylib" || ct == "cdylib" {
			return true
		}
	}
	return u.Target.Kind == manifest.Bin && u.isEmscriptenOrMSVC()
}

func (u *Unit) isEmscriptenOrMSVC() bool {
	t := u.Kind.Triple
	return strings.Contains(t, "emscripten") || strings.Contains(t, "msvc")
}

// key is the value identity an interned Unit is keyed by: every field that
// participates in "logical equality" per spec.md §3 ("Units are interned;
// pointer-equality ⇔ logical equality").
type key struct {
	pkg      string
	target   string
	mode     Mode
	kind     string
	features string
	isStd    bool
	profile  string
}

func unitKey(u *Unit) key {
	return key{
		pkg:      u.Pkg.SortKey(),
		target:   u.Target.Kind.String() + ":" + u.Target.Name,
		mode:     u.Mode,
		kind:     u.Kind.String(),
		features: strings.Join(u.Features, ","),
		isStd:    u.IsStd,
		profile:  u.Profile.Name,
	}
}

// Interner gives Units pointer-equal identity for equal keys, scoped to one
// build (spec.md §9 "Interning with global lifetime": "lifetime = the
// build").
type Interner struct {
	mu   sync.Mutex
	byID map[key]*Unit
}

func NewInterner() *Interner { return &Interner{byID: make(map[key]*Unit)} }

// Intern returns the canonical *Unit for u's key, storing u itself on first
// use. Callers must finish populating u (deps excluded — those are added
// after interning) before calling Intern.
func (in *Interner) Intern(u *Unit) *Unit {
	in.mu.Lock()
	defer in.mu.Unlock()
	k := unitKey(u)
	if existing, ok := in.byID[k]; ok {
		return existing
	}
	in.byID[k] = u
	return u
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

// WorkspaceRelativePath implements the supplemented feature described in
// SPEC_FULL.md §3 "Workspace-relative path stabilization for path
// dependencies": a path-source package's identity is hashed relative to the
// workspace root, not its absolute path, so metadata hashes survive moving
// the whole checkout (spec.md §8 Property 1).
func WorkspaceRelativePath(workspaceRoot, absPath string) string {
	rel, err := filepath.Rel(workspaceRoot, absPath)
	if err != nil {
		return absPath
	}
	return filepath.ToSlash(rel)
}
