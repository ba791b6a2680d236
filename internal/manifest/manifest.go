// Package manifest normalizes a workspace's manifest files into the model
// spec.md §3 names under "Workspace": a set of member Packages, each with a
// dependency table, a feature table, and a target list, decoded from TOML
// (spec.md's lockfile-adjacent manifest format) rather than the original
// textproto shape the teacher's pb.Build used.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/sourceid"
)

// DependencyKind mirrors spec.md §3 "Dependency spec": kind Normal|Dev|Build.
type DependencyKind int

const (
	Normal DependencyKind = iota
	Dev
	Build
)

func (k DependencyKind) String() string {
	switch k {
	case Dev:
		return "dev"
	case Build:
		return "build"
	default:
		return "normal"
	}
}

// ArtifactDescriptor is spec.md §3's `artifact` field on a Dependency spec.
type ArtifactDescriptor struct {
	Kinds  []string // subset of {bin, cdylib, staticlib}
	Lib    bool
	Target string // optional triple
}

// Dependency is one edge out of a Package, as declared in its manifest.
type Dependency struct {
	Name            string
	Rename          string // "package = ..." rename, spec.md §3 SUPPLEMENT
	Req             *semver.Constraints
	Kind            DependencyKind
	Target          string // cfg(...) predicate, spec.md §3 "target predicate"
	Features        []string
	DefaultFeatures bool
	Optional        bool
	Public          bool
	RegistryOverride string
	Artifact        *ArtifactDescriptor

	// Path and Git are set for path/git dependencies, bypassing version
	// matching for resolution (spec.md §4.3 "Version selection").
	Path string
	Git  string
	GitRef sourceid.GitReference
}

// ActivatedName is the dependency-facing name after an optional rename, used
// when building DEP_<pkg>_<metadata-key> build-script environment keys and
// when matching feature activation strings ("dep/feat").
func (d Dependency) ActivatedName() string {
	if d.Rename != "" {
		return d.Rename
	}
	return d.Name
}

// TargetKind is spec.md §3's `kind` on a Target: Lib|Bin|Example|Test|Bench|CustomBuild.
type TargetKind int

const (
	Lib TargetKind = iota
	Bin
	Example
	Test
	Bench
	CustomBuild
)

func (k TargetKind) String() string {
	switch k {
	case Bin:
		return "bin"
	case Example:
		return "example"
	case Test:
		return "test"
	case Bench:
		return "bench"
	case CustomBuild:
		return "custom-build"
	default:
		return "lib"
	}
}

// Target is a buildable output declared in a manifest (spec.md §3).
type Target struct {
	Kind             TargetKind
	Name             string
	SourcePath       string
	Edition          string
	RequiredFeatures []string
	CrateTypes       []string
}

// Package is one workspace member (spec.md §3 "Workspace").
type Package struct {
	ManifestPath string
	ID           pkgid.Id
	Deps         []Dependency
	Features     map[string][]string
	Targets      []Target
	Links        string
	RustVersion  string
}

// Workspace is a set of member Packages sharing one lockfile and one output
// root (spec.md §3 "Workspace").
type Workspace struct {
	Root     string
	Members  []*Package
}

// rawManifest is the TOML decode target; field names match the manifest
// vocabulary spec.md §3 already names (name/rename, req, kind, target,
// features, default_features, optional, public, registry, artifact,
// path, git, branch/tag/rev).
type rawManifest struct {
	Package struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Links       string `toml:"links"`
		RustVersion string `toml:"rust-version"`
		Edition     string `toml:"edition"`
	} `toml:"package"`

	Lib *rawTarget   `toml:"lib"`
	Bin []rawTarget  `toml:"bin"`
	Example []rawTarget `toml:"example"`
	Test    []rawTarget `toml:"test"`
	Bench   []rawTarget `toml:"bench"`

	Dependencies    map[string]interface{} `toml:"dependencies"`
	DevDependencies map[string]interface{} `toml:"dev-dependencies"`
	BuildDependencies map[string]interface{} `toml:"build-dependencies"`

	Features map[string][]string `toml:"features"`
}

type rawTarget struct {
	Name             string   `toml:"name"`
	Path             string   `toml:"path"`
	RequiredFeatures []string `toml:"required-features"`
	CrateType        []string `toml:"crate-type"`
}

type rawDependency struct {
	Version         string   `toml:"version"`
	Package         string   `toml:"package"` // rename target: `foo = { package = "real-name" }`
	Path            string   `toml:"path"`
	Git             string   `toml:"git"`
	Branch          string   `toml:"branch"`
	Tag             string   `toml:"tag"`
	Rev             string   `toml:"rev"`
	Registry        string   `toml:"registry"`
	Features        []string `toml:"features"`
	DefaultFeatures *bool    `toml:"default-features"`
	Optional        bool     `toml:"optional"`
	Public          bool     `toml:"public"`
	Target          string   `toml:"target"`
	Artifact        []string `toml:"artifact"`
	Lib             bool     `toml:"lib"`
	ArtifactTarget  string   `toml:"target-for-artifact"`

	// The bare-string shorthand `foo = "1.0"` is handled by UnmarshalTOML
	// below: go-toml/v2 cannot decode a string into this struct directly,
	// so rawManifest keeps each dependency entry undecoded and loadDeps
	// passes it to UnmarshalTOML.
}

func (d *rawDependency) UnmarshalTOML(v interface{}) error {
	switch vv := v.(type) {
	case string:
		d.Version = vv
		return nil
	case map[string]interface{}:
		b, err := toml.Marshal(vv)
		if err != nil {
			return err
		}
		type alias rawDependency
		var a alias
		if err := toml.Unmarshal(b, &a); err != nil {
			return err
		}
		*d = rawDependency(a)
		return nil
	default:
		return fmt.Errorf("manifest: unsupported dependency shape %T", v)
	}
}

// Load parses one manifest file (not a whole workspace) into a Package. The
// source argument is the SourceId the package should be identified under
// (for a workspace member this is always a Path source rooted at dir).
func Load(path string, source sourceid.Id) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("manifest: reading %s: %w", path, err)
	}
	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, xerrors.Errorf("manifest: parsing %s: %w", path, err)
	}
	if raw.Package.Name == "" {
		return nil, xerrors.Errorf("manifest: %s: missing [package].name", path)
	}
	version, err := semver.NewVersion(raw.Package.Version)
	if err != nil {
		return nil, xerrors.Errorf("manifest: %s: bad [package].version %q: %w", path, raw.Package.Version, err)
	}
	id, err := pkgid.New(raw.Package.Name, version, source)
	if err != nil {
		return nil, xerrors.Errorf("manifest: %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	p := &Package{
		ManifestPath: path,
		ID:           id,
		Features:     raw.Features,
		Links:        raw.Package.Links,
		RustVersion:  raw.Package.RustVersion,
	}

	deps, err := loadDeps(raw.Dependencies, Normal)
	if err != nil {
		return nil, xerrors.Errorf("manifest: %s: %w", path, err)
	}
	p.Deps = append(p.Deps, deps...)
	deps, err = loadDeps(raw.DevDependencies, Dev)
	if err != nil {
		return nil, xerrors.Errorf("manifest: %s: %w", path, err)
	}
	p.Deps = append(p.Deps, deps...)
	deps, err = loadDeps(raw.BuildDependencies, Build)
	if err != nil {
		return nil, xerrors.Errorf("manifest: %s: %w", path, err)
	}
	p.Deps = append(p.Deps, deps...)
	sort.Slice(p.Deps, func(i, j int) bool { return p.Deps[i].Name < p.Deps[j].Name })

	edition := raw.Package.Edition
	if raw.Lib != nil {
		p.Targets = append(p.Targets, targetFromRaw(Lib, *raw.Lib, dir, raw.Package.Name, edition, "src/lib.rs"))
	} else if _, err := os.Stat(filepath.Join(dir, "src", "lib.rs")); err == nil {
		p.Targets = append(p.Targets, Target{Kind: Lib, Name: raw.Package.Name, SourcePath: filepath.Join(dir, "src", "lib.rs"), Edition: edition, CrateTypes: []string{"lib"}})
	}
	for _, b := range raw.Bin {
		p.Targets = append(p.Targets, targetFromRaw(Bin, b, dir, raw.Package.Name, edition, "src/main.rs"))
	}
	for _, e := range raw.Example {
		p.Targets = append(p.Targets, targetFromRaw(Example, e, dir, "", edition, ""))
	}
	for _, t := range raw.Test {
		p.Targets = append(p.Targets, targetFromRaw(Test, t, dir, "", edition, ""))
	}
	for _, b := range raw.Bench {
		p.Targets = append(p.Targets, targetFromRaw(Bench, b, dir, "", edition, ""))
	}
	if _, err := os.Stat(filepath.Join(dir, "build.rs")); err == nil {
		p.Targets = append(p.Targets, Target{Kind: CustomBuild, Name: "build-script-build", SourcePath: filepath.Join(dir, "build.rs"), Edition: edition})
	}

	return p, nil
}

func targetFromRaw(kind TargetKind, t rawTarget, dir, fallbackName, edition, fallbackRel string) Target {
	name := t.Name
	if name == "" {
		name = fallbackName
	}
	path := t.Path
	if path == "" && fallbackRel != "" {
		path = filepath.Join(dir, fallbackRel)
	} else if path != "" {
		path = filepath.Join(dir, path)
	}
	crateTypes := t.CrateType
	if len(crateTypes) == 0 && kind == Lib {
		crateTypes = []string{"lib"}
	}
	return Target{
		Kind:             kind,
		Name:             name,
		SourcePath:       path,
		Edition:          edition,
		RequiredFeatures: t.RequiredFeatures,
		CrateTypes:       crateTypes,
	}
}

func loadDeps(raw map[string]interface{}, kind DependencyKind) ([]Dependency, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Dependency
	for _, name := range names {
		var rd rawDependency
		if err := rd.UnmarshalTOML(raw[name]); err != nil {
			return nil, fmt.Errorf("dependency %q: %w", name, err)
		}
		d := Dependency{
			Name:             name,
			Kind:             kind,
			Target:           rd.Target,
			Features:         rd.Features,
			DefaultFeatures:  rd.DefaultFeatures == nil || *rd.DefaultFeatures,
			Optional:         rd.Optional,
			Public:           rd.Public,
			RegistryOverride: rd.Registry,
			Path:             rd.Path,
			Git:              rd.Git,
		}
		if rd.Package != "" {
			d.Rename = name
			d.Name = rd.Package
		}
		switch {
		case rd.Branch != "":
			d.GitRef = sourceid.GitReference{Kind: "branch", Value: rd.Branch}
		case rd.Tag != "":
			d.GitRef = sourceid.GitReference{Kind: "tag", Value: rd.Tag}
		case rd.Rev != "":
			d.GitRef = sourceid.GitReference{Kind: "rev", Value: rd.Rev}
		}
		if d.Path == "" && d.Git == "" {
			if rd.Version == "" {
				return nil, fmt.Errorf("dependency %q has no version, path, or git source", name)
			}
			c, err := semver.NewConstraint(rd.Version)
			if err != nil {
				return nil, fmt.Errorf("dependency %q: bad requirement %q: %w", name, rd.Version, err)
			}
			d.Req = c
		} else if rd.Version != "" {
			c, err := semver.NewConstraint(rd.Version)
			if err != nil {
				return nil, fmt.Errorf("dependency %q: bad requirement %q: %w", name, rd.Version, err)
			}
			d.Req = c
		}
		if len(rd.Artifact) > 0 {
			d.Artifact = &ArtifactDescriptor{Kinds: rd.Artifact, Lib: rd.Lib, Target: rd.ArtifactTarget}
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadWorkspace discovers every member manifest under root (currently: a
// single-package workspace at root, or, when a [workspace] table with a
// members list is present, every listed member). Multi-member workspace
// glob expansion is intentionally simple (explicit paths, no globbing)
// since spec.md's Non-goals exclude "cargo package's file-list/exclude
// globbing" and we extend that restraint to workspace member discovery too.
func LoadWorkspace(root string) (*Workspace, error) {
	type workspaceTable struct {
		Workspace struct {
			Members []string `toml:"members"`
		} `toml:"workspace"`
	}
	data, err := os.ReadFile(filepath.Join(root, "forge.toml"))
	if err != nil {
		return nil, xerrors.Errorf("manifest: reading workspace root manifest: %w", err)
	}
	var wt workspaceTable
	if err := toml.Unmarshal(data, &wt); err != nil {
		return nil, xerrors.Errorf("manifest: parsing workspace table: %w", err)
	}

	ws := &Workspace{Root: root}
	memberDirs := wt.Workspace.Members
	if len(memberDirs) == 0 {
		memberDirs = []string{"."}
	}
	seenLinks := make(map[string]string)
	for _, rel := range memberDirs {
		dir := filepath.Join(root, rel)
		src, err := sourceid.New(sourceid.Path, dir, sourceid.GitReference{}, sourceid.Precise{}, "")
		if err != nil {
			return nil, err
		}
		pkg, err := Load(filepath.Join(dir, "forge.toml"), src)
		if err != nil {
			return nil, err
		}
		if pkg.Links != "" {
			if owner, dup := seenLinks[pkg.Links]; dup {
				return nil, xerrors.Errorf("manifest: duplicate links=%q claimed by both %s and %s", pkg.Links, owner, pkg.ID)
			}
			seenLinks[pkg.Links] = pkg.ID.String()
		}
		ws.Members = append(ws.Members, pkg)
	}
	return ws, nil
}
