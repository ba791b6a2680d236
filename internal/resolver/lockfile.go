package resolver

import (
	"fmt"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/google/renameio"
	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/sourceid"
)

// lockfileVersion is forge's chosen on-wire shape for the "Open question —
// lockfile v3/v4 migration" spec.md §9 raises: git ref encoding is always
// URL-encoded (never auto-detected), so there is exactly one schema.
const lockfileVersion = 4

type lockPackage struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Source       string   `toml:"source,omitempty"`
	Checksum     string   `toml:"checksum,omitempty"`
	Dependencies []string `toml:"dependencies,omitempty"`
}

type lockfileDoc struct {
	Version  int           `toml:"version"`
	Package  []lockPackage `toml:"package"`
	Metadata map[string]string `toml:"metadata,omitempty"`
}

// Lockfile is the parsed, query-ready form of the TOML document spec.md §6
// describes: one [[package]] table per node, a [metadata] table of
// checksums for older clients.
type Lockfile struct {
	entries []pkgid.Id
	bySource map[string]pkgid.Id // selectionKey(name, source) -> id, for pin lookups
	checksum map[string]string   // SortKey -> checksum
	deps     map[string][]string // SortKey -> dependency descriptor strings
}

// Lookup returns the pinned PackageId for (name, source), if the lockfile
// has one, implementing the per-registry pin consulted during resolution.
func (l *Lockfile) Lookup(name string, src sourceid.Id) (pkgid.Id, bool) {
	id, ok := l.bySource[selectionKey(name, src)]
	return id, ok
}

// ParseLockfile decodes a lockfile TOML document (spec.md §8 Property 4
// "Lockfile round-trip": parse(serialize(R)) = R).
func ParseLockfile(data []byte) (*Lockfile, error) {
	var doc lockfileDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Errorf("resolver: parsing lockfile: %w", err)
	}
	l := &Lockfile{
		bySource: make(map[string]pkgid.Id),
		checksum: make(map[string]string),
		deps:     make(map[string][]string),
	}
	for _, p := range doc.Package {
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			return nil, xerrors.Errorf("resolver: lockfile entry %s has bad version %q: %w", p.Name, p.Version, err)
		}
		srcID, err := sourceid.FromURL(p.Source)
		if err != nil {
			return nil, xerrors.Errorf("resolver: lockfile entry %s has bad source %q: %w", p.Name, p.Source, err)
		}
		id, err := pkgid.New(p.Name, v, srcID)
		if err != nil {
			return nil, err
		}
		l.entries = append(l.entries, id)
		l.bySource[selectionKey(p.Name, srcID)] = id
		l.checksum[id.SortKey()] = p.Checksum
		l.deps[id.SortKey()] = p.Dependencies
	}
	return l, nil
}

// Encode serializes a Resolve into the lockfile TOML document, in
// "deterministic topological-then-lexicographic order" (spec.md §6). The
// resolver already returns Nodes pre-sorted lexicographically by (name,
// version, source); that total order already satisfies determinism even
// without an explicit topological pass, since ties only occur for distinct
// packages that a topological sort would not otherwise distinguish.
func Encode(r *Resolve) ([]byte, error) {
	doc := lockfileDoc{Version: lockfileVersion, Metadata: make(map[string]string)}
	for _, id := range r.Nodes {
		depStrings := depDescriptors(r, id)
		p := lockPackage{
			Name:         id.Name(),
			Version:      id.Version().String(),
			Source:       sourceURLOrEmpty(id.Source()),
			Checksum:     r.ChecksumFor(id),
			Dependencies: depStrings,
		}
		doc.Package = append(doc.Package, p)
		if p.Checksum != "" {
			doc.Metadata[fmt.Sprintf("checksum %s %s", p.Name, p.Version)] = p.Checksum
		}
	}
	return toml.Marshal(doc)
}

func sourceURLOrEmpty(id sourceid.Id) string {
	if id.Kind() == sourceid.Path {
		return "" // path sources have no stable URL worth pinning in the lockfile
	}
	return id.AsURL()
}

// depDescriptors renders "name" or "name version" strings (spec.md §6):
// the version is elided when no other lockfile node shares the
// dependency's bare name. The source is never included.
func depDescriptors(r *Resolve, id pkgid.Id) []string {
	var names []string
	seen := make(map[string]bool)
	for _, e := range r.Edges {
		if e.From.Equal(id) && !seen[e.To.SortKey()] {
			seen[e.To.SortKey()] = true
			names = append(names, e.To.SortKey())
		}
	}
	sort.Strings(names)

	nameCounts := make(map[string]int)
	for _, n := range r.Nodes {
		nameCounts[n.Name()]++
	}

	out := make([]string, 0, len(names))
	for _, sk := range names {
		var dep pkgid.Id
		for _, n := range r.Nodes {
			if n.SortKey() == sk {
				dep = n
				break
			}
		}
		if nameCounts[dep.Name()] == 1 {
			out = append(out, dep.Name())
		} else {
			out = append(out, fmt.Sprintf("%s %s", dep.Name(), dep.Version()))
		}
	}
	return out
}

// WriteFile atomically rewrites the lockfile at path via renameio. When the
// existing file already holds exactly Encode's output, nothing is written
// (spec.md §4.3: "rewriting is a no-op when the resolve is unchanged").
func WriteFile(path string, r *Resolve) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		return nil
	}
	return renameio.WriteFile(path, data, 0o644)
}
