// Package source implements spec.md §4.1: a Source is polymorphic over
// {list-summaries-by-name, download-by-PackageId, report-fingerprint,
// verify-not-yanked}, with concrete Path, Git, remote-registry, sparse, and
// local/directory variants, all obtained through an interning factory keyed
// by SourceId.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgebuild/forge/internal/index"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/sourceid"
)

// Summary is the source-agnostic view the resolver consumes; it is built
// from an index.IndexSummary for registry-backed sources, or synthesized
// directly from a manifest for path/git sources.
type Summary struct {
	Name        string
	Version     string
	Source      sourceid.Id
	Checksum    string
	Deps        []index.Dependency
	Features    map[string][]string
	Links       string
	RustVersion string
	Yanked      bool
}

// Source is the capability set every concrete variant implements.
type Source interface {
	// QuerySummaries returns every known Summary for a package name. For a
	// frozen/locked source this must not perform network I/O.
	QuerySummaries(ctx context.Context, name string) ([]Summary, error)

	// Download fetches and verifies the package tree for id, returning the
	// local path to its root. A checksum mismatch is a hard, non-retried
	// error (spec.md §4.1 "Downloads").
	Download(ctx context.Context, id pkgid.Id, checksum string) (string, error)

	// Fingerprint reports an opaque string that changes iff the source's
	// content for id could have changed (used by the fingerprinter for
	// path/git deps that bypass the registry checksum path).
	Fingerprint(ctx context.Context, id pkgid.Id) (string, error)

	// IsYanked reports whether a version is marked yanked upstream. Only
	// meaningful for registry-like sources; other kinds always return false.
	IsYanked(ctx context.Context, id pkgid.Id) (bool, error)
}

// Factory interns Source instances by SourceId, per spec.md §4.1: "two
// lookups with equal SourceId return the same instance for a build."
type Factory struct {
	mu      sync.Mutex
	byID    map[sourceid.Id]Source
	cacheDir string // shared global package cache root, e.g. $FORGE_HOME/cache
	frozen   bool    // forbids network I/O when true
}

// NewFactory constructs a Factory rooted at cacheDir. frozen mirrors
// spec.md's "frozen/locked mode that forbids network I/O".
func NewFactory(cacheDir string, frozen bool) *Factory {
	return &Factory{
		byID:     make(map[sourceid.Id]Source),
		cacheDir: cacheDir,
		frozen:   frozen,
	}
}

// Get returns the interned Source for id, constructing it on first use.
func (f *Factory) Get(id sourceid.Id) (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	s, err := f.build(id)
	if err != nil {
		return nil, err
	}
	f.byID[id] = s
	return s, nil
}

func (f *Factory) build(id sourceid.Id) (Source, error) {
	switch id.Kind() {
	case sourceid.Path:
		return &PathSource{root: id.URL()}, nil
	case sourceid.Git:
		return newGitSource(f.cacheDir, id, f.frozen)
	case sourceid.Registry:
		return newGitIndexRegistry(f.cacheDir, id, f.frozen)
	case sourceid.SparseRegistry:
		return newSparseRegistry(f.cacheDir, id, f.frozen)
	case sourceid.LocalRegistry, sourceid.Directory:
		return &DirectoryRegistry{root: id.URL()}, nil
	default:
		return nil, fmt.Errorf("source: unknown SourceId kind %v", id.Kind())
	}
}

// verifyChecksum implements spec.md §4.1 "Downloads are content-verified
// against the cksum recorded in the index summary... never silently
// accepted."
func verifyChecksum(path, want string) error {
	if want == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source: reading %s for checksum: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("source: hashing %s: %w", path, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("source: checksum mismatch for %s: got %s, want %s", filepath.Base(path), got, want)
	}
	return nil
}
