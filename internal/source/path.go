package source

import (
	"context"
	"fmt"
	"os"

	"github.com/forgebuild/forge/internal/pkgid"
)

// PathSource enumerates the manifest at a given directory. No network, no
// lock: spec.md §4.1 "Path source".
type PathSource struct {
	root string

	// summaryFn reads the package Summary at root. Factory.build leaves it
	// nil, so QuerySummaries on a PathSource from the Factory returns a
	// "no manifest reader configured" error; GitSource sets its own.
	summaryFn func(root string) (Summary, error)
}

func (p *PathSource) QuerySummaries(ctx context.Context, name string) ([]Summary, error) {
	if p.summaryFn == nil {
		return nil, fmt.Errorf("source: path source at %s has no manifest reader configured", p.root)
	}
	s, err := p.summaryFn(p.root)
	if err != nil {
		return nil, err
	}
	if s.Name != name {
		return nil, nil
	}
	return []Summary{s}, nil
}

func (p *PathSource) Download(ctx context.Context, id pkgid.Id, checksum string) (string, error) {
	if _, err := os.Stat(p.root); err != nil {
		return "", fmt.Errorf("source: path source %s: %w", p.root, err)
	}
	return p.root, nil
}

// Fingerprint for a path source is the directory's own freshness, which the
// fingerprinter layer tracks via dep-info mtimes; the source layer itself
// has nothing stable to report beyond "always re-check".
func (p *PathSource) Fingerprint(ctx context.Context, id pkgid.Id) (string, error) {
	return "path:" + p.root, nil
}

func (p *PathSource) IsYanked(ctx context.Context, id pkgid.Id) (bool, error) {
	return false, nil
}

var _ Source = (*PathSource)(nil)
