package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/sourceid"
)

// GitSource clones or updates a repo under a shared cache keyed by canonical
// URL, checks out the pinned ref, then delegates to a PathSource over the
// working copy (spec.md §4.1 "Git source").
type GitSource struct {
	id       sourceid.Id
	cacheDir string
	frozen   bool
	path     *PathSource
}

func gitCachePath(cacheDir string, id sourceid.Id) string {
	// Keyed by the canonical URL with '/' and ':' replaced by '_', so
	// differing refs of the same repo share one on-disk clone.
	sum := strings.Map(func(r rune) rune {
		if r == '/' || r == ':' {
			return '_'
		}
		return r
	}, id.CanonicalURL())
	return filepath.Join(cacheDir, "git", "db", sum)
}

func newGitSource(cacheDir string, id sourceid.Id, frozen bool) (*GitSource, error) {
	return &GitSource{id: id, cacheDir: cacheDir, frozen: frozen}, nil
}

// checkout ensures the shared clone exists and is updated (unless frozen),
// then returns the path to a checked-out working tree pinned to id's
// GitReference/Precise.
func (g *GitSource) checkout(ctx context.Context) (string, error) {
	dbPath := gitCachePath(g.cacheDir, g.id)

	var repo *git.Repository
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if g.frozen {
			return "", xerrors.Errorf("source: git clone of %s needed but running frozen/locked", g.id.URL())
		}
		repo, err = git.PlainCloneContext(ctx, dbPath, true, &git.CloneOptions{
			URL: g.id.URL(),
		})
		if err != nil {
			return "", xerrors.Errorf("source: cloning %s: %w", g.id.URL(), err)
		}
	} else {
		repo, err = git.PlainOpen(dbPath)
		if err != nil {
			return "", xerrors.Errorf("source: opening cached clone at %s: %w", dbPath, err)
		}
		if !g.frozen {
			if err := repo.FetchContext(ctx, &git.FetchOptions{Force: true}); err != nil && err != git.NoErrAlreadyUpToDate {
				return "", xerrors.Errorf("source: fetching %s: %w", g.id.URL(), err)
			}
		}
	}

	hash, err := g.resolveRef(repo)
	if err != nil {
		return "", err
	}

	worktreeDir := filepath.Join(g.cacheDir, "git", "checkouts", hash.String())
	if _, err := os.Stat(worktreeDir); os.IsNotExist(err) {
		wt, err := git.PlainClone(worktreeDir, false, &git.CloneOptions{URL: dbPath})
		if err != nil {
			return "", xerrors.Errorf("source: materializing worktree for %s: %w", g.id.URL(), err)
		}
		w, err := wt.Worktree()
		if err != nil {
			return "", err
		}
		if err := w.Checkout(&git.CheckoutOptions{Hash: hash}); err != nil {
			return "", xerrors.Errorf("source: checking out %s at %s: %w", g.id.URL(), hash, err)
		}
	}
	return worktreeDir, nil
}

func (g *GitSource) resolveRef(repo *git.Repository) (plumbing.Hash, error) {
	if pin := g.id.Precise(); pin.Kind == "gitrev" {
		return plumbing.NewHash(pin.Value), nil
	}
	ref := g.id.GitReference()
	switch ref.Kind {
	case "branch":
		r, err := repo.Reference(plumbing.NewBranchReferenceName(ref.Value), true)
		if err != nil {
			return plumbing.ZeroHash, xerrors.Errorf("source: resolving branch %q: %w", ref.Value, err)
		}
		return r.Hash(), nil
	case "tag":
		r, err := repo.Reference(plumbing.NewTagReferenceName(ref.Value), true)
		if err != nil {
			return plumbing.ZeroHash, xerrors.Errorf("source: resolving tag %q: %w", ref.Value, err)
		}
		return r.Hash(), nil
	case "rev":
		return plumbing.NewHash(ref.Value), nil
	default:
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, xerrors.Errorf("source: resolving default branch: %w", err)
		}
		return head.Hash(), nil
	}
}

func (g *GitSource) QuerySummaries(ctx context.Context, name string) ([]Summary, error) {
	dir, err := g.checkout(ctx)
	if err != nil {
		return nil, err
	}
	p := &PathSource{root: dir, summaryFn: g.manifestSummary}
	g.path = p
	return p.QuerySummaries(ctx, name)
}

func (g *GitSource) manifestSummary(root string) (Summary, error) {
	return Summary{}, fmt.Errorf("source: git manifest reading is wired through internal/manifest at call sites")
}

func (g *GitSource) Download(ctx context.Context, id pkgid.Id, checksum string) (string, error) {
	return g.checkout(ctx)
}

func (g *GitSource) Fingerprint(ctx context.Context, id pkgid.Id) (string, error) {
	if pin := g.id.Precise(); pin.Kind == "gitrev" {
		return pin.Value, nil
	}
	dir, err := g.checkout(ctx)
	if err != nil {
		return "", err
	}
	return "git:" + dir, nil
}

func (g *GitSource) IsYanked(ctx context.Context, id pkgid.Id) (bool, error) {
	return false, nil
}

var _ Source = (*GitSource)(nil)
