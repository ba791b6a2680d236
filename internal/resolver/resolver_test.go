package resolver

import (
	"context"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/source"
	"github.com/forgebuild/forge/internal/sourceid"
)

// fakeSource serves a fixed set of summaries for tests without touching the
// filesystem or network, isolating the resolver's selection logic from
// internal/source's concrete variants.
type fakeSource struct {
	byName map[string][]source.Summary
}

func (f *fakeSource) QuerySummaries(ctx context.Context, name string) ([]source.Summary, error) {
	return f.byName[name], nil
}
func (f *fakeSource) Download(ctx context.Context, id pkgid.Id, checksum string) (string, error) {
	return "", nil
}
func (f *fakeSource) Fingerprint(ctx context.Context, id pkgid.Id) (string, error) { return "", nil }
func (f *fakeSource) IsYanked(ctx context.Context, id pkgid.Id) (bool, error)      { return false, nil }

func registrySourceID(t *testing.T) sourceid.Id {
	t.Helper()
	id, err := sourceid.New(sourceid.Registry, "https://index.example.com/", sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// fakeFactory implements resolver.SourceFactory, handing back one fakeSource
// regardless of the requested SourceId, so tests never touch the
// filesystem/network-backed concrete Source variants.
type fakeFactory struct {
	fake *fakeSource
}

func (f *fakeFactory) Get(id sourceid.Id) (source.Source, error) { return f.fake, nil }

func testFactoryWithFake(t *testing.T, fake *fakeSource) SourceFactory {
	t.Helper()
	return &fakeFactory{fake: fake}
}

func TestPicksHighestNonYankedVersion(t *testing.T) {
	reg := registrySourceID(t)
	fake := &fakeSource{byName: map[string][]source.Summary{
		"bar": {
			{Name: "bar", Version: "1.0.0", Source: reg, Checksum: "c1"},
			{Name: "bar", Version: "1.1.0", Source: reg, Checksum: "c2", Yanked: true},
		},
	}}

	ws := oneMemberWorkspace(t, reg, "1")

	rv := &Resolver{Sources: testFactoryWithFake(t, fake)}
	r, err := rv.Resolve(context.Background(), ws, Options{DefaultFeatures: true})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range r.Nodes {
		if n.Name() == "bar" {
			found = true
			if n.Version().String() != "1.0.0" {
				t.Errorf("selected %s, want 1.0.0 (1.1.0 is yanked)", n.Version())
			}
		}
	}
	if !found {
		t.Fatal("bar not present in resolve")
	}
}

func TestLockfilePinsOverrideFreshSelection(t *testing.T) {
	reg := registrySourceID(t)
	fake := &fakeSource{byName: map[string][]source.Summary{
		"bar": {
			{Name: "bar", Version: "1.0.0", Source: reg, Checksum: "c1"},
			{Name: "bar", Version: "1.0.1", Source: reg, Checksum: "c2"},
		},
	}}
	ws := oneMemberWorkspace(t, reg, "1.0")

	// A dependency without a registry override resolves against the
	// Registry SourceId with an empty URL, so the pin is keyed on that.
	defaultReg, err := sourceid.New(sourceid.Registry, "", sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	v100 := semver.MustParse("1.0.0")
	pinnedID, err := pkgid.New("bar", v100, defaultReg)
	if err != nil {
		t.Fatal(err)
	}
	lock := &Lockfile{
		bySource: map[string]pkgid.Id{selectionKey("bar", defaultReg): pinnedID},
		checksum: map[string]string{},
		deps:     map[string][]string{},
	}

	rv := &Resolver{Sources: testFactoryWithFake(t, fake), Previous: lock}
	r, err := rv.Resolve(context.Background(), ws, Options{DefaultFeatures: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range r.Nodes {
		if n.Name() == "bar" && n.Version().String() != "1.0.0" {
			t.Errorf("lockfile pin should dominate: got %s, want 1.0.0", n.Version())
		}
	}
}

func TestDuplicateLinksErrors(t *testing.T) {
	reg := registrySourceID(t)
	fake := &fakeSource{byName: map[string][]source.Summary{
		"bar": {{Name: "bar", Version: "1.0.0", Source: reg, Links: "ssl"}},
		"baz": {{Name: "baz", Version: "1.0.0", Source: reg, Links: "ssl", Deps: nil}},
	}}
	src, _ := sourceid.New(sourceid.Path, "/ws/root", sourceid.GitReference{}, sourceid.Precise{}, "")
	id, _ := pkgid.New("root", semver.MustParse("0.1.0"), src)
	pkg := &manifest.Package{
		ID: id,
		Deps: []manifest.Dependency{
			{Name: "bar", Req: mustConstraint(t, "1"), Kind: manifest.Normal, DefaultFeatures: true},
			{Name: "baz", Req: mustConstraint(t, "1"), Kind: manifest.Normal, DefaultFeatures: true},
		},
	}
	ws := &manifest.Workspace{Members: []*manifest.Package{pkg}}

	rv := &Resolver{Sources: testFactoryWithFake(t, fake)}
	_, err := rv.Resolve(context.Background(), ws, Options{DefaultFeatures: true})
	if err == nil {
		t.Fatal("expected DuplicateLinksError")
	}
	if _, ok := err.(*DuplicateLinksError); !ok {
		t.Errorf("got %T, want *DuplicateLinksError", err)
	}
}

func mustConstraint(t *testing.T, s string) *semver.Constraints {
	t.Helper()
	c, err := semver.NewConstraint(s)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func oneMemberWorkspace(t *testing.T, reg sourceid.Id, req string) *manifest.Workspace {
	t.Helper()
	src, err := sourceid.New(sourceid.Path, "/ws/root", sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := pkgid.New("root", semver.MustParse("0.1.0"), src)
	if err != nil {
		t.Fatal(err)
	}
	pkg := &manifest.Package{
		ID: id,
		Deps: []manifest.Dependency{
			{Name: "bar", Req: mustConstraint(t, req), Kind: manifest.Normal, DefaultFeatures: true},
		},
	}
	return &manifest.Workspace{Members: []*manifest.Package{pkg}}
}
