package pkgid

import (
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/sourceid"
)

func mustSource(t *testing.T, url string) sourceid.Id {
	t.Helper()
	id, err := sourceid.New(sourceid.Registry, url, sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestEqualIgnoresBuildMetadata(t *testing.T) {
	src := mustSource(t, "https://index.example.com/")
	v1 := semver.MustParse("1.2.3+build.1")
	v2 := semver.MustParse("1.2.3+build.2")
	a, err := New("foo", v1, src)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("foo", v2, src)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Errorf("PackageIds differing only in semver build metadata should be equal")
	}
}

func TestLessOrdersByNameThenVersion(t *testing.T) {
	src := mustSource(t, "https://index.example.com/")
	a, _ := New("foo", semver.MustParse("1.0.0"), src)
	b, _ := New("foo", semver.MustParse("2.0.0"), src)
	c, _ := New("zzz", semver.MustParse("0.0.1"), src)
	if !a.Less(b) {
		t.Errorf("foo 1.0.0 should sort before foo 2.0.0")
	}
	if !b.Less(c) {
		t.Errorf("foo should sort before zzz regardless of version")
	}
}
