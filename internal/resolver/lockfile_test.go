package resolver

import (
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/source"
	"github.com/forgebuild/forge/internal/sourceid"
)

func TestLockfileRoundTrip(t *testing.T) {
	reg := registrySourceID(t)
	barID, err := pkgid.New("bar", semver.MustParse("1.0.0"), reg)
	if err != nil {
		t.Fatal(err)
	}
	bazID, err := pkgid.New("baz", semver.MustParse("2.0.0"), reg)
	if err != nil {
		t.Fatal(err)
	}
	r := &Resolve{
		Nodes: []pkgid.Id{bazID, barID},
		Edges: []Edge{{From: barID, To: bazID}},
		summaries: map[string]source.Summary{
			barID.SortKey(): {Checksum: "c-bar"},
			bazID.SortKey(): {Checksum: "c-baz"},
		},
	}

	data, err := Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseLockfile(data)
	if err != nil {
		t.Fatalf("ParseLockfile(Encode(r)): %v", err)
	}
	gotBar, ok := parsed.Lookup("bar", reg)
	if !ok || !gotBar.Equal(barID) {
		t.Errorf("round trip lost bar: got %v, ok=%v", gotBar, ok)
	}
	gotBaz, ok := parsed.Lookup("baz", reg)
	if !ok || !gotBaz.Equal(bazID) {
		t.Errorf("round trip lost baz: got %v, ok=%v", gotBaz, ok)
	}
}

func TestLockfileParseRejectsBadSemver(t *testing.T) {
	_, err := ParseLockfile([]byte(`version = 4

[[package]]
name = "bar"
version = "not-semver"
source = "registry+https://index.example.com/"
`))
	if err == nil {
		t.Fatal("expected an error for malformed semver in lockfile")
	}
}

func TestSourceIDRoundTripThroughLockfileEncoding(t *testing.T) {
	id, err := sourceid.New(sourceid.Git, "https://github.com/example/repo", sourceid.GitReference{Kind: "tag", Value: "v1"}, sourceid.Precise{Kind: "gitrev", Value: "abcd"}, "")
	if err != nil {
		t.Fatal(err)
	}
	encoded := id.AsURL()
	decoded, err := sourceid.FromURL(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Equal(id) {
		t.Errorf("round trip mismatch: %s != %s", decoded, id)
	}
}
