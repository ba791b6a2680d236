package main

import (
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/resolver"
	"github.com/forgebuild/forge/internal/sourceid"
)

func testPkgID(t *testing.T, name string) pkgid.Id {
	t.Helper()
	src, err := sourceid.New(sourceid.Path, "/tmp/"+name, sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatalf("sourceid.New: %v", err)
	}
	ver, err := semver.NewVersion("1.0.0")
	if err != nil {
		t.Fatalf("semver.NewVersion: %v", err)
	}
	id, err := pkgid.New(name, ver, src)
	if err != nil {
		t.Fatalf("pkgid.New: %v", err)
	}
	return id
}

func TestMemberPkgIDs(t *testing.T) {
	a := testPkgID(t, "a")
	b := testPkgID(t, "b")
	ws := &manifest.Workspace{
		Members: []*manifest.Package{
			{ID: a},
			{ID: b},
		},
	}

	got := memberPkgIDs(ws)
	if len(got) != 2 || !got[0].Equal(a) || !got[1].Equal(b) {
		t.Fatalf("memberPkgIDs: got %v, want [%v %v]", got, a, b)
	}
}

func TestPkgLookupPrefersWorkspaceMember(t *testing.T) {
	member := testPkgID(t, "member")
	memberPkg := &manifest.Package{ID: member, ManifestPath: "/ws/member/forge.toml"}
	ws := &manifest.Workspace{Members: []*manifest.Package{memberPkg}}

	rs := &resolver.Resolve{}
	lookup := pkgLookup(ws, rs)

	if got := lookup(member); got != memberPkg {
		t.Fatalf("pkgLookup did not return the workspace member pointer for %v", member)
	}

	missing := testPkgID(t, "not-in-workspace-or-resolve")
	if got := lookup(missing); got != nil {
		t.Fatalf("pkgLookup should return nil for an id present in neither the workspace nor the resolve, got %v", got)
	}
}
