package unitgraph

import (
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/sourceid"
)

func testUnit(t *testing.T, features []string) (*Unit, string) {
	t.Helper()
	src, err := sourceid.New(sourceid.Path, "/checkout/a/foo", sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := pkgid.New("foo", semver.MustParse("1.0.0"), src)
	if err != nil {
		t.Fatal(err)
	}
	u := &Unit{
		Pkg:      id,
		Target:   manifest.Target{Kind: manifest.Lib, Name: "foo", CrateTypes: []string{"lib"}},
		Mode:     Build,
		Profile:  Profile{OptLevel: "0", CodegenUnits: 16},
		Kind:     Kind{},
		Features: features,
	}
	return u, "/checkout/a/foo"
}

func TestMetadataStableAcrossWorkspaceRelocation(t *testing.T) {
	u1, path1 := testUnit(t, []string{"default"})
	inputs1 := HashInputs{WorkspaceRoot: "/checkout/a", Compiler: CompilerVersion{Channel: "stable", Full: "1.70.0"}}
	meta1, _, _ := Metadata(u1, path1, inputs1, nil, nil)

	// Same workspace-relative layout, different absolute root: spec.md §8
	// Property 1 requires c_metadata to be unchanged.
	u2, path2 := testUnit(t, []string{"default"})
	u2.Pkg = u1.Pkg // same logical package identity after "moving" the checkout
	inputs2 := HashInputs{WorkspaceRoot: "/home/other/b", Compiler: CompilerVersion{Channel: "stable", Full: "1.70.0"}}
	path2 = "/home/other/b/foo"
	meta2, _, _ := Metadata(u2, path2, inputs2, nil, nil)

	if meta1 != meta2 {
		t.Errorf("c_metadata changed after relocation: %s != %s", meta1, meta2)
	}
}

func TestExtraFilenameSeparatesOnFeatureChange(t *testing.T) {
	u1, path := testUnit(t, []string{"default"})
	u2, _ := testUnit(t, []string{"default", "extra"})
	inputs := HashInputs{WorkspaceRoot: "/checkout/a", Compiler: CompilerVersion{Channel: "stable", Full: "1.70.0"}}

	_, ef1, _ := Metadata(u1, path, inputs, nil, nil)
	_, ef2, _ := Metadata(u2, path, inputs, nil, nil)

	if ef1 == ef2 {
		t.Errorf("c_extra_filename did not change across feature sets %v vs %v", u1.Features, u2.Features)
	}
}

func TestRemapPathPrefixOmitsRustflagsFromExtraFilename(t *testing.T) {
	u, path := testUnit(t, []string{"default"})
	inputs := HashInputs{WorkspaceRoot: "/checkout/a", Compiler: CompilerVersion{Channel: "stable", Full: "1.70.0"}}

	u.Flags = Flags{CompilerFlags: []string{"-C", "debuginfo=2"}}
	_, efNoRemap, _ := Metadata(u, path, inputs, nil, nil)

	u.Flags = Flags{CompilerFlags: []string{"--remap-path-prefix=/a=/b", "-C", "debuginfo=2"}}
	_, efWithRemap, _ := Metadata(u, path, inputs, nil, nil)

	u.Flags = Flags{CompilerFlags: []string{"--remap-path-prefix=/a=/b"}}
	_, efWithRemapOnly, _ := Metadata(u, path, inputs, nil, nil)

	if efWithRemap != efWithRemapOnly {
		t.Errorf("rustflags should be fully omitted once a remap-path-prefix flag is present: %s != %s", efWithRemap, efWithRemapOnly)
	}
	if efNoRemap == efWithRemapOnly {
		t.Errorf("hash without remap (flags included) should differ from hash with remap (flags omitted)")
	}
}

func TestDylibOmitsExtraFilenameButKeepsUnitID(t *testing.T) {
	u, path := testUnit(t, []string{"default"})
	u.Target.CrateTypes = []string{"cdylib"}
	inputs := HashInputs{WorkspaceRoot: "/checkout/a", Compiler: CompilerVersion{Channel: "stable", Full: "1.70.0"}}

	cMeta, cExtra, unitID := Metadata(u, path, inputs, nil, nil)
	if cExtra != "" {
		t.Errorf("expected cdylib to omit c_extra_filename, got %q", cExtra)
	}
	if unitID != cMeta {
		t.Errorf("unit_id should fall back to c_metadata when c_extra_filename is omitted")
	}
}
