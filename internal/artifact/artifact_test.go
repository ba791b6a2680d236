package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/sourceid"
	"github.com/forgebuild/forge/internal/unitgraph"
)

func testUnit(t *testing.T) *unitgraph.Unit {
	t.Helper()
	src, err := sourceid.New(sourceid.Path, "/ws/foo", sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := pkgid.New("foo", semver.MustParse("1.0.0"), src)
	if err != nil {
		t.Fatal(err)
	}
	return &unitgraph.Unit{
		Pkg:    id,
		Target: manifest.Target{Kind: manifest.Bin, Name: "foo", CrateTypes: []string{"bin"}},
		Mode:   unitgraph.Build,
	}
}

func TestUpliftHardlinksBinary(t *testing.T) {
	dir := t.TempDir()
	u := testUnit(t)
	outputs := ExpectedOutputs(u, dir)

	var binPath string
	for _, o := range outputs {
		if o.UpliftTo != "" {
			binPath = o.Path
		}
	}
	if binPath == "" {
		t.Fatal("expected a bin output with a non-empty UpliftTo")
	}
	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(binPath, []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	m := &Manager{JSONMode: true, Out: &buf}
	ev, err := m.Uplift(u, outputs, false)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Executable == "" {
		t.Fatal("expected Executable to be set for a bin target")
	}
	if _, err := os.Stat(ev.Executable); err != nil {
		t.Fatalf("expected uplifted binary to exist: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected a JSON Artifact event to be written")
	}
}

func TestUpliftSkippedForCheckMode(t *testing.T) {
	u := testUnit(t)
	u.Mode = unitgraph.Check
	m := &Manager{}
	ev, err := m.Uplift(u, ExpectedOutputs(u, t.TempDir()), false)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Executable != "" {
		t.Fatal("expected no uplift in Check mode")
	}
}
