package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/sourceid"
)

func testPkgID(t *testing.T, path string) pkgid.Id {
	t.Helper()
	src, err := sourceid.New(sourceid.Path, path, sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := pkgid.New("example", semver.MustParse("0.1.0"), src)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestFactoryInternsByID(t *testing.T) {
	dir := t.TempDir()
	f := NewFactory(dir, false)

	id, err := sourceid.New(sourceid.Path, "/tmp/a", sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	s1, err := f.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := f.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Errorf("expected the same Source instance for equal SourceIds")
	}
}

func TestPathSourceDownloadReturnsRoot(t *testing.T) {
	dir := t.TempDir()
	p := &PathSource{root: dir}
	got, err := p.Download(context.Background(), testPkgID(t, dir), "")
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Errorf("Download = %q, want %q", got, dir)
	}
}

func TestVerifyChecksumDetectsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := verifyChecksum(path, "0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected checksum mismatch to error")
	}
}

func TestVerifyChecksumSkippedWhenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := verifyChecksum(path, ""); err != nil {
		t.Fatalf("empty checksum should be treated as unverified, not an error: %v", err)
	}
}
