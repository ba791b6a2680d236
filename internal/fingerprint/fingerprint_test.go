package fingerprint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFreshnessIdempotence(t *testing.T) {
	dir := t.TempDir()
	srcFile := filepath.Join(dir, "lib.rs")
	if err := os.WriteFile(srcFile, []byte("fn main() {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp := Compute(Inputs{
		CExtraFilenameOrMetadata: "abc123",
		DepInfo:                  []DepInfoEntry{{Path: srcFile}},
	})

	unitDir := filepath.Join(dir, "unit")
	start := time.Now().Add(time.Hour) // ensure hash mtime is after the source file's mtime
	if err := Store(unitDir, fp, start); err != nil {
		t.Fatal(err)
	}

	if !IsFresh(unitDir, fp, true) {
		t.Fatal("expected unit to be Fresh immediately after a successful build with unchanged inputs")
	}
}

func TestDirtyWhenSourceModifiedAfterFingerprint(t *testing.T) {
	dir := t.TempDir()
	srcFile := filepath.Join(dir, "lib.rs")
	if err := os.WriteFile(srcFile, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp := Compute(Inputs{CExtraFilenameOrMetadata: "abc123", DepInfo: []DepInfoEntry{{Path: srcFile}}})
	unitDir := filepath.Join(dir, "unit")
	start := time.Now()
	if err := Store(unitDir, fp, start); err != nil {
		t.Fatal(err)
	}

	later := start.Add(time.Hour)
	if err := os.Chtimes(srcFile, later, later); err != nil {
		t.Fatal(err)
	}

	if IsFresh(unitDir, fp, true) {
		t.Fatal("expected Dirty after source mtime advanced past the fingerprint's")
	}
}

func TestMissingFingerprintIsDirtyNotError(t *testing.T) {
	dir := t.TempDir()
	if IsFresh(filepath.Join(dir, "never-built"), Fingerprint{ContentHash: "x"}, true) {
		t.Fatal("expected a missing fingerprint directory to report Dirty")
	}
}

func TestContentHashChangesWithRustflags(t *testing.T) {
	a := Compute(Inputs{CExtraFilenameOrMetadata: "abc", Rustflags: []string{"-C", "opt-level=3"}})
	b := Compute(Inputs{CExtraFilenameOrMetadata: "abc", Rustflags: []string{"-C", "opt-level=2"}})
	if a.ContentHash == b.ContentHash {
		t.Fatal("expected differing RUSTFLAGS to change the content hash")
	}
}
