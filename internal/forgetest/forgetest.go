// Package forgetest provides helpers for tests that exercise the forge
// binary as a subprocess, the same black-box style distri's own test suite
// uses against the distri binary.
package forgetest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
)

// Build runs "forge build" (or forgeBin, for a test-built binary) in dir and
// returns its combined stdout+stderr. Grounded on distritest.Export's
// exec.CommandContext-a-real-binary-and-capture-output idiom, generalized
// from distri's export server to forge's one-shot build verb.
func Build(ctx context.Context, forgeBin, dir string, args ...string) (string, error) {
	cmdArgs := append([]string{"build"}, args...)
	cmd := exec.CommandContext(ctx, forgeBin, cmdArgs...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("%v: %w\n%s", cmd.Args, err, buf.String())
	}
	return buf.String(), nil
}

// WriteWorkspace scaffolds a minimal single-package workspace under dir:
// a forge.toml with the given manifest body and an empty src/ directory,
// so tests don't hand-roll the same directory layout repeatedly. No source
// file is written into src/.
func WriteWorkspace(t testing.TB, dir, manifestTOML string) {
	t.Helper()
	if err := os.MkdirAll(dir+"/src", 0o755); err != nil {
		t.Fatalf("forgetest: mkdir: %v", err)
	}
	if err := os.WriteFile(dir+"/forge.toml", []byte(manifestTOML), 0o644); err != nil {
		t.Fatalf("forgetest: writing forge.toml: %v", err)
	}
}

// RemoveAll wraps os.RemoveAll and fails the test on failure, kept from
// distritest.RemoveAll unchanged: every test that scaffolds a temp
// workspace needs the same cleanup-or-fail behavior.
func RemoveAll(t testing.TB, path string) {
	t.Helper()
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
