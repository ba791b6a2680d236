// Package layout implements spec.md §4.5 and §6 "Build root layout": the
// on-disk tree under a build root, and the single-writer advisory lock
// guarding it.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// CacheDirTag is written at the build root so backup/cache-aware tools skip
// it (spec.md §6: "CACHEDIR.TAG # marks the tree as a cache for backup
// tools").
const CacheDirTag = "Signature: 8a477f597d28d172789f06886806bc55\n" +
	"# This file is a cache directory tag created by forge.\n" +
	"# For information about cache directory tags see https://bford.info/cachedir/\n"

// Layout resolves paths within one build root for one Kind (host or a
// specific cross-compilation triple) and profile.
type Layout struct {
	Root    string
	Profile string // "debug" or "release"
	Triple  string // "" for host
}

func (l *Layout) profileDir() string {
	if l.Triple == "" {
		return filepath.Join(l.Root, l.Profile)
	}
	return filepath.Join(l.Root, l.Triple, l.Profile)
}

func (l *Layout) Dest() string         { return l.profileDir() }
func (l *Layout) Examples() string     { return filepath.Join(l.profileDir(), "examples") }
func (l *Layout) Deps() string         { return filepath.Join(l.profileDir(), "deps") }
func (l *Layout) Build() string        { return filepath.Join(l.profileDir(), "build") }
func (l *Layout) BuildScriptDir(pkgMeta string) string {
	return filepath.Join(l.Build(), pkgMeta)
}
func (l *Layout) Incremental() string  { return filepath.Join(l.profileDir(), "incremental") }
func (l *Layout) Fingerprint() string  { return filepath.Join(l.profileDir(), "fingerprint") }
func (l *Layout) FingerprintDir(pkgMeta string) string {
	return filepath.Join(l.Fingerprint(), pkgMeta)
}
func (l *Layout) Artifact() string { return filepath.Join(l.profileDir(), "artifact") }

// Prepare creates every directory the layout needs and writes CACHEDIR.TAG
// at the root if absent.
func (l *Layout) Prepare() error {
	dirs := []string{l.Dest(), l.Examples(), l.Deps(), l.Build(), l.Incremental(), l.Fingerprint(), l.Artifact()}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("layout: mkdir %s: %w", d, err)
		}
	}
	tag := filepath.Join(l.Root, "CACHEDIR.TAG")
	if _, err := os.Stat(tag); os.IsNotExist(err) {
		if err := os.WriteFile(tag, []byte(CacheDirTag), 0o644); err != nil {
			return fmt.Errorf("layout: writing CACHEDIR.TAG: %w", err)
		}
	}
	return nil
}

// LockPath is the advisory lock file spec.md §6 names: ".cargo-lock"-
// equivalent at the build root.
func (l *Layout) LockPath() string {
	return filepath.Join(l.Root, ".forge-lock")
}
