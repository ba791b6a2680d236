// Package env captures details about the forge environment. Inspect it
// using `forge env`.
package env

import (
	"os"
	"path/filepath"
)

// ForgeHome is the cargo-equivalent FORGE_HOME: the root of the global
// package cache (downloaded tarballs, cloned git repos, registry indices)
// (spec.md §6). Registry credentials are not kept here: they are read from
// FORGE_REGISTRY_TOKEN_<REGISTRY_KEY> environment variables.
var ForgeHome = findForgeHome()

func findForgeHome() string {
	if v := os.Getenv("FORGE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".forge")
	}
	return filepath.Join(home, ".forge")
}

// Flags is the RUSTFLAGS-equivalent FORGE_FLAGS: extra compiler flags
// applied to every unit, mixed into the unit metadata hash (spec.md §4.4
// item 6) and the fingerprint content hash (spec.md §4.6).
func Flags() []string {
	v := os.Getenv("FORGE_FLAGS")
	if v == "" {
		return nil
	}
	return splitFields(v)
}

// FeatureUnification is the setting for spec.md §4.3's three
// feature-unification modes, read from FORGE_RESOLVER_FEATURE_UNIFICATION;
// no command-line flag overrides it.
func FeatureUnification() string {
	return os.Getenv("FORGE_RESOLVER_FEATURE_UNIFICATION")
}

// Jobs is the -j default, read from FORGE_BUILD_JOBS if set (0 means
// "unset, fall back to logical CPU count").
func Jobs() int {
	v := os.Getenv("FORGE_BUILD_JOBS")
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func splitFields(s string) []string {
	var out []string
	var cur []rune
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}
