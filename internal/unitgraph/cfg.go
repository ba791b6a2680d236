package unitgraph

import (
	"runtime"
	"strings"
)

// matchesKind implements spec.md §4.4 item 2's "whose cfg(...) predicate
// matches the unit's kind (host vs target triple)" and §4.3's "Dependencies
// behind an unsatisfied cfg(...) predicate are still resolved... but are
// filtered at unit-graph time." An empty predicate always matches (spec.md
// §3: the target predicate on a Dependency spec is optional).
func matchesKind(predicate string, kind Kind) bool {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return true
	}
	os, arch := kindOSArch(kind)
	ok, _ := evalCfg(predicate, os, arch)
	return ok
}

// kindOSArch derives the (os, arch) pair a cfg(...) predicate is evaluated
// against: a Target(triple) kind parses its triple's os/arch components; a
// Host kind (no triple) runs as whatever this forge process itself runs on.
func kindOSArch(kind Kind) (os, arch string) {
	if kind.IsHost() {
		return runtime.GOOS, runtime.GOARCH
	}
	return tripleOSArch(kind.Triple)
}

// tripleOSArch extracts (os, arch) from a target triple of the usual
// <arch>-<vendor>-<os>[-<env>] shape (e.g. "x86_64-unknown-linux-gnu",
// "aarch64-apple-darwin", "x86_64-pc-windows-msvc").
func tripleOSArch(triple string) (os, arch string) {
	parts := strings.SplitN(triple, "-", 2)
	if len(parts) > 0 {
		arch = parts[0]
	}
	switch {
	case strings.Contains(triple, "linux"):
		os = "linux"
	case strings.Contains(triple, "darwin"):
		os = "darwin"
	case strings.Contains(triple, "windows"):
		os = "windows"
	case strings.Contains(triple, "freebsd"):
		os = "freebsd"
	}
	return os, arch
}

// evalCfg evaluates a small subset of cfg(...) syntax: unix/windows,
// target_os = "...", target_arch = "...", target_family = "...", and the
// all()/any()/not() combinators. Unrecognized predicates are treated as
// non-matching rather than panicking: an unknown cfg(...) shape should
// exclude a dependency rather than silently include it everywhere.
func evalCfg(expr, os, arch string) (bool, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "cfg(") && strings.HasSuffix(expr, ")"):
		return evalCfg(expr[len("cfg(") : len(expr)-1], os, arch)
	case strings.HasPrefix(expr, "not(") && strings.HasSuffix(expr, ")"):
		inner, err := evalCfg(expr[len("not(") : len(expr)-1], os, arch)
		return !inner, err
	case strings.HasPrefix(expr, "all(") && strings.HasSuffix(expr, ")"):
		for _, part := range splitCfgList(expr[len("all(") : len(expr)-1]) {
			ok, err := evalCfg(part, os, arch)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case strings.HasPrefix(expr, "any(") && strings.HasSuffix(expr, ")"):
		for _, part := range splitCfgList(expr[len("any(") : len(expr)-1]) {
			ok, err := evalCfg(part, os, arch)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case expr == "unix":
		return os != "windows" && os != "", nil
	case expr == "windows":
		return os == "windows", nil
	case strings.HasPrefix(expr, "target_os"):
		return cfgKeyEquals(expr, "target_os", os), nil
	case strings.HasPrefix(expr, "target_arch"):
		return cfgKeyEquals(expr, "target_arch", arch), nil
	case strings.HasPrefix(expr, "target_family"):
		family := "unix"
		if os == "windows" {
			family = "windows"
		}
		return cfgKeyEquals(expr, "target_family", family), nil
	default:
		return false, nil
	}
}

// cfgKeyEquals checks `key = "value"` (whitespace around "=" optional)
// against want.
func cfgKeyEquals(expr, key, want string) bool {
	rest := strings.TrimSpace(strings.TrimPrefix(expr, key))
	rest = strings.TrimPrefix(rest, "=")
	return strings.TrimSpace(rest) == `"`+want+`"`
}

// splitCfgList splits a combinator's comma-separated argument list,
// respecting nested parens so any(not(unix), windows) splits into two.
func splitCfgList(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}
