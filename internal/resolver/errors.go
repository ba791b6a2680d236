package resolver

import (
	"fmt"
	"strings"

	"github.com/forgebuild/forge/internal/pkgid"
)

// The five resolver failure kinds named in spec.md §4.3 "Errors". Each
// carries the full package path for diagnostics, per spec.md's propagation
// rule (§7): "errors propagate up the call chain with added context."

type NoMatchingVersionError struct {
	Name         string
	Requirement  string
	VersionsSeen []string
	Path         []pkgid.Id
}

func (e *NoMatchingVersionError) Error() string {
	return fmt.Sprintf("no matching version for %q req %q (versions seen: %s)%s",
		e.Name, e.Requirement, strings.Join(e.VersionsSeen, ", "), pathSuffix(e.Path))
}

type CycleError struct {
	Path []pkgid.Id
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", pathString(e.Path))
}

type DuplicateLinksError struct {
	Links string
	A, B  pkgid.Id
}

func (e *DuplicateLinksError) Error() string {
	return fmt.Sprintf("two packages claim links=%q: %s and %s", e.Links, e.A, e.B)
}

type FeatureNotFoundError struct {
	Pkg     pkgid.Id
	Feature string
}

func (e *FeatureNotFoundError) Error() string {
	return fmt.Sprintf("package %s has no feature %q", e.Pkg, e.Feature)
}

type YankedLockPinError struct {
	Pkg pkgid.Id
}

func (e *YankedLockPinError) Error() string {
	return fmt.Sprintf("package %s is pinned in the lockfile but has been yanked upstream", e.Pkg)
}

func pathString(path []pkgid.Id) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = p.Name()
	}
	return strings.Join(parts, " -> ")
}

func pathSuffix(path []pkgid.Id) string {
	if len(path) == 0 {
		return ""
	}
	return " (required by " + pathString(path) + ")"
}
