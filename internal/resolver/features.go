package resolver

import (
	"sort"
	"strings"

	"github.com/forgebuild/forge/internal/manifest"
)

// expandFeatures implements spec.md §4.3 "Feature resolution": it expands a
// package's own [features] table against a requested activation-string set
// (the CLI --features list for a root member, or a dependency line's own
// features/default-features for a transitive package) into:
//
//   - local: the package's final local feature set, what --cfg
//     feature="..." reports for units built from this package.
//   - depFeatures: per dependency (keyed by its ActivatedName), the further
//     feature strings a "dep/feat" or "dep?/feat" activation requested on
//     it.
//   - depsOn: the set of (possibly optional) dependency names some
//     activation turned on, which walkPackageDeps uses to decide whether an
//     optional dependency gets an edge at all.
//
// The four activation-string shapes spec.md §4.3 names:
//
//	"name"      — a local feature (itself expanded if pkg.Features has an
//	              entry for it; otherwise, if it names an optional
//	              dependency, the implicit same-named feature that turns
//	              the dependency on, unless the manifest's own [features]
//	              table also declares "name" — an explicit entry always
//	              shadows the implicit one)
//	"dep:name"  — turns on optional dependency name without implying a
//	              same-named local feature
//	"dep/feat"  — turns on dependency dep (even if optional) and activates
//	              feat on it
//	"dep?/feat" — activates feat on dep only if dep is turned on some other
//	              way; never turns dep on by itself
func expandFeatures(pkg *manifest.Package, requested []string) (local map[string]bool, depFeatures map[string][]string, depsOn map[string]bool) {
	local = make(map[string]bool)
	depFeatures = make(map[string][]string)
	depsOn = make(map[string]bool)
	visited := make(map[string]bool)

	isOptionalDep := func(name string) bool {
		for _, d := range pkg.Deps {
			if d.Optional && d.ActivatedName() == name {
				return true
			}
		}
		return false
	}
	declared := func(name string) bool {
		_, ok := pkg.Features[name]
		return ok
	}

	queue := append([]string(nil), requested...)
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if visited[f] {
			continue
		}
		visited[f] = true

		switch {
		case strings.HasPrefix(f, "dep:"):
			depsOn[strings.TrimPrefix(f, "dep:")] = true
		case strings.Contains(f, "?/"):
			parts := strings.SplitN(f, "?/", 2)
			depFeatures[parts[0]] = append(depFeatures[parts[0]], parts[1])
		case strings.Contains(f, "/"):
			parts := strings.SplitN(f, "/", 2)
			depFeatures[parts[0]] = append(depFeatures[parts[0]], parts[1])
			depsOn[parts[0]] = true
		case !declared(f) && isOptionalDep(f):
			depsOn[f] = true
			local[f] = true
		default:
			local[f] = true
			queue = append(queue, pkg.Features[f]...)
		}
	}
	return local, depFeatures, depsOn
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
