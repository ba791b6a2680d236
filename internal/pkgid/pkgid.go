// Package pkgid implements PackageId, the (name, version, source) triple
// that uniquely names a package across the whole dependency graph.
package pkgid

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/sourceid"
)

// Id is the interned identity of one version of one package as provided by
// one source. Two Ids are equal iff name, version, and source all match;
// source comparisons go through sourceid.Id.Equal, so two sources that
// differ only in a Precise pin are distinct.
type Id struct {
	name    string
	version *semver.Version
	source  sourceid.Id
}

// New builds a package Id. name must be non-empty and version non-nil.
func New(name string, version *semver.Version, source sourceid.Id) (Id, error) {
	if name == "" {
		return Id{}, fmt.Errorf("pkgid: empty package name")
	}
	if version == nil {
		return Id{}, fmt.Errorf("pkgid: nil version for package %q", name)
	}
	if !source.Valid() {
		return Id{}, fmt.Errorf("pkgid: invalid source for package %q", name)
	}
	return Id{name: name, version: version, source: source}, nil
}

func (id Id) Name() string { return id.name }

func (id Id) Version() *semver.Version { return id.version }

func (id Id) Source() sourceid.Id { return id.source }

// Equal compares name, version, and source. Version equality is semver
// equality (1.2.3 == 1.2.3+build, differing only in build metadata), which
// is why the resolver keys units on PackageId rather than on a raw string.
func (id Id) Equal(other Id) bool {
	return id.name == other.name &&
		id.version.Equal(other.version) &&
		id.source.Equal(other.source)
}

// Less provides a total order for deterministic iteration (lockfile
// serialization, log output): by name, then version, then source URL.
func (id Id) Less(other Id) bool {
	if id.name != other.name {
		return id.name < other.name
	}
	if c := id.version.Compare(other.version); c != 0 {
		return c < 0
	}
	return id.source.AsURL() < other.source.AsURL()
}

func (id Id) String() string {
	return fmt.Sprintf("%s v%s (%s)", id.name, id.version, id.source)
}

// SortKey returns a string suitable as a stable map/sort key, distinct from
// String's human-facing "name vVERSION (source)" form: fields are joined by
// NUL bytes and the source is always its full AsURL encoding.
func (id Id) SortKey() string {
	return id.name + "\x00" + id.version.String() + "\x00" + id.source.AsURL()
}
