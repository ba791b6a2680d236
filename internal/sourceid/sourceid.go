// Package sourceid implements interned source identity: the unit that
// distinguishes "where a package's sources live" from the package name and
// version. See spec.md §3 "SourceId".
package sourceid

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies which backend a Source is served by.
type Kind int

const (
	Path Kind = iota
	Git
	Registry
	SparseRegistry
	LocalRegistry
	Directory
)

func (k Kind) String() string {
	switch k {
	case Path:
		return "path"
	case Git:
		return "git"
	case Registry:
		return "registry"
	case SparseRegistry:
		return "sparse"
	case LocalRegistry:
		return "local-registry"
	case Directory:
		return "directory"
	default:
		return "unknown"
	}
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "path":
		return Path, true
	case "git":
		return Git, true
	case "registry":
		return Registry, true
	case "sparse":
		return SparseRegistry, true
	case "local-registry":
		return LocalRegistry, true
	case "directory":
		return Directory, true
	default:
		return 0, false
	}
}

// GitReference pins a git source to a branch, tag, revision, or the
// repository's default branch.
type GitReference struct {
	// Kind is one of "branch", "tag", "rev", "" (DefaultBranch).
	Kind  string
	Value string
}

func (r GitReference) String() string {
	if r.Kind == "" {
		return ""
	}
	return r.Kind + "=" + r.Value
}

// Precise is an optional pin layered on top of a SourceId's logical
// location: either a locked registry entry, a tracked --precise update, or a
// resolved git commit.
type Precise struct {
	// Kind is one of "", "locked", "updated", "gitrev".
	Kind string

	// Locked / GitFragment carry no extra payload beyond Kind for Locked,
	// and a commit sha in Value for GitFragment.
	Value string

	// Updated carries the package name and the from/to versions.
	Name string
	From string
	To   string
}

func (p Precise) String() string {
	switch p.Kind {
	case "":
		return ""
	case "locked":
		return "locked"
	case "updated":
		return fmt.Sprintf("%s=%s->%s", p.Name, p.From, p.To)
	case "gitrev":
		return p.Value
	default:
		return ""
	}
}

// Validate enforces the open question resolved in DESIGN.md: Updated is only
// valid for registry-like kinds, GitFragment only for git.
func (p Precise) Validate(k Kind) error {
	switch p.Kind {
	case "", "locked":
		return nil
	case "updated":
		if k != Registry && k != SparseRegistry && k != LocalRegistry {
			return fmt.Errorf("sourceid: precise Updated is only valid for registry sources, got %v", k)
		}
		return nil
	case "gitrev":
		if k != Git {
			return fmt.Errorf("sourceid: precise GitFragment is only valid for git sources, got %v", k)
		}
		return nil
	default:
		return fmt.Errorf("sourceid: unknown precise kind %q", p.Kind)
	}
}

// inner is the value an Id points to after interning. Two Ids with equal
// inner content compare pointer-equal, so equality and hashing elsewhere can
// use the pointer directly.
type inner struct {
	kind      Kind
	canonical string // canonical URL, used for equality
	full      string // URL as given, preserved for display/round-trip
	gitRef    GitReference
	precise   Precise
	// registryKey is a human-facing label (e.g. a config alias) that does
	// NOT participate in equality, per spec.md §3.
	registryKey string
}

// Id is an interned source identifier. The zero Id is invalid; construct one
// with New. Two Ids obtained from equal (kind, canonical url, precise)
// tuples are pointer-equal.
type Id struct {
	p *inner
}

func (id Id) Valid() bool { return id.p != nil }

func (id Id) Kind() Kind { return id.p.kind }

func (id Id) URL() string { return id.p.full }

func (id Id) CanonicalURL() string { return id.p.canonical }

func (id Id) GitReference() GitReference { return id.p.gitRef }

func (id Id) Precise() Precise { return id.p.precise }

func (id Id) RegistryKey() string { return id.p.registryKey }

// Equal reports whether two Ids refer to the same (kind, canonical url,
// precise) tuple. Because Ids are interned, this is pointer equality.
func (id Id) Equal(other Id) bool { return id.p == other.p }

// WithPrecise returns an Id identical to id but carrying a different Precise
// pin, re-interning as needed.
func (id Id) WithPrecise(p Precise) (Id, error) {
	if err := p.Validate(id.p.kind); err != nil {
		return Id{}, err
	}
	return intern(id.p.kind, id.p.full, id.p.canonical, id.p.gitRef, p, id.p.registryKey), nil
}

func (id Id) String() string { return id.AsURL() }

// canonicalize mirrors spec.md §3: for git, strip ".git", lowercase the
// host, and drop credentials.
func canonicalize(kind Kind, raw string) (string, error) {
	if kind != Git {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, nil // not all git "urls" are real URLs (e.g. scp-like); fall back to raw
	}
	u.User = nil
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, ".git")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

var registry = struct {
	sync.Mutex
	byKey map[string]*inner
}{byKey: make(map[string]*inner)}

func key(kind Kind, canonical string, precise Precise) string {
	return kind.String() + "\x00" + canonical + "\x00" + precise.String()
}

func intern(kind Kind, full, canonical string, ref GitReference, precise Precise, registryKey string) Id {
	k := key(kind, canonical, precise)
	registry.Lock()
	defer registry.Unlock()
	if v, ok := registry.byKey[k]; ok {
		return Id{p: v}
	}
	v := &inner{
		kind:        kind,
		canonical:   canonical,
		full:        full,
		gitRef:      ref,
		precise:     precise,
		registryKey: registryKey,
	}
	registry.byKey[k] = v
	return Id{p: v}
}

// New interns a SourceId from its logical components.
func New(kind Kind, rawURL string, ref GitReference, precise Precise, registryKey string) (Id, error) {
	if err := precise.Validate(kind); err != nil {
		return Id{}, err
	}
	canonical, err := canonicalize(kind, rawURL)
	if err != nil {
		return Id{}, err
	}
	return intern(kind, rawURL, canonical, ref, precise, registryKey), nil
}

// AsURL renders the SourceId per spec.md §6:
// <kind>+<url>[?<ref-params>][#<precise>]
func (id Id) AsURL() string {
	var b strings.Builder
	b.WriteString(id.p.kind.String())
	b.WriteString("+")
	b.WriteString(id.p.full)
	if id.p.kind == Git && id.p.gitRef.Kind != "" {
		b.WriteString("?")
		b.WriteString(id.p.gitRef.Kind)
		b.WriteString("=")
		b.WriteString(url.QueryEscape(id.p.gitRef.Value))
	}
	if id.p.precise.Kind != "" {
		b.WriteString("#")
		b.WriteString(id.p.precise.String())
	}
	return b.String()
}

// FromURL parses the wire format produced by AsURL, the inverse needed by
// Testable Property 5 (source URL round-trip).
func FromURL(s string) (Id, error) {
	idx := strings.Index(s, "+")
	if idx < 0 {
		return Id{}, fmt.Errorf("sourceid: malformed source url %q: missing kind", s)
	}
	kind, ok := parseKind(s[:idx])
	if !ok {
		return Id{}, fmt.Errorf("sourceid: unknown source kind %q", s[:idx])
	}
	rest := s[idx+1:]

	var precise Precise
	if hash := strings.LastIndexByte(rest, '#'); hash > -1 {
		precise = parsePrecise(rest[hash+1:])
		rest = rest[:hash]
	}

	var ref GitReference
	if q := strings.IndexByte(rest, '?'); q > -1 {
		query := rest[q+1:]
		rest = rest[:q]
		if eq := strings.IndexByte(query, '='); eq > -1 {
			val, err := url.QueryUnescape(query[eq+1:])
			if err != nil {
				return Id{}, fmt.Errorf("sourceid: bad git ref in %q: %w", s, err)
			}
			ref = GitReference{Kind: query[:eq], Value: val}
		}
	}

	return New(kind, rest, ref, precise, "")
}

func parsePrecise(s string) Precise {
	if s == "" {
		return Precise{}
	}
	if s == "locked" {
		return Precise{Kind: "locked"}
	}
	if strings.Contains(s, "->") && strings.Contains(s, "=") {
		eq := strings.IndexByte(s, '=')
		name := s[:eq]
		rest := s[eq+1:]
		arrow := strings.Index(rest, "->")
		if arrow > -1 {
			return Precise{Kind: "updated", Name: name, From: rest[:arrow], To: rest[arrow+2:]}
		}
	}
	// otherwise treat as a git commit sha
	return Precise{Kind: "gitrev", Value: s}
}

// FastHash returns a non-cryptographic hash of the SourceId's canonical
// identity, for callers that need to bucket many Ids. The interning table
// in this package and the unit interner key on strings instead.
func (id Id) FastHash() uint64 {
	h := xxhash.New()
	h.WriteString(key(id.p.kind, id.p.canonical, id.p.precise))
	return h.Sum64()
}
