// Package index implements the per-registry index parse cache described in
// spec.md §4.2: newline-delimited JSON index files, parsed lazily and cached
// on disk in a small binary format keyed by the backend's index_version.
package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/google/renameio"

	"github.com/forgebuild/forge/internal/sourceid"
)

// CurrentCacheVersion is byte 1 of the on-disk cache format (§4.2 item 1).
const CurrentCacheVersion = 1

// IndexV_MAX is the highest schema version this reader understands without
// marking a line Unsupported. Bumped when a genuinely new field is added.
const IndexV_MAX = 2

// Dependency mirrors one element of an IndexPackage's "deps" array
// (spec.md §6 "Index JSON line schema").
type Dependency struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features,omitempty"`
	Optional        bool     `json:"optional,omitempty"`
	DefaultFeatures bool     `json:"default_features,omitempty"`
	Target          string   `json:"target,omitempty"`
	Kind            string   `json:"kind,omitempty"`
	Registry        string   `json:"registry,omitempty"`
	Package         string   `json:"package,omitempty"`
	Public          bool     `json:"public,omitempty"`
	Artifact        []string `json:"artifact,omitempty"`
	BindepTarget    string   `json:"bindep_target,omitempty"`
	Lib             bool     `json:"lib,omitempty"`
}

// IndexPackage is the raw shape of one line of a crate's index file.
type IndexPackage struct {
	Name        string                `json:"name"`
	Vers        string                `json:"vers"`
	Deps        []Dependency          `json:"deps"`
	Features    map[string][]string   `json:"features,omitempty"`
	Features2   map[string][]string   `json:"features2,omitempty"`
	Cksum       string                `json:"cksum"`
	Yanked      bool                  `json:"yanked,omitempty"`
	Links       string                `json:"links,omitempty"`
	RustVersion string                `json:"rust_version,omitempty"`
	V           int                   `json:"v,omitempty"`
}

// mergedFeatures returns Features with Features2 merged in, per spec.md §6:
// "features2, when present, is merged into features".
func (p *IndexPackage) mergedFeatures() map[string][]string {
	if len(p.Features2) == 0 {
		return p.Features
	}
	out := make(map[string][]string, len(p.Features)+len(p.Features2))
	for k, v := range p.Features {
		out[k] = v
	}
	for k, v := range p.Features2 {
		out[k] = append(out[k], v...)
	}
	return out
}

// IndexSummary is the fully parsed, resolver-facing view of one line.
type IndexSummary struct {
	Name        string
	Version     *semver.Version
	Deps        []Dependency
	Features    map[string][]string
	Checksum    string
	Yanked      bool
	Links       string
	RustVersion string
}

// MaybeIndexSummary is either an unparsed byte range into the raw file or a
// materialized IndexSummary, or an Unsupported marker for a too-new schema
// line (spec.md §4.2 "Schema forward compatibility").
type MaybeIndexSummary struct {
	raw          []byte
	summary      *IndexSummary
	unsupported  bool
	unsupportedV int
}

func (m *MaybeIndexSummary) Unsupported() (int, bool) {
	return m.unsupportedV, m.unsupported
}

// Parse materializes the summary, parsing the raw JSON line on first use.
func (m *MaybeIndexSummary) Parse() (*IndexSummary, error) {
	if m.summary != nil {
		return m.summary, nil
	}
	if m.unsupported {
		return nil, fmt.Errorf("index: schema version %d line is unsupported", m.unsupportedV)
	}
	var p IndexPackage
	if err := json.Unmarshal(m.raw, &p); err != nil {
		return nil, fmt.Errorf("index: malformed json line: %w", err)
	}
	v, err := semver.NewVersion(p.Vers)
	if err != nil {
		return nil, fmt.Errorf("index: bad semver %q for %s: %w", p.Vers, p.Name, err)
	}
	s := &IndexSummary{
		Name:        p.Name,
		Version:     v,
		Deps:        p.Deps,
		Features:    p.mergedFeatures(),
		Checksum:    p.Cksum,
		Yanked:      p.Yanked,
		Links:       p.Links,
		RustVersion: p.RustVersion,
	}
	m.summary = s
	return s, nil
}

// Summaries holds one crate's raw index file plus lazily-parsed per-version
// entries, keyed by the raw semver string as it appeared on disk (so lookups
// can avoid a full parse of every other version).
type Summaries struct {
	raw     []byte
	bySemver map[string]*MaybeIndexSummary
	order    []string // preserves on-disk order for deterministic iteration
}

// Versions returns the known raw semver strings in on-disk order.
func (s *Summaries) Versions() []string { return s.order }

// Lookup returns the (possibly still unparsed) entry for a raw version
// string, or nil if absent.
func (s *Summaries) Lookup(rawVersion string) *MaybeIndexSummary {
	return s.bySemver[rawVersion]
}

// bindepsUnstable, when true, raises the effective max schema version by one
// (spec.md §4.2: "plus one if the bindeps unstable flag is set").
func effectiveMax(bindepsUnstable bool) int {
	if bindepsUnstable {
		return IndexV_MAX + 1
	}
	return IndexV_MAX
}

// ParseRaw parses a crate's raw newline-delimited-JSON index file into a
// Summaries value without eagerly materializing any IndexSummary.
func ParseRaw(raw []byte, bindepsUnstable bool) (*Summaries, error) {
	max := effectiveMax(bindepsUnstable)
	s := &Summaries{raw: raw, bySemver: make(map[string]*MaybeIndexSummary)}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var peek struct {
			Vers string `json:"vers"`
			V    int    `json:"v"`
		}
		lineCopy := append([]byte(nil), line...)
		if err := json.Unmarshal(lineCopy, &peek); err != nil {
			return nil, fmt.Errorf("index: malformed json line: %w", err)
		}
		m := &MaybeIndexSummary{raw: lineCopy}
		if peek.V > max {
			m.unsupported = true
			m.unsupportedV = peek.V
		}
		if _, exists := s.bySemver[peek.Vers]; !exists {
			s.order = append(s.order, peek.Vers)
		}
		s.bySemver[peek.Vers] = m
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("index: scanning raw index: %w", err)
	}
	return s, nil
}

// Cache reads and writes the per-crate binary cache described in spec.md
// §4.2 item 2, one file per crate at <Root>/.cache/<shard>/<name>. Cache
// builds that path itself; the caller only supplies the shard (see Shard)
// and the crate name.
type Cache struct {
	Root string
}

func cachePath(root, shard, name string) string {
	return filepath.Join(root, ".cache", shard, name)
}

// Read returns the cached Summaries for name if the cache exists and its
// recorded index_version equals currentIndexVersion. A cache miss (file
// absent, version mismatch, or corrupt file) returns (nil, false, nil): it
// is never a hard error, matching spec.md §7 kind 4 "Schema" leniency.
func (c *Cache) Read(shard, name, currentIndexVersion string, bindepsUnstable bool) (*Summaries, bool, error) {
	f, err := os.Open(cachePath(c.Root, shard, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	version, err := br.ReadByte()
	if err != nil || version != CurrentCacheVersion {
		return nil, false, nil
	}
	storedIndexVersion, err := readNulString(br)
	if err != nil {
		return nil, false, nil
	}
	if storedIndexVersion != currentIndexVersion {
		return nil, false, nil
	}

	s := &Summaries{bySemver: make(map[string]*MaybeIndexSummary)}
	max := effectiveMax(bindepsUnstable)
	for {
		vers, err := readNulString(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, nil
		}
		lineLen, err := readUvarint(br)
		if err != nil {
			return nil, false, nil
		}
		line := make([]byte, lineLen)
		if _, err := io.ReadFull(br, line); err != nil {
			return nil, false, nil
		}
		var peek struct {
			V int `json:"v"`
		}
		_ = json.Unmarshal(line, &peek)
		m := &MaybeIndexSummary{raw: line}
		if peek.V > max {
			m.unsupported = true
			m.unsupportedV = peek.V
		}
		if _, exists := s.bySemver[vers]; !exists {
			s.order = append(s.order, vers)
		}
		s.bySemver[vers] = m
	}
	return s, true, nil
}

// Write atomically rewrites the cache file for name (google/renameio, so a
// reader never observes a torn file per spec.md §5 "Shared-resource
// policy").
func (c *Cache) Write(shard, name, indexVersion string, s *Summaries) error {
	dir := filepath.Join(c.Root, ".cache", shard)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("index: mkdir cache dir: %w", err)
	}
	path := cachePath(c.Root, shard, name)
	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("index: open temp cache file: %w", err)
	}
	defer t.Cleanup()

	w := bufio.NewWriter(t)
	if err := w.WriteByte(CurrentCacheVersion); err != nil {
		return err
	}
	if err := writeNulString(w, indexVersion); err != nil {
		return err
	}
	versions := append([]string(nil), s.order...)
	sort.Strings(versions)
	for _, vers := range versions {
		m := s.bySemver[vers]
		if err := writeNulString(w, vers); err != nil {
			return err
		}
		if err := writeUvarint(w, uint64(len(m.raw))); err != nil {
			return err
		}
		if _, err := w.Write(m.raw); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("index: flush cache file: %w", err)
	}
	return t.CloseAtomicallyReplace()
}

func readNulString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func writeNulString(w *bufio.Writer, s string) error {
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	return w.WriteByte(0)
}

func readUvarint(r *bufio.Reader) (uint64, error) {
	var x uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<shift, nil
		}
		x |= uint64(b&0x7f) << shift
		shift += 7
	}
}

func writeUvarint(w *bufio.Writer, x uint64) error {
	var buf [10]byte
	n := 0
	for x >= 0x80 {
		buf[n] = byte(x) | 0x80
		x >>= 7
		n++
	}
	buf[n] = byte(x)
	n++
	_, err := w.Write(buf[:n])
	return err
}

// Shard returns the <index-root>/.cache shard directory for a crate name,
// following the well-known convention of sharding by name length/prefix to
// avoid huge flat directories (same convention distri's own content-addressed
// package store uses for its own shards).
func Shard(name string) string {
	switch len(name) {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3" + string(name[0])
	default:
		return name[:2] + "/" + name[2:4]
	}
}

// SourceKey identifies which registry a cache belongs to, so callers sharing
// one process-wide index.Cache can keep multiple registries' caches apart.
func SourceKey(id sourceid.Id) string {
	return id.CanonicalURL()
}
