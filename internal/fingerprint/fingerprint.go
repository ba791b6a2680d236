// Package fingerprint implements spec.md §4.6: per-unit freshness tracking
// via a (content_hash, dep_info) pair stored at
// <layout>/fingerprint/<unit-dir>/.
package fingerprint

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio"
	"github.com/zeebo/blake3"
	"golang.org/x/xerrors"
)

// DepInfoEntry is one source path tracked by the compiler-emitted
// dependency file, translated to workspace-relative form and annotated
// with its mtime (spec.md §4.6 "dep_info").
type DepInfoEntry struct {
	Path  string    `json:"path"`
	MTime time.Time `json:"mtime"`
}

// Inputs bundles everything spec.md §4.6 names as content_hash inputs
// beyond what unitgraph.Metadata already mixes into c_extra_filename:
// "RUSTFLAGS (full text, unconditionally), the set of environment
// variables declared by the build script as read, and the last-modified
// time of each dependency unit's fingerprint file."
type Inputs struct {
	CExtraFilenameOrMetadata string // unit_id, as the base
	Rustflags                []string
	DeclaredEnvVars          []string // cargo:rerun-if-env-changed accumulations
	DepFingerprintMTimes     []time.Time
	DepInfo                  []DepInfoEntry
}

// Fingerprint is the pair spec.md §3 names.
type Fingerprint struct {
	ContentHash string
	DepInfo     []DepInfoEntry
}

// Compute builds a Fingerprint from Inputs, hashing in a stable order so
// equal Inputs always produce an equal ContentHash.
func Compute(in Inputs) Fingerprint {
	h := blake3.New()
	h.Write([]byte(in.CExtraFilenameOrMetadata))

	for _, f := range in.Rustflags {
		h.Write([]byte(f))
	}

	env := append([]string(nil), in.DeclaredEnvVars...)
	sort.Strings(env)
	for _, e := range env {
		h.Write([]byte(e))
	}

	for _, mt := range sortedTimes(in.DepFingerprintMTimes) {
		var buf [8]byte
		nanos := mt.UnixNano()
		for i := 0; i < 8; i++ {
			buf[i] = byte(nanos >> (8 * i))
		}
		h.Write(buf[:])
	}

	return Fingerprint{
		ContentHash: hex.EncodeToString(h.Sum(nil)),
		DepInfo:     in.DepInfo,
	}
}

func sortedTimes(ts []time.Time) []time.Time {
	out := append([]time.Time(nil), ts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// onDisk is the JSON shape written to <unit-dir>/fingerprint.json; the
// content hash itself lives in a sibling file so a reader can stat/compare
// it without parsing JSON on the hot "is it fresh" path.
type onDisk struct {
	DepInfo []DepInfoEntry `json:"dep_info"`
}

func contentHashPath(unitDir string) string { return filepath.Join(unitDir, "fingerprint.hash") }
func depInfoPath(unitDir string) string     { return filepath.Join(unitDir, "fingerprint.json") }

// Store persists fp under unitDir via write-to-temp-then-rename (spec.md §5
// "Fingerprint files are written via write-to-temp-then-rename"), then sets
// the hash file's mtime to invocationStart, so that "a source file modified
// during the compile is detected on the next run" (spec.md §4.6).
func Store(unitDir string, fp Fingerprint, invocationStart time.Time) error {
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return xerrors.Errorf("fingerprint: mkdir %s: %w", unitDir, err)
	}
	if err := renameio.WriteFile(contentHashPath(unitDir), []byte(fp.ContentHash), 0o644); err != nil {
		return xerrors.Errorf("fingerprint: writing content hash: %w", err)
	}
	body, err := json.Marshal(onDisk{DepInfo: fp.DepInfo})
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(depInfoPath(unitDir), body, 0o644); err != nil {
		return xerrors.Errorf("fingerprint: writing dep-info: %w", err)
	}
	return os.Chtimes(contentHashPath(unitDir), invocationStart, invocationStart)
}

// Load reads back the stored Fingerprint. Any I/O failure (including the
// directory not existing yet) yields a zero Fingerprint and ok=false; per
// spec.md §4.6 "Any I/O failure while reading a fingerprint yields Dirty
// (never an error)," Load never returns a non-nil error for that reason.
func Load(unitDir string) (fp Fingerprint, mtime time.Time, ok bool) {
	hashBytes, err := os.ReadFile(contentHashPath(unitDir))
	if err != nil {
		return Fingerprint{}, time.Time{}, false
	}
	info, err := os.Stat(contentHashPath(unitDir))
	if err != nil {
		return Fingerprint{}, time.Time{}, false
	}
	var d onDisk
	if body, err := os.ReadFile(depInfoPath(unitDir)); err == nil {
		_ = json.Unmarshal(body, &d) // malformed dep-info degrades to empty, still Dirty-safe
	}
	return Fingerprint{ContentHash: string(hashBytes), DepInfo: d.DepInfo}, info.ModTime(), true
}

// IsFresh implements spec.md §4.6 "Freshness": conditions 1-3.
func IsFresh(unitDir string, want Fingerprint, depsAllFresh bool) bool {
	if !depsAllFresh {
		return false
	}
	got, hashMTime, ok := Load(unitDir)
	if !ok {
		return false
	}
	if got.ContentHash != want.ContentHash {
		return false
	}
	for _, entry := range got.DepInfo {
		st, err := os.Stat(entry.Path)
		if err != nil {
			return false
		}
		if st.ModTime().After(hashMTime) {
			return false
		}
	}
	return true
}
