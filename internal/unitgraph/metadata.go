package unitgraph

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// METADATA_VERSION is spec.md §4.4 item 1: "bumped when any of the
// following inputs change meaning."
const METADATA_VERSION byte = 1

// CompilerVersion describes the toolchain used for a build, distinguishing
// stable (hash the full verbose version) from nightly/beta channels (hash
// only the channel word), per spec.md §4.4 item 7.
type CompilerVersion struct {
	Channel string // "stable", "beta", "nightly"
	Full    string // full verbose version string, used only when Channel == "stable"
}

func (c CompilerVersion) hashInput() string {
	if c.Channel == "stable" {
		return c.Full
	}
	return c.Channel
}

// HashInputs bundles everything outside the Unit itself that participates
// in the metadata hash, per spec.md §4.4 items 7-11.
type HashInputs struct {
	WorkspaceRoot          string
	Compiler               CompilerVersion
	CompilerWrapperPath    string // only hashed for workspace-member units
	IsWorkspaceMember      bool
	DefaultLibMetadata     string // __CARGO_DEFAULT_LIB_METADATA-equivalent channel token
	HostTargetConfigDiffer bool
}

// Metadata computes the three hashes spec.md §3 "Metadata" names, mixing
// inputs in the exact order spec.md §4.4 specifies, using blake3 as the
// "stable byte-level hasher".
func Metadata(u *Unit, path string, inputs HashInputs, depCMetadata, depCExtraFilename []string) (cMetadata, cExtraFilename, unitID string) {
	shared := blake3.New()
	writeByte(shared, METADATA_VERSION)

	// item 2: package identity stabilized against the workspace root.
	writeString(shared, u.Pkg.Name())
	writeString(shared, u.Pkg.Version().String())
	writeString(shared, WorkspaceRelativePath(inputs.WorkspaceRoot, path))

	// item 3: sorted features.
	for _, f := range sortedCopy(u.Features) {
		writeString(shared, f)
	}

	// item 4: profile.
	writeString(shared, u.Profile.OptLevel)
	writeString(shared, u.Profile.DebugInfo)
	writeString(shared, u.Profile.Panic)
	writeString(shared, u.Profile.LTO)
	writeInt(shared, u.Profile.CodegenUnits)
	writeBool(shared, u.Profile.OverflowChecks)
	writeBool(shared, u.Profile.DebugAssertions)
	writeBool(shared, u.Profile.RPath)
	writeBool(shared, u.Profile.Incremental)
	writeString(shared, u.Profile.Strip)
	writeString(shared, u.Profile.SplitDebugInfo)

	// item 5: mode and kind. Kind uses a hash stable across the user-local
	// path to a custom target JSON, which for string-triple kinds is simply
	// the triple itself.
	writeString(shared, u.Mode.String())
	writeString(shared, u.Kind.String())

	// item 6: target name and target kind.
	writeString(shared, u.Target.Name)
	writeString(shared, u.Target.Kind.String())

	// item 7: compiler version.
	writeString(shared, inputs.Compiler.hashInput())

	// item 8: compiler wrapper path, only for workspace members.
	if inputs.IsWorkspaceMember {
		writeString(shared, inputs.CompilerWrapperPath)
	}

	// item 9: optional default-lib-metadata channel token.
	writeString(shared, inputs.DefaultLibMetadata)

	// item 10: is_std discriminator.
	writeBool(shared, u.IsStd)

	// item 11: host-vs-target config differ bit.
	writeBool(shared, inputs.HostTargetConfigDiffer)

	// Fork the hasher state: clone shared bytes into two independent
	// hashers rather than literally forking mid-stream (blake3.Hasher has
	// no public "fork" API), which is behaviorally identical since both
	// forks start from the exact same prefix.
	sharedSum := shared.Sum(nil)

	metaHasher := blake3.New()
	metaHasher.Write(sharedSum)
	for _, d := range sortedCopy(depCMetadata) {
		writeString(metaHasher, d)
	}
	cMetadata = hex.EncodeToString(metaHasher.Sum(nil))[:16]

	if u.OmitsExtraFilename() {
		unitID = cMetadata
		return cMetadata, "", unitID
	}

	efHasher := blake3.New()
	efHasher.Write(sharedSum)
	for _, d := range sortedCopy(depCExtraFilename) {
		writeString(efHasher, d)
	}
	if !u.Flags.ContainsRemapPathPrefix() {
		for _, f := range u.Flags.CompilerFlags {
			writeString(efHasher, f)
		}
	}
	cExtraFilename = hex.EncodeToString(efHasher.Sum(nil))[:16]
	unitID = cExtraFilename
	return cMetadata, cExtraFilename, unitID
}

func writeByte(h *blake3.Hasher, b byte) { h.Write([]byte{b}) }

func writeBool(h *blake3.Hasher, b bool) {
	if b {
		writeByte(h, 1)
	} else {
		writeByte(h, 0)
	}
}

func writeInt(h *blake3.Hasher, v int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	h.Write(buf[:])
}

func writeString(h *blake3.Hasher, s string) {
	writeInt(h, len(s)) // length-prefixed so adjacent fields can't collide
	h.Write([]byte(s))
}
