// Package svdf implements the Shared Vault Data Format v5 container (spec
// §4.1): header layout, manifest/metadata trailer, streaming readers and
// writers, incremental append with tombstones, and the legacy single-blob
// decode fallback. Byte layout is mandated by spec §4.1/§6 and is
// therefore hand-rolled with encoding/binary rather than a third-party
// container codec (see DESIGN.md) -- no example repo in the retrieval pack
// carries a length-prefixed binary container library, and the format is
// spec-exact, not a place for generic serialization.
//
// The overall "fixed 64-byte header + trailer regions declared by offset"
// posture is grounded on modules/renter/filesystem/uplofile's versioned,
// backed-up metadata header and persist.VerifyMetadataHeader's
// read-then-compare convention in the teacher repo.
package svdf

import "time"

const (
	// HeaderSize is the fixed size in bytes of the SVDF header (spec
	// §4.1).
	HeaderSize = 64

	// DefaultInMemoryBudget bounds buildFull's total encoded container
	// size (spec §4.1).
	DefaultInMemoryBudget = 100 * 1024 * 1024

	// DefaultStreamingCopyChunk is the chunk size buildIncrementalStreaming
	// uses when copying the prior file-entry region byte-for-byte (spec
	// §4.1).
	DefaultStreamingCopyChunk = 4 * 1024 * 1024

	// DefaultExtractChunk is the chunk size
	// extractFileContentToSink streams in (spec §4.1).
	DefaultExtractChunk = 256 * 1024

	// metadataPrefixBudget bounds how many bytes extractFileEntryMetadata
	// reads before deciding it needs a second bounded read for a
	// thumbnail that didn't fit (spec §4.1).
	metadataPrefixBudget = 1024

	// CompactionThreshold is the deleted/total byte ratio above which the
	// next sync should perform a full rebuild instead of an incremental
	// append (spec §4.1, §4.4).
	CompactionThreshold = 0.30

	// maxFilenameLen bounds FileEntry.Filename's encoded length (uint16).
	maxFilenameLen = 65535
	// maxMimeTypeLen bounds FileEntry.MimeType's encoded length (uint8).
	maxMimeTypeLen = 255

	// absentDuration is the v5 sentinel for "no duration recorded".
	absentDuration = -1.0
)

// Version is the container's wire-format version (spec §4.1: "Version 4 =
// v4 read-compat", "Version 5 = current writer format").
type Version uint16

const (
	// Version4 lacks the per-entry duration field; readers accept it for
	// legacy containers but vaultshare never writes it.
	Version4 Version = 4
	// Version5 is emitted by every writer in this package.
	Version5 Version = 5
)

var (
	magicV5 = [4]byte{'S', 'V', 'D', '5'}
	magicV4 = [4]byte{'S', 'V', 'D', '4'}
)

// Header is the decoded form of the fixed 64-byte SVDF header.
type Header struct {
	Version          Version
	ActiveFileCount  uint32
	ManifestOffset   uint64
	ManifestSize     uint32
	MetadataOffset   uint64
	MetadataSize     uint32
}

// FileManifestEntry describes one file entry's position and lifecycle
// state within the container (spec §3).
type FileManifestEntry struct {
	ID      string `json:"id"`
	Offset  uint64 `json:"offset"`
	Size    uint32 `json:"size"`
	Deleted bool   `json:"deleted"`
}

// Metadata is the encrypted JSON object stored in the metadata trailer
// (spec §4.1).
type Metadata struct {
	OwnerFingerprint string    `json:"ownerFingerprint"`
	SharedAt         time.Time `json:"sharedAt"`
}

// SharedFile is one in-memory file to encode into a container: the
// already-share-key-encrypted counterpart of a types.VaultFile (spec
// §4.1's "forEach(i) -> SharedFile" callback shape).
type SharedFile struct {
	ID                 string
	Filename           string
	MimeType           string
	OriginalSize       uint32
	CreatedAt          time.Time
	Duration           *float64
	EncryptedThumbnail []byte
	EncryptedContent   []byte
}
