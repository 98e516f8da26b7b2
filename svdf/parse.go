package svdf

import (
	"os"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/vaultshare/crypto"
)

// ParseManifest decrypts and decodes the manifest and metadata trailer
// described by a container's header (spec §4.1's parseManifest/
// parseMetadata). h is normally obtained from ParseHeaderBuffer first.
func ParseManifest(cipher crypto.ShareCipher, key crypto.ShareKey, container []byte, h Header) ([]FileManifestEntry, Metadata, error) {
	return decodeManifestTrailer(cipher, key, container, h)
}

// ParseManifestFile decrypts and decodes the manifest and metadata
// trailer directly from the container at path, reading only the byte
// range spanning the two declared trailer regions rather than the whole
// file (spec §4.1: "File-based variants seek and read only header bytes
// plus the declared trailer regions -- independent of total file size").
// h is normally obtained from ParseHeaderFile first.
func ParseManifestFile(cipher crypto.ShareCipher, key crypto.ShareKey, path string, h Header) ([]FileManifestEntry, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, errors.AddContext(err, "could not open container file")
	}
	defer f.Close()

	manifestEnd := h.ManifestOffset + uint64(h.ManifestSize)
	metadataEnd := h.MetadataOffset + uint64(h.MetadataSize)
	regionStart := h.ManifestOffset
	if h.MetadataOffset < regionStart {
		regionStart = h.MetadataOffset
	}
	regionEnd := manifestEnd
	if metadataEnd > regionEnd {
		regionEnd = metadataEnd
	}
	if regionEnd < regionStart {
		return nil, Metadata{}, errors.AddContext(ErrInvalidManifest, "trailer regions are malformed")
	}

	buf := make([]byte, regionEnd-regionStart)
	if _, err := f.ReadAt(buf, int64(regionStart)); err != nil {
		return nil, Metadata{}, errors.AddContext(err, "could not read manifest/metadata trailer")
	}

	rebased := h
	rebased.ManifestOffset -= regionStart
	rebased.MetadataOffset -= regionStart
	return decodeManifestTrailer(cipher, key, buf, rebased)
}

// DecodeFileEntryAt decodes the full file entry (including encrypted
// content) described by entry out of an in-memory container. It is the
// counterpart to ExtractFileEntryMetadata/ExtractFileContentToSink for
// callers that already hold the whole container in memory, such as tests
// verifying the round-trip invariant.
func DecodeFileEntryAt(container []byte, entry FileManifestEntry, version Version) (SharedFile, error) {
	end := entry.Offset + uint64(entry.Size)
	if end > uint64(len(container)) {
		return SharedFile{}, errors.AddContext(ErrInvalidEntry, "entry region exceeds container size")
	}
	region := container[entry.Offset:end]
	f, consumed, err := decodeFileEntryVersioned(region, version)
	if err != nil {
		return SharedFile{}, err
	}
	if consumed != len(region) {
		return SharedFile{}, errors.AddContext(ErrInvalidEntry, "entry did not consume its declared size exactly")
	}
	return f, nil
}

// ActiveEntries filters entries down to those not tombstoned.
func ActiveEntries(entries []FileManifestEntry) []FileManifestEntry {
	active := make([]FileManifestEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Deleted {
			active = append(active, e)
		}
	}
	return active
}

// ParseFull is the convenience path used by tests and small callers:
// parses the header, decrypts the manifest and metadata, and returns every
// active file fully decoded. It is not used by the engines, which prefer
// the metadata-only/streaming extraction path to avoid loading full
// content into memory.
func ParseFull(cipher crypto.ShareCipher, key crypto.ShareKey, container []byte) ([]SharedFile, Metadata, error) {
	h, err := ParseHeaderBuffer(container)
	if err != nil {
		return nil, Metadata{}, err
	}
	entries, meta, err := decodeManifestTrailer(cipher, key, container, h)
	if err != nil {
		return nil, Metadata{}, err
	}
	var out []SharedFile
	for _, e := range ActiveEntries(entries) {
		f, err := DecodeFileEntryAt(container, e, h.Version)
		if err != nil {
			return nil, Metadata{}, err
		}
		out = append(out, f)
	}
	return out, meta, nil
}
