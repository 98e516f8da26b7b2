package svdf

import (
	"bytes"
	"io"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/vaultshare/crypto"
)

// BuildIncremental is the in-memory counterpart of BuildIncrementalStreaming,
// bounded by DefaultInMemoryBudget on the prior container's size (spec
// §4.1). Callers with a larger prior container must use the streaming form
// directly against a file reader.
func BuildIncremental(cipher crypto.ShareCipher, key crypto.ShareKey, priorContainer []byte, newFiles []SharedFile, removedIDs map[string]bool, meta Metadata) ([]byte, error) {
	if len(priorContainer) > DefaultInMemoryBudget {
		return nil, ErrPayloadTooLarge
	}
	h, err := ParseHeaderBuffer(priorContainer)
	if err != nil {
		return nil, err
	}
	_, priorManifest, err := parseManifestOnly(cipher, key, priorContainer, h)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := BuildIncrementalStreaming(&buf, cipher, key, bytes.NewReader(priorContainer), h, priorManifest, newFiles, removedIDs, meta); err != nil {
		return nil, err
	}
	if buf.Len() > DefaultInMemoryBudget {
		return nil, ErrPayloadTooLarge
	}
	return buf.Bytes(), nil
}

func parseManifestOnly(cipher crypto.ShareCipher, key crypto.ShareKey, container []byte, h Header) (Metadata, []FileManifestEntry, error) {
	entries, meta, err := decodeManifestTrailer(cipher, key, container, h)
	return meta, entries, err
}

// BuildIncrementalStreaming appends newFiles and tombstones removedIDs onto
// the prior container's file-entry region, preserving the entry region
// [HeaderSize, manifestOffset) byte-for-byte at the same offsets
// (append-stability, spec §4.1 and the S3 scenario); the 64-byte header
// itself is rewritten. priorContainer must be positioned at the start of the
// container (byte 0); this function reads and discards its 64-byte header
// before copying the entry region, since the new header differs from the
// old one.
func BuildIncrementalStreaming(sink io.Writer, cipher crypto.ShareCipher, key crypto.ShareKey, priorContainer io.Reader, priorHeader Header, priorManifest []FileManifestEntry, newFiles []SharedFile, removedIDs map[string]bool, meta Metadata) error {
	if priorHeader.ManifestOffset < HeaderSize {
		return errors.AddContext(ErrInvalidHeader, "prior manifest offset precedes end of header")
	}

	// Entries are encoded up front (like BuildFullStreaming) so the new
	// header's offsets are known before anything is written to sink: this
	// lets the incremental path work against a plain io.Writer instead of
	// requiring a seekable sink to patch the header in place afterward.
	newEntryBytes := make([][]byte, len(newFiles))
	for i, f := range newFiles {
		enc, err := encodeFileEntry(f)
		if err != nil {
			return errors.AddContext(err, "could not encode new file entry")
		}
		newEntryBytes[i] = enc
	}

	entries := make([]FileManifestEntry, len(priorManifest), len(priorManifest)+len(newFiles))
	for i, e := range priorManifest {
		if removedIDs[e.ID] {
			e.Deleted = true
		}
		entries[i] = e
	}

	offset := priorHeader.ManifestOffset
	activeCount := uint32(0)
	for _, e := range entries {
		if !e.Deleted {
			activeCount++
		}
	}
	for i, f := range newFiles {
		enc := newEntryBytes[i]
		entries = append(entries, FileManifestEntry{
			ID:      f.ID,
			Offset:  offset,
			Size:    uint32(len(enc)),
			Deleted: false,
		})
		offset += uint64(len(enc))
		activeCount++
	}

	manifestBlob, metadataBlob, err := encodeManifestTrailer(cipher, key, entries, meta)
	if err != nil {
		return err
	}

	h := Header{
		Version:         Version5,
		ActiveFileCount: activeCount,
		ManifestOffset:  offset,
		ManifestSize:    uint32(len(manifestBlob)),
		MetadataOffset:  offset + uint64(len(manifestBlob)),
		MetadataSize:    uint32(len(metadataBlob)),
	}
	headerBuf, err := encodeHeader(h)
	if err != nil {
		return err
	}
	if _, err := sink.Write(headerBuf); err != nil {
		return errors.AddContext(err, "could not write header")
	}

	discard := make([]byte, HeaderSize)
	if _, err := io.ReadFull(priorContainer, discard); err != nil {
		return errors.AddContext(err, "could not discard prior header")
	}
	entryRegionSize := priorHeader.ManifestOffset - HeaderSize
	if err := copyN(sink, priorContainer, int64(entryRegionSize)); err != nil {
		return errors.AddContext(err, "could not copy prior file-entry region")
	}

	for _, enc := range newEntryBytes {
		if _, err := sink.Write(enc); err != nil {
			return errors.AddContext(err, "could not write new file entry")
		}
	}
	if _, err := sink.Write(manifestBlob); err != nil {
		return errors.AddContext(err, "could not write manifest")
	}
	if _, err := sink.Write(metadataBlob); err != nil {
		return errors.AddContext(err, "could not write metadata")
	}
	return nil
}

func copyN(dst io.Writer, src io.Reader, n int64) error {
	buf := make([]byte, DefaultStreamingCopyChunk)
	remaining := n
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		if _, err := io.ReadFull(src, buf[:chunk]); err != nil {
			return err
		}
		if _, err := dst.Write(buf[:chunk]); err != nil {
			return err
		}
		remaining -= chunk
	}
	return nil
}
