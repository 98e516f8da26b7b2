package svdf

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/uplo-tech/errors"
)

// ExtractedFileMetadata is the identifying metadata extractFileEntryMetadata
// recovers without loading the encrypted content into memory (spec §4.1).
type ExtractedFileMetadata struct {
	ID                 string
	Filename           string
	MimeType           string
	OriginalSize       uint32
	CreatedAt          time.Time
	Duration           *float64
	EncryptedThumbnail []byte
	ContentOffset      uint64
	ContentSize        uint32
}

// ExtractFileEntryMetadata reads at most metadataPrefixBudget bytes of the
// entry at [offset, offset+size) from source, recovering identifying
// metadata and the location of its encrypted content without loading the
// content itself. If the thumbnail extends past the prefix, it performs one
// additional bounded read sized exactly to the thumbnail.
func ExtractFileEntryMetadata(source io.ReaderAt, offset uint64, size uint32, version Version) (ExtractedFileMetadata, error) {
	prefixLen := int64(metadataPrefixBudget)
	if int64(size) < prefixLen {
		prefixLen = int64(size)
	}
	prefix := make([]byte, prefixLen)
	if _, err := source.ReadAt(prefix, int64(offset)); err != nil && err != io.EOF {
		return ExtractedFileMetadata{}, errors.AddContext(err, "could not read entry prefix")
	}
	minSize := fileEntryFixedSize
	if version == Version4 {
		minSize -= 8
	}
	if len(prefix) < minSize {
		return ExtractedFileMetadata{}, errors.AddContext(ErrInvalidEntry, "entry prefix shorter than fixed header")
	}

	// declaredEntrySize is cross-checked below once every length field has
	// been read, the same way decodeFileEntryVersioned does for a full
	// in-memory region.
	declaredEntrySize := int(binary.LittleEndian.Uint32(prefix[0:4]))
	off := 4

	var uid [16]byte
	copy(uid[:], prefix[off:off+16])
	off += 16

	filenameLen := int(binary.LittleEndian.Uint16(prefix[off : off+2]))
	off += 2
	mimeLen := int(prefix[off])
	off++

	originalSize := binary.LittleEndian.Uint32(prefix[off : off+4])
	off += 4

	createdSecs := math.Float64frombits(binary.LittleEndian.Uint64(prefix[off : off+8]))
	off += 8

	duration := absentDuration
	if version != Version4 {
		durationBits := binary.LittleEndian.Uint64(prefix[off : off+8])
		off += 8
		duration = math.Float64frombits(durationBits)
	}

	thumbLen := int(binary.LittleEndian.Uint32(prefix[off : off+4]))
	off += 4
	contentLen := binary.LittleEndian.Uint32(prefix[off : off+4])
	off += 4

	// Cross-check the entry's self-declared entrySize against both the
	// manifest's own size for this entry and the recomputed field total,
	// per the header/manifest/entry agreement spec §4.1 mandates.
	recomputed := off + filenameLen + mimeLen + thumbLen + int(contentLen)
	if recomputed < off || uint32(recomputed) != size || declaredEntrySize != recomputed {
		return ExtractedFileMetadata{}, errors.AddContext(ErrInvalidEntry, "declared lengths do not match entry size")
	}

	variableStart := off
	if variableStart+filenameLen+mimeLen > len(prefix) {
		return ExtractedFileMetadata{}, errors.AddContext(ErrInvalidEntry, "filename/mime exceed metadata prefix budget")
	}
	filename := string(prefix[variableStart : variableStart+filenameLen])
	mimeStart := variableStart + filenameLen
	mimeType := string(prefix[mimeStart : mimeStart+mimeLen])
	thumbStart := mimeStart + mimeLen

	var thumb []byte
	if thumbLen > 0 {
		if thumbStart+thumbLen <= len(prefix) {
			thumb = append([]byte(nil), prefix[thumbStart:thumbStart+thumbLen]...)
		} else {
			// Thumbnail extends past the prefix budget: perform one
			// additional bounded read sized exactly to the thumbnail.
			thumb = make([]byte, thumbLen)
			absoluteThumbStart := int64(offset) + int64(thumbStart)
			if _, err := source.ReadAt(thumb, absoluteThumbStart); err != nil && err != io.EOF {
				return ExtractedFileMetadata{}, errors.AddContext(err, "could not read thumbnail")
			}
		}
	}

	contentOffset := offset + uint64(thumbStart) + uint64(thumbLen)

	var durPtr *float64
	if duration != absentDuration {
		d := duration
		durPtr = &d
	}

	return ExtractedFileMetadata{
		ID:                 decodeUUID(uid),
		Filename:           filename,
		MimeType:           mimeType,
		OriginalSize:       originalSize,
		CreatedAt:          timeFromUnixSeconds(createdSecs),
		Duration:           durPtr,
		EncryptedThumbnail: thumb,
		ContentOffset:      contentOffset,
		ContentSize:        contentLen,
	}, nil
}

// ExtractFileContentToSink streams the encrypted content region described
// by meta from source to sink in fixed-size chunks (default
// DefaultExtractChunk), never holding the whole content in memory.
func ExtractFileContentToSink(source io.ReaderAt, meta ExtractedFileMetadata, sink io.Writer) error {
	return ExtractFileContentToSinkChunked(source, meta, sink, DefaultExtractChunk)
}

// ExtractFileContentToSinkChunked is ExtractFileContentToSink with an
// explicit chunk size, exposed for tests exercising boundary behavior.
func ExtractFileContentToSinkChunked(source io.ReaderAt, meta ExtractedFileMetadata, sink io.Writer, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultExtractChunk
	}
	remaining := int64(meta.ContentSize)
	pos := int64(meta.ContentOffset)
	buf := make([]byte, chunkSize)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := source.ReadAt(buf[:n], pos)
		if err != nil && !(err == io.EOF && int64(read) == n) {
			return errors.AddContext(err, "could not read content chunk")
		}
		if _, err := sink.Write(buf[:n]); err != nil {
			return errors.AddContext(err, "could not write content chunk")
		}
		pos += n
		remaining -= n
	}
	return nil
}
