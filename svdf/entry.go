package svdf

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/uplo-tech/errors"
)

// fileEntryFixedSize is the portion of an encoded file entry before the
// variable-length filename, MIME type and blob fields: 4-byte entrySize
// length prefix (spec §4.1: "length prefix allows skipping without
// parsing"), 16-byte UUID, 2-byte filename length, 1-byte MIME length,
// 4-byte original size, 8-byte created timestamp (float64 unix seconds),
// 8-byte duration bits, 4-byte thumbnail length, 4-byte content length.
const fileEntryFixedSize = 4 + 16 + 2 + 1 + 4 + 8 + 8 + 4 + 4

// unixSeconds converts t to the float64-seconds-since-epoch wire format
// spec §4.1 mandates for createdAt, preserving sub-second precision.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// timeFromUnixSeconds is the inverse of unixSeconds.
func timeFromUnixSeconds(secs float64) time.Time {
	return time.Unix(0, int64(secs*1e9)).UTC()
}

// encodeUUID converts a hyphenated UUID string into its raw 16 bytes.
func encodeUUID(id string) ([16]byte, error) {
	var out [16]byte
	n := 0
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c == '-' {
			continue
		}
		v, ok := hexVal(c)
		if !ok {
			return out, errors.AddContext(ErrInvalidEntry, "malformed uuid")
		}
		if n/2 >= 16 {
			return out, errors.AddContext(ErrInvalidEntry, "uuid too long")
		}
		if n%2 == 0 {
			out[n/2] = v << 4
		} else {
			out[n/2] |= v
		}
		n++
	}
	if n != 32 {
		return out, errors.AddContext(ErrInvalidEntry, "uuid must encode 32 hex digits")
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// decodeUUID is the inverse of encodeUUID, producing the canonical
// 8-4-4-4-12 hyphenated form.
func decodeUUID(raw [16]byte) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 36)
	pos := 0
	dashAfter := map[int]bool{3: true, 5: true, 7: true, 9: true}
	for i, by := range raw {
		b[pos] = hexDigits[by>>4]
		pos++
		b[pos] = hexDigits[by&0x0f]
		pos++
		if dashAfter[i] {
			b[pos] = '-'
			pos++
		}
	}
	return string(b)
}

// encodeFileEntry serializes one SharedFile as the self-describing binary
// entry stored in the file-entry region (spec §4.1, §3).
func encodeFileEntry(f SharedFile) ([]byte, error) {
	if len(f.Filename) > maxFilenameLen {
		return nil, errors.AddContext(ErrFieldTooLarge, "filename too long")
	}
	if len(f.MimeType) > maxMimeTypeLen {
		return nil, errors.AddContext(ErrFieldTooLarge, "mime type too long")
	}
	if len(f.EncryptedThumbnail) > math.MaxUint32 || len(f.EncryptedContent) > math.MaxUint32 {
		return nil, errors.AddContext(ErrFieldTooLarge, "blob field exceeds uint32")
	}

	uid, err := encodeUUID(f.ID)
	if err != nil {
		return nil, err
	}

	filenameBytes := []byte(f.Filename)
	mimeBytes := []byte(f.MimeType)

	size := fileEntryFixedSize + len(filenameBytes) + len(mimeBytes) + len(f.EncryptedThumbnail) + len(f.EncryptedContent)
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(size))
	off += 4

	copy(buf[off:off+16], uid[:])
	off += 16

	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(filenameBytes)))
	off += 2
	buf[off] = byte(len(mimeBytes))
	off++

	binary.LittleEndian.PutUint32(buf[off:off+4], f.OriginalSize)
	off += 4

	binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(unixSeconds(f.CreatedAt)))
	off += 8

	duration := absentDuration
	if f.Duration != nil {
		duration = *f.Duration
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(duration))
	off += 8

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(f.EncryptedThumbnail)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(f.EncryptedContent)))
	off += 4

	off += copy(buf[off:], filenameBytes)
	off += copy(buf[off:], mimeBytes)
	off += copy(buf[off:], f.EncryptedThumbnail)
	off += copy(buf[off:], f.EncryptedContent)

	return buf, nil
}

// encodeFileEntryPrefix builds everything in a file entry up to (but not
// including) the encrypted content bytes, recording contentLen in the
// entry's length field. It lets BuildFullStreamingFromPlaintext compute
// exact offsets before streaming a file's ciphertext straight into the
// sink, without holding the plaintext content in memory.
func encodeFileEntryPrefix(id, filename, mime string, originalSize uint32, createdAt time.Time, duration *float64, thumbnail []byte, contentLen uint32) ([]byte, error) {
	if len(filename) > maxFilenameLen {
		return nil, errors.AddContext(ErrFieldTooLarge, "filename too long")
	}
	if len(mime) > maxMimeTypeLen {
		return nil, errors.AddContext(ErrFieldTooLarge, "mime type too long")
	}
	if len(thumbnail) > math.MaxUint32 {
		return nil, errors.AddContext(ErrFieldTooLarge, "thumbnail exceeds uint32")
	}

	uid, err := encodeUUID(id)
	if err != nil {
		return nil, err
	}

	filenameBytes := []byte(filename)
	mimeBytes := []byte(mime)

	size := fileEntryFixedSize + len(filenameBytes) + len(mimeBytes) + len(thumbnail)
	entrySize := size + int(contentLen)
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(entrySize))
	off += 4

	copy(buf[off:off+16], uid[:])
	off += 16

	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(filenameBytes)))
	off += 2
	buf[off] = byte(len(mimeBytes))
	off++

	binary.LittleEndian.PutUint32(buf[off:off+4], originalSize)
	off += 4

	binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(unixSeconds(createdAt)))
	off += 8

	durationVal := absentDuration
	if duration != nil {
		durationVal = *duration
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(durationVal))
	off += 8

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(thumbnail)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], contentLen)
	off += 4

	off += copy(buf[off:], filenameBytes)
	off += copy(buf[off:], mimeBytes)
	off += copy(buf[off:], thumbnail)

	return buf, nil
}

// decodeFileEntry parses a v5 file entry; see decodeFileEntryVersioned for
// the version-aware form v4 containers need.
func decodeFileEntry(region []byte) (SharedFile, int, error) {
	return decodeFileEntryVersioned(region, Version5)
}

// decodeFileEntryVersioned parses one file entry out of region, which must
// begin exactly at the entry's first byte. It enforces the bounds spec
// §4.1 mandates: every declared length must fit within the bytes actually
// available in region. v4 entries omit the 8-byte duration field entirely
// (spec §4.1 version discipline); v5 readers must skip that read rather
// than misinterpret the following length fields as duration bits.
func decodeFileEntryVersioned(region []byte, version Version) (SharedFile, int, error) {
	minSize := fileEntryFixedSize
	if version == Version4 {
		minSize -= 8
	}
	if len(region) < minSize {
		return SharedFile{}, 0, errors.AddContext(ErrInvalidEntry, "entry shorter than fixed header")
	}

	declaredEntrySize := int(binary.LittleEndian.Uint32(region[0:4]))
	if declaredEntrySize < minSize || declaredEntrySize > len(region) {
		return SharedFile{}, 0, errors.AddContext(ErrInvalidEntry, "declared entry size out of bounds")
	}
	off := 4

	var uid [16]byte
	copy(uid[:], region[off:off+16])
	off += 16

	filenameLen := int(binary.LittleEndian.Uint16(region[off : off+2]))
	off += 2
	mimeLen := int(region[off])
	off++

	originalSize := binary.LittleEndian.Uint32(region[off : off+4])
	off += 4

	createdSecs := math.Float64frombits(binary.LittleEndian.Uint64(region[off : off+8]))
	off += 8

	duration := absentDuration
	if version != Version4 {
		durationBits := binary.LittleEndian.Uint64(region[off : off+8])
		off += 8
		duration = math.Float64frombits(durationBits)
	}

	thumbLen := int(binary.LittleEndian.Uint32(region[off : off+4]))
	off += 4
	contentLen := int(binary.LittleEndian.Uint32(region[off : off+4]))
	off += 4

	// Cross-check the recomputed total against the entry's own declared
	// entrySize (spec Design Note: "cross-check length fields against the
	// declared entrySize") rather than trusting either alone.
	entrySize := off + filenameLen + mimeLen + thumbLen + contentLen
	if entrySize < off || entrySize != declaredEntrySize || entrySize > len(region) {
		return SharedFile{}, 0, errors.AddContext(ErrInvalidEntry, "declared lengths do not match entry size")
	}

	filename := string(region[off : off+filenameLen])
	off += filenameLen
	mimeType := string(region[off : off+mimeLen])
	off += mimeLen

	var thumb []byte
	if thumbLen > 0 {
		thumb = append([]byte(nil), region[off:off+thumbLen]...)
	}
	off += thumbLen

	var content []byte
	if contentLen > 0 {
		content = append([]byte(nil), region[off:off+contentLen]...)
	}
	off += contentLen

	var durPtr *float64
	if duration != absentDuration {
		d := duration
		durPtr = &d
	}

	f := SharedFile{
		ID:                 decodeUUID(uid),
		Filename:           filename,
		MimeType:           mimeType,
		OriginalSize:       originalSize,
		CreatedAt:          timeFromUnixSeconds(createdSecs),
		Duration:           durPtr,
		EncryptedThumbnail: thumb,
		EncryptedContent:   content,
	}
	return f, entrySize, nil
}
