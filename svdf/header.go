package svdf

import (
	"crypto/subtle"
	"encoding/binary"
	"io"
	"os"

	"github.com/uplo-tech/errors"
)

// IsSVDF reports whether prefix begins with a recognized SVDF magic
// ("SVD4" or "SVD5"), using a constant-time comparison per spec §4.1 so a
// crafted prefix can't be used to time-probe the check.
func IsSVDF(prefix []byte) bool {
	if len(prefix) < 4 {
		return false
	}
	var p [4]byte
	copy(p[:], prefix[:4])
	return subtleConstantEq(p, magicV5) || subtleConstantEq(p, magicV4)
}

func subtleConstantEq(a, b [4]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// encodeHeader writes h as the 64-byte SVDF header.
func encodeHeader(h Header) ([]byte, error) {
	buf := make([]byte, HeaderSize)
	switch h.Version {
	case Version5:
		copy(buf[0:4], magicV5[:])
	case Version4:
		copy(buf[0:4], magicV4[:])
	default:
		return nil, errors.AddContext(ErrInvalidMagic, "unsupported write version")
	}
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.Version))
	binary.LittleEndian.PutUint32(buf[6:10], h.ActiveFileCount)
	binary.LittleEndian.PutUint64(buf[10:18], h.ManifestOffset)
	binary.LittleEndian.PutUint32(buf[18:22], h.ManifestSize)
	binary.LittleEndian.PutUint64(buf[22:30], h.MetadataOffset)
	binary.LittleEndian.PutUint32(buf[30:34], h.MetadataSize)
	// bytes[34:64] are reserved and left zero.
	return buf, nil
}

// decodeHeader parses a 64-byte buffer into a Header.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrInvalidHeader
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])

	var version Version
	switch {
	case subtleConstantEq(magic, magicV5):
		version = Version5
	case subtleConstantEq(magic, magicV4):
		version = Version4
	default:
		return Header{}, ErrInvalidMagic
	}

	wireVersion := Version(binary.LittleEndian.Uint16(buf[4:6]))
	if wireVersion != version {
		return Header{}, errors.AddContext(ErrInvalidMagic, "magic/version field mismatch")
	}
	if wireVersion != Version4 && wireVersion != Version5 {
		return Header{}, errors.AddContext(ErrInvalidMagic, "unsupported read version")
	}

	h := Header{
		Version:         version,
		ActiveFileCount: binary.LittleEndian.Uint32(buf[6:10]),
		ManifestOffset:  binary.LittleEndian.Uint64(buf[10:18]),
		ManifestSize:    binary.LittleEndian.Uint32(buf[18:22]),
		MetadataOffset:  binary.LittleEndian.Uint64(buf[22:30]),
		MetadataSize:    binary.LittleEndian.Uint32(buf[30:34]),
	}
	return h, nil
}

// ParseHeaderBuffer parses the header from an in-memory container buffer.
func ParseHeaderBuffer(container []byte) (Header, error) {
	if len(container) < HeaderSize {
		return Header{}, ErrInvalidHeader
	}
	return decodeHeader(container[:HeaderSize])
}

// ParseHeaderFile reads only the first 64 bytes of the file at path,
// independent of total file size (spec §4.1).
func ParseHeaderFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, errors.AddContext(err, "could not open container file")
	}
	defer f.Close()
	return ParseHeaderReader(f)
}

// ParseHeaderReader reads the header from the current position of r.
func ParseHeaderReader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Contains(err, io.ErrUnexpectedEOF) || errors.Contains(err, io.EOF) {
			return Header{}, ErrInvalidHeader
		}
		return Header{}, errors.AddContext(err, "could not read header")
	}
	return decodeHeader(buf)
}
