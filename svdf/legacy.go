package svdf

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"time"
	"unicode/utf16"

	"github.com/uplo-tech/errors"
)

// LegacySharedVaultData is the decode-only fallback structure for shares
// published before the SVDF container existed (spec open question "legacy
// non-SVDF import path"). vaultshare never writes this format; it only
// needs to decode it well enough to import old shares still sitting on the
// remote store.
type LegacySharedVaultData struct {
	Files []LegacySharedFile `json:"files" plist:"Files"`
}

// LegacySharedFile is one file in a legacy blob. OriginalSize, unlike the
// SVDF entry, was optional in early legacy exports; a missing value decodes
// to 0.
type LegacySharedFile struct {
	ID                 string    `json:"id" plist:"Id"`
	Filename           string    `json:"filename" plist:"Filename"`
	MimeType           string    `json:"mimeType" plist:"MimeType"`
	OriginalSize       uint32    `json:"originalSize" plist:"OriginalSize"`
	CreatedAt          time.Time `json:"createdAt" plist:"CreatedAt"`
	Duration           *float64  `json:"duration,omitempty" plist:"Duration,omitempty"`
	EncryptedThumbnail []byte    `json:"encryptedThumbnail,omitempty" plist:"EncryptedThumbnail,omitempty"`
	EncryptedContent   []byte    `json:"encryptedContent" plist:"EncryptedContent"`
}

// DecodeLegacyBlob decodes data as a legacy "SharedVaultData" blob,
// trying JSON first and falling back to a minimal binary-plist reader
// (spec: "preserve decode-only support for both PropertyList and JSON
// encodings of the same logical structure, without introducing new
// writers"). It is only ever reached after IsSVDF(data) has already
// returned false.
func DecodeLegacyBlob(data []byte) (LegacySharedVaultData, error) {
	var out LegacySharedVaultData
	if jsonErr := json.Unmarshal(data, &out); jsonErr == nil {
		return out, nil
	}

	plistOut, plistErr := decodeLegacyPlist(data)
	if plistErr != nil {
		return LegacySharedVaultData{}, errors.AddContext(plistErr, "legacy blob is neither valid JSON nor a recognized property list")
	}
	return plistOut, nil
}

// ToSharedFiles converts decoded legacy entries into the same SharedFile
// shape the rest of the codec works with, so a legacy import can flow
// through the same vault-write path as an SVDF import.
func (d LegacySharedVaultData) ToSharedFiles() []SharedFile {
	out := make([]SharedFile, len(d.Files))
	for i, lf := range d.Files {
		out[i] = SharedFile{
			ID:                 lf.ID,
			Filename:           lf.Filename,
			MimeType:           lf.MimeType,
			OriginalSize:       lf.OriginalSize,
			CreatedAt:          lf.CreatedAt,
			Duration:           lf.Duration,
			EncryptedThumbnail: lf.EncryptedThumbnail,
			EncryptedContent:   lf.EncryptedContent,
		}
	}
	return out
}

// decodeLegacyPlist decodes a binary property list holding the same
// {Files: [...]} logical structure the JSON legacy encoding carries,
// covering exactly the object subset LegacySharedVaultData needs (dict,
// array, ASCII/UTF-16 string, data, int, real, date, bool) -- not a
// general-purpose plist writer, decode-only preservation of old shares.
func decodeLegacyPlist(data []byte) (LegacySharedVaultData, error) {
	const bplistMagic = "bplist00"
	if len(data) < len(bplistMagic) || string(data[:len(bplistMagic)]) != bplistMagic {
		return LegacySharedVaultData{}, errors.New("not a recognized property-list encoding")
	}
	root, err := parseBplist(data)
	if err != nil {
		return LegacySharedVaultData{}, errors.AddContext(err, "could not parse binary property list")
	}
	return plistToLegacyData(root)
}

// bplistObject is the generic decoded shape of one plist object: one of
// nil, bool, int64, float64, time.Time, string, []byte, []interface{}, or
// map[string]interface{}.
type bplistObject = interface{}

// bplistReader holds the parsed offset table shared by every object
// lookup during one decode.
type bplistReader struct {
	data        []byte
	offsetTable []uint64
	objRefSize  int
}

// parseBplist decodes the bplist00 trailer and offset table, then reads
// the top object's tree recursively (spec: the Apple bplist00 on-disk
// format -- 8-byte magic, object table, offset table, 32-byte trailer).
func parseBplist(data []byte) (bplistObject, error) {
	if len(data) < 40 {
		return nil, errors.New("property list too short")
	}
	trailer := data[len(data)-32:]
	offsetIntSize := int(trailer[6])
	objRefSize := int(trailer[7])
	numObjects := binary.BigEndian.Uint64(trailer[8:16])
	topObject := binary.BigEndian.Uint64(trailer[16:24])
	offsetTableOffset := binary.BigEndian.Uint64(trailer[24:32])

	if offsetIntSize == 0 || objRefSize == 0 || numObjects == 0 {
		return nil, errors.New("invalid property list trailer")
	}

	offsets := make([]uint64, numObjects)
	for i := uint64(0); i < numObjects; i++ {
		start := offsetTableOffset + i*uint64(offsetIntSize)
		end := start + uint64(offsetIntSize)
		if end > uint64(len(data)) {
			return nil, errors.New("offset table entry out of range")
		}
		offsets[i] = readUintBE(data[start:end])
	}

	r := &bplistReader{data: data, offsetTable: offsets, objRefSize: objRefSize}
	return r.readObject(topObject)
}

func readUintBE(b []byte) uint64 {
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return v
}

// readCount decodes a marker's length field: the low nibble directly if
// it is under 0xF, else an inline integer object immediately following the
// marker byte (the bplist "extended length" encoding).
func (r *bplistReader) readCount(infoNibble byte, pos uint64) (uint64, uint64, error) {
	if infoNibble != 0x0F {
		return uint64(infoNibble), pos, nil
	}
	if pos >= uint64(len(r.data)) {
		return 0, 0, errors.New("truncated extended length marker")
	}
	intMarker := r.data[pos]
	if intMarker>>4 != 0x1 {
		return 0, 0, errors.New("extended length is not an integer object")
	}
	size := 1 << (intMarker & 0x0F)
	valStart := pos + 1
	valEnd := valStart + uint64(size)
	if valEnd > uint64(len(r.data)) {
		return 0, 0, errors.New("truncated extended length value")
	}
	return readUintBE(r.data[valStart:valEnd]), valEnd, nil
}

func (r *bplistReader) readObject(index uint64) (bplistObject, error) {
	if index >= uint64(len(r.offsetTable)) {
		return nil, errors.New("object index out of range")
	}
	off := r.offsetTable[index]
	if off >= uint64(len(r.data)) {
		return nil, errors.New("object offset out of range")
	}
	marker := r.data[off]
	typeNibble := marker >> 4
	infoNibble := marker & 0x0F
	pos := off + 1

	switch typeNibble {
	case 0x0:
		switch marker {
		case 0x08:
			return false, nil
		case 0x09:
			return true, nil
		default:
			return nil, nil
		}
	case 0x1: // int
		size := 1 << infoNibble
		end := pos + uint64(size)
		if end > uint64(len(r.data)) {
			return nil, errors.New("truncated integer object")
		}
		raw := r.data[pos:end]
		if size == 8 {
			return int64(binary.BigEndian.Uint64(raw)), nil
		}
		return int64(readUintBE(raw)), nil
	case 0x2: // real
		size := 1 << infoNibble
		end := pos + uint64(size)
		if end > uint64(len(r.data)) {
			return nil, errors.New("truncated real object")
		}
		raw := r.data[pos:end]
		if size == 4 {
			return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
		}
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	case 0x3: // date: big-endian float64 seconds since 2001-01-01 UTC
		end := pos + 8
		if end > uint64(len(r.data)) {
			return nil, errors.New("truncated date object")
		}
		secs := math.Float64frombits(binary.BigEndian.Uint64(r.data[pos:end]))
		epoch := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
		return epoch.Add(time.Duration(secs * float64(time.Second))), nil
	case 0x4: // data
		count, dataStart, err := r.readCount(infoNibble, pos)
		if err != nil {
			return nil, err
		}
		end := dataStart + count
		if end > uint64(len(r.data)) {
			return nil, errors.New("truncated data object")
		}
		return append([]byte(nil), r.data[dataStart:end]...), nil
	case 0x5: // ASCII string
		count, strStart, err := r.readCount(infoNibble, pos)
		if err != nil {
			return nil, err
		}
		end := strStart + count
		if end > uint64(len(r.data)) {
			return nil, errors.New("truncated ascii string object")
		}
		return string(r.data[strStart:end]), nil
	case 0x6: // UTF-16BE string
		count, strStart, err := r.readCount(infoNibble, pos)
		if err != nil {
			return nil, err
		}
		end := strStart + count*2
		if end > uint64(len(r.data)) {
			return nil, errors.New("truncated utf-16 string object")
		}
		raw := r.data[strStart:end]
		units := make([]uint16, count)
		for i := uint64(0); i < count; i++ {
			units[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
		}
		return string(utf16.Decode(units)), nil
	case 0xA, 0xC: // array, set
		count, refStart, err := r.readCount(infoNibble, pos)
		if err != nil {
			return nil, err
		}
		refs, err := r.readRefs(refStart, count)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, count)
		for i, ref := range refs {
			v, err := r.readObject(ref)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case 0xD: // dict
		count, keyStart, err := r.readCount(infoNibble, pos)
		if err != nil {
			return nil, err
		}
		keyRefs, err := r.readRefs(keyStart, count)
		if err != nil {
			return nil, err
		}
		valStart := keyStart + count*uint64(r.objRefSize)
		valRefs, err := r.readRefs(valStart, count)
		if err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, count)
		for i := uint64(0); i < count; i++ {
			k, err := r.readObject(keyRefs[i])
			if err != nil {
				return nil, err
			}
			v, err := r.readObject(valRefs[i])
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, errors.New("dict key is not a string object")
			}
			out[ks] = v
		}
		return out, nil
	default:
		return nil, errors.New("unsupported property list object type")
	}
}

func (r *bplistReader) readRefs(start, count uint64) ([]uint64, error) {
	refs := make([]uint64, count)
	for i := uint64(0); i < count; i++ {
		s := start + i*uint64(r.objRefSize)
		e := s + uint64(r.objRefSize)
		if e > uint64(len(r.data)) {
			return nil, errors.New("object reference table out of range")
		}
		refs[i] = readUintBE(r.data[s:e])
	}
	return refs, nil
}

// plistToLegacyData converts the generic decoded plist tree into
// LegacySharedVaultData, matching the same field names the `plist` struct
// tags above document.
func plistToLegacyData(v bplistObject) (LegacySharedVaultData, error) {
	root, ok := v.(map[string]interface{})
	if !ok {
		return LegacySharedVaultData{}, errors.New("plist root is not a dictionary")
	}
	filesVal, ok := root["Files"]
	if !ok {
		return LegacySharedVaultData{}, errors.New("plist is missing a Files array")
	}
	filesList, ok := filesVal.([]interface{})
	if !ok {
		return LegacySharedVaultData{}, errors.New("plist Files value is not an array")
	}

	out := LegacySharedVaultData{Files: make([]LegacySharedFile, 0, len(filesList))}
	for _, fv := range filesList {
		fm, ok := fv.(map[string]interface{})
		if !ok {
			return LegacySharedVaultData{}, errors.New("plist file entry is not a dictionary")
		}
		lf := LegacySharedFile{}
		if s, ok := fm["Id"].(string); ok {
			lf.ID = s
		}
		if s, ok := fm["Filename"].(string); ok {
			lf.Filename = s
		}
		if s, ok := fm["MimeType"].(string); ok {
			lf.MimeType = s
		}
		if n, ok := fm["OriginalSize"].(int64); ok {
			lf.OriginalSize = uint32(n)
		}
		if t, ok := fm["CreatedAt"].(time.Time); ok {
			lf.CreatedAt = t
		}
		if d, ok := fm["Duration"].(float64); ok {
			lf.Duration = &d
		}
		if b, ok := fm["EncryptedThumbnail"].([]byte); ok {
			lf.EncryptedThumbnail = b
		}
		if b, ok := fm["EncryptedContent"].([]byte); ok {
			lf.EncryptedContent = b
		}
		out.Files = append(out.Files, lf)
	}
	return out, nil
}
