package svdf

import (
	"bytes"
	"io"
	"os"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/vaultshare/crypto"
	"github.com/uplo-tech/vaultshare/types"
)

// BuildFull encodes files into a complete SVD5 container held entirely in
// memory, bounded by DefaultInMemoryBudget (spec §4.1). It is the simple
// path used by small vaults and by tests; BuildFullStreaming and
// BuildFullStreamingFromPlaintext avoid the memory spike for larger ones.
func BuildFull(cipher crypto.ShareCipher, key crypto.ShareKey, files []SharedFile, meta Metadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := BuildFullStreaming(&buf, cipher, key, files, meta); err != nil {
		return nil, err
	}
	if buf.Len() > DefaultInMemoryBudget {
		return nil, ErrPayloadTooLarge
	}
	return buf.Bytes(), nil
}

// BuildFullStreaming writes a complete SVD5 container to sink, given files
// whose content is already encrypted under key (spec §4.1). It computes the
// manifest and metadata trailer first -- both are independent of where the
// entry region lands -- so it can write a single correct header up front
// without needing a seekable sink.
func BuildFullStreaming(sink io.Writer, cipher crypto.ShareCipher, key crypto.ShareKey, files []SharedFile, meta Metadata) error {
	entryBytes := make([][]byte, len(files))
	entries := make([]FileManifestEntry, len(files))

	offset := uint64(HeaderSize)
	for i, f := range files {
		enc, err := encodeFileEntry(f)
		if err != nil {
			return errors.AddContext(err, "could not encode file entry")
		}
		entryBytes[i] = enc
		entries[i] = FileManifestEntry{
			ID:      f.ID,
			Offset:  offset,
			Size:    uint32(len(enc)),
			Deleted: false,
		}
		offset += uint64(len(enc))
	}

	manifestBlob, metadataBlob, err := encodeManifestTrailer(cipher, key, entries, meta)
	if err != nil {
		return err
	}

	h := Header{
		Version:         Version5,
		ActiveFileCount: uint32(len(files)),
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
	for _, enc := range entryBytes {
		if _, err := sink.Write(enc); err != nil {
			return errors.AddContext(err, "could not write file entry")
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

// BuildFullStreamingFromPlaintext writes a complete SVD5 container whose
// file content is still plaintext on disk, re-encrypting each source's
// content directly into sink via the crypto collaborator's chunked
// streaming cipher (spec §4.1, §4.5 step 4). Memory use is bounded by one
// source file's streamBlockSize window at a time, not by total vault size.
func BuildFullStreamingFromPlaintext(sink io.Writer, cipher crypto.ShareCipher, key crypto.ShareKey, sources []types.StreamingSourceFile, meta Metadata) (err error) {
	prefixes := make([][]byte, len(sources))
	entries := make([]FileManifestEntry, len(sources))

	offset := uint64(HeaderSize)
	for i, s := range sources {
		contentSize := crypto.EncryptedContentSizeStreaming(s.PlaintextSize)
		if contentSize < 0 {
			return errors.AddContext(ErrNegativeField, "streamed content size is negative")
		}
		if contentSize > uint32max {
			return errors.AddContext(ErrFieldTooLarge, "streamed content size exceeds uint32")
		}
		prefix, perr := encodeFileEntryPrefix(string(s.ID), s.Filename, s.MimeType, s.OriginalSize, s.CreatedAt, s.Duration, s.EncryptedThumbnail, uint32(contentSize))
		if perr != nil {
			return errors.AddContext(perr, "could not encode streaming file entry prefix")
		}
		prefixes[i] = prefix
		entries[i] = FileManifestEntry{
			ID:      string(s.ID),
			Offset:  offset,
			Size:    uint32(len(prefix)) + uint32(contentSize),
			Deleted: false,
		}
		offset += uint64(len(prefix)) + uint64(contentSize)
	}

	manifestBlob, metadataBlob, err := encodeManifestTrailer(cipher, key, entries, meta)
	if err != nil {
		return err
	}

	h := Header{
		Version:         Version5,
		ActiveFileCount: uint32(len(sources)),
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

	for i, s := range sources {
		if _, err := sink.Write(prefixes[i]); err != nil {
			return errors.AddContext(err, "could not write file entry prefix")
		}
		if err := streamEncryptPlaintextFile(key, s.PlaintextURL, sink); err != nil {
			return errors.AddContext(err, "could not stream-encrypt file content")
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

const uint32max = int64(^uint32(0))

// streamEncryptPlaintextFile re-encrypts the plaintext file at path
// directly into sink using the chunked streaming primitive, keeping peak
// memory at one crypto block regardless of file size.
func streamEncryptPlaintextFile(key crypto.ShareKey, path string, sink io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.AddContext(err, "could not open plaintext source")
	}
	defer f.Close()
	return crypto.StreamEncryptFileToSink(f, key, sink)
}
