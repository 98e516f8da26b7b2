package svdf

import (
	"encoding/json"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/vaultshare/crypto"
)

// encodeManifestTrailer encrypts entries and metadata under key, returning
// the two encrypted blobs that follow the file-entry region (spec §4.1).
func encodeManifestTrailer(cipher crypto.ShareCipher, key crypto.ShareKey, entries []FileManifestEntry, meta Metadata) (manifestBlob, metadataBlob []byte, err error) {
	manifestJSON, err := json.Marshal(entries)
	if err != nil {
		return nil, nil, errors.AddContext(err, "could not marshal manifest")
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, errors.AddContext(err, "could not marshal metadata")
	}

	manifestBlob, err = cipher.Encrypt(key, manifestJSON)
	if err != nil {
		return nil, nil, errors.AddContext(err, "could not encrypt manifest")
	}
	metadataBlob, err = cipher.Encrypt(key, metaJSON)
	if err != nil {
		return nil, nil, errors.AddContext(err, "could not encrypt metadata")
	}
	return manifestBlob, metadataBlob, nil
}

// decodeManifestTrailer decrypts and unmarshals the manifest and metadata
// trailer regions described by h within container.
func decodeManifestTrailer(cipher crypto.ShareCipher, key crypto.ShareKey, container []byte, h Header) ([]FileManifestEntry, Metadata, error) {
	manifestEnd := h.ManifestOffset + uint64(h.ManifestSize)
	metadataEnd := h.MetadataOffset + uint64(h.MetadataSize)
	if manifestEnd > uint64(len(container)) || metadataEnd > uint64(len(container)) {
		return nil, Metadata{}, errors.AddContext(ErrInvalidManifest, "trailer region exceeds container size")
	}

	manifestCipher := container[h.ManifestOffset:manifestEnd]
	metadataCipher := container[h.MetadataOffset:metadataEnd]

	manifestPlain, err := cipher.DecryptStaged(key, manifestCipher)
	if err != nil {
		return nil, Metadata{}, errors.Compose(ErrInvalidManifest, err)
	}
	metadataPlain, err := cipher.DecryptStaged(key, metadataCipher)
	if err != nil {
		return nil, Metadata{}, errors.Compose(ErrInvalidManifest, err)
	}

	var entries []FileManifestEntry
	if err := json.Unmarshal(manifestPlain, &entries); err != nil {
		return nil, Metadata{}, errors.Compose(ErrInvalidManifest, err)
	}
	var meta Metadata
	if err := json.Unmarshal(metadataPlain, &meta); err != nil {
		return nil, Metadata{}, errors.Compose(ErrInvalidManifest, err)
	}
	return entries, meta, nil
}
