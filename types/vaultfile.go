package types

import "time"

// VaultFile is the external vault-storage type described in spec §3: a
// single item in the owner's locally encrypted vault, identified by a
// 128-bit UUID. Vaultshare never decrypts VaultFile.EncryptedContent
// itself: the vault storage collaborator (external, spec §6) decrypts file
// content to a plaintext temp file, and the upload path re-encrypts that
// plaintext under the share key. The storage collaborator is the only
// party that understands the vault's own master key.
type VaultFile struct {
	ID       VaultFileID
	Filename string
	MimeType string

	// OriginalSize is the plaintext byte size before the vault's own
	// encryption, used by the SVDF codec's entry header.
	OriginalSize uint32
	CreatedAt    time.Time

	// Duration is set for video files; nil means absent (spec §4.1: v5
	// writers encode -1.0 for an absent duration).
	Duration *float64

	// EncryptedThumbnail is nil if the file has no thumbnail.
	EncryptedThumbnail []byte

	// EncryptedContent is the vault-encrypted file body, sealed under the
	// vault's own master key.
	EncryptedContent []byte
}

// StreamingSourceFile describes a VaultFile whose plaintext content lives
// on disk rather than in memory, used by
// svdf.BuildFullStreamingFromPlaintext (spec §4.1) so the codec can stream
// the re-encryption straight into its sink instead of buffering the whole
// file.
type StreamingSourceFile struct {
	ID           VaultFileID
	Filename     string
	MimeType     string
	OriginalSize uint32
	CreatedAt    time.Time
	Duration     *float64

	// EncryptedThumbnail is already encrypted under the share key (small
	// enough to hold in memory); nil if absent.
	EncryptedThumbnail []byte

	// PlaintextURL is the path to a temporary file holding the
	// decrypted-from-vault plaintext content, deleted by the caller once
	// its content has been streamed into the SVDF sink (spec §4.5 step 4).
	PlaintextURL string

	// PlaintextSize is the byte size of the file at PlaintextURL, used to
	// pre-compute the encrypted content size via the crypto collaborator's
	// EncryptedContentSizeStreaming (spec §4.1).
	PlaintextSize int64
}
