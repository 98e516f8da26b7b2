// Package crypto implements the external crypto collaborator described in
// spec §6: share-key derivation and authenticated encryption of vault file
// content, thumbnails, and SVDF trailers. The core engines only depend on
// the ShareCipher interface in this package; this file also
// supplies the default concrete implementation so the rest of the module
// is exercisable without a platform-supplied crypto primitive, the same
// role the teacher's CipherKey implementations play for its erasure-coded
// pieces.
package crypto

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

// ShareKeySize is the length in bytes of a derived share key (spec §3).
const ShareKeySize = 32

var (
	// ErrInsufficientLen is returned when a ciphertext is too short to
	// contain a nonce.
	ErrInsufficientLen = errors.New("supplied ciphertext is not long enough to contain a nonce")

	// ErrDecryptionFailed is returned when authenticated decryption fails,
	// corresponding to the spec's DecryptionFailed error.
	ErrDecryptionFailed = errors.New("decryption failed")
)

type (
	// ShareKey is a 32-byte symmetric key derived from a share phrase
	// (spec §3). It is a value type so it can be captured by value into
	// tasks that outlive a vault unlock, per the ownership note in §3.
	ShareKey [ShareKeySize]byte

	// ShareCipher is the authenticated-encryption contract described in
	// spec §6: encrypt/decrypt, a pure size-projection for the streaming
	// codec path, and a stable fingerprint for cache-directory naming.
	ShareCipher interface {
		// Encrypt seals data under key.
		Encrypt(key ShareKey, data []byte) ([]byte, error)
		// Decrypt opens data previously sealed under key.
		Decrypt(key ShareKey, ciphertext []byte) ([]byte, error)
		// DecryptStaged auto-detects whether ciphertext was produced by
		// Encrypt (single-shot) or by the chunked streaming encrypt path
		// and decrypts accordingly.
		DecryptStaged(key ShareKey, ciphertext []byte) ([]byte, error)
		// EncryptedContentSize returns the ciphertext size that Encrypt
		// will produce for a plaintext of the given size, without
		// touching the plaintext. The chunked streaming format has its
		// own size function (EncryptedContentSizeStreaming).
		EncryptedContentSize(plaintextSize int64) int64
		// KeyFingerprint returns a stable, non-reversible string
		// identifying key, used to suffix sync-cache directories (§4.4)
		// without persisting the key itself in a path.
		KeyFingerprint(key ShareKey) string
	}
)

// Key returns the raw bytes of the share key.
func (k ShareKey) Key() []byte { return k[:] }

// IsZero reports whether k is the zero key (never derived).
func (k ShareKey) IsZero() bool {
	var zero ShareKey
	return k == zero
}

// KeyFingerprint implements a default, cipher-independent fingerprint as a
// hex-encoded SHA-256 of the key, truncated to 16 bytes. It is exported as a
// free function so non-default ShareCipher implementations can reuse it.
func KeyFingerprint(key ShareKey) string {
	sum := sha256.Sum256(key[:])
	return hex.EncodeToString(sum[:16])
}

// EncryptWithNonce encrypts plaintext with aead and prepends a random nonce,
// matching the envelope every AEAD use in this package shares.
func EncryptWithNonce(plaintext []byte, aead cipher.AEAD) []byte {
	nonce := fastrand.Bytes(aead.NonceSize())
	return aead.Seal(nonce, nonce, plaintext, nil)
}

// DecryptWithNonce decrypts ciphertext with aead, reading the prepended
// nonce written by EncryptWithNonce.
func DecryptWithNonce(ciphertext []byte, aead cipher.AEAD) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrInsufficientLen
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.Compose(ErrDecryptionFailed, err)
	}
	return pt, nil
}
