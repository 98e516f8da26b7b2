package crypto

import (
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/uplo-tech/errors"
)

// formatMarker distinguishes the two ciphertext envelopes DecryptStaged must
// tell apart: a single aead.Seal call (Encrypt) versus a sequence of
// independently-sealed fixed-size frames (the streaming encrypt path in
// chunked.go). Both envelopes are self-describing so DecryptStaged never
// needs out-of-band knowledge of which path produced a given blob.
type formatMarker byte

const (
	formatSingleShot formatMarker = 1
	formatChunked    formatMarker = 2
)

// XChaChaCipher is the default ShareCipher implementation, backing spec §6's
// Crypto external-collaborator contract with XChaCha20-Poly1305 from
// golang.org/x/crypto, mirroring the role the teacher's TypeXChaCha20
// CipherKey plays for erasure-coded pieces.
type XChaChaCipher struct{}

// NewXChaChaCipher returns the default ShareCipher.
func NewXChaChaCipher() XChaChaCipher { return XChaChaCipher{} }

// Encrypt implements ShareCipher.
func (XChaChaCipher) Encrypt(key ShareKey, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.AddContext(err, "could not construct aead")
	}
	sealed := EncryptWithNonce(data, aead)
	out := make([]byte, 1+len(sealed))
	out[0] = byte(formatSingleShot)
	copy(out[1:], sealed)
	return out, nil
}

// Decrypt implements ShareCipher.
func (c XChaChaCipher) Decrypt(key ShareKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1 || formatMarker(ciphertext[0]) != formatSingleShot {
		return nil, errors.New("ciphertext is not in single-shot format")
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.AddContext(err, "could not construct aead")
	}
	return DecryptWithNonce(ciphertext[1:], aead)
}

// DecryptStaged implements ShareCipher, dispatching on the leading format
// marker written by Encrypt or the chunked streaming encrypt primitives.
func (c XChaChaCipher) DecryptStaged(key ShareKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1 {
		return nil, errors.New("ciphertext too short to contain a format marker")
	}
	switch formatMarker(ciphertext[0]) {
	case formatSingleShot:
		return c.Decrypt(key, ciphertext)
	case formatChunked:
		return c.decryptChunkedBuffer(key, ciphertext[1:])
	default:
		return nil, errors.New("unrecognized ciphertext format")
	}
}

// EncryptedContentSize implements ShareCipher: one format byte, one 24-byte
// nonce, the plaintext, and a 16-byte Poly1305 tag.
func (XChaChaCipher) EncryptedContentSize(plaintextSize int64) int64 {
	return 1 + int64(chacha20poly1305.NonceSizeX) + plaintextSize + int64(chacha20poly1305.Overhead)
}

// KeyFingerprint implements ShareCipher.
func (XChaChaCipher) KeyFingerprint(key ShareKey) string {
	return KeyFingerprint(key)
}
