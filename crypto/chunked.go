package crypto

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/uplo-tech/errors"
)

// streamBlockSize is the plaintext size of one frame in the chunked
// streaming encrypt format (crypto/format §6 "streaming file-to-file and
// file-to-sink encryption primitives"). It is independent of, and much
// smaller than, the transport layer's 2 MiB chunk size (§4.2): this is the
// unit the crypto primitive buffers in memory, not the unit the transport
// uploads.
const streamBlockSize = 64 * 1024

// frameOverhead is the per-frame cost: a uint32 length prefix, a 24-byte
// XChaCha20 nonce, and a 16-byte Poly1305 tag.
const frameOverhead = 4 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// StreamEncryptFileToSink encrypts all of src under key, framing it into
// fixed-size blocks so neither the source nor the destination size needs to
// be known in advance, and writes the chunked-format envelope to sink. This
// is the primitive buildFullStreamingFromPlaintext (svdf package) uses to
// keep peak memory at O(crypto block size) (spec §4.1).
func StreamEncryptFileToSink(src io.Reader, key ShareKey, sink io.Writer) error {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return errors.AddContext(err, "could not construct aead")
	}
	if _, err := sink.Write([]byte{byte(formatChunked)}); err != nil {
		return errors.AddContext(err, "could not write chunked format marker")
	}
	buf := make([]byte, streamBlockSize)
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			sealed := EncryptWithNonce(buf[:n], aead)
			var lenPrefix [4]byte
			binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
			if _, err := sink.Write(lenPrefix[:]); err != nil {
				return errors.AddContext(err, "could not write frame length")
			}
			if _, err := sink.Write(sealed); err != nil {
				return errors.AddContext(err, "could not write frame")
			}
		}
		if errors.Contains(readErr, io.EOF) || errors.Contains(readErr, io.ErrUnexpectedEOF) {
			return nil
		}
		if readErr != nil {
			return errors.AddContext(readErr, "could not read plaintext source")
		}
	}
}

// EncryptedContentSizeStreaming returns the ciphertext size
// StreamEncryptFileToSink will produce for a plaintext of size
// plaintextSize, without reading the plaintext. This is the pure function
// of plaintext length referenced in spec §4.1 for
// buildFullStreamingFromPlaintext's size pre-computation.
func EncryptedContentSizeStreaming(plaintextSize int64) int64 {
	if plaintextSize <= 0 {
		return 1
	}
	fullBlocks := plaintextSize / streamBlockSize
	remainder := plaintextSize % streamBlockSize
	total := int64(1) // format marker
	total += fullBlocks * (streamBlockSize + frameOverhead)
	if remainder > 0 {
		total += remainder + frameOverhead
	}
	return total
}

// decryptChunkedBuffer decrypts an in-memory chunked-format ciphertext
// (the format marker byte must already be stripped by the caller).
func (c XChaChaCipher) decryptChunkedBuffer(key ShareKey, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.AddContext(err, "could not construct aead")
	}
	var out []byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, errors.New("truncated frame length prefix")
		}
		frameLen := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(frameLen) > uint64(len(data)) {
			return nil, errors.New("frame length exceeds remaining buffer")
		}
		frame := data[:frameLen]
		data = data[frameLen:]
		pt, err := DecryptWithNonce(frame, aead)
		if err != nil {
			return nil, err
		}
		out = append(out, pt...)
	}
	return out, nil
}

// StreamDecryptSinkToFile decrypts a chunked-format stream read from src
// (including its leading format marker) and writes the plaintext to dst,
// bounding peak memory to one frame.
func StreamDecryptSinkToFile(src io.Reader, key ShareKey, dst io.Writer) error {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return errors.AddContext(err, "could not construct aead")
	}
	var marker [1]byte
	if _, err := io.ReadFull(src, marker[:]); err != nil {
		return errors.AddContext(err, "could not read format marker")
	}
	if formatMarker(marker[0]) != formatChunked {
		return errors.New("source is not in chunked format")
	}
	for {
		var lenPrefix [4]byte
		_, err := io.ReadFull(src, lenPrefix[:])
		if errors.Contains(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.AddContext(err, "could not read frame length")
		}
		frameLen := binary.LittleEndian.Uint32(lenPrefix[:])
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(src, frame); err != nil {
			return errors.AddContext(err, "could not read frame")
		}
		pt, err := DecryptWithNonce(frame, aead)
		if err != nil {
			return err
		}
		if _, err := dst.Write(pt); err != nil {
			return errors.AddContext(err, "could not write decrypted plaintext")
		}
	}
}
