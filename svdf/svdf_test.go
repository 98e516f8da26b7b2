package svdf

import (
	"bytes"
	"testing"
	"time"

	"github.com/uplo-tech/vaultshare/crypto"
)

func testKey(t *testing.T) crypto.ShareKey {
	t.Helper()
	return crypto.DeriveShareKey("correct horse battery staple")
}

func sampleFiles() []SharedFile {
	d := 12.5
	now := time.Unix(1700000000, 0).UTC()
	return []SharedFile{
		{
			ID:               "11111111-1111-4111-8111-111111111111",
			Filename:         "a.txt",
			MimeType:         "text/plain",
			OriginalSize:     5,
			CreatedAt:        now,
			EncryptedContent: []byte("abcde"),
		},
		{
			ID:                 "22222222-2222-4222-8222-222222222222",
			Filename:           "movie.mp4",
			MimeType:           "video/mp4",
			OriginalSize:       9,
			CreatedAt:          now.Add(time.Minute),
			Duration:           &d,
			EncryptedThumbnail: []byte("thumb-bytes"),
			EncryptedContent:   []byte("videodata"),
		},
	}
}

func TestBuildFullRoundTrip(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)
	files := sampleFiles()
	meta := Metadata{OwnerFingerprint: cipher.KeyFingerprint(key), SharedAt: time.Unix(1700000001, 0).UTC()}

	container, err := BuildFull(cipher, key, files, meta)
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}

	h, err := ParseHeaderBuffer(container)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer: %v", err)
	}
	if h.Version != Version5 {
		t.Fatalf("expected Version5, got %v", h.Version)
	}
	if h.ActiveFileCount != uint32(len(files)) {
		t.Fatalf("ActiveFileCount = %d, want %d", h.ActiveFileCount, len(files))
	}

	entries, gotMeta, err := ParseManifest(cipher, key, container, h)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(entries) != len(files) {
		t.Fatalf("len(entries) = %d, want %d", len(entries), len(files))
	}
	if gotMeta.OwnerFingerprint != meta.OwnerFingerprint {
		t.Fatalf("metadata mismatch")
	}

	for i, e := range entries {
		f, err := DecodeFileEntryAt(container, e, h.Version)
		if err != nil {
			t.Fatalf("DecodeFileEntryAt(%d): %v", i, err)
		}
		want := files[i]
		if f.ID != want.ID || f.Filename != want.Filename || f.MimeType != want.MimeType {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, f, want)
		}
		if !bytes.Equal(f.EncryptedContent, want.EncryptedContent) {
			t.Fatalf("entry %d content mismatch", i)
		}
		if !bytes.Equal(f.EncryptedThumbnail, want.EncryptedThumbnail) {
			t.Fatalf("entry %d thumbnail mismatch", i)
		}
		if (f.Duration == nil) != (want.Duration == nil) {
			t.Fatalf("entry %d duration presence mismatch", i)
		}
		if f.Duration != nil && *f.Duration != *want.Duration {
			t.Fatalf("entry %d duration mismatch: got %v want %v", i, *f.Duration, *want.Duration)
		}
	}
}

func TestBuildFullAndBuildFullStreamingMatchBeforeManifest(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)
	files := sampleFiles()
	meta := Metadata{OwnerFingerprint: "fp", SharedAt: time.Unix(1700000001, 0).UTC()}

	full, err := BuildFull(cipher, key, files, meta)
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}

	var buf bytes.Buffer
	if err := BuildFullStreaming(&buf, cipher, key, files, meta); err != nil {
		t.Fatalf("BuildFullStreaming: %v", err)
	}

	// The manifest and metadata are sealed with a fresh random nonce each
	// call, so ciphertext bytes legitimately differ between the two
	// encodings; compare everything up to the manifest offset instead,
	// which must be byte-for-byte identical (spec §8 universal invariant).
	h1, err := ParseHeaderBuffer(full)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer(full): %v", err)
	}
	h2, err := ParseHeaderBuffer(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseHeaderBuffer(streaming): %v", err)
	}
	if h1.ManifestOffset != h2.ManifestOffset {
		t.Fatalf("manifest offsets differ: %d vs %d", h1.ManifestOffset, h2.ManifestOffset)
	}
	if !bytes.Equal(full[:h1.ManifestOffset], buf.Bytes()[:h2.ManifestOffset]) {
		t.Fatalf("entry region differs between BuildFull and BuildFullStreaming")
	}
}

func TestIsSVDF(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)
	container, err := BuildFull(cipher, key, sampleFiles(), Metadata{})
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}
	if !IsSVDF(container[:4]) {
		t.Fatalf("expected IsSVDF to recognize a freshly built container")
	}
	if IsSVDF([]byte("bplist00")) {
		t.Fatalf("did not expect IsSVDF to recognize a legacy plist prefix")
	}
	if IsSVDF([]byte{0, 0}) {
		t.Fatalf("did not expect IsSVDF to accept a too-short prefix")
	}
}

func TestParseHeaderRejectsShortAndCorruptHeaders(t *testing.T) {
	if _, err := ParseHeaderBuffer([]byte("short")); err != ErrInvalidHeader {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
	corrupt := make([]byte, HeaderSize)
	copy(corrupt, []byte("XXXX"))
	if _, err := ParseHeaderBuffer(corrupt); err != ErrInvalidMagic {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeFileEntryRejectsOverrunLengths(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)
	files := sampleFiles()
	container, err := BuildFull(cipher, key, files, Metadata{})
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}
	h, err := ParseHeaderBuffer(container)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer: %v", err)
	}
	entries, _, err := ParseManifest(cipher, key, container, h)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	bad := entries[0]
	bad.Size = 2 // too small to contain even the fixed entry header
	if _, err := DecodeFileEntryAt(container, bad, h.Version); err == nil {
		t.Fatalf("expected decode of truncated entry to fail")
	}
}

func TestExtractFileEntryMetadataAndContent(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)
	files := sampleFiles()
	container, err := BuildFull(cipher, key, files, Metadata{})
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}
	h, err := ParseHeaderBuffer(container)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer: %v", err)
	}
	entries, _, err := ParseManifest(cipher, key, container, h)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	source := bytes.NewReader(container)
	for i, e := range entries {
		meta, err := ExtractFileEntryMetadata(source, e.Offset, e.Size, h.Version)
		if err != nil {
			t.Fatalf("ExtractFileEntryMetadata(%d): %v", i, err)
		}
		if meta.ID != files[i].ID {
			t.Fatalf("metadata id mismatch: got %s want %s", meta.ID, files[i].ID)
		}
		var out bytes.Buffer
		if err := ExtractFileContentToSinkChunked(source, meta, &out, 3); err != nil {
			t.Fatalf("ExtractFileContentToSink(%d): %v", i, err)
		}
		if !bytes.Equal(out.Bytes(), files[i].EncryptedContent) {
			t.Fatalf("extracted content mismatch for entry %d: got %q want %q", i, out.Bytes(), files[i].EncryptedContent)
		}
	}
}

func TestBuildFullRejectsOversizedPayload(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)
	big := make([]byte, DefaultInMemoryBudget+1)
	files := []SharedFile{{
		ID:               "33333333-3333-4333-8333-333333333333",
		Filename:         "huge.bin",
		MimeType:         "application/octet-stream",
		OriginalSize:     uint32(len(big)),
		CreatedAt:        time.Unix(0, 0),
		EncryptedContent: big,
	}}
	if _, err := BuildFull(cipher, key, files, Metadata{}); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestOrderIndependentExtraction(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)
	files := sampleFiles()
	container, err := BuildFull(cipher, key, files, Metadata{})
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}
	h, err := ParseHeaderBuffer(container)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer: %v", err)
	}
	entries, _, err := ParseManifest(cipher, key, container, h)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	// Decode in reverse order; the result for each id must be identical to
	// forward-order decoding, since extraction is manifest-driven and
	// entries don't depend on one another.
	forward := map[string]SharedFile{}
	for _, e := range entries {
		f, err := DecodeFileEntryAt(container, e, h.Version)
		if err != nil {
			t.Fatalf("forward decode: %v", err)
		}
		forward[f.ID] = f
	}
	for i := len(entries) - 1; i >= 0; i-- {
		f, err := DecodeFileEntryAt(container, entries[i], h.Version)
		if err != nil {
			t.Fatalf("reverse decode: %v", err)
		}
		if !bytes.Equal(f.EncryptedContent, forward[f.ID].EncryptedContent) {
			t.Fatalf("order-dependent decode mismatch for %s", f.ID)
		}
	}
}
