package crypto

import (
	"bytes"
	"testing"

	"github.com/uplo-tech/fastrand"
)

func TestXChaChaCipherRoundTrip(t *testing.T) {
	c := NewXChaChaCipher()
	key := ShareKey(fastrand.Bytes(ShareKeySize))

	plaintext := fastrand.Bytes(4096)
	ct, err := c.Encrypt(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := c.Decrypt(key, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatal("decrypted plaintext does not match original")
	}

	// DecryptStaged must also handle the single-shot envelope.
	pt2, err := c.DecryptStaged(key, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt2, plaintext) {
		t.Fatal("DecryptStaged mismatch on single-shot envelope")
	}

	// Wrong key must fail closed.
	wrongKey := ShareKey(fastrand.Bytes(ShareKeySize))
	if _, err := c.Decrypt(wrongKey, ct); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestEncryptedContentSize(t *testing.T) {
	c := NewXChaChaCipher()
	for _, size := range []int64{0, 1, 100, 4096} {
		ct, err := c.Encrypt(ShareKey(fastrand.Bytes(ShareKeySize)), make([]byte, size))
		if err != nil {
			t.Fatal(err)
		}
		if int64(len(ct)) != c.EncryptedContentSize(size) {
			t.Errorf("size %d: EncryptedContentSize()=%d actual=%d", size, c.EncryptedContentSize(size), len(ct))
		}
	}
}

func TestStreamEncryptDecryptRoundTrip(t *testing.T) {
	key := ShareKey(fastrand.Bytes(ShareKeySize))
	for _, size := range []int{0, 100, streamBlockSize, streamBlockSize + 1, streamBlockSize*3 + 17} {
		plaintext := fastrand.Bytes(size)
		var sink bytes.Buffer
		if err := StreamEncryptFileToSink(bytes.NewReader(plaintext), key, &sink); err != nil {
			t.Fatal(err)
		}
		if int64(sink.Len()) != EncryptedContentSizeStreaming(int64(size)) {
			t.Errorf("size %d: EncryptedContentSizeStreaming=%d actual=%d", size, EncryptedContentSizeStreaming(int64(size)), sink.Len())
		}

		var out bytes.Buffer
		if err := StreamDecryptSinkToFile(bytes.NewReader(sink.Bytes()), key, &out); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out.Bytes(), plaintext) {
			t.Fatalf("size %d: round trip mismatch", size)
		}

		// DecryptStaged must also handle the chunked envelope.
		c := NewXChaChaCipher()
		staged, err := c.DecryptStaged(key, sink.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(staged, plaintext) {
			t.Fatalf("size %d: DecryptStaged mismatch on chunked envelope", size)
		}
	}
}

func TestNormalizePhrase(t *testing.T) {
	cases := map[string]string{
		"  Hello   World  ": "hello world",
		"ALREADY lower":     "already lower",
		"one":               "one",
		"":                  "",
	}
	for in, want := range cases {
		if got := NormalizePhrase(in); got != want {
			t.Errorf("NormalizePhrase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDeriveShareKeyDeterministic(t *testing.T) {
	phrase := "correct horse battery staple"
	k1 := DeriveShareKey(phrase)
	k2 := DeriveShareKey("  Correct Horse   BATTERY staple ")
	if k1 != k2 {
		t.Fatal("DeriveShareKey should be invariant to normalization-equivalent phrases")
	}

	v1 := DeriveShareKeyVariant(phrase, KDFv1)
	v2 := DeriveShareKeyVariant(phrase, KDFv2)
	if v1 == v2 {
		t.Fatal("v1 and v2 derivations should differ (different salts)")
	}
}

func TestPhraseVaultIDDeterministic(t *testing.T) {
	a := PhraseVaultID("my share phrase")
	b := PhraseVaultID("My Share   Phrase")
	if a != b {
		t.Fatal("PhraseVaultID should be invariant to normalization-equivalent phrases")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars (16 bytes), got %d", len(a))
	}
}

func TestGenerateUUIDsAreUnique(t *testing.T) {
	a := GenerateShareVaultID()
	b := GenerateVaultFileID()
	if a == b {
		t.Fatal("expected distinct UUIDs")
	}
	if len(a) != 36 || len(b) != 36 {
		t.Fatal("expected canonical UUID string length")
	}
}
