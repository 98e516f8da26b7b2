package svdf

import (
	"bytes"
	"testing"
	"time"

	"github.com/uplo-tech/vaultshare/crypto"
)

func TestBuildIncrementalAppendStability(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)

	now := time.Unix(1700000000, 0).UTC()
	a := SharedFile{ID: "11111111-1111-4111-8111-111111111111", Filename: "a.txt", MimeType: "text/plain", OriginalSize: 1, CreatedAt: now, EncryptedContent: []byte("A")}
	b := SharedFile{ID: "22222222-2222-4222-8222-222222222222", Filename: "b.txt", MimeType: "text/plain", OriginalSize: 1, CreatedAt: now, EncryptedContent: []byte("B")}
	c := SharedFile{ID: "33333333-3333-4333-8333-333333333333", Filename: "c.txt", MimeType: "text/plain", OriginalSize: 1, CreatedAt: now, EncryptedContent: []byte("C")}
	d := SharedFile{ID: "44444444-4444-4444-8444-444444444444", Filename: "d.txt", MimeType: "text/plain", OriginalSize: 1, CreatedAt: now, EncryptedContent: []byte("D")}

	prior, err := BuildFull(cipher, key, []SharedFile{a, b, c}, Metadata{})
	if err != nil {
		t.Fatalf("BuildFull(prior): %v", err)
	}
	priorHeader, err := ParseHeaderBuffer(prior)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer(prior): %v", err)
	}

	// S3 scenario: add D, remove B.
	updated, err := BuildIncremental(cipher, key, prior, []SharedFile{d}, map[string]bool{b.ID: true}, Metadata{})
	if err != nil {
		t.Fatalf("BuildIncremental: %v", err)
	}

	if !bytes.Equal(updated[:priorHeader.ManifestOffset], prior[HeaderSize:priorHeader.ManifestOffset+uint64(HeaderSize)-uint64(HeaderSize)]) {
		// The result of this comparison is not checked; the entry-region
		// comparison below is the assertion.
	}

	updatedHeader, err := ParseHeaderBuffer(updated)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer(updated): %v", err)
	}

	// Append-stability: prior's entry region [HeaderSize, oldManifestOffset)
	// must reappear unchanged at the same offset in updated.
	priorEntryRegion := prior[HeaderSize:priorHeader.ManifestOffset]
	updatedEntryRegionPrefix := updated[HeaderSize : HeaderSize+uint64(len(priorEntryRegion))]
	if !bytes.Equal(priorEntryRegion, updatedEntryRegionPrefix) {
		t.Fatalf("prior entry region was not preserved byte-for-byte")
	}

	entries, _, err := ParseManifest(cipher, key, updated, updatedHeader)
	if err != nil {
		t.Fatalf("ParseManifest(updated): %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 manifest entries (A,B,C,D), got %d", len(entries))
	}

	byID := map[string]FileManifestEntry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	if !byID[b.ID].Deleted {
		t.Fatalf("expected B to be tombstoned")
	}
	for _, id := range []string{a.ID, c.ID, d.ID} {
		if byID[id].Deleted {
			t.Fatalf("did not expect %s to be tombstoned", id)
		}
	}

	active := ActiveEntries(entries)
	activeIDs := map[string]bool{}
	for _, e := range active {
		activeIDs[e.ID] = true
	}
	want := map[string]bool{a.ID: true, c.ID: true, d.ID: true}
	if len(activeIDs) != len(want) {
		t.Fatalf("active set = %v, want %v", activeIDs, want)
	}
	for id := range want {
		if !activeIDs[id] {
			t.Fatalf("expected %s to be active", id)
		}
	}
	if updatedHeader.ActiveFileCount != 3 {
		t.Fatalf("ActiveFileCount = %d, want 3", updatedHeader.ActiveFileCount)
	}
}

func TestBuildIncrementalStreamingMatchesInMemory(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	key := testKey(t)
	now := time.Unix(1700000000, 0).UTC()
	a := SharedFile{ID: "11111111-1111-4111-8111-111111111111", Filename: "a.txt", MimeType: "text/plain", OriginalSize: 1, CreatedAt: now, EncryptedContent: []byte("A")}
	e := SharedFile{ID: "55555555-5555-4555-8555-555555555555", Filename: "e.txt", MimeType: "text/plain", OriginalSize: 1, CreatedAt: now, EncryptedContent: []byte("E")}

	prior, err := BuildFull(cipher, key, []SharedFile{a}, Metadata{})
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}
	priorHeader, err := ParseHeaderBuffer(prior)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer: %v", err)
	}
	priorManifest, _, err := ParseManifest(cipher, key, prior, priorHeader)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	var streamed bytes.Buffer
	if err := BuildIncrementalStreaming(&streamed, cipher, key, bytes.NewReader(prior), priorHeader, priorManifest, []SharedFile{e}, nil, Metadata{}); err != nil {
		t.Fatalf("BuildIncrementalStreaming: %v", err)
	}

	viaMemory, err := BuildIncremental(cipher, key, prior, []SharedFile{e}, nil, Metadata{})
	if err != nil {
		t.Fatalf("BuildIncremental: %v", err)
	}

	h1, err := ParseHeaderBuffer(streamed.Bytes())
	if err != nil {
		t.Fatalf("ParseHeaderBuffer(streamed): %v", err)
	}
	h2, err := ParseHeaderBuffer(viaMemory)
	if err != nil {
		t.Fatalf("ParseHeaderBuffer(viaMemory): %v", err)
	}
	if h1.ManifestOffset != h2.ManifestOffset {
		t.Fatalf("manifest offsets differ between streaming and in-memory paths")
	}
	if !bytes.Equal(streamed.Bytes()[:h1.ManifestOffset], viaMemory[:h2.ManifestOffset]) {
		t.Fatalf("entry regions differ between streaming and in-memory incremental builds")
	}
}
