package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/uplo-tech/vaultshare/remote"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remote.db")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetManifestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := remote.SharedVaultRecord{
		ShareVaultID:     "share-1",
		PhraseVaultID:    "phrase-1",
		OwnerFingerprint: "owner-abc",
		ChunkCount:       5,
	}
	saved, err := s.SaveManifest(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ChangeTag == "" {
		t.Fatal("expected a change tag to be assigned")
	}

	got, err := s.GetManifestByPhraseVaultID(ctx, "phrase-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ShareVaultID != "share-1" || got.ChunkCount != 5 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	byShare, err := s.GetManifestByShareVaultID(ctx, "share-1")
	if err != nil {
		t.Fatal(err)
	}
	if byShare.PhraseVaultID != "phrase-1" {
		t.Fatalf("GetManifestByShareVaultID mismatch: %+v", byShare)
	}
}

func TestGetManifestNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetManifestByPhraseVaultID(context.Background(), "nope")
	rerr, ok := err.(*remote.Error)
	if !ok || rerr.Code != remote.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func TestSaveManifestDetectsConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := remote.SharedVaultRecord{ShareVaultID: "s1", PhraseVaultID: "p1"}
	if _, err := s.SaveManifest(ctx, rec); err != nil {
		t.Fatal(err)
	}
	// Saving again with a stale (empty) ChangeTag is fine (first write sets
	// it); but saving with a wrong non-empty tag must conflict.
	rec.ChangeTag = "stale-tag"
	_, err := s.SaveManifest(ctx, rec)
	rerr, ok := err.(*remote.Error)
	if !ok || rerr.Code != remote.CodeRecordChanged {
		t.Fatalf("expected CodeRecordChanged, got %v", err)
	}
}

func TestChunkSaveGetListDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	shareID := "share-xyz"

	for i := 0; i < 3; i++ {
		err := s.SaveChunk(ctx, shareID, remote.SharedVaultChunkRecord{ChunkIndex: i, ChunkData: []byte{byte(i)}})
		if err != nil {
			t.Fatal(err)
		}
	}

	indices, err := s.ListChunkIndices(ctx, shareID)
	if err != nil {
		t.Fatal(err)
	}
	if len(indices) != 3 || !indices[0] || !indices[1] || !indices[2] {
		t.Fatalf("unexpected indices: %+v", indices)
	}

	chunk, err := s.GetChunk(ctx, shareID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk.ChunkData) != 1 || chunk.ChunkData[0] != 1 {
		t.Fatalf("unexpected chunk data: %+v", chunk)
	}

	if err := s.DeleteChunk(ctx, shareID, 1); err != nil {
		t.Fatal(err)
	}
	indices, err = s.ListChunkIndices(ctx, shareID)
	if err != nil {
		t.Fatal(err)
	}
	if len(indices) != 2 || indices[1] {
		t.Fatalf("expected chunk 1 deleted, got %+v", indices)
	}

	if err := s.DeleteAllChunks(ctx, shareID); err != nil {
		t.Fatal(err)
	}
	indices, err = s.ListChunkIndices(ctx, shareID)
	if err != nil {
		t.Fatal(err)
	}
	if len(indices) != 0 {
		t.Fatalf("expected all chunks deleted, got %+v", indices)
	}
}

func TestConsumedStatusByShareVaultIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveManifest(ctx, remote.SharedVaultRecord{ShareVaultID: "a", PhraseVaultID: "pa", Consumed: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveManifest(ctx, remote.SharedVaultRecord{ShareVaultID: "b", PhraseVaultID: "pb", Consumed: false}); err != nil {
		t.Fatal(err)
	}
	status, err := s.ConsumedStatusByShareVaultIDs(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if !status["a"] || status["b"] {
		t.Fatalf("unexpected consumed status map: %+v", status)
	}
	if _, ok := status["missing"]; ok {
		t.Fatalf("missing id should not appear in status map")
	}
}
