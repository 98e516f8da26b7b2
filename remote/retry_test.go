package remote

import (
	"context"
	"testing"
	"time"
)

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	origSleep := sleepFunc
	defer func() { sleepFunc = origSleep }()
	sleepFunc = func(ctx context.Context, d time.Duration) error { return nil }

	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &Error{Code: CodeNetworkFailure}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoGivesUpAfterBudget(t *testing.T) {
	origSleep := sleepFunc
	defer func() { sleepFunc = origSleep }()
	sleepFunc = func(ctx context.Context, d time.Duration) error { return nil }

	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &Error{Code: CodeServiceUnavailable}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retry budget")
	}
	if attempts != MaxRetryAttempts+1 {
		t.Fatalf("expected %d attempts, got %d", MaxRetryAttempts+1, attempts)
	}
}

func TestDoDoesNotRetryNonTransient(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &Error{Code: CodeOther}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error should not be retried, got %d attempts", attempts)
	}
}

type fakeManifestClient struct {
	saveCalls int
	server    SharedVaultRecord
}

func (f *fakeManifestClient) SaveManifest(ctx context.Context, record SharedVaultRecord) (SharedVaultRecord, error) {
	f.saveCalls++
	if f.saveCalls == 1 {
		return SharedVaultRecord{}, &Error{Code: CodeRecordChanged}
	}
	if record.ChangeTag != f.server.ChangeTag {
		return SharedVaultRecord{}, &Error{Code: CodeRecordChanged}
	}
	record.ChangeTag = "saved"
	f.server = record
	return record, nil
}

func (f *fakeManifestClient) GetManifestByPhraseVaultID(ctx context.Context, phraseVaultID string) (SharedVaultRecord, error) {
	f.server.ChangeTag = "server-v2"
	return f.server, nil
}
func (f *fakeManifestClient) GetManifestByShareVaultID(ctx context.Context, shareVaultID string) (SharedVaultRecord, error) {
	return SharedVaultRecord{}, nil
}
func (f *fakeManifestClient) DeleteManifest(ctx context.Context, shareVaultID string) error {
	return nil
}
func (f *fakeManifestClient) ConsumedStatusByShareVaultIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return nil, nil
}
func (f *fakeManifestClient) SaveChunk(ctx context.Context, shareVaultID string, chunk SharedVaultChunkRecord) error {
	return nil
}
func (f *fakeManifestClient) GetChunk(ctx context.Context, shareVaultID string, index int) (SharedVaultChunkRecord, error) {
	return SharedVaultChunkRecord{}, nil
}
func (f *fakeManifestClient) DeleteChunk(ctx context.Context, shareVaultID string, index int) error {
	return nil
}
func (f *fakeManifestClient) ListChunkIndices(ctx context.Context, shareVaultID string) (map[int]bool, error) {
	return nil, nil
}
func (f *fakeManifestClient) DeleteAllChunks(ctx context.Context, shareVaultID string) error {
	return nil
}

func TestSaveManifestWithRetryMergesOnConflict(t *testing.T) {
	origSleep := sleepFunc
	defer func() { sleepFunc = origSleep }()
	sleepFunc = func(ctx context.Context, d time.Duration) error { return nil }

	client := &fakeManifestClient{server: SharedVaultRecord{PhraseVaultID: "p1", ChangeTag: "server-v2"}}
	rec := SharedVaultRecord{PhraseVaultID: "p1", ShareVaultID: "s1", ChunkCount: 3}
	saved, err := SaveManifestWithRetry(context.Background(), client, rec)
	if err != nil {
		t.Fatalf("expected success after merge-retry, got %v", err)
	}
	if saved.ChunkCount != 3 {
		t.Fatalf("merged record lost local field: %+v", saved)
	}
	if client.saveCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d save calls", client.saveCalls)
	}
}

var _ Client = (*fakeManifestClient)(nil)
