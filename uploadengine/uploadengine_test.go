package uploadengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/uplo-tech/vaultshare/crypto"
	"github.com/uplo-tech/vaultshare/events"
	"github.com/uplo-tech/vaultshare/remote/localstore"
	"github.com/uplo-tech/vaultshare/types"
	"github.com/uplo-tech/vaultshare/vault"
)

// fakeStorage is an in-memory vault.Storage fixture, keyed by the test's
// single vault master key.
type fakeStorage struct {
	mu      sync.Mutex
	idx     vault.Index
	content map[types.VaultFileID][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{content: make(map[types.VaultFileID][]byte)}
}

func (s *fakeStorage) addFile(id types.VaultFileID, name string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[id] = content
	s.idx.Files = append(s.idx.Files, vault.IndexFile{
		FileHeader: vault.FileHeader{
			ID:           id,
			Filename:     name,
			MimeType:     "application/octet-stream",
			OriginalSize: uint32(len(content)),
			CreatedAt:    time.Now(),
		},
	})
}

func (s *fakeStorage) LoadIndex(ctx context.Context, vaultKey vault.MasterKey) (vault.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx, nil
}

func (s *fakeStorage) SaveIndex(ctx context.Context, idx vault.Index, vaultKey vault.MasterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = idx
	return nil
}

func (s *fakeStorage) RetrieveFileToTempURL(ctx context.Context, id types.VaultFileID, vaultKey vault.MasterKey) (vault.FileHeader, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hdr vault.FileHeader
	for _, f := range s.idx.Files {
		if f.ID == id {
			hdr = f.FileHeader
			break
		}
	}
	tmp, err := os.CreateTemp("", "fakevault_*")
	if err != nil {
		return vault.FileHeader{}, "", err
	}
	defer tmp.Close()
	if _, err := tmp.Write(s.content[id]); err != nil {
		return vault.FileHeader{}, "", err
	}
	return hdr, tmp.Name(), nil
}

func (s *fakeStorage) RetrieveFileContent(ctx context.Context, entry vault.IndexFile, vaultKey vault.MasterKey) (vault.FileHeader, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entry.FileHeader, s.content[entry.ID], nil
}

func (s *fakeStorage) StoreFile(ctx context.Context, params vault.StoreFileParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[params.ID] = params.DecryptedContent
	s.idx.Files = append(s.idx.Files, vault.IndexFile{FileHeader: vault.FileHeader{
		ID: params.ID, Filename: params.Filename, MimeType: params.MimeType,
		OriginalSize: params.OriginalSize, CreatedAt: params.CreatedAt, Duration: params.Duration,
		DecryptedThumbnail: params.DecryptedThumbnail,
	}})
	return nil
}

func (s *fakeStorage) StoreFileFromURL(ctx context.Context, params vault.StoreFileFromURLParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(params.DecryptedContentURL)
	if err != nil {
		return err
	}
	s.content[params.ID] = data
	s.idx.Files = append(s.idx.Files, vault.IndexFile{FileHeader: vault.FileHeader{
		ID: params.ID, Filename: params.Filename, MimeType: params.MimeType,
		OriginalSize: params.OriginalSize, CreatedAt: params.CreatedAt, Duration: params.Duration,
		DecryptedThumbnail: params.DecryptedThumbnail,
	}})
	return nil
}

var _ vault.Storage = (*fakeStorage)(nil)

func testVaultKey() vault.MasterKey {
	var k vault.MasterKey
	k[0] = 1
	return k
}

func newTestEngine(t *testing.T) (*Engine, *fakeStorage, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "localstore.db")
	store, err := localstore.New(dbPath)
	if err != nil {
		t.Fatalf("could not open localstore: %v", err)
	}
	storage := newFakeStorage()
	eng := NewEngine(Deps{
		Storage:  storage,
		Platform: vault.NoopPlatform{},
		Remote:   store,
		DataDir:  dir,
		Bus:      &events.Bus{},
		Cipher:   crypto.NewXChaChaCipher(),
	})
	cleanup := func() {
		eng.Close()
		store.Close()
	}
	return eng, storage, cleanup
}

func waitForStatus(t *testing.T, eng *Engine, jobID string, want JobStatus, timeout time.Duration) PendingUploadState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, status, ok := eng.Status(jobID)
		if ok && status == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return PendingUploadState{}
}

// TestStartUploadHappyPath exercises a fresh upload (scenario S1): a vault
// with one small file, uploaded end to end with no interruption.
func TestStartUploadHappyPath(t *testing.T) {
	eng, storage, cleanup := newTestEngine(t)
	defer cleanup()

	storage.addFile("aaaaaaaa-0000-4000-8000-000000000001", "photo.png", []byte("hello world"))

	vaultKey := testVaultKey()
	jobID, err := eng.StartUpload(context.Background(), vaultKey, "correct horse battery staple", types.SharePolicy{AllowDownloads: true})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := eng.Status(jobID); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	storage.mu.Lock()
	shares := len(storage.idx.ActiveShares)
	storage.mu.Unlock()
	if shares != 1 {
		t.Fatalf("expected one active share recorded after finalize, got %d", shares)
	}
}

// TestResumeAfterCrashBeforeFinalize simulates an interruption after the
// chunk upload completes but before the vault key is available again
// (scenario S2): the job must persist uploadFinished and resume to
// finalize once a vault key is supplied.
func TestResumeAfterCrashBeforeFinalize(t *testing.T) {
	eng, storage, cleanup := newTestEngine(t)
	defer cleanup()
	storage.addFile("aaaaaaaa-0000-4000-8000-000000000001", "note.txt", []byte("some content to chunk and upload"))

	vaultKey := testVaultKey()
	jobID, err := eng.StartUpload(context.Background(), vaultKey, "another phrase entirely", types.SharePolicy{})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	st := waitForStatus(t, eng, jobID, StatusFinalizing, 2*time.Second)
	if !st.UploadFinished {
		t.Fatalf("expected uploadFinished once finalizing, got state %+v", st)
	}

	if err := eng.Resume(context.Background(), jobID, &vaultKey); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := eng.Status(jobID); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	storage.mu.Lock()
	shares := len(storage.idx.ActiveShares)
	storage.mu.Unlock()
	if shares != 1 {
		t.Fatalf("expected share recorded after resumed finalize, got %d", shares)
	}
}

func TestCancelRemovesPendingDirectory(t *testing.T) {
	eng, storage, cleanup := newTestEngine(t)
	defer cleanup()
	storage.addFile("aaaaaaaa-0000-4000-8000-000000000001", "a.bin", make([]byte, 1024))

	vaultKey := testVaultKey()
	jobID, err := eng.StartUpload(context.Background(), vaultKey, "cancel me", types.SharePolicy{})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	if err := eng.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := os.Stat(jobDir(eng.deps.DataDir, jobID)); !os.IsNotExist(err) {
		t.Fatalf("expected pending upload directory to be removed, stat err = %v", err)
	}
}
