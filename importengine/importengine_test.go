package importengine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/uplo-tech/vaultshare/crypto"
	"github.com/uplo-tech/vaultshare/events"
	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/remote/localstore"
	"github.com/uplo-tech/vaultshare/svdf"
	"github.com/uplo-tech/vaultshare/types"
	"github.com/uplo-tech/vaultshare/uploadengine"
	"github.com/uplo-tech/vaultshare/vault"
)

// fakeStorage is the same in-memory vault.Storage fixture shape
// uploadengine's tests use, duplicated here since the two packages'
// _test.go files can't share unexported test helpers across packages.
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
			MimeType:     "text/plain",
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

func vaultKeyWithByte(b byte) vault.MasterKey {
	var k vault.MasterKey
	k[0] = b
	return k
}

func openLocalstore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.New(filepath.Join(t.TempDir(), "localstore.db"))
	if err != nil {
		t.Fatalf("could not open localstore: %v", err)
	}
	return store
}

// uploadShareForTest drives a real uploadengine run to completion against
// store, so the import tests exercise a genuine SVDF container rather than
// a hand-built fixture.
func uploadShareForTest(t *testing.T, store *localstore.Store, owner *fakeStorage, ownerKey vault.MasterKey, phrase string, policy types.SharePolicy) {
	t.Helper()
	upEng := uploadengine.NewEngine(uploadengine.Deps{
		Storage:  owner,
		Platform: vault.NoopPlatform{},
		Remote:   store,
		DataDir:  t.TempDir(),
		Bus:      &events.Bus{},
		Cipher:   crypto.NewXChaChaCipher(),
	})
	defer upEng.Close()

	jobID, err := upEng.StartUpload(context.Background(), ownerKey, phrase, policy)
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := upEng.Status(jobID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("upload job %s did not complete in time", jobID)
}

func newTestImportEngine(t *testing.T, store *localstore.Store, recipient *fakeStorage) (*Engine, string) {
	t.Helper()
	dataDir := t.TempDir()
	eng := NewEngine(Deps{
		Storage:  recipient,
		Platform: vault.NoopPlatform{},
		Remote:   store,
		DataDir:  dataDir,
		Bus:      &events.Bus{},
		Cipher:   crypto.NewXChaChaCipher(),
	})
	return eng, dataDir
}

func waitImportDone(t *testing.T, eng *Engine, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, status, running := eng.Status()
		if !running {
			return
		}
		if status == StatusFailed {
			st, _, _ := eng.Status()
			t.Fatalf("import failed: %s", st.DownloadError)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("import did not complete in time")
}

// TestImportHappyPath exercises a full round trip (spec §8 round-trip
// property): a vault uploads a share, a second vault imports it by
// phrase, and recovers byte-identical content plus the share's policy.
func TestImportHappyPath(t *testing.T) {
	store := openLocalstore(t)
	defer store.Close()

	owner := newFakeStorage()
	owner.addFile("aaaaaaaa-0000-4000-8000-000000000001", "notes.txt", []byte("hello from the owner's vault"))

	phrase := "correct horse battery staple import"
	policy := types.SharePolicy{AllowDownloads: true, AllowScreenshots: false}
	uploadShareForTest(t, store, owner, vaultKeyWithByte(1), phrase, policy)

	recipient := newFakeStorage()
	impEng, dataDir := newTestImportEngine(t, store, recipient)
	defer impEng.Close()

	recipientKey := vaultKeyWithByte(2)
	if err := impEng.StartImport(context.Background(), recipientKey, phrase); err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	waitImportDone(t, impEng, 5*time.Second)

	recipient.mu.Lock()
	defer recipient.mu.Unlock()
	if len(recipient.idx.Files) != 1 {
		t.Fatalf("expected 1 imported file, got %d", len(recipient.idx.Files))
	}
	got := recipient.content[recipient.idx.Files[0].ID]
	if !bytes.Equal(got, []byte("hello from the owner's vault")) {
		t.Fatalf("imported content mismatch: got %q", got)
	}
	if recipient.idx.ImportedPolicy == nil || !recipient.idx.ImportedPolicy.AllowDownloads {
		t.Fatalf("expected imported policy to be bound on the recipient vault")
	}
	if recipient.idx.SharedVaultVersion != 1 {
		t.Fatalf("expected sharedVaultVersion bumped once, got %d", recipient.idx.SharedVaultVersion)
	}
	if _, err := os.Stat(importStatePath(dataDir)); !os.IsNotExist(err) {
		t.Fatalf("expected pending import state removed after completion, stat err = %v", err)
	}
}

// TestImportSkipsAlreadyImportedFiles exercises per-file idempotency
// (spec §4.7 "importing an id already in importedFileIds is skipped"):
// resuming with one file already recorded as imported must not
// re-deliver it to storage.
func TestImportSkipsAlreadyImportedFiles(t *testing.T) {
	store := openLocalstore(t)
	defer store.Close()

	owner := newFakeStorage()
	owner.addFile("aaaaaaaa-0000-4000-8000-000000000001", "a.txt", []byte("aaaa"))
	owner.addFile("aaaaaaaa-0000-4000-8000-000000000002", "b.txt", []byte("bbbb"))

	phrase := "resume test phrase"
	uploadShareForTest(t, store, owner, vaultKeyWithByte(3), phrase, types.SharePolicy{})

	recipient := newFakeStorage()
	impEng, _ := newTestImportEngine(t, store, recipient)
	defer impEng.Close()
	recipientKey := vaultKeyWithByte(4)

	wal, err := persist.NewJSONWAL(importWalPath(impEng.deps.DataDir), importStatePath(impEng.deps.DataDir))
	if err != nil {
		t.Fatalf("could not open import wal: %v", err)
	}
	ih := &importHandle{wal: wal, status: StatusDownloading}

	ctx := context.Background()
	shareKey, err := impEng.download(ctx, ih, recipientKey, phrase)
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	// Simulate a prior run that imported the first file already.
	if len(ih.snapshot().ImportedFileIDs) != 0 {
		t.Fatalf("expected a fresh download to start with no imported files")
	}
	h, err := svdf.ParseHeaderFile(importDataPath(impEng.deps.DataDir))
	if err != nil {
		t.Fatalf("ParseHeaderFile: %v", err)
	}
	rawEntries, _, err := svdf.ParseManifestFile(impEng.deps.Cipher, shareKey, importDataPath(impEng.deps.DataDir), h)
	if err != nil {
		t.Fatalf("could not enumerate staged entries: %v", err)
	}
	entries := svdf.ActiveEntries(rawEntries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 active entries, got %d", len(entries))
	}
	ih.mu.Lock()
	ih.state.ImportedFileIDs = []string{entries[0].ID}
	ih.mu.Unlock()
	if err := ih.persistImmediate(); err != nil {
		t.Fatalf("persistImmediate: %v", err)
	}

	if err := impEng.runFromStaged(ctx, ih, recipientKey, shareKey); err != nil {
		t.Fatalf("runFromStaged: %v", err)
	}

	recipient.mu.Lock()
	defer recipient.mu.Unlock()
	if len(recipient.idx.Files) != 1 {
		t.Fatalf("expected only the not-yet-imported file to be stored, got %d files", len(recipient.idx.Files))
	}
	if recipient.idx.Files[0].ID == types.VaultFileID(entries[0].ID) {
		t.Fatalf("already-imported entry was re-delivered to storage")
	}
}

// TestCancelRemovesPendingImportState mirrors uploadengine's cancel test:
// cancelling an in-flight import must leave no pending_uploads state
// behind, and must never touch the remote manifest (spec §5 "cancel(jobId)
// ... import's cancel must not delete the remote share").
func TestCancelRemovesPendingImportState(t *testing.T) {
	store := openLocalstore(t)
	defer store.Close()

	owner := newFakeStorage()
	owner.addFile("aaaaaaaa-0000-4000-8000-000000000001", "a.bin", make([]byte, 4096))
	phrase := "cancel me please"
	uploadShareForTest(t, store, owner, vaultKeyWithByte(5), phrase, types.SharePolicy{})

	recipient := newFakeStorage()
	impEng, dataDir := newTestImportEngine(t, store, recipient)
	defer impEng.Close()

	if err := impEng.StartImport(context.Background(), vaultKeyWithByte(6), phrase); err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	if err := impEng.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := os.Stat(importStatePath(dataDir)); !os.IsNotExist(err) {
		t.Fatalf("expected pending import state removed after cancel, stat err = %v", err)
	}

	manifest, err := store.GetManifestByPhraseVaultID(context.Background(), crypto.PhraseVaultID(phrase))
	if err != nil {
		t.Fatalf("expected manifest to still exist after cancel: %v", err)
	}
	if manifest.Revoked {
		t.Fatalf("import cancel must never revoke the remote share")
	}
}

func TestResolveShareKeyFallsBackToKDFv1(t *testing.T) {
	cipher := crypto.NewXChaChaCipher()
	phrase := "legacy phrase for v1 fallback"
	legacyKey := crypto.DeriveShareKeyVariant(phrase, crypto.KDFv1)
	encryptedPolicy, err := cipher.Encrypt(legacyKey, []byte(`{"allowDownloads":true}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	key, policyJSON, err := resolveShareKey(cipher, phrase, encryptedPolicy)
	if err != nil {
		t.Fatalf("resolveShareKey: %v", err)
	}
	if key != legacyKey {
		t.Fatalf("resolveShareKey did not recover the v1 key")
	}
	if string(policyJSON) != `{"allowDownloads":true}` {
		t.Fatalf("unexpected recovered policy bytes: %s", policyJSON)
	}
}

func TestIsDiskFull(t *testing.T) {
	if isDiskFull(nil) {
		t.Fatalf("nil error must not be reported as disk full")
	}
	if isDiskFull(os.ErrNotExist) {
		t.Fatalf("unrelated error must not be reported as disk full")
	}
}
