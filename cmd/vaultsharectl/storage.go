package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/uplo-tech/vaultshare/crypto"
	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/types"
	"github.com/uplo-tech/vaultshare/vault"
)

// activeVaultKey holds the master key for the vault this process is
// operating on, set once at startup from the user's passphrase (see
// main.go). The CLI is a single-session, single-vault tool, so unlike the
// engines it does not thread a vaultKey through every call.
var activeVaultKey vault.MasterKey

// localVaultStorage is a disk-backed vault.Storage for this CLI: an
// encrypted index.json alongside one encrypted blob per file under
// files/, grounded the same way uploadengine's own staging directories
// are laid out (a data directory holding one JSON index plus sibling
// content files). It exists so the command-line tool has a real,
// exercisable vault to drive the engines against, the same role
// remote/localstore plays for the remote side in local-dev mode.
type localVaultStorage struct {
	mu      sync.Mutex
	baseDir string
	cipher  crypto.ShareCipher
}

const (
	indexStateHeader  = "Vaultshare CLI Index"
	indexStateVersion = "1"
)

var indexStateMetadata = persist.Metadata{Header: indexStateHeader, Version: indexStateVersion}

func newLocalVaultStorage(baseDir string, cipher crypto.ShareCipher) *localVaultStorage {
	return &localVaultStorage{baseDir: baseDir, cipher: cipher}
}

func (s *localVaultStorage) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *localVaultStorage) filePath(id types.VaultFileID) string {
	return filepath.Join(s.baseDir, "files", string(id)+".bin")
}

// indexEnvelope is the plaintext shape persisted to disk; the file itself
// is encrypted as a whole under the vault's master key, so no field here
// needs its own per-field encryption.
type indexEnvelope struct {
	Index vault.Index
}

func (s *localVaultStorage) LoadIndex(ctx context.Context, vaultKey vault.MasterKey) (vault.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return vault.Index{}, nil
	}
	if err != nil {
		return vault.Index{}, errors.AddContext(err, "could not read vault index")
	}
	plain, err := s.cipher.DecryptStaged(crypto.ShareKey(vaultKey), encrypted)
	if err != nil {
		return vault.Index{}, errors.AddContext(err, "could not decrypt vault index")
	}
	var env indexEnvelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return vault.Index{}, errors.AddContext(err, "could not parse vault index")
	}
	return env.Index, nil
}

func (s *localVaultStorage) SaveIndex(ctx context.Context, idx vault.Index, vaultKey vault.MasterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := jsonMarshal(indexEnvelope{Index: idx})
	if err != nil {
		return errors.AddContext(err, "could not marshal vault index")
	}
	encrypted, err := s.cipher.Encrypt(crypto.ShareKey(vaultKey), plain)
	if err != nil {
		return errors.AddContext(err, "could not encrypt vault index")
	}
	if err := os.MkdirAll(s.baseDir, 0700); err != nil {
		return errors.AddContext(err, "could not create vault data directory")
	}
	tmp := s.indexPath() + "_temp_" + persist.RandomSuffix()
	if err := os.WriteFile(tmp, encrypted, 0600); err != nil {
		return errors.AddContext(err, "could not write vault index")
	}
	return os.Rename(tmp, s.indexPath())
}

func (s *localVaultStorage) RetrieveFileToTempURL(ctx context.Context, id types.VaultFileID, vaultKey vault.MasterKey) (vault.FileHeader, string, error) {
	hdr, content, err := s.retrieveFileContentByID(ctx, id, vaultKey)
	if err != nil {
		return vault.FileHeader{}, "", err
	}
	tmp, err := os.CreateTemp("", "vaultsharectl_*")
	if err != nil {
		return vault.FileHeader{}, "", errors.AddContext(err, "could not create temp file")
	}
	defer tmp.Close()
	if _, err := tmp.Write(content); err != nil {
		return vault.FileHeader{}, "", errors.AddContext(err, "could not write temp file")
	}
	return hdr, tmp.Name(), nil
}

func (s *localVaultStorage) RetrieveFileContent(ctx context.Context, entry vault.IndexFile, vaultKey vault.MasterKey) (vault.FileHeader, []byte, error) {
	return s.retrieveFileContentByID(ctx, entry.ID, vaultKey)
}

func (s *localVaultStorage) retrieveFileContentByID(ctx context.Context, id types.VaultFileID, vaultKey vault.MasterKey) (vault.FileHeader, []byte, error) {
	idx, err := s.LoadIndex(ctx, vaultKey)
	if err != nil {
		return vault.FileHeader{}, nil, err
	}
	var hdr vault.FileHeader
	found := false
	for _, f := range idx.Files {
		if f.ID == id {
			hdr = f.FileHeader
			found = true
			break
		}
	}
	if !found {
		return vault.FileHeader{}, nil, errors.New("file not found in vault index")
	}
	encrypted, err := os.ReadFile(s.filePath(id))
	if err != nil {
		return vault.FileHeader{}, nil, errors.AddContext(err, "could not read file content")
	}
	content, err := s.cipher.DecryptStaged(crypto.ShareKey(vaultKey), encrypted)
	if err != nil {
		return vault.FileHeader{}, nil, errors.AddContext(err, "could not decrypt file content")
	}
	return hdr, content, nil
}

func (s *localVaultStorage) StoreFile(ctx context.Context, params vault.StoreFileParams) error {
	encrypted, err := s.cipher.Encrypt(s.lastVaultKeyForStore(), params.DecryptedContent)
	if err != nil {
		return errors.AddContext(err, "could not encrypt file content")
	}
	return s.commitStoredFile(ctx, params.ID, params.Filename, params.MimeType, params.OriginalSize, params.CreatedAt, params.Duration, params.DecryptedThumbnail, encrypted)
}

func (s *localVaultStorage) StoreFileFromURL(ctx context.Context, params vault.StoreFileFromURLParams) error {
	plain, err := os.ReadFile(params.DecryptedContentURL)
	if err != nil {
		return errors.AddContext(err, "could not read staged decrypted content")
	}
	encrypted, err := s.cipher.Encrypt(s.lastVaultKeyForStore(), plain)
	if err != nil {
		return errors.AddContext(err, "could not encrypt file content")
	}
	return s.commitStoredFile(ctx, params.ID, params.Filename, params.MimeType, params.OriginalSize, params.CreatedAt, params.Duration, params.DecryptedThumbnail, encrypted)
}

// lastVaultKeyForStore is not a real vault key -- the Storage interface's
// StoreFile/StoreFileFromURL intentionally carry no vaultKey parameter
// (spec §6), since the import/sync flows that call them already hold one
// from their own Begin/Resume call. This CLI's single-session model keeps
// the active vault key set once at startup instead.
func (s *localVaultStorage) lastVaultKeyForStore() crypto.ShareKey {
	return crypto.ShareKey(activeVaultKey)
}

func (s *localVaultStorage) commitStoredFile(ctx context.Context, id types.VaultFileID, filename, mimeType string, size uint32, createdAt time.Time, duration *float64, thumb, encryptedContent []byte) error {
	s.mu.Lock()
	if err := os.MkdirAll(filepath.Join(s.baseDir, "files"), 0700); err != nil {
		s.mu.Unlock()
		return errors.AddContext(err, "could not create files directory")
	}
	path := s.filePath(id)
	s.mu.Unlock()

	if err := os.WriteFile(path, encryptedContent, 0600); err != nil {
		return errors.AddContext(err, "could not write file content")
	}

	idx, err := s.LoadIndex(ctx, activeVaultKey)
	if err != nil {
		return err
	}
	idx.Files = append(idx.Files, vault.IndexFile{FileHeader: vault.FileHeader{
		ID:                 id,
		Filename:           filename,
		MimeType:           mimeType,
		OriginalSize:       size,
		CreatedAt:          createdAt,
		Duration:           duration,
		DecryptedThumbnail: thumb,
	}})
	return s.SaveIndex(ctx, idx, activeVaultKey)
}

var _ vault.Storage = (*localVaultStorage)(nil)

func newVaultFileID() types.VaultFileID {
	return types.VaultFileID(crypto.GenerateVaultFileID())
}

func readFileForUpload(path string) ([]byte, error) {
	b := make([]byte, 0, 4096)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			b = append(b, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}
