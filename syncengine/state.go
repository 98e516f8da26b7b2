package syncengine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/svdf"
)

// syncTTL bounds how long a pending_sync/{shareVaultId} directory is
// resumable before the engine discards it rather than resuming it (spec
// §5 "TTL (... 48 h sync ...)").
const syncTTL = 48 * time.Hour

const (
	stateFilename = "state.json"
	walFilename   = "state.wal"
	svdfFilename  = "svdf_data.bin"
	stateHeader   = "Vaultshare Sync State"
	stateVersion  = "1"
)

var stateMetadata = persist.Metadata{Header: stateHeader, Version: stateVersion}

// PendingSyncState is the durable record of one in-flight share sync (spec
// §3): staged once the new container has been built and before any chunk
// is uploaded, so a crash mid-upload can resume straight from the already
// share-key-encrypted staged container without the vault key.
type PendingSyncState struct {
	ShareVaultID        string
	ShareKey            [32]byte
	NewChunkHashes      []string
	PreviousChunkHashes []string
	ManifestSnapshot    []svdf.FileManifestEntry
	SyncedFileIDs       []string
	SyncSequence        int
	VaultKeyFingerprint string
	CreatedAt           time.Time
	UploadFinished      bool
}

// Expired reports whether s has outlived syncTTL (spec §5).
func (s PendingSyncState) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > syncTTL
}

func shareDir(dataDir, shareVaultID string) string {
	return filepath.Join(dataDir, "pending_sync", shareVaultID)
}

func statePath(dataDir, shareVaultID string) string {
	return filepath.Join(shareDir(dataDir, shareVaultID), stateFilename)
}
func walPath(dataDir, shareVaultID string) string {
	return filepath.Join(shareDir(dataDir, shareVaultID), walFilename)
}
func svdfPath(dataDir, shareVaultID string) string {
	return filepath.Join(shareDir(dataDir, shareVaultID), svdfFilename)
}

// loadState reads shareVaultID's persisted pending-sync state directly (no
// WAL replay), used by the resume-scan enumerator.
func loadState(dataDir, shareVaultID string) (PendingSyncState, error) {
	var st PendingSyncState
	if err := persist.LoadJSON(stateMetadata, &st, statePath(dataDir, shareVaultID)); err != nil {
		return PendingSyncState{}, err
	}
	return st, nil
}

// listPendingShareIDs enumerates every pending_sync/{shareVaultId}
// subdirectory carrying both a state.json and a staged svdf_data.bin (spec
// §4.6 "Resume: on startup, enumerate pending_sync/* directories").
func listPendingShareIDs(dataDir string) ([]string, error) {
	root := filepath.Join(dataDir, "pending_sync")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.AddContext(err, "could not list pending sync directories")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), stateFilename)); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), svdfFilename)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

func removeShareDir(dataDir, shareVaultID string) error {
	return os.RemoveAll(shareDir(dataDir, shareVaultID))
}
