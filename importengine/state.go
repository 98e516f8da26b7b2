package importengine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/svdf"
)

// importTTL bounds how long a pending import is resumable before the
// engine discards it rather than resuming it (spec §5 "TTL (... 24 h
// import)").
const importTTL = 24 * time.Hour

// The disk layout here is a single global slot, not one per share (spec
// §6 "pending-state disk layout": "pending_uploads/import_data.bin ...
// import engine uses a different sibling" / "pending_uploads/import_state.json"),
// since a device only ever has one share being imported at a time.
const (
	importStateFilename = "import_state.json"
	importWalFilename    = "import_state.wal"
	importDataFilename   = "import_data.bin"
	importStateHeader    = "Vaultshare Import State"
	importStateVersion   = "1"
)

var importStateMetadata = persist.Metadata{Header: importStateHeader, Version: importStateVersion}

func importDir(dataDir string) string { return filepath.Join(dataDir, "pending_uploads") }

func importStatePath(dataDir string) string {
	return filepath.Join(importDir(dataDir), importStateFilename)
}
func importWalPath(dataDir string) string {
	return filepath.Join(importDir(dataDir), importWalFilename)
}
func importDataPath(dataDir string) string {
	return filepath.Join(importDir(dataDir), importDataFilename)
}

// PendingImportState is the durable record of the one in-flight import
// (spec §4.7): written once the downloaded container has been atomically
// moved into place (step 5), never before, since a crash during download
// itself has nothing worth resuming (the temp file is simply re-fetched).
type PendingImportState struct {
	PhraseVaultID string
	ShareVaultID  string

	// EncryptedShareKey is the share key, encrypted under the vault's own
	// master key, so a resume after an app restart never needs the share
	// phrase re-entered (spec §4.6 design note, mirrored here for import).
	EncryptedShareKey   []byte
	ShareKeyFingerprint string

	// EncryptedPolicy is the share's policy asset exactly as received from
	// the remote manifest, re-used for the pre-claim step without a second
	// fetch.
	EncryptedPolicy []byte

	// IsLegacyFormat is true when the downloaded container was a
	// pre-SVDF single-blob export (spec §4.7 step 4, §9 legacy import
	// open question) rather than an SVDF container.
	IsLegacyFormat   bool
	ContainerVersion svdf.Version

	TotalFiles      int
	ImportedFileIDs []string

	// DownloadError carries the last recoverable per-file error message
	// for UI surfacing (spec §4.7 step 8f); it is not itself fatal.
	DownloadError string

	CreatedAt time.Time
}

// Expired reports whether s has outlived importTTL (spec §5).
func (s PendingImportState) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > importTTL
}

// HasImported reports whether id is already recorded in ImportedFileIDs
// (spec §4.7 "Per-file idempotency").
func (s PendingImportState) HasImported(id string) bool {
	for _, existing := range s.ImportedFileIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// loadState reads the persisted pending-import state directly (no WAL
// replay), used by the resume-scan enumerator and by Status for an import
// not currently running.
func loadState(dataDir string) (PendingImportState, error) {
	var st PendingImportState
	if err := persist.LoadJSON(importStateMetadata, &st, importStatePath(dataDir)); err != nil {
		return PendingImportState{}, err
	}
	return st, nil
}

// hasPendingImport reports whether a pending import directory with both a
// state file and a staged container exists.
func hasPendingImport(dataDir string) bool {
	if _, err := os.Stat(importStatePath(dataDir)); err != nil {
		return false
	}
	if _, err := os.Stat(importDataPath(dataDir)); err != nil {
		return false
	}
	return true
}

func removeImportState(dataDir string) error {
	if err := os.Remove(importStatePath(dataDir)); err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "could not remove import state file")
	}
	if err := os.Remove(importWalPath(dataDir)); err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "could not remove import wal file")
	}
	if err := os.Remove(importDataPath(dataDir)); err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "could not remove staged import container")
	}
	return nil
}
