package uploadengine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/types"
)

// uploadTTL bounds how long a pending-upload directory is resumable before
// the engine discards it rather than resuming it (spec §5 "TTL (24 h
// upload...)").
const uploadTTL = 24 * time.Hour

const (
	stateFilename   = "state.json"
	walFilename     = "state.wal"
	svdfFilename    = "svdf_data.bin"
	stateHeader     = "Vaultshare Upload State"
	stateVersion    = "1"
)

var stateMetadata = persist.Metadata{Header: stateHeader, Version: stateVersion}

// PendingUploadState is the durable record of one upload job (spec §4.5,
// §9 "Cyclic state (job<->state.json)": the disk file is the source of
// truth; UploadJob below is a derived in-memory projection of it, never the
// other way around.
type PendingUploadState struct {
	JobID         string
	ShareVaultID  string
	PhraseVaultID string
	TotalChunks   int

	UploadFinished bool
	LastProgress   int
	LastMessage    string

	CreatedAt time.Time

	Policy              types.SharePolicy
	EncryptedPolicy     []byte
	ShareKeyFingerprint string
	OwnerFingerprint    string

	// EncryptedShareKey is the share key encrypted under the vault's
	// master key (spec §4.5 step 12, §4.6): persisted so finalization (and
	// later sync) never needs the original share phrase again.
	EncryptedShareKey []byte
}

// Expired reports whether state has outlived uploadTTL (spec §5).
func (s PendingUploadState) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > uploadTTL
}

func jobDir(dataDir, jobID string) string {
	return filepath.Join(dataDir, "pending_uploads", jobID)
}

func statePath(dataDir, jobID string) string { return filepath.Join(jobDir(dataDir, jobID), stateFilename) }
func walPath(dataDir, jobID string) string   { return filepath.Join(jobDir(dataDir, jobID), walFilename) }
func svdfPath(dataDir, jobID string) string  { return filepath.Join(jobDir(dataDir, jobID), svdfFilename) }

// loadState reads jobID's persisted state directly (no WAL replay), used by
// the resume-scan enumerator which only needs to read, not write.
func loadState(dataDir, jobID string) (PendingUploadState, error) {
	var st PendingUploadState
	err := persist.LoadJSON(stateMetadata, &st, statePath(dataDir, jobID))
	if err != nil {
		return PendingUploadState{}, err
	}
	return st, nil
}

// listPendingJobIDs enumerates every pending_uploads/{jobId} subdirectory
// that carries a state.json (spec §4.5 resume: "enumerate pending_uploads/*
// directories").
func listPendingJobIDs(dataDir string) ([]string, error) {
	root := filepath.Join(dataDir, "pending_uploads")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.AddContext(err, "could not list pending upload directories")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, statErr := os.Stat(filepath.Join(root, e.Name(), stateFilename)); statErr == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func removeJobDir(dataDir, jobID string) error {
	return os.RemoveAll(jobDir(dataDir, jobID))
}
