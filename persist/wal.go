package persist

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/writeaheadlog"
)

// updateNameJobState is the write-ahead-log update name JSONWAL commits,
// mirroring uplodir/persistwal.go's updateMetadataName convention of one
// named update per persisted struct kind.
const updateNameJobState = "vaultshareJobState"

// JSONWAL is a write-ahead-logged atomic JSON persistence point for a
// single pending-state file. Every engine job (upload, sync, import) gets
// its own JSONWAL rooted in its own pending directory, generalizing the
// teacher's uplodir/uplofile metadata-update pattern
// (filesystem/uplodir/persistwal.go's createMetadataUpdate/applyUpdate)
// from a fixed directory-metadata struct to any JSON-marshalable engine
// state. Unlike plain SaveJSON's temp-then-rename, a JSONWAL commit is
// durable in the log the instant Save returns: a crash between two Save
// calls always leaves either the previous or the new state file intact,
// never a half-written one, and -- critically for spec §4.5's "cancelling
// a pending debounced write is mandatory before an immediate write"
// requirement -- a new Save transaction through the same JSONWAL
// supersedes everything still in flight for that job, since the engine
// serializes all writes for one job through one JSONWAL instance.
type JSONWAL struct {
	wal  *writeaheadlog.WAL
	path string
}

type jobStateInstructions struct {
	Path string          `json:"path"`
	Blob json.RawMessage `json:"blob"`
}

// NewJSONWAL opens (or creates) the write-ahead log at walPath and
// replays any transactions left unapplied by a prior crash into target
// before returning, following writeaheadlog.New's "unapplied txns, wal,
// err" recovery contract (spec §4.5 "crash-safe state transitions").
func NewJSONWAL(walPath, target string) (*JSONWAL, error) {
	if err := os.MkdirAll(filepath.Dir(walPath), 0700); err != nil {
		return nil, errors.AddContext(err, "could not create job wal directory")
	}
	txns, wal, err := writeaheadlog.New(walPath)
	if err != nil {
		return nil, errors.AddContext(err, "could not open job write-ahead log")
	}
	for _, txn := range txns {
		for _, u := range txn.Updates {
			if u.Name != updateNameJobState {
				continue
			}
			if err := applyJobStateUpdate(u); err != nil {
				return nil, errors.AddContext(err, "could not replay unapplied job update")
			}
		}
		if err := txn.SignalUpdatesApplied(); err != nil {
			return nil, errors.AddContext(err, "could not signal replayed job update applied")
		}
	}
	return &JSONWAL{wal: wal, path: target}, nil
}

// Save marshals meta+data in the same envelope SaveJSON uses and commits
// it through one write-ahead-logged transaction.
func (w *JSONWAL) Save(meta Metadata, data interface{}) (err error) {
	update, err := createJobStateUpdate(w.path, meta, data)
	if err != nil {
		return err
	}
	txn, err := w.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		return errors.AddContext(err, "could not create job wal transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "could not signal job wal setup complete")
	}
	// From here on the update is durable in the log; a panic or crash
	// before SignalUpdatesApplied simply means it replays on the next
	// NewJSONWAL call, same as the teacher's createAndApplyTransaction.
	if err := applyJobStateUpdate(update); err != nil {
		return errors.AddContext(err, "could not apply job wal update")
	}
	return txn.SignalUpdatesApplied()
}

// Close releases the underlying write-ahead log file handle.
func (w *JSONWAL) Close() error {
	_, err := w.wal.CloseIncomplete()
	return err
}

func createJobStateUpdate(path string, meta Metadata, data interface{}) (writeaheadlog.Update, error) {
	type envelope struct {
		Metadata
		Data interface{} `json:"data"`
	}
	blob, err := json.MarshalIndent(envelope{meta, data}, "", "\t")
	if err != nil {
		return writeaheadlog.Update{}, errors.AddContext(err, "could not marshal job state")
	}
	instr, err := json.Marshal(jobStateInstructions{Path: path, Blob: blob})
	if err != nil {
		return writeaheadlog.Update{}, errors.AddContext(err, "could not marshal job wal instructions")
	}
	return writeaheadlog.Update{Name: updateNameJobState, Instructions: instr}, nil
}

func applyJobStateUpdate(u writeaheadlog.Update) error {
	var instr jobStateInstructions
	if err := json.Unmarshal(u.Instructions, &instr); err != nil {
		return errors.AddContext(err, "could not unmarshal job wal instructions")
	}
	if err := os.MkdirAll(filepath.Dir(instr.Path), 0700); err != nil {
		return errors.AddContext(err, "could not create job state directory")
	}
	f, err := os.OpenFile(instr.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.AddContext(err, "could not open job state file")
	}
	defer f.Close()
	if _, err := f.Write(instr.Blob); err != nil {
		return errors.AddContext(err, "could not write job state file")
	}
	return f.Sync()
}
