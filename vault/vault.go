// Package vault declares the two external collaborator contracts the
// upload/sync/import engines are driven by (spec §6): vault storage
// (read/write access to the owner's locally encrypted file vault and its
// index) and the platform's background-execution/deferred-task hooks.
// Neither is implemented here -- the host application supplies both, the
// same way the teacher's modules.Dependencies interface is supplied by the
// caller rather than by the module that consumes it -- but engines never
// depend on anything more concrete than these interfaces.
package vault

import (
	"context"
	"time"

	"github.com/uplo-tech/vaultshare/types"
)

// MasterKey is the owner's vault-wide encryption key, captured by value
// the same way crypto.ShareKey is (spec §3 ownership note).
type MasterKey [32]byte

// FileHeader is a VaultFile's metadata without its (possibly large)
// encrypted content, returned by the retrieval operations that stream
// content separately.
type FileHeader struct {
	ID           types.VaultFileID
	Filename     string
	MimeType     string
	OriginalSize uint32
	CreatedAt    time.Time
	Duration     *float64

	// DecryptedThumbnail is this file's thumbnail, already decrypted from
	// the vault's own encryption the same way RetrieveFileToTempURL's
	// plaintext content is; nil if the file has none.
	DecryptedThumbnail []byte
}

// IndexFile is one entry in the vault index. Deleted marks a tombstoned
// entry, which ActiveFiles skips (spec §4.5 step 3).
type IndexFile struct {
	FileHeader
	Deleted bool
}

// Index is the owner's vault index (spec §3, §4.6): the set of files and
// the set of active shares, both mutated in place by the engines via
// read-modify-write through Storage.
type Index struct {
	Files              []IndexFile
	ActiveShares       []types.ShareRecord
	SharedVaultVersion int

	// ImportedPolicy, once set, marks this vault as bound by a share
	// policy received through an import (spec §4.7 step 6 pre-claim): it
	// is written before any imported file is stored, so a crash mid-import
	// still leaves every file already stored governed by the policy.
	ImportedPolicy             *types.SharePolicy
	ImportedShareKeyFingerprint string
}

// ActiveFiles returns every non-tombstoned file in the index (spec §4.5
// step 3).
func (idx Index) ActiveFiles() []IndexFile {
	out := make([]IndexFile, 0, len(idx.Files))
	for _, f := range idx.Files {
		if !f.Deleted {
			out = append(out, f)
		}
	}
	return out
}

// StoreFileParams carries everything StoreFile needs to re-encrypt and
// persist an imported file's content under the vault's own master key
// (spec §4.7 step 8d: "propagate the original file id, filename, MIME,
// created-at, duration, thumbnail").
type StoreFileParams struct {
	ID                 types.VaultFileID
	Filename           string
	MimeType           string
	OriginalSize       uint32
	CreatedAt          time.Time
	Duration           *float64
	DecryptedThumbnail []byte
	DecryptedContent   []byte
}

// StoreFileFromURLParams is StoreFileParams for the streamed form, where
// the decrypted content already lives in a temp file (spec §4.7 step 8d
// "storeFile(...) / storeFileFromURL(...)").
type StoreFileFromURLParams struct {
	ID                  types.VaultFileID
	Filename            string
	MimeType            string
	OriginalSize        uint32
	CreatedAt           time.Time
	Duration            *float64
	DecryptedThumbnail  []byte
	DecryptedContentURL string
}

// Storage is the vault-storage external collaborator (spec §6):
// loadIndex/saveIndex, file retrieval for outbound sharing, and file
// storage for inbound import. Every method takes a context so the engines
// can honor cooperative cancellation across what may be a disk- or
// database-backed call.
type Storage interface {
	// LoadIndex decrypts and returns the vault index under vaultKey.
	LoadIndex(ctx context.Context, vaultKey MasterKey) (Index, error)
	// SaveIndex re-encrypts and persists idx under vaultKey.
	SaveIndex(ctx context.Context, idx Index, vaultKey MasterKey) error
	// RetrieveFileToTempURL decrypts the file's content under the vault's
	// master key to a temporary plaintext file, returning its header and
	// path. The caller deletes the temp file once its content has been
	// streamed elsewhere (spec §4.5 step 4).
	RetrieveFileToTempURL(ctx context.Context, id types.VaultFileID, vaultKey MasterKey) (FileHeader, string, error)
	// RetrieveFileContent decrypts entry's content into memory under
	// masterKey, for files small enough to not warrant the streaming path.
	RetrieveFileContent(ctx context.Context, entry IndexFile, masterKey MasterKey) (FileHeader, []byte, error)
	// StoreFile re-encrypts decrypted content under the vault's own master
	// key and appends it to the index (spec §4.7 step 8d).
	StoreFile(ctx context.Context, params StoreFileParams) error
	// StoreFileFromURL is StoreFile for content staged on disk rather than
	// held in memory.
	StoreFileFromURL(ctx context.Context, params StoreFileFromURLParams) error
}

// BackgroundToken is an opaque handle returned by Platform.Begin, passed
// back to Platform.End once the protected work completes.
type BackgroundToken interface{}

// Platform is the OS-integration external collaborator (spec §6): a
// background-execution token pair and a deferred-task scheduler. The core
// never distinguishes between a real platform and its absence -- hosts
// without either capability wire in NoopPlatform.
type Platform interface {
	// Begin requests a background-execution window from the OS, returning
	// a token to release via End. The upload engine holds one token shared
	// by all of its running jobs, taken when the first job starts and
	// released after the last one finishes (spec §4.5 "Concurrency"); the
	// sync engine's resume pass and each import task take a token of their
	// own.
	Begin() BackgroundToken
	// End releases a token obtained from Begin.
	End(token BackgroundToken)
	// Register associates a deferred-task id with a handler, called when
	// the platform later fires that task (spec §4.5 step 6: "Schedule a
	// background-resume marker").
	Register(id string, handler func())
	// Schedule asks the platform to invoke id's registered handler no
	// earlier than earliestIn from now.
	Schedule(id string, earliestIn time.Duration)
	// Cancel withdraws a previously scheduled deferred task.
	Cancel(id string)
}

// NoopPlatform is a Platform implementation that does nothing, for hosts
// with neither a background-execution facility nor a deferred-task
// scheduler (spec §6: "callers on platforms without them simply get no-op
// implementations").
type NoopPlatform struct{}

// Begin implements Platform.
func (NoopPlatform) Begin() BackgroundToken { return nil }

// End implements Platform.
func (NoopPlatform) End(BackgroundToken) {}

// Register implements Platform.
func (NoopPlatform) Register(string, func()) {}

// Schedule implements Platform.
func (NoopPlatform) Schedule(string, time.Duration) {}

// Cancel implements Platform.
func (NoopPlatform) Cancel(string) {}

var _ Platform = NoopPlatform{}
