// Package synccache implements the per-share sync re-encryption cache
// (spec §4.4): an on-disk directory holding re-encrypted file/thumbnail
// blobs, the last successfully synced SVDF snapshot, and the sync state
// needed to compute the next incremental diff in O(new bytes) instead of
// rebuilding the whole container. It is grounded on the teacher's
// directory-per-key persistence convention
// (modules/renter/filesystem's one-directory-per-uplopath layout) and
// persist.go's atomic-save idiom (modules/renter/persist.go's
// settingsMetadata + persist.SaveJSON/LoadJSON pattern) for sync_state.json.
package synccache

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/uplo-tech/errors"

	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/svdf"
	"github.com/uplo-tech/vaultshare/transport"
)

const (
	encryptedFilesDir  = "encrypted_files"
	encryptedThumbsDir = "encrypted_thumbs"
	syncStateFilename  = "sync_state.json"
	lastSVDFFilename   = "last_svdf.bin"

	// compactionThreshold is the fraction of total bytes that must be
	// tombstoned before the sync engine rebuilds from scratch instead of
	// appending (spec §4.4).
	compactionThreshold = 0.30

	syncStateHeader  = "Vaultshare Sync State"
	syncStateVersion = "1"
)

var syncStateMetadata = persist.Metadata{
	Header:  syncStateHeader,
	Version: syncStateVersion,
}

// ErrNotFound is returned by Load* operations when the requested cached
// blob or state file does not exist.
var ErrNotFound = errors.New("not found in sync cache")

// SyncState is the durable per-share cache state (spec §3): which file ids
// are currently synced, the ordered chunk-hash history of the last
// uploaded container, the manifest as of the last sync, and byte-level
// bookkeeping used by NeedsCompaction.
type SyncState struct {
	SyncedFileIDs     []string               `json:"syncedFileIds"`
	ChunkHashes       []string               `json:"chunkHashes"`
	Manifest          []svdf.FileManifestEntry `json:"manifest"`
	SyncSequence      int                    `json:"syncSequence"`
	DeletedFileIDs    []string               `json:"deletedFileIds"`
	TotalDeletedBytes int64                  `json:"totalDeletedBytes"`
	TotalBytes        int64                  `json:"totalBytes"`
}

// NeedsCompaction reports whether the ratio of tombstoned bytes to total
// container bytes exceeds compactionThreshold (spec §4.4): above this the
// sync engine rebuilds from scratch rather than appending.
func (s SyncState) NeedsCompaction() bool {
	if s.TotalBytes <= 0 {
		return false
	}
	return float64(s.TotalDeletedBytes)/float64(s.TotalBytes) > compactionThreshold
}

// Cache is the per-share on-disk cache directory. A Cache instance is the
// single writer for its directory (spec §4.4, §5: "the sync cache
// directory for a given share is single-writer — the sync engine"); the
// mutex below enforces that within one process the same Cache is never
// driven by two goroutines concurrently, the same way the sync engine
// holds one in-memory job per share.
type Cache struct {
	dir string
	mu  sync.Mutex
}

// New returns a Cache rooted at cacheRoot/share_cache/{shareVaultID}_{vaultKeyFingerprint}
// (spec §4.4). The fingerprint suffix keeps the same share viewed under
// different local vault keys from colliding.
func New(cacheRoot, shareVaultID, vaultKeyFingerprint string) *Cache {
	dir := filepath.Join(cacheRoot, "share_cache", shareVaultID+"_"+vaultKeyFingerprint)
	return &Cache{dir: dir}
}

// Dir returns the cache's root directory.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) filesDir() string  { return filepath.Join(c.dir, encryptedFilesDir) }
func (c *Cache) thumbsDir() string { return filepath.Join(c.dir, encryptedThumbsDir) }
func (c *Cache) syncStatePath() string { return filepath.Join(c.dir, syncStateFilename) }
func (c *Cache) svdfPath() string      { return filepath.Join(c.dir, lastSVDFFilename) }

func writeBlob(dir, id string, data []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.AddContext(err, "could not create cache subdirectory")
	}
	path := filepath.Join(dir, id+".enc")
	tmp := path + "_temp_" + persist.RandomSuffix()
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return errors.AddContext(err, "could not write cache blob")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.AddContext(err, "could not rename cache blob into place")
	}
	return nil
}

func readBlob(dir, id string) ([]byte, error) {
	b, err := ioutil.ReadFile(filepath.Join(dir, id+".enc"))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.AddContext(err, "could not read cache blob")
	}
	return b, nil
}

func hasBlob(dir, id string) bool {
	_, err := os.Stat(filepath.Join(dir, id+".enc"))
	return err == nil
}

// StoreFile caches a file's share-key-encrypted content by file id.
func (c *Cache) StoreFile(fileID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeBlob(c.filesDir(), fileID, data)
}

// LoadFile returns a previously cached file's encrypted content.
func (c *Cache) LoadFile(fileID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return readBlob(c.filesDir(), fileID)
}

// HasFile reports whether fileID's encrypted content is cached.
func (c *Cache) HasFile(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hasBlob(c.filesDir(), fileID)
}

// StoreThumb caches a file's share-key-encrypted thumbnail by file id.
func (c *Cache) StoreThumb(fileID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeBlob(c.thumbsDir(), fileID, data)
}

// LoadThumb returns a previously cached thumbnail's encrypted content.
func (c *Cache) LoadThumb(fileID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return readBlob(c.thumbsDir(), fileID)
}

// HasThumb reports whether fileID's encrypted thumbnail is cached.
func (c *Cache) HasThumb(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hasBlob(c.thumbsDir(), fileID)
}

// SaveSVDF atomically writes the full SVDF snapshot buffer as the new
// last_svdf.bin (spec §4.4).
func (c *Cache) SaveSVDF(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return errors.AddContext(err, "could not create cache directory")
	}
	path := c.svdfPath()
	tmp := path + "_temp_" + persist.RandomSuffix()
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return errors.AddContext(err, "could not write last_svdf snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.AddContext(err, "could not rename last_svdf snapshot into place")
	}
	return nil
}

// SaveSVDFFromFile copies the SVDF container at srcPath into the cache as
// the new last_svdf.bin, used when the caller already has the container
// staged on disk (spec §4.4 "save/load SVDF (both buffer and file-URL
// forms)").
func (c *Cache) SaveSVDFFromFile(srcPath string) error {
	data, err := ioutil.ReadFile(srcPath)
	if err != nil {
		return errors.AddContext(err, "could not read staged SVDF file")
	}
	return c.SaveSVDF(data)
}

// LoadSVDF returns the cached last_svdf.bin buffer.
func (c *Cache) LoadSVDF() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := ioutil.ReadFile(c.svdfPath())
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.AddContext(err, "could not read last_svdf snapshot")
	}
	return b, nil
}

// LoadSVDFPath returns the path to the cached last_svdf.bin file, for
// callers that want to stream from it rather than load it whole (spec
// §4.4 file-URL form). It does not guarantee the file exists.
func (c *Cache) LoadSVDFPath() string {
	return c.svdfPath()
}

// HasSVDF reports whether a prior SVDF snapshot is cached.
func (c *Cache) HasSVDF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := os.Stat(c.svdfPath())
	return err == nil
}

// SaveSyncState atomically persists state as sync_state.json (spec §4.4).
func (c *Cache) SaveSyncState(state SyncState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return persist.SaveJSON(syncStateMetadata, state, c.syncStatePath())
}

// LoadSyncState loads the previously persisted sync state, returning
// ErrNotFound if none has ever been saved.
func (c *Cache) LoadSyncState() (SyncState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state SyncState
	err := persist.LoadJSON(syncStateMetadata, &state, c.syncStatePath())
	if os.IsNotExist(err) {
		return SyncState{}, ErrNotFound
	}
	if err != nil {
		return SyncState{}, errors.AddContext(err, "could not load sync state")
	}
	return state, nil
}

// Prune removes every cached file and thumbnail blob whose id is not in
// keep (spec §4.4).
func (c *Cache) Prune(keep map[string]bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pruneDir(c.filesDir(), keep); err != nil {
		return err
	}
	return pruneDir(c.thumbsDir(), keep)
}

func pruneDir(dir string, keep map[string]bool) error {
	entries, err := ioutil.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.AddContext(err, "could not list cache subdirectory")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		id := name[:len(name)-len(filepath.Ext(name))]
		if keep[id] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return errors.AddContext(err, "could not prune cache blob")
		}
	}
	return nil
}

// Purge deletes the entire cache directory for this share (spec §4.4),
// used on revoke or on explicit cache invalidation.
func (c *Cache) Purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return errors.AddContext(err, "could not purge sync cache directory")
	}
	return nil
}

// ComputeChunkHashes streams the cached last_svdf.bin and returns its
// per-chunk SHA-256 hash list (spec §4.4 "computeChunkHashes (streaming)"),
// delegating to the chunk transport's own streaming hasher so both layers
// agree on chunk boundaries.
func (c *Cache) ComputeChunkHashes() ([]string, error) {
	c.mu.Lock()
	path := c.svdfPath()
	c.mu.Unlock()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return transport.ComputeChunkHashesFile(path)
}
