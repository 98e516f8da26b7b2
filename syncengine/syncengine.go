// Package syncengine implements the sync engine (spec §4.6): mirrors
// ongoing changes in the owner's vault to every active share with minimal
// re-work, choosing between a full rebuild and an append-only incremental
// SVDF build, and staging the share-key-encrypted container before
// uploading so a crash mid-upload resumes without the vault key. It is
// grounded on the same threadgroup-guarded, debounced-trigger shape as
// uploadengine (modules/renter/repair.go) and reuses synccache (C4) as its
// per-share re-encryption cache.
package syncengine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"
	"github.com/uplo-tech/threadgroup"

	"github.com/uplo-tech/vaultshare/build"
	"github.com/uplo-tech/vaultshare/crypto"
	"github.com/uplo-tech/vaultshare/events"
	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/remote"
	"github.com/uplo-tech/vaultshare/svdf"
	"github.com/uplo-tech/vaultshare/synccache"
	"github.com/uplo-tech/vaultshare/transport"
	"github.com/uplo-tech/vaultshare/types"
	"github.com/uplo-tech/vaultshare/vault"
)

// syncDebounce is scheduleSync's restart-on-every-event window (spec §5
// "sync trigger -- 5 s").
const syncDebounce = 5 * time.Second

// ShareStatus is the observable per-share sync state (spec §4.6 "per-share
// progress").
type ShareStatus string

const (
	ShareWaiting   ShareStatus = "waiting"
	ShareBuilding  ShareStatus = "building"
	ShareUploading ShareStatus = "uploading"
	ShareDone      ShareStatus = "done"
	ShareError     ShareStatus = "error"
)

// AggregateState is the engine-wide sync status (spec §4.6 "aggregate
// SyncStatus (idle, syncing, upToDate, error)").
type AggregateState string

const (
	StateIdle      AggregateState = "idle"
	StateSyncing   AggregateState = "syncing"
	StateUpToDate  AggregateState = "upToDate"
	StateError     AggregateState = "error"
)

// ShareProgress is one share's current progress within a running sync
// (spec §4.6).
type ShareProgress struct {
	Status             ShareStatus
	FractionCompleted  float64
	Message            string
}

// Deps are the engine's explicit dependencies (spec §9 "model each engine
// as an instance with explicit dependencies").
type Deps struct {
	Storage   vault.Storage
	Platform  vault.Platform
	Remote    remote.Client
	RateLimit *ratelimit.RateLimit
	DataDir   string
	Bus       *events.Bus
	Cipher    crypto.ShareCipher
}

func (d *Deps) setDefaults() {
	if d.Cipher == nil {
		d.Cipher = crypto.NewXChaChaCipher()
	}
	if d.Bus == nil {
		d.Bus = &events.Bus{}
	}
	if d.DataDir == "" {
		d.DataDir = build.DefaultDataDir()
	}
	if d.Platform == nil {
		d.Platform = vault.NoopPlatform{}
	}
}

// Engine mirrors the owner's vault to every active share (spec §4.6).
type Engine struct {
	deps      Deps
	tg        *threadgroup.ThreadGroup
	transport *transport.Transport

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	runMu          sync.Mutex
	running        bool
	pendingVaultKey *vault.MasterKey

	stateMu   sync.Mutex
	aggregate AggregateState
	progress  map[string]ShareProgress

	resumeMu  sync.Mutex
	resumers  map[string]context.CancelFunc
}

// NewEngine constructs an Engine from deps.
func NewEngine(deps Deps) *Engine {
	deps.setDefaults()
	tg := &threadgroup.ThreadGroup{}
	return &Engine{
		deps:      deps,
		tg:        tg,
		transport: transport.New(deps.Remote, deps.RateLimit, tg),
		aggregate: StateIdle,
		progress:  make(map[string]ShareProgress),
		resumers:  make(map[string]context.CancelFunc),
	}
}

// Close stops the engine's thread group.
func (e *Engine) Close() error {
	return e.tg.Stop()
}

// Events returns a subscription to this engine's status events.
func (e *Engine) Events() (<-chan events.Event, func()) {
	return e.deps.Bus.Subscribe()
}

// Status returns the aggregate sync state and a snapshot of every share's
// current progress (spec §4.6).
func (e *Engine) Status() (AggregateState, map[string]ShareProgress) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	out := make(map[string]ShareProgress, len(e.progress))
	for k, v := range e.progress {
		out[k] = v
	}
	return e.aggregate, out
}

func (e *Engine) setAggregate(s AggregateState) {
	e.stateMu.Lock()
	e.aggregate = s
	e.stateMu.Unlock()
}

func (e *Engine) setShareProgress(shareVaultID string, p ShareProgress) {
	e.stateMu.Lock()
	e.progress[shareVaultID] = p
	e.stateMu.Unlock()
	e.deps.Bus.Publish(events.Event{Kind: "sync.share." + string(p.Status), ID: shareVaultID, Message: p.Message})
}

// ScheduleSync implements spec §4.6's debounced trigger: "files changed"
// events call this; a 5 s timer restarts on every call and SyncNow fires
// once it elapses undisturbed.
func (e *Engine) ScheduleSync(vaultKey vault.MasterKey) {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = time.AfterFunc(syncDebounce, func() {
		_ = e.SyncNow(context.Background(), vaultKey)
	})
}

// SyncNow bypasses the debounce and runs a sync immediately (spec §4.6).
// Only one sync may run at a time; a request arriving while one is
// already running is coalesced into a single deferred slot that starts
// after the current run completes.
func (e *Engine) SyncNow(ctx context.Context, vaultKey vault.MasterKey) error {
	if err := e.tg.Add(); err != nil {
		return err
	}
	e.runMu.Lock()
	if e.running {
		vk := vaultKey
		e.pendingVaultKey = &vk
		e.runMu.Unlock()
		e.tg.Done()
		return nil
	}
	e.running = true
	e.runMu.Unlock()

	go func() {
		defer e.tg.Done()
		e.runLoop(ctx, vaultKey)
	}()
	return nil
}

func (e *Engine) runLoop(ctx context.Context, vaultKey vault.MasterKey) {
	for {
		e.runOnce(ctx, vaultKey)

		e.runMu.Lock()
		if e.pendingVaultKey != nil {
			vaultKey = *e.pendingVaultKey
			e.pendingVaultKey = nil
			e.runMu.Unlock()
			continue
		}
		e.running = false
		e.runMu.Unlock()
		return
	}
}

// runOnce implements spec §4.6's per-sync flow, steps 1-6.
func (e *Engine) runOnce(ctx context.Context, vaultKey vault.MasterKey) {
	e.setAggregate(StateSyncing)

	idx, err := e.deps.Storage.LoadIndex(ctx, vaultKey)
	if err != nil {
		e.setAggregate(StateError)
		return
	}

	ids := make([]string, 0, len(idx.ActiveShares))
	for _, s := range idx.ActiveShares {
		ids = append(ids, string(s.ShareVaultID))
	}
	var consumed map[string]bool
	if len(ids) > 0 {
		consumed, _ = e.deps.Remote.ConsumedStatusByShareVaultIDs(ctx, ids)
	}

	var syncable []types.ShareRecord
	var consumedIDs []types.ShareVaultID
	for _, s := range idx.ActiveShares {
		if consumed[string(s.ShareVaultID)] {
			consumedIDs = append(consumedIDs, s.ShareVaultID)
			continue
		}
		if len(s.EncryptedShareKey) == 0 {
			continue // missing-key: not syncable this round.
		}
		syncable = append(syncable, s)
	}

	results := e.syncAll(ctx, vaultKey, idx, syncable)

	e.applyIndexUpdate(ctx, vaultKey, consumedIDs, results)

	anyErr := false
	for _, ok := range results {
		if !ok {
			anyErr = true
		}
	}
	if anyErr {
		e.setAggregate(StateError)
	} else {
		e.setAggregate(StateUpToDate)
	}
}

// syncAll runs syncShare for each record, bounded to at most 3 concurrent
// shares (spec §4.6 step 4), returning each share's success/failure.
func (e *Engine) syncAll(ctx context.Context, vaultKey vault.MasterKey, idx vault.Index, records []types.ShareRecord) map[types.ShareVaultID]bool {
	const maxConcurrentShares = 3
	results := make(map[types.ShareVaultID]bool, len(records))
	var mu sync.Mutex
	sem := make(chan struct{}, maxConcurrentShares)
	var wg sync.WaitGroup
	for _, rec := range records {
		rec := rec
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			err := e.syncShare(ctx, vaultKey, idx, rec)
			mu.Lock()
			results[rec.ShareVaultID] = err == nil
			mu.Unlock()
			if err != nil {
				e.setShareProgress(string(rec.ShareVaultID), ShareProgress{Status: ShareError, Message: err.Error()})
			}
		}()
	}
	wg.Wait()
	return results
}

// syncShare implements the per-share build+upload for one active share
// (spec §4.4 incremental decision, §4.6 step 4): cancels any in-flight
// resume of the same share first (spec §5 "starting a new sync cancels
// any in-flight resume... pauses for 100 ms").
func (e *Engine) syncShare(ctx context.Context, vaultKey vault.MasterKey, idx vault.Index, rec types.ShareRecord) error {
	shareVaultID := string(rec.ShareVaultID)
	e.cancelResumeFor(shareVaultID)

	rawKey, err := e.deps.Cipher.Decrypt(crypto.ShareKey(vaultKey), rec.EncryptedShareKey)
	if err != nil {
		return errors.AddContext(err, "could not unwrap share key")
	}
	var shareKey crypto.ShareKey
	copy(shareKey[:], rawKey)

	cache := synccache.New(e.deps.DataDir, shareVaultID, e.deps.Cipher.KeyFingerprint(shareKey))
	prior, err := cache.LoadSyncState()
	hasPrior := err == nil
	if err != nil && !errors.Contains(err, synccache.ErrNotFound) {
		return errors.AddContext(err, "could not load prior sync state")
	}

	e.setShareProgress(shareVaultID, ShareProgress{Status: ShareBuilding, Message: "Building container"})

	active := idx.ActiveFiles()
	currentIDs := make(map[string]bool, len(active))
	for _, f := range active {
		currentIDs[string(f.ID)] = true
	}

	dir := shareDir(e.deps.DataDir, shareVaultID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.AddContext(err, "could not create pending sync directory")
	}
	stagedPath := svdfPath(e.deps.DataDir, shareVaultID)

	fullRebuild := !hasPrior || !cache.HasSVDF() || prior.NeedsCompaction()
	meta := svdf.Metadata{OwnerFingerprint: e.deps.Cipher.KeyFingerprint(shareKey), SharedAt: time.Now()}

	var deletedBytes, totalBytes int64
	var newManifest []svdf.FileManifestEntry
	if fullRebuild {
		files, err := e.shareFiles(ctx, cache, shareKey, vaultKey, active)
		if err != nil {
			return err
		}
		out, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return errors.AddContext(err, "could not create staged SVDF file")
		}
		buildErr := svdf.BuildFullStreaming(out, e.deps.Cipher, shareKey, files, meta)
		closeErr := out.Close()
		if buildErr != nil {
			return errors.AddContext(buildErr, "could not rebuild SVDF container")
		}
		if closeErr != nil {
			return errors.AddContext(closeErr, "could not close staged SVDF file")
		}
	} else {
		priorContainer, err := cache.LoadSVDF()
		if err != nil {
			return errors.AddContext(err, "could not load prior SVDF snapshot")
		}
		priorHeader, err := svdf.ParseHeaderBuffer(priorContainer)
		if err != nil {
			return errors.AddContext(err, "could not parse prior SVDF header")
		}
		syncedSet := make(map[string]bool, len(prior.SyncedFileIDs))
		for _, id := range prior.SyncedFileIDs {
			syncedSet[id] = true
		}
		var newFiles []vault.IndexFile
		for _, f := range active {
			if !syncedSet[string(f.ID)] {
				newFiles = append(newFiles, f)
			}
		}
		removedIDs := make(map[string]bool)
		for id := range syncedSet {
			if !currentIDs[id] {
				removedIDs[id] = true
			}
		}
		shared, err := e.shareFiles(ctx, cache, shareKey, vaultKey, newFiles)
		if err != nil {
			return err
		}
		out, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return errors.AddContext(err, "could not create staged SVDF file")
		}
		buildErr := svdf.BuildIncrementalStreaming(out, e.deps.Cipher, shareKey, bytes.NewReader(priorContainer), priorHeader, prior.Manifest, shared, removedIDs, meta)
		closeErr := out.Close()
		if buildErr != nil {
			return errors.AddContext(buildErr, "could not build incremental SVDF container")
		}
		if closeErr != nil {
			return errors.AddContext(closeErr, "could not close staged SVDF file")
		}
	}

	stagedContainer, err := os.ReadFile(stagedPath)
	if err != nil {
		return errors.AddContext(err, "could not read staged SVDF file")
	}
	h, err := svdf.ParseHeaderBuffer(stagedContainer)
	if err != nil {
		return errors.AddContext(err, "could not parse staged header")
	}
	newManifest, _, err = svdf.ParseManifest(e.deps.Cipher, shareKey, stagedContainer, h)
	if err != nil {
		return errors.AddContext(err, "could not parse staged manifest")
	}
	for _, m := range newManifest {
		if m.Deleted {
			deletedBytes += int64(m.Size)
		}
		totalBytes += int64(m.Size)
	}

	newHashes, err := transport.ComputeChunkHashesFile(stagedPath)
	if err != nil {
		return errors.AddContext(err, "could not compute staged chunk hashes")
	}

	wal, err := persist.NewJSONWAL(walPath(e.deps.DataDir, shareVaultID), statePath(e.deps.DataDir, shareVaultID))
	if err != nil {
		return errors.AddContext(err, "could not open pending sync state")
	}
	defer wal.Close()

	syncSeq := prior.SyncSequence + 1
	pending := PendingSyncState{
		ShareVaultID:        shareVaultID,
		ShareKey:            shareKey,
		NewChunkHashes:      newHashes,
		PreviousChunkHashes: prior.ChunkHashes,
		ManifestSnapshot:    newManifest,
		SyncedFileIDs:       activeIDList(active),
		SyncSequence:        syncSeq,
		VaultKeyFingerprint: e.deps.Cipher.KeyFingerprint(crypto.ShareKey(vaultKey)),
		CreatedAt:           time.Now(),
		UploadFinished:      false,
	}
	if err := wal.Save(stateMetadata, pending); err != nil {
		return errors.AddContext(err, "could not persist pending sync state")
	}

	if err := e.uploadStagedSync(ctx, shareVaultID, stagedPath, pending, wal); err != nil {
		return err
	}

	newState := synccache.SyncState{
		SyncedFileIDs:     pending.SyncedFileIDs,
		ChunkHashes:       newHashes,
		Manifest:          newManifest,
		SyncSequence:      syncSeq,
		TotalDeletedBytes: deletedBytes,
		TotalBytes:        totalBytes,
	}
	if err := cache.SaveSyncState(newState); err != nil {
		return errors.AddContext(err, "could not persist new sync state")
	}
	if err := cache.SaveSVDFFromFile(stagedPath); err != nil {
		return errors.AddContext(err, "could not hydrate cache snapshot")
	}
	_ = cache.Prune(currentIDs)
	if err := removeShareDir(e.deps.DataDir, shareVaultID); err != nil {
		return errors.AddContext(err, "could not clean up pending sync directory")
	}

	e.setShareProgress(shareVaultID, ShareProgress{Status: ShareDone, FractionCompleted: 1, Message: "Sync complete"})
	return nil
}

// uploadStagedSync applies the incremental-sync plan between pending's new
// and previous chunk hashes, then idempotently re-saves the manifest with
// a bumped version (spec §4.2, §4.3 "version: int, bumped each sync").
func (e *Engine) uploadStagedSync(ctx context.Context, shareVaultID, stagedPath string, pending PendingSyncState, wal *persist.JSONWAL) error {
	plan := transport.PlanIncrementalSync(pending.NewChunkHashes, pending.PreviousChunkHashes)
	total := len(plan.UploadIndices)
	progress := func(completed, t int) {
		msg := fmt.Sprintf("Syncing %d/%d chunks", completed, total)
		e.setShareProgress(shareVaultID, ShareProgress{Status: ShareUploading, FractionCompleted: fraction(completed, total), Message: msg})
	}
	e.setShareProgress(shareVaultID, ShareProgress{Status: ShareUploading, Message: "Uploading changed chunks"})
	if err := e.transport.ApplyIncrementalSync(ctx, shareVaultID, stagedPath, plan, progress); err != nil {
		return errors.AddContext(err, "could not apply incremental sync")
	}

	rec, err := e.deps.Remote.GetManifestByShareVaultID(ctx, shareVaultID)
	if err == nil {
		rec.Version++
		rec.ChunkCount = len(pending.NewChunkHashes)
		rec.UpdatedAt = time.Now()
		if _, saveErr := remote.SaveManifestWithRetry(ctx, e.deps.Remote, rec); saveErr != nil {
			return errors.AddContext(saveErr, "could not re-save share manifest after sync")
		}
	}

	pending.UploadFinished = true
	return wal.Save(stateMetadata, pending)
}

func fraction(completed, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(completed) / float64(total)
}

func activeIDList(files []vault.IndexFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = string(f.ID)
	}
	return out
}

// shareFiles resolves each file's share-key-encrypted content, preferring
// the sync cache and falling back to retrieving+re-encrypting from vault
// storage (spec §4.6 "files pulled from the sync cache when present,
// re-encrypted otherwise"), caching freshly-encrypted content for reuse.
func (e *Engine) shareFiles(ctx context.Context, cache *synccache.Cache, shareKey crypto.ShareKey, vaultKey vault.MasterKey, files []vault.IndexFile) ([]svdf.SharedFile, error) {
	out := make([]svdf.SharedFile, 0, len(files))
	for _, f := range files {
		id := string(f.ID)
		var encContent, encThumb []byte
		if cache.HasFile(id) {
			c, err := cache.LoadFile(id)
			if err != nil {
				return nil, err
			}
			encContent = c
		} else {
			_, plaintext, err := e.deps.Storage.RetrieveFileContent(ctx, f, vaultKey)
			if err != nil {
				return nil, errors.AddContext(err, "could not retrieve vault file content")
			}
			encContent, err = e.deps.Cipher.Encrypt(shareKey, plaintext)
			if err != nil {
				return nil, errors.AddContext(err, "could not encrypt file content for share")
			}
			if err := cache.StoreFile(id, encContent); err != nil {
				return nil, errors.AddContext(err, "could not cache encrypted file content")
			}
		}
		if len(f.DecryptedThumbnail) > 0 {
			if cache.HasThumb(id) {
				t, err := cache.LoadThumb(id)
				if err != nil {
					return nil, err
				}
				encThumb = t
			} else {
				t, err := e.deps.Cipher.Encrypt(shareKey, f.DecryptedThumbnail)
				if err != nil {
					return nil, errors.AddContext(err, "could not encrypt thumbnail for share")
				}
				if err := cache.StoreThumb(id, t); err != nil {
					return nil, errors.AddContext(err, "could not cache encrypted thumbnail")
				}
				encThumb = t
			}
		}
		out = append(out, svdf.SharedFile{
			ID:                 id,
			Filename:           f.Filename,
			MimeType:           f.MimeType,
			OriginalSize:       f.OriginalSize,
			CreatedAt:          f.CreatedAt,
			Duration:           f.Duration,
			EncryptedThumbnail: encThumb,
			EncryptedContent:   encContent,
		})
	}
	return out, nil
}

// applyIndexUpdate implements spec §4.6 step 5: "in a single index update,
// remove consumed shares and bump lastSyncedAt + syncSequence on each
// successful share".
func (e *Engine) applyIndexUpdate(ctx context.Context, vaultKey vault.MasterKey, consumedIDs []types.ShareVaultID, results map[types.ShareVaultID]bool) {
	if len(consumedIDs) == 0 && len(results) == 0 {
		return
	}
	idx, err := e.deps.Storage.LoadIndex(ctx, vaultKey)
	if err != nil {
		return
	}
	consumedSet := make(map[types.ShareVaultID]bool, len(consumedIDs))
	for _, id := range consumedIDs {
		consumedSet[id] = true
	}
	now := time.Now()
	kept := idx.ActiveShares[:0]
	for _, s := range idx.ActiveShares {
		if consumedSet[s.ShareVaultID] {
			continue
		}
		if ok, ran := results[s.ShareVaultID]; ran && ok {
			s.LastSyncedAt = &now
			s.SyncSequence++
		}
		kept = append(kept, s)
	}
	idx.ActiveShares = kept
	_ = e.deps.Storage.SaveIndex(ctx, idx, vaultKey)
}

// cancelResumeFor cancels any in-flight resume task for shareVaultID and
// pauses briefly so it can release its SVDF file handle before the new
// sync replaces the staging directory (spec §5).
func (e *Engine) cancelResumeFor(shareVaultID string) {
	e.resumeMu.Lock()
	cancel, ok := e.resumers[shareVaultID]
	if ok {
		delete(e.resumers, shareVaultID)
	}
	e.resumeMu.Unlock()
	if ok {
		cancel()
		time.Sleep(100 * time.Millisecond)
	}
}

// ResumePendingSyncs implements spec §4.6's startup resume: enumerate
// pending_sync/* directories with a valid, non-expired state.json +
// svdf_data.bin, and re-upload each directly from the staged container
// (no vault key required), bounded to at most 3 concurrent resumes, each
// with its own background-execution token.
func (e *Engine) ResumePendingSyncs(ctx context.Context) error {
	ids, err := listPendingShareIDs(e.deps.DataDir)
	if err != nil {
		return err
	}
	const maxConcurrentResumes = 3
	sem := make(chan struct{}, maxConcurrentResumes)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var composed error
	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.resumeShare(ctx, id); err != nil {
				mu.Lock()
				composed = errors.Compose(composed, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return composed
}

func (e *Engine) resumeShare(ctx context.Context, shareVaultID string) error {
	st, err := loadState(e.deps.DataDir, shareVaultID)
	if err != nil {
		return errors.AddContext(err, "could not load pending sync state")
	}
	if st.Expired(time.Now()) {
		_ = removeShareDir(e.deps.DataDir, shareVaultID)
		return nil
	}

	token := e.deps.Platform.Begin()
	defer e.deps.Platform.End(token)

	ctx, cancel := context.WithCancel(ctx)
	e.resumeMu.Lock()
	e.resumers[shareVaultID] = cancel
	e.resumeMu.Unlock()
	defer func() {
		e.resumeMu.Lock()
		delete(e.resumers, shareVaultID)
		e.resumeMu.Unlock()
		cancel()
	}()

	stagedPath := svdfPath(e.deps.DataDir, shareVaultID)
	if !st.UploadFinished {
		wal, err := persist.NewJSONWAL(walPath(e.deps.DataDir, shareVaultID), statePath(e.deps.DataDir, shareVaultID))
		if err != nil {
			return errors.AddContext(err, "could not reopen pending sync state")
		}
		defer wal.Close()
		if err := e.uploadStagedSync(ctx, shareVaultID, stagedPath, st, wal); err != nil {
			return err
		}
	}

	var shareKey crypto.ShareKey = st.ShareKey
	cache := synccache.New(e.deps.DataDir, shareVaultID, e.deps.Cipher.KeyFingerprint(shareKey))
	hashes, err := transport.ComputeChunkHashesFile(stagedPath)
	if err != nil {
		return errors.AddContext(err, "could not compute resumed chunk hashes")
	}
	var deletedBytes, totalBytes int64
	for _, m := range st.ManifestSnapshot {
		if m.Deleted {
			deletedBytes += int64(m.Size)
		}
		totalBytes += int64(m.Size)
	}
	newState := synccache.SyncState{
		SyncedFileIDs:     st.SyncedFileIDs,
		ChunkHashes:       hashes,
		Manifest:          st.ManifestSnapshot,
		SyncSequence:      st.SyncSequence,
		TotalDeletedBytes: deletedBytes,
		TotalBytes:        totalBytes,
	}
	if err := cache.SaveSyncState(newState); err != nil {
		return errors.AddContext(err, "could not persist resumed sync state")
	}
	if err := cache.SaveSVDFFromFile(stagedPath); err != nil {
		return errors.AddContext(err, "could not hydrate cache snapshot after resume")
	}
	e.setShareProgress(shareVaultID, ShareProgress{Status: ShareDone, FractionCompleted: 1, Message: "Resumed sync complete"})
	return removeShareDir(e.deps.DataDir, shareVaultID)
}
