// Package uploadengine implements the upload engine (spec §4.5): the
// per-share state machine that builds an SVDF container from the owner's
// active vault files, uploads it chunk by chunk, and finalizes by
// recording the share in the owner's vault index, surviving arbitrary
// interruption at any point. It is grounded on the teacher's
// threadgroup-guarded background-task shape (modules/renter/repair.go's
// debounced trigger loop) and its load-or-default persistence convention
// (modules/renter/persist.go's managedInitPersist), generalized from one
// renter-wide settings file to one state.json per job.
package uploadengine

import (
	"context"
	"encoding/json"
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

// JobStatus is the observable state of one upload job (spec §4.5 state
// diagram).
type JobStatus string

const (
	StatusPreparing  JobStatus = "preparing"
	StatusUploading  JobStatus = "uploading"
	StatusFinalizing JobStatus = "finalizing"
	StatusPaused     JobStatus = "paused"
	StatusFailed     JobStatus = "failed"
)

// stateDebounce is the per-job state.json coalescing window (spec §5
// "state.json persistence -- 500 ms").
const stateDebounce = 500 * time.Millisecond

// resumeDebounce is the resumePendingUploadsIfNeeded suppression window
// (spec §4.5, §5).
const resumeDebounce = 2 * time.Second

var (
	errNoVaultKey = errors.New("vault key not available for finalization")
	errJobExpired = errors.New("pending upload state has expired")
)

// Deps are the engine's explicit dependencies (spec §9 "Global mutable
// engines... model each engine as an instance with explicit dependencies
// passed in at construction").
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

// Engine drives every upload job for one owner vault (spec §4.5).
type Engine struct {
	deps      Deps
	tg        *threadgroup.ThreadGroup
	transport *transport.Transport

	mu          sync.Mutex
	jobs        map[string]*jobHandle
	activeCount int
	bgToken     vault.BackgroundToken

	resumeMu          sync.Mutex
	lastResumeAttempt time.Time
}

// NewEngine constructs an Engine from deps, filling in default
// collaborators (cipher, event bus, data directory, no-op platform) where
// left zero.
func NewEngine(deps Deps) *Engine {
	deps.setDefaults()
	tg := &threadgroup.ThreadGroup{}
	return &Engine{
		deps:      deps,
		tg:        tg,
		transport: transport.New(deps.Remote, deps.RateLimit, tg),
		jobs:      make(map[string]*jobHandle),
	}
}

// Close stops the engine's thread group, blocking until every in-flight
// job task has observed cancellation and returned.
func (e *Engine) Close() error {
	return e.tg.Stop()
}

// Events returns a subscription to this engine's status events (spec
// §4.5 "observable per-job status").
func (e *Engine) Events() (<-chan events.Event, func()) {
	return e.deps.Bus.Subscribe()
}

// jobHandle is the in-memory projection of one job's PendingUploadState
// (spec §9 "Cyclic state (job<->state.json)"): the disk file, written
// through wal, is the source of truth; jobHandle is derived from it and
// never the other way around.
type jobHandle struct {
	id      string
	dataDir string
	wal     *persist.JSONWAL

	mu       sync.Mutex
	state    PendingUploadState
	status   JobStatus
	cancelFn context.CancelFunc

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

func (jh *jobHandle) snapshot() PendingUploadState {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	return jh.state
}

func (jh *jobHandle) setCancelFunc(c context.CancelFunc) {
	jh.mu.Lock()
	jh.cancelFn = c
	jh.mu.Unlock()
}

func (jh *jobHandle) cancelJob() {
	jh.mu.Lock()
	c := jh.cancelFn
	jh.mu.Unlock()
	if c != nil {
		c()
	}
}

// persistImmediate cancels any pending debounced write and synchronously
// commits the current state (spec §4.5, §5: "cancelling a pending
// debounced write is mandatory before engaging an immediate write").
func (jh *jobHandle) persistImmediate() error {
	jh.debounceMu.Lock()
	if jh.debounceTimer != nil {
		jh.debounceTimer.Stop()
		jh.debounceTimer = nil
	}
	jh.debounceMu.Unlock()
	return jh.wal.Save(stateMetadata, jh.snapshot())
}

// persistDebounced coalesces writes within stateDebounce, restarting the
// window on every call (spec §4.5, §5).
func (jh *jobHandle) persistDebounced() {
	jh.debounceMu.Lock()
	defer jh.debounceMu.Unlock()
	if jh.debounceTimer != nil {
		jh.debounceTimer.Stop()
	}
	st := jh.snapshot()
	jh.debounceTimer = time.AfterFunc(stateDebounce, func() {
		_ = jh.wal.Save(stateMetadata, st)
	})
}

func (jh *jobHandle) updateProgress(pct int, msg string) {
	jh.mu.Lock()
	jh.state.LastProgress = pct
	jh.state.LastMessage = msg
	jh.mu.Unlock()
	jh.persistDebounced()
}

func resumeMarkerID(jobID string) string { return "upload.resume." + jobID }

func (e *Engine) registerJob(jh *jobHandle) {
	e.mu.Lock()
	e.jobs[jh.id] = jh
	e.mu.Unlock()
	e.deps.Platform.Register(resumeMarkerID(jh.id), func() {
		_ = e.Resume(context.Background(), jh.id, nil)
	})
}

func (e *Engine) unregisterJob(jobID string) {
	e.mu.Lock()
	delete(e.jobs, jobID)
	e.mu.Unlock()
}

func (e *Engine) isRunning(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[jobID]
	return ok
}

// acquireToken/releaseToken implement the shared background-execution
// token (spec §4.5 "Concurrency": "the global background-execution token
// is shared: first job to start acquires it; teardown happens only after
// all job tasks have finished").
func (e *Engine) acquireToken() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeCount++
	if e.activeCount == 1 {
		e.bgToken = e.deps.Platform.Begin()
	}
}

func (e *Engine) releaseToken() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeCount--
	if e.activeCount == 0 {
		e.deps.Platform.End(e.bgToken)
		e.bgToken = nil
	}
}

func (e *Engine) publish(jh *jobHandle, kind, msg string) {
	e.deps.Bus.Publish(events.Event{Kind: kind, ID: jh.id, Message: msg})
}

// StartUpload begins a fresh upload job for phrase/policy against the
// vault currently unlocked under vaultKey, returning the new job's id
// immediately; the job itself runs on the engine's thread group (spec
// §4.5 "preparing" state).
func (e *Engine) StartUpload(ctx context.Context, vaultKey vault.MasterKey, phrase string, policy types.SharePolicy) (string, error) {
	if err := e.tg.Add(); err != nil {
		return "", err
	}
	jobID := persist.UID()
	wal, err := persist.NewJSONWAL(walPath(e.deps.DataDir, jobID), statePath(e.deps.DataDir, jobID))
	if err != nil {
		e.tg.Done()
		return "", errors.AddContext(err, "could not open upload job state")
	}
	jh := &jobHandle{
		id:      jobID,
		dataDir: e.deps.DataDir,
		wal:     wal,
		status:  StatusPreparing,
		state:   PendingUploadState{JobID: jobID, CreatedAt: time.Now()},
	}
	e.registerJob(jh)
	go func() {
		defer e.tg.Done()
		e.runFresh(ctx, jh, vaultKey, phrase, policy)
	}()
	return jobID, nil
}

func (e *Engine) runFresh(ctx context.Context, jh *jobHandle, vaultKey vault.MasterKey, phrase string, policy types.SharePolicy) {
	e.acquireToken()
	defer e.releaseToken()
	ctx, cancel := context.WithCancel(ctx)
	jh.setCancelFunc(cancel)
	defer cancel()

	if err := e.prepare(ctx, jh, vaultKey, phrase, policy); err != nil {
		e.fail(jh, err)
		return
	}
	if err := e.uploadAll(ctx, jh); err != nil {
		e.handleUploadErr(jh, err)
		return
	}
	vk := vaultKey
	if err := e.finalize(ctx, jh, &vk); err != nil {
		e.handleFinalizeErr(jh, err)
		return
	}
	e.remove(jh)
}

// prepare implements spec §4.5's "preparing" steps 1-6: derive the share
// key, read the vault index, stream each active file into a staged SVDF
// container re-encrypted under the share key, persist the resulting
// PendingUploadState, and schedule a background-resume marker.
func (e *Engine) prepare(ctx context.Context, jh *jobHandle, vaultKey vault.MasterKey, phrase string, policy types.SharePolicy) error {
	shareKey := crypto.DeriveShareKey(phrase)
	shareVaultID := crypto.GenerateShareVaultID()
	phraseVaultID := crypto.PhraseVaultID(phrase)

	policyJSON, err := marshalPolicy(policy)
	if err != nil {
		return err
	}
	encryptedPolicy, err := e.deps.Cipher.Encrypt(shareKey, policyJSON)
	if err != nil {
		return errors.AddContext(err, "could not encrypt share policy")
	}
	encryptedShareKey, err := e.deps.Cipher.Encrypt(crypto.ShareKey(vaultKey), shareKey[:])
	if err != nil {
		return errors.AddContext(err, "could not wrap share key under vault key")
	}

	idx, err := e.deps.Storage.LoadIndex(ctx, vaultKey)
	if err != nil {
		return errors.AddContext(err, "could not load vault index")
	}

	dir := jobDir(e.deps.DataDir, jh.id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.AddContext(err, "could not create pending upload directory")
	}

	sources, err := e.stageSources(ctx, idx, vaultKey, shareKey)
	if err != nil {
		return err
	}

	meta := svdf.Metadata{OwnerFingerprint: e.deps.Cipher.KeyFingerprint(shareKey), SharedAt: time.Now()}
	sinkPath := svdfPath(e.deps.DataDir, jh.id)
	out, err := os.OpenFile(sinkPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.AddContext(err, "could not create staged SVDF file")
	}
	buildErr := svdf.BuildFullStreamingFromPlaintext(out, e.deps.Cipher, shareKey, sources, meta)
	closeErr := out.Close()
	for _, s := range sources {
		os.Remove(s.PlaintextURL)
	}
	if buildErr != nil {
		return errors.AddContext(buildErr, "could not build SVDF container")
	}
	if closeErr != nil {
		return errors.AddContext(closeErr, "could not close staged SVDF file")
	}

	info, err := os.Stat(sinkPath)
	if err != nil {
		return errors.AddContext(err, "could not stat staged SVDF file")
	}
	totalChunks := transport.TotalChunks(info.Size())

	jh.mu.Lock()
	jh.state.ShareVaultID = shareVaultID
	jh.state.PhraseVaultID = phraseVaultID
	jh.state.TotalChunks = totalChunks
	jh.state.Policy = policy
	jh.state.EncryptedPolicy = encryptedPolicy
	jh.state.EncryptedShareKey = encryptedShareKey
	jh.state.ShareKeyFingerprint = e.deps.Cipher.KeyFingerprint(shareKey)
	jh.state.OwnerFingerprint = meta.OwnerFingerprint
	jh.state.LastMessage = "SVDF container staged"
	jh.status = StatusUploading
	jh.mu.Unlock()

	e.publish(jh, "upload.prepared", "SVDF container staged")
	if err := jh.persistImmediate(); err != nil {
		return errors.AddContext(err, "could not persist prepared upload state")
	}
	e.deps.Platform.Schedule(resumeMarkerID(jh.id), 15*time.Second)
	return nil
}

// stageSources retrieves every active vault file's plaintext content to a
// temp file and re-encrypts its thumbnail (small enough to hold in
// memory) under shareKey, without loading file content itself (spec
// §4.5 steps 3-4).
func (e *Engine) stageSources(ctx context.Context, idx vault.Index, vaultKey vault.MasterKey, shareKey crypto.ShareKey) ([]types.StreamingSourceFile, error) {
	active := idx.ActiveFiles()
	sources := make([]types.StreamingSourceFile, 0, len(active))
	for _, f := range active {
		if ctx.Err() != nil {
			for _, s := range sources {
				os.Remove(s.PlaintextURL)
			}
			return nil, ctx.Err()
		}
		hdr, plaintextURL, err := e.deps.Storage.RetrieveFileToTempURL(ctx, f.ID, vaultKey)
		if err != nil {
			for _, s := range sources {
				os.Remove(s.PlaintextURL)
			}
			return nil, errors.AddContext(err, "could not retrieve vault file content")
		}
		info, err := os.Stat(plaintextURL)
		if err != nil {
			os.Remove(plaintextURL)
			return nil, errors.AddContext(err, "could not stat retrieved plaintext file")
		}
		var encThumb []byte
		if len(hdr.DecryptedThumbnail) > 0 {
			encThumb, err = e.deps.Cipher.Encrypt(shareKey, hdr.DecryptedThumbnail)
			if err != nil {
				os.Remove(plaintextURL)
				return nil, errors.AddContext(err, "could not encrypt thumbnail")
			}
		}
		sources = append(sources, types.StreamingSourceFile{
			ID:                 hdr.ID,
			Filename:           hdr.Filename,
			MimeType:           hdr.MimeType,
			OriginalSize:       hdr.OriginalSize,
			CreatedAt:          hdr.CreatedAt,
			Duration:           hdr.Duration,
			EncryptedThumbnail: encThumb,
			PlaintextURL:       plaintextURL,
			PlaintextSize:      info.Size(),
		})
	}
	return sources, nil
}

// uploadAll implements spec §4.5's "uploading" steps 7-10: manifest-first
// save, chunked upload of every missing index (computed the same way for
// both a fresh start and a resume, since a fresh share simply has none of
// its indices present yet), a second idempotent manifest save, and an
// immediate uploadFinished=true write.
func (e *Engine) uploadAll(ctx context.Context, jh *jobHandle) error {
	st := jh.snapshot()
	record := remote.SharedVaultRecord{
		ShareVaultID:     st.ShareVaultID,
		PhraseVaultID:    st.PhraseVaultID,
		UpdatedAt:        time.Now(),
		Version:          4,
		OwnerFingerprint: st.OwnerFingerprint,
		ChunkCount:       st.TotalChunks,
		EncryptedPolicy:  st.EncryptedPolicy,
	}
	saved, err := remote.SaveManifestWithRetry(ctx, e.deps.Remote, record)
	if err != nil {
		return errors.AddContext(err, "could not save share manifest")
	}

	missing, err := e.transport.ResumeMissingIndices(ctx, st.ShareVaultID, st.TotalChunks)
	if err != nil {
		return errors.AddContext(err, "could not enumerate existing chunks")
	}
	alreadyDone := st.TotalChunks - len(missing)

	progress := func(completed, total int) {
		pct := 100
		if st.TotalChunks > 0 {
			pct = ((alreadyDone + completed) * 100) / st.TotalChunks
		}
		msg := fmt.Sprintf("Uploading %d/%d chunks", alreadyDone+completed, st.TotalChunks)
		jh.updateProgress(pct, msg)
		e.publish(jh, "upload.progress", msg)
	}

	if len(missing) > 0 {
		if err := e.transport.UploadChunksFromFile(ctx, st.ShareVaultID, svdfPath(e.deps.DataDir, jh.id), missing, progress); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Compose(remote.ErrUploadFailed, err)
		}
	}

	if _, err := remote.SaveManifestWithRetry(ctx, e.deps.Remote, saved); err != nil {
		return errors.AddContext(err, "could not re-save share manifest")
	}

	jh.mu.Lock()
	jh.state.UploadFinished = true
	jh.state.LastProgress = 100
	jh.state.LastMessage = "Upload complete"
	jh.status = StatusFinalizing
	jh.mu.Unlock()
	e.publish(jh, "upload.finished", "Upload complete")
	return jh.persistImmediate()
}

// finalize implements spec §4.5's steps 11-13: hydrate the sync cache,
// append a ShareRecord to the vault index, and clean up the pending
// directory. It is the only stage that requires a vault key (spec §4.5
// resume step 2).
func (e *Engine) finalize(ctx context.Context, jh *jobHandle, vaultKey *vault.MasterKey) error {
	if vaultKey == nil {
		return errNoVaultKey
	}
	st := jh.snapshot()

	rawKey, err := e.deps.Cipher.Decrypt(crypto.ShareKey(*vaultKey), st.EncryptedShareKey)
	if err != nil {
		return errors.AddContext(err, "could not unwrap share key")
	}
	var shareKey crypto.ShareKey
	copy(shareKey[:], rawKey)

	sinkPath := svdfPath(e.deps.DataDir, jh.id)
	cache := synccache.New(e.deps.DataDir, st.ShareVaultID, e.deps.Cipher.KeyFingerprint(shareKey))
	if err := cache.SaveSVDFFromFile(sinkPath); err != nil {
		return errors.AddContext(err, "could not hydrate sync cache snapshot")
	}
	hashes, err := cache.ComputeChunkHashes()
	if err != nil {
		return errors.AddContext(err, "could not compute chunk hashes")
	}
	container, err := os.ReadFile(sinkPath)
	if err != nil {
		return errors.AddContext(err, "could not read staged SVDF file")
	}
	h, err := svdf.ParseHeaderBuffer(container)
	if err != nil {
		return errors.AddContext(err, "could not parse staged SVDF header")
	}
	manifest, _, err := svdf.ParseManifest(e.deps.Cipher, shareKey, container, h)
	if err != nil {
		return errors.AddContext(err, "could not parse staged manifest")
	}

	syncState := synccache.SyncState{
		ChunkHashes:  hashes,
		Manifest:     manifest,
		SyncSequence: 0,
		TotalBytes:   int64(len(container)),
	}
	for _, m := range svdf.ActiveEntries(manifest) {
		syncState.SyncedFileIDs = append(syncState.SyncedFileIDs, m.ID)
	}
	if err := cache.SaveSyncState(syncState); err != nil {
		return errors.AddContext(err, "could not persist initial sync state")
	}

	idx, err := e.deps.Storage.LoadIndex(ctx, *vaultKey)
	if err != nil {
		return errors.AddContext(err, "could not load vault index")
	}
	idx.ActiveShares = append(idx.ActiveShares, types.ShareRecord{
		ShareVaultID:        types.ShareVaultID(st.ShareVaultID),
		PhraseVaultID:       types.PhraseVaultID(st.PhraseVaultID),
		ShareKeyFingerprint: st.ShareKeyFingerprint,
		EncryptedShareKey:   st.EncryptedShareKey,
		Policy:              st.Policy,
		CreatedAt:           st.CreatedAt,
	})
	if err := e.deps.Storage.SaveIndex(ctx, idx, *vaultKey); err != nil {
		return errors.AddContext(err, "could not save vault index")
	}

	if err := jh.wal.Close(); err != nil {
		return errors.AddContext(err, "could not close job write-ahead log")
	}
	if err := removeJobDir(e.deps.DataDir, jh.id); err != nil {
		return errors.AddContext(err, "could not clean up pending upload directory")
	}
	e.deps.Platform.Cancel(resumeMarkerID(jh.id))
	return nil
}

func (e *Engine) handleUploadErr(jh *jobHandle, err error) {
	if errors.Contains(err, context.Canceled) {
		e.pause(jh, "Upload paused.")
		return
	}
	e.fail(jh, err)
}

func (e *Engine) handleFinalizeErr(jh *jobHandle, err error) {
	if errors.Contains(err, errNoVaultKey) {
		e.pause(jh, "Uploaded. Finalizing when vault unlocks...")
		return
	}
	e.fail(jh, err)
}

func (e *Engine) fail(jh *jobHandle, err error) {
	jh.mu.Lock()
	jh.status = StatusFailed
	jh.state.LastMessage = err.Error()
	jh.mu.Unlock()
	_ = jh.persistImmediate()
	e.publish(jh, "upload.failed", err.Error())
	e.unregisterJob(jh.id)
}

func (e *Engine) pause(jh *jobHandle, message string) {
	jh.mu.Lock()
	jh.status = StatusPaused
	jh.state.LastMessage = message
	jh.mu.Unlock()
	_ = jh.persistImmediate()
	e.publish(jh, "upload.paused", message)
	e.unregisterJob(jh.id)
}

func (e *Engine) remove(jh *jobHandle) {
	e.publish(jh, "upload.removed", "Share upload complete")
	e.unregisterJob(jh.id)
}

// Resume implements spec §4.5's resume flow. vaultKey may be nil, in
// which case a job that is already uploadFinished pauses rather than
// finalizing (step 2); a job still mid-upload proceeds regardless, since
// uploading missing chunks never needs the vault key.
func (e *Engine) Resume(ctx context.Context, jobID string, vaultKey *vault.MasterKey) error {
	if e.isRunning(jobID) {
		return nil
	}
	st, err := loadState(e.deps.DataDir, jobID)
	if err != nil {
		return errors.AddContext(err, "could not load pending upload state")
	}
	if st.Expired(time.Now()) {
		_ = removeJobDir(e.deps.DataDir, jobID)
		return errJobExpired
	}
	if st.UploadFinished && vaultKey == nil {
		return nil
	}

	if err := e.tg.Add(); err != nil {
		return err
	}
	wal, err := persist.NewJSONWAL(walPath(e.deps.DataDir, jobID), statePath(e.deps.DataDir, jobID))
	if err != nil {
		e.tg.Done()
		return errors.AddContext(err, "could not reopen upload job state")
	}
	status := StatusUploading
	if st.UploadFinished {
		status = StatusFinalizing
	}
	jh := &jobHandle{id: jobID, dataDir: e.deps.DataDir, wal: wal, state: st, status: status}
	e.registerJob(jh)
	go func() {
		defer e.tg.Done()
		e.runResume(ctx, jh, vaultKey)
	}()
	return nil
}

func (e *Engine) runResume(ctx context.Context, jh *jobHandle, vaultKey *vault.MasterKey) {
	e.acquireToken()
	defer e.releaseToken()
	ctx, cancel := context.WithCancel(ctx)
	jh.setCancelFunc(cancel)
	defer cancel()

	if !jh.snapshot().UploadFinished {
		if err := e.uploadAll(ctx, jh); err != nil {
			e.handleUploadErr(jh, err)
			return
		}
	}
	if err := e.finalize(ctx, jh, vaultKey); err != nil {
		e.handleFinalizeErr(jh, err)
		return
	}
	e.remove(jh)
}

// ResumePendingUploadsIfNeeded scans pending_uploads/* for jobs not
// currently running and resumes each (spec §4.5 "Debounce": suppressed if
// called within resumeDebounce of the previous call, whether or not that
// call succeeded).
func (e *Engine) ResumePendingUploadsIfNeeded(ctx context.Context, vaultKey *vault.MasterKey) error {
	e.resumeMu.Lock()
	now := time.Now()
	if !e.lastResumeAttempt.IsZero() && now.Sub(e.lastResumeAttempt) < resumeDebounce {
		e.resumeMu.Unlock()
		return nil
	}
	e.lastResumeAttempt = now
	e.resumeMu.Unlock()

	ids, err := listPendingJobIDs(e.deps.DataDir)
	if err != nil {
		return err
	}
	var composed error
	for _, id := range ids {
		if e.isRunning(id) {
			continue
		}
		if err := e.Resume(ctx, id, vaultKey); err != nil && !errors.Contains(err, errJobExpired) {
			composed = errors.Compose(composed, err)
		}
	}
	return composed
}

// Cancel implements the user-initiated, destructive cancellation path
// (spec §5 "Termination vs. cancellation"): abort the task, delete local
// staging, best-effort delete the remote share.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	e.mu.Lock()
	jh, ok := e.jobs[jobID]
	e.mu.Unlock()

	var shareVaultID string
	if ok {
		jh.cancelJob()
		shareVaultID = jh.snapshot().ShareVaultID
		e.unregisterJob(jobID)
	} else if st, err := loadState(e.deps.DataDir, jobID); err == nil {
		shareVaultID = st.ShareVaultID
	}

	e.deps.Platform.Cancel(resumeMarkerID(jobID))
	if err := removeJobDir(e.deps.DataDir, jobID); err != nil {
		return errors.AddContext(err, "could not delete pending upload directory")
	}
	if shareVaultID == "" {
		return nil
	}
	_ = remote.Do(ctx, func(ctx context.Context) error { return e.deps.Remote.DeleteAllChunks(ctx, shareVaultID) })
	_ = remote.Do(ctx, func(ctx context.Context) error { return e.deps.Remote.DeleteManifest(ctx, shareVaultID) })
	return nil
}

// Status returns jobID's current state and status, consulting the
// in-memory job map first and falling back to disk for a job that isn't
// currently running. State on disk does not record paused or failed: such
// a job is reported as StatusUploading, or StatusFinalizing once its
// state records UploadFinished.
func (e *Engine) Status(jobID string) (PendingUploadState, JobStatus, bool) {
	e.mu.Lock()
	jh, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		st, err := loadState(e.deps.DataDir, jobID)
		if err != nil {
			return PendingUploadState{}, "", false
		}
		status := StatusUploading
		if st.UploadFinished {
			status = StatusFinalizing
		}
		return st, status, true
	}
	jh.mu.Lock()
	defer jh.mu.Unlock()
	return jh.state, jh.status, true
}

func marshalPolicy(p types.SharePolicy) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.AddContext(err, "could not marshal share policy")
	}
	return b, nil
}
