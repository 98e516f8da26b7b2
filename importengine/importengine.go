// Package importengine implements the import engine (spec §4.7): download
// a share, decrypt and restore each file into the local vault, surviving
// interruption at any point. It follows the same threadgroup-guarded
// state-machine shape as uploadengine and syncengine, generalized from a
// per-job or per-share pending directory to a single global pending slot,
// since a device only ever has one share being imported at a time.
package importengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"
	"github.com/uplo-tech/threadgroup"

	"github.com/uplo-tech/vaultshare/build"
	"github.com/uplo-tech/vaultshare/crypto"
	"github.com/uplo-tech/vaultshare/events"
	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/remote"
	"github.com/uplo-tech/vaultshare/svdf"
	"github.com/uplo-tech/vaultshare/transport"
	"github.com/uplo-tech/vaultshare/types"
	"github.com/uplo-tech/vaultshare/vault"
)

// Status is the observable state of the one in-flight import (spec §4.7
// state diagram, generalized from uploadengine.JobStatus to a single
// global slot).
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusImporting   Status = "importing"
	StatusPaused      Status = "paused"
	StatusFailed      Status = "failed"
)

// downloadRetryAttempts/downloadRetryUnit implement spec §4.7 step 3:
// "Retry the whole download up to 3 times with linearly increasing
// backoff on transient failure." This is distinct from remote.Do's
// per-chunk exponential retry, which already runs underneath every
// individual chunk fetch the download performs.
const (
	downloadRetryAttempts = 3
	downloadRetryUnit     = 2 * time.Second
)

// thumbnailEdge is the longest edge, in pixels, of a generated image
// thumbnail (spec §4.7 step 8c "downsample the decrypted content").
const thumbnailEdge = 512

var errImportExpired = errors.New("pending import state has expired")

// Deps are the engine's explicit dependencies, the same shape as
// uploadengine.Deps and syncengine.Deps (spec §9 "model each engine as an
// instance with explicit dependencies passed in at construction").
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

// Engine drives the one in-flight import for an owner's device (spec
// §4.7).
type Engine struct {
	deps      Deps
	tg        *threadgroup.ThreadGroup
	transport *transport.Transport

	mu     sync.Mutex
	handle *importHandle
}

// NewEngine constructs an Engine from deps, filling in default
// collaborators where left zero.
func NewEngine(deps Deps) *Engine {
	deps.setDefaults()
	tg := &threadgroup.ThreadGroup{}
	return &Engine{
		deps:      deps,
		tg:        tg,
		transport: transport.New(deps.Remote, deps.RateLimit, tg),
	}
}

// Close stops the engine's thread group, blocking until any in-flight
// import task has observed cancellation and returned.
func (e *Engine) Close() error {
	return e.tg.Stop()
}

// Events returns a subscription to this engine's status events.
func (e *Engine) Events() (<-chan events.Event, func()) {
	return e.deps.Bus.Subscribe()
}

// importHandle is the in-memory projection of PendingImportState (spec §9
// "Cyclic state (job<->state.json)"): the disk file, written through wal,
// is the source of truth.
type importHandle struct {
	wal *persist.JSONWAL

	mu       sync.Mutex
	state    PendingImportState
	status   Status
	cancelFn context.CancelFunc
}

func (ih *importHandle) snapshot() PendingImportState {
	ih.mu.Lock()
	defer ih.mu.Unlock()
	return ih.state
}

func (ih *importHandle) setCancelFunc(c context.CancelFunc) {
	ih.mu.Lock()
	ih.cancelFn = c
	ih.mu.Unlock()
}

func (ih *importHandle) cancelJob() {
	ih.mu.Lock()
	c := ih.cancelFn
	ih.mu.Unlock()
	if c != nil {
		c()
	}
}

// persistImmediate commits the current state synchronously. Every import
// state write is immediate, never debounced: spec §4.7 step 8e requires
// each per-file completion to "persist atomically" so a crash leaves
// importedFileIds exactly consistent with what was actually stored.
func (ih *importHandle) persistImmediate() error {
	return ih.wal.Save(importStateMetadata, ih.snapshot())
}

func (e *Engine) registerHandle(ih *importHandle) {
	e.mu.Lock()
	e.handle = ih
	e.mu.Unlock()
}

func (e *Engine) unregisterHandle() {
	e.mu.Lock()
	e.handle = nil
	e.mu.Unlock()
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil
}

func (e *Engine) publish(ih *importHandle, kind, msg string) {
	e.deps.Bus.Publish(events.Event{Kind: kind, ID: ih.snapshot().ShareVaultID, Message: msg})
}

// StartImport begins importing the share addressed by phrase into the
// vault currently unlocked under vaultKey (spec §4.7 steps 1-9). If a
// pending import already exists on disk, it resumes that one instead of
// starting a new download (step 1).
func (e *Engine) StartImport(ctx context.Context, vaultKey vault.MasterKey, phrase string) error {
	if e.isRunning() {
		return nil
	}
	if hasPendingImport(e.deps.DataDir) {
		return e.Resume(ctx, vaultKey)
	}

	if err := e.tg.Add(); err != nil {
		return err
	}
	wal, err := persist.NewJSONWAL(importWalPath(e.deps.DataDir), importStatePath(e.deps.DataDir))
	if err != nil {
		e.tg.Done()
		return errors.AddContext(err, "could not open import state")
	}
	ih := &importHandle{wal: wal, status: StatusDownloading}
	e.registerHandle(ih)
	go func() {
		defer e.tg.Done()
		e.runFresh(ctx, ih, vaultKey, phrase)
	}()
	return nil
}

func (e *Engine) runFresh(ctx context.Context, ih *importHandle, vaultKey vault.MasterKey, phrase string) {
	token := e.deps.Platform.Begin()
	defer e.deps.Platform.End(token)
	ctx, cancel := context.WithCancel(ctx)
	ih.setCancelFunc(cancel)
	defer cancel()

	shareKey, err := e.download(ctx, ih, vaultKey, phrase)
	if err != nil {
		e.handleErr(ih, err)
		return
	}
	if err := e.runFromStaged(ctx, ih, vaultKey, shareKey); err != nil {
		e.handleErr(ih, err)
		return
	}
	e.remove(ih)
}

// download implements spec §4.7 steps 2-7: derive the share key, fetch
// the manifest, download the container to a staged temp file, inspect it
// to classify SVDF vs. legacy and count its files, atomically move it
// into place, persist PendingImportState, pre-claim locally, and
// best-effort claim on the remote.
func (e *Engine) download(ctx context.Context, ih *importHandle, vaultKey vault.MasterKey, phrase string) (crypto.ShareKey, error) {
	phraseVaultID := crypto.PhraseVaultID(phrase)

	var manifest remote.SharedVaultRecord
	err := remote.Do(ctx, func(ctx context.Context) error {
		var getErr error
		manifest, getErr = e.deps.Remote.GetManifestByPhraseVaultID(ctx, phraseVaultID)
		return getErr
	})
	if err != nil {
		if rerr, ok := err.(*remote.Error); ok && rerr.Code == remote.CodeNotFound {
			return crypto.ShareKey{}, remote.ErrVaultNotFound
		}
		return crypto.ShareKey{}, errors.AddContext(err, "could not fetch share manifest")
	}
	if manifest.Revoked {
		return crypto.ShareKey{}, remote.ErrRevoked
	}

	shareKey, policyJSON, err := resolveShareKey(e.deps.Cipher, phrase, manifest.EncryptedPolicy)
	if err != nil {
		return crypto.ShareKey{}, errors.AddContext(err, "share phrase did not unlock this share's policy")
	}
	var policy types.SharePolicy
	if err := json.Unmarshal(policyJSON, &policy); err != nil {
		return crypto.ShareKey{}, errors.AddContext(err, "could not parse share policy")
	}

	if err := os.MkdirAll(importDir(e.deps.DataDir), 0700); err != nil {
		return crypto.ShareKey{}, errors.AddContext(err, "could not create pending import directory")
	}
	tempPath := importDataPath(e.deps.DataDir) + ".download"

	e.publish(ih, "import.downloading", "Downloading share container")
	downloadErr := retryDownload(ctx, func() error {
		return e.transport.DownloadToFile(ctx, manifest.ShareVaultID, manifest.ChunkCount, tempPath)
	})
	if downloadErr != nil {
		os.Remove(tempPath)
		if ctx.Err() != nil {
			return crypto.ShareKey{}, ctx.Err()
		}
		return crypto.ShareKey{}, errors.Compose(remote.ErrDownloadFailed, downloadErr)
	}

	isLegacy, version, totalFiles, err := inspectStagedContainer(tempPath, e.deps.Cipher, shareKey)
	if err != nil {
		os.Remove(tempPath)
		return crypto.ShareKey{}, err
	}
	if err := os.Rename(tempPath, importDataPath(e.deps.DataDir)); err != nil {
		os.Remove(tempPath)
		return crypto.ShareKey{}, errors.AddContext(err, "could not move staged container into place")
	}

	encryptedShareKey, err := e.deps.Cipher.Encrypt(crypto.ShareKey(vaultKey), shareKey[:])
	if err != nil {
		return crypto.ShareKey{}, errors.AddContext(err, "could not wrap share key under vault key")
	}

	ih.mu.Lock()
	ih.state = PendingImportState{
		PhraseVaultID:       phraseVaultID,
		ShareVaultID:        manifest.ShareVaultID,
		EncryptedShareKey:   encryptedShareKey,
		ShareKeyFingerprint: e.deps.Cipher.KeyFingerprint(shareKey),
		EncryptedPolicy:     manifest.EncryptedPolicy,
		IsLegacyFormat:      isLegacy,
		ContainerVersion:    version,
		TotalFiles:          totalFiles,
		CreatedAt:           time.Now(),
	}
	ih.status = StatusImporting
	ih.mu.Unlock()
	if err := ih.persistImmediate(); err != nil {
		return crypto.ShareKey{}, errors.AddContext(err, "could not persist pending import state")
	}
	e.publish(ih, "import.downloaded", fmt.Sprintf("Downloaded container with %d files", totalFiles))

	if err := e.preClaim(ctx, ih, vaultKey, policy, shareKey); err != nil {
		return crypto.ShareKey{}, err
	}
	e.claimRemote(ctx, ih, manifest)
	return shareKey, nil
}

// resolveShareKey implements the phrase-salt-compatibility design note
// (spec §9, §6 "recipients attempt v2 first, fall back to v1 for legacy
// shares"): try the current KDF variant first, then the legacy one,
// succeeding the moment one of them decrypts the policy asset.
func resolveShareKey(cipher crypto.ShareCipher, phrase string, encryptedPolicy []byte) (crypto.ShareKey, []byte, error) {
	for _, variant := range []crypto.KeyDerivationVariant{crypto.KDFv2, crypto.KDFv1} {
		key := crypto.DeriveShareKeyVariant(phrase, variant)
		policyJSON, err := cipher.DecryptStaged(key, encryptedPolicy)
		if err == nil {
			return key, policyJSON, nil
		}
	}
	return crypto.ShareKey{}, nil, errors.New("share phrase did not match either key derivation variant")
}

// retryDownload implements spec §4.7 step 3's whole-download retry: up to
// downloadRetryAttempts tries, with a linearly increasing delay between
// them.
func retryDownload(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= downloadRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == downloadRetryAttempts {
			break
		}
		delay := time.Duration(attempt) * downloadRetryUnit
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// inspectStagedContainer implements spec §4.7 step 4: classify the
// downloaded container as SVDF or legacy, and count its active files,
// using only bounded reads for the SVDF path (header + manifest trailer,
// never the full file).
func inspectStagedContainer(path string, cipher crypto.ShareCipher, shareKey crypto.ShareKey) (isLegacy bool, version svdf.Version, totalFiles int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, 0, 0, errors.AddContext(err, "could not open staged container")
	}
	var prefix [4]byte
	_, readErr := io.ReadFull(f, prefix[:])
	f.Close()
	if readErr != nil && !errors.Contains(readErr, io.EOF) && !errors.Contains(readErr, io.ErrUnexpectedEOF) {
		return false, 0, 0, errors.AddContext(readErr, "could not read container prefix")
	}

	if !svdf.IsSVDF(prefix[:]) {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return false, 0, 0, errors.AddContext(readErr, "could not read legacy container")
		}
		legacy, decodeErr := svdf.DecodeLegacyBlob(data)
		if decodeErr != nil {
			return false, 0, 0, errors.AddContext(decodeErr, "could not decode legacy share container")
		}
		return true, 0, len(legacy.Files), nil
	}

	h, headerErr := svdf.ParseHeaderFile(path)
	if headerErr != nil {
		return false, 0, 0, errors.AddContext(headerErr, "could not parse container header")
	}
	entries, _, manifestErr := svdf.ParseManifestFile(cipher, shareKey, path, h)
	if manifestErr != nil {
		return false, 0, 0, errors.AddContext(manifestErr, "could not parse container manifest")
	}
	return false, h.Version, len(svdf.ActiveEntries(entries)), nil
}

// preClaim implements spec §4.7 step 6: bind the local vault to the
// share's policy before any file is written, so a crash mid-import still
// leaves every already-stored file governed by the policy.
func (e *Engine) preClaim(ctx context.Context, ih *importHandle, vaultKey vault.MasterKey, policy types.SharePolicy, shareKey crypto.ShareKey) error {
	idx, err := e.deps.Storage.LoadIndex(ctx, vaultKey)
	if err != nil {
		return errors.AddContext(err, "could not load vault index")
	}
	idx.ImportedPolicy = &policy
	idx.ImportedShareKeyFingerprint = e.deps.Cipher.KeyFingerprint(shareKey)
	if err := e.deps.Storage.SaveIndex(ctx, idx, vaultKey); err != nil {
		return errors.AddContext(err, "could not save vault index for pre-claim")
	}
	e.publish(ih, "import.claimed.local", "Vault bound to share policy")
	return nil
}

// claimRemote implements spec §4.7 step 7: best-effort only, since the
// local pre-claim already protects the user against a crash.
func (e *Engine) claimRemote(ctx context.Context, ih *importHandle, manifest remote.SharedVaultRecord) {
	manifest.Claimed = true
	if _, err := remote.SaveManifestWithRetry(ctx, e.deps.Remote, manifest); err != nil {
		e.publish(ih, "import.claim.remote.failed", err.Error())
	}
}

// runFromStaged implements spec §4.7 steps 8-9 against the already-staged
// container, shared by both a fresh import (after download) and a
// resumed one.
func (e *Engine) runFromStaged(ctx context.Context, ih *importHandle, vaultKey vault.MasterKey, shareKey crypto.ShareKey) error {
	ih.mu.Lock()
	ih.status = StatusImporting
	ih.mu.Unlock()

	var err error
	if ih.snapshot().IsLegacyFormat {
		err = e.importLegacy(ctx, ih, vaultKey, shareKey)
	} else {
		err = e.importSVDF(ctx, ih, vaultKey, shareKey)
	}
	if err != nil {
		return err
	}
	return e.finalizeImport(ctx, vaultKey)
}

// importSVDF implements spec §4.7 step 8 for an SVDF container: bounded
// metadata extraction, streaming decryption, thumbnail resolution, and
// per-file crash-safe storage with idempotent skip of already-imported
// ids.
func (e *Engine) importSVDF(ctx context.Context, ih *importHandle, vaultKey vault.MasterKey, shareKey crypto.ShareKey) error {
	path := importDataPath(e.deps.DataDir)
	h, err := svdf.ParseHeaderFile(path)
	if err != nil {
		return errors.AddContext(err, "could not parse staged container header")
	}
	entries, _, err := svdf.ParseManifestFile(e.deps.Cipher, shareKey, path, h)
	if err != nil {
		return errors.AddContext(err, "could not parse staged container manifest")
	}
	active := svdf.ActiveEntries(entries)

	f, err := os.Open(path)
	if err != nil {
		return errors.AddContext(err, "could not open staged container")
	}
	defer f.Close()

	total := len(active)
	done := 0
	for _, entry := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ih.snapshot().HasImported(entry.ID) {
			done++
			continue
		}

		meta, metaErr := svdf.ExtractFileEntryMetadata(f, entry.Offset, entry.Size, h.Version)
		if metaErr != nil {
			e.recordFileErr(ih, errors.AddContext(metaErr, "could not extract file entry metadata"))
			done++
			e.markImported(ih, entry.ID, done, total)
			continue
		}

		importErr := e.importOneSVDFFile(ctx, vaultKey, shareKey, f, meta)
		if importErr != nil && isDiskFull(importErr) {
			return errors.AddContext(importErr, "disk full while importing file")
		}
		if importErr != nil {
			e.recordFileErr(ih, importErr)
		}
		done++
		e.markImported(ih, entry.ID, done, total)
	}
	return nil
}

// importOneSVDFFile implements spec §4.7 step 8a-8d for one SVDF entry.
func (e *Engine) importOneSVDFFile(ctx context.Context, vaultKey vault.MasterKey, shareKey crypto.ShareKey, source io.ReaderAt, meta svdf.ExtractedFileMetadata) error {
	encPath := filepath.Join(importDir(e.deps.DataDir), meta.ID+".enc")
	plainPath := filepath.Join(importDir(e.deps.DataDir), meta.ID+".plain")
	defer os.Remove(encPath)
	defer os.Remove(plainPath)

	encOut, err := os.OpenFile(encPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.AddContext(err, "could not create staged encrypted content file")
	}
	extractErr := svdf.ExtractFileContentToSink(source, meta, encOut)
	closeErr := encOut.Close()
	if extractErr != nil {
		return errors.AddContext(extractErr, "could not extract encrypted content")
	}
	if closeErr != nil {
		return errors.AddContext(closeErr, "could not close staged encrypted content file")
	}

	encIn, err := os.Open(encPath)
	if err != nil {
		return errors.AddContext(err, "could not reopen staged encrypted content")
	}
	plainOut, err := os.OpenFile(plainPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		encIn.Close()
		return errors.AddContext(err, "could not create staged plaintext content file")
	}
	decryptErr := crypto.StreamDecryptSinkToFile(encIn, shareKey, plainOut)
	encIn.Close()
	closeErr = plainOut.Close()
	if decryptErr != nil {
		return errors.AddContext(decryptErr, "could not decrypt file content")
	}
	if closeErr != nil {
		return errors.AddContext(closeErr, "could not close staged plaintext content file")
	}

	thumb, thumbErr := resolveThumbnail(e.deps.Cipher, shareKey, meta.EncryptedThumbnail, meta.MimeType, plainPath)
	if thumbErr != nil {
		thumb = nil
	}

	return e.deps.Storage.StoreFileFromURL(ctx, vault.StoreFileFromURLParams{
		ID:                  types.VaultFileID(meta.ID),
		Filename:            meta.Filename,
		MimeType:            meta.MimeType,
		OriginalSize:        meta.OriginalSize,
		CreatedAt:           meta.CreatedAt,
		Duration:            meta.Duration,
		DecryptedThumbnail:  thumb,
		DecryptedContentURL: plainPath,
	})
}

// importLegacy implements spec §4.7 step 8 for a pre-SVDF single-blob
// export: the whole blob is small enough to decode in memory (spec open
// question "legacy non-SVDF import path"), so per-file content never
// needs the bounded-I/O extraction path SVDF uses.
func (e *Engine) importLegacy(ctx context.Context, ih *importHandle, vaultKey vault.MasterKey, shareKey crypto.ShareKey) error {
	data, err := os.ReadFile(importDataPath(e.deps.DataDir))
	if err != nil {
		return errors.AddContext(err, "could not read staged legacy container")
	}
	legacy, err := svdf.DecodeLegacyBlob(data)
	if err != nil {
		return errors.AddContext(err, "could not decode legacy share container")
	}
	files := legacy.ToSharedFiles()

	total := len(files)
	done := 0
	for _, file := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ih.snapshot().HasImported(file.ID) {
			done++
			continue
		}
		importErr := e.importOneLegacyFile(ctx, shareKey, file)
		if importErr != nil && isDiskFull(importErr) {
			return errors.AddContext(importErr, "disk full while importing file")
		}
		if importErr != nil {
			e.recordFileErr(ih, importErr)
		}
		done++
		e.markImported(ih, file.ID, done, total)
	}
	return nil
}

func (e *Engine) importOneLegacyFile(ctx context.Context, shareKey crypto.ShareKey, file svdf.SharedFile) error {
	content, err := e.deps.Cipher.DecryptStaged(shareKey, file.EncryptedContent)
	if err != nil {
		return errors.AddContext(err, "could not decrypt legacy file content")
	}
	thumb, thumbErr := resolveLegacyThumbnail(e.deps.Cipher, shareKey, file.EncryptedThumbnail, file.MimeType, content)
	if thumbErr != nil {
		thumb = nil
	}
	return e.deps.Storage.StoreFile(ctx, vault.StoreFileParams{
		ID:                 types.VaultFileID(file.ID),
		Filename:           file.Filename,
		MimeType:           file.MimeType,
		OriginalSize:       file.OriginalSize,
		CreatedAt:          file.CreatedAt,
		Duration:           file.Duration,
		DecryptedThumbnail: thumb,
		DecryptedContent:   content,
	})
}

// resolveThumbnail implements spec §4.7 step 8c for a file whose
// plaintext content has already been staged to disk: prefer the entry's
// own encrypted thumbnail; else, for an image, downsample the decrypted
// content; else none.
func resolveThumbnail(cipher crypto.ShareCipher, shareKey crypto.ShareKey, encryptedThumbnail []byte, mimeType, plainPath string) ([]byte, error) {
	if len(encryptedThumbnail) > 0 {
		return cipher.DecryptStaged(shareKey, encryptedThumbnail)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		// Video thumbnailing (spec §4.7 step 8c "near 0.5s") has no
		// groundable dependency in this module's stack -- no frame
		// decoder for any container format appears anywhere in it -- so
		// it is left unsupported rather than hand-rolled.
		return nil, nil
	}
	f, err := os.Open(plainPath)
	if err != nil {
		return nil, errors.AddContext(err, "could not open decrypted content for thumbnailing")
	}
	defer f.Close()
	return generateImageThumbnail(f)
}

func resolveLegacyThumbnail(cipher crypto.ShareCipher, shareKey crypto.ShareKey, encryptedThumbnail []byte, mimeType string, content []byte) ([]byte, error) {
	if len(encryptedThumbnail) > 0 {
		return cipher.DecryptStaged(shareKey, encryptedThumbnail)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, nil
	}
	return generateImageThumbnail(bytes.NewReader(content))
}

// generateImageThumbnail downsamples an image read from r to at most
// thumbnailEdge on its longest side, grounded on the teacher pack's
// cs3org-reva thumbnail manager (image.Decode -> imaging.Thumbnail ->
// imaging.Encode).
func generateImageThumbnail(r io.Reader) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.AddContext(err, "could not decode image content")
	}
	thumb := imaging.Thumbnail(img, thumbnailEdge, thumbnailEdge, imaging.Linear)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, errors.AddContext(err, "could not encode generated thumbnail")
	}
	return buf.Bytes(), nil
}

func isDiskFull(err error) bool {
	return errors.Contains(err, syscall.ENOSPC)
}

func (e *Engine) markImported(ih *importHandle, id string, done, total int) {
	ih.mu.Lock()
	ih.state.ImportedFileIDs = append(ih.state.ImportedFileIDs, id)
	ih.mu.Unlock()
	_ = ih.persistImmediate()
	e.publish(ih, "import.file", fmt.Sprintf("Imported %d/%d files", done, total))
}

func (e *Engine) recordFileErr(ih *importHandle, err error) {
	ih.mu.Lock()
	ih.state.DownloadError = err.Error()
	ih.mu.Unlock()
	_ = ih.persistImmediate()
	e.publish(ih, "import.file.error", err.Error())
}

// finalizeImport implements spec §4.7 step 9.
func (e *Engine) finalizeImport(ctx context.Context, vaultKey vault.MasterKey) error {
	idx, err := e.deps.Storage.LoadIndex(ctx, vaultKey)
	if err != nil {
		return errors.AddContext(err, "could not load vault index")
	}
	idx.SharedVaultVersion++
	if err := e.deps.Storage.SaveIndex(ctx, idx, vaultKey); err != nil {
		return errors.AddContext(err, "could not save vault index")
	}
	return removeImportState(e.deps.DataDir)
}

func (e *Engine) handleErr(ih *importHandle, err error) {
	if errors.Contains(err, context.Canceled) {
		e.pause(ih, "Import paused.")
		return
	}
	e.fail(ih, err)
}

func (e *Engine) fail(ih *importHandle, err error) {
	ih.mu.Lock()
	ih.status = StatusFailed
	ih.state.DownloadError = err.Error()
	ih.mu.Unlock()
	_ = ih.persistImmediate()
	e.publish(ih, "import.failed", err.Error())
	e.unregisterHandle()
}

func (e *Engine) pause(ih *importHandle, message string) {
	ih.mu.Lock()
	ih.status = StatusPaused
	ih.mu.Unlock()
	_ = ih.persistImmediate()
	e.publish(ih, "import.paused", message)
	e.unregisterHandle()
}

func (e *Engine) remove(ih *importHandle) {
	e.publish(ih, "import.complete", "Import complete")
	e.unregisterHandle()
}

// Resume implements spec §4.7's resume flow: unwrap the share key under
// vaultKey (never the original phrase, spec §4.6 design note mirrored for
// import) and continue the per-file loop from wherever importedFileIds
// left off.
func (e *Engine) Resume(ctx context.Context, vaultKey vault.MasterKey) error {
	if e.isRunning() {
		return nil
	}
	if !hasPendingImport(e.deps.DataDir) {
		return nil
	}
	st, err := loadState(e.deps.DataDir)
	if err != nil {
		return errors.AddContext(err, "could not load pending import state")
	}
	if st.Expired(time.Now()) {
		_ = removeImportState(e.deps.DataDir)
		return errImportExpired
	}

	if err := e.tg.Add(); err != nil {
		return err
	}
	wal, err := persist.NewJSONWAL(importWalPath(e.deps.DataDir), importStatePath(e.deps.DataDir))
	if err != nil {
		e.tg.Done()
		return errors.AddContext(err, "could not reopen import state")
	}
	ih := &importHandle{wal: wal, state: st, status: StatusImporting}
	e.registerHandle(ih)
	go func() {
		defer e.tg.Done()
		e.runResume(ctx, ih, vaultKey)
	}()
	return nil
}

func (e *Engine) runResume(ctx context.Context, ih *importHandle, vaultKey vault.MasterKey) {
	token := e.deps.Platform.Begin()
	defer e.deps.Platform.End(token)
	ctx, cancel := context.WithCancel(ctx)
	ih.setCancelFunc(cancel)
	defer cancel()

	rawKey, err := e.deps.Cipher.Decrypt(crypto.ShareKey(vaultKey), ih.snapshot().EncryptedShareKey)
	if err != nil {
		e.handleErr(ih, errors.AddContext(err, "could not unwrap share key"))
		return
	}
	var shareKey crypto.ShareKey
	copy(shareKey[:], rawKey)

	if err := e.runFromStaged(ctx, ih, vaultKey, shareKey); err != nil {
		e.handleErr(ih, err)
		return
	}
	e.remove(ih)
}

// Cancel abandons the in-flight or pending import and deletes its local
// staging. Unlike uploadengine.Cancel, this never touches the remote
// store: the share being imported belongs to its owner, not to the
// device cancelling its own import.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	ih := e.handle
	e.mu.Unlock()
	if ih != nil {
		ih.cancelJob()
		e.unregisterHandle()
	}
	return removeImportState(e.deps.DataDir)
}

// Status returns the pending import's current state and status,
// consulting the in-memory handle first and falling back to the state file
// on disk for an import not currently running. The state file does not
// record whether that import was paused or failed, so such an import is
// reported as StatusImporting.
func (e *Engine) Status() (PendingImportState, Status, bool) {
	e.mu.Lock()
	ih := e.handle
	e.mu.Unlock()
	if ih == nil {
		st, err := loadState(e.deps.DataDir)
		if err != nil {
			return PendingImportState{}, "", false
		}
		return st, StatusImporting, true
	}
	ih.mu.Lock()
	defer ih.mu.Unlock()
	return ih.state, ih.status, true
}
