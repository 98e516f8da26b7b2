// Package transport implements the chunk transport (spec §4.2): fixed
// 2 MiB chunking of SVDF containers with deterministic chunk ids,
// resumable upload via server-side chunk enumeration, content-hash
// incremental diffing, and bounded-concurrency parallel transfer. It is
// grounded on the teacher's worker-job dispatch shape
// (modules/renter/workerjobreadsector.go: a bounded pool of workers
// pulling off a shared job channel and reporting results back) and its
// download fan-out/fan-in (modules/renter/download.go), generalized from
// per-host RPCs to per-chunk remote.Client calls.
package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"
	"github.com/uplo-tech/threadgroup"

	"github.com/uplo-tech/vaultshare/remote"
)

// ChunkSize is the fixed chunk size (spec §4.2): 2 MiB,
// well under the remote store's 50 MiB per-asset ceiling.
const ChunkSize = 2 * 1024 * 1024

// DefaultConcurrency is the bounded worker-pool width for chunk
// upload/download (spec §4.2, §4.5).
const DefaultConcurrency = 4

// TotalChunks returns ceil(size / ChunkSize), minimum 1 (spec §4.2).
func TotalChunks(size int64) int {
	if size <= 0 {
		return 1
	}
	n := (size + ChunkSize - 1) / ChunkSize
	if n < 1 {
		n = 1
	}
	return int(n)
}

// ChunkHash returns the hex-encoded SHA-256 of one chunk's bytes (spec
// §4.2).
func ChunkHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Transport drives chunked upload/download against a remote.Client,
// bounding worker concurrency. It carries a shared ratelimit.RateLimit
// the same way Renter.rl is threaded down into every host connection
// (spec §4.2, §5): this package doesn't itself dial the network (that's
// the concrete remote.Client's job, same as proto.editor dialing a host),
// so RateLimit() exposes the shared limiter for a network-backed
// remote.Client implementation to wrap its connection with
// ratelimit.NewRLConn at dial time, exactly as workerrpc.go does for host
// streams.
type Transport struct {
	client      remote.Client
	rl          *ratelimit.RateLimit
	tg          *threadgroup.ThreadGroup
	concurrency int
}

// New returns a Transport bounded to DefaultConcurrency parallel workers.
// rl may be nil, in which case no bandwidth shaping is configured.
func New(client remote.Client, rl *ratelimit.RateLimit, tg *threadgroup.ThreadGroup) *Transport {
	return &Transport{client: client, rl: rl, tg: tg, concurrency: DefaultConcurrency}
}

// RateLimit returns the shared bandwidth limiter, or nil if none was
// configured.
func (t *Transport) RateLimit() *ratelimit.RateLimit { return t.rl }

// ChunkData is one (index, bytes) pair to upload (spec §4.2 "general
// form").
type ChunkData struct {
	Index int
	Bytes []byte
}

// ProgressFunc is invoked after each chunk completes, reporting count
// completed so far out of total; completion order is not guaranteed to
// match index order (spec §4.2, §5).
type ProgressFunc func(completed, total int)

func (t *Transport) stopChan() <-chan struct{} {
	if t.tg == nil {
		return nil
	}
	return t.tg.StopChan()
}

// UploadChunks uploads every chunk arriving on in using a bounded worker
// pool of t.concurrency workers, reporting progress by count (spec §4.2:
// "the transport does not claim ordering among chunks"). The whole
// operation aborts on the first worker error or on ctx cancellation.
func (t *Transport) UploadChunks(ctx context.Context, shareVaultID string, in <-chan ChunkData, total int, progress ProgressFunc) error {
	if err := t.tgAdd(); err != nil {
		return err
	}
	defer t.tgDone()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if stop := t.stopChan(); stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	workers := t.concurrency
	if workers < 1 {
		workers = 1
	}

	var (
		mu        sync.Mutex
		firstErr  error
		completed int
		wg        sync.WaitGroup
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for c := range in {
				if ctx.Err() != nil {
					continue
				}
				if err := t.uploadOne(ctx, shareVaultID, c); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = errors.AddContext(err, "could not upload chunk")
						cancel()
					}
					mu.Unlock()
					continue
				}
				mu.Lock()
				completed++
				n := completed
				mu.Unlock()
				if progress != nil {
					progress(n, total)
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (t *Transport) uploadOne(ctx context.Context, shareVaultID string, c ChunkData) error {
	rec := remote.SharedVaultChunkRecord{VaultID: shareVaultID, ChunkIndex: c.Index, ChunkData: c.Bytes}
	return remote.Do(ctx, func(ctx context.Context) error {
		return t.client.SaveChunk(ctx, shareVaultID, rec)
	})
}

func (t *Transport) tgAdd() error {
	if t.tg == nil {
		return nil
	}
	return t.tg.Add()
}

func (t *Transport) tgDone() {
	if t.tg != nil {
		t.tg.Done()
	}
}

// UploadChunksFromFile uploads exactly the chunks at indices from the
// file at fileURL, deduplicating indices and skipping empty (end-of-file)
// reads (spec §4.2 "file-based upload"). This is the resume path: callers
// pass the set of missing indices computed from ResumeMissingIndices.
func (t *Transport) UploadChunksFromFile(ctx context.Context, shareVaultID, fileURL string, indices []int, progress ProgressFunc) error {
	f, err := os.Open(fileURL)
	if err != nil {
		return errors.AddContext(err, "could not open file for chunked upload")
	}
	defer f.Close()

	unique := dedupeIndices(indices)
	total := len(unique)
	in := make(chan ChunkData)
	go func() {
		defer close(in)
		buf := make([]byte, ChunkSize)
		for _, idx := range unique {
			if _, err := f.Seek(int64(idx)*ChunkSize, io.SeekStart); err != nil {
				return
			}
			n, readErr := io.ReadFull(f, buf)
			if n == 0 {
				continue
			}
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case in <- ChunkData{Index: idx, Bytes: chunk}:
			case <-ctx.Done():
				return
			}
			if readErr != nil && !errors.Contains(readErr, io.ErrUnexpectedEOF) && !errors.Contains(readErr, io.EOF) {
				return
			}
		}
	}()
	return t.UploadChunks(ctx, shareVaultID, in, total, progress)
}

func dedupeIndices(indices []int) []int {
	seen := make(map[int]bool, len(indices))
	out := make([]int, 0, len(indices))
	for _, i := range indices {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// ComputeChunkHashesFile streams the file at path chunk-by-chunk,
// returning the hex SHA-256 hash of each (spec §4.2, §8).
func ComputeChunkHashesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.AddContext(err, "could not open file to hash chunks")
	}
	defer f.Close()
	return ComputeChunkHashesReader(f)
}

// ComputeChunkHashesReader streams r chunk-by-chunk, returning the hex
// SHA-256 hash of each ChunkSize-sized (or shorter final) chunk.
func ComputeChunkHashesReader(r io.Reader) ([]string, error) {
	var hashes []string
	buf := make([]byte, ChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			hashes = append(hashes, ChunkHash(buf[:n]))
		}
		if errors.Contains(err, io.EOF) {
			break
		}
		if errors.Contains(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, errors.AddContext(err, "could not read chunk")
		}
	}
	if len(hashes) == 0 {
		hashes = []string{ChunkHash(nil)}
	}
	return hashes, nil
}

// ComputeChunkHashesBuffer hashes an in-memory buffer chunk-by-chunk.
func ComputeChunkHashesBuffer(data []byte) []string {
	if len(data) == 0 {
		return []string{ChunkHash(nil)}
	}
	var hashes []string
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		hashes = append(hashes, ChunkHash(data[off:end]))
	}
	return hashes
}

// ResumeMissingIndices implements spec §4.2's resumption protocol: query
// the remote store for every chunk index that already exists for
// shareVaultID, and return the complement within {0..totalChunks-1}.
func (t *Transport) ResumeMissingIndices(ctx context.Context, shareVaultID string, totalChunks int) ([]int, error) {
	var existing map[int]bool
	err := remote.Do(ctx, func(ctx context.Context) error {
		var err error
		existing, err = t.client.ListChunkIndices(ctx, shareVaultID)
		return err
	})
	if err != nil {
		return nil, errors.AddContext(err, "could not list existing chunk indices")
	}
	var missing []int
	for i := 0; i < totalChunks; i++ {
		if !existing[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// IncrementalSyncPlan is the result of diffing new chunk hashes against
// previously synced ones (spec §4.2 incremental sync, §8 invariant).
type IncrementalSyncPlan struct {
	UploadIndices []int
	DeleteIndices []int
}

// PlanIncrementalSync computes which chunk indices must be (re-)uploaded
// and which must be deleted given newHashes and previousHashes (spec
// §4.2): upload where the previous list has no entry (growth) or the
// hashes differ; delete remote chunks at indices [len(new), len(previous))
// on shrinkage.
func PlanIncrementalSync(newHashes, previousHashes []string) IncrementalSyncPlan {
	var plan IncrementalSyncPlan
	for i, h := range newHashes {
		if i >= len(previousHashes) || previousHashes[i] != h {
			plan.UploadIndices = append(plan.UploadIndices, i)
		}
	}
	for i := len(newHashes); i < len(previousHashes); i++ {
		plan.DeleteIndices = append(plan.DeleteIndices, i)
	}
	return plan
}

// ApplyIncrementalSync uploads the chunks named by plan.UploadIndices
// (reading them out of the file at fileURL) and deletes
// plan.DeleteIndices from the remote store (spec §4.2).
func (t *Transport) ApplyIncrementalSync(ctx context.Context, shareVaultID, fileURL string, plan IncrementalSyncPlan, progress ProgressFunc) error {
	if len(plan.UploadIndices) > 0 {
		if err := t.UploadChunksFromFile(ctx, shareVaultID, fileURL, plan.UploadIndices, progress); err != nil {
			return err
		}
	}
	for _, idx := range plan.DeleteIndices {
		err := remote.Do(ctx, func(ctx context.Context) error {
			return t.client.DeleteChunk(ctx, shareVaultID, idx)
		})
		if err != nil {
			return errors.AddContext(err, "could not delete shrunk chunk")
		}
	}
	return nil
}

// Download fetches every chunk in [0, totalChunks) for shareVaultID with
// up to t.concurrency parallel fetches and concatenates them in index
// order (spec §4.2 "fan out <=4 parallel fetches"). Fails if any index is
// missing. Peak memory holds the whole container, unlike DownloadToFile;
// callers downloading an arbitrarily large container should prefer that
// instead.
func (t *Transport) Download(ctx context.Context, shareVaultID string, totalChunks int) ([]byte, error) {
	chunks := make([][]byte, totalChunks)
	err := t.downloadEach(ctx, shareVaultID, totalChunks, func(idx int, data []byte) error {
		chunks[idx] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// DownloadToFile is the bounded-memory variant of Download (spec §4.2
// "bounded-memory download of arbitrarily large containers"): each chunk
// is written directly to outPath at index*ChunkSize as soon as its fetch
// completes, so at most t.concurrency chunks are ever resident in memory
// at once, regardless of total container size.
func (t *Transport) DownloadToFile(ctx context.Context, shareVaultID string, totalChunks int, outPath string) error {
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.AddContext(err, "could not create download destination file")
	}
	defer f.Close()

	return t.downloadEach(ctx, shareVaultID, totalChunks, func(idx int, data []byte) error {
		if _, err := f.WriteAt(data, int64(idx)*ChunkSize); err != nil {
			return errors.AddContext(err, "could not write downloaded chunk to file")
		}
		return nil
	})
}

// downloadEach fetches every chunk in [0, totalChunks) with up to
// t.concurrency parallel GetChunk calls, invoking handle as each arrives.
// handle is called from the fetching goroutine itself (never concurrently
// for the same idx, and each idx is disjoint), so callers writing to
// distinct slice elements or distinct file offsets need no locking of
// their own.
func (t *Transport) downloadEach(ctx context.Context, shareVaultID string, totalChunks int, handle func(idx int, data []byte) error) error {
	if err := t.tgAdd(); err != nil {
		return err
	}
	defer t.tgDone()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		idx int
		err error
	}
	results := make(chan result, totalChunks)
	sem := make(chan struct{}, t.concurrency)

	for i := 0; i < totalChunks; i++ {
		i := i
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		go func() {
			defer func() { <-sem }()
			var rec remote.SharedVaultChunkRecord
			err := remote.Do(ctx, func(ctx context.Context) error {
				var err error
				rec, err = t.client.GetChunk(ctx, shareVaultID, i)
				return err
			})
			if err != nil {
				if rerr, ok := err.(*remote.Error); ok && rerr.Code == remote.CodeNotFound {
					err = errors.Compose(remote.ErrMissingChunk, err)
				}
				results <- result{idx: i, err: errors.AddContext(err, "could not download chunk")}
				return
			}
			if herr := handle(i, rec.ChunkData); herr != nil {
				results <- result{idx: i, err: herr}
				return
			}
			results <- result{idx: i}
		}()
	}

	for i := 0; i < totalChunks; i++ {
		r := <-results
		if r.err != nil {
			cancel()
			return r.err
		}
	}
	return nil
}
