package transport

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/uplo-tech/vaultshare/remote"
	"github.com/uplo-tech/vaultshare/remote/localstore"
)

func TestTotalChunks(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{0, 1},
		{1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{3 * ChunkSize, 3},
	}
	for _, c := range cases {
		if got := TotalChunks(c.size); got != c.want {
			t.Errorf("TotalChunks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestComputeChunkHashesBufferMatchesConcat(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, ChunkSize*2+17)
	hashes := ComputeChunkHashesBuffer(data)
	if len(hashes) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(hashes))
	}

	var reassembled []byte
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		reassembled = append(reassembled, data[off:end]...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatal("concat(chunks(D)) != D")
	}
}

func TestComputeChunkHashesReaderMatchesBuffer(t *testing.T) {
	data := bytes.Repeat([]byte{0x07}, ChunkSize+100)
	fromBuf := ComputeChunkHashesBuffer(data)
	fromReader, err := ComputeChunkHashesReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fromBuf, fromReader) {
		t.Fatalf("reader hashes %v != buffer hashes %v", fromReader, fromBuf)
	}
}

func TestComputeChunkHashesFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	hashes, err := ComputeChunkHashesFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 1 {
		t.Fatalf("expected a single hash for an empty file, got %d", len(hashes))
	}
}

func TestPlanIncrementalSyncGrowth(t *testing.T) {
	prev := []string{"a", "b"}
	next := []string{"a", "b", "c"}
	plan := PlanIncrementalSync(next, prev)
	if !reflect.DeepEqual(plan.UploadIndices, []int{2}) {
		t.Fatalf("unexpected upload indices: %v", plan.UploadIndices)
	}
	if len(plan.DeleteIndices) != 0 {
		t.Fatalf("unexpected delete indices: %v", plan.DeleteIndices)
	}
}

func TestPlanIncrementalSyncShrinkage(t *testing.T) {
	prev := []string{"a", "b", "c"}
	next := []string{"a", "b"}
	plan := PlanIncrementalSync(next, prev)
	if len(plan.UploadIndices) != 0 {
		t.Fatalf("unexpected upload indices: %v", plan.UploadIndices)
	}
	if !reflect.DeepEqual(plan.DeleteIndices, []int{2}) {
		t.Fatalf("unexpected delete indices: %v", plan.DeleteIndices)
	}
}

func TestPlanIncrementalSyncChangedContent(t *testing.T) {
	prev := []string{"a", "b", "c"}
	next := []string{"a", "x", "c"}
	plan := PlanIncrementalSync(next, prev)
	if !reflect.DeepEqual(plan.UploadIndices, []int{1}) {
		t.Fatalf("unexpected upload indices: %v", plan.UploadIndices)
	}
	if len(plan.DeleteIndices) != 0 {
		t.Fatalf("unexpected delete indices: %v", plan.DeleteIndices)
	}
}

func newTestTransport(t *testing.T) (*Transport, remote.Client) {
	t.Helper()
	store, err := localstore.New(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil, nil), store
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx := context.Background()
	shareID := "share-round-trip"

	data := bytes.Repeat([]byte{0x11}, ChunkSize+500)
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	total := TotalChunks(int64(len(data)))
	indices := make([]int, total)
	for i := range indices {
		indices[i] = i
	}

	var completedCalls []int
	progress := func(completed, total int) { completedCalls = append(completedCalls, completed) }

	if err := tr.UploadChunksFromFile(ctx, shareID, path, indices, progress); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(completedCalls) != total {
		t.Fatalf("expected %d progress calls, got %d", total, len(completedCalls))
	}

	got, err := tr.Download(ctx, shareID, total)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded bytes do not match uploaded bytes")
	}
}

func TestDownloadToFile(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx := context.Background()
	shareID := "share-to-file"

	data := bytes.Repeat([]byte{0x22}, 2*ChunkSize)
	srcPath := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(srcPath, data, 0600); err != nil {
		t.Fatal(err)
	}
	total := TotalChunks(int64(len(data)))
	indices := []int{0, 1}
	if err := tr.UploadChunksFromFile(ctx, shareID, srcPath, indices, nil); err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	if err := tr.DownloadToFile(ctx, shareID, total, outPath); err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("file download mismatch")
	}
}

func TestResumeMissingIndices(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx := context.Background()
	shareID := "share-resume"

	data := bytes.Repeat([]byte{0x33}, 3*ChunkSize)
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	total := TotalChunks(int64(len(data)))

	if err := tr.UploadChunksFromFile(ctx, shareID, path, []int{0, 2}, nil); err != nil {
		t.Fatal(err)
	}

	missing, err := tr.ResumeMissingIndices(ctx, shareID, total)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(missing, []int{1}) {
		t.Fatalf("expected index 1 missing, got %v", missing)
	}

	if err := tr.UploadChunksFromFile(ctx, shareID, path, missing, nil); err != nil {
		t.Fatal(err)
	}
	missing, err = tr.ResumeMissingIndices(ctx, shareID, total)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no missing indices after resume, got %v", missing)
	}
}

func TestApplyIncrementalSyncDeletesShrunkChunks(t *testing.T) {
	tr, client := newTestTransport(t)
	ctx := context.Background()
	shareID := "share-shrink"

	full := bytes.Repeat([]byte{0x44}, 3*ChunkSize)
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, full, 0600); err != nil {
		t.Fatal(err)
	}
	if err := tr.UploadChunksFromFile(ctx, shareID, path, []int{0, 1, 2}, nil); err != nil {
		t.Fatal(err)
	}

	plan := IncrementalSyncPlan{DeleteIndices: []int{2}}
	if err := tr.ApplyIncrementalSync(ctx, shareID, path, plan, nil); err != nil {
		t.Fatal(err)
	}

	indices, err := client.ListChunkIndices(ctx, shareID)
	if err != nil {
		t.Fatal(err)
	}
	if indices[2] {
		t.Fatal("expected chunk 2 to be deleted")
	}
	if !indices[0] || !indices[1] {
		t.Fatalf("expected chunks 0 and 1 to remain, got %+v", indices)
	}
}

func TestDownloadFailsOnMissingChunk(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx := context.Background()
	shareID := "share-incomplete"

	data := bytes.Repeat([]byte{0x55}, 2*ChunkSize)
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	if err := tr.UploadChunksFromFile(ctx, shareID, path, []int{0}, nil); err != nil {
		t.Fatal(err)
	}

	_, err := tr.Download(ctx, shareID, 2)
	if err == nil {
		t.Fatal("expected an error for an incomplete chunk set")
	}
}
