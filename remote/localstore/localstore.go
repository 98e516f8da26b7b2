// Package localstore is a bolt-backed reference implementation of
// remote.Client (spec §6), standing in for the real CloudKit-style
// record store (out of scope, spec §1) in tests and local-dev mode. It
// is grounded on modules/host's bolt-backed storage-obligation store in
// the teacher repo: one bucket per record kind, Update/View transactions,
// JSON-encoded values.
package localstore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/uplo-tech/bolt"
	"github.com/uplo-tech/errors"

	"github.com/uplo-tech/vaultshare/remote"
)

var (
	bucketManifests = []byte("manifests")
	bucketChunks    = []byte("chunks")
)

// Store is a bolt-backed remote.Client. changeTagCounter assigns a
// monotonically increasing ChangeTag to every manifest write so
// optimistic-concurrency conflicts (spec §4.3) are detectable.
type Store struct {
	db               *bolt.DB
	changeTagCounter uint64
}

// New opens (creating if necessary) a bolt database at path and returns a
// Store backed by it.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.AddContext(err, "could not open localstore database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketManifests); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketChunks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "could not initialize localstore buckets")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bolt database.
func (s *Store) Close() error { return s.db.Close() }

type manifestRow struct {
	ShareVaultID     string
	PhraseVaultID    string
	UpdatedAt        time.Time
	Version          int
	OwnerFingerprint string
	ChunkCount       int
	Claimed          bool
	Revoked          bool
	Consumed         bool
	EncryptedPolicy  []byte
	ChangeTag        string
}

func (r manifestRow) toRecord() remote.SharedVaultRecord {
	return remote.SharedVaultRecord{
		ShareVaultID:     r.ShareVaultID,
		PhraseVaultID:    r.PhraseVaultID,
		UpdatedAt:        r.UpdatedAt,
		Version:          r.Version,
		OwnerFingerprint: r.OwnerFingerprint,
		ChunkCount:       r.ChunkCount,
		Claimed:          r.Claimed,
		Revoked:          r.Revoked,
		Consumed:         r.Consumed,
		EncryptedPolicy:  r.EncryptedPolicy,
		ChangeTag:        r.ChangeTag,
	}
}

func fromRecord(rec remote.SharedVaultRecord) manifestRow {
	return manifestRow{
		ShareVaultID:     rec.ShareVaultID,
		PhraseVaultID:    rec.PhraseVaultID,
		UpdatedAt:        rec.UpdatedAt,
		Version:          rec.Version,
		OwnerFingerprint: rec.OwnerFingerprint,
		ChunkCount:       rec.ChunkCount,
		Claimed:          rec.Claimed,
		Revoked:          rec.Revoked,
		Consumed:         rec.Consumed,
		EncryptedPolicy:  rec.EncryptedPolicy,
		ChangeTag:        rec.ChangeTag,
	}
}

func (s *Store) nextChangeTag() string {
	n := atomic.AddUint64(&s.changeTagCounter, 1)
	return strconv.FormatUint(n, 16)
}

// SaveManifest implements remote.Client.
func (s *Store) SaveManifest(ctx context.Context, record remote.SharedVaultRecord) (remote.SharedVaultRecord, error) {
	var saved remote.SharedVaultRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		existing := b.Get([]byte(record.PhraseVaultID))
		if existing != nil {
			var cur manifestRow
			if err := json.Unmarshal(existing, &cur); err != nil {
				return errors.AddContext(err, "could not unmarshal existing manifest")
			}
			if record.ChangeTag != "" && record.ChangeTag != cur.ChangeTag {
				return &remote.Error{Code: remote.CodeRecordChanged, Err: errors.New("manifest change tag mismatch")}
			}
		}
		row := fromRecord(record)
		row.ChangeTag = s.nextChangeTag()
		buf, err := json.Marshal(row)
		if err != nil {
			return errors.AddContext(err, "could not marshal manifest")
		}
		if err := b.Put([]byte(record.PhraseVaultID), buf); err != nil {
			return err
		}
		saved = row.toRecord()
		return nil
	})
	return saved, err
}

// GetManifestByPhraseVaultID implements remote.Client.
func (s *Store) GetManifestByPhraseVaultID(ctx context.Context, phraseVaultID string) (remote.SharedVaultRecord, error) {
	var row manifestRow
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketManifests).Get([]byte(phraseVaultID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &row)
	})
	if err != nil {
		return remote.SharedVaultRecord{}, err
	}
	if !found {
		return remote.SharedVaultRecord{}, &remote.Error{Code: remote.CodeNotFound, Err: errors.New("manifest not found")}
	}
	return row.toRecord(), nil
}

// GetManifestByShareVaultID implements remote.Client by scanning the
// manifest bucket; a real CloudKit-style store would maintain a secondary
// index, but the reference store's scale doesn't warrant one.
func (s *Store) GetManifestByShareVaultID(ctx context.Context, shareVaultID string) (remote.SharedVaultRecord, error) {
	var row manifestRow
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketManifests).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r manifestRow
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ShareVaultID == shareVaultID {
				row = r
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return remote.SharedVaultRecord{}, err
	}
	if !found {
		return remote.SharedVaultRecord{}, &remote.Error{Code: remote.CodeNotFound, Err: errors.New("manifest not found")}
	}
	return row.toRecord(), nil
}

// DeleteManifest implements remote.Client.
func (s *Store) DeleteManifest(ctx context.Context, shareVaultID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r manifestRow
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ShareVaultID == shareVaultID {
				return b.Delete(k)
			}
		}
		return nil
	})
}

// ConsumedStatusByShareVaultIDs implements remote.Client.
func (s *Store) ConsumedStatusByShareVaultIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string]bool, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketManifests).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r manifestRow
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if want[r.ShareVaultID] {
				out[r.ShareVaultID] = r.Consumed
			}
		}
		return nil
	})
	return out, err
}

type chunkRow struct {
	VaultID    string
	ChunkIndex int
	ChunkData  []byte
	ChangeTag  string
}

// SaveChunk implements remote.Client: idempotent create-or-update keyed by
// the deterministic chunk key (spec §4.2).
func (s *Store) SaveChunk(ctx context.Context, shareVaultID string, chunk remote.SharedVaultChunkRecord) error {
	key := []byte(remote.ChunkKey(shareVaultID, chunk.ChunkIndex))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		row := chunkRow{VaultID: shareVaultID, ChunkIndex: chunk.ChunkIndex, ChunkData: chunk.ChunkData, ChangeTag: s.nextChangeTag()}
		buf, err := json.Marshal(row)
		if err != nil {
			return errors.AddContext(err, "could not marshal chunk")
		}
		return b.Put(key, buf)
	})
}

// GetChunk implements remote.Client.
func (s *Store) GetChunk(ctx context.Context, shareVaultID string, index int) (remote.SharedVaultChunkRecord, error) {
	key := []byte(remote.ChunkKey(shareVaultID, index))
	var row chunkRow
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(key)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &row)
	})
	if err != nil {
		return remote.SharedVaultChunkRecord{}, err
	}
	if !found {
		return remote.SharedVaultChunkRecord{}, &remote.Error{Code: remote.CodeNotFound, Err: errors.New("chunk not found")}
	}
	return remote.SharedVaultChunkRecord{VaultID: row.VaultID, ChunkIndex: row.ChunkIndex, ChunkData: row.ChunkData, ChangeTag: row.ChangeTag}, nil
}

// DeleteChunk implements remote.Client.
func (s *Store) DeleteChunk(ctx context.Context, shareVaultID string, index int) error {
	key := []byte(remote.ChunkKey(shareVaultID, index))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete(key)
	})
}

// ListChunkIndices implements remote.Client.
func (s *Store) ListChunkIndices(ctx context.Context, shareVaultID string) (map[int]bool, error) {
	out := make(map[int]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row chunkRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.VaultID == shareVaultID {
				out[row.ChunkIndex] = true
			}
		}
		return nil
	})
	return out, err
}

// DeleteAllChunks implements remote.Client.
func (s *Store) DeleteAllChunks(ctx context.Context, shareVaultID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row chunkRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.VaultID == shareVaultID {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ remote.Client = (*Store)(nil)
