package remote

import (
	"strconv"
	"time"
)

// SharedVaultRecord is the manifest record described in spec §4.3/§6,
// keyed on the remote store by PhraseVaultID. ChangeTag stands in for the
// CloudKit-style record change tag the retry policy's optimistic-
// concurrency handling (spec §4.3 "record-changed") compares against; a
// concrete RemoteClient implementation is free to use whatever the
// underlying store calls it (ETag, version vector, row version).
type SharedVaultRecord struct {
	ShareVaultID     string
	PhraseVaultID    string
	UpdatedAt        time.Time
	Version          int
	OwnerFingerprint string
	ChunkCount       int
	Claimed          bool
	Revoked          bool
	Consumed         bool

	// EncryptedPolicy is the binary asset holding the share-key-encrypted
	// SharePolicy JSON (spec §6).
	EncryptedPolicy []byte

	// ChangeTag identifies the revision of this record as last observed
	// from the remote store; empty for a record that has never been
	// fetched or saved.
	ChangeTag string
}

// SharedVaultChunkRecord is one chunk record (spec §4.3/§6), keyed by
// "{shareVaultId}_chunk_{index}".
type SharedVaultChunkRecord struct {
	VaultID    string
	ChunkIndex int
	ChunkData  []byte
	ChangeTag  string
}

// ChunkKey returns the deterministic remote-store key for a chunk record
// (spec §4.2).
func ChunkKey(shareVaultID string, index int) string {
	return shareVaultID + "_chunk_" + strconv.Itoa(index)
}
