// Package remote implements the external remote-client collaborator (spec
// §4.3/§6): typed CRUD over SharedVault manifest records and
// SharedVaultChunk chunk records, plus the retry policy every other
// component in the module composes around. It is grounded on the
// teacher's modules/renter/contractor retry/backoff conventions
// (exponential "2^attempt" delay) and on modules/host's bolt-backed
// record store for the reference localstore implementation
// (remote/localstore), since the real CloudKit-style store is out of
// scope (spec §1) but the interface needs at least one concrete,
// exercisable implementation.
package remote

import "context"

// Client is the remote-store contract every engine depends on (spec §6).
// A concrete implementation need not be transactional across calls; every
// mutation here is either naturally idempotent (chunk saves, claim/
// revoke/consume flips) or protected by the ChangeTag-based optimistic
// concurrency the retry policy drives (spec §4.3).
type Client interface {
	// SaveManifest creates or updates the SharedVault record for
	// record.PhraseVaultID. If record.ChangeTag is stale, implementations
	// return a *Error with Code == CodeRecordChanged so the retry policy
	// can fetch-merge-retry (spec §4.3).
	SaveManifest(ctx context.Context, record SharedVaultRecord) (SharedVaultRecord, error)

	// GetManifestByPhraseVaultID fetches the manifest addressed by
	// phraseVaultID (spec §4.3 checkPhraseAvailability / import path).
	// Returns *Error{Code: CodeNotFound} if absent.
	GetManifestByPhraseVaultID(ctx context.Context, phraseVaultID string) (SharedVaultRecord, error)

	// GetManifestByShareVaultID fetches the manifest by its share vault id,
	// used by the sync/upload engines which only know the random id, not
	// the phrase (spec §4.5-4.6).
	GetManifestByShareVaultID(ctx context.Context, shareVaultID string) (SharedVaultRecord, error)

	// DeleteManifest removes the manifest record, used by cancel's
	// best-effort remote delete (spec §4.5, §5).
	DeleteManifest(ctx context.Context, shareVaultID string) error

	// ConsumedStatusByShareVaultIDs batch-queries the consumed flag for
	// every id in ids, returning a map keyed by share vault id (spec
	// §4.3 consume / §4.6 step 2).
	ConsumedStatusByShareVaultIDs(ctx context.Context, ids []string) (map[string]bool, error)

	// SaveChunk creates or in-place-updates the chunk record at
	// (shareVaultID, chunk.ChunkIndex), deterministic key (spec §4.2).
	// Retries on CodeRecordChanged are the caller's responsibility via
	// the retry policy (existing-chunk updates are the only path that can
	// conflict).
	SaveChunk(ctx context.Context, shareVaultID string, chunk SharedVaultChunkRecord) error

	// GetChunk fetches one chunk record. Returns *Error{Code:
	// CodeNotFound} if absent.
	GetChunk(ctx context.Context, shareVaultID string, index int) (SharedVaultChunkRecord, error)

	// DeleteChunk removes one chunk record (used by incremental sync's
	// shrinkage cleanup, spec §4.2).
	DeleteChunk(ctx context.Context, shareVaultID string, index int) error

	// ListChunkIndices returns every chunk index currently stored for
	// shareVaultID (spec §4.2 resumption protocol). Implementations
	// paginate internally using server cursors when there are more than
	// ~100 records; callers see the fully materialized set.
	ListChunkIndices(ctx context.Context, shareVaultID string) (map[int]bool, error)

	// DeleteAllChunks removes every chunk record for shareVaultID (used
	// by a full share delete, distinct from revoke, spec §4.3).
	DeleteAllChunks(ctx context.Context, shareVaultID string) error
}
