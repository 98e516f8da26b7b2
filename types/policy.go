package types

import "time"

// SharePolicy carries the recipient-facing access rules attached to a
// share (spec §3, §6). It is opaque to every component except that it is
// marshaled to JSON, encrypted under the share key, and stored as the
// remote manifest record's policy asset.
type SharePolicy struct {
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	MaxOpens          *int       `json:"maxOpens,omitempty"`
	AllowScreenshots  bool       `json:"allowScreenshots"`
	AllowDownloads    bool       `json:"allowDownloads"`
}

// Expired reports whether the policy's expiry timestamp (if any) has
// passed as of now.
func (p SharePolicy) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// ShareRecord is the entry appended to the owner's vault index once a
// share finishes uploading (spec §4.5 step 12): the local bookkeeping
// twin of the remote SharedVault manifest record.
type ShareRecord struct {
	ShareVaultID        ShareVaultID
	PhraseVaultID       PhraseVaultID
	ShareKeyFingerprint string

	// EncryptedShareKey is the share key, encrypted under the vault's own
	// master key, so the sync engine can recover it on a later run without
	// the owner re-entering the share phrase (spec §4.6: the sync trigger
	// only ever carries a vault key, never a phrase).
	EncryptedShareKey []byte

	Policy       SharePolicy
	CreatedAt    time.Time
	LastSyncedAt *time.Time
	SyncSequence int
}
