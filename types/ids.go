// Package types holds the small, cross-engine data model shared by every
// component in spec §3: the external VaultFile shape, share identifiers,
// and the policy/share-record types that flow between the owner's vault
// index and the remote manifest record.
package types

// VaultFileID is the 128-bit UUID identifying a VaultFile (spec §3),
// represented as its canonical hex string form.
type VaultFileID string

// ShareVaultID is the per-share random 128-bit UUID that addresses a share
// on the remote store independent of its phrase (spec §3).
type ShareVaultID string

// PhraseVaultID is the deterministic digest of a normalized share phrase,
// used as the remote manifest record name (spec §3).
type PhraseVaultID string
