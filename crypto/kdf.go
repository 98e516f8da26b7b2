package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/uplo-tech/fastrand"

	"github.com/uplo-tech/vaultshare/build"
)

// KeyDerivationVariant selects which of the two share-phrase KDF schemes
// (spec §6, Design Note "phrase salt compatibility") to use.
type KeyDerivationVariant int

const (
	// KDFv2 uses a salt derived from the normalized phrase itself. All
	// new shares are created with this variant.
	KDFv2 KeyDerivationVariant = iota
	// KDFv1 uses a single fixed salt shared by every phrase. Retained
	// read-only for importing shares created by older clients.
	KDFv1
)

const (
	pbkdf2Iterations = 100000
	saltSize         = 16
)

// NormalizePhrase applies the normalization spec §6 requires before any
// phrase is hashed or stretched: lower-case, trim, collapse internal
// whitespace runs to single spaces.
func NormalizePhrase(phrase string) string {
	fields := strings.Fields(strings.ToLower(phrase))
	return strings.Join(fields, " ")
}

// PhraseVaultID computes the deterministic remote-manifest record name for
// a share phrase: the leading 16 bytes of SHA-256 of the normalized
// phrase, hex-encoded (spec §3, §6).
func PhraseVaultID(phrase string) string {
	sum := sha256.Sum256([]byte(NormalizePhrase(phrase)))
	return hex.EncodeToString(sum[:16])
}

// phraseSalt derives the per-phrase salt used by KDFv2: SHA-256 of the
// normalized phrase prefixed with a fixed domain-separation string, so the
// salt is deterministic (required for recipients to re-derive the same key
// from the same phrase) without reusing the phrase bytes directly as a
// salt.
func phraseSalt(normalized string) []byte {
	sum := sha256.Sum256([]byte("vaultshare-kdfv2-salt|" + normalized))
	return sum[:saltSize]
}

// DeriveShareKey derives a ShareKey from a human-readable share phrase
// using the current (v2) variant: PBKDF2-HMAC-SHA256 over the normalized
// phrase with a per-phrase salt. Upload always uses this variant (spec §9
// Open Question: "emit only the new variant on upload").
func DeriveShareKey(phrase string) ShareKey {
	return deriveShareKeyVariant(phrase, KDFv2)
}

// DeriveShareKeyVariant derives a ShareKey using the requested KDF variant,
// letting import paths attempt v2 first and fall back to v1 (spec §9).
func DeriveShareKeyVariant(phrase string, variant KeyDerivationVariant) ShareKey {
	return deriveShareKeyVariant(phrase, variant)
}

func deriveShareKeyVariant(phrase string, variant KeyDerivationVariant) ShareKey {
	normalized := NormalizePhrase(phrase)
	var salt []byte
	switch variant {
	case KDFv1:
		salt = []byte(legacyFixedSalt())
	default:
		salt = phraseSalt(normalized)
	}
	derived := pbkdf2.Key([]byte(normalized), salt, pbkdf2Iterations, ShareKeySize, sha256.New)
	var key ShareKey
	copy(key[:], derived)
	return key
}

// legacyFixedSaltOverride lets tests exercise the v1 fallback
// deterministically without touching the real fixed salt.
var legacyFixedSaltOverride string

// SetLegacyFixedSaltForTesting overrides the v1 KDF salt; production code
// must never call this.
func SetLegacyFixedSaltForTesting(salt string) { legacyFixedSaltOverride = salt }

func legacyFixedSalt() string {
	if legacyFixedSaltOverride != "" {
		return legacyFixedSaltOverride
	}
	return build.LegacyPhraseSalt()
}

// GenerateShareVaultID returns a fresh random 128-bit UUID string for a new
// share, independent of the phrase (spec §3 ShareVaultId).
func GenerateShareVaultID() string {
	return newUUID()
}

// GenerateVaultFileID returns a fresh random 128-bit UUID string, used for
// new VaultFile identities.
func GenerateVaultFileID() string {
	return newUUID()
}

func newUUID() string {
	b := fastrand.Bytes(16)
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return hex.EncodeToString(b[0:4]) + "-" +
		hex.EncodeToString(b[4:6]) + "-" +
		hex.EncodeToString(b[6:8]) + "-" +
		hex.EncodeToString(b[8:10]) + "-" +
		hex.EncodeToString(b[10:16])
}
