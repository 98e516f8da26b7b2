package build

var (
	// vaultshareDataDirEnvVar is the environment variable that tells the
	// engines where to put pending-upload/pending-sync/pending-import
	// staging directories and the share cache, overriding the OS default.
	vaultshareDataDirEnvVar = "VAULTSHARE_DATA_DIR"

	// vaultsharePhraseSaltEnvVar can override the legacy (v1) fixed KDF
	// salt for tests; production code must never set this.
	vaultsharePhraseSaltEnvVar = "VAULTSHARE_LEGACY_PHRASE_SALT"
)
