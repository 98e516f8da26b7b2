package build

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"
)

var (
	// VaultshareTestingDir is the directory that contains all of the files
	// and folders created during testing.
	VaultshareTestingDir = filepath.Join(os.TempDir(), "VaultshareTesting")
)

// TempDir joins the provided directories and prefixes them with the
// vaultshare testing directory, wiping any stale contents first.
func TempDir(dirs ...string) string {
	path := filepath.Join(VaultshareTestingDir, filepath.Join(dirs...))
	_ = os.RemoveAll(path) // ignore error instead of panicking in production
	return path
}

// CopyFile copies a file from a source to a destination.
func CopyFile(source, dest string) (err error) {
	sf, err := os.Open(source)
	if err != nil {
		return
	}
	defer func() {
		err = errors.Compose(err, sf.Close())
	}()

	df, err := os.Create(dest)
	if err != nil {
		return
	}
	defer func() {
		err = errors.Compose(err, df.Close())
	}()

	_, err = io.Copy(df, sf)
	return
}

// Retry calls fn up to tries times, waiting durationBetweenAttempts between
// each attempt, returning nil the first time fn succeeds. If fn never
// succeeds the final error is returned.
func Retry(tries int, durationBetweenAttempts time.Duration, fn func() error) (err error) {
	for i := 1; i < tries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		time.Sleep(durationBetweenAttempts)
	}
	return fn()
}
