package persist

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

const (
	// DefaultDiskPermissionsTest is used when creating files or directories
	// in tests.
	DefaultDiskPermissionsTest = 0750

	// FixedMetadataSize is the size of the FixedMetadata header in bytes.
	FixedMetadataSize = 32

	// defaultDirPermissions is the default permissions when creating dirs.
	defaultDirPermissions = 0700

	// defaultFilePermissions is the default permissions when creating files.
	defaultFilePermissions = 0600

	// randomBytes is the number of bytes to use to ensure sufficient
	// randomness in RandomSuffix/UID.
	randomBytes = 20

	// tempSuffix is the suffix applied to the temporary/staging versions of
	// the files being persisted atomically.
	tempSuffix = "_temp"
)

var (
	// ErrBadFilenameSuffix indicates that SaveJSON or LoadJSON was called
	// using a filename that has a bad suffix. This prevents callers from
	// trying to manage the temp files themselves - this package manages
	// them automatically.
	ErrBadFilenameSuffix = errors.New("filename suffix not allowed")

	// ErrBadHeader indicates that the file opened is not the file that was
	// expected.
	ErrBadHeader = errors.New("wrong header")

	// ErrBadVersion indicates that the version number of the file is not
	// compatible with the current codebase.
	ErrBadVersion = errors.New("incompatible version")

	// ErrFileInUse is returned if SaveJSON or LoadJSON is called on a file
	// that's already being manipulated by another goroutine.
	ErrFileInUse = errors.New("another goroutine is saving or loading this file")
)

var (
	// activeFiles tracks which filenames are currently being used for
	// saving and loading. There should never be a situation where the same
	// file is being called twice from different goroutines, since this
	// package has no way to order such concurrent calls.
	activeFiles   = make(map[string]struct{})
	activeFilesMu sync.Mutex
)

// Metadata contains the header and version of the data being stored in a
// JSON-persisted file.
type Metadata struct {
	Header  string
	Version string
}

// FixedMetadata is the fixed-length equivalent of Metadata, used to prefix
// binary containers (such as an SVDF file) where a variable-length JSON
// header would be awkward to bound.
type FixedMetadata struct {
	Header  [16]byte
	Version [16]byte
}

// NewFixedMetadata builds a FixedMetadata from plain strings, truncating or
// zero-padding each to 16 bytes.
func NewFixedMetadata(header, version string) FixedMetadata {
	var m FixedMetadata
	copy(m.Header[:], header)
	copy(m.Version[:], version)
	return m
}

// RandomSuffix returns a 20 character base32 suffix for a filename. There
// are 100 bits of entropy, and a very low probability of unintentionally
// colliding with an existing file.
func RandomSuffix() string {
	str := base32.StdEncoding.EncodeToString(fastrand.Bytes(randomBytes))
	return str[:20]
}

// UID returns a hexadecimal encoded string that can be used as a unique ID.
func UID() string {
	return hex.EncodeToString(fastrand.Bytes(randomBytes))
}

// RemoveFile removes an atomically-persisted file from disk, along with any
// uncommitted temporary version of it.
func RemoveFile(filename string) error {
	if err := os.RemoveAll(filename); err != nil {
		return err
	}
	temps, err := filepath.Glob(filename + tempSuffix + "_*")
	if err != nil {
		return err
	}
	for _, tmp := range temps {
		if err := os.RemoveAll(tmp); err != nil {
			return err
		}
	}
	return nil
}

// VerifyMetadataHeader takes in a reader and an expected metadata header; if
// the file's header or version differs from expected, it returns the
// corresponding error along with the actual header that was read.
func VerifyMetadataHeader(r io.Reader, expected FixedMetadata) (FixedMetadata, error) {
	b := make([]byte, FixedMetadataSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return FixedMetadata{}, errors.AddContext(err, "could not read metadata header")
	}
	var actual FixedMetadata
	copy(actual.Header[:], b[:16])
	copy(actual.Version[:], b[16:32])

	if !bytes.Equal(actual.Header[:], expected.Header[:]) {
		return actual, ErrBadHeader
	}
	if !bytes.Equal(actual.Version[:], expected.Version[:]) {
		return actual, ErrBadVersion
	}
	return actual, nil
}

// lockFile marks filename as in-use, returning ErrFileInUse if it already is.
func lockFile(filename string) error {
	activeFilesMu.Lock()
	defer activeFilesMu.Unlock()
	if _, ok := activeFiles[filename]; ok {
		return ErrFileInUse
	}
	activeFiles[filename] = struct{}{}
	return nil
}

func unlockFile(filename string) {
	activeFilesMu.Lock()
	defer activeFilesMu.Unlock()
	delete(activeFiles, filename)
}

// SaveJSON atomically writes metadata and data as JSON to filename: it
// writes to a randomly-suffixed temp file in the same directory, syncs it,
// then renames it over filename. A torn write can never leave filename
// partially written because the rename is atomic on every platform Go
// targets.
func SaveJSON(meta Metadata, data interface{}, filename string) error {
	if err := lockFile(filename); err != nil {
		return err
	}
	defer unlockFile(filename)

	type envelope struct {
		Metadata
		Data interface{} `json:"data"`
	}
	b, err := json.MarshalIndent(envelope{meta, data}, "", "\t")
	if err != nil {
		return errors.AddContext(err, "could not marshal persisted data")
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, defaultDirPermissions); err != nil {
		return errors.AddContext(err, "could not create persist directory")
	}

	tmpFilename := filename + tempSuffix + "_" + RandomSuffix()
	f, err := os.OpenFile(tmpFilename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, defaultFilePermissions)
	if err != nil {
		return errors.AddContext(err, "could not create temp persist file")
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmpFilename)
		return errors.AddContext(err, "could not write temp persist file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpFilename)
		return errors.AddContext(err, "could not sync temp persist file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpFilename)
		return errors.AddContext(err, "could not close temp persist file")
	}
	if err := os.Rename(tmpFilename, filename); err != nil {
		os.Remove(tmpFilename)
		return errors.AddContext(err, "could not rename temp persist file into place")
	}
	return nil
}

// LoadJSON loads a file previously written by SaveJSON, verifying that its
// metadata header and version match expected.
func LoadJSON(meta Metadata, data interface{}, filename string) error {
	if err := lockFile(filename); err != nil {
		return err
	}
	defer unlockFile(filename)

	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}

	type envelope struct {
		Metadata
		Data interface{} `json:"data"`
	}
	env := envelope{Data: data}
	if err := json.Unmarshal(b, &env); err != nil {
		return errors.AddContext(err, "could not unmarshal persisted data")
	}
	if env.Header != meta.Header {
		return ErrBadHeader
	}
	if env.Version != meta.Version {
		return ErrBadVersion
	}
	return nil
}
