package remote

import "github.com/uplo-tech/errors"

// ErrorCode classifies a remote-store failure the way spec §4.3/§7
// enumerates them, so the retry policy (retry.go) can decide whether a
// failure is transient.
type ErrorCode int

const (
	// CodeOther is any error the retry policy treats as non-retryable.
	CodeOther ErrorCode = iota
	CodeNetworkUnavailable
	CodeNetworkFailure
	CodeServiceUnavailable
	CodeZoneBusy
	CodeRateLimited
	CodeNotAuthenticated
	CodeAccountTemporarilyUnavailable
	CodeRecordChanged
	CodeNotFound
)

// transientCodes is the set the retry policy retries (spec §4.3).
var transientCodes = map[ErrorCode]bool{
	CodeNetworkUnavailable:           true,
	CodeNetworkFailure:               true,
	CodeServiceUnavailable:           true,
	CodeZoneBusy:                     true,
	CodeRateLimited:                  true,
	CodeNotAuthenticated:             true,
	CodeAccountTemporarilyUnavailable: true,
}

// Error wraps a remote-store failure with its classification and an
// optional server-supplied retry-after hint (spec §4.3).
type Error struct {
	Code       ErrorCode
	RetryAfter *float64 // seconds, as CloudKit-style stores report it
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "remote error"
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether e's code is one of the transient codes the
// retry policy retries (spec §4.3).
func (e *Error) Retryable() bool { return transientCodes[e.Code] }

// Sentinel errors surfaced by CheckPhraseAvailability and the import
// engine (spec §4.3, §7).
var (
	ErrVaultNotFound  = errors.New("share vault not found")
	ErrAlreadyClaimed = errors.New("share has already been claimed")
	ErrRevoked        = errors.New("share has been revoked")
	ErrNetworkError   = errors.New("network error contacting remote store")
	ErrNotAvailable   = errors.New("remote account not reachable")

	// ErrUploadFailed and ErrDownloadFailed wrap the inner cause once the
	// retry budget (spec §4.3: up to 3 attempts) is exhausted.
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")

	// ErrMissingChunk is returned by Download when any expected chunk
	// index has no record on the remote store (spec §4.2).
	ErrMissingChunk = errors.New("missing chunk on remote store")
)
