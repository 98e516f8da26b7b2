package remote

import (
	"context"
	"time"

	"github.com/uplo-tech/errors"
)

// MaxRetryAttempts is the retry budget for a transient remote-store
// failure (spec §4.3).
const MaxRetryAttempts = 3

// sleepFunc is overridable by tests so the retry-policy backoff schedule
// never actually blocks a test for real wall-clock seconds.
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs op, retrying up to MaxRetryAttempts times when op returns a
// retryable *Error (spec §4.3 transient codes: networkUnavailable,
// networkFailure, serviceUnavailable, zoneBusy, rateLimited,
// notAuthenticated, accountTemporarilyUnavailable). The delay between
// attempts is the server-supplied retry-after if present, else
// 2^attempt seconds. Non-retryable errors propagate immediately.
func Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= MaxRetryAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		rerr, ok := err.(*Error)
		if !ok || !rerr.Retryable() {
			return err
		}
		if attempt == MaxRetryAttempts {
			break
		}
		delay := backoffDelay(rerr, attempt)
		if sleepErr := sleepFunc(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

func backoffDelay(rerr *Error, attempt int) time.Duration {
	if rerr.RetryAfter != nil && *rerr.RetryAfter > 0 {
		return time.Duration(*rerr.RetryAfter * float64(time.Second))
	}
	return (1 << uint(attempt)) * time.Second
}

// SaveManifestWithRetry saves record, and on a CodeRecordChanged conflict
// fetches the server's current copy, copies record's mutable fields onto
// it, and retries -- the optimistic-concurrency dance spec §4.3 and
// scenario S6 describe. CodeRecordChanged is not a transient code (it is
// not retryable by Do), so this loop drives the merge-retry itself, up to
// MaxRetryAttempts attempts, each individual save still going through Do
// for ordinary transient-failure retry.
func SaveManifestWithRetry(ctx context.Context, client Client, record SharedVaultRecord) (SharedVaultRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetryAttempts; attempt++ {
		var result SharedVaultRecord
		err := Do(ctx, func(ctx context.Context) error {
			saved, err := client.SaveManifest(ctx, record)
			if err != nil {
				return err
			}
			result = saved
			return nil
		})
		if err == nil {
			return result, nil
		}
		rerr, ok := err.(*Error)
		if !ok || rerr.Code != CodeRecordChanged {
			return SharedVaultRecord{}, errors.AddContext(err, "could not save manifest")
		}
		lastErr = err
		if attempt == MaxRetryAttempts {
			break
		}
		server, getErr := client.GetManifestByPhraseVaultID(ctx, record.PhraseVaultID)
		if getErr != nil {
			return SharedVaultRecord{}, errors.AddContext(getErr, "could not fetch current manifest after conflict")
		}
		record = mergeManifestFields(record, server)
	}
	return SharedVaultRecord{}, errors.AddContext(lastErr, "could not save manifest after exhausting merge-retries")
}

// mergeManifestFields copies local's caller-owned fields onto server's
// ChangeTag so the next SaveManifest attempt targets the current
// revision (spec §4.3 "copy fields from the local version onto it").
func mergeManifestFields(local, server SharedVaultRecord) SharedVaultRecord {
	merged := local
	merged.ChangeTag = server.ChangeTag
	return merged
}

// CheckPhraseAvailability implements spec §4.3's phrase-availability
// check: fetch the manifest by phraseVaultID and classify the result.
func CheckPhraseAvailability(ctx context.Context, client Client, phraseVaultID string) error {
	record, err := client.GetManifestByPhraseVaultID(ctx, phraseVaultID)
	if err != nil {
		if rerr, ok := err.(*Error); ok {
			switch rerr.Code {
			case CodeNotFound:
				return ErrVaultNotFound
			case CodeNetworkUnavailable, CodeNetworkFailure:
				return ErrNetworkError
			}
		}
		return errors.AddContext(err, "could not check phrase availability")
	}
	if record.Revoked {
		return ErrRevoked
	}
	if record.Claimed {
		return ErrAlreadyClaimed
	}
	return nil
}
