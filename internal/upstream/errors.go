package upstream

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransmissionStopped is returned from progress callbacks to abort an
	// in-flight transfer cooperatively.
	ErrTransmissionStopped = errors.New("upstream: transmission stopped")

	// ErrBadRequest covers stale file references and size mismatches; the
	// caller re-fetches the message and retries.
	ErrBadRequest = errors.New("upstream: bad request")

	// ErrAuthKeyUnregistered means the stored session is no longer valid.
	ErrAuthKeyUnregistered = errors.New("upstream: auth key unregistered")

	// ErrNotFound means the requested message or chat does not exist.
	ErrNotFound = errors.New("upstream: not found")

	// ErrTimeout is a transient network condition worth a fixed-delay retry.
	ErrTimeout = errors.New("upstream: timeout")

	// ErrPasswordNeeded signals that 2FA is enabled for the account.
	ErrPasswordNeeded = errors.New("upstream: two-step verification password needed")
)

// FloodWaitError carries the wait the upstream demanded before retrying.
type FloodWaitError struct {
	Duration time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("upstream: flood wait %s", e.Duration)
}

// AsFloodWait extracts the requested wait from err, if it is one.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Duration, true
	}
	return 0, false
}

// IsAuthError reports whether err should invalidate the stored session.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthKeyUnregistered)
}
