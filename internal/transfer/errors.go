package transfer

import "errors"

var (
	ErrProbeFailed      = errors.New("metadata probe failed")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrCancelled        = errors.New("transfer cancelled")
	ErrPaused           = errors.New("transfer paused")
)

// NetworkError marks a transient failure that may be retried.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsInterrupt reports whether err is a cooperative stop rather than a failure.
func IsInterrupt(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrPaused)
}
