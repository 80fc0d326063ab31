package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidCapability = errors.New("incompatible rtp capabilities")
	ErrStreamNotActive   = errors.New("stream is not active")
	ErrConflict          = errors.New("session conflict")
)

// Retryable reports whether the caller should try the same request again
// later without changing it.
func Retryable(err error) bool {
	return errors.Is(err, ErrStreamNotActive)
}
