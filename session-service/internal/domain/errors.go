package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("actor does not own this session")
	ErrConflict            = errors.New("session id does not match the current session")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrStreamNotActive     = errors.New("stream is not active")
	ErrInvalidRequest      = errors.New("invalid request")
)
