package location

import "errors"

var (
	// ErrInvalidArgument is returned for out-of-range coordinates or radius.
	ErrInvalidArgument = errors.New("location: invalid argument")

	// ErrUnauthenticated is returned when an operation needs an identity and none was resolved.
	ErrUnauthenticated = errors.New("location: unauthenticated")

	// ErrStorageUnavailable wraps durable store and spatial index failures.
	// It is never retried here; callers decide on backoff.
	ErrStorageUnavailable = errors.New("location: storage unavailable")
)
