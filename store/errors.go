package store

import "errors"

var (
	// ErrNotAuthenticated is returned by write operations when no user
	// identity can be resolved. Read operations do not return it; they
	// report "nothing saved" instead.
	ErrNotAuthenticated = errors.New("store: not authenticated")

	// ErrStorageUnavailable is returned when the underlying database
	// cannot be opened or migrated.
	ErrStorageUnavailable = errors.New("store: storage unavailable")

	// ErrQuotaExceeded is returned when a save would push total stored
	// bytes over the configured quota.
	ErrQuotaExceeded = errors.New("store: storage quota exceeded")

	// ErrNotFound is returned by operations that require an existing
	// record. Get and GetContent return nil instead of this error.
	ErrNotFound = errors.New("store: document not found")
)
