package repositories

import "errors"

var (
	// ErrInvalidKey is returned for empty keys or keys with unsupported part types
	ErrInvalidKey = errors.New("invalid key")

	// ErrValueTooLarge is returned when an encoded value exceeds MaxValueBytes
	ErrValueTooLarge = errors.New("value too large")

	// ErrInvalidMutation is returned when sum/min/max meets a non-integer value
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrStoreClosed is returned by engines after Close
	ErrStoreClosed = errors.New("store closed")
)
