package registry

import "errors"

var (
	// ErrNoMoreItems marks the normal end of a value or subkey enumeration.
	ErrNoMoreItems  = errors.New("no more items")
	ErrUnknownHive  = errors.New("unknown hive")
	ErrNotFound     = errors.New("key not found")
	ErrAccessDenied = errors.New("access denied")
	// ErrNotSupported is returned by stores that cannot reach a live registry.
	ErrNotSupported = errors.New("registry access not supported on this platform")
)
