package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotFound is matched by *NotFoundError.
	ErrNotFound = errors.New("plugin definition not found")

	// ErrHashMismatch is returned when a pinned hash does not match the
	// registered source.
	ErrHashMismatch = errors.New("plugin source hash mismatch")

	// ErrEmptyKey is returned when registering without a key.
	ErrEmptyKey = errors.New("plugin key cannot be empty")

	// ErrImportNotAllowed is wrapped by compile errors for imports
	// outside the loader's allowlist.
	ErrImportNotAllowed = errors.New("import not allowed")
)

// NotFoundError reports an unregistered (key, version) pair.
type NotFoundError struct {
	Key     string
	Version int
}

func (e *NotFoundError) Error() string {
	if e.Version <= 0 {
		return fmt.Sprintf("plugin %s: %v", e.Key, ErrNotFound)
	}
	return fmt.Sprintf("plugin %s@%d: %v", e.Key, e.Version, ErrNotFound)
}

// Is lets errors.Is match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// CompileError reports source that failed to load as a module.
// The failure is cached for the version; it is not retried.
type CompileError struct {
	Key     string
	Version int
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("plugin %s@%d: compile: %v", e.Key, e.Version, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
