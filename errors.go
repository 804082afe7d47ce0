package graphtable

import (
	"errors"
	"fmt"
)

// Input validation errors, raised synchronously by the call that caused
// them and recoverable by rejecting the record.
var (
	ErrInvalidKey   = errors.New("graphtable: invalid key")
	ErrInvalidValue = errors.New("graphtable: invalid value")
	ErrDuplicateKey = errors.New("graphtable: duplicate key")
)

var (
	// ErrClosed is returned when a finished builder is used again.
	ErrClosed = errors.New("graphtable: is closed")

	// ErrKeyTooLarge is returned when a single record cannot fit into
	// an otherwise empty page. It is fatal, the record is never split.
	ErrKeyTooLarge = errors.New("graphtable: record too large for an empty page")

	// ErrNoSuchFile marks a missing backing file. It is the only
	// retriable error category, via the Stack reload hook.
	ErrNoSuchFile = errors.New("graphtable: no such file")
)

// CorruptError reports an unreadable or internally inconsistent index
// file. It is always fatal and never retried.
type CorruptError struct {
	Name   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("graphtable: corrupt index %s: %s", e.Name, e.Reason)
}

func corruptf(name, format string, args ...interface{}) error {
	return &CorruptError{Name: name, Reason: fmt.Sprintf(format, args...)}
}

// IsNoSuchFile reports whether err stems from a missing backing file.
func IsNoSuchFile(err error) bool { return errors.Is(err, ErrNoSuchFile) }
