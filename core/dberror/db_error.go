// Package dberror defines the error taxonomy shared by every storage layer.
//
// Three kinds exist: usage errors (the caller did something the engine
// refuses), I/O errors (storage unreachable) and corruption errors (storage
// reachable but its bytes do not decode). Every specific sentinel wraps one
// kind, so callers classify with errors.Is against the kind.
package dberror

import (
	"errors"
	"fmt"
)

// --- Error Kinds ---

var (
	ErrUsage      = errors.New("usage error")
	ErrIO         = errors.New("i/o error")
	ErrCorruption = errors.New("corrupt storage")
)

// --- Error Definitions ---

var (
	ErrWriterActive        = fmt.Errorf("%w: a write transaction is already active for this session", ErrUsage)
	ErrTxnInvalidState     = fmt.Errorf("%w: transaction is in an invalid state for this operation", ErrUsage)
	ErrSessionClosed       = fmt.Errorf("%w: session is closed", ErrUsage)
	ErrSessionAlreadyOpen  = fmt.Errorf("%w: a session is already open for this storage path", ErrUsage)
	ErrRevisionNotFound    = fmt.Errorf("%w: revision was never committed", ErrUsage)
	ErrOffsetOutOfRange    = fmt.Errorf("%w: reference offset out of range", ErrUsage)
	ErrRecordKeyOutOfRange = fmt.Errorf("%w: record key exceeds the addressable range", ErrUsage)
	ErrLayoutMismatch      = fmt.Errorf("%w: storage was written with a different indirect layout", ErrUsage)
	ErrInvalidConfig       = fmt.Errorf("%w: invalid configuration", ErrUsage)
	ErrStorageClosed       = fmt.Errorf("%w: storage is closed", ErrUsage)

	ErrChecksumMismatch = fmt.Errorf("%w: page checksum mismatch", ErrCorruption)
	ErrInvalidPageData  = fmt.Errorf("%w: invalid page data", ErrCorruption)
	ErrInvalidBeacon    = fmt.Errorf("%w: no valid beacon record", ErrCorruption)

	// ErrEmptyStorage is returned when a storage holds no beacon yet.
	ErrEmptyStorage = errors.New("storage has no committed revision")
	// ErrRecordNotFound is returned for records that were never written or are tombstoned.
	ErrRecordNotFound = errors.New("record not found")
)

// IO wraps an operating-system or driver error as an I/O error.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// Corrupt wraps a decoding failure as a corruption error.
func Corrupt(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrInvalidPageData, what)
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidPageData, what, err)
}

// IsUsage reports whether err is a usage error.
func IsUsage(err error) bool { return errors.Is(err, ErrUsage) }

// IsIO reports whether err is an I/O error.
func IsIO(err error) bool { return errors.Is(err, ErrIO) }

// IsCorruption reports whether err is a corruption error.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }
