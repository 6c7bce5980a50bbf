// Package kerr implements the error taxonomy shared by every Keramics
// layer: Io, Format, Unsupported, OutOfRange, Corrupt, NotFound, Encrypted.
package kerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way spec §7 requires every layer to.
type Kind int

const (
	// Io means the underlying file read failed.
	Io Kind = iota
	// Format means an on-disk value violated the format.
	Format
	// Unsupported means the input is recognized but not implemented.
	Unsupported
	// OutOfRange means the caller asked for an offset beyond the stream.
	OutOfRange
	// Corrupt means a decompressor returned invalid data for the declared size.
	Corrupt
	// NotFound means a path or entry is not present.
	NotFound
	// Encrypted means the stream requires keys the core does not manage.
	Encrypted
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Format:
		return "format"
	case Unsupported:
		return "unsupported"
	case OutOfRange:
		return "out_of_range"
	case Corrupt:
		return "corrupt"
	case NotFound:
		return "not_found"
	case Encrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Error is the single error type every layer returns. It carries the
// offending offset and the layer that produced it so the caller never has
// to re-derive context that was available at the point of failure.
type Error struct {
	Kind   Kind
	Layer  string
	Offset int64
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: %s at offset %d: %s", e.Layer, e.Kind, e.Offset, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Layer, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, kerr.ErrNotFound) style matching work against the
// Kind sentinels below, without requiring callers to unwrap an *Error.
func (e *Error) Is(target error) bool {
	if k, ok := target.(kindSentinel); ok {
		return e.Kind == k.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (k kindSentinel) Error() string { return k.kind.String() }

// Sentinels for errors.Is matching: errors.Is(err, kerr.ErrNotFound).
var (
	ErrIo          error = kindSentinel{Io}
	ErrFormat      error = kindSentinel{Format}
	ErrUnsupported error = kindSentinel{Unsupported}
	ErrOutOfRange  error = kindSentinel{OutOfRange}
	ErrCorrupt     error = kindSentinel{Corrupt}
	ErrNotFound    error = kindSentinel{NotFound}
	ErrEncrypted   error = kindSentinel{Encrypted}
)

// New builds an *Error with no wrapped cause.
func New(kind Kind, layer string, offset int64, msg string) *Error {
	return &Error{Kind: kind, Layer: layer, Offset: offset, Msg: msg}
}

// Wrap builds an *Error wrapping cause.
func Wrap(kind Kind, layer string, offset int64, msg string, cause error) *Error {
	return &Error{Kind: kind, Layer: layer, Offset: offset, Msg: msg, Cause: cause}
}

// WithOffset returns a copy of err (if it is a *Error) with Offset set,
// used when a lower layer didn't know the logical offset a higher layer does.
func WithOffset(err error, offset int64) error {
	var e *Error
	if errors.As(err, &e) {
		clone := *e
		clone.Offset = offset
		return &clone
	}
	return err
}
