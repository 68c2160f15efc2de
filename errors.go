// Package dmsnapd is the root package of the copy-on-write snapshot
// metadata server module. It holds the structured error type, the
// re-exported layout constants and the metrics layer; the B-tree,
// allocator, journal, snaplock table and request dispatcher live in the
// internal packages, and the CLI entry point is cmd/dmsnapd.
package dmsnapd

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// Error is a structured dmsnapd error carrying enough context to build a
// wire-level error reply and to log a useful diagnostic. It generalizes
// the teacher's ublk.Error (Op/Code/Errno/Msg/Inner) to this domain's
// request/chunk/snapshot-tag framing; see DESIGN.md.
type Error struct {
	Op       string        // operation that failed, e.g. "QUERY_WRITE", "CREATE_SNAPSHOT"
	Code     ErrorCode      // high-level error category, maps onto a wire error code
	Chunk    types.ChunkT  // chunk address involved, if any
	HasChunk bool
	SnapTag  uint32 // snapshot tag involved, if any
	HasTag   bool
	Msg      string // human-readable diagnostic
	Inner    error  // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.HasChunk {
		parts = append(parts, fmt.Sprintf("chunk=%d", e.Chunk))
	}
	if e.HasTag {
		parts = append(parts, fmt.Sprintf("tag=%d", e.SnapTag))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("dmsnapd: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("dmsnapd: %s", msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents the high-level error categories from spec.md §7.
type ErrorCode string

const (
	ErrCodeInvalidSnapshot ErrorCode = "invalid snapshot"
	ErrCodeUseCount        ErrorCode = "usecount out of range"
	ErrCodeSizeMismatch    ErrorCode = "size mismatch"
	ErrCodeOffsetMismatch  ErrorCode = "offset mismatch"
	ErrCodeUnknownMessage  ErrorCode = "unknown message"
	ErrCodeFull            ErrorCode = "store full"
	ErrCodeUnableCopyout   ErrorCode = "unable to copy out"
	ErrCodeIO              ErrorCode = "I/O error"
	ErrCodeProtocol        ErrorCode = "protocol error"
)

// NewError creates a plain structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewChunkError creates a structured error scoped to a single chunk.
func NewChunkError(op string, chunk types.ChunkT, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Chunk: chunk, HasChunk: true}
}

// NewSnapshotError creates a structured error scoped to a snapshot tag.
func NewSnapshotError(op string, tag uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, SnapTag: tag, HasTag: true}
}

// WrapError wraps an existing error with dmsnapd context, preserving the
// inner error's Code when it is already a structured *Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var de *Error
	if errors.As(inner, &de) {
		return &Error{
			Op:       op,
			Code:     de.Code,
			Chunk:    de.Chunk,
			HasChunk: de.HasChunk,
			SnapTag:  de.SnapTag,
			HasTag:   de.HasTag,
			Msg:      de.Msg,
			Inner:    inner,
		}
	}
	return &Error{Op: op, Code: ErrCodeIO, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or any error it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Sentinel errors for callers of the root package. The internal packages
// do not import this package and define their own (alloc.ErrStoreFull,
// btree.ErrFull).
var (
	ErrFull            = errors.New("dmsnapd: allocation space exhausted")
	ErrNotFound        = errors.New("dmsnapd: not found")
	ErrInvalidSnapshot = errors.New("dmsnapd: invalid snapshot tag")
	ErrBusy            = errors.New("dmsnapd: snapstore is marked busy (unclean shutdown)")
)
