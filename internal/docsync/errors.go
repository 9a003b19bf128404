package docsync

import (
	"errors"
	"fmt"
)

// ErrEngineClosed is returned by entry points after the engine's Run
// loop has exited.
var ErrEngineClosed = errors.New("docsync: engine closed")

// SyncErrorCode categorizes engine errors.
type SyncErrorCode string

const (
	// ErrCodeSaveFailed indicates a debounced persistence call failed.
	// The document stays dirty; the next edit or an explicit flush
	// retries.
	ErrCodeSaveFailed SyncErrorCode = "SAVE_FAILED"

	// ErrCodeFlushFailed indicates an immediate persistence attempt
	// failed. Highest severity on close: it is the last chance to
	// persist before in-memory state is discarded.
	ErrCodeFlushFailed SyncErrorCode = "FLUSH_FAILED"

	// ErrCodeUnknownDocument indicates the document id is not open.
	ErrCodeUnknownDocument SyncErrorCode = "UNKNOWN_DOCUMENT"
)

// SyncError is an error from the engine with structured context.
type SyncError struct {
	Code   SyncErrorCode
	DocID  string
	Reason FlushReason // set for flush failures
	Err    error
}

func (e *SyncError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s: doc %s (%s): %v", e.Code, e.DocID, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: doc %s: %v", e.Code, e.DocID, e.Err)
	default:
		return fmt.Sprintf("%s: doc %s", e.Code, e.DocID)
	}
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsUnknownDocument reports whether err is an unknown-document error.
// Uses errors.As to handle wrapped errors.
func IsUnknownDocument(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeUnknownDocument
	}
	return false
}

// IsFlushFailure reports whether err is a failed force-flush.
func IsFlushFailure(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeFlushFailed
	}
	return false
}

func errUnknownDocument(id string) *SyncError {
	return &SyncError{Code: ErrCodeUnknownDocument, DocID: id}
}
