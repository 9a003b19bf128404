package docsync

import "time"

// SaveState reports where a document sits in the persistence cycle.
type SaveState int

const (
	// SaveIdle means no save is scheduled or in flight.
	SaveIdle SaveState = iota
	// SavePending means a debounce timer is armed.
	SavePending
	// SaveSaving means a persistence call is in flight.
	SaveSaving
)

func (s SaveState) String() string {
	switch s {
	case SaveIdle:
		return "idle"
	case SavePending:
		return "pending"
	case SaveSaving:
		return "saving"
	default:
		return "unknown"
	}
}

// FlushReason identifies why an immediate persistence was requested.
type FlushReason string

const (
	// FlushExplicit is a user-issued save command.
	FlushExplicit FlushReason = "explicit"
	// FlushFocusLost is the editing surface losing focus while dirty.
	FlushFocusLost FlushReason = "focus_lost"
	// FlushClose is a document being closed or navigated away from.
	FlushClose FlushReason = "close"
	// FlushShutdown is session teardown flushing every dirty document.
	FlushShutdown FlushReason = "shutdown"
)

// documentState is the per-document record. It is owned by the Run
// loop goroutine; nothing outside the loop may touch it.
type documentState struct {
	id      string
	content string
	dirty   bool

	// version increments on every local edit. Async results carry the
	// version they were computed against and are discarded on mismatch.
	// Compared only for equality, never for ordering.
	version int64

	lastUpdateAt time.Time // last content mutation by any channel
	lastSavedAt  time.Time // last confirmed successful persistence

	// Save coordination. inFlight and saveTimer are orthogonal: an
	// edit during a round trip arms a fresh timer while the old call
	// is still out.
	inFlight   bool
	saveQueued bool // timer fired while a save was in flight
	saveTimer  Timer
	saveGen    int64

	// Format debounce.
	formatTimer Timer
	formatGen   int64

	// Flush and close requests that arrived while a save was in
	// flight. Resolved by the save-result handler.
	parked []parkedRequest
}

// parkedRequest is a flush or close waiting on an in-flight save.
type parkedRequest struct {
	reason FlushReason
	close_ bool
	reply  chan error
}

// saveState derives the coordinator state for reporting.
func (d *documentState) saveState() SaveState {
	switch {
	case d.inFlight:
		return SaveSaving
	case d.saveTimer != nil:
		return SavePending
	default:
		return SaveIdle
	}
}

// stopSaveTimer cancels a pending save timer, if any.
func (d *documentState) stopSaveTimer() {
	if d.saveTimer != nil {
		d.saveTimer.Stop()
		d.saveTimer = nil
	}
}

// stopFormatTimer cancels a pending format timer, if any.
func (d *documentState) stopFormatTimer() {
	if d.formatTimer != nil {
		d.formatTimer.Stop()
		d.formatTimer = nil
	}
}

// DocumentSnapshot is a read-only copy of a document's state, taken on
// the loop goroutine so it is always internally consistent.
type DocumentSnapshot struct {
	ID           string
	Content      string
	Dirty        bool
	Version      int64
	LastUpdateAt time.Time
	LastSavedAt  time.Time
	State        SaveState
	Open         bool
}

func (d *documentState) snapshot() DocumentSnapshot {
	return DocumentSnapshot{
		ID:           d.id,
		Content:      d.content,
		Dirty:        d.dirty,
		Version:      d.version,
		LastUpdateAt: d.lastUpdateAt,
		LastSavedAt:  d.lastSavedAt,
		State:        d.saveState(),
		Open:         true,
	}
}
