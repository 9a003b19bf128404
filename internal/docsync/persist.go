package docsync

import "time"

// Persistence coordinator: owns the save debounce timer, issues the
// persistence call, and resolves races between in-flight saves and
// newer local edits.
//
// Per-document state machine: Idle → PendingSave → Saving → (Idle |
// PendingSave). The critical mechanism is the snapshot comparison on
// ack: a save is only confirmed if the content is unchanged since the
// snapshot AND no mutation happened during the round trip. Marking
// saved unconditionally on ack loses whatever the user typed while the
// call was out.

// armSaveTimer (re)arms the save debounce. The previous timer, if any,
// is stopped first: at most one live save timer per document, and N
// edits inside the window coalesce into a single save carrying the last
// edit's content.
func (e *Engine) armSaveTimer(doc *documentState) {
	doc.stopSaveTimer()
	doc.saveGen++
	gen := doc.saveGen
	id := doc.id
	doc.saveTimer = e.clock.AfterFunc(e.saveDelay, func() {
		e.queue.Enqueue(event{typ: evSaveTimer, docID: id, gen: gen})
	})
}

// armFormatTimer (re)arms the format debounce. No-op without a
// configured formatter.
func (e *Engine) armFormatTimer(doc *documentState) {
	if e.formatter == nil {
		return
	}
	doc.stopFormatTimer()
	doc.formatGen++
	gen := doc.formatGen
	id := doc.id
	doc.formatTimer = e.clock.AfterFunc(e.formatDelay, func() {
		e.queue.Enqueue(event{typ: evFormatTimer, docID: id, gen: gen})
	})
}

// handleSaveTimer starts the persistence call when the debounce
// elapses. A fire whose generation does not match lost a cancellation
// race and is ignored.
func (e *Engine) handleSaveTimer(docID string, gen int64) {
	doc, ok := e.docs[docID]
	if !ok || gen != doc.saveGen {
		return
	}
	doc.saveTimer = nil

	if !doc.dirty {
		// Flushed (or remote-updated) between arming and firing.
		return
	}
	if doc.inFlight {
		// At most one persistence call in flight per document. The
		// result handler re-issues if the document is still dirty.
		doc.saveQueued = true
		return
	}

	e.startSave(doc)
}

// startSave snapshots the document and issues the persistence call on a
// worker goroutine. The result re-enters the loop as an event carrying
// the snapshot.
func (e *Engine) startSave(doc *documentState) {
	doc.inFlight = true
	snap := saveSnapshot{
		docID:   doc.id,
		content: doc.content,
		version: doc.version,
		startAt: e.clock.Now(),
	}

	e.log.Debug("save starting",
		"doc", snap.docID,
		"version", snap.version,
		"content_length", len(snap.content),
	)

	go func() {
		err := e.saver.Save(e.runCtx, snap.docID, snap.content, e.origin)
		e.queue.Enqueue(event{
			typ:   evSaveResult,
			docID: snap.docID,
			snap:  snap,
			err:   err,
			ackAt: e.clock.Now(),
		})
	}()
}

// handleSaveResult resolves a completed persistence call against what
// happened during the round trip.
func (e *Engine) handleSaveResult(ev event) {
	doc, ok := e.docs[ev.snap.docID]
	if !ok {
		// Discarded while the save was out. Nothing to update.
		e.log.Debug("save result for closed document", "doc", ev.snap.docID)
		return
	}
	doc.inFlight = false

	switch {
	case ev.err != nil:
		// Recoverable: the document stays dirty and the next edit or
		// an explicit flush retries.
		e.log.Error("save failed",
			"doc", doc.id,
			"version", ev.snap.version,
			"error", ev.err,
		)
		if e.metrics != nil {
			e.metrics.SaveCompleted("error")
		}
		if e.onSaveError != nil {
			e.onSaveError(doc.id, &SyncError{
				Code:  ErrCodeSaveFailed,
				DocID: doc.id,
				Err:   ev.err,
			})
		}

	case doc.content == ev.snap.content && doc.lastUpdateAt.Before(ev.snap.startAt):
		// Nothing moved during the round trip: the ack is
		// authoritative.
		e.markSaved(doc, ev.snap.content, ev.ackAt)
		if e.metrics != nil {
			e.metrics.SaveCompleted("ok")
		}
		e.log.Debug("save confirmed", "doc", doc.id, "version", ev.snap.version)

	default:
		// An edit raced the round trip. Leave dirty alone and do not
		// re-arm here: the racing edit's own debounce arming stands.
		e.log.Debug("save superseded by newer edit",
			"doc", doc.id,
			"saved_version", ev.snap.version,
			"current_version", doc.version,
		)
		if e.metrics != nil {
			e.metrics.SaveCompleted("superseded")
		}
	}

	e.resolveParked(doc)

	if doc.saveQueued {
		doc.saveQueued = false
		if doc.dirty && !doc.inFlight && doc.saveTimer == nil {
			e.startSave(doc)
		}
	}
}

// markSaved records a confirmed persistence and publishes the saved
// content to the broadcast channel.
func (e *Engine) markSaved(doc *documentState, content string, ackAt time.Time) {
	doc.dirty = false
	doc.lastSavedAt = ackAt

	if e.publisher != nil {
		if err := e.publisher.Publish(doc.id, content, e.origin); err != nil {
			// Broadcast loss is recoverable; peers catch up on the
			// next save. Local state is already consistent.
			e.log.Warn("broadcast publish failed", "doc", doc.id, "error", err)
		}
	}
}

// handleFormatTimer launches the reformat pass once edits have settled.
// The pass is skipped while the document is dirty (a save is pending or
// in flight); the next edit re-arms it.
func (e *Engine) handleFormatTimer(docID string, gen int64) {
	doc, ok := e.docs[docID]
	if !ok || gen != doc.formatGen {
		return
	}
	doc.formatTimer = nil

	if e.formatter == nil {
		return
	}
	if doc.dirty {
		e.log.Debug("edits not settled, skipping format pass", "doc", docID)
		return
	}

	content := doc.content
	version := doc.version

	go func() {
		formatted, err := e.formatter.Format(e.runCtx, content)
		if err != nil {
			// Cosmetic pass; nothing downstream depends on it.
			e.log.Warn("format pass failed", "doc", docID, "error", err)
			return
		}
		e.queue.Enqueue(event{
			typ:     evFormatted,
			docID:   docID,
			content: formatted,
			basis:   content,
			version: version,
		})
	}()
}
