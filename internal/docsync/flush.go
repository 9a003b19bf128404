package docsync

import "context"

// Force-flush controller: immediate, non-debounced persistence on
// explicit save, focus loss, and close. The save runs synchronously on
// the loop goroutine, which blocks further events for the duration: no
// edit can interleave with a flush, so a successful call always
// confirms the exact content it carried.
//
// A flush that arrives while a debounced save is already in flight is
// parked on the in-flight result; it re-saves only if the document is
// still dirty afterwards, preserving at-most-one-in-flight without
// request cancellation.

// handleFlush serves a Flush request on the loop goroutine.
func (e *Engine) handleFlush(ev event) {
	doc, ok := e.docs[ev.docID]
	if !ok {
		ev.reply <- errUnknownDocument(ev.docID)
		return
	}
	if e.metrics != nil {
		e.metrics.FlushRequested(string(ev.reason))
	}

	if doc.inFlight {
		doc.parked = append(doc.parked, parkedRequest{reason: ev.reason, reply: ev.reply})
		return
	}

	ev.reply <- e.flushNow(e.runCtx, doc, ev.reason)
}

// handleClose serves ClearDocument and Discard. On flush failure the
// document is retained so the caller gets a last chance to warn before
// anything is discarded; Discard skips the flush entirely.
func (e *Engine) handleClose(ev event) {
	doc, ok := e.docs[ev.docID]
	if !ok {
		ev.reply <- errUnknownDocument(ev.docID)
		return
	}

	if ev.discard {
		// Abandoning unsaved edits on explicit request. A save still
		// in flight resolves against a missing document and is
		// ignored.
		if doc.dirty {
			e.log.Warn("discarding document with unsaved edits", "doc", doc.id)
		}
		e.removeDoc(doc)
		ev.reply <- nil
		return
	}

	if e.metrics != nil {
		e.metrics.FlushRequested(string(FlushClose))
	}

	if doc.inFlight {
		doc.parked = append(doc.parked, parkedRequest{reason: FlushClose, close_: true, reply: ev.reply})
		return
	}

	err := e.flushNow(e.runCtx, doc, FlushClose)
	if err != nil {
		ev.reply <- err
		return
	}
	e.removeDoc(doc)
	ev.reply <- nil
}

// flushNow performs the synchronous persistence call. Returns nil when
// the document is already clean. Loop-blocked execution means the
// content cannot change underneath the call, so success marks saved
// unconditionally.
func (e *Engine) flushNow(ctx context.Context, doc *documentState, reason FlushReason) error {
	doc.stopSaveTimer()

	if !doc.dirty {
		return nil
	}

	content := doc.content
	e.log.Info("force flush",
		"doc", doc.id,
		"reason", reason,
		"version", doc.version,
	)

	if err := e.saver.Save(ctx, doc.id, content, e.origin); err != nil {
		e.log.Error("force flush failed",
			"doc", doc.id,
			"reason", reason,
			"error", err,
		)
		if e.metrics != nil {
			e.metrics.SaveCompleted("error")
		}
		return &SyncError{
			Code:   ErrCodeFlushFailed,
			DocID:  doc.id,
			Reason: reason,
			Err:    err,
		}
	}

	e.markSaved(doc, content, e.clock.Now())
	if e.metrics != nil {
		e.metrics.SaveCompleted("ok")
	}
	return nil
}

// resolveParked serves flush and close requests that were waiting on an
// in-flight save. The flush runs once; every parked requester gets the
// same answer, and parked closes remove the document on success.
func (e *Engine) resolveParked(doc *documentState) {
	if len(doc.parked) == 0 {
		return
	}
	parked := doc.parked
	doc.parked = nil

	var err error
	if doc.dirty {
		err = e.flushNow(e.runCtx, doc, parked[0].reason)
	}

	removed := false
	for _, p := range parked {
		if p.close_ && err == nil && !removed {
			e.removeDoc(doc)
			removed = true
		}
		p.reply <- err
	}
}
