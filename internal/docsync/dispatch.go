package docsync

// Update dispatcher: the three content channels, each with its own
// policy. They differ precisely in whether they mark the document
// dirty, whether they trigger persistence, and whether they are subject
// to staleness invalidation. All three run on the loop goroutine.

// applyLocalEdit handles a keystroke-level change from the editing
// surface. It is the only mutation that sets the dirty flag and the
// only one that arms the save debounce.
func (e *Engine) applyLocalEdit(docID, content string) {
	doc, ok := e.docs[docID]
	if !ok {
		e.log.Warn("local edit for unknown document", "doc", docID)
		return
	}

	doc.content = content
	doc.dirty = true
	doc.version++
	doc.lastUpdateAt = e.clock.Now()

	e.armSaveTimer(doc)
	e.armFormatTimer(doc)

	e.log.Debug("local edit applied",
		"doc", docID,
		"version", doc.version,
		"content_length", len(content),
	)
}

// applyRemoteUpdate handles a broadcast change from another session.
// Remote content is by construction already persisted, so a successful
// apply leaves the document clean and counts as a save. The dirty flag
// gates the whole operation: an actively-editing user's buffer is never
// clobbered, and the remote change becomes visible only once the local
// edit session settles.
func (e *Engine) applyRemoteUpdate(docID, content, origin string) {
	if origin == e.origin {
		// Echo of our own save that slipped past the filter.
		e.log.Debug("dropping self-originated remote update", "doc", docID)
		if e.metrics != nil {
			e.metrics.EchoSuppressed()
		}
		return
	}

	doc, ok := e.docs[docID]
	if !ok {
		e.log.Debug("remote update for unknown document", "doc", docID)
		return
	}

	if doc.dirty {
		e.log.Debug("locally dirty, dropping remote update",
			"doc", docID,
			"from", origin,
		)
		if e.metrics != nil {
			e.metrics.RemoteUpdate("dirty_dropped")
		}
		return
	}

	now := e.clock.Now()
	doc.content = content
	doc.lastUpdateAt = now
	doc.lastSavedAt = now

	// A pending cosmetic pass would run against content that no
	// longer exists; let the next local edit re-arm it.
	doc.stopFormatTimer()
	doc.formatGen++

	if e.metrics != nil {
		e.metrics.RemoteUpdate("applied")
	}
	e.log.Info("remote update applied",
		"doc", docID,
		"from", origin,
		"content_length", len(content),
	)

	if e.onReplace != nil {
		e.onReplace(docID, content)
	}
}

// applyFormattedContent handles the completion of a reformat pass. The
// update is cosmetic only: dirty is untouched, no timer is armed, and
// the save-state indicator never moves. A result whose basis no longer
// matches the document, or one identical to the current content, is
// discarded.
func (e *Engine) applyFormattedContent(docID, formatted, basis string, observedVersion int64) {
	doc, ok := e.docs[docID]
	if !ok {
		e.log.Debug("formatted content for unknown document", "doc", docID)
		return
	}

	// The version catches local edits since the pass launched; the
	// basis catches remote applies, which replace content without
	// moving the version. Either way the result was computed from
	// content that no longer exists.
	if observedVersion != doc.version || basis != doc.content {
		e.log.Debug("discarding stale format result",
			"doc", docID,
			"observed_version", observedVersion,
			"current_version", doc.version,
		)
		if e.metrics != nil {
			e.metrics.StaleDiscard("format")
		}
		return
	}

	if doc.inFlight {
		// Rewriting content mid round-trip would make the ack
		// comparison fail and strand the document dirty with no
		// pending save. The pass re-runs after the next edit.
		e.log.Debug("save in flight, discarding format result", "doc", docID)
		if e.metrics != nil {
			e.metrics.StaleDiscard("format")
		}
		return
	}

	if formatted == doc.content {
		e.log.Debug("format result identical, ignoring", "doc", docID)
		return
	}

	doc.content = formatted
	doc.lastUpdateAt = e.clock.Now()

	e.log.Debug("formatted content applied",
		"doc", docID,
		"version", doc.version,
		"content_length", len(formatted),
	)

	if e.onReplace != nil {
		e.onReplace(docID, formatted)
	}
}
