// Package docsync implements the coscribe document synchronization engine.
//
// The engine reconciles a single document's content across four
// independently-arriving update channels: live local edits, an
// opportunistic reformatting pass, remote broadcasts from other
// sessions, and debounced persistence. The channels differ precisely in
// whether they mark the document dirty, whether they trigger a save,
// and whether their results are subject to staleness invalidation.
// Collapsing them into one generic "set content" call is the failure
// mode this package exists to avoid: it makes the saved/unsaved
// indicator flicker on every cosmetic reformat and loses keystrokes
// typed during a save round trip.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// All document state is mutated by one goroutine running Engine.Run.
// External callers (editing surfaces, the broadcast relay, timer fires,
// async save and format completions) enqueue events; the loop applies
// them in FIFO order. There are no locks around document state because
// there is exactly one writer.
//
// Race Resolution by Snapshot, Not Cancellation:
// In-flight saves and format passes are never cancelled. Each async
// operation carries the snapshot (content, version, start time) it was
// computed against, and its completion handler discards the result if
// the document has moved on. Naive "always mark saved on ack" logic
// loses data when the user types during the network round trip; the
// snapshot comparison is the correctness mechanism that prevents it.
//
// Timer Ownership:
// Each document owns at most one pending save timer and at most one
// pending format timer. Arming a new timer always stops the previous
// one, and every armed timer carries a generation number so a fire that
// lost the stop race is ignored by the loop.
package docsync
