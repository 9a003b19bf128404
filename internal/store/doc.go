// Package store provides SQLite-backed persistence for coscribe
// documents.
//
// The store holds the latest persisted content per document plus an
// append-only revision history of every confirmed save. It implements
// the engine's Saver interface; a retried save of identical content is
// harmless (it appends another revision), which is what makes the
// transport safe to retry after ambiguous failures.
//
// Every row records the origin token of the session that saved it, so
// a relay process can rebroadcast persisted changes with the tag that
// lets the originating session drop its own echo.
package store
