package docsync

import "github.com/google/uuid"

// TokenGenerator produces origin tokens identifying an editing session.
//
// Every outbound persistence and broadcast is tagged with the session's
// token; inbound broadcasts carrying the same token are echoes of our
// own saves and are dropped before they reach the dispatcher.
//
// Implemented by UUIDv7Generator (production) and
// testutil.FixedTokens (tests).
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 origin tokens.
//
// UUIDv7 embeds a timestamp in the most significant bits, which keeps
// tokens sortable by session creation time in logs and traces.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
