// Package relay carries change notifications between editing sessions.
//
// Two transports share one wire shape (doc id, content, origin token):
//
//   - Broker: in-process fan-out for tests and single-process
//     multi-session setups.
//   - Hub/Client: a websocket relay for sessions in separate
//     processes. The hub is a dumb fan-out; it never inspects content.
//
// Neither transport filters echoes. Every frame is delivered with the
// origin token of the session that caused it, and the receiving
// engine's broadcast filter drops its own. A disconnected relay is
// recoverable: remote updates simply stop arriving, and the local
// document's dirty/clean state is unaffected.
package relay
