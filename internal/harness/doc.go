// Package harness provides a scenario-based conformance harness for the
// sync engine.
//
// Scenarios are YAML files describing a single document, a sequence of
// steps (edits, remote broadcasts, clock advances, save acks and
// failures, flushes, closes), and assertions on the final state. The
// harness runs each scenario against a real engine wired to
// deterministic test doubles: a manual clock, a held fake transport
// that only acknowledges saves when the scenario says so, a recording
// publisher, and a fixed origin token.
//
// Every step produces a trace event; the full trace plus the observed
// save and publish exchanges can be compared against a golden file with
// RunWithGolden, so behavioral drift in the engine shows up as a
// readable diff. Regenerate golden files with:
//
//	go test ./internal/harness -update
package harness
