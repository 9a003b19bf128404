package harness

import "fmt"

// TraceEvent is one executed step with the document state observed
// after it. Doc is nil when the step has no deterministic document
// observation (clock advances, whose async effects are recorded by a
// later check or wait_content step) or when the document is closed.
type TraceEvent struct {
	Seq    int       `json:"seq"`
	Op     string    `json:"op"`
	Detail string    `json:"detail,omitempty"`
	Err    string    `json:"err,omitempty"`
	Doc    *DocTrace `json:"doc,omitempty"`
}

// DocTrace is the document state captured in a trace event.
type DocTrace struct {
	Content string `json:"content"`
	Dirty   bool   `json:"dirty"`
	Version int64  `json:"version"`
	State   string `json:"state"`
}

// Exchange is one observed save call or publish.
type Exchange struct {
	Doc     string `json:"doc"`
	Content string `json:"content"`
	Origin  string `json:"origin"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Passed is true when every assertion held.
	Passed bool

	// Failures lists assertion failures in evaluation order.
	Failures []string

	// Origin is the engine's session origin token.
	Origin string

	// Trace is the per-step event log.
	Trace []TraceEvent

	// Saves are the persistence calls seen by the transport,
	// including failed and superseded ones.
	Saves []Exchange

	// Publishes are the broadcasts after confirmed saves.
	Publishes []Exchange
}

// NewResult creates an empty, passing result.
func NewResult() *Result {
	return &Result{Passed: true}
}

// Fail records an assertion failure.
func (r *Result) Fail(format string, args ...any) {
	r.Passed = false
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}
