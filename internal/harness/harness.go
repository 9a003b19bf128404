package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/coscribe/coscribe/internal/docsync"
	"github.com/coscribe/coscribe/internal/format"
	"github.com/coscribe/coscribe/internal/testutil"
)

// stepTimeout bounds every wait inside a scenario run. Scenarios are
// fully scripted, so anything that takes this long is wedged.
const stepTimeout = 2 * time.Second

// clockBase is the deterministic start time for every scenario.
var clockBase = time.Unix(1_700_000_000, 0).UTC()

// runner holds the live pieces of one scenario execution.
type runner struct {
	scenario  *Scenario
	engine    *docsync.Engine
	clock     *testutil.ManualClock
	transport *testutil.FakeTransport
	publisher *testutil.RecordingPublisher

	ctx    context.Context
	result *Result
	seq    int
}

// Run executes a scenario and returns the result.
//
// Each scenario runs a fresh engine against deterministic doubles: the
// manual clock only moves on advance steps, and the transport holds
// every save call until an ack step (or flush pump) releases it. An
// error return means the harness itself failed; assertion failures
// land in Result.Failures.
func Run(scenario *Scenario) (*Result, error) {
	transport := testutil.NewFakeTransport()
	transport.Hold()
	publisher := &testutil.RecordingPublisher{}
	clock := testutil.NewManualClock(clockBase)

	eng, err := docsync.New(docsync.Config{
		Saver:     transport,
		Publisher: publisher,
		Formatter: format.Normalizer{},
		Clock:     clock,
		Tokens:    testutil.NewFixedTokens(scenario.Origin),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(runCtx)
	}()

	r := &runner{
		scenario:  scenario,
		engine:    eng,
		clock:     clock,
		transport: transport,
		publisher: publisher,
		ctx:       context.Background(),
		result:    NewResult(),
	}
	r.result.Origin = eng.Origin()

	runErr := r.execute()

	// Collect observations before teardown; shutdown flushes add
	// save calls that are not part of the scenario.
	finalSnap, snapErr := eng.Snapshot(r.ctx, scenario.Document.ID)
	for _, c := range transport.Calls() {
		r.result.Saves = append(r.result.Saves, Exchange{Doc: c.DocID, Content: c.Content, Origin: c.Origin})
	}
	for _, m := range publisher.Messages() {
		r.result.Publishes = append(r.result.Publishes, Exchange{Doc: m.DocID, Content: m.Content, Origin: m.Origin})
	}

	stopErr := stopEngine(cancel, done, transport)

	if runErr != nil {
		return nil, runErr
	}
	if stopErr != nil {
		return nil, stopErr
	}

	r.evaluate(finalSnap, snapErr == nil)
	return r.result, nil
}

// stopEngine cancels the run loop and pumps save releases until it
// exits. Shutdown force-flushes dirty documents through the held
// transport, so the pump is what lets those flushes complete.
func stopEngine(cancel context.CancelFunc, done chan struct{}, transport *testutil.FakeTransport) error {
	cancel()
	deadline := time.After(stepTimeout)
	for {
		select {
		case <-done:
			return nil
		case <-deadline:
			return errors.New("engine did not stop within timeout")
		case <-time.After(2 * time.Millisecond):
			transport.ReleaseOne()
		}
	}
}

// execute opens the document and runs every step, recording a trace
// event per step.
func (r *runner) execute() error {
	docID := r.scenario.Document.ID
	if err := r.engine.InitializeAndActivate(r.ctx, docID, r.scenario.Document.Content); err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	r.record("open", "", nil)

	for i, step := range r.scenario.Steps {
		if err := r.runStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func (r *runner) runStep(step Step) error {
	docID := r.scenario.Document.ID

	switch {
	case step.Edit != nil:
		if err := r.engine.ApplyLocalEdit(docID, step.Edit.Content); err != nil {
			return err
		}
		r.record("edit", step.Edit.Content, nil)

	case step.Remote != nil:
		if err := r.engine.HandleBroadcast(docID, step.Remote.Content, step.Remote.Origin); err != nil {
			return err
		}
		r.record("remote", step.Remote.Origin, nil)

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		// A fired timer's effects land through the queue and some
		// (format results) arrive from worker goroutines, so the doc
		// state may still be settling. Advance records no doc; a
		// check or wait_content step pins it down when needed.
		_, _ = r.engine.Snapshot(r.ctx, docID)
		r.recordBare("advance", step.Advance, nil)

	case step.Ack:
		if err := r.ack(docID); err != nil {
			return err
		}
		r.record("ack", "", nil)

	case step.FailSaves != nil:
		r.transport.FailWith(errors.New(step.FailSaves.Error))
		r.recordBare("fail_saves", step.FailSaves.Error, nil)

	case step.RestoreSaves:
		r.transport.FailWith(nil)
		r.recordBare("restore_saves", "", nil)

	case step.Flush != nil:
		err := r.pumped(func() error {
			return r.engine.Flush(r.ctx, docID, docsync.FlushReason(step.Flush.Reason))
		})
		r.record("flush", step.Flush.Reason, err)

	case step.Close:
		err := r.pumped(func() error {
			return r.engine.ClearDocument(r.ctx, docID)
		})
		r.record("close", "", err)

	case step.Discard:
		err := r.engine.Discard(r.ctx, docID)
		r.record("discard", "", err)

	case step.WaitContent != nil:
		if err := r.waitContent(docID, step.WaitContent.Content); err != nil {
			return err
		}
		r.record("wait_content", "", nil)

	case step.Check:
		r.record("check", "", nil)

	default:
		return errors.New("empty step")
	}
	return nil
}

// ack releases the oldest held save and waits for the engine to
// process the result.
func (r *runner) ack(docID string) error {
	deadline := time.Now().Add(stepTimeout)
	for !r.transport.ReleaseOne() {
		if time.Now().After(deadline) {
			return errors.New("ack: no save call in flight")
		}
		time.Sleep(2 * time.Millisecond)
	}
	for time.Now().Before(deadline) {
		snap, err := r.engine.Snapshot(r.ctx, docID)
		if err != nil || snap.State != docsync.SaveSaving {
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return errors.New("ack: save result was not absorbed")
}

// waitContent polls until the document content matches.
func (r *runner) waitContent(docID, want string) error {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		snap, err := r.engine.Snapshot(r.ctx, docID)
		if err == nil && snap.Content == want {
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return fmt.Errorf("wait_content: content never became %q", want)
}

// pumped runs a blocking engine call while releasing held saves, so a
// flush that persists synchronously on the loop goroutine can
// complete against the held transport.
func (r *runner) pumped(fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	deadline := time.After(stepTimeout)
	for {
		select {
		case err := <-errCh:
			return err
		case <-deadline:
			return errors.New("engine call did not complete within timeout")
		case <-time.After(2 * time.Millisecond):
			r.transport.ReleaseOne()
		}
	}
}

// record appends a trace event with the current document state.
func (r *runner) record(op, detail string, stepErr error) {
	ev := r.event(op, detail, stepErr)
	if snap, err := r.engine.Snapshot(r.ctx, r.scenario.Document.ID); err == nil {
		ev.Doc = &DocTrace{
			Content: snap.Content,
			Dirty:   snap.Dirty,
			Version: snap.Version,
			State:   snap.State.String(),
		}
	}
	r.result.Trace = append(r.result.Trace, ev)
}

// recordBare appends a trace event without a document observation.
func (r *runner) recordBare(op, detail string, stepErr error) {
	r.result.Trace = append(r.result.Trace, r.event(op, detail, stepErr))
}

func (r *runner) event(op, detail string, stepErr error) TraceEvent {
	r.seq++
	ev := TraceEvent{Seq: r.seq, Op: op, Detail: detail}
	if stepErr != nil {
		ev.Err = stepErr.Error()
	}
	return ev
}

// evaluate checks every assertion against the final state.
func (r *runner) evaluate(snap docsync.DocumentSnapshot, open bool) {
	for i, a := range r.scenario.Assertions {
		switch a.Type {
		case AssertFinalContent:
			if !open {
				r.result.Fail("assertions[%d]: final_content: document is closed", i)
			} else if snap.Content != a.Content {
				r.result.Fail("assertions[%d]: final_content: got %q, want %q", i, snap.Content, a.Content)
			}

		case AssertFinalState:
			if a.Open != nil && open != *a.Open {
				r.result.Fail("assertions[%d]: final_state: open = %v, want %v", i, open, *a.Open)
				continue
			}
			if !open {
				if a.Dirty != nil || a.Version != nil || a.State != "" {
					r.result.Fail("assertions[%d]: final_state: document is closed", i)
				}
				continue
			}
			if a.Dirty != nil && snap.Dirty != *a.Dirty {
				r.result.Fail("assertions[%d]: final_state: dirty = %v, want %v", i, snap.Dirty, *a.Dirty)
			}
			if a.Version != nil && snap.Version != *a.Version {
				r.result.Fail("assertions[%d]: final_state: version = %d, want %d", i, snap.Version, *a.Version)
			}
			if a.State != "" && snap.State.String() != a.State {
				r.result.Fail("assertions[%d]: final_state: state = %s, want %s", i, snap.State, a.State)
			}

		case AssertSaveCount:
			if len(r.result.Saves) != a.Count {
				r.result.Fail("assertions[%d]: save_count: got %d, want %d", i, len(r.result.Saves), a.Count)
			}

		case AssertPublishCount:
			if len(r.result.Publishes) != a.Count {
				r.result.Fail("assertions[%d]: publish_count: got %d, want %d", i, len(r.result.Publishes), a.Count)
			}

		case AssertLastSaved:
			if len(r.result.Saves) == 0 {
				r.result.Fail("assertions[%d]: last_saved: no save calls recorded", i)
			} else if got := r.result.Saves[len(r.result.Saves)-1].Content; got != a.Content {
				r.result.Fail("assertions[%d]: last_saved: got %q, want %q", i, got, a.Content)
			}
		}
	}
}
