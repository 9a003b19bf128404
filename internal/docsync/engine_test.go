package docsync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscribe/coscribe/internal/docsync"
	"github.com/coscribe/coscribe/internal/testutil"
)

const testOrigin = "session-local"

// tagFormatter wraps content in a deterministic envelope so tests can
// tell a formatted body from a raw one.
type tagFormatter struct{}

func (tagFormatter) Format(_ context.Context, content string) (string, error) {
	return "<p>" + content + "</p>", nil
}

// identityFormatter returns content unchanged (the no-op pass).
type identityFormatter struct{}

func (identityFormatter) Format(_ context.Context, content string) (string, error) {
	return content, nil
}

// gateFormatter parks each pass until released, so a test can land
// other mutations while the pass is mid-flight.
type gateFormatter struct {
	entered chan struct{}
	release chan struct{}
}

func newGateFormatter() *gateFormatter {
	return &gateFormatter{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (g *gateFormatter) Format(ctx context.Context, content string) (string, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "<p>" + content + "</p>", nil
}

// replaceRecorder captures OnContentReplaced callbacks.
type replaceRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *replaceRecorder) record(docID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, docID+"="+content)
}

func (r *replaceRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type fixture struct {
	t         *testing.T
	clock     *testutil.ManualClock
	transport *testutil.FakeTransport
	publisher *testutil.RecordingPublisher
	replaced  *replaceRecorder
	saveErrs  chan error
	engine    *docsync.Engine
	cancel    context.CancelFunc
	done      chan error
	stopped   chan struct{}
}

func newFixture(t *testing.T, mutate func(*docsync.Config)) *fixture {
	t.Helper()

	f := &fixture{
		t:         t,
		clock:     testutil.NewManualClock(time.Unix(1_700_000_000, 0)),
		transport: testutil.NewFakeTransport(),
		publisher: &testutil.RecordingPublisher{},
		replaced:  &replaceRecorder{},
		saveErrs:  make(chan error, 16),
		done:      make(chan error, 1),
		stopped:   make(chan struct{}),
	}

	cfg := docsync.Config{
		Saver:             f.transport,
		Publisher:         f.publisher,
		Clock:             f.clock,
		Tokens:            testutil.NewFixedTokens(testOrigin),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnContentReplaced: f.replaced.record,
		OnSaveError: func(_ string, err error) {
			f.saveErrs <- err
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := docsync.New(cfg)
	require.NoError(t, err)
	f.engine = eng

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		f.done <- eng.Run(ctx)
		close(f.stopped)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-f.stopped:
		case <-time.After(5 * time.Second):
			t.Error("engine did not shut down")
		}
	})

	return f
}

func (f *fixture) open(id, content string) {
	f.t.Helper()
	require.NoError(f.t, f.engine.InitializeAndActivate(context.Background(), id, content))
}

func (f *fixture) edit(id, content string) {
	f.t.Helper()
	require.NoError(f.t, f.engine.ApplyLocalEdit(id, content))
	f.barrier(id)
}

// barrier waits until every previously enqueued event has been applied.
func (f *fixture) barrier(id string) docsync.DocumentSnapshot {
	f.t.Helper()
	snap, err := f.engine.Snapshot(context.Background(), id)
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) waitClean(id string) docsync.DocumentSnapshot {
	f.t.Helper()
	var snap docsync.DocumentSnapshot
	require.Eventually(f.t, func() bool {
		var err error
		snap, err = f.engine.Snapshot(context.Background(), id)
		return err == nil && !snap.Dirty && snap.State == docsync.SaveIdle
	}, 2*time.Second, time.Millisecond, "document never settled clean")
	return snap
}

func (f *fixture) waitContent(id, want string) docsync.DocumentSnapshot {
	f.t.Helper()
	var snap docsync.DocumentSnapshot
	require.Eventually(f.t, func() bool {
		var err error
		snap, err = f.engine.Snapshot(context.Background(), id)
		return err == nil && snap.Content == want
	}, 2*time.Second, time.Millisecond, "content never became %q", want)
	return snap
}

func TestEngine_RequiresSaver(t *testing.T) {
	_, err := docsync.New(docsync.Config{})
	require.Error(t, err)
}

func TestEngine_SingleWriterConvergence(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.edit("doc-1", "a")
	f.edit("doc-1", "ab")
	f.edit("doc-1", "abc")

	snap := f.barrier("doc-1")
	assert.True(t, snap.Dirty)
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, docsync.SavePending, snap.State)

	f.clock.Advance(docsync.DefaultSaveDelay)
	_, ok := f.transport.AwaitCall(2 * time.Second)
	require.True(t, ok, "debounce elapsed but no save was issued")

	snap = f.waitClean("doc-1")
	assert.Equal(t, "abc", snap.Content)

	// The three edits coalesced into exactly one save carrying the
	// final content.
	calls := f.transport.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, testutil.SaveCall{DocID: "doc-1", Content: "abc", Origin: testOrigin}, calls[0])
}

func TestEngine_TimerCoalescing_RearmCancelsPrevious(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	// Edit "A" at t=0: save armed for t=1000.
	f.edit("doc-1", "A")
	f.clock.Advance(500 * time.Millisecond)

	// Edit "AB" at t=500: timer re-armed for t=1500.
	f.edit("doc-1", "AB")

	// t=1000 passes without a save.
	f.clock.Advance(500 * time.Millisecond)
	f.barrier("doc-1")
	assert.Equal(t, 0, f.transport.CallCount(), "cancelled timer must not fire a save")

	// t=1500: save fires with "AB".
	f.clock.Advance(500 * time.Millisecond)
	call, ok := f.transport.AwaitCall(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "AB", call.Content)

	f.waitClean("doc-1")
	assert.Equal(t, 1, f.transport.CallCount(), "exactly one save call total")
}

func TestEngine_MidFlightEditPreserved(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.transport.Hold()
	f.edit("doc-1", "C0")
	f.clock.Advance(docsync.DefaultSaveDelay)

	_, ok := f.transport.AwaitCall(2 * time.Second)
	require.True(t, ok, "save for C0 should be in flight")

	// Edit lands while the save round trip is out.
	f.edit("doc-1", "C1")
	snap := f.barrier("doc-1")
	assert.Equal(t, docsync.SaveSaving, snap.State)

	// Ack arrives; it must not mark the newer content saved.
	require.True(t, f.transport.ReleaseOne())
	require.Eventually(t, func() bool {
		s := f.barrier("doc-1")
		return s.State != docsync.SaveSaving
	}, 2*time.Second, time.Millisecond)

	snap = f.barrier("doc-1")
	assert.True(t, snap.Dirty, "mid-flight edit must keep the document dirty")
	assert.Equal(t, "C1", snap.Content)

	// The racing edit's own debounce arming triggers the follow-up
	// save of C1.
	f.clock.Advance(docsync.DefaultSaveDelay)
	_, ok = f.transport.AwaitCall(2 * time.Second)
	require.True(t, ok, "follow-up save for C1 was never issued")
	require.True(t, f.transport.ReleaseOne())

	snap = f.waitClean("doc-1")
	assert.Equal(t, "C1", snap.Content)

	last, ok := f.transport.LastCall()
	require.True(t, ok)
	assert.Equal(t, "C1", last.Content)
}

func TestEngine_DirtyGating(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "base")

	f.edit("doc-1", "local draft")

	// Remote update while dirty is a no-op.
	require.NoError(t, f.engine.HandleBroadcast("doc-1", "remote content", "session-other"))
	snap := f.barrier("doc-1")
	assert.Equal(t, "local draft", snap.Content)
	assert.True(t, snap.Dirty)
	assert.Empty(t, f.replaced.all(), "gated remote update must not re-render")

	// Settle the local edit, then the remote change becomes visible.
	require.NoError(t, f.engine.Flush(context.Background(), "doc-1", docsync.FlushExplicit))
	require.NoError(t, f.engine.HandleBroadcast("doc-1", "remote content", "session-other"))

	snap = f.barrier("doc-1")
	assert.Equal(t, "remote content", snap.Content)
	assert.False(t, snap.Dirty, "remote content is by construction already persisted")
	assert.Equal(t, []string{"doc-1=remote content"}, f.replaced.all())
}

func TestEngine_RemoteUpdateNeverArmsSaveTimer(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "base")

	require.NoError(t, f.engine.HandleBroadcast("doc-1", "remote", "session-other"))
	f.barrier("doc-1")

	f.clock.Advance(10 * docsync.DefaultSaveDelay)
	f.barrier("doc-1")
	assert.Equal(t, 0, f.transport.CallCount(), "remote updates must not trigger saves")
}

func TestEngine_SelfEchoSuppression(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "base")

	// Filter layer.
	require.NoError(t, f.engine.HandleBroadcast("doc-1", "echoed", f.engine.Origin()))
	// Dispatcher layer, in case a caller bypasses the filter.
	require.NoError(t, f.engine.ApplyRemoteUpdate("doc-1", "echoed", f.engine.Origin()))

	snap := f.barrier("doc-1")
	assert.Equal(t, "base", snap.Content, "own echo must never replace content")
	assert.Empty(t, f.replaced.all())
}

func TestEngine_SaveThenCosmeticFormat(t *testing.T) {
	f := newFixture(t, func(cfg *docsync.Config) {
		cfg.Formatter = tagFormatter{}
	})
	f.open("doc-1", "")

	// Edit "Hello" at t=0; save fires at t=1000 and acks.
	f.edit("doc-1", "Hello")
	f.clock.Advance(docsync.DefaultSaveDelay)
	_, ok := f.transport.AwaitCall(2 * time.Second)
	require.True(t, ok)
	f.waitClean("doc-1")

	// Format debounce elapses at t=2500 from the edit.
	f.clock.Advance(docsync.DefaultFormatDelay - docsync.DefaultSaveDelay)
	snap := f.waitContent("doc-1", "<p>Hello</p>")

	assert.False(t, snap.Dirty, "cosmetic update must be invisible to the save indicator")
	assert.Equal(t, 1, f.transport.CallCount(), "cosmetic update must not issue a save")
	assert.Equal(t, []string{"doc-1=<p>Hello</p>"}, f.replaced.all())

	// And no save ever follows.
	f.clock.Advance(10 * docsync.DefaultSaveDelay)
	f.barrier("doc-1")
	assert.Equal(t, 1, f.transport.CallCount())
}

func TestEngine_NoopFormattingIsInvisible(t *testing.T) {
	f := newFixture(t, func(cfg *docsync.Config) {
		cfg.Formatter = identityFormatter{}
	})
	f.open("doc-1", "")

	f.edit("doc-1", "already formatted")
	f.clock.Advance(docsync.DefaultSaveDelay)
	f.waitClean("doc-1")
	f.clock.Advance(docsync.DefaultFormatDelay - docsync.DefaultSaveDelay)

	// Allow the format worker to complete.
	time.Sleep(20 * time.Millisecond)
	snap := f.barrier("doc-1")
	assert.Equal(t, "already formatted", snap.Content)
	assert.False(t, snap.Dirty)
	assert.Empty(t, f.replaced.all(), "identical format result must not re-render")
}

func TestEngine_StaleFormatResultDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.edit("doc-1", "v1")
	snap := f.barrier("doc-1")

	// A second edit advances the version past the observed one.
	f.edit("doc-1", "v2")

	require.NoError(t, f.engine.ApplyFormattedContent("doc-1", "<p>v1</p>", "v1", snap.Version))
	got := f.barrier("doc-1")
	assert.Equal(t, "v2", got.Content, "stale format result must be discarded")
}

func TestEngine_FormatResultStaleAfterRemoteApplyDiscarded(t *testing.T) {
	gate := newGateFormatter()
	f := newFixture(t, func(cfg *docsync.Config) {
		cfg.Formatter = gate
	})
	f.open("doc-1", "")

	f.edit("doc-1", "draft")
	f.clock.Advance(docsync.DefaultSaveDelay)
	f.waitClean("doc-1")

	// The format pass launches against "draft" and parks mid-run.
	f.clock.Advance(docsync.DefaultFormatDelay - docsync.DefaultSaveDelay)
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("format pass never started")
	}

	// A remote rewrite lands while the pass is still out. The document
	// is clean, so it applies; the version does not move.
	require.NoError(t, f.engine.HandleBroadcast("doc-1", "remote rewrite", "session-other"))
	snap := f.barrier("doc-1")
	require.Equal(t, "remote rewrite", snap.Content)

	close(gate.release)

	// The released result was computed from content that no longer
	// exists and must not clobber the remote apply.
	time.Sleep(20 * time.Millisecond)
	snap = f.barrier("doc-1")
	assert.Equal(t, "remote rewrite", snap.Content)
	assert.False(t, snap.Dirty)
	assert.Equal(t, []string{"doc-1=remote rewrite"}, f.replaced.all())
}

func TestEngine_SaveFailureKeepsDirtyAndRetriesOnFlush(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.transport.FailWith(errors.New("server unavailable"))
	f.edit("doc-1", "draft")
	f.clock.Advance(docsync.DefaultSaveDelay)

	select {
	case err := <-f.saveErrs:
		var se *docsync.SyncError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, docsync.ErrCodeSaveFailed, se.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("save failure never surfaced")
	}

	snap := f.barrier("doc-1")
	assert.True(t, snap.Dirty, "failed save must leave the document dirty")

	// Transport recovers; an explicit flush retries and succeeds.
	f.transport.FailWith(nil)
	require.NoError(t, f.engine.Flush(context.Background(), "doc-1", docsync.FlushExplicit))

	snap = f.barrier("doc-1")
	assert.False(t, snap.Dirty)
	last, ok := f.transport.LastCall()
	require.True(t, ok)
	assert.Equal(t, "draft", last.Content)
}

func TestEngine_FlushCleanDocumentIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "saved already")

	require.NoError(t, f.engine.Flush(context.Background(), "doc-1", docsync.FlushFocusLost))
	assert.Equal(t, 0, f.transport.CallCount(), "clean document must not be re-saved")
}

func TestEngine_FlushCancelsPendingTimer(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.edit("doc-1", "draft")
	require.NoError(t, f.engine.Flush(context.Background(), "doc-1", docsync.FlushExplicit))
	assert.Equal(t, 1, f.transport.CallCount())

	// The debounce window elapsing later must not double-save.
	f.clock.Advance(10 * docsync.DefaultSaveDelay)
	f.barrier("doc-1")
	assert.Equal(t, 1, f.transport.CallCount())
}

func TestEngine_FlushUnknownDocument(t *testing.T) {
	f := newFixture(t, nil)

	err := f.engine.Flush(context.Background(), "nope", docsync.FlushExplicit)
	require.Error(t, err)
	assert.True(t, docsync.IsUnknownDocument(err))
}

func TestEngine_FlushWhileSaveInFlightParks(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.transport.Hold()
	f.edit("doc-1", "draft")
	f.clock.Advance(docsync.DefaultSaveDelay)
	_, ok := f.transport.AwaitCall(2 * time.Second)
	require.True(t, ok)

	flushDone := make(chan error, 1)
	go func() {
		flushDone <- f.engine.Flush(context.Background(), "doc-1", docsync.FlushExplicit)
	}()

	// The flush must wait for the in-flight result rather than start
	// a second concurrent save.
	select {
	case err := <-flushDone:
		t.Fatalf("flush resolved before the in-flight save: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, f.transport.ReleaseOne())
	select {
	case err := <-flushDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("parked flush never resolved")
	}

	// The in-flight ack confirmed the content; no second save needed.
	assert.Equal(t, 1, f.transport.CallCount())
	snap := f.barrier("doc-1")
	assert.False(t, snap.Dirty)
}

func TestEngine_ClearDocumentFlushesBeforeRemoval(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.edit("doc-1", "must not be lost")
	require.NoError(t, f.engine.ClearDocument(context.Background(), "doc-1"))

	last, ok := f.transport.LastCall()
	require.True(t, ok)
	assert.Equal(t, "must not be lost", last.Content)

	_, err := f.engine.Snapshot(context.Background(), "doc-1")
	assert.True(t, docsync.IsUnknownDocument(err))
}

func TestEngine_ClearDocumentFlushFailureRetainsDocument(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.transport.FailWith(errors.New("disk full"))
	f.edit("doc-1", "precious")

	err := f.engine.ClearDocument(context.Background(), "doc-1")
	require.Error(t, err)
	assert.True(t, docsync.IsFlushFailure(err))

	// The document survives the failed close so the caller can warn
	// and retry.
	snap := f.barrier("doc-1")
	assert.Equal(t, "precious", snap.Content)
	assert.True(t, snap.Dirty)

	// An informed caller can still discard explicitly.
	require.NoError(t, f.engine.Discard(context.Background(), "doc-1"))
	_, err = f.engine.Snapshot(context.Background(), "doc-1")
	assert.True(t, docsync.IsUnknownDocument(err))
}

func TestEngine_PublishesAfterConfirmedSave(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	f.edit("doc-1", "announce me")
	f.clock.Advance(docsync.DefaultSaveDelay)
	f.waitClean("doc-1")

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, testutil.SaveCall{DocID: "doc-1", Content: "announce me", Origin: testOrigin}, msgs[0])
}

func TestEngine_ReopenOnlyActivates(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "original")
	f.edit("doc-1", "edited")

	// Re-opening must not reset content or the dirty flag.
	f.open("doc-1", "different initial")
	snap := f.barrier("doc-1")
	assert.Equal(t, "edited", snap.Content)
	assert.True(t, snap.Dirty)

	active, err := f.engine.ActiveDocument(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "doc-1", active.ID)
}

func TestEngine_VersionStrictlyIncreasing(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")

	var prev int64
	for i := 0; i < 5; i++ {
		f.edit("doc-1", fmt.Sprintf("rev %d", i))
		snap := f.barrier("doc-1")
		assert.Greater(t, snap.Version, prev)
		prev = snap.Version
	}

	// Remote and formatted updates must not move the version.
	require.NoError(t, f.engine.Flush(context.Background(), "doc-1", docsync.FlushExplicit))
	require.NoError(t, f.engine.HandleBroadcast("doc-1", "remote", "session-other"))
	snap := f.barrier("doc-1")
	assert.Equal(t, prev, snap.Version)
}

func TestEngine_ShutdownFlushesDirtyDocuments(t *testing.T) {
	f := newFixture(t, nil)
	f.open("doc-1", "")
	f.open("doc-2", "")

	f.edit("doc-1", "dirty one")
	f.edit("doc-2", "dirty two")

	f.cancel()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}

	contents := map[string]string{}
	for _, call := range f.transport.Calls() {
		contents[call.DocID] = call.Content
	}
	assert.Equal(t, "dirty one", contents["doc-1"])
	assert.Equal(t, "dirty two", contents["doc-2"])
}

func TestEngine_ClosedEngineRejectsEntryPoints(t *testing.T) {
	f := newFixture(t, nil)
	f.cancel()
	<-f.done

	assert.ErrorIs(t, f.engine.ApplyLocalEdit("doc-1", "x"), docsync.ErrEngineClosed)
	assert.ErrorIs(t, f.engine.Flush(context.Background(), "doc-1", docsync.FlushExplicit), docsync.ErrEngineClosed)
	assert.ErrorIs(t, f.engine.InitializeAndActivate(context.Background(), "doc-1", ""), docsync.ErrEngineClosed)
}
