package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Saver is the persistence transport. Save must be idempotent-safe to
// retry and must report success and failure distinguishably. The engine
// never cancels an in-flight Save; races are resolved by snapshot
// comparison when the result arrives.
type Saver interface {
	Save(ctx context.Context, docID, content, origin string) error
}

// Publisher is the outbound half of the broadcast channel. The engine
// publishes after every confirmed save, tagged with the session origin
// token, so peers only ever see persisted content.
type Publisher interface {
	Publish(docID, content, origin string) error
}

// Formatter is the opaque reformatting pass: pure content in, content
// out. It is invoked opportunistically after local edits settle.
type Formatter interface {
	Format(ctx context.Context, content string) (string, error)
}

// Recorder receives engine counters. Implementations must be safe for
// concurrent use; a nil Recorder disables recording.
type Recorder interface {
	SaveCompleted(result string)  // "ok" | "error" | "superseded"
	RemoteUpdate(outcome string)  // "applied" | "dirty_dropped"
	EchoSuppressed()
	StaleDiscard(kind string)     // "format"
	FlushRequested(reason string) // FlushReason values
}

// Default debounce delays. The format delay is deliberately longer than
// the save delay so cosmetic passes run against settled, persisted
// content.
const (
	DefaultSaveDelay   = 1000 * time.Millisecond
	DefaultFormatDelay = 2500 * time.Millisecond
)

// Config carries the engine's collaborators and tuning.
type Config struct {
	// Saver is required; everything else is optional.
	Saver Saver

	// Publisher broadcasts confirmed saves to other sessions.
	Publisher Publisher

	// Formatter, when set, enables the debounced cosmetic reformat
	// pass after local edits settle.
	Formatter Formatter

	// Clock defaults to SystemClock.
	Clock Clock

	// Tokens generates the session origin token. Defaults to
	// UUIDv7Generator.
	Tokens TokenGenerator

	// SaveDelay and FormatDelay default to DefaultSaveDelay and
	// DefaultFormatDelay when zero.
	SaveDelay   time.Duration
	FormatDelay time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives counters; nil disables recording.
	Metrics Recorder

	// OnContentReplaced is invoked (on the loop goroutine) whenever a
	// remote update or a formatted result replaces document content,
	// so the editing surface can re-render.
	OnContentReplaced func(docID, content string)

	// OnSaveError surfaces debounced save failures to the UI layer.
	// Flush failures are returned to the flush caller instead.
	OnSaveError func(docID string, err error)
}

// Validate checks that required collaborators are present.
func (c *Config) Validate() error {
	if c.Saver == nil {
		return fmt.Errorf("docsync: config requires a Saver")
	}
	return nil
}

// Engine is the single-writer document synchronization engine.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - all other exported methods: safe from any goroutine; they
//     enqueue events for the Run loop
//
// Document state is owned exclusively by the Run loop. Entry points
// that need an answer (open, flush, close, snapshot) block on a reply
// channel; fire-and-forget entry points (edits, broadcasts) return as
// soon as the event is queued.
type Engine struct {
	saver     Saver
	publisher Publisher
	formatter Formatter
	clock     Clock
	log       *slog.Logger
	metrics   Recorder

	saveDelay   time.Duration
	formatDelay time.Duration

	onReplace   func(docID, content string)
	onSaveError func(docID string, err error)

	origin string
	queue  *eventQueue

	// runCtx is set once at the top of Run, before any event is
	// processed, and read only by loop-started workers.
	runCtx context.Context

	// Loop-owned state.
	docs     map[string]*documentState
	activeID string
}

// New creates an engine from the config. The engine is inert until
// Run is called; events enqueued before that are processed once the
// loop starts.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = UUIDv7Generator{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	saveDelay := cfg.SaveDelay
	if saveDelay <= 0 {
		saveDelay = DefaultSaveDelay
	}
	formatDelay := cfg.FormatDelay
	if formatDelay <= 0 {
		formatDelay = DefaultFormatDelay
	}

	return &Engine{
		saver:       cfg.Saver,
		publisher:   cfg.Publisher,
		formatter:   cfg.Formatter,
		clock:       clock,
		log:         logger,
		metrics:     cfg.Metrics,
		saveDelay:   saveDelay,
		formatDelay: formatDelay,
		onReplace:   cfg.OnContentReplaced,
		onSaveError: cfg.OnSaveError,
		origin:      tokens.Generate(),
		queue:       newEventQueue(),
		docs:        make(map[string]*documentState),
	}, nil
}

// Origin returns the session origin token. Every save and broadcast
// issued by this engine is tagged with it.
func (e *Engine) Origin() string { return e.origin }

// Run starts the single-writer event loop and blocks until the context
// is cancelled. On shutdown every still-dirty document is force-flushed
// before Run returns.
//
// Must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	e.log.Info("sync engine starting", "origin", e.origin)

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			e.process(ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("sync engine stopping", "origin", e.origin)
			e.shutdown()
			return ctx.Err()

		case <-e.queue.Wait():
		}
	}
}

// process routes one event. Called only from the Run goroutine.
func (e *Engine) process(ev event) {
	switch ev.typ {
	case evOpen:
		e.handleOpen(ev)
	case evLocalEdit:
		e.applyLocalEdit(ev.docID, ev.content)
	case evRemoteUpdate:
		e.applyRemoteUpdate(ev.docID, ev.content, ev.origin)
	case evFormatted:
		e.applyFormattedContent(ev.docID, ev.content, ev.basis, ev.version)
	case evSaveTimer:
		e.handleSaveTimer(ev.docID, ev.gen)
	case evFormatTimer:
		e.handleFormatTimer(ev.docID, ev.gen)
	case evSaveResult:
		e.handleSaveResult(ev)
	case evFlush:
		e.handleFlush(ev)
	case evClose:
		e.handleClose(ev)
	case evSnapshot:
		e.handleSnapshot(ev)
	default:
		e.log.Error("unknown event type", "type", int(ev.typ))
	}
}

// shutdown drains the queue, fails pending requests, and force-flushes
// every dirty document. Uses a background context: the run context is
// already cancelled by the time we get here.
func (e *Engine) shutdown() {
	e.queue.Close()
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			break
		}
		if ev.reply != nil {
			ev.reply <- ErrEngineClosed
		}
		if ev.read != nil {
			close(ev.read)
		}
	}

	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ctx := context.Background()
	for _, id := range ids {
		doc := e.docs[id]
		doc.stopSaveTimer()
		doc.stopFormatTimer()
		if !doc.dirty {
			continue
		}
		if err := e.flushNow(ctx, doc, FlushShutdown); err != nil {
			e.log.Error("shutdown flush failed; unsaved edits lost",
				"doc", id,
				"error", err,
			)
		}
	}
}

// InitializeAndActivate opens a document with its initial (already
// persisted) content and makes it the active document. Re-opening an
// already-open id only moves the active pointer; the existing state is
// untouched.
func (e *Engine) InitializeAndActivate(ctx context.Context, docID, initialContent string) error {
	return e.roundTrip(ctx, event{typ: evOpen, docID: docID, content: initialContent})
}

// ApplyLocalEdit records a user-visible change from the editing
// surface. This is the only path that marks a document dirty, and the
// only path that arms the save debounce timer.
func (e *Engine) ApplyLocalEdit(docID, content string) error {
	if !e.queue.Enqueue(event{typ: evLocalEdit, docID: docID, content: content}) {
		return ErrEngineClosed
	}
	return nil
}

// HandleBroadcast is the inbound half of the broadcast channel. It
// drops self-originated echoes before they reach the dispatcher; the
// dirty-flag gate is applied inside the loop.
func (e *Engine) HandleBroadcast(docID, content, origin string) error {
	if origin == e.origin {
		e.log.Debug("suppressing self-originated broadcast", "doc", docID)
		if e.metrics != nil {
			e.metrics.EchoSuppressed()
		}
		return nil
	}
	return e.ApplyRemoteUpdate(docID, content, origin)
}

// ApplyRemoteUpdate enqueues a remote content replacement. Callers
// normally go through HandleBroadcast; the origin check is repeated in
// the loop so a direct call cannot smuggle an echo through.
func (e *Engine) ApplyRemoteUpdate(docID, content, origin string) error {
	if !e.queue.Enqueue(event{typ: evRemoteUpdate, docID: docID, content: content, origin: origin}) {
		return ErrEngineClosed
	}
	return nil
}

// ApplyFormattedContent enqueues the result of a reformat pass computed
// from basis at observedVersion. Stale results (a local edit advanced
// the version, or a remote apply replaced the basis content) and
// identical content are discarded in the loop.
func (e *Engine) ApplyFormattedContent(docID, formatted, basis string, observedVersion int64) error {
	if !e.queue.Enqueue(event{typ: evFormatted, docID: docID, content: formatted, basis: basis, version: observedVersion}) {
		return ErrEngineClosed
	}
	return nil
}

// Flush forces an immediate, non-debounced save of the document if it
// is dirty. The pending debounce timer is cancelled. Returns nil when
// the document is already clean.
//
// Failure is returned to the caller rather than retried silently: at
// the flush boundaries (explicit save, focus loss, close) the data-loss
// risk is highest and the user must be told.
func (e *Engine) Flush(ctx context.Context, docID string, reason FlushReason) error {
	return e.roundTrip(ctx, event{typ: evFlush, docID: docID, reason: reason})
}

// ClearDocument force-flushes the document if dirty, then removes it
// from the registry. On flush failure the document is retained and the
// error returned, so the caller can warn the user and retry (or give up
// and call Discard).
func (e *Engine) ClearDocument(ctx context.Context, docID string) error {
	return e.roundTrip(ctx, event{typ: evClose, docID: docID, reason: FlushClose})
}

// Discard removes a document without flushing, abandoning any unsaved
// edits. This is the path for a user who has been warned about a failed
// close flush and chooses to discard anyway.
func (e *Engine) Discard(ctx context.Context, docID string) error {
	return e.roundTrip(ctx, event{typ: evClose, docID: docID, reason: FlushClose, discard: true})
}

// Snapshot returns a consistent copy of the document's state, taken on
// the loop goroutine. Because the queue is FIFO, a Snapshot call also
// acts as a barrier: every event enqueued before it has been applied by
// the time it returns.
func (e *Engine) Snapshot(ctx context.Context, docID string) (DocumentSnapshot, error) {
	return e.readSnapshot(ctx, docID)
}

// ActiveDocument returns the snapshot of the advisory active document.
func (e *Engine) ActiveDocument(ctx context.Context) (DocumentSnapshot, error) {
	return e.readSnapshot(ctx, "")
}

// roundTrip enqueues an event carrying a reply channel and waits for
// the loop's answer.
func (e *Engine) roundTrip(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	if !e.queue.Enqueue(ev) {
		return ErrEngineClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) readSnapshot(ctx context.Context, docID string) (DocumentSnapshot, error) {
	ev := event{typ: evSnapshot, docID: docID, read: make(chan DocumentSnapshot, 1)}
	if !e.queue.Enqueue(ev) {
		return DocumentSnapshot{}, ErrEngineClosed
	}
	select {
	case snap, ok := <-ev.read:
		if !ok {
			return DocumentSnapshot{}, ErrEngineClosed
		}
		if !snap.Open {
			return DocumentSnapshot{}, errUnknownDocument(docID)
		}
		return snap, nil
	case <-ctx.Done():
		return DocumentSnapshot{}, ctx.Err()
	}
}

// handleOpen creates the document record on first open. The initial
// content is by construction already persisted, so the document starts
// clean.
func (e *Engine) handleOpen(ev event) {
	if _, ok := e.docs[ev.docID]; ok {
		e.activeID = ev.docID
		ev.reply <- nil
		return
	}

	now := e.clock.Now()
	e.docs[ev.docID] = &documentState{
		id:           ev.docID,
		content:      ev.content,
		lastUpdateAt: now,
		lastSavedAt:  now,
	}
	e.activeID = ev.docID
	e.log.Info("document opened", "doc", ev.docID, "content_length", len(ev.content))
	ev.reply <- nil
}

// handleSnapshot serves a consistent read. An empty doc id means the
// active document.
func (e *Engine) handleSnapshot(ev event) {
	id := ev.docID
	if id == "" {
		id = e.activeID
	}
	doc, ok := e.docs[id]
	if !ok {
		ev.read <- DocumentSnapshot{ID: id}
		return
	}
	ev.read <- doc.snapshot()
}

// removeDoc drops a document from the registry, stopping its timers.
func (e *Engine) removeDoc(doc *documentState) {
	doc.stopSaveTimer()
	doc.stopFormatTimer()
	delete(e.docs, doc.id)
	if e.activeID == doc.id {
		e.activeID = ""
	}
	e.log.Info("document closed", "doc", doc.id)
}
