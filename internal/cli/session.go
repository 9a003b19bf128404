package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/coscribe/coscribe/internal/config"
	"github.com/coscribe/coscribe/internal/docsync"
	"github.com/coscribe/coscribe/internal/format"
	"github.com/coscribe/coscribe/internal/metrics"
	"github.com/coscribe/coscribe/internal/relay"
	"github.com/coscribe/coscribe/internal/store"
)

// SessionOptions holds flags for the session command.
type SessionOptions struct {
	*RootOptions
	Database string
	RelayURL string
}

// NewSessionCommand creates the session command.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "session <doc-id>",
		Short: "Open an editing session on a document",
		Long: `Open a document against the SQLite store and, when a relay URL is
configured, the broadcast relay. Every line read from stdin is
appended to the document as a local edit; saves are debounced and
broadcast after confirmation. EOF or an interrupt force-flushes
before exit.

Example:
  coscribe session notes/today.md --db ./coscribe.db
  coscribe session notes/today.md --db ./coscribe.db --relay ws://127.0.0.1:7690/ws`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.RelayURL, "relay", "", "relay websocket URL (overrides config)")

	return cmd
}

func runSession(opts *SessionOptions, docID string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := setupLogging(cfg)

	dbPath := cfg.Database
	if opts.Database != "" {
		dbPath = opts.Database
	}
	relayURL := cfg.Relay.URL
	if opts.RelayURL != "" {
		relayURL = opts.RelayURL
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	initial, err := st.LoadOrInit(ctx, docID, "")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load document", err)
	}

	eng, client, err := buildEngine(ctx, cfg, st, relayURL, logger, cmd)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	runCtx, stopEngine := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := eng.Run(runCtx); runErr != nil {
			logger.Error("engine stopped with error", "error", runErr)
		}
	}()
	defer func() {
		stopEngine()
		<-done
	}()

	if err := eng.InitializeAndActivate(ctx, docID, initial); err != nil {
		return WrapExitError(ExitCommandError, "failed to open document", err)
	}

	logger.Info("session started",
		"doc", docID,
		"db", dbPath,
		"relay", relayURL,
		"origin", eng.Origin(),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Editing %s. Type to append; Ctrl-D to save and exit.\n", docID)

	readEdits(ctx, eng, docID, initial, cmd)

	// Teardown is the last chance to persist.
	if err := eng.ClearDocument(context.Background(), docID); err != nil {
		return WrapExitError(ExitFailure, "failed to flush document on exit", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Saved.")
	return nil
}

// broadcastGate forwards relay frames to the engine once it exists.
// The relay client is dialed before the engine is constructed, so a
// frame can arrive before there is anywhere to put it.
type broadcastGate struct {
	mu     sync.Mutex
	eng    *docsync.Engine
	logger *slog.Logger
}

func (g *broadcastGate) set(e *docsync.Engine) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.eng = e
}

func (g *broadcastGate) handle(docID, content, origin string) {
	g.mu.Lock()
	e := g.eng
	g.mu.Unlock()
	if e == nil {
		return
	}
	if err := e.HandleBroadcast(docID, content, origin); err != nil {
		g.logger.Warn("dropping broadcast", "doc", docID, "error", err)
	}
}

// buildEngine wires the engine to the store, the optional relay, and
// the terminal. The relay client feeds inbound frames straight into
// HandleBroadcast; the engine's own echo filter drops our frames.
func buildEngine(ctx context.Context, cfg *config.Config, st *store.Store, relayURL string, logger *slog.Logger, cmd *cobra.Command) (*docsync.Engine, *relay.Client, error) {
	engCfg := docsync.Config{
		Saver:       st,
		Formatter:   format.Normalizer{},
		SaveDelay:   cfg.SaveDebounce,
		FormatDelay: cfg.FormatDebounce,
		Logger:      logger,
		Metrics:     metrics.New(),
		OnContentReplaced: func(docID, content string) {
			fmt.Fprintf(cmd.OutOrStdout(), "\n--- %s updated ---\n%s", docID, content)
		},
		OnSaveError: func(docID string, err error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "save failed for %s: %v\n", docID, err)
		},
	}

	gate := &broadcastGate{logger: logger}
	var client *relay.Client
	if relayURL != "" {
		var err error
		client, err = relay.Dial(ctx, relayURL, gate.handle, logger)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to connect to relay", err)
		}
		engCfg.Publisher = client
	}

	eng, err := docsync.New(engCfg)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	gate.set(eng)
	return eng, client, nil
}

// readEdits consumes stdin line by line until EOF or cancellation.
// Each line extends the document; the accumulated buffer is the
// authoritative local content.
func readEdits(ctx context.Context, eng *docsync.Engine, docID, initial string, cmd *cobra.Command) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	content := initial
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			content += line + "\n"
			if err := eng.ApplyLocalEdit(docID, content); err != nil {
				return
			}
		}
	}
}
