package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coscribe/coscribe/internal/metrics"
	"github.com/coscribe/coscribe/internal/relay"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast relay",
		Long: `Run the websocket relay that fans saved content out between
sessions. Serves /ws for session connections and /metrics in the
Prometheus text format.

Example:
  coscribe serve --listen 127.0.0.1:7690`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := setupLogging(cfg)

	listen := cfg.Relay.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}

	rec := metrics.New()
	hub := relay.NewHub(logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", rec.Handler())

	srv := &http.Server{Addr: listen, Handler: mux}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "relay failed", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down relay")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitFailure, "relay shutdown failed", err)
		}
	}

	logger.Info("relay stopped")
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, rooted
// in the command's context so tests can cancel it directly.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
