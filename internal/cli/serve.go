package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/feed"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string

	// Ready, when set, receives the bound listen address once the feed is
	// accepting connections (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the collection in sync and stream events",
		Long: `Run the sync engine until interrupted.

Connectivity is polled in the background; queued operations are replayed
when the network returns and on the fallback interval. Engine events are
pushed to WebSocket clients on the listen address, and GET /status returns
the offline status.

Example:
  shelf serve --addr 127.0.0.1:8420
  shelf serve --config ./shelf.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8420", "listen address for the event feed")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), longRunning)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := feed.NewHub(a.engine)
	defer hub.Close()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: hub, ReadHeaderTimeout: 5 * time.Second}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		_ = a.monitor.Run(ctx)
	}()

	slog.Info("shelf serving", "addr", ln.Addr().String(), "db", a.cfg.Database)
	fmt.Fprintf(cmd.OutOrStdout(), "Syncing. Event feed on ws://%s/events\n", ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = WrapExitError(ExitFailure, "event feed stopped", err)
		}
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("event feed shutdown", "error", err)
	}
	<-monitorDone

	slog.Info("shelf stopped gracefully")
	return runErr
}
