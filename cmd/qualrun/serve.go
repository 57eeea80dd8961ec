package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/patrickspencer/qualrun/internal/config"
	"github.com/patrickspencer/qualrun/internal/web"
	"github.com/patrickspencer/qualrun/internal/web/api"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic sweep and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		}),
	}
}

// serve blocks until ctx is done or the HTTP server fails.
func serve(ctx context.Context, a *app) error {
	cfg := *a.cfg
	srv := web.NewServer(cfg.Listen, &api.API{
		Manager:   a.mgr,
		Store:     a.store,
		Events:    a.events,
		RunLogs:   a.runLogs,
		GetConfig: func() *config.Config { return &cfg },
	}, a.log)

	a.mgr.Start()
	defer a.mgr.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	a.log.Infow("qualrun started",
		"listen", cfg.Listen,
		"db", cfg.DBPath,
		"executor", cfg.Executor.Type)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Infow("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Errorw("HTTP server shutdown failed", "error", err)
	}
	a.log.Infow("qualrun stopped")
	return nil
}
