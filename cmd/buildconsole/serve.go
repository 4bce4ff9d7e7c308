package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"buildconsole/internal/realtime"
	"buildconsole/internal/watcher"

	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the consoles over REST and WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if listen != "" {
				a.cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides config)")
	return cmd
}

// serve runs the front end until ctx ends, then kills every console.
func (a *app) serve(ctx context.Context) error {
	srv := realtime.New(a.registry, a.consoles(),
		realtime.WithLogger(a.logger),
		realtime.WithMetrics(a.metrics),
		realtime.WithRestartTimeout(3*a.cfg.GracePeriod))

	fileWatch := watcher.New(func(key string, paths []string) {
		// Only a running console picks up its new build definition.
		if !a.registry.IsAlive(key) {
			return
		}
		if _, err := srv.Restart(ctx, key, false); err != nil {
			a.logger.Error("restart after build change failed", "key", key, "paths", paths, "error", err)
		}
	}, watcher.WithLogger(a.logger))
	defer fileWatch.Shutdown()

	for _, con := range a.cfg.Consoles {
		if con.RestartOnChange && len(con.Watch) > 0 {
			dir := con.Dir
			if dir == "" {
				dir = "."
			}
			if err := fileWatch.Watch(con.Key, dir, con.Watch); err != nil {
				a.logger.Warn("cannot watch build definition", "key", con.Key, "error", err)
			}
		}
		if con.Autostart {
			if _, err := srv.Start(con.Key, false); err != nil {
				a.logger.Error("autostart failed", "key", con.Key, "error", err)
			}
		}
	}

	httpServer := &http.Server{
		Addr:    a.cfg.Listen,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	a.logger.Info("buildconsole listening", "addr", a.cfg.Listen, "consoles", srv.Keys())

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.GracePeriod)
	defer cancel()

	srv.CloseClients()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	return errors.Join(serveErr, a.registry.Shutdown(shutdownCtx))
}
