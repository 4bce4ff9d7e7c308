package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"buildconsole/internal/config"
	"buildconsole/internal/metrics"
	"buildconsole/internal/session"
	"buildconsole/internal/telemetry"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "buildconsole",
		Short: "Run long-lived build tool consoles outside the IDE",
		Long: `buildconsole keeps one long-lived build tool process (such as sbt) per
console key, fans its output out to any number of viewers, and exposes
start, kill, restart and input over a terminal, REST and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./buildconsole.yaml or $HOME/.config/buildconsole/buildconsole.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// app holds what every command needs: configuration, logging, metrics and
// the session registry.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	closer   io.Closer
	metrics  *metrics.Metrics
	registry *session.Registry
}

func (o *rootOptions) load(logOut io.Writer) (*app, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	logger, closer, err := telemetry.Init(logOut, telemetry.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		closer: closer,
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}
	a.registry = session.NewRegistry(
		session.WithRegistryLogger(logger),
		session.WithRegistryMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) Close() error {
	return a.closer.Close()
}

// factory builds sessions for one configured console.
func (a *app) factory(con config.Console) session.Factory {
	return func(key string) (*session.ProcessSession, error) {
		opts := []session.Option{
			session.WithGracePeriod(a.cfg.GracePeriod),
			session.WithLockDir(a.cfg.LockDir),
			session.WithLogger(a.logger),
			session.WithMetrics(a.metrics),
			session.WithRouterOptions(session.WithMailboxSize(a.cfg.MailboxSize)),
		}
		if a.cfg.HistorySize > 0 {
			opts = append(opts, session.WithHistory(a.cfg.HistorySize))
		}

		sess := session.New(key, session.Command{
			Path: con.Command,
			Args: con.Args,
			Dir:  con.Dir,
			Env:  con.Env,
		}, opts...)

		if a.logger.Enabled(context.Background(), slog.LevelDebug) {
			sess.Router().Subscribe(session.NewLogSink(a.logger, slog.LevelDebug))
		}
		return sess, nil
	}
}

// consoles returns a factory per configured console key.
func (a *app) consoles() map[string]session.Factory {
	factories := make(map[string]session.Factory, len(a.cfg.Consoles))
	for _, con := range a.cfg.Consoles {
		factories[con.Key] = a.factory(con)
	}
	return factories
}
