package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"buildconsole/internal/session"

	"github.com/spf13/cobra"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [key]",
		Short: "Attach the terminal to a console",
		Long: `Start the console's process if it is not running and attach the terminal:
its output is copied to stdout and stderr, lines typed on stdin are sent to
it, and an interrupt kills it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			key := a.cfg.Consoles[0].Key
			if len(args) == 1 {
				key = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.attach(ctx, key, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// attach runs the console for key in the foreground until it exits or ctx
// ends.
func (a *app) attach(ctx context.Context, key string, stdin io.Reader, stdout, stderr io.Writer) error {
	con, ok := a.cfg.Console(key)
	if !ok {
		return fmt.Errorf("console %q: %w", key, session.ErrUnknownKey)
	}

	sink := session.NewWriterSink(stdout, stderr)
	// Subscribe before the process starts so no output is missed.
	a.registry.OnCreated(func(sess *session.ProcessSession) {
		if sess.Key() == key {
			sess.Router().Subscribe(sink)
		}
	})

	ctrl := session.NewController(key, a.registry, a.factory(con),
		session.WithControllerLogger(a.logger))
	if _, err := ctrl.StartIfNotStarted(true); err != nil {
		return err
	}

	go forwardInput(ctrl, stdin)

	var info session.Info
	select {
	case info = <-sink.Finished():
	case <-ctx.Done():
		if err := ctrl.DestroyProcess(); err != nil {
			return err
		}
		info = <-sink.Finished()
	}

	if info.Killed {
		return nil
	}
	if info.ExitCode != 0 {
		return fmt.Errorf("console %q exited with code %d", key, info.ExitCode)
	}
	return nil
}

// forwardInput sends each line read from r to the console until r ends or
// the process stops.
func forwardInput(ctrl *session.Controller, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctrl.Send(scanner.Text()); err != nil {
			return
		}
	}
}
