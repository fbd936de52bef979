//go:build !windows

package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
func gracefulSignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM}
}

// processIsAlive checks if a process is still running using signal 0.
func processIsAlive(proc *os.Process) bool {
	return unix.Kill(proc.Pid, 0) == nil
}

// sendGracefulStop sends SIGTERM.
func sendGracefulStop(proc *os.Process) error {
	return unix.Kill(proc.Pid, unix.SIGTERM)
}

// sendReload sends SIGHUP.
func sendReload(proc *os.Process) error {
	return unix.Kill(proc.Pid, unix.SIGHUP)
}

// watchReload calls reload on every SIGHUP until ctx is done.
func watchReload(ctx context.Context, reload func(context.Context), logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				logger.Info("SIGHUP received, reloading policies")
				reload(ctx)
			}
		}
	}()
}
