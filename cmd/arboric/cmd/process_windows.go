//go:build windows

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"golang.org/x/sys/windows"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
// On Windows, only os.Interrupt is reliably delivered.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive opens a handle and checks the exit code.
func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	// STILL_ACTIVE
	return exitCode == 259
}

// sendGracefulStop terminates the process; Windows has no SIGTERM.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}

// sendReload is unsupported; use POST /admin/api/policies/reload.
func sendReload(*os.Process) error {
	return errors.New("signal reload is not supported on windows, use the admin API")
}

// watchReload is a no-op: there is no SIGHUP on Windows.
func watchReload(_ context.Context, _ func(context.Context), logger *slog.Logger) {
	logger.Debug("signal reload unavailable on windows")
}
