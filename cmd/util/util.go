package util

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetmesh-project/fleetmesh/pkg/system"
)

type contextKey struct {
	name string
}

// SystemManagerKey carries the process-wide CleanupManager through the
// command context.
var SystemManagerKey = contextKey{name: "context key for the cleanup manager"}

var ShutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func GetCleanupManager(ctx context.Context) *system.CleanupManager {
	return ctx.Value(SystemManagerKey).(*system.CleanupManager)
}

// Fatal prints the error on the command's error stream and exits. Commands
// route their unrecoverable faults through here so the exit code is in one
// place.
func Fatal(cmd *cobra.Command, err error, code int) {
	cmd.PrintErrln(err)
	os.Exit(code)
}

// SignalContext returns a context cancelled on interrupt or termination.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), ShutdownSignals...)
}
