package system

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// exitDelay gives the acknowledgement frame time to flush before resources
// are released.
const exitDelay = 500 * time.Millisecond

type LifecycleParams struct {
	// Cleanup runs before the process exits, releasing the accelerator
	// context and the sockets.
	Cleanup func()
	// ExitFunc defaults to os.Exit; tests substitute it.
	ExitFunc func(code int)
	// RelaunchFunc spawns the detached relaunch helper; defaults to
	// re-executing the current binary.
	RelaunchFunc func() error
	// Delay overrides exitDelay, for tests.
	Delay time.Duration
}

// Lifecycle serializes RESTART and SHUTDOWN: whichever request wins the race
// is the one that happens, and it happens once.
type Lifecycle struct {
	cleanup  func()
	exitFunc func(code int)
	relaunch func() error
	delay    time.Duration
	once     sync.Once
}

func NewLifecycle(params LifecycleParams) *Lifecycle {
	l := &Lifecycle{
		cleanup:  params.Cleanup,
		exitFunc: params.ExitFunc,
		relaunch: params.RelaunchFunc,
		delay:    params.Delay,
	}
	if l.exitFunc == nil {
		l.exitFunc = os.Exit
	}
	if l.relaunch == nil {
		l.relaunch = relaunchSelf
	}
	if l.delay <= 0 {
		l.delay = exitDelay
	}
	return l
}

// Shutdown exits cleanly after the flush delay.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	l.terminate(ctx, ExitCodeOK, false)
}

// Restart spawns the detached relaunch helper, then exits with the relaunch
// code so supervisors also know to start us again.
func (l *Lifecycle) Restart(ctx context.Context) {
	l.terminate(ctx, ExitCodeRelaunch, true)
}

func (l *Lifecycle) terminate(ctx context.Context, code int, relaunch bool) {
	l.once.Do(func() {
		go func() {
			log.Ctx(ctx).Info().Msgf("Process exiting with code %d in %s", code, l.delay)
			time.Sleep(l.delay)
			if relaunch {
				if err := l.relaunch(); err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("Failed to spawn relaunch helper")
				}
			}
			if l.cleanup != nil {
				l.cleanup()
			}
			l.exitFunc(code)
		}()
	})
}

func relaunchSelf() error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	// detach: the helper outlives us
	return cmd.Process.Release()
}
