package system

import (
	"context"
	"errors"
	"time"

	realsync "sync"

	sync "github.com/bacalhau-project/golang-mutex-tracer"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// CleanupManager provides utilities for ensuring that sub-goroutines can
// clean up their resources before the main goroutine exits. Both the
// coordinator and the endpoint register their sockets, loops and the
// accelerator context here so that shutdown releases everything exactly once.
type CleanupManager struct {
	wg realsync.WaitGroup

	fnsMutex sync.Mutex
	fns      []func() error
	fnsDone  bool
}

// NewCleanupManager returns a new CleanupManager instance.
func NewCleanupManager() *CleanupManager {
	c := &CleanupManager{}
	c.fnsMutex.EnableTracerWithOpts(sync.Opts{
		Threshold: 10 * time.Millisecond,
		Id:        "CleanupManager.fnsMutex",
	})
	return c
}

// RegisterCallback registers a clean-up function.
func (cm *CleanupManager) RegisterCallback(fn func() error) {
	cm.fnsMutex.Lock()
	defer cm.fnsMutex.Unlock()

	if cm.fnsDone {
		log.Error().Msg("CleanupManager: RegisterCallback called after Cleanup")
		return
	}

	cm.wg.Add(1)
	cm.fns = append(cm.fns, fn)
}

// Cleanup runs all registered clean-up functions in sub-goroutines and
// waits for them all to complete before returning. Callback failures are
// aggregated and logged, never returned: by this point the process is going
// away regardless.
func (cm *CleanupManager) Cleanup(ctx context.Context) {
	cm.fnsMutex.Lock()
	defer cm.fnsMutex.Unlock()

	if cm.fnsDone {
		log.Ctx(ctx).Warn().Msg("CleanupManager: Cleanup called again after already called")
		return
	}

	errCh := make(chan error, len(cm.fns))
	for i := 0; i < len(cm.fns); i++ {
		go func(fn func() error) {
			defer cm.wg.Done()

			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}(cm.fns[i])
	}

	cm.wg.Wait()
	close(errCh)
	cm.fnsDone = true

	var errs *multierror.Error
	for err := range errCh {
		errs = multierror.Append(errs, err)
	}
	if errs.ErrorOrNil() != nil {
		log.Ctx(ctx).Error().Err(errs).Msg("Error during clean-up callbacks")
	}
}
