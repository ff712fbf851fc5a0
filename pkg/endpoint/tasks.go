package endpoint

import (
	"context"
	"time"
)

// TaskRunner executes one dispatched task. The protocol treats the work as
// opaque: the runner gets the task id, does whatever the workload library
// does, and returns a result string for the TASK_COMPLETED frame. A
// cancelled ctx means the task was preempted by STOP_TASK and no completion
// will be sent regardless of the return value.
type TaskRunner func(ctx context.Context, taskID string) (string, error)

// SimulatedTaskRunner stands in for the real workload: it waits for the
// given duration, honoring preemption.
func SimulatedTaskRunner(duration time.Duration) TaskRunner {
	return func(ctx context.Context, taskID string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(duration):
			return "completed " + taskID, nil
		}
	}
}
