package coordinator

import (
	"fmt"
)

// ErrSessionNotFound is returned when no live session exists for a requested
// session id.
type ErrSessionNotFound struct {
	sessionID string
}

func NewErrSessionNotFound(sessionID string) ErrSessionNotFound {
	return ErrSessionNotFound{sessionID: sessionID}
}

func (e ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session not found for sessionID: %s", e.sessionID)
}

// ErrSessionBusy is returned when a task is dispatched to a session that is
// already executing one. Endpoints run a single task at a time.
type ErrSessionBusy struct {
	sessionID string
	taskID    string
}

func NewErrSessionBusy(sessionID, taskID string) ErrSessionBusy {
	return ErrSessionBusy{sessionID: sessionID, taskID: taskID}
}

func (e ErrSessionBusy) Error() string {
	return fmt.Sprintf("session %s is already executing task %s", e.sessionID, e.taskID)
}
