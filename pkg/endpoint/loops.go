package endpoint

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog/log"

	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
)

// commandLoop reads coordinator frames until the stream closes or the
// session is torn down. Reads are strictly in arrival order; this is the
// connection's only reader.
func (m *ConnectionManager) commandLoop(ctx context.Context, session *activeSession) {
	defer m.teardown(session)

	for {
		frame, err := session.reader.ReadFrame()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Ctx(ctx).Debug().Err(err).Msg("Coordinator stream read failed")
			}
			return
		}

		if _, isReply := frame.Get(models.FieldReply); isReply {
			// replies to commands this endpoint never sends; nothing to do
			continue
		}
		command, err := models.DecodeControl(frame)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("Dropping malformed frame from coordinator")
			continue
		}
		if !m.handleControl(ctx, session, command) {
			return
		}
	}
}

// handleControl processes one command; the false return means the session is
// dead (a reply write failed) and the loop must exit.
func (m *ConnectionManager) handleControl(ctx context.Context, session *activeSession, command models.ControlMessage) bool {
	switch msg := command.(type) {
	case models.PingCommand:
		if err := session.send(models.EncodeStatus(models.PongStatus{})); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("PONG write failed, treating connection as dead")
			return false
		}

	case models.ExecuteTaskCommand:
		m.startTask(ctx, session, msg.TaskID)

	case models.StopTaskCommand:
		// fire and forget: clear and notify, no acknowledgement
		log.Ctx(ctx).Info().Msg("Current task stopped by coordinator")
		if m.stopCurrentTask() != "" {
			m.notifyTask("")
		}

	case models.DiagnosticsCommand:
		report := m.diagnosticsReport()
		if err := session.send(models.EncodeCommandReply(models.CommandReply{OK: true, Text: report})); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Diagnostics reply write failed")
			return false
		}

	case models.RestartCommand:
		_ = session.send(models.EncodeCommandReply(models.CommandReply{OK: true, Text: "restarting"}))
		if m.lifecycle != nil {
			m.lifecycle.Restart(ctx)
		}

	case models.ShutdownCommand:
		_ = session.send(models.EncodeCommandReply(models.CommandReply{OK: true, Text: "shutting down"}))
		if m.lifecycle != nil {
			m.lifecycle.Shutdown(ctx)
		}
	}
	return true
}

// startTask records the assignment and runs the opaque work off the command
// loop. A second assignment while one is active is a protocol violation:
// logged and ignored, never queued.
func (m *ConnectionManager) startTask(ctx context.Context, session *activeSession, taskID string) {
	m.taskMu.Lock()
	if m.currentTaskID != "" {
		current := m.currentTaskID
		m.taskMu.Unlock()
		log.Ctx(ctx).Warn().Msgf(
			"Protocol violation: EXECUTE_TASK %s received while task %s is active, ignoring", taskID, current)
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	m.currentTaskID = taskID
	m.taskCancel = cancel
	m.taskMu.Unlock()

	m.notifyTask(taskID)
	log.Ctx(ctx).Info().Msgf("Executing task %s", taskID)

	go func() {
		result, err := m.taskRunner(taskCtx, taskID)
		preempted := taskCtx.Err() != nil

		m.taskMu.Lock()
		if m.currentTaskID == taskID {
			m.currentTaskID = ""
			m.taskCancel = nil
		}
		m.taskMu.Unlock()

		if preempted {
			// STOP_TASK or disconnect: no completion frame for this id
			return
		}
		m.notifyTask("")

		if err != nil {
			result = fmt.Sprintf("error: %s", err)
		}
		completed := models.TaskCompleted{TaskID: taskID, Result: result}
		if sendErr := session.send(models.EncodeStatus(completed)); sendErr != nil {
			log.Ctx(ctx).Warn().Err(sendErr).Msgf("TASK_COMPLETED write for %s failed", taskID)
			m.teardown(session)
			return
		}
		log.Ctx(ctx).Info().Msgf("Task %s completed", taskID)
	}()
}

// statusLoop publishes a heartbeat every interval while connected. A single
// write failure is conclusive evidence of a dead connection: no retry, the
// loop exits and the state flips to Disconnected within one interval.
// Context cancellation tears the session down too; closing the socket is
// what releases the command loop from its blocking read.
func (m *ConnectionManager) statusLoop(ctx context.Context, session *activeSession) {
	ticker := time.NewTicker(m.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown(session)
			return
		case <-ticker.C:
			update := m.composeStatus()
			if err := session.send(models.EncodeStatus(update)); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("Status write failed, treating connection as dead")
				m.teardown(session)
				return
			}
		}
	}
}

func (m *ConnectionManager) composeStatus() models.StatusUpdate {
	taskID := m.CurrentTaskID()
	state := models.EndpointStateAvailable
	if taskID != "" {
		state = models.EndpointStateProcessing
	}
	return models.StatusUpdate{
		CPULoad: m.loadSampler.Sample(),
		State:   state,
		TaskID:  taskID,
	}
}

func (m *ConnectionManager) diagnosticsReport() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host: %s\n", system.HostName())
	fmt.Fprintf(&b, "OS: %s\n", system.OSDescription())
	fmt.Fprintf(&b, "Logical processors: %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "Process memory: %s\n", datasize.ByteSize(system.ProcessMemory()).HumanReadable())
	if m.acceleratorCtx != nil {
		fmt.Fprintf(&b, "Accelerator: %s\n", m.acceleratorCtx.Device())
	} else {
		fmt.Fprintf(&b, "Accelerator: none\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
