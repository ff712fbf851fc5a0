package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/wire"
)

// handleFrame routes one inbound frame. Every well-formed frame advances the
// session's LastSeenAt; malformed frames are logged and dropped without
// closing the session.
func (s *Server) handleFrame(ctx context.Context, sc *sessionConn, frame *wire.Frame) {
	switch {
	case hasField(frame, models.FieldStatus):
		status, err := models.DecodeStatus(frame)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msgf("Session %s sent malformed status", sc.id)
			return
		}
		s.registry.Touch(sc.id, time.Now())
		s.handleStatus(ctx, sc, status)

	case hasField(frame, models.FieldCommand):
		s.registry.Touch(sc.id, time.Now())
		command, err := models.DecodeControl(frame)
		if err != nil {
			// unrecognized commands get a structured error reply, but the
			// session stays open
			log.Ctx(ctx).Debug().Err(err).Msgf("Session %s sent unrecognized command", sc.id)
			s.reply(ctx, sc, models.CommandReply{OK: false, Text: err.Error()})
			return
		}
		s.handleCommand(ctx, sc, command)

	default:
		log.Ctx(ctx).Debug().Msgf("Session %s sent frame with no discriminator", sc.id)
	}
}

func (s *Server) handleStatus(ctx context.Context, sc *sessionConn, status models.StatusMessage) {
	switch msg := status.(type) {
	case models.PongStatus:
		// Touch already recorded the liveness; nothing else to do

	case models.StatusUpdate:
		s.registry.UpdateStatus(sc.id, msg, time.Now())

	case models.TaskCompleted:
		log.Ctx(ctx).Info().Msgf("Session %s completed task %s", sc.id, msg.TaskID)
		s.registry.SetCurrentTask(sc.id, "")

	case models.DisconnectNotice:
		log.Ctx(ctx).Info().Msgf("Session %s said goodbye", sc.id)
		// closing the stream makes the read loop exit and reclaim the slot
		_ = sc.conn.Close()
	}
}

// handleCommand serves commands addressed to the coordinator itself.
// PING/PONG is symmetric: either side may probe. Administrative command
// faults are caught per-command and reported back as an error reply rather
// than allowed to cross the session boundary.
func (s *Server) handleCommand(ctx context.Context, sc *sessionConn, command models.ControlMessage) {
	switch command.(type) {
	case models.PingCommand:
		if err := sc.send(models.EncodeStatus(models.PongStatus{})); err != nil {
			log.Ctx(ctx).Debug().Err(err).Msgf("Session %s PONG write failed", sc.id)
		}

	case models.DiagnosticsCommand:
		report, err := s.Diagnostics(ctx)
		if err != nil {
			s.reply(ctx, sc, models.CommandReply{OK: false, Text: err.Error()})
			return
		}
		s.reply(ctx, sc, models.CommandReply{OK: true, Text: report})

	case models.RestartCommand:
		s.reply(ctx, sc, models.CommandReply{OK: true, Text: "restarting"})
		s.lifecycle.Restart(ctx)

	case models.ShutdownCommand:
		s.reply(ctx, sc, models.CommandReply{OK: true, Text: "shutting down"})
		s.lifecycle.Shutdown(ctx)

	default:
		// EXECUTE_TASK and STOP_TASK flow coordinator-to-endpoint only
		s.reply(ctx, sc, models.CommandReply{OK: false, Text: "command not supported by coordinator"})
	}
}

func (s *Server) reply(ctx context.Context, sc *sessionConn, reply models.CommandReply) {
	if err := sc.send(models.EncodeCommandReply(reply)); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msgf("Session %s reply write failed", sc.id)
	}
}

func hasField(frame *wire.Frame, name string) bool {
	_, ok := frame.Get(name)
	return ok
}
