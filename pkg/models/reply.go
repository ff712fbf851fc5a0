package models

import (
	"strings"

	"github.com/fleetmesh-project/fleetmesh/pkg/wire"
)

const (
	// FieldReply discriminates command replies (diagnostics reports,
	// structured errors for unrecognized commands) from the two message
	// unions.
	FieldReply = "Reply"

	replyOK    = "OK"
	replyError = "ERROR"

	fieldText = "Text"
)

// CommandReply is the response a node sends back for an inbound command that
// produces output, such as DIAGNOSTICS, or for a command it does not
// recognize. An error reply never closes the session.
type CommandReply struct {
	OK   bool
	Text string
}

func EncodeCommandReply(reply CommandReply) *wire.Frame {
	kind := replyOK
	if !reply.OK {
		kind = replyError
	}
	// reports are multi-line but frame values are single-line
	escaped := strings.ReplaceAll(reply.Text, "\n", "\\n")
	return wire.NewFrame().
		Set(FieldReply, kind).
		Set(fieldText, escaped)
}

func DecodeCommandReply(frame *wire.Frame) (CommandReply, error) {
	var reply CommandReply

	kind, err := frame.Required(FieldReply)
	if err != nil {
		return reply, err
	}
	switch kind {
	case replyOK:
		reply.OK = true
	case replyError:
		reply.OK = false
	default:
		return reply, wire.NewErrMalformedFrame("unknown reply kind %q", kind)
	}
	text, _ := frame.Get(fieldText)
	reply.Text = strings.ReplaceAll(text, "\\n", "\n")
	return reply, nil
}
