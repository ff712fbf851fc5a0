package models

// ControlMessage is the coordinator-to-endpoint half of the protocol. It is a
// closed set: adding a command means adding a variant here, its codec entry,
// and a case in each dispatcher, all checked at compile time.
type ControlMessage interface {
	controlMessage()
}

// PingCommand probes liveness; either side may probe, the receiver answers
// with PONG immediately.
type PingCommand struct{}

// ExecuteTaskCommand assigns one opaque task. An endpoint already holding a
// task treats a second assignment as a protocol violation: logged and
// ignored, never queued.
type ExecuteTaskCommand struct {
	TaskID string
}

// StopTaskCommand preempts the current task. Fire-and-forget: the endpoint
// sends no acknowledgement and the coordinator does not wait for one.
type StopTaskCommand struct{}

// RestartCommand asks the endpoint process to exit with the relaunch exit
// code after flushing its reply.
type RestartCommand struct{}

// ShutdownCommand asks the endpoint process to exit cleanly.
type ShutdownCommand struct{}

// DiagnosticsCommand requests a multi-line diagnostic report.
type DiagnosticsCommand struct{}

func (PingCommand) controlMessage()        {}
func (ExecuteTaskCommand) controlMessage() {}
func (StopTaskCommand) controlMessage()    {}
func (RestartCommand) controlMessage()     {}
func (ShutdownCommand) controlMessage()    {}
func (DiagnosticsCommand) controlMessage() {}

// StatusMessage is the endpoint-to-coordinator half of the protocol.
type StatusMessage interface {
	statusMessage()
}

// PongStatus answers a PING.
type PongStatus struct{}

// StatusUpdate is the periodic heartbeat carrying the latest load sample and
// the current task, if any.
type StatusUpdate struct {
	CPULoad float64
	State   EndpointState
	TaskID  string
}

// TaskCompleted acknowledges exactly one finished task. A task preempted by
// STOP_TASK produces no completion for its id.
type TaskCompleted struct {
	TaskID string
	Result string
}

// DisconnectNotice is the best-effort goodbye an endpoint sends before
// releasing its transport. Loss is tolerated: the coordinator also detects
// the close from the stream itself.
type DisconnectNotice struct{}

func (PongStatus) statusMessage()       {}
func (StatusUpdate) statusMessage()     {}
func (TaskCompleted) statusMessage()    {}
func (DisconnectNotice) statusMessage() {}
