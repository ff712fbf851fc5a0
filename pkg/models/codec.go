package models

import (
	"github.com/fleetmesh-project/fleetmesh/pkg/wire"
)

// Wire discriminators and field names. Every frame carries exactly one of
// the Command/Status/Beacon discriminator fields; unknown fields in any
// frame are ignored.
const (
	FieldCommand = "Command"
	FieldStatus  = "Status"
	FieldBeacon  = "Beacon"

	fieldName        = "Name"
	fieldAddress     = "Address"
	fieldPort        = "Port"
	fieldSessions    = "Sessions"
	fieldAccelerated = "Accelerated"
	fieldTimestamp   = "Timestamp"
	fieldEndpoint    = "Endpoint"
	fieldHardware    = "Hardware"
	fieldDetail      = "Detail"
	fieldTaskID      = "TaskID"
	fieldCPULoad     = "CPULoad"
	fieldState       = "State"
	fieldResult      = "Result"

	beaconCoordinator = "COORDINATOR"

	commandRegister    = "REGISTER"
	commandPing        = "PING"
	commandExecuteTask = "EXECUTE_TASK"
	commandStopTask    = "STOP_TASK"
	commandRestart     = "RESTART"
	commandShutdown    = "SHUTDOWN"
	commandDiagnostics = "DIAGNOSTICS"

	statusPong          = "PONG"
	statusUpdate        = "STATUS_UPDATE"
	statusTaskCompleted = "TASK_COMPLETED"
	statusDisconnect    = "DISCONNECT"

	// EmptyTaskID is the on-wire marker for "no current task".
	EmptyTaskID = "none"
)

// EncodeAdvertisement renders a beacon datagram.
func EncodeAdvertisement(ad CoordinatorAdvertisement) *wire.Frame {
	return wire.NewFrame().
		Set(FieldBeacon, beaconCoordinator).
		Set(fieldName, ad.Name).
		Set(fieldAddress, ad.Address).
		SetInt(fieldPort, ad.Port).
		SetInt(fieldSessions, ad.SessionCount).
		SetBool(fieldAccelerated, ad.Accelerated).
		SetTime(fieldTimestamp, ad.Timestamp)
}

// DecodeAdvertisement parses a beacon datagram. Anything that is not a
// well-formed coordinator beacon is malformed; the scanner drops it.
func DecodeAdvertisement(frame *wire.Frame) (CoordinatorAdvertisement, error) {
	var ad CoordinatorAdvertisement

	kind, err := frame.Required(FieldBeacon)
	if err != nil {
		return ad, err
	}
	if kind != beaconCoordinator {
		return ad, wire.NewErrMalformedFrame("unknown beacon kind %q", kind)
	}
	if ad.Name, err = frame.Required(fieldName); err != nil {
		return ad, err
	}
	if ad.Address, err = frame.Required(fieldAddress); err != nil {
		return ad, err
	}
	if ad.Port, err = frame.RequiredInt(fieldPort); err != nil {
		return ad, err
	}
	if ad.SessionCount, err = frame.RequiredInt(fieldSessions); err != nil {
		return ad, err
	}
	if ad.Accelerated, err = frame.RequiredBool(fieldAccelerated); err != nil {
		return ad, err
	}
	if ad.Timestamp, err = frame.RequiredTime(fieldTimestamp); err != nil {
		return ad, err
	}
	return ad, nil
}

// EncodeRegistrationRequest renders the handshake's opening frame.
func EncodeRegistrationRequest(req RegistrationRequest) *wire.Frame {
	return wire.NewFrame().
		Set(FieldCommand, commandRegister).
		Set(fieldEndpoint, req.EndpointName).
		Set(fieldHardware, req.HardwareDescription).
		SetBool(fieldAccelerated, req.AcceleratorAvailable)
}

func DecodeRegistrationRequest(frame *wire.Frame) (RegistrationRequest, error) {
	var req RegistrationRequest

	command, err := frame.Required(FieldCommand)
	if err != nil {
		return req, err
	}
	if command != commandRegister {
		return req, wire.NewErrMalformedFrame("expected %s, got %q", commandRegister, command)
	}
	if req.EndpointName, err = frame.Required(fieldEndpoint); err != nil {
		return req, err
	}
	if req.HardwareDescription, err = frame.Required(fieldHardware); err != nil {
		return req, err
	}
	if req.AcceleratorAvailable, err = frame.RequiredBool(fieldAccelerated); err != nil {
		return req, err
	}
	return req, nil
}

// EncodeRegistrationResult renders the handshake's single terminal reply.
func EncodeRegistrationResult(result RegistrationResult) *wire.Frame {
	return wire.NewFrame().
		Set(FieldStatus, result.Status.String()).
		Set(fieldDetail, result.Detail)
}

func DecodeRegistrationResult(frame *wire.Frame) (RegistrationResult, error) {
	var result RegistrationResult

	raw, err := frame.Required(FieldStatus)
	if err != nil {
		return result, err
	}
	if result.Status, err = ParseRegistrationStatus(raw); err != nil {
		return result, wire.NewErrMalformedFrame("%s", err)
	}
	// Detail is informational and may be absent
	result.Detail, _ = frame.Get(fieldDetail)
	return result, nil
}

// EncodeControl renders a coordinator-to-endpoint command frame.
func EncodeControl(msg ControlMessage) *wire.Frame {
	switch m := msg.(type) {
	case PingCommand:
		return wire.NewFrame().Set(FieldCommand, commandPing)
	case ExecuteTaskCommand:
		return wire.NewFrame().Set(FieldCommand, commandExecuteTask).Set(fieldTaskID, m.TaskID)
	case StopTaskCommand:
		return wire.NewFrame().Set(FieldCommand, commandStopTask)
	case RestartCommand:
		return wire.NewFrame().Set(FieldCommand, commandRestart)
	case ShutdownCommand:
		return wire.NewFrame().Set(FieldCommand, commandShutdown)
	case DiagnosticsCommand:
		return wire.NewFrame().Set(FieldCommand, commandDiagnostics)
	default:
		// closed set; a new variant without a codec entry is a bug
		panic("models: unknown control message variant")
	}
}

// DecodeControl parses a command frame into its variant.
func DecodeControl(frame *wire.Frame) (ControlMessage, error) {
	command, err := frame.Required(FieldCommand)
	if err != nil {
		return nil, err
	}
	switch command {
	case commandPing:
		return PingCommand{}, nil
	case commandExecuteTask:
		taskID, err := frame.Required(fieldTaskID)
		if err != nil {
			return nil, err
		}
		return ExecuteTaskCommand{TaskID: taskID}, nil
	case commandStopTask:
		return StopTaskCommand{}, nil
	case commandRestart:
		return RestartCommand{}, nil
	case commandShutdown:
		return ShutdownCommand{}, nil
	case commandDiagnostics:
		return DiagnosticsCommand{}, nil
	default:
		return nil, wire.NewErrMalformedFrame("unknown command %q", command)
	}
}

// EncodeStatus renders an endpoint-to-coordinator status frame.
func EncodeStatus(msg StatusMessage) *wire.Frame {
	switch m := msg.(type) {
	case PongStatus:
		return wire.NewFrame().Set(FieldStatus, statusPong)
	case StatusUpdate:
		taskID := m.TaskID
		if taskID == "" {
			taskID = EmptyTaskID
		}
		return wire.NewFrame().
			Set(FieldStatus, statusUpdate).
			SetFloat(fieldCPULoad, m.CPULoad).
			Set(fieldState, m.State.String()).
			Set(fieldTaskID, taskID)
	case TaskCompleted:
		return wire.NewFrame().
			Set(FieldStatus, statusTaskCompleted).
			Set(fieldTaskID, m.TaskID).
			Set(fieldResult, m.Result)
	case DisconnectNotice:
		return wire.NewFrame().Set(FieldStatus, statusDisconnect)
	default:
		panic("models: unknown status message variant")
	}
}

// DecodeStatus parses a status frame into its variant.
func DecodeStatus(frame *wire.Frame) (StatusMessage, error) {
	status, err := frame.Required(FieldStatus)
	if err != nil {
		return nil, err
	}
	switch status {
	case statusPong:
		return PongStatus{}, nil
	case statusUpdate:
		var update StatusUpdate
		if update.CPULoad, err = frame.RequiredFloat(fieldCPULoad); err != nil {
			return nil, err
		}
		rawState, err := frame.Required(fieldState)
		if err != nil {
			return nil, err
		}
		if update.State, err = ParseEndpointState(rawState); err != nil {
			return nil, wire.NewErrMalformedFrame("%s", err)
		}
		taskID, err := frame.Required(fieldTaskID)
		if err != nil {
			return nil, err
		}
		if taskID != EmptyTaskID {
			update.TaskID = taskID
		}
		return update, nil
	case statusTaskCompleted:
		var completed TaskCompleted
		if completed.TaskID, err = frame.Required(fieldTaskID); err != nil {
			return nil, err
		}
		completed.Result, _ = frame.Get(fieldResult)
		return completed, nil
	case statusDisconnect:
		return DisconnectNotice{}, nil
	default:
		return nil, wire.NewErrMalformedFrame("unknown status %q", status)
	}
}
