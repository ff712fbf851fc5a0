package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetmesh-project/fleetmesh/pkg/accelerator"
	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
	"github.com/fleetmesh-project/fleetmesh/pkg/wire"
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second

	DefaultStatusInterval = 5 * time.Second
)

type ConnectionManagerParams struct {
	EndpointName         string
	HardwareDescription  string
	AcceleratorAvailable bool

	// PublicPort is the coordinator's advertised port; RegistrationPort is
	// where workers actually register. A connect aimed at the public port
	// is translated to the registration port.
	PublicPort       int
	RegistrationPort int

	StatusInterval time.Duration
	LoadSampler    LoadSampler
	TaskRunner     TaskRunner
	Lifecycle      *system.Lifecycle
	Accelerator    *accelerator.Context
}

// ConnectionManager owns the endpoint's single coordinator link: the
// registration handshake, the inbound command loop and the outbound status
// loop. Callers observe only Disconnected and Connected; Connect is
// synchronous even though it performs network I/O.
type ConnectionManager struct {
	endpointName         string
	hardwareDescription  string
	acceleratorAvailable bool
	publicPort           int
	registrationPort     int
	statusInterval       time.Duration
	loadSampler          LoadSampler
	taskRunner           TaskRunner
	lifecycle            *system.Lifecycle
	acceleratorCtx       *accelerator.Context

	mu     sync.Mutex
	state  models.ConnectionState
	active *activeSession

	observersMu    sync.Mutex
	stateObservers []func(models.ConnectionState)
	taskObservers  []func(taskID string)

	taskMu        sync.Mutex
	currentTaskID string
	taskCancel    context.CancelFunc
}

// activeSession is one established connection's transport state. Both loops
// write through send, which serializes frames onto the shared socket.
type activeSession struct {
	conn     net.Conn
	reader   *wire.Reader
	writer   *wire.Writer
	sendMu   sync.Mutex
	cancel   context.CancelFunc
	teardown sync.Once
}

func (s *activeSession) send(frame *wire.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.writer.WriteFrame(frame)
}

func NewConnectionManager(params ConnectionManagerParams) *ConnectionManager {
	interval := params.StatusInterval
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	sampler := params.LoadSampler
	if sampler == nil {
		sampler = SystemLoadSampler{}
	}
	return &ConnectionManager{
		endpointName:         params.EndpointName,
		hardwareDescription:  params.HardwareDescription,
		acceleratorAvailable: params.AcceleratorAvailable,
		publicPort:           params.PublicPort,
		registrationPort:     params.RegistrationPort,
		statusInterval:       interval,
		loadSampler:          sampler,
		taskRunner:           params.TaskRunner,
		lifecycle:            params.Lifecycle,
		acceleratorCtx:       params.Accelerator,
	}
}

func (m *ConnectionManager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) CurrentTaskID() string {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	return m.currentTaskID
}

// OnStateChange registers an observer for connection-state transitions.
// Observers are invoked synchronously; keep them short.
func (m *ConnectionManager) OnStateChange(fn func(models.ConnectionState)) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.stateObservers = append(m.stateObservers, fn)
}

// OnTaskChange registers an observer called when the current task is
// assigned or cleared; the empty id means idle.
func (m *ConnectionManager) OnTaskChange(fn func(taskID string)) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.taskObservers = append(m.taskObservers, fn)
}

func (m *ConnectionManager) notifyState(state models.ConnectionState) {
	m.observersMu.Lock()
	observers := append([]func(models.ConnectionState){}, m.stateObservers...)
	m.observersMu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}

func (m *ConnectionManager) notifyTask(taskID string) {
	m.observersMu.Lock()
	observers := append([]func(string){}, m.taskObservers...)
	m.observersMu.Unlock()
	for _, fn := range observers {
		fn(taskID)
	}
}

// Connect establishes a registered session with the coordinator at
// address:port and reports success. If a session already exists it is fully
// torn down first, so repeated connects never leak sessions. On any
// handshake or transport fault the endpoint stays Disconnected.
func (m *ConnectionManager) Connect(ctx context.Context, address string, port int) bool {
	m.Disconnect()

	if port == m.publicPort && m.registrationPort != 0 {
		// the coordinator splits its audiences across two ports; worker
		// traffic aimed at the public port is redirected. Possibly a
		// historical workaround, preserved as observed.
		log.Ctx(ctx).Info().Msgf("Translating public port %d to registration port %d", port, m.registrationPort)
		port = m.registrationPort
	}

	target := fmt.Sprintf("%s:%d", address, port)
	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msgf("Failed to connect to coordinator at %s", target)
		return false
	}

	reader := wire.NewReader(conn)
	writer := wire.NewWriter(conn)

	result, err := m.handshake(conn, reader, writer)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msgf("Registration with %s failed", target)
		_ = conn.Close()
		return false
	}
	if !result.OK() {
		log.Ctx(ctx).Warn().Msgf("Registration with %s rejected: %s", target, result.Detail)
		_ = conn.Close()
		return false
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	session := &activeSession{conn: conn, reader: reader, writer: writer, cancel: cancel}

	m.mu.Lock()
	m.active = session
	m.state = models.Connected
	m.mu.Unlock()
	m.notifyState(models.Connected)

	go m.commandLoop(sessionCtx, session)
	go m.statusLoop(sessionCtx, session)

	log.Ctx(ctx).Info().Msgf("Connected to coordinator at %s: %s", target, result.Detail)
	return true
}

func (m *ConnectionManager) handshake(conn net.Conn, reader *wire.Reader, writer *wire.Writer) (models.RegistrationResult, error) {
	request := models.RegistrationRequest{
		EndpointName:         m.endpointName,
		HardwareDescription:  m.hardwareDescription,
		AcceleratorAvailable: m.acceleratorAvailable,
	}
	if err := writer.WriteFrame(models.EncodeRegistrationRequest(request)); err != nil {
		return models.RegistrationResult{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	frame, err := reader.ReadFrame()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return models.RegistrationResult{}, err
	}
	return models.DecodeRegistrationResult(frame)
}

// Disconnect sends a best-effort goodbye and releases the transport. The
// notice is fire and forget: a failed send is swallowed, the coordinator
// notices the close either way.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	session := m.active
	m.mu.Unlock()
	if session == nil {
		return
	}

	_ = session.send(models.EncodeStatus(models.DisconnectNotice{})) // best effort
	m.teardown(session)
}

// teardown closes one session exactly once and flips to Disconnected.
func (m *ConnectionManager) teardown(session *activeSession) {
	session.teardown.Do(func() {
		session.cancel()
		_ = session.conn.Close()

		// a task cut off by the disconnect counts as cleared
		if m.stopCurrentTask() != "" {
			m.notifyTask("")
		}

		m.mu.Lock()
		if m.active == session {
			m.active = nil
			m.state = models.Disconnected
		}
		m.mu.Unlock()
		m.notifyState(models.Disconnected)
	})
}

// stopCurrentTask cancels and clears any active task, returning the id it
// cleared; the empty return means the endpoint was already idle.
func (m *ConnectionManager) stopCurrentTask() string {
	m.taskMu.Lock()
	cancel := m.taskCancel
	cleared := m.currentTaskID
	m.currentTaskID = ""
	m.taskCancel = nil
	m.taskMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return cleared
}
