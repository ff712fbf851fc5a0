package coordinator

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fleetmesh-project/fleetmesh/pkg/accelerator"
	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
	"github.com/fleetmesh-project/fleetmesh/pkg/wire"
)

const registrationTimeout = 5 * time.Second

type ServerParams struct {
	// Name and PublicAddress/PublicPort identify this coordinator in its
	// beacon advertisements.
	Name          string
	PublicAddress string
	PublicPort    int

	// RegistrationPort is the worker-ingress listener. Deliberately not the
	// public port: the two audiences never share a socket.
	RegistrationPort int

	Registry    *SessionRegistry
	Accelerator *accelerator.Context
	Lifecycle   *system.Lifecycle
}

// Server accepts endpoint registrations and runs one handler goroutine per
// session. It is also the beacon's advertisement provider and the command
// dispatcher the admin surface sends tasks through.
type Server struct {
	name             string
	publicAddress    string
	publicPort       int
	registrationPort int
	registry         *SessionRegistry
	acceleratorCtx   *accelerator.Context
	lifecycle        *system.Lifecycle

	listener net.Listener

	conns   map[string]*sessionConn
	connsMu sync.Mutex
}

// sessionConn pairs a session with its stream. The send mutex serializes
// concurrent writers (dispatcher, PONG replies) onto the one socket.
type sessionConn struct {
	id     string
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer
	sendMu sync.Mutex
}

func (c *sessionConn) send(frame *wire.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writer.WriteFrame(frame)
}

func NewServer(params ServerParams) *Server {
	return &Server{
		name:             params.Name,
		publicAddress:    params.PublicAddress,
		publicPort:       params.PublicPort,
		registrationPort: params.RegistrationPort,
		registry:         params.Registry,
		acceleratorCtx:   params.Accelerator,
		lifecycle:        params.Lifecycle,
		conns:            make(map[string]*sessionConn),
	}
}

// Start binds the registration listener and launches the accept loop.
// Failing to bind is a fatal startup fault and is returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.registrationPort))
	if err != nil {
		return errors.Wrapf(err, "binding registration port %d", s.registrationPort)
	}
	s.listener = listener

	go func() {
		<-ctx.Done()
		_ = listener.Close()
		s.closeAllConns()
	}()
	go s.acceptLoop(ctx)

	log.Ctx(ctx).Info().Msgf("Coordinator %s accepting registrations on port %d", s.name, s.registrationPort)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Ctx(ctx).Warn().Err(err).Msg("Accept failed")
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, sc := range s.conns {
		_ = sc.conn.Close()
	}
}

// GetAdvertisement implements beacon.AdvertisementProvider. Rebuilt on every
// tick so session counts stay current.
func (s *Server) GetAdvertisement(ctx context.Context) models.CoordinatorAdvertisement {
	return models.CoordinatorAdvertisement{
		Name:         s.name,
		Address:      s.publicAddress,
		Port:         s.publicPort,
		SessionCount: s.registry.Count(),
		Accelerated:  s.acceleratorCtx != nil && s.acceleratorCtx.Accelerated(),
		Timestamp:    time.Now(),
	}
}

// Send dispatches one control message to a registered endpoint. A task
// dispatch to a session that is already executing one is refused: the
// endpoint would drop the assignment, and the registry must not claim a
// task is running that never was.
func (s *Server) Send(sessionID string, msg models.ControlMessage) error {
	s.connsMu.Lock()
	sc, ok := s.conns[sessionID]
	s.connsMu.Unlock()
	if !ok {
		return NewErrSessionNotFound(sessionID)
	}

	if execute, isExecute := msg.(models.ExecuteTaskCommand); isExecute {
		if session, err := s.registry.Get(sessionID); err == nil && session.CurrentTaskID != "" {
			return NewErrSessionBusy(sessionID, session.CurrentTaskID)
		}
		if err := sc.send(models.EncodeControl(msg)); err != nil {
			return err
		}
		s.registry.SetCurrentTask(sessionID, execute.TaskID)
		return nil
	}

	if err := sc.send(models.EncodeControl(msg)); err != nil {
		return err
	}
	if _, isStop := msg.(models.StopTaskCommand); isStop {
		s.registry.SetCurrentTask(sessionID, "")
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	reader := wire.NewReader(conn)
	writer := wire.NewWriter(conn)

	session, err := s.register(ctx, conn, reader, writer)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msgf("Registration from %s failed", remote)
		_ = conn.Close()
		return
	}

	sc := &sessionConn{id: session.ID, conn: conn, reader: reader, writer: writer}
	s.connsMu.Lock()
	s.conns[session.ID] = sc
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, session.ID)
		s.connsMu.Unlock()
		s.registry.Remove(ctx, session.ID)
		_ = conn.Close()
	}()

	s.readLoop(ctx, sc)
}

// register performs the handshake: validate the first frame, create the
// session, reply. Any validation failure gets an explicit FAILED reply
// before the stream closes.
func (s *Server) register(ctx context.Context, conn net.Conn, reader *wire.Reader, writer *wire.Writer) (models.Session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	frame, err := reader.ReadFrame()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return models.Session{}, errors.Wrap(err, "reading registration request")
	}

	request, err := models.DecodeRegistrationRequest(frame)
	if err == nil {
		err = request.Validate()
	}
	if err != nil {
		_ = writer.WriteFrame(models.EncodeRegistrationResult(models.RegistrationResult{
			Status: models.RegistrationFailed,
			Detail: err.Error(),
		}))
		return models.Session{}, err
	}

	host, portStr, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
	if splitErr != nil {
		host = conn.RemoteAddr().String()
	}
	remotePort, _ := strconv.Atoi(portStr)

	now := time.Now()
	session := models.Session{
		ID:                   uuid.NewString(),
		EndpointName:         request.EndpointName,
		RemoteAddress:        host,
		RemotePort:           remotePort,
		HardwareDescription:  request.HardwareDescription,
		AcceleratorAvailable: request.AcceleratorAvailable,
		ConnectedAt:          now,
		LastSeenAt:           now,
		State:                models.EndpointStateAvailable,
	}

	if evicted := s.registry.Add(ctx, session); evicted != "" {
		s.connsMu.Lock()
		if old, ok := s.conns[evicted]; ok {
			_ = old.conn.Close()
			delete(s.conns, evicted)
		}
		s.connsMu.Unlock()
	}

	if err := writer.WriteFrame(models.EncodeRegistrationResult(models.RegistrationResult{
		Status: models.RegistrationOK,
		Detail: "registered with " + s.name,
	})); err != nil {
		s.registry.Remove(ctx, session.ID)
		return models.Session{}, errors.Wrap(err, "sending registration result")
	}
	return session, nil
}

// readLoop processes frames strictly in arrival order until the peer closes
// or a read fails; a single failure is conclusive, the session is torn down.
func (s *Server) readLoop(ctx context.Context, sc *sessionConn) {
	for {
		frame, err := sc.reader.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Ctx(ctx).Debug().Err(err).Msgf("Session %s read failed", sc.id)
			}
			return
		}
		s.handleFrame(ctx, sc, frame)
	}
}
