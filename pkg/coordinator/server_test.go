//go:build unit || !integration

package coordinator_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/suite"

	"github.com/fleetmesh-project/fleetmesh/pkg/coordinator"
	"github.com/fleetmesh-project/fleetmesh/pkg/logger"
	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
	"github.com/fleetmesh-project/fleetmesh/pkg/wire"
)

// testClient is a hand-rolled endpoint speaking the raw wire protocol, so
// server behavior is tested without the real connection manager.
type testClient struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) register(t interface{ Errorf(string, ...interface{}) }, name string) models.RegistrationResult {
	_ = c.writer.WriteFrame(models.EncodeRegistrationRequest(models.RegistrationRequest{
		EndpointName:         name,
		HardwareDescription:  "test hardware",
		AcceleratorAvailable: false,
	}))
	frame, err := c.reader.ReadFrame()
	if err != nil {
		t.Errorf("reading registration result: %s", err)
		return models.RegistrationResult{}
	}
	result, err := models.DecodeRegistrationResult(frame)
	if err != nil {
		t.Errorf("decoding registration result: %s", err)
	}
	return result
}

type ServerSuite struct {
	suite.Suite
	ctx      context.Context
	cancel   context.CancelFunc
	registry *coordinator.SessionRegistry
	server   *coordinator.Server
	port     int
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.ctx, s.cancel = context.WithCancel(context.Background())

	port, err := freeport.GetFreePort()
	s.Require().NoError(err)
	s.port = port

	s.registry = coordinator.NewSessionRegistry()
	s.server = coordinator.NewServer(coordinator.ServerParams{
		Name:             "test-coordinator",
		PublicAddress:    "127.0.0.1",
		PublicPort:       port + 1,
		RegistrationPort: port,
		Registry:         s.registry,
		Lifecycle: system.NewLifecycle(system.LifecycleParams{
			ExitFunc:     func(int) {},
			RelaunchFunc: func() error { return nil },
			Delay:        time.Millisecond,
		}),
	})
	s.Require().NoError(s.server.Start(s.ctx))
}

func (s *ServerSuite) TearDownTest() {
	s.cancel()
}

func (s *ServerSuite) dial() *testClient {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.port), time.Second)
	s.Require().NoError(err)
	return &testClient{conn: conn, reader: wire.NewReader(conn), writer: wire.NewWriter(conn)}
}

func (s *ServerSuite) connect(name string) *testClient {
	client := s.dial()
	result := client.register(s.T(), name)
	s.Require().True(result.OK())
	return client
}

func (s *ServerSuite) waitForSessions(count int) {
	s.Require().Eventually(func() bool {
		return s.registry.Count() == count
	}, time.Second, 10*time.Millisecond)
}

func (s *ServerSuite) TestRegistrationCreatesSession() {
	client := s.connect("worker-1")
	defer client.close()

	s.waitForSessions(1)
	session := s.registry.List()[0]
	s.Equal("worker-1", session.EndpointName)
	s.Empty(session.CurrentTaskID)
	s.Equal("127.0.0.1", session.RemoteAddress)
	s.False(session.ConnectedAt.IsZero())
}

func (s *ServerSuite) TestRegistrationValidationFailure() {
	client := s.dial()
	defer client.close()

	result := client.register(s.T(), "   ")
	s.False(result.OK())
	s.Equal(models.RegistrationFailed, result.Status)
	s.NotEmpty(result.Detail)
	s.Equal(0, s.registry.Count())
}

func (s *ServerSuite) TestPeerCloseRemovesSession() {
	client := s.connect("worker-1")
	s.waitForSessions(1)

	client.close()
	s.waitForSessions(0)
}

func (s *ServerSuite) TestDisconnectNoticeRemovesSession() {
	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)

	_ = client.writer.WriteFrame(models.EncodeStatus(models.DisconnectNotice{}))
	s.waitForSessions(0)
}

func (s *ServerSuite) TestTwoEndpointsIndependentSessions() {
	first := s.connect("worker-1")
	defer first.close()
	second := s.connect("worker-2")
	defer second.close()
	s.waitForSessions(2)

	first.close()
	s.waitForSessions(1)

	remaining := s.registry.List()[0]
	s.Equal("worker-2", remaining.EndpointName)
}

func (s *ServerSuite) TestPingYieldsPong() {
	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)

	_ = client.writer.WriteFrame(models.EncodeControl(models.PingCommand{}))
	frame, err := client.reader.ReadFrame()
	s.Require().NoError(err)

	status, err := models.DecodeStatus(frame)
	s.Require().NoError(err)
	s.IsType(models.PongStatus{}, status)
}

func (s *ServerSuite) TestStatusUpdateFoldsIntoSession() {
	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)
	before := s.registry.List()[0].LastSeenAt

	_ = client.writer.WriteFrame(models.EncodeStatus(models.StatusUpdate{
		CPULoad: 0.5,
		State:   models.EndpointStateProcessing,
		TaskID:  "T1",
	}))

	s.Require().Eventually(func() bool {
		session := s.registry.List()[0]
		return session.CPULoad == 0.5 && session.CurrentTaskID == "T1"
	}, time.Second, 10*time.Millisecond)

	session := s.registry.List()[0]
	s.Equal(models.EndpointStateProcessing, session.State)
	s.False(session.LastSeenAt.Before(before))
}

func (s *ServerSuite) TestTaskCompletedClearsTask() {
	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)
	sessionID := s.registry.List()[0].ID

	s.Require().NoError(s.server.Send(sessionID, models.ExecuteTaskCommand{TaskID: "T1"}))

	// the endpoint sees the dispatch
	frame, err := client.reader.ReadFrame()
	s.Require().NoError(err)
	command, err := models.DecodeControl(frame)
	s.Require().NoError(err)
	s.Equal(models.ExecuteTaskCommand{TaskID: "T1"}, command)

	dispatched, _ := s.registry.Get(sessionID)
	s.Equal("T1", dispatched.CurrentTaskID)

	_ = client.writer.WriteFrame(models.EncodeStatus(models.TaskCompleted{TaskID: "T1", Result: "done"}))
	s.Require().Eventually(func() bool {
		session, err := s.registry.Get(sessionID)
		return err == nil && session.CurrentTaskID == ""
	}, time.Second, 10*time.Millisecond)
}

func (s *ServerSuite) TestDispatchWhileBusyRefused() {
	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)
	sessionID := s.registry.List()[0].ID

	s.Require().NoError(s.server.Send(sessionID, models.ExecuteTaskCommand{TaskID: "T1"}))

	err := s.server.Send(sessionID, models.ExecuteTaskCommand{TaskID: "T2"})
	s.Require().Error(err)
	s.IsType(coordinator.ErrSessionBusy{}, err)

	// the registry still shows the task that is actually running
	session, getErr := s.registry.Get(sessionID)
	s.Require().NoError(getErr)
	s.Equal("T1", session.CurrentTaskID)
}

func (s *ServerSuite) TestUnrecognizedCommandKeepsSessionOpen() {
	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)

	_ = client.writer.WriteFrame(wire.NewFrame().Set(models.FieldCommand, "REWIND"))
	frame, err := client.reader.ReadFrame()
	s.Require().NoError(err)

	reply, err := models.DecodeCommandReply(frame)
	s.Require().NoError(err)
	s.False(reply.OK)
	s.NotEmpty(reply.Text)

	// the session survived and still answers
	_ = client.writer.WriteFrame(models.EncodeControl(models.PingCommand{}))
	frame, err = client.reader.ReadFrame()
	s.Require().NoError(err)
	status, err := models.DecodeStatus(frame)
	s.Require().NoError(err)
	s.IsType(models.PongStatus{}, status)
	s.Equal(1, s.registry.Count())
}

func (s *ServerSuite) TestMalformedStatusDropped() {
	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)

	// STATUS_UPDATE with required fields missing
	_ = client.writer.WriteFrame(wire.NewFrame().Set(models.FieldStatus, "STATUS_UPDATE"))

	// still registered, still responsive
	_ = client.writer.WriteFrame(models.EncodeControl(models.PingCommand{}))
	_, err := client.reader.ReadFrame()
	s.Require().NoError(err)
	s.Equal(1, s.registry.Count())
}

func (s *ServerSuite) TestDiagnosticsCommand() {
	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)

	_ = client.writer.WriteFrame(models.EncodeControl(models.DiagnosticsCommand{}))
	frame, err := client.reader.ReadFrame()
	s.Require().NoError(err)

	reply, err := models.DecodeCommandReply(frame)
	s.Require().NoError(err)
	s.True(reply.OK)
	s.Contains(reply.Text, "Active sessions: 1")
	s.Contains(reply.Text, "CPU benchmark:")
	s.Contains(reply.Text, "GPU benchmark: skipped, no accelerator")
}

func (s *ServerSuite) TestSendToUnknownSession() {
	err := s.server.Send("missing", models.PingCommand{})
	s.Error(err)
	s.IsType(coordinator.ErrSessionNotFound{}, err)
}

func (s *ServerSuite) TestAdvertisementReflectsSessions() {
	ad := s.server.GetAdvertisement(s.ctx)
	s.Equal("test-coordinator", ad.Name)
	s.Equal(0, ad.SessionCount)
	s.False(ad.Accelerated)

	client := s.connect("worker-1")
	defer client.close()
	s.waitForSessions(1)

	ad = s.server.GetAdvertisement(s.ctx)
	s.Equal(1, ad.SessionCount)
	s.Equal("127.0.0.1", ad.Address)
}

func (s *ServerSuite) TestBindFailureIsFatal() {
	other := coordinator.NewServer(coordinator.ServerParams{
		Name:             "duplicate",
		RegistrationPort: s.port,
		Registry:         coordinator.NewSessionRegistry(),
	})
	s.Error(other.Start(s.ctx))
}
