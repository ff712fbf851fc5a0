//go:build unit || !integration

package endpoint_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/suite"

	"github.com/fleetmesh-project/fleetmesh/pkg/coordinator"
	"github.com/fleetmesh-project/fleetmesh/pkg/endpoint"
	"github.com/fleetmesh-project/fleetmesh/pkg/logger"
	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
	"github.com/fleetmesh-project/fleetmesh/pkg/wire"
)

type ConnectionManagerSuite struct {
	suite.Suite
	ctx      context.Context
	cancel   context.CancelFunc
	registry *coordinator.SessionRegistry
	server   *coordinator.Server
	port     int
}

func TestConnectionManagerSuite(t *testing.T) {
	suite.Run(t, new(ConnectionManagerSuite))
}

func (s *ConnectionManagerSuite) SetupTest() {
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
	})
	s.Require().NoError(s.server.Start(s.ctx))
}

func (s *ConnectionManagerSuite) TearDownTest() {
	s.cancel()
}

func (s *ConnectionManagerSuite) makeManager(runner endpoint.TaskRunner) *endpoint.ConnectionManager {
	if runner == nil {
		runner = endpoint.SimulatedTaskRunner(time.Millisecond)
	}
	return endpoint.NewConnectionManager(endpoint.ConnectionManagerParams{
		EndpointName:        "worker-1",
		HardwareDescription: "test hardware",
		PublicPort:          s.port + 1,
		RegistrationPort:    s.port,
		StatusInterval:      20 * time.Millisecond,
		LoadSampler:         endpoint.StaticLoadSampler{Load: 0.25},
		TaskRunner:          runner,
		Lifecycle: system.NewLifecycle(system.LifecycleParams{
			ExitFunc:     func(int) {},
			RelaunchFunc: func() error { return nil },
			Delay:        time.Millisecond,
		}),
	})
}

func (s *ConnectionManagerSuite) waitForSessions(count int) {
	s.Require().Eventually(func() bool {
		return s.registry.Count() == count
	}, time.Second, 10*time.Millisecond)
}

func (s *ConnectionManagerSuite) sessionID() string {
	s.waitForSessions(1)
	return s.registry.List()[0].ID
}

func (s *ConnectionManagerSuite) TestConnectRegisters() {
	manager := s.makeManager(nil)
	defer manager.Disconnect()

	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	s.Equal(models.Connected, manager.State())
	s.Empty(manager.CurrentTaskID())

	s.waitForSessions(1)
	session := s.registry.List()[0]
	s.Equal("worker-1", session.EndpointName)
	s.Equal(models.EndpointStateAvailable, session.State)
}

func (s *ConnectionManagerSuite) TestConnectTranslatesPublicPort() {
	manager := s.makeManager(nil)
	defer manager.Disconnect()

	// nothing listens on the public port; the translation is what connects
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port+1))
	s.Equal(models.Connected, manager.State())
}

func (s *ConnectionManagerSuite) TestConnectRefusedStaysDisconnected() {
	unused, err := freeport.GetFreePort()
	s.Require().NoError(err)

	manager := s.makeManager(nil)
	s.False(manager.Connect(s.ctx, "127.0.0.1", unused))
	s.Equal(models.Disconnected, manager.State())
	s.Equal(0, s.registry.Count())
}

func (s *ConnectionManagerSuite) TestReconnectDoesNotLeakSessions() {
	manager := s.makeManager(nil)
	defer manager.Disconnect()

	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	s.waitForSessions(1)

	for i := 0; i < 3; i++ {
		s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	}

	s.waitForSessions(1)
	s.Equal(models.Connected, manager.State())
}

func (s *ConnectionManagerSuite) TestDisconnectNotifiesCoordinator() {
	manager := s.makeManager(nil)
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	s.waitForSessions(1)

	manager.Disconnect()
	s.Equal(models.Disconnected, manager.State())
	s.waitForSessions(0)
}

func (s *ConnectionManagerSuite) TestCoordinatorLossFlipsDisconnected() {
	manager := s.makeManager(nil)
	defer manager.Disconnect()
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	s.waitForSessions(1)

	// the coordinator going away must be detected without any retry cycle
	s.cancel()
	s.Require().Eventually(func() bool {
		return manager.State() == models.Disconnected
	}, time.Second, 10*time.Millisecond)
}

func (s *ConnectionManagerSuite) TestCancelTearsDownSession() {
	manager := s.makeManager(nil)

	var mu sync.Mutex
	transitions := []models.ConnectionState{}
	manager.OnStateChange(func(state models.ConnectionState) {
		mu.Lock()
		transitions = append(transitions, state)
		mu.Unlock()
	})

	connectCtx, connectCancel := context.WithCancel(s.ctx)
	defer connectCancel()
	s.Require().True(manager.Connect(connectCtx, "127.0.0.1", s.port))
	s.waitForSessions(1)

	connectCancel()

	// cancellation must surface within one status interval: the state
	// flips, observers hear about it, and the closed socket drops the
	// session on the coordinator side too
	s.Require().Eventually(func() bool {
		return manager.State() == models.Disconnected
	}, time.Second, 10*time.Millisecond)
	s.waitForSessions(0)

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	s.Equal([]models.ConnectionState{models.Connected, models.Disconnected}, transitions)
}

func (s *ConnectionManagerSuite) TestHeartbeatReachesRegistry() {
	manager := s.makeManager(nil)
	defer manager.Disconnect()
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	id := s.sessionID()

	s.Require().Eventually(func() bool {
		session, err := s.registry.Get(id)
		return err == nil && session.CPULoad == 0.25
	}, time.Second, 10*time.Millisecond)

	session, err := s.registry.Get(id)
	s.Require().NoError(err)
	s.Equal(models.EndpointStateAvailable, session.State)
	s.Empty(session.CurrentTaskID)
}

func (s *ConnectionManagerSuite) TestExecuteTaskRunsOnceAndCompletes() {
	var runsMu sync.Mutex
	runs := []string{}
	runner := func(ctx context.Context, taskID string) (string, error) {
		runsMu.Lock()
		runs = append(runs, taskID)
		runsMu.Unlock()
		return "done " + taskID, nil
	}

	manager := s.makeManager(runner)
	defer manager.Disconnect()

	var assignmentsMu sync.Mutex
	assignments := []string{}
	manager.OnTaskChange(func(taskID string) {
		assignmentsMu.Lock()
		assignments = append(assignments, taskID)
		assignmentsMu.Unlock()
	})

	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	id := s.sessionID()

	s.Require().NoError(s.server.Send(id, models.ExecuteTaskCommand{TaskID: "T1"}))

	s.Require().Eventually(func() bool {
		session, err := s.registry.Get(id)
		return err == nil && session.CurrentTaskID == "" && manager.CurrentTaskID() == ""
	}, time.Second, 10*time.Millisecond)

	runsMu.Lock()
	s.Equal([]string{"T1"}, runs)
	runsMu.Unlock()

	assignmentsMu.Lock()
	s.Equal([]string{"T1", ""}, assignments)
	assignmentsMu.Unlock()
}

func (s *ConnectionManagerSuite) TestDispatchWhileBusyRefusedByCoordinator() {
	release := make(chan struct{})
	runner := func(ctx context.Context, taskID string) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	}

	manager := s.makeManager(runner)
	defer manager.Disconnect()
	defer close(release)
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	id := s.sessionID()

	s.Require().NoError(s.server.Send(id, models.ExecuteTaskCommand{TaskID: "T1"}))
	s.Require().Eventually(func() bool {
		return manager.CurrentTaskID() == "T1"
	}, time.Second, 10*time.Millisecond)

	// a second dispatch while busy never leaves the coordinator
	err := s.server.Send(id, models.ExecuteTaskCommand{TaskID: "T2"})
	s.Require().IsType(coordinator.ErrSessionBusy{}, err)
	s.Equal("T1", manager.CurrentTaskID())

	session, getErr := s.registry.Get(id)
	s.Require().NoError(getErr)
	s.Equal("T1", session.CurrentTaskID)
}

func (s *ConnectionManagerSuite) TestSecondExecuteWhileBusyIsIgnored() {
	// a raw listener stands in for the coordinator so back-to-back
	// assignments reach the endpoint without any dispatcher-side check
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer listener.Close()
	rawPort := listener.Addr().(*net.TCPAddr).Port

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		reader := wire.NewReader(conn)
		writer := wire.NewWriter(conn)
		if _, readErr := reader.ReadFrame(); readErr != nil {
			return
		}
		_ = writer.WriteFrame(models.EncodeRegistrationResult(models.RegistrationResult{
			Status: models.RegistrationOK,
			Detail: "registered",
		}))
		_ = writer.WriteFrame(models.EncodeControl(models.ExecuteTaskCommand{TaskID: "T1"}))
		_ = writer.WriteFrame(models.EncodeControl(models.ExecuteTaskCommand{TaskID: "T2"}))
	}()

	release := make(chan struct{})
	var runsMu sync.Mutex
	runs := []string{}
	runner := func(ctx context.Context, taskID string) (string, error) {
		runsMu.Lock()
		runs = append(runs, taskID)
		runsMu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	}

	manager := endpoint.NewConnectionManager(endpoint.ConnectionManagerParams{
		EndpointName:        "worker-1",
		HardwareDescription: "test hardware",
		StatusInterval:      20 * time.Millisecond,
		LoadSampler:         endpoint.StaticLoadSampler{Load: 0.25},
		TaskRunner:          runner,
	})
	defer manager.Disconnect()
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", rawPort))

	s.Require().Eventually(func() bool {
		return manager.CurrentTaskID() == "T1"
	}, time.Second, 10*time.Millisecond)

	// second assignment while busy must be ignored, not queued
	time.Sleep(100 * time.Millisecond)
	s.Equal("T1", manager.CurrentTaskID())

	close(release)
	s.Require().Eventually(func() bool {
		return manager.CurrentTaskID() == ""
	}, time.Second, 10*time.Millisecond)

	runsMu.Lock()
	s.Equal([]string{"T1"}, runs)
	runsMu.Unlock()
}

func (s *ConnectionManagerSuite) TestStopTaskSuppressesCompletion() {
	started := make(chan struct{})
	completed := make(chan struct{})
	runner := func(ctx context.Context, taskID string) (string, error) {
		close(started)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			close(completed)
			return "done", nil
		}
	}

	manager := s.makeManager(runner)
	defer manager.Disconnect()
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	id := s.sessionID()

	s.Require().NoError(s.server.Send(id, models.ExecuteTaskCommand{TaskID: "T1"}))
	select {
	case <-started:
	case <-time.After(time.Second):
		s.FailNow("task never started")
	}

	s.Require().NoError(s.server.Send(id, models.StopTaskCommand{}))
	s.Require().Eventually(func() bool {
		return manager.CurrentTaskID() == ""
	}, time.Second, 10*time.Millisecond)

	// the coordinator cleared its own record when it sent the stop; a
	// heartbeat composed before the stop may still be in flight, so wait
	s.Require().Eventually(func() bool {
		session, err := s.registry.Get(id)
		return err == nil && session.CurrentTaskID == ""
	}, time.Second, 10*time.Millisecond)

	select {
	case <-completed:
		s.FailNow("stopped task ran to completion")
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *ConnectionManagerSuite) TestDisconnectMidTaskClearsTaskObservers() {
	started := make(chan struct{})
	runner := func(ctx context.Context, taskID string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}

	manager := s.makeManager(runner)

	var mu sync.Mutex
	assignments := []string{}
	manager.OnTaskChange(func(taskID string) {
		mu.Lock()
		assignments = append(assignments, taskID)
		mu.Unlock()
	})

	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	id := s.sessionID()
	s.Require().NoError(s.server.Send(id, models.ExecuteTaskCommand{TaskID: "T1"}))

	select {
	case <-started:
	case <-time.After(time.Second):
		s.FailNow("task never started")
	}

	manager.Disconnect()

	// the last thing an observer sees is the cleared assignment, not the
	// task the disconnect cut off
	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"T1", ""}, assignments)
}

func (s *ConnectionManagerSuite) TestFailedTaskReportsError() {
	runner := func(ctx context.Context, taskID string) (string, error) {
		return "", context.DeadlineExceeded
	}

	manager := s.makeManager(runner)
	defer manager.Disconnect()
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	id := s.sessionID()

	s.Require().NoError(s.server.Send(id, models.ExecuteTaskCommand{TaskID: "T1"}))

	// the failure still produces a completion and frees the endpoint
	s.Require().Eventually(func() bool {
		session, err := s.registry.Get(id)
		return err == nil && session.CurrentTaskID == "" && manager.CurrentTaskID() == ""
	}, time.Second, 10*time.Millisecond)
}

func (s *ConnectionManagerSuite) TestPingAdvancesLiveness() {
	manager := s.makeManager(nil)
	defer manager.Disconnect()
	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	id := s.sessionID()

	session, err := s.registry.Get(id)
	s.Require().NoError(err)
	before := session.LastSeenAt

	time.Sleep(10 * time.Millisecond)
	s.Require().NoError(s.server.Send(id, models.PingCommand{}))

	s.Require().Eventually(func() bool {
		session, err := s.registry.Get(id)
		return err == nil && session.LastSeenAt.After(before)
	}, time.Second, 10*time.Millisecond)
}

func (s *ConnectionManagerSuite) TestStateObserverSeesTransitions() {
	manager := s.makeManager(nil)

	var mu sync.Mutex
	transitions := []models.ConnectionState{}
	manager.OnStateChange(func(state models.ConnectionState) {
		mu.Lock()
		transitions = append(transitions, state)
		mu.Unlock()
	})

	s.Require().True(manager.Connect(s.ctx, "127.0.0.1", s.port))
	manager.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]models.ConnectionState{models.Connected, models.Disconnected}, transitions)
}
