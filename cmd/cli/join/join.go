package join

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetmesh-project/fleetmesh/cmd/util"
	"github.com/fleetmesh-project/fleetmesh/pkg/accelerator"
	"github.com/fleetmesh-project/fleetmesh/pkg/beacon"
	"github.com/fleetmesh-project/fleetmesh/pkg/config"
	"github.com/fleetmesh-project/fleetmesh/pkg/endpoint"
	"github.com/fleetmesh-project/fleetmesh/pkg/logger"
	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
)

// reconnectDelay paces the retry loop when no coordinator is reachable.
const reconnectDelay = 2 * time.Second

func NewCmd() *cobra.Command {
	var configPath string
	var name string
	var coordinatorAddr string
	var taskDuration time.Duration

	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "Run a fleetmesh endpoint",
		Long: `Run a fleetmesh endpoint: discover a coordinator on the local network,
register and process dispatched tasks until stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return join(cmd, configPath, name, coordinatorAddr, taskDuration)
		},
	}

	joinCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Directory containing config.yaml. Defaults and FLEETMESH_* environment variables apply either way.",
	)
	joinCmd.PersistentFlags().StringVar(
		&name, "name", "",
		"Endpoint name sent at registration. Defaults to the host name.",
	)
	joinCmd.PersistentFlags().StringVar(
		&coordinatorAddr, "coordinator", "",
		"Coordinator host:port to connect to, skipping discovery.",
	)
	joinCmd.PersistentFlags().DurationVar(
		&taskDuration, "simulate-duration", 10*time.Second,
		"How long the simulated workload runs per dispatched task.",
	)
	return joinCmd
}

func join(cmd *cobra.Command, configPath, name, coordinatorAddr string, taskDuration time.Duration) error {
	ctx := cmd.Context()
	cm := util.GetCleanupManager(ctx)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	node := cfg.Node
	if name != "" {
		node.Name = name
	}
	if node.Name == "" {
		node.Name = system.HostName()
	}
	ctx = logger.ContextWithEndpointIDLogger(ctx, node.Name)

	acc, err := accelerator.Select(ctx, accelerator.SelectorParams{
		Disabled:     node.Accelerator.Disabled,
		SelfTestSize: node.Accelerator.SelfTestSize,
	})
	if err != nil {
		return err
	}
	cm.RegisterCallback(func() error {
		acc.Close()
		return nil
	})

	lifecycle := system.NewLifecycle(system.LifecycleParams{
		Cleanup: func() { cm.Cleanup(ctx) },
	})

	manager := endpoint.NewConnectionManager(endpoint.ConnectionManagerParams{
		EndpointName:         node.Name,
		HardwareDescription:  hardwareDescription(acc),
		AcceleratorAvailable: acc.Accelerated(),
		PublicPort:           node.Ports.Public,
		RegistrationPort:     node.Ports.Registration,
		StatusInterval:       node.Heartbeat.StatusInterval,
		TaskRunner:           endpoint.SimulatedTaskRunner(taskDuration),
		Lifecycle:            lifecycle,
		Accelerator:          acc,
	})
	cm.RegisterCallback(func() error {
		manager.Disconnect()
		return nil
	})

	manager.OnTaskChange(func(taskID string) {
		if taskID == "" {
			log.Ctx(ctx).Info().Msg("Endpoint idle")
		} else {
			log.Ctx(ctx).Info().Msgf("Endpoint processing task %s", taskID)
		}
	})

	// supervision loop: whenever the link drops, find a coordinator and
	// register again until the process is stopped
	for {
		if manager.State() == models.Disconnected {
			address, port, err := pickCoordinator(ctx, node, coordinatorAddr)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("No coordinator found")
			} else if !manager.Connect(ctx, address, port) {
				log.Ctx(ctx).Warn().Msgf("Could not register with %s:%d", address, port)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// pickCoordinator resolves the connect target: the explicit --coordinator
// address when given, otherwise the first coordinator heard on the
// discovery port.
func pickCoordinator(ctx context.Context, node config.NodeConfig, coordinatorAddr string) (string, int, error) {
	if coordinatorAddr != "" {
		host, portStr, err := net.SplitHostPort(coordinatorAddr)
		if err != nil {
			return "", 0, errors.Wrapf(err, "parsing coordinator address %q", coordinatorAddr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, errors.Wrapf(err, "parsing coordinator port %q", portStr)
		}
		return host, port, nil
	}

	found, err := beacon.Scan(ctx, beacon.ScanParams{
		Port:    node.Ports.Discovery,
		Timeout: node.Discovery.ScanTimeout,
	})
	if err != nil {
		return "", 0, err
	}
	if len(found) == 0 {
		return "", 0, errors.New("no coordinator beacons heard on the discovery port")
	}
	return found[0].Address, found[0].Port, nil
}

func hardwareDescription(acc *accelerator.Context) string {
	return fmt.Sprintf("%d logical processors, %s memory, %s",
		runtime.NumCPU(),
		datasize.ByteSize(memory.TotalMemory()).HumanReadable(),
		acc.Device())
}
