package serve

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetmesh-project/fleetmesh/cmd/util"
	"github.com/fleetmesh-project/fleetmesh/pkg/accelerator"
	"github.com/fleetmesh-project/fleetmesh/pkg/beacon"
	"github.com/fleetmesh-project/fleetmesh/pkg/config"
	"github.com/fleetmesh-project/fleetmesh/pkg/coordinator"
	"github.com/fleetmesh-project/fleetmesh/pkg/logger"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
)

func NewCmd() *cobra.Command {
	var configPath string
	var name string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a fleetmesh coordinator",
		Long: `Start a fleetmesh coordinator: announce on the discovery port, accept
endpoint registrations and serve the admin API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, configPath, name)
		},
	}

	serveCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Directory containing config.yaml. Defaults and FLEETMESH_* environment variables apply either way.",
	)
	serveCmd.PersistentFlags().StringVar(
		&name, "name", "",
		"Coordinator name carried in discovery beacons. Defaults to the configured node name.",
	)
	return serveCmd
}

func serve(cmd *cobra.Command, configPath, name string) error {
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

	registry := coordinator.NewSessionRegistry()
	server := coordinator.NewServer(coordinator.ServerParams{
		Name:             node.Name,
		PublicAddress:    system.LocalAddress(node.Discovery.BroadcastAddress),
		PublicPort:       node.Ports.Public,
		RegistrationPort: node.Ports.Registration,
		Registry:         registry,
		Accelerator:      acc,
		Lifecycle:        lifecycle,
	})
	if err := server.Start(ctx); err != nil {
		return err
	}

	publisher, err := beacon.NewPublisher(beacon.PublisherParams{
		Provider:         server,
		BroadcastAddress: node.Discovery.BroadcastAddress,
		Port:             node.Ports.Discovery,
		Interval:         node.Discovery.BeaconInterval,
	})
	if err != nil {
		return err
	}
	publisher.Start(ctx)

	api := coordinator.NewAdminAPI(coordinator.AdminAPIParams{
		Server:         server,
		Lifecycle:      lifecycle,
		Ports:          node.Ports,
		LivenessWindow: node.Heartbeat.LivenessWindow,
		PersistPorts: func(ports config.PortsConfig) error {
			if configPath != "" {
				return config.SavePorts(configPath, ports)
			}
			// no config directory: the relaunched process inherits the
			// environment instead
			return config.ExportPorts(ports)
		},
	})
	if err := api.Start(ctx); err != nil {
		return err
	}

	log.Ctx(ctx).Info().Msgf("Coordinator %s up: device %s", node.Name, acc.Device())
	<-ctx.Done()
	return nil
}
