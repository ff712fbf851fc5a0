package scan

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/fleetmesh-project/fleetmesh/pkg/beacon"
	"github.com/fleetmesh-project/fleetmesh/pkg/config"
	"github.com/fleetmesh-project/fleetmesh/pkg/models"
)

func NewCmd() *cobra.Command {
	var configPath string
	var timeout time.Duration

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List coordinators announcing on the local network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return scan(cmd, configPath, timeout)
		},
	}

	scanCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Directory containing config.yaml. Defaults and FLEETMESH_* environment variables apply either way.",
	)
	scanCmd.PersistentFlags().DurationVar(
		&timeout, "timeout", 0,
		"How long to listen for beacons. Defaults to the configured scan timeout.",
	)
	return scanCmd
}

func scan(cmd *cobra.Command, configPath string, timeout time.Duration) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = cfg.Node.Discovery.ScanTimeout
	}

	found, err := beacon.Scan(ctx, beacon.ScanParams{
		Port:    cfg.Node.Ports.Discovery,
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		cmd.Println("No coordinators heard on the discovery port.")
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"NAME", "ADDRESS", "PORT", "SESSIONS", "GPU", "HEARD"})
	tw.AppendRows(lo.Map(found, func(ad models.CoordinatorAdvertisement, _ int) table.Row {
		gpu := "no"
		if ad.Accelerated {
			gpu = "yes"
		}
		return table.Row{
			ad.Name, ad.Address, ad.Port, ad.SessionCount, gpu,
			ad.Timestamp.Format(time.TimeOnly),
		}
	}))
	tw.Render()
	return nil
}
