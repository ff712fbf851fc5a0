package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetmesh-project/fleetmesh/cmd/cli/join"
	"github.com/fleetmesh-project/fleetmesh/cmd/cli/scan"
	"github.com/fleetmesh-project/fleetmesh/cmd/cli/serve"
	"github.com/fleetmesh-project/fleetmesh/cmd/util"
	"github.com/fleetmesh-project/fleetmesh/pkg/system"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   os.Args[0],
		Short: "Fleet coordination over the local network",
		Long:  `Fleet coordination over the local network`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cm := system.NewCleanupManager()
			ctx = context.WithValue(ctx, util.SystemManagerKey, cm)
			cmd.SetContext(ctx)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			util.GetCleanupManager(ctx).Cleanup(ctx)
		},
	}

	// Run a coordinator
	rootCmd.AddCommand(serve.NewCmd())

	// Run an endpoint
	rootCmd.AddCommand(join.NewCmd())

	// Discover coordinators
	rootCmd.AddCommand(scan.NewCmd())

	return rootCmd
}

func Execute() {
	rootCmd := NewRootCmd()

	// commands stop cleanly when someone presses ctrl+c
	ctx, cancel := util.SignalContext()
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		util.Fatal(rootCmd, err, system.ExitCodeFailure)
	}
}
