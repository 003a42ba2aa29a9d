// Package cmd defines the CLI commands for the mtagent executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mani1728/Mani-FAI-Client/internal/config"
	"github.com/mani1728/Mani-FAI-Client/internal/server"
)

// Version is stamped at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfgFile string) (*server.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg, server.WithVersion(Version))
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "mtagent",
		Short: "Syncs MetaTrader 5 symbols and price history to the backend.",
		Long: `mtagent reads symbol descriptors and price bars from a local MetaTrader 5
terminal and delivers them in batches to the backend through a WebSocket proxy
or a message broker. It exposes a local control API and runs a weekly symbol
sync on schedule.`,
		SilenceUsage: true,
		Version:      Version,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MTAGENT_* env vars override it")
	cmd.AddCommand(newRunCmd(), newSyncCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	appInstance, ok := ctx.Value(appKey).(*server.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
