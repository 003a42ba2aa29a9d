package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/server"
	"github.com/mani1728/Mani-FAI-Client/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	var readyTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Runs one sync and exits",
	}
	cmd.PersistentFlags().DurationVar(&readyTimeout, "ready-timeout", 30*time.Second,
		"how long to wait for the proxy handshake")

	cmd.AddCommand(&cobra.Command{
		Use:   "symbols",
		Short: "Syncs the full symbol list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, readyTimeout, func(ctx context.Context, app *server.App) (syncer.Report, error) {
				return app.Syncer().RunSymbols(ctx, syncer.TriggerManual)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rates <symbol>",
		Short: "Syncs the configured history depth of one symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, readyTimeout, func(ctx context.Context, app *server.App) (syncer.Report, error) {
				return app.Syncer().RunRates(ctx, args[0], syncer.TriggerManual)
			})
		},
	})
	return cmd
}

// oneShot connects, runs fn once the handshake completed, prints the report
// as JSON and tears everything down.
func oneShot(
	cmd *cobra.Command,
	readyTimeout time.Duration,
	fn func(context.Context, *server.App) (syncer.Report, error),
) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			app.Logger().Warn("close failed", zap.Error(cerr))
		}
	}()

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := app.StartClient(readyCtx); err != nil {
		return err
	}

	report, err := fn(ctx, app)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
