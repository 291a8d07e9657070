package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"finsync/internal/bootstrap"
	"finsync/internal/shared/config"
	"finsync/internal/shared/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "admin",
		Short: "Finsync admin CLI - run pipeline operations by hand",
		Long: `Runs single pipeline operations against the configured database,
outside the job dispatcher. Follow-up jobs (account syncs, enrichment,
recovery retries) are enqueued and picked up by the running API server.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Minute, "Timeout for the operation")

	rootCmd.AddCommand(syncConnectionCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(refreshBalancesCmd())
	rootCmd.AddCommand(deleteTeamCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withContainer loads configuration, builds the service graph and runs fn
// under the --timeout deadline.
func withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *bootstrap.Container) error) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Environment)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	if err := fn(ctx, c); err != nil {
		return err
	}
	logging.WithComponent("admin").WithField("elapsed", time.Since(start).String()).Infof("%s completed", cmd.Name())
	return nil
}
