package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"finsync/internal/bootstrap"
	"finsync/internal/domain/banksync"
)

func syncConnectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-connection [connection-id]",
		Short: "Check a connection's health and enqueue its account syncs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manual, _ := cmd.Flags().GetBool("manual")
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
				result, err := c.ConnectionSync.SyncConnection(ctx, banksync.SyncConnectionRequest{
					ConnectionID: args[0],
					ManualSync:   manual,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Status:          %s\n", result.Status)
				fmt.Printf("Accounts synced: %d\n", result.AccountsSynced)
				for _, id := range result.JobIDs {
					fmt.Printf("  job %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("manual", false, "Treat as a user-initiated sync")
	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover [connection-id]",
		Short: "Run one recovery attempt for a failing connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retryCount, _ := cmd.Flags().GetInt("retry-count")
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
				conn, err := c.Connections.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := c.Recovery.Recover(ctx, banksync.RecoverRequest{
					ConnectionID: conn.ID,
					Provider:     conn.Provider,
					RetryCount:   retryCount,
				})
				if err != nil {
					return err
				}
				switch {
				case result.Recovered:
					fmt.Println("Connection recovered")
				case result.MaxRetriesExceeded:
					fmt.Printf("Gave up after %d attempts\n", result.RetryCount)
				case result.Scheduled:
					fmt.Printf("Still failing, attempt %d scheduled in %s\n", result.RetryCount, result.NextDelay)
				default:
					fmt.Println("Nothing to do")
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("retry-count", 0, "Attempt number to start from")
	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup [connection-id]",
		Short: "Create the team sync schedule for a new connection and enqueue its first sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
				jobID, err := c.TeamService.InitialSetup(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Initial sync enqueued as job %s\n", jobID)
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a connection health sweep",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "disconnected",
		Short: "Notify and escalate connections stuck in an error state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
				result, err := c.Health.RunDisconnectedSweep(ctx)
				if err != nil {
					return err
				}
				if result.Skipped {
					fmt.Println("Skipped: sweeps only run in production")
					return nil
				}
				fmt.Printf("Candidates: %d\nNotified:   %d\nDisabled:   %d\nFailed:     %d\n",
					result.Candidates, result.Notified, result.Disabled, result.Failed)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "expiring",
		Short: "Warn about connections whose consent is about to expire",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
				result, err := c.Health.RunExpiringSweep(ctx)
				if err != nil {
					return err
				}
				if result.Skipped {
					fmt.Println("Skipped: sweeps only run in production")
					return nil
				}
				fmt.Printf("Candidates: %d\nNotified:   %d\nFlagged:    %d\nFailed:     %d\n",
					result.Candidates, result.Notified, result.Flagged, result.Failed)
				return nil
			})
		},
	})

	return cmd
}

func refreshBalancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-balances [connection-id]",
		Short: "Refresh balances for one connection, or enqueue refreshes for all stale ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
				if len(args) == 1 {
					result, err := c.Balances.RefreshConnection(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("Accounts: %d\nUpdated:  %d\nFailed:   %d\n", result.Accounts, result.Updated, result.Failed)
					return nil
				}
				result, err := c.Balances.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Selected: %d\nEnqueued: %d\nFailed:   %d\n", result.Selected, result.Enqueued, result.Failed)
				return nil
			})
		},
	}
}

func deleteTeamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-team [team-id]",
		Short: "Revoke a team's connections upstream and remove its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
				if err := c.TeamService.DeleteTeam(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Team %s deleted\n", args[0])
				return nil
			})
		},
	}
}
