// Package main is the turbo-da operator CLI.
//
// Read-side inspection plus the two maintenance operations that have no
// place in the request path: re-syncing the API-key cache and pruning a
// user's stale cumulative-reservation queues after a balance top-up.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/availproject/turbo-da/internal/config"
	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.WarnLevel).
		With().Timestamp().Logger()

	root := &cobra.Command{
		Use:   "turbo-cli",
		Short: "turbo-da operator tooling",
	}
	root.AddCommand(
		usersCmd(logger),
		accountsCmd(logger),
		submissionCmd(logger),
		adminCmd(logger),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openLedger(logger zerolog.Logger) (*ledger.Store, error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return ledger.New(cfg.DatabaseURL, logger)
}

func openHotState(logger zerolog.Logger) (hotstate.Store, error) {
	cfg := config.Load()
	return hotstate.NewRedis(cfg.RedisURL, cfg.RedisPassword, logger)
}

func usersCmd(logger zerolog.Logger) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List users with credit balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := store.ListUsers(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Printf("%s\tglobal=%s\tused=%s\tallocated=%s\n",
					u.UserID, u.GlobalCreditBalance, u.GlobalCreditUsed, u.AllocatedCreditBalance)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func accountsCmd(logger zerolog.Logger) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List a user's app accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			store, err := openLedger(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			accounts, err := store.ListAppAccounts(cmd.Context(), userID)
			if err != nil {
				return err
			}
			for _, acc := range accounts {
				fmt.Printf("%s\tapp_id=%d\tbalance=%s\tused=%s\tselection=%d\n",
					acc.AppAccountID, acc.ChainAppID, acc.CreditBalance,
					acc.CreditUsed, acc.CreditSelection)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func submissionCmd(logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "submission <submission_id>",
		Short: "Show one submission row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			sub, err := store.GetSubmission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:          %s\n", sub.SubmissionID)
			fmt.Printf("state:       %s\n", sub.State())
			fmt.Printf("user:        %s\n", sub.UserID)
			fmt.Printf("account:     %s\n", sub.AppAccountID)
			fmt.Printf("amount_data: %s\n", sub.AmountData)
			fmt.Printf("retries:     %d\n", sub.RetryCount)
			if sub.Error.Valid {
				fmt.Printf("error:       %s\n", sub.Error.String)
			}
			if sub.BlockHash.Valid {
				fmt.Printf("block:       %d (%s)\n", sub.BlockNumber.Int64, sub.BlockHash.String)
				fmt.Printf("tx:          %s\n", sub.TxHash.String)
			}
			return nil
		},
	}
}

func adminCmd(logger zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Maintenance operations",
	}
	cmd.AddCommand(syncKeysCmd(logger), prunePendingCmd(logger))
	return cmd
}

func syncKeysCmd(logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-keys",
		Short: "Re-warm the API-key cache from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			hot, err := openHotState(logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := hotstate.NewWarmer(hot, store, logger).WarmAPIKeys(ctx); err != nil {
				return err
			}
			fmt.Println("api key cache synced")
			return nil
		},
	}
}

func prunePendingCmd(logger zerolog.Logger) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "prune-pending",
		Short: "Drop a user's cumulative-reservation queues",
		Long: "Reservation queues are keyed by balance snapshot and go stale after a\n" +
			"top-up changes the snapshot. The live path never deletes them; this\n" +
			"reclaims the space.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			hot, err := openHotState(logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			n, err := hot.PrunePrefix(ctx, hotstate.PendingPrefix(userID))
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d keys\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}
