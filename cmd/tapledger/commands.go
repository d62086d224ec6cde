package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/tapledger/internal/db"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

var errChainInvalid = errors.New("ledger chain is invalid")

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runOnceCommand() *cobra.Command {
	var from int64
	var limit int

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single ingestion cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commonRun()
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := withTimeout(cmd.Context(), cfg.CycleTimeout)
			defer cancel()

			p := a.cycleParams(time.Now().UTC())
			if cmd.Flags().Changed("from") {
				p.FromSequence = &from
			}
			if cmd.Flags().Changed("limit") {
				p.BatchLimit = limit
			}

			rep, err := a.orch.RunCycle(ctx, p)
			if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "reprocess from this sequence id regardless of processed state")
	cmd.Flags().IntVar(&limit, "limit", 0, "batch limit for this cycle")
	return cmd
}

func verifyCommand() *cobra.Command {
	var from int64
	var limit int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain without changing state",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commonRun()
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.orch.VerifyChain(cmd.Context(), from, limit)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.Valid {
				return errChainInvalid
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence id to verify")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to verify")
	return cmd
}

func healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the ledger health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commonRun()
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.health.Report(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func seedDevCommand() *cobra.Command {
	var (
		employees int
		day       string
		device    string
	)

	cmd := &cobra.Command{
		Use:   "seed-dev",
		Short: "Append a chained day of synthetic taps for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commonRun()
			defer func() { _ = logger.Sync() }()

			d := time.Now().UTC()
			if day != "" {
				var err error
				if d, err = time.Parse(types.EventDateLayout, day); err != nil {
					return fmt.Errorf("--day: %w", err)
				}
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := db.SeedDev(cmd.Context(), a.ledger, a.cards, db.SeedDevOptions{
				Employees: employees,
				Day:       d,
				DeviceID:  device,
			})
			if err != nil {
				return err
			}
			logger.Info("seeded ledger",
				zap.Int("cards", res.Cards),
				zap.Int("entries", res.Entries),
				zap.Int64("first_seq", res.FirstSeq),
				zap.Int64("last_seq", res.LastSeq),
			)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&employees, "employees", 5, "number of cards to issue")
	cmd.Flags().StringVar(&day, "day", "", "shift date (YYYY-MM-DD), default today")
	cmd.Flags().StringVar(&device, "device", "", "device id for the taps")
	return cmd
}
