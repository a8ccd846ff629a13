package main

import (
	"context"
	"errors"
	"fmt"

	"evidenceledger/internal/app"
	"evidenceledger/internal/config"
	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/db"
	"evidenceledger/internal/infra/deadletter"
	"evidenceledger/internal/usecase"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-lettered appends",
	}
	cmd.PersistentFlags().String("file", "", "dead-letter file (defaults to DEAD_LETTER_PATH)")
	cmd.AddCommand(newDeadLetterListCmd(), newDeadLetterReplayCmd())
	return cmd
}

func deadLetterPath(cmd *cobra.Command, cfg config.Config) string {
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		return path
	}
	return cfg.DeadLetterPath
}

func newDeadLetterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every dead-letter line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			lines, err := deadletter.ReadFile(deadLetterPath(cmd, cfg))
			if err != nil {
				return err
			}
			if lines == nil {
				lines = []domain.DeadLetterLine{}
			}
			return writeOutput(cmd.OutOrStdout(), "", struct {
				Entries []domain.DeadLetterLine `json:"entries"`
			}{lines})
		},
	}
}

func newDeadLetterReplayCmd() *cobra.Command {
	var dryRun, live bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay dead-lettered appends into the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dryRun == live {
				return errors.New("exactly one of --dry-run or --live is required")
			}
			mode := domain.ReplayDryRun
			if live {
				mode = domain.ReplayLive
			}

			cfg := config.FromEnv()
			logger := cliLogger(cfg)
			defer func() { _ = logger.Sync() }()

			lines, err := deadletter.ReadFile(deadLetterPath(cmd, cfg))
			if err != nil {
				return err
			}
			store, err := db.NewStore(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if !store.Enabled() {
				return errNoDatabase
			}

			openLedger := func() (usecase.EventAppender, error) {
				repos, err := app.NewRepositories(cfg, store, logger)
				if err != nil {
					return nil, err
				}
				services, err := app.NewServices(cmd.Context(), cfg, repos, logger)
				if err != nil {
					return nil, err
				}
				return services.Ledger, nil
			}
			report, err := replayDeadLetters(cmd.Context(), lines, mode, db.NewReplayKeyRepository(store.DB), openLedger, logger)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), "", report); err != nil {
				return err
			}
			if report.Failed > 0 {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be replayed without appending")
	cmd.Flags().BoolVar(&live, "live", false, "append the entries to the ledger")
	return cmd
}

// replayDeadLetters opens the ledger for live runs only. A dry run reads the
// replay keys and writes nothing, not even a first signing key.
func replayDeadLetters(ctx context.Context, lines []domain.DeadLetterLine, mode domain.ReplayMode, keys usecase.ReplayKeyRepository, openLedger func() (usecase.EventAppender, error), logger *zap.Logger) (domain.ReplayReport, error) {
	var ledger usecase.EventAppender
	if mode == domain.ReplayLive {
		var err error
		if ledger, err = openLedger(); err != nil {
			return domain.ReplayReport{}, fmt.Errorf("init ledger: %w", err)
		}
	}
	return usecase.NewDeadLetterReplayer(ledger, keys, nil, logger).Replay(ctx, lines, mode)
}
