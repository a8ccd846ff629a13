package main

import (
	"errors"

	"evidenceledger/internal/app"
	"evidenceledger/internal/config"
	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/db"
	"evidenceledger/internal/usecase"

	"github.com/spf13/cobra"
)

var errNoDatabase = errors.New("POSTGRES_DSN is required")

func newVerifyCmd() *cobra.Command {
	var (
		opts    usecase.VerifyOptions
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the stored chain, signatures and anchors and emit a verification bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			logger := cliLogger(cfg)
			defer func() { _ = logger.Sync() }()

			store, err := db.NewStore(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if !store.Enabled() {
				return errNoDatabase
			}

			// Built directly from the repositories: verification never
			// provisions keys or writes to the ledger.
			verifier := usecase.NewVerifier(
				db.NewLedgerRepository(store.DB, logger),
				db.NewSigningKeyRepository(store.DB),
				db.NewAnchorRepository(store.DB),
				domain.ToolInfo{Name: app.ToolName, Version: app.Version},
				logger,
			)
			bundle, err := verifier.Build(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), outPath, bundle); err != nil {
				return err
			}
			if !bundle.OK {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.SkipSignatures, "skip-signatures", false, "do not verify event signatures")
	cmd.Flags().BoolVar(&opts.SkipAnchors, "skip-anchors", false, "do not recompute anchor roots")
	cmd.Flags().StringVar(&outPath, "out", "", "write the bundle to a file instead of stdout")
	return cmd
}
