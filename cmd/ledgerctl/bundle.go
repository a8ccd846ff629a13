package main

import (
	"encoding/json"
	"fmt"
	"os"

	"evidenceledger/internal/domain"

	"github.com/spf13/cobra"
)

type bundleOutcome struct {
	Status   string   `json:"status"`
	Failures []string `json:"failures"`
	Skipped  []string `json:"skipped"`
}

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Work with verification bundles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <verification_bundle.json>",
		Short: "Summarize a verification bundle as pass or fail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			var bundle domain.VerificationBundle
			if err := json.Unmarshal(payload, &bundle); err != nil {
				return fmt.Errorf("decode bundle: %w", err)
			}
			if bundle.SchemaVersion != domain.VerificationSchemaVersion {
				return fmt.Errorf("unsupported schema_version %d", bundle.SchemaVersion)
			}
			outcome := checkBundle(bundle)
			if err := writeOutput(cmd.OutOrStdout(), "", outcome); err != nil {
				return err
			}
			if outcome.Status != "pass" {
				return exitError{code: 1}
			}
			return nil
		},
	})
	return cmd
}

// checkBundle re-derives the verdict from the individual checks rather than
// trusting the bundle's own ok flag. Skipped checks count as neither pass nor
// fail.
func checkBundle(bundle domain.VerificationBundle) bundleOutcome {
	out := bundleOutcome{Failures: []string{}, Skipped: []string{}}
	checks := []struct {
		name   string
		result domain.CheckResult
	}{
		{"chain", bundle.Checks.Chain.CheckResult},
		{"signatures", bundle.Checks.Signatures.CheckResult},
		{"anchors", bundle.Checks.Anchors.CheckResult},
	}
	for _, check := range checks {
		switch {
		case !check.result.Executed:
			out.Skipped = append(out.Skipped, check.name)
		case check.result.OK == nil || !*check.result.OK:
			out.Failures = append(out.Failures, check.name)
		}
	}
	if !bundle.OK && len(out.Failures) == 0 {
		out.Failures = append(out.Failures, "bundle")
	}
	out.Status = "pass"
	if len(out.Failures) > 0 {
		out.Status = "fail"
	}
	return out
}
