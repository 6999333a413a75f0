package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep",
		Long: `Compare every ledger record with local state and create or repair whatever
is missing. Exits 1 when any record failed to reconcile; deferred records
(a party without a registered key) do not count as failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withServices(cmd.Context(), func(svc *Services) error {
				report, err := svc.Sweeper.SweepOnce(cmd.Context())
				if err != nil {
					return wrapExitError(ExitCommandError, "sweep failed", err)
				}

				if err := render(cmd.OutOrStdout(), opts.Format, report, []field{
					{"ledger records", report.LedgerCount},
					{"missing", report.Missing},
					{"missing envelope", report.MissingEnvelope},
					{"missing secondary", report.MissingSecondary},
					{"synced", report.Synced},
					{"deferred", report.Deferred},
					{"failed", report.Failed},
					{"placeholders", report.Placeholders},
					{"duration", report.Duration},
				}); err != nil {
					return err
				}

				if report.Failed > 0 {
					return wrapExitError(ExitFailure, fmt.Sprintf("%d record(s) failed", report.Failed), nil)
				}
				return nil
			})
		},
	}
}
