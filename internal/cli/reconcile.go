package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/ledgerkeys/internal/application"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

func newReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <record-id>",
		Short: "Reconcile one record from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}

			return opts.withServices(cmd.Context(), func(svc *Services) error {
				lr, err := svc.Ledger.ReadRecord(cmd.Context(), id)
				if err != nil {
					return wrapExitError(ExitCommandError, "read ledger", err)
				}
				if model.IsZeroAddress(lr.Primary) {
					return wrapExitError(ExitCommandError, fmt.Sprintf("record %d not found on ledger", id), nil)
				}

				out := svc.Reconciler.Reconcile(cmd.Context(), application.ReconcileRequest{
					RecordID:    id,
					Primary:     lr.Primary,
					Secondary:   lr.Secondary,
					MetadataURI: lr.MetadataURI,
					Origin:      model.OriginManual,
				})

				if err := render(cmd.OutOrStdout(), opts.Format, out, []field{
					{"record", out.RecordID},
					{"state", out.State},
					{"action", out.Action},
					{"result", out.Result()},
					{"placeholder", out.UsedPlaceholder},
					{"reason", out.Reason},
				}); err != nil {
					return err
				}

				if !out.Success && !out.Deferred {
					return wrapExitError(ExitFailure, fmt.Sprintf("record %d failed to reconcile", id), nil)
				}
				return nil
			})
		},
	}
}

func parseRecordID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, wrapExitError(ExitCommandError, fmt.Sprintf("invalid record id %q", s), nil)
	}
	return id, nil
}
