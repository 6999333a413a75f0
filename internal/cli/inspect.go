package cli

import (
	"github.com/spf13/cobra"

	"github.com/ericfisherdev/ledgerkeys/internal/application"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

// InspectResult compares one record on the ledger with its local state.
// Plaintext and wrapped keys are never included.
type InspectResult struct {
	RecordID        uint64          `json:"record_id"`
	State           model.SyncState `json:"state"`
	Primary         string          `json:"primary"`
	Secondary       string          `json:"secondary"`
	LedgerStatus    string          `json:"ledger_status"`
	MetadataURI     string          `json:"metadata_uri"`
	Stored          bool            `json:"stored"`
	Title           string          `json:"title"`
	Placeholder     bool            `json:"placeholder"`
	HasPrimaryKey   bool            `json:"has_primary_key"`
	HasSecondaryKey bool            `json:"has_secondary_key"`
}

func newInspectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <record-id>",
		Short: "Show a record's ledger and local state side by side",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}

			return opts.withServices(cmd.Context(), func(svc *Services) error {
				key := model.RecordKey{NetworkID: svc.NetworkID, RecordID: id}

				lr, err := svc.Ledger.ReadRecord(cmd.Context(), id)
				if err != nil {
					return wrapExitError(ExitCommandError, "read ledger", err)
				}
				rec, err := svc.Records.FindRecord(cmd.Context(), key)
				if err != nil {
					return wrapExitError(ExitCommandError, "read record", err)
				}
				env, err := svc.Records.FindEnvelope(cmd.Context(), key)
				if err != nil {
					return wrapExitError(ExitCommandError, "read envelope", err)
				}

				res := InspectResult{
					RecordID:     id,
					State:        application.Classify(rec, env, lr.Secondary),
					Primary:      lr.Primary,
					Secondary:    lr.Secondary,
					LedgerStatus: lr.Status.String(),
					MetadataURI:  lr.MetadataURI,
				}
				if rec != nil {
					res.Stored = true
					res.Title = rec.Title
					res.Placeholder = rec.HasPlaceholderMetadata()
				}
				if env != nil {
					res.HasPrimaryKey = env.PrimaryWrappedKey != ""
					res.HasSecondaryKey = env.SecondaryWrappedKey != ""
				}

				return render(cmd.OutOrStdout(), opts.Format, res, []field{
					{"record", res.RecordID},
					{"state", res.State},
					{"ledger status", res.LedgerStatus},
					{"primary", res.Primary},
					{"secondary", res.Secondary},
					{"metadata uri", res.MetadataURI},
					{"stored", res.Stored},
					{"title", res.Title},
					{"placeholder", res.Placeholder},
					{"primary key", res.HasPrimaryKey},
					{"secondary key", res.HasSecondaryKey},
				})
			})
		},
	}
}
