package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/ledgerkeys/internal/application"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	From   uint64
	To     uint64
	Blocks bool
}

func newReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-emit ledger history through the event handlers",
		Long: `Replay ledger history through the same handlers as live events.

By default --from and --to are record ids: each record is emitted as a
creation event, followed by an acceptance event when a secondary party is
recorded. With --blocks they are block numbers and the contract's logs in
that range are replayed. --to 0 means "up to the latest".

Examples:
  ledgerkeysctl replay --from 1
  ledgerkeysctl replay --from 40 --to 45 --format json
  ledgerkeysctl replay --blocks --from 5200000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withServices(cmd.Context(), func(svc *Services) error {
				var (
					report application.ReplayReport
					err    error
				)
				if opts.Blocks {
					report, err = svc.Replayer.ReplayBlocks(cmd.Context(), opts.From, opts.To)
				} else {
					report, err = svc.Replayer.Replay(cmd.Context(), opts.From, opts.To)
				}
				if err != nil {
					return wrapExitError(ExitCommandError, "replay failed", err)
				}

				if err := render(cmd.OutOrStdout(), opts.Format, report, []field{
					{"from", report.From},
					{"to", report.To},
					{"events", report.Events},
					{"synced", report.Synced},
					{"deferred", report.Deferred},
					{"failed", report.Failed},
				}); err != nil {
					return err
				}

				if report.Failed > 0 {
					return wrapExitError(ExitFailure, fmt.Sprintf("%d event(s) failed", report.Failed), nil)
				}
				return nil
			})
		},
	}

	cmd.Flags().Uint64Var(&opts.From, "from", 1, "first record id (or block with --blocks)")
	cmd.Flags().Uint64Var(&opts.To, "to", 0, "last record id (or block with --blocks); 0 means latest")
	cmd.Flags().BoolVar(&opts.Blocks, "blocks", false, "interpret --from/--to as block numbers")

	return cmd
}
