// Package cli implements the ledgerkeysctl operator commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/ledgerkeys/internal/application"
	"github.com/ericfisherdev/ledgerkeys/internal/bootstrap"
	"github.com/ericfisherdev/ledgerkeys/internal/config"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Command completed and every record it touched synced.
	ExitFailure      = 1 // Command ran but at least one reconcile failed.
	ExitCommandError = 2 // Command could not run (bad config, ledger unreachable, bad args).
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func wrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCode extracts the exit code from an error. Errors that are not an
// ExitError are command errors.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// Sweeper runs one reconciliation sweep.
type Sweeper interface {
	SweepOnce(ctx context.Context) (application.SweepReport, error)
}

// Replayer re-emits ledger history through the event handlers.
type Replayer interface {
	Replay(ctx context.Context, fromIndex, toIndex uint64) (application.ReplayReport, error)
	ReplayBlocks(ctx context.Context, fromBlock, toBlock uint64) (application.ReplayReport, error)
}

// Services are the dependencies the commands operate on.
type Services struct {
	NetworkID  string
	Ledger     driven.LedgerReader
	Records    driven.RecordStore
	Reconciler application.Reconciler
	Sweeper    Sweeper
	Replayer   Replayer
	Close      func() error
}

// Opener builds Services for one command invocation.
type Opener func(ctx context.Context) (*Services, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	open   Opener
}

// validFormats defines the allowed output formats.
var validFormats = []string{"text", "json"}

// NewRootCommand creates the root command. open is called lazily by each
// subcommand that needs the service graph.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "ledgerkeysctl",
		Short: "Operate the ledgerkeys reconciler",
		Long: `Operator commands for the ledgerkeys service.

Every command reads the same LEDGERKEYS_* environment as the service and
writes through the same coordinator, so it is safe to run alongside a live
service when LEDGERKEYS_LOCK_BACKEND=sqlite.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))

	return cmd
}

// withServices opens the service graph, runs fn and closes the graph.
func (o *RootOptions) withServices(ctx context.Context, fn func(svc *Services) error) error {
	svc, err := o.open(ctx)
	if err != nil {
		return wrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		if svc.Close != nil {
			_ = svc.Close()
		}
	}()
	return fn(svc)
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(openFromEnv)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// openFromEnv loads LEDGERKEYS_* configuration and assembles the full
// service graph.
func openFromEnv(ctx context.Context) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Services{
		NetworkID:  cfg.NetworkID,
		Ledger:     app.Ledger,
		Records:    app.Records,
		Reconciler: app.Coordinator,
		Sweeper:    app.Sweep,
		Replayer:   app.Feed,
		Close:      app.Close,
	}, nil
}
