// Package bootstrap wires configuration, adapters and application services
// into a runnable object graph shared by the service and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ericfisherdev/ledgerkeys/internal/adapter/driven/envelope"
	"github.com/ericfisherdev/ledgerkeys/internal/adapter/driven/ethereum"
	"github.com/ericfisherdev/ledgerkeys/internal/adapter/driven/metadata"
	sqliteadapter "github.com/ericfisherdev/ledgerkeys/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/ledgerkeys/internal/application"
	"github.com/ericfisherdev/ledgerkeys/internal/config"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// App is the assembled service.
type App struct {
	Config      *config.Config
	DB          *sqliteadapter.DB
	Records     *sqliteadapter.RecordRepo
	Profiles    *sqliteadapter.ProfileRepo
	Ledger      *ethereum.Reader
	Cipher      *envelope.Cipher
	Coordinator *application.Coordinator
	Sweep       *application.SweepService
	Feed        *application.EventFeed
	Registry    *prometheus.Registry
}

// New opens the database, runs migrations, connects to the ledger, checks
// the ledger's chain id against the configured network and builds every
// service. The caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	slog.Info("database opened", "path", cfg.DBPath)

	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("migrations complete", "version", version)

	ledger, err := ethereum.NewReader(cfg.RPCURLs, cfg.ContractAddress, cfg.RPCTimeout)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	app := &App{
		Config:   cfg,
		DB:       db,
		Records:  sqliteadapter.NewRecordRepo(db),
		Profiles: sqliteadapter.NewProfileRepo(db),
		Ledger:   ledger,
		Cipher:   envelope.New(),
		Registry: prometheus.NewRegistry(),
	}

	if err := VerifyNetwork(ctx, ledger, cfg.NetworkID); err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Registry.MustRegister(db.Collectors()...)
	metrics := application.NewMetrics(app.Registry)

	retryPolicy := application.DefaultRetryPolicy(cfg.WriteRetries)

	app.Coordinator = application.NewCoordinator(
		cfg.NetworkID,
		app.Records,
		app.Profiles,
		app.Cipher,
		metadata.NewFetcher(cfg.MetadataTimeout),
		newLocker(cfg, db),
		application.CoordinatorOptions{
			LockPollInterval: cfg.LockPollInterval,
			Retry:            retryPolicy,
			Metrics:          metrics,
		},
	)

	app.Sweep = application.NewSweepService(
		ledger,
		app.Records,
		app.Coordinator,
		cfg.NetworkID,
		cfg.SweepInterval,
		retryPolicy,
		metrics,
	)

	app.Feed = application.NewEventFeed(ledger, ledger, app.Coordinator, application.EventFeedOptions{
		PollInterval: cfg.FeedPollInterval,
		MaxBlockSpan: cfg.FeedMaxBlockSpan,
		StartBlock:   cfg.FeedStartBlock,
		Retry:        retryPolicy,
		Metrics:      metrics,
	})

	return app, nil
}

// Close releases the ledger clients and the database.
func (a *App) Close() error {
	a.Ledger.Close()
	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// networkReader reports the chain id a ledger endpoint serves.
type networkReader interface {
	NetworkID(ctx context.Context) (string, error)
}

// VerifyNetwork fails when the ledger serves a different chain than want.
func VerifyNetwork(ctx context.Context, ledger networkReader, want string) error {
	got, err := ledger.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("read ledger network id: %w", err)
	}
	if got != want {
		return fmt.Errorf("ledger serves network %s, configured for %s", got, want)
	}
	slog.Info("ledger network verified", "network_id", got)
	return nil
}

func newLocker(cfg *config.Config, db *sqliteadapter.DB) driven.KeyLocker {
	if cfg.LockBackend == config.LockBackendSQLite {
		leases := sqliteadapter.NewLeaseRepo(db, cfg.LeaseTTL)
		slog.Info("using sqlite key leases", "holder", leases.Holder(), "ttl", cfg.LeaseTTL)
		return leases
	}
	return application.NewMemoryKeyLocker()
}
