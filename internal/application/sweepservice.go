package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// DefaultSweepInterval is the period between reconciliation sweeps.
const DefaultSweepInterval = 30 * time.Second

// Reconciler is the single entry point through which records are created
// or repaired. *Coordinator implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, req ReconcileRequest) Outcome
}

// SweepReport tallies one reconciliation sweep.
type SweepReport struct {
	LedgerCount      uint64        `json:"ledger_count"`
	Missing          int           `json:"missing"`
	MissingEnvelope  int           `json:"missing_envelope"`
	MissingSecondary int           `json:"missing_secondary"`
	Synced           int           `json:"synced"`
	Failed           int           `json:"failed"`
	Deferred         int           `json:"deferred"`
	Placeholders     int           `json:"placeholders"`
	Duration         time.Duration `json:"duration_ns"`
}

func (r *SweepReport) tally(out Outcome) {
	switch {
	case out.Success:
		r.Synced++
	case out.Deferred:
		r.Deferred++
	default:
		r.Failed++
	}
	if out.UsedPlaceholder {
		r.Placeholders++
	}
}

// sweepRequest represents a manual sweep trigger.
type sweepRequest struct {
	done chan sweepResult
}

type sweepResult struct {
	report SweepReport
	err    error
}

// SweepService periodically compares the ledger with the local store and
// reconciles every record that is missing or structurally incomplete. It
// catches whatever the event feed missed.
type SweepService struct {
	ledger     driven.LedgerReader
	records    driven.RecordStore
	reconciler Reconciler
	networkID  string
	interval   time.Duration
	retry      RetryPolicy
	metrics    *Metrics
	triggerCh  chan sweepRequest
}

// NewSweepService creates a new SweepService with all required dependencies.
func NewSweepService(
	ledger driven.LedgerReader,
	records driven.RecordStore,
	reconciler Reconciler,
	networkID string,
	interval time.Duration,
	retryPolicy RetryPolicy,
	metrics *Metrics,
) *SweepService {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &SweepService{
		ledger:     ledger,
		records:    records,
		reconciler: reconciler,
		networkID:  networkID,
		interval:   interval,
		retry:      retryPolicy,
		metrics:    metrics,
		triggerCh:  make(chan sweepRequest),
	}
}

// Start runs an immediate sweep, then sweeps on the configured interval. It
// also serves manual triggers so they never overlap a scheduled sweep.
// Start blocks until the context is canceled.
func (s *SweepService) Start(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil {
		slog.Error("initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep service stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		case req := <-s.triggerCh:
			report, err := s.SweepOnce(ctx)
			req.done <- sweepResult{report: report, err: err}
		}
	}
}

// TriggerSweep asks the running loop for an immediate sweep and waits for
// its report. It blocks until the sweep completes or ctx is canceled.
func (s *SweepService) TriggerSweep(ctx context.Context) (SweepReport, error) {
	done := make(chan sweepResult, 1)

	select {
	case s.triggerCh <- sweepRequest{done: done}:
	case <-ctx.Done():
		return SweepReport{}, ctx.Err()
	}

	select {
	case res := <-done:
		return res.report, res.err
	case <-ctx.Done():
		return SweepReport{}, ctx.Err()
	}
}

// SweepOnce runs one sweep. An error means the sweep could not start (the
// ledger count or the local record list was unreadable); failures of single
// records are counted in the report instead.
func (s *SweepService) SweepOnce(ctx context.Context) (report SweepReport, err error) {
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		s.metrics.observeSweep(report, err, report.Duration)
	}()

	var count uint64
	err = s.retry.Do(ctx, FailureTransient, func(ctx context.Context) error {
		var err error
		count, err = s.ledger.RecordCount(ctx)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("read ledger record count: %w", err)
	}
	report.LedgerCount = count

	ids, err := s.records.ListRecordIDs(ctx, s.networkID)
	if err != nil {
		return report, fmt.Errorf("list local records: %w", err)
	}
	local := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		local[id] = true
	}

	for id := uint64(1); id <= count; id++ {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if local[id] {
			continue
		}

		report.Missing++
		s.reconcileFromLedger(ctx, id, &report)
	}

	states, err := s.records.ListRecordStates(ctx, s.networkID)
	if err != nil {
		return report, fmt.Errorf("list local record states: %w", err)
	}

	for _, st := range states {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !local[st.RecordID] {
			// Created earlier in this sweep.
			continue
		}

		switch {
		case !st.HasEnvelope || !st.HasPrimaryKey:
			report.MissingEnvelope++
			s.reconcileFromLedger(ctx, st.RecordID, &report)
		case !st.HasSecondaryKey:
			s.repairSecondary(ctx, st.RecordID, &report)
		}
	}

	slog.Info("sweep complete",
		"ledger_count", report.LedgerCount,
		"missing", report.Missing,
		"missing_envelope", report.MissingEnvelope,
		"missing_secondary", report.MissingSecondary,
		"synced", report.Synced,
		"failed", report.Failed,
		"deferred", report.Deferred,
		"placeholders", report.Placeholders,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return report, nil
}

// reconcileFromLedger reads record id from the ledger and reconciles it.
func (s *SweepService) reconcileFromLedger(ctx context.Context, id uint64, report *SweepReport) {
	lr, err := s.readRecord(ctx, id)
	if err != nil {
		slog.Warn("sweep could not read ledger record", "record_id", id, "error", err)
		report.Failed++
		return
	}

	report.tally(s.reconciler.Reconcile(ctx, ReconcileRequest{
		RecordID:    id,
		Primary:     lr.Primary,
		Secondary:   lr.Secondary,
		MetadataURI: lr.MetadataURI,
		Origin:      model.OriginSweep,
	}))
}

// repairSecondary reconciles a record whose envelope lacks a secondary copy
// when the ledger shows a secondary party on a record past Open.
func (s *SweepService) repairSecondary(ctx context.Context, id uint64, report *SweepReport) {
	lr, err := s.readRecord(ctx, id)
	if err != nil {
		slog.Warn("sweep could not read ledger record for secondary check", "record_id", id, "error", err)
		report.Failed++
		return
	}
	if !lr.HasSecondary() || lr.Status == model.LedgerStatusOpen {
		return
	}

	report.MissingSecondary++
	report.tally(s.reconciler.Reconcile(ctx, ReconcileRequest{
		RecordID:    id,
		Primary:     lr.Primary,
		Secondary:   lr.Secondary,
		MetadataURI: lr.MetadataURI,
		Origin:      model.OriginSweep,
	}))
}

func (s *SweepService) readRecord(ctx context.Context, id uint64) (*model.LedgerRecord, error) {
	var lr *model.LedgerRecord
	err := s.retry.Do(ctx, FailureTransient, func(ctx context.Context) error {
		var err error
		lr, err = s.ledger.ReadRecord(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lr, nil
}
