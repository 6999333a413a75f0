package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Event feed defaults.
const (
	DefaultFeedPollInterval = 5 * time.Second
	DefaultFeedMaxBlockSpan = 2000
)

// EventFeedOptions holds the tunables of an EventFeed.
type EventFeedOptions struct {
	PollInterval time.Duration
	MaxBlockSpan uint64
	// StartBlock, when set, makes Start replay history from that block
	// before following the head. Otherwise Start only sees new blocks.
	StartBlock *uint64
	Retry      RetryPolicy
	Metrics    *Metrics
}

// ReplayReport tallies a Replay or ReplayBlocks run.
type ReplayReport struct {
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Events   int    `json:"events"`
	Synced   int    `json:"synced"`
	Failed   int    `json:"failed"`
	Deferred int    `json:"deferred"`
}

func (r *ReplayReport) tally(out Outcome) {
	r.Events++
	switch {
	case out.Success:
		r.Synced++
	case out.Deferred:
		r.Deferred++
	default:
		r.Failed++
	}
}

// EventFeed turns ledger events into reconcile requests. Live delivery,
// index replay and block replay all dispatch through the same handlers.
type EventFeed struct {
	ledger     driven.LedgerReader
	events     driven.EventSource
	reconciler Reconciler
	interval   time.Duration
	maxSpan    uint64
	startBlock *uint64
	retry      RetryPolicy
	metrics    *Metrics
}

// NewEventFeed creates a new EventFeed.
func NewEventFeed(
	ledger driven.LedgerReader,
	events driven.EventSource,
	reconciler Reconciler,
	opts EventFeedOptions,
) *EventFeed {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultFeedPollInterval
	}
	if opts.MaxBlockSpan == 0 {
		opts.MaxBlockSpan = DefaultFeedMaxBlockSpan
	}

	return &EventFeed{
		ledger:     ledger,
		events:     events,
		reconciler: reconciler,
		interval:   opts.PollInterval,
		maxSpan:    opts.MaxBlockSpan,
		startBlock: opts.StartBlock,
		retry:      opts.Retry,
		metrics:    opts.Metrics,
	}
}

// Start follows the ledger head, dispatching every event of each new block
// range in log order. A range that fails is retried on the next tick, so no
// block is skipped. Start blocks until the context is canceled.
func (f *EventFeed) Start(ctx context.Context) {
	next, err := f.firstBlock(ctx)
	for err != nil {
		slog.Error("event feed cannot read ledger head", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.interval):
		}
		next, err = f.firstBlock(ctx)
	}

	slog.Info("event feed started", "from_block", next)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		next = f.follow(ctx, next)

		select {
		case <-ctx.Done():
			slog.Info("event feed stopped")
			return
		case <-ticker.C:
		}
	}
}

func (f *EventFeed) firstBlock(ctx context.Context) (uint64, error) {
	if f.startBlock != nil {
		return *f.startBlock, nil
	}

	head, err := f.events.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	return head + 1, nil
}

// follow dispatches events from next up to the current head and returns the
// first block not yet processed.
func (f *EventFeed) follow(ctx context.Context, next uint64) uint64 {
	head, err := f.events.LatestBlock(ctx)
	if err != nil {
		slog.Warn("event feed cannot read ledger head", "error", err)
		return next
	}
	if head < next {
		return next
	}

	var report ReplayReport
	processed, err := f.dispatchBlocks(ctx, next, head, model.OriginEvent, &report)
	if err != nil {
		slog.Warn("event feed stalled", "from_block", processed, "head", head, "error", err)
	}
	if report.Events > 0 {
		slog.Info("event feed dispatched events",
			"from_block", next,
			"to_block", processed-1,
			"events", report.Events,
			"failed", report.Failed,
			"deferred", report.Deferred,
		)
	}
	if processed > 0 {
		f.metrics.observeFeedHead(processed - 1)
	}
	return processed
}

// dispatchBlocks dispatches the events of [from, to] in spans of at most
// maxSpan blocks. It returns the first block that was not fully processed,
// which wraps to 0 when to is the largest block number.
func (f *EventFeed) dispatchBlocks(ctx context.Context, from, to uint64, origin model.Origin, report *ReplayReport) (uint64, error) {
	if from > to {
		return from, nil
	}
	for {
		if ctx.Err() != nil {
			return from, ctx.Err()
		}

		end := from + f.maxSpan - 1
		if end > to || end < from {
			end = to
		}

		var evs []model.LedgerEvent
		err := f.retry.Do(ctx, FailureTransient, func(ctx context.Context) error {
			var err error
			evs, err = f.events.FilterEvents(ctx, from, end)
			return err
		})
		if err != nil {
			return from, fmt.Errorf("filter events %d-%d: %w", from, end, err)
		}

		for _, ev := range evs {
			report.tally(f.dispatch(ctx, ev, origin))
		}

		if end == to {
			return to + 1, nil
		}
		from = end + 1
	}
}

func (f *EventFeed) dispatch(ctx context.Context, ev model.LedgerEvent, origin model.Origin) Outcome {
	f.metrics.observeEvent(ev.Kind)

	switch ev.Kind {
	case model.EventRecordAccepted:
		return f.handleAccepted(ctx, ev, origin)
	default:
		return f.handleCreated(ctx, ev, origin)
	}
}

// HandleCreated reconciles the record announced by a created event.
func (f *EventFeed) HandleCreated(ctx context.Context, ev model.LedgerEvent) Outcome {
	return f.handleCreated(ctx, ev, model.OriginEvent)
}

// HandleAccepted reconciles a record whose secondary party just joined.
// The event lacks the primary party and URI, so the record is re-read from
// the ledger first.
func (f *EventFeed) HandleAccepted(ctx context.Context, ev model.LedgerEvent) Outcome {
	return f.handleAccepted(ctx, ev, model.OriginEvent)
}

func (f *EventFeed) handleCreated(ctx context.Context, ev model.LedgerEvent, origin model.Origin) Outcome {
	slog.Debug("record created on ledger", "record_id", ev.RecordID, "primary", ev.Primary, "origin", origin)

	return f.reconciler.Reconcile(ctx, ReconcileRequest{
		RecordID:    ev.RecordID,
		Primary:     ev.Primary,
		MetadataURI: ev.MetadataURI,
		Origin:      origin,
	})
}

func (f *EventFeed) handleAccepted(ctx context.Context, ev model.LedgerEvent, origin model.Origin) Outcome {
	slog.Debug("record accepted on ledger", "record_id", ev.RecordID, "secondary", ev.Secondary, "origin", origin)

	var lr *model.LedgerRecord
	err := f.retry.Do(ctx, FailureTransient, func(ctx context.Context) error {
		var err error
		lr, err = f.ledger.ReadRecord(ctx, ev.RecordID)
		return err
	})
	if err != nil {
		slog.Warn("cannot read accepted record from ledger", "record_id", ev.RecordID, "error", err)
		return Outcome{
			RecordID: ev.RecordID,
			Action:   model.ActionNone,
			Reason:   fmt.Sprintf("read ledger record: %v", err),
		}
	}

	secondary := ev.Secondary
	if model.IsZeroAddress(secondary) {
		secondary = lr.Secondary
	}

	return f.reconciler.Reconcile(ctx, ReconcileRequest{
		RecordID:    ev.RecordID,
		Primary:     lr.Primary,
		Secondary:   secondary,
		MetadataURI: lr.MetadataURI,
		Origin:      origin,
	})
}

// Replay walks ledger records fromIndex..toIndex in creation order and
// re-emits a created event for each, plus an accepted event for records
// with a secondary party. toIndex 0 or past the ledger count means "up to
// the last record".
func (f *EventFeed) Replay(ctx context.Context, fromIndex, toIndex uint64) (ReplayReport, error) {
	if fromIndex == 0 {
		fromIndex = 1
	}

	var count uint64
	err := f.retry.Do(ctx, FailureTransient, func(ctx context.Context) error {
		var err error
		count, err = f.ledger.RecordCount(ctx)
		return err
	})
	if err != nil {
		return ReplayReport{}, fmt.Errorf("read ledger record count: %w", err)
	}
	if toIndex == 0 || toIndex > count {
		toIndex = count
	}

	report := ReplayReport{From: fromIndex, To: toIndex}
	for id := fromIndex; id <= toIndex; id++ {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		var lr *model.LedgerRecord
		err := f.retry.Do(ctx, FailureTransient, func(ctx context.Context) error {
			var err error
			lr, err = f.ledger.ReadRecord(ctx, id)
			return err
		})
		if err != nil {
			slog.Warn("replay could not read ledger record", "record_id", id, "error", err)
			report.Events++
			report.Failed++
			continue
		}

		created := model.LedgerEvent{
			Kind:        model.EventRecordCreated,
			RecordID:    id,
			Primary:     lr.Primary,
			MetadataURI: lr.MetadataURI,
		}
		report.tally(f.dispatch(ctx, created, model.OriginReplay))

		if lr.HasSecondary() {
			accepted := model.LedgerEvent{
				Kind:      model.EventRecordAccepted,
				RecordID:  id,
				Secondary: lr.Secondary,
			}
			report.tally(f.dispatch(ctx, accepted, model.OriginReplay))
		}
	}

	slog.Info("replay complete",
		"from", report.From,
		"to", report.To,
		"events", report.Events,
		"synced", report.Synced,
		"failed", report.Failed,
		"deferred", report.Deferred,
	)
	return report, nil
}

// ReplayBlocks re-dispatches the historical events of [fromBlock, toBlock].
// toBlock 0 means the current head.
func (f *EventFeed) ReplayBlocks(ctx context.Context, fromBlock, toBlock uint64) (ReplayReport, error) {
	if toBlock == 0 {
		head, err := f.events.LatestBlock(ctx)
		if err != nil {
			return ReplayReport{}, fmt.Errorf("read ledger head: %w", err)
		}
		toBlock = head
	}

	report := ReplayReport{From: fromBlock, To: toBlock}
	if _, err := f.dispatchBlocks(ctx, fromBlock, toBlock, model.OriginReplay, &report); err != nil {
		return report, err
	}

	slog.Info("block replay complete",
		"from_block", fromBlock,
		"to_block", toBlock,
		"events", report.Events,
		"synced", report.Synced,
		"failed", report.Failed,
	)
	return report, nil
}
