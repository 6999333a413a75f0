package application_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/ledgerkeys/internal/application"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

func newSweep(f *coordFixture, ledger *mockLedger) *application.SweepService {
	return application.NewSweepService(ledger, f.store, f.coord, testNetwork, time.Hour, application.NoRetry(), nil)
}

func TestSweepService_ToleratesUnreachableMetadata(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "tg:@alice")
	ledger := newMockLedger()

	for id := uint64(1); id <= 5; id++ {
		uri := fmt.Sprintf("https://meta/%d.json", id)
		ledger.put(model.LedgerRecord{RecordID: id, Primary: alice, MetadataURI: uri})
		if id != 3 {
			f.meta.docs[uri] = model.RecordMetadata{Title: fmt.Sprintf("Job %d", id)}
		}
	}

	report, err := newSweep(f, ledger).SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(5), report.LedgerCount)
	assert.Equal(t, 5, report.Missing)
	assert.Equal(t, 5, report.Synced)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Placeholders)

	assert.Equal(t, "Record 3 (synced from ledger)", f.store.mustRecord(t, 3).Title)
	assert.Equal(t, "Job 4", f.store.mustRecord(t, 4).Title)
}

func TestSweepService_RepairsMissingEnvelope(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "")
	ledger := newMockLedger()
	ledger.put(model.LedgerRecord{RecordID: 1, Primary: alice})

	require.NoError(t, f.store.CreateRecord(context.Background(), model.Record{
		Key:             model.RecordKey{NetworkID: testNetwork, RecordID: 1},
		Title:           "Authored",
		CachedPlaintext: "x",
		CreatorIdentity: alice,
	}))

	report, err := newSweep(f, ledger).SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Missing)
	assert.Equal(t, 1, report.MissingEnvelope)
	assert.Equal(t, 1, report.Synced)
	assert.NotEmpty(t, f.store.mustEnvelope(t, 1).PrimaryWrappedKey)
}

func TestSweepService_AddsSecondaryOnlyPastOpen(t *testing.T) {
	tests := []struct {
		name       string
		status     model.LedgerStatus
		wantRepair bool
	}{
		{name: "open", status: model.LedgerStatusOpen, wantRepair: false},
		{name: "in progress", status: model.LedgerStatusInProgress, wantRepair: true},
		{name: "submitted", status: model.LedgerStatusSubmitted, wantRepair: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoordFixture(t, application.NoRetry())
			f.profiles.party(t, alice, "tg:@alice")
			ctx := context.Background()

			require.True(t, f.coord.Reconcile(ctx, createReq(1, "")).Success)

			f.profiles.party(t, bob, "")
			ledger := newMockLedger()
			ledger.put(model.LedgerRecord{RecordID: 1, Primary: alice, Secondary: bob, Status: tt.status})

			report, err := newSweep(f, ledger).SweepOnce(ctx)
			require.NoError(t, err)

			env := f.store.mustEnvelope(t, 1)
			if tt.wantRepair {
				assert.Equal(t, 1, report.MissingSecondary)
				assert.Equal(t, 1, report.Synced)
				assert.NotEmpty(t, env.SecondaryWrappedKey)
			} else {
				assert.Equal(t, 0, report.MissingSecondary)
				assert.Empty(t, env.SecondaryWrappedKey)
			}
		})
	}
}

func TestSweepService_SingleFailureDoesNotAbort(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "")
	ledger := newMockLedger()
	for id := uint64(1); id <= 3; id++ {
		ledger.put(model.LedgerRecord{RecordID: id, Primary: alice})
	}
	ledger.failIDs[2] = true

	report, err := newSweep(f, ledger).SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Missing)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Failed)
}

func TestSweepService_SecondaryCheckReadFailureIsCounted(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "tg:@alice")
	ctx := context.Background()

	require.True(t, f.coord.Reconcile(ctx, createReq(1, "")).Success)
	require.True(t, f.coord.Reconcile(ctx, createReq(2, "")).Success)

	ledger := newMockLedger()
	ledger.put(model.LedgerRecord{RecordID: 1, Primary: alice})
	ledger.put(model.LedgerRecord{RecordID: 2, Primary: alice})
	ledger.failIDs[1] = true

	report, err := newSweep(f, ledger).SweepOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Missing)
	assert.Equal(t, 0, report.MissingSecondary)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Synced)
}

func TestSweepService_CountsDeferred(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	ledger := newMockLedger()
	ledger.put(model.LedgerRecord{RecordID: 1, Primary: bob})

	report, err := newSweep(f, ledger).SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 0, report.Synced)
}

func TestSweepService_LedgerUnreachable(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	ledger := newMockLedger()
	ledger.err = driven.ErrLedgerUnreachable

	_, err := newSweep(f, ledger).SweepOnce(context.Background())
	require.ErrorIs(t, err, driven.ErrLedgerUnreachable)
}

func TestSweepService_TriggerSweep(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "")
	ledger := newMockLedger()
	svc := newSweep(f, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	// The record appears after the initial sweep has run.
	ledger.put(model.LedgerRecord{RecordID: 1, Primary: alice})

	require.Eventually(t, func() bool {
		triggerCtx, triggerCancel := context.WithTimeout(ctx, time.Second)
		defer triggerCancel()
		report, err := svc.TriggerSweep(triggerCtx)
		return err == nil && report.LedgerCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.store.mustRecord(t, 1)
}

func TestSweepService_TriggerSweepHonoursContext(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	svc := newSweep(f, newMockLedger())

	// No loop is running, so the trigger can only end through its context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := svc.TriggerSweep(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
