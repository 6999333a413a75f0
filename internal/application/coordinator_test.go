package application_test

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/ericfisherdev/ledgerkeys/internal/adapter/driven/envelope"
	"github.com/ericfisherdev/ledgerkeys/internal/application"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

const (
	alice = "0xA11CE00000000000000000000000000000000001"
	bob   = "0xB0B0000000000000000000000000000000000002"
)

type coordFixture struct {
	store    *memRecordStore
	profiles *mockProfileStore
	meta     *mockMetadataFetcher
	locker   *application.MemoryKeyLocker
	cipher   *envelope.Cipher
	registry *prometheus.Registry
	coord    *application.Coordinator
}

func newCoordFixture(t *testing.T, policy application.RetryPolicy) *coordFixture {
	t.Helper()

	f := &coordFixture{
		store:    newMemRecordStore(),
		profiles: newMockProfileStore(),
		meta:     &mockMetadataFetcher{docs: map[string]model.RecordMetadata{}},
		locker:   application.NewMemoryKeyLocker(),
		cipher:   envelope.New(),
		registry: prometheus.NewRegistry(),
	}
	f.coord = application.NewCoordinator(testNetwork, f.store, f.profiles, f.cipher, f.meta, f.locker,
		application.CoordinatorOptions{
			LockPollInterval: 2 * time.Millisecond,
			Retry:            policy,
			Metrics:          application.NewMetrics(f.registry),
		})
	return f
}

// unwrap opens a wrapped key the way a recipient's client would.
func unwrap(t *testing.T, wrappedHex string, priv *[32]byte) []byte {
	t.Helper()

	raw, err := hex.DecodeString(wrappedHex)
	require.NoError(t, err)
	require.Greater(t, len(raw), 32+24)

	var eph [32]byte
	var nonce [24]byte
	copy(eph[:], raw[:32])
	copy(nonce[:], raw[32:56])

	secret, ok := box.Open(nil, raw[56:], &nonce, &eph, priv)
	require.True(t, ok, "wrapped key does not open for this recipient")
	return secret
}

func createReq(id uint64, uri string) application.ReconcileRequest {
	return application.ReconcileRequest{RecordID: id, Primary: alice, MetadataURI: uri, Origin: model.OriginManual}
}

func TestCoordinator_CreateWritesRecordAndEnvelope(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	alicePriv := f.profiles.party(t, alice, "tg:@alice")
	f.meta.docs["https://meta/1.json"] = model.RecordMetadata{Title: "Paint fence", Description: "White, two coats"}

	out := f.coord.Reconcile(context.Background(), createReq(1, "https://meta/1.json"))

	require.True(t, out.Success, out.Reason)
	assert.Equal(t, model.ActionCreate, out.Action)
	assert.Equal(t, model.StateAbsent, out.State)
	assert.False(t, out.UsedPlaceholder)

	rec := f.store.mustRecord(t, 1)
	assert.Equal(t, "Paint fence", rec.Title)
	assert.Equal(t, "White, two coats", rec.Description)
	assert.Equal(t, "tg:@alice", rec.CachedPlaintext)
	assert.Equal(t, alice, rec.CreatorIdentity)

	env := f.store.mustEnvelope(t, 1)
	assert.Empty(t, env.SecondaryWrappedKey)

	secret := unwrap(t, env.PrimaryWrappedKey, alicePriv)
	plaintext, err := f.cipher.Decrypt(rec.EncryptedPayload, secret)
	require.NoError(t, err)
	assert.Equal(t, "tg:@alice", plaintext)
}

func TestCoordinator_CreateWrapsForKnownSecondary(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	alicePriv := f.profiles.party(t, alice, "tg:@alice")
	bobPriv := f.profiles.party(t, bob, "")

	req := createReq(2, "")
	req.Secondary = bob
	out := f.coord.Reconcile(context.Background(), req)
	require.True(t, out.Success, out.Reason)

	env := f.store.mustEnvelope(t, 2)
	assert.Equal(t, unwrap(t, env.PrimaryWrappedKey, alicePriv), unwrap(t, env.SecondaryWrappedKey, bobPriv))
}

func TestCoordinator_CreateDefersWithoutPrimaryKey(t *testing.T) {
	tests := []struct {
		name    string
		profile *model.Profile
	}{
		{name: "no profile"},
		{name: "empty key", profile: &model.Profile{Address: alice}},
		{name: "short key", profile: &model.Profile{Address: alice, EncryptionPubKey: "0x1234"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoordFixture(t, application.NoRetry())
			if tt.profile != nil {
				require.NoError(t, f.profiles.UpsertProfile(context.Background(), *tt.profile))
			}

			out := f.coord.Reconcile(context.Background(), createReq(3, ""))

			assert.False(t, out.Success)
			assert.True(t, out.Deferred)
			assert.Equal(t, model.ActionCreate, out.Action)
			assert.Zero(t, f.store.writeCount())
		})
	}
}

func TestCoordinator_CreateUsesPlaceholderWhenMetadataUnavailable(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "")

	out := f.coord.Reconcile(context.Background(), createReq(4, "https://meta/unreachable.json"))

	require.True(t, out.Success, out.Reason)
	assert.True(t, out.UsedPlaceholder)

	rec := f.store.mustRecord(t, 4)
	assert.Equal(t, "Record 4 (synced from ledger)", rec.Title)
	assert.Equal(t, model.PlaceholderDescription, rec.Description)
	assert.True(t, rec.HasPlaceholderMetadata())
	assert.Equal(t, model.PlaceholderContacts, rec.CachedPlaintext)
}

func TestCoordinator_Idempotent(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "tg:@alice")
	ctx := context.Background()

	first := f.coord.Reconcile(ctx, createReq(5, ""))
	require.True(t, first.Success, first.Reason)
	recBefore := f.store.mustRecord(t, 5)
	envBefore := f.store.mustEnvelope(t, 5)

	second := f.coord.Reconcile(ctx, createReq(5, ""))
	require.True(t, second.Success, second.Reason)
	assert.Equal(t, model.ActionNone, second.Action)
	assert.Equal(t, model.StateComplete, second.State)

	assert.Equal(t, recBefore.EncryptedPayload, f.store.mustRecord(t, 5).EncryptedPayload)
	assert.Equal(t, envBefore.PrimaryWrappedKey, f.store.mustEnvelope(t, 5).PrimaryWrappedKey)
	assert.Equal(t, 1, f.store.writeCount())
}

func TestCoordinator_ConcurrentCallsWriteOnce(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "tg:@alice")

	const callers = 5
	outcomes := make([]application.Outcome, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outcomes[i] = f.coord.Reconcile(context.Background(), createReq(6, ""))
		}()
	}
	close(start)
	wg.Wait()

	var creates int
	for _, out := range outcomes {
		assert.True(t, out.Success, out.Reason)
		if out.Action == model.ActionCreate {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, f.store.writeCount())

	ids, err := f.store.ListRecordIDs(context.Background(), testNetwork)
	require.NoError(t, err)
	assert.Equal(t, []uint64{6}, ids)
}

func TestCoordinator_RepairsMissingEnvelope(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	alicePriv := f.profiles.party(t, alice, "tg:@alice")
	ctx := context.Background()

	require.NoError(t, f.store.CreateRecord(ctx, model.Record{
		Key:             model.RecordKey{NetworkID: testNetwork, RecordID: 7},
		Title:           "Authored title",
		Description:     "Authored description",
		CachedPlaintext: "signal:+100",
		CreatorIdentity: alice,
	}))
	f.meta.docs["https://meta/7.json"] = model.RecordMetadata{Title: "Fetched title"}

	out := f.coord.Reconcile(ctx, createReq(7, "https://meta/7.json"))

	require.True(t, out.Success, out.Reason)
	assert.Equal(t, model.StateMissingEnvelope, out.State)
	assert.Equal(t, model.ActionRepairEnvelope, out.Action)

	rec := f.store.mustRecord(t, 7)
	assert.Equal(t, "Authored title", rec.Title, "authored metadata is never replaced")

	env := f.store.mustEnvelope(t, 7)
	require.NotEmpty(t, env.PrimaryWrappedKey)

	plaintext, err := f.cipher.Decrypt(rec.EncryptedPayload, unwrap(t, env.PrimaryWrappedKey, alicePriv))
	require.NoError(t, err)
	assert.Equal(t, "signal:+100", plaintext)
}

func TestCoordinator_RepairsEnvelopeWithoutPrimaryKey(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "")
	ctx := context.Background()
	key := model.RecordKey{NetworkID: testNetwork, RecordID: 8}

	require.NoError(t, f.store.CreateRecord(ctx, model.Record{
		Key:             key,
		Title:           model.PlaceholderTitle(8),
		Description:     model.PlaceholderDescription,
		CachedPlaintext: "x",
		CreatorIdentity: alice,
		MetadataURI:     "https://meta/8.json",
	}))
	require.NoError(t, f.store.CreateEnvelope(ctx, model.KeyEnvelope{Key: key}))
	f.meta.docs["https://meta/8.json"] = model.RecordMetadata{Title: "Real title", Description: "Real description"}

	// Primary omitted: the stored creator is used.
	out := f.coord.Reconcile(ctx, application.ReconcileRequest{RecordID: 8, Origin: model.OriginSweep})

	require.True(t, out.Success, out.Reason)
	assert.Equal(t, model.ActionRepairEnvelope, out.Action)
	assert.False(t, out.UsedPlaceholder)
	assert.NotEmpty(t, f.store.mustEnvelope(t, 8).PrimaryWrappedKey)

	rec := f.store.mustRecord(t, 8)
	assert.Equal(t, "Real title", rec.Title, "placeholder metadata is replaced once readable")
	assert.Equal(t, "Real description", rec.Description)
}

func TestCoordinator_SecondaryJoinRegeneratesSecret(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	alicePriv := f.profiles.party(t, alice, "tg:@alice")
	ctx := context.Background()

	require.True(t, f.coord.Reconcile(ctx, createReq(9, "")).Success)
	recBefore := f.store.mustRecord(t, 9)
	envBefore := f.store.mustEnvelope(t, 9)

	bobPriv := f.profiles.party(t, bob, "")
	req := createReq(9, "")
	req.Secondary = bob
	out := f.coord.Reconcile(ctx, req)

	require.True(t, out.Success, out.Reason)
	assert.Equal(t, model.StateMissingSecondaryKey, out.State)
	assert.Equal(t, model.ActionRepairSecondary, out.Action)

	rec := f.store.mustRecord(t, 9)
	env := f.store.mustEnvelope(t, 9)
	assert.NotEmpty(t, env.SecondaryWrappedKey)
	assert.NotEqual(t, recBefore.EncryptedPayload, rec.EncryptedPayload)
	assert.NotEqual(t, envBefore.PrimaryWrappedKey, env.PrimaryWrappedKey)

	// Both copies hold the one secret that decrypts the current payload.
	secret := unwrap(t, env.PrimaryWrappedKey, alicePriv)
	assert.Equal(t, secret, unwrap(t, env.SecondaryWrappedKey, bobPriv))
	plaintext, err := f.cipher.Decrypt(rec.EncryptedPayload, secret)
	require.NoError(t, err)
	assert.Equal(t, "tg:@alice", plaintext)

	// The primary's old copy no longer decrypts the payload.
	_, err = f.cipher.Decrypt(rec.EncryptedPayload, unwrap(t, envBefore.PrimaryWrappedKey, alicePriv))
	require.Error(t, err)
}

func TestCoordinator_SecondaryWithoutKeyDefers(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "tg:@alice")
	ctx := context.Background()

	require.True(t, f.coord.Reconcile(ctx, createReq(10, "")).Success)

	req := createReq(10, "")
	req.Secondary = bob
	out := f.coord.Reconcile(ctx, req)

	assert.False(t, out.Success)
	assert.True(t, out.Deferred)
	assert.Equal(t, model.ActionRepairSecondary, out.Action)
	assert.Empty(t, f.store.mustEnvelope(t, 10).SecondaryWrappedKey)
}

func TestCoordinator_ZeroAddressSecondaryIsUnknown(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "")
	ctx := context.Background()

	require.True(t, f.coord.Reconcile(ctx, createReq(11, "")).Success)

	req := createReq(11, "")
	req.Secondary = model.ZeroAddress
	out := f.coord.Reconcile(ctx, req)

	assert.True(t, out.Success)
	assert.Equal(t, model.StateComplete, out.State)
}

func TestCoordinator_WriteFailureIsRetriedThenFails(t *testing.T) {
	policy := application.RetryPolicy{WriteRetries: 2, WriteBase: time.Millisecond}
	f := newCoordFixture(t, policy)
	f.profiles.party(t, alice, "")
	f.store.writeErr = errors.New("disk full")

	out := f.coord.Reconcile(context.Background(), createReq(12, ""))

	assert.False(t, out.Success)
	assert.False(t, out.Deferred)
	assert.Contains(t, out.Reason, "disk full")
	assert.Equal(t, 3, f.store.writeCount())

	rec, err := f.store.FindRecord(context.Background(), model.RecordKey{NetworkID: testNetwork, RecordID: 12})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCoordinator_LostLockAbortsWrite(t *testing.T) {
	store := newMemRecordStore()
	profiles := newMockProfileStore()
	profiles.party(t, alice, "")
	coord := application.NewCoordinator(testNetwork, store, profiles, envelope.New(),
		&mockMetadataFetcher{docs: map[string]model.RecordMetadata{}},
		lostLeaseLocker{application.NewMemoryKeyLocker()},
		application.CoordinatorOptions{
			LockPollInterval: 2 * time.Millisecond,
			Retry:            application.RetryPolicy{WriteRetries: 2, WriteBase: time.Millisecond},
		})

	out := coord.Reconcile(context.Background(), createReq(14, ""))

	assert.False(t, out.Success)
	assert.False(t, out.Deferred)
	assert.Contains(t, out.Reason, driven.ErrLockLost.Error())
	assert.Equal(t, 0, store.writeCount())
}

func TestCoordinator_GivesUpWhenContextEndsWhileWaiting(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "")

	ok, err := f.locker.TryLock(context.Background(), testNetwork+":13")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := f.coord.Reconcile(ctx, createReq(13, ""))
	assert.False(t, out.Success)
	assert.False(t, out.Deferred)
	assert.Zero(t, f.store.writeCount())
}

func TestCoordinator_RecordsMetrics(t *testing.T) {
	f := newCoordFixture(t, application.NoRetry())
	f.profiles.party(t, alice, "")
	ctx := context.Background()

	f.coord.Reconcile(ctx, createReq(14, ""))
	f.coord.Reconcile(ctx, createReq(14, ""))
	f.coord.Reconcile(ctx, application.ReconcileRequest{RecordID: 15, Primary: bob, Origin: model.OriginSweep})

	expected := `
# HELP ledgerkeys_reconciles_total Reconcile attempts by origin, action and result.
# TYPE ledgerkeys_reconciles_total counter
ledgerkeys_reconciles_total{action="create",origin="manual",result="success"} 1
ledgerkeys_reconciles_total{action="create",origin="sweep",result="deferred"} 1
ledgerkeys_reconciles_total{action="none",origin="manual",result="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "ledgerkeys_reconciles_total"))
}

func TestClassify(t *testing.T) {
	rec := &model.Record{}
	tests := []struct {
		name      string
		rec       *model.Record
		env       *model.KeyEnvelope
		secondary string
		want      model.SyncState
	}{
		{name: "nothing stored", want: model.StateAbsent},
		{name: "record only", rec: rec, want: model.StateMissingEnvelope},
		{name: "envelope without primary", rec: rec, env: &model.KeyEnvelope{}, want: model.StateMissingEnvelope},
		{name: "primary only, no secondary", rec: rec, env: &model.KeyEnvelope{PrimaryWrappedKey: "p"}, want: model.StateComplete},
		{name: "secondary known, missing", rec: rec, env: &model.KeyEnvelope{PrimaryWrappedKey: "p"}, secondary: bob, want: model.StateMissingSecondaryKey},
		{name: "secondary known, present", rec: rec, env: &model.KeyEnvelope{PrimaryWrappedKey: "p", SecondaryWrappedKey: "s"}, secondary: bob, want: model.StateComplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, application.Classify(tt.rec, tt.env, tt.secondary))
		})
	}
}
