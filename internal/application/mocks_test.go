package application_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/ericfisherdev/ledgerkeys/internal/application"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

const testNetwork = "11155111"

// --- Mock implementations ---

// memRecordStore is an in-memory RecordStore. WriteAtomically applies all
// ops to a copy and swaps it in only if every op succeeds.
type memRecordStore struct {
	mu        sync.Mutex
	records   map[model.RecordKey]model.Record
	envelopes map[model.RecordKey]model.KeyEnvelope
	writes    int
	writeErr  error
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{
		records:   make(map[model.RecordKey]model.Record),
		envelopes: make(map[model.RecordKey]model.KeyEnvelope),
	}
}

func (m *memRecordStore) FindRecord(_ context.Context, key model.RecordKey) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memRecordStore) FindEnvelope(_ context.Context, key model.RecordKey) (*model.KeyEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envelopes[key]
	if !ok {
		return nil, nil
	}
	return &env, nil
}

func (m *memRecordStore) CreateRecord(ctx context.Context, record model.Record) error {
	return m.WriteAtomically(ctx, []model.WriteOp{{Kind: model.WriteCreateRecord, Record: &record}})
}

func (m *memRecordStore) UpdateRecord(ctx context.Context, record model.Record) error {
	return m.WriteAtomically(ctx, []model.WriteOp{{Kind: model.WriteUpdateRecord, Record: &record}})
}

func (m *memRecordStore) CreateEnvelope(ctx context.Context, envelope model.KeyEnvelope) error {
	return m.WriteAtomically(ctx, []model.WriteOp{{Kind: model.WriteCreateEnvelope, Envelope: &envelope}})
}

func (m *memRecordStore) UpdateEnvelope(ctx context.Context, envelope model.KeyEnvelope) error {
	return m.WriteAtomically(ctx, []model.WriteOp{{Kind: model.WriteUpdateEnvelope, Envelope: &envelope}})
}

func (m *memRecordStore) WriteAtomically(_ context.Context, ops []model.WriteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}

	records := make(map[model.RecordKey]model.Record, len(m.records))
	for k, v := range m.records {
		records[k] = v
	}
	envelopes := make(map[model.RecordKey]model.KeyEnvelope, len(m.envelopes))
	for k, v := range m.envelopes {
		envelopes[k] = v
	}

	for _, op := range ops {
		switch op.Kind {
		case model.WriteCreateRecord:
			if _, ok := records[op.Record.Key]; ok {
				return driven.ErrRecordAlreadyExists
			}
			records[op.Record.Key] = *op.Record
		case model.WriteUpdateRecord:
			if _, ok := records[op.Record.Key]; !ok {
				return driven.ErrRecordNotFound
			}
			records[op.Record.Key] = *op.Record
		case model.WriteCreateEnvelope:
			if _, ok := records[op.Envelope.Key]; !ok {
				return errors.New("foreign key violation")
			}
			if _, ok := envelopes[op.Envelope.Key]; ok {
				return driven.ErrRecordAlreadyExists
			}
			envelopes[op.Envelope.Key] = *op.Envelope
		case model.WriteUpdateEnvelope:
			if _, ok := envelopes[op.Envelope.Key]; !ok {
				return driven.ErrRecordNotFound
			}
			envelopes[op.Envelope.Key] = *op.Envelope
		}
	}

	m.records = records
	m.envelopes = envelopes
	return nil
}

func (m *memRecordStore) ListRecordIDs(_ context.Context, networkID string) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint64
	for k := range m.records {
		if k.NetworkID == networkID {
			ids = append(ids, k.RecordID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memRecordStore) ListRecordStates(ctx context.Context, networkID string) ([]model.RecordState, error) {
	ids, _ := m.ListRecordIDs(ctx, networkID)

	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]model.RecordState, 0, len(ids))
	for _, id := range ids {
		env, ok := m.envelopes[model.RecordKey{NetworkID: networkID, RecordID: id}]
		states = append(states, model.RecordState{
			RecordID:        id,
			HasEnvelope:     ok,
			HasPrimaryKey:   ok && env.PrimaryWrappedKey != "",
			HasSecondaryKey: ok && env.SecondaryWrappedKey != "",
		})
	}
	return states, nil
}

func (m *memRecordStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memRecordStore) mustRecord(t *testing.T, id uint64) model.Record {
	t.Helper()
	rec, err := m.FindRecord(context.Background(), model.RecordKey{NetworkID: testNetwork, RecordID: id})
	require.NoError(t, err)
	require.NotNil(t, rec, "record %d not stored", id)
	return *rec
}

func (m *memRecordStore) mustEnvelope(t *testing.T, id uint64) model.KeyEnvelope {
	t.Helper()
	env, err := m.FindEnvelope(context.Background(), model.RecordKey{NetworkID: testNetwork, RecordID: id})
	require.NoError(t, err)
	require.NotNil(t, env, "envelope %d not stored", id)
	return *env
}

type mockProfileStore struct {
	mu       sync.Mutex
	profiles map[string]model.Profile
}

func newMockProfileStore() *mockProfileStore {
	return &mockProfileStore{profiles: make(map[string]model.Profile)}
}

func (m *mockProfileStore) GetProfile(_ context.Context, address string) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[strings.ToLower(address)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockProfileStore) UpsertProfile(_ context.Context, profile model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[strings.ToLower(profile.Address)] = profile
	return nil
}

// party registers a profile with a fresh X25519 key and returns the private key.
func (m *mockProfileStore) party(t *testing.T, address, contacts string) *[32]byte {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, m.UpsertProfile(context.Background(), model.Profile{
		Address:          address,
		EncryptionPubKey: "0x" + hex.EncodeToString(pub[:]),
		Contacts:         contacts,
	}))
	return priv
}

type mockMetadataFetcher struct {
	mu    sync.Mutex
	docs  map[string]model.RecordMetadata
	calls int
}

func (m *mockMetadataFetcher) Fetch(_ context.Context, uri string) (*model.RecordMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	doc, ok := m.docs[uri]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", uri, driven.ErrMetadataUnavailable)
	}
	return &doc, nil
}

type mockLedger struct {
	mu      sync.Mutex
	records map[uint64]model.LedgerRecord
	count   uint64
	err     error
	failIDs map[uint64]bool
	reads   int
}

func newMockLedger() *mockLedger {
	return &mockLedger{records: make(map[uint64]model.LedgerRecord), failIDs: make(map[uint64]bool)}
}

func (m *mockLedger) put(rec model.LedgerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.RecordID] = rec
	if rec.RecordID > m.count {
		m.count = rec.RecordID
	}
}

func (m *mockLedger) RecordCount(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.count, nil
}

func (m *mockLedger) ReadRecord(_ context.Context, index uint64) (*model.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	if m.failIDs[index] {
		return nil, fmt.Errorf("read %d: %w", index, driven.ErrLedgerUnreachable)
	}
	rec, ok := m.records[index]
	if !ok {
		return &model.LedgerRecord{RecordID: index}, nil
	}
	return &rec, nil
}

type mockEventSource struct {
	mu     sync.Mutex
	head   uint64
	events []model.LedgerEvent
	ranges [][2]uint64
}

func (m *mockEventSource) LatestBlock(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *mockEventSource) FilterEvents(_ context.Context, from, to uint64) ([]model.LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges = append(m.ranges, [2]uint64{from, to})
	var out []model.LedgerEvent
	for _, ev := range m.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// lostLeaseLocker grants locks but reports every renewal as lost, as when a
// lease expired and another process took it over.
type lostLeaseLocker struct {
	*application.MemoryKeyLocker
}

func (l lostLeaseLocker) Renew(_ context.Context, key string) error {
	return fmt.Errorf("renew %s: %w", key, driven.ErrLockLost)
}

// recordingReconciler captures requests and reports success for each.
type recordingReconciler struct {
	mu   sync.Mutex
	reqs []application.ReconcileRequest
}

func (r *recordingReconciler) Reconcile(_ context.Context, req application.ReconcileRequest) application.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return application.Outcome{RecordID: req.RecordID, Action: model.ActionNone, Success: true}
}

func (r *recordingReconciler) requests() []application.ReconcileRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]application.ReconcileRequest(nil), r.reqs...)
}

var (
	_ driven.RecordStore     = (*memRecordStore)(nil)
	_ driven.ProfileStore    = (*mockProfileStore)(nil)
	_ driven.MetadataFetcher = (*mockMetadataFetcher)(nil)
	_ driven.LedgerReader    = (*mockLedger)(nil)
	_ driven.EventSource     = (*mockEventSource)(nil)
	_ driven.KeyLocker       = lostLeaseLocker{}
	_ application.Reconciler = (*recordingReconciler)(nil)
)
