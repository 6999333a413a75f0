// Package application contains use-case orchestration services.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// DefaultLockPollInterval is how often a waiting reconcile retries the key lock.
const DefaultLockPollInterval = 100 * time.Millisecond

// ReconcileRequest names a record and what the caller knows about it from
// the ledger. Secondary and MetadataURI may be empty.
type ReconcileRequest struct {
	RecordID    uint64
	Primary     string
	Secondary   string
	MetadataURI string
	Origin      model.Origin
}

// Outcome reports what one reconcile attempt did. Success is false both for
// failures and for deferred attempts; Deferred separates the two.
type Outcome struct {
	RecordID        uint64           `json:"record_id"`
	State           model.SyncState  `json:"state"`
	Action          model.SyncAction `json:"action"`
	Success         bool             `json:"success"`
	Deferred        bool             `json:"deferred"`
	UsedPlaceholder bool             `json:"used_placeholder"`
	Reason          string           `json:"reason,omitempty"`
}

// Result collapses the outcome into success, deferred or failed.
func (o Outcome) Result() string {
	switch {
	case o.Success:
		return "success"
	case o.Deferred:
		return "deferred"
	default:
		return "failed"
	}
}

// CoordinatorOptions holds the tunables of a Coordinator.
type CoordinatorOptions struct {
	LockPollInterval time.Duration
	Retry            RetryPolicy
	Metrics          *Metrics
}

// Coordinator is the only writer of records and key envelopes. Every path
// that creates or repairs a record calls Reconcile, which serializes
// attempts per record key and writes each secret generation atomically.
type Coordinator struct {
	networkID string
	records   driven.RecordStore
	profiles  driven.ProfileStore
	cipher    driven.EnvelopeCipher
	metadata  driven.MetadataFetcher
	locker    driven.KeyLocker
	lockPoll  time.Duration
	retry     RetryPolicy
	metrics   *Metrics
}

// NewCoordinator creates a Coordinator for one ledger network.
func NewCoordinator(
	networkID string,
	records driven.RecordStore,
	profiles driven.ProfileStore,
	cipher driven.EnvelopeCipher,
	metadata driven.MetadataFetcher,
	locker driven.KeyLocker,
	opts CoordinatorOptions,
) *Coordinator {
	if opts.LockPollInterval <= 0 {
		opts.LockPollInterval = DefaultLockPollInterval
	}

	return &Coordinator{
		networkID: networkID,
		records:   records,
		profiles:  profiles,
		cipher:    cipher,
		metadata:  metadata,
		locker:    locker,
		lockPoll:  opts.LockPollInterval,
		retry:     opts.Retry,
		metrics:   opts.Metrics,
	}
}

// NetworkID returns the ledger network this coordinator writes for.
func (c *Coordinator) NetworkID() string {
	return c.networkID
}

// Key returns the store key of recordID on this coordinator's network.
func (c *Coordinator) Key(recordID uint64) model.RecordKey {
	return model.RecordKey{NetworkID: c.networkID, RecordID: recordID}
}

// Reconcile brings the stored state of one record up to date with req. It
// waits for the record's key lock, classifies the stored state and then
// creates, repairs or leaves the record alone. Once the lock is held the
// attempt ignores cancellation of ctx and runs to completion.
//
// Reconcile is safe to call repeatedly: a complete record is a no-op.
func (c *Coordinator) Reconcile(ctx context.Context, req ReconcileRequest) Outcome {
	key := c.Key(req.RecordID)
	log := slog.With(
		"network_id", c.networkID,
		"record_id", req.RecordID,
		"origin", req.Origin,
		"attempt_id", uuid.NewString(),
	)

	if err := acquire(ctx, c.locker, key.String(), c.lockPoll); err != nil {
		log.Info("reconcile abandoned while waiting for lock", "error", err)
		out := Outcome{RecordID: req.RecordID, Action: model.ActionNone, Reason: err.Error()}
		c.metrics.observeReconcile(req.Origin, out)
		return out
	}

	work := context.WithoutCancel(ctx)
	defer func() {
		if err := c.locker.Unlock(work, key.String()); err != nil {
			log.Error("failed to release record lock", "error", err)
		}
	}()

	out := c.reconcileLocked(work, key, req, log)
	out.RecordID = req.RecordID
	c.metrics.observeReconcile(req.Origin, out)
	return out
}

func (c *Coordinator) reconcileLocked(ctx context.Context, key model.RecordKey, req ReconcileRequest, log *slog.Logger) Outcome {
	rec, err := c.records.FindRecord(ctx, key)
	if err != nil {
		return failed(log, model.StateAbsent, model.ActionNone, fmt.Errorf("read record: %w", err))
	}

	var env *model.KeyEnvelope
	if rec != nil {
		env, err = c.records.FindEnvelope(ctx, key)
		if err != nil {
			return failed(log, model.StateAbsent, model.ActionNone, fmt.Errorf("read envelope: %w", err))
		}
	}

	secondary := req.Secondary
	if model.IsZeroAddress(secondary) {
		secondary = ""
	}

	state := Classify(rec, env, secondary)
	log = log.With("state", state)

	switch state {
	case model.StateAbsent:
		return c.create(ctx, key, req, secondary, log)
	case model.StateMissingEnvelope:
		return c.repairEnvelope(ctx, rec, env, req, secondary, log)
	case model.StateMissingSecondaryKey:
		return c.repairSecondary(ctx, rec, req, secondary, log)
	default:
		log.Debug("record already complete")
		return Outcome{State: state, Action: model.ActionNone, Success: true}
	}
}

// Classify derives the sync state of a record from what is stored for it
// and the secondary party currently known on the ledger ("" if none).
func Classify(rec *model.Record, env *model.KeyEnvelope, secondary string) model.SyncState {
	switch {
	case rec == nil:
		return model.StateAbsent
	case env == nil || env.PrimaryWrappedKey == "":
		return model.StateMissingEnvelope
	case secondary != "" && env.SecondaryWrappedKey == "":
		return model.StateMissingSecondaryKey
	default:
		return model.StateComplete
	}
}

// create writes a new record and its envelope. The payload is the primary
// party's contacts, encrypted under a fresh secret wrapped for each party
// with a usable public key.
func (c *Coordinator) create(ctx context.Context, key model.RecordKey, req ReconcileRequest, secondary string, log *slog.Logger) Outcome {
	const state, action = model.StateAbsent, model.ActionCreate

	primary, err := c.profiles.GetProfile(ctx, req.Primary)
	if err != nil {
		return failed(log, state, action, fmt.Errorf("read primary profile: %w", err))
	}
	if primary == nil || !c.cipher.ValidatePublicKeyFormat(primary.EncryptionPubKey) {
		return deferred(log, state, action, "primary public key missing or malformed")
	}

	plaintext := primary.Contacts
	if plaintext == "" {
		plaintext = model.PlaceholderContacts
	}

	gen, err := c.seal(ctx, plaintext, primary.EncryptionPubKey, secondary, log)
	if err != nil {
		return failed(log, state, action, err)
	}

	rec := model.Record{
		Key:              key,
		EncryptedPayload: gen.payload,
		CachedPlaintext:  plaintext,
		CreatorIdentity:  req.Primary,
		MetadataURI:      req.MetadataURI,
	}
	usedPlaceholder := c.applyMetadata(ctx, &rec, req.MetadataURI, log)

	env := model.KeyEnvelope{
		Key:                 key,
		PrimaryWrappedKey:   gen.primaryWrapped,
		SecondaryWrappedKey: gen.secondaryWrapped,
	}

	ops := []model.WriteOp{
		{Kind: model.WriteCreateRecord, Record: &rec},
		{Kind: model.WriteCreateEnvelope, Envelope: &env},
	}
	if err := c.write(ctx, key, ops); err != nil {
		return failed(log, state, action, err)
	}

	log.Info("record created",
		"placeholder", usedPlaceholder,
		"secondary_wrapped", env.SecondaryWrappedKey != "",
	)
	return Outcome{State: state, Action: action, Success: true, UsedPlaceholder: usedPlaceholder}
}

// repairEnvelope regenerates the secret of a record whose envelope is
// missing or has no primary copy, and rewrites payload and envelope together.
func (c *Coordinator) repairEnvelope(
	ctx context.Context,
	rec *model.Record,
	env *model.KeyEnvelope,
	req ReconcileRequest,
	secondary string,
	log *slog.Logger,
) Outcome {
	const state, action = model.StateMissingEnvelope, model.ActionRepairEnvelope

	primaryAddr := req.Primary
	if primaryAddr == "" {
		primaryAddr = rec.CreatorIdentity
	}

	primary, err := c.profiles.GetProfile(ctx, primaryAddr)
	if err != nil {
		return failed(log, state, action, fmt.Errorf("read primary profile: %w", err))
	}
	if primary == nil || !c.cipher.ValidatePublicKeyFormat(primary.EncryptionPubKey) {
		return deferred(log, state, action, "primary public key missing or malformed")
	}

	plaintext := rec.CachedPlaintext
	if plaintext == "" {
		plaintext = model.PlaceholderContacts
	}

	gen, err := c.seal(ctx, plaintext, primary.EncryptionPubKey, secondary, log)
	if err != nil {
		return failed(log, state, action, err)
	}

	updated := *rec
	updated.EncryptedPayload = gen.payload
	updated.CachedPlaintext = plaintext
	if updated.CreatorIdentity == "" {
		updated.CreatorIdentity = primaryAddr
	}
	usedPlaceholder := c.refreshPlaceholder(ctx, &updated, req.MetadataURI, log)

	newEnv := model.KeyEnvelope{
		Key:                 rec.Key,
		PrimaryWrappedKey:   gen.primaryWrapped,
		SecondaryWrappedKey: gen.secondaryWrapped,
	}
	envKind := model.WriteUpdateEnvelope
	if env == nil {
		envKind = model.WriteCreateEnvelope
	}

	ops := []model.WriteOp{
		{Kind: model.WriteUpdateRecord, Record: &updated},
		{Kind: envKind, Envelope: &newEnv},
	}
	if err := c.write(ctx, rec.Key, ops); err != nil {
		return failed(log, state, action, err)
	}

	log.Info("record envelope repaired", "envelope_op", envKind)
	return Outcome{State: state, Action: action, Success: true, UsedPlaceholder: usedPlaceholder}
}

// repairSecondary adds the secondary party to a record. The whole secret is
// regenerated and rewrapped for both parties, so the primary's previous
// wrapped copy stops decrypting the payload.
func (c *Coordinator) repairSecondary(
	ctx context.Context,
	rec *model.Record,
	req ReconcileRequest,
	secondary string,
	log *slog.Logger,
) Outcome {
	const state, action = model.StateMissingSecondaryKey, model.ActionRepairSecondary

	primaryAddr := req.Primary
	if primaryAddr == "" {
		primaryAddr = rec.CreatorIdentity
	}

	primary, err := c.profiles.GetProfile(ctx, primaryAddr)
	if err != nil {
		return failed(log, state, action, fmt.Errorf("read primary profile: %w", err))
	}
	second, err := c.profiles.GetProfile(ctx, secondary)
	if err != nil {
		return failed(log, state, action, fmt.Errorf("read secondary profile: %w", err))
	}

	switch {
	case primary == nil || !c.cipher.ValidatePublicKeyFormat(primary.EncryptionPubKey):
		return deferred(log, state, action, "primary public key missing or malformed")
	case second == nil || !c.cipher.ValidatePublicKeyFormat(second.EncryptionPubKey):
		return deferred(log, state, action, "secondary public key missing or malformed")
	case rec.CachedPlaintext == "":
		return deferred(log, state, action, "record has no cached plaintext")
	}

	secret := c.cipher.GenerateSecret()
	payload, err := c.cipher.Encrypt(rec.CachedPlaintext, secret)
	if err != nil {
		return failed(log, state, action, fmt.Errorf("encrypt payload: %w", err))
	}
	primaryWrapped, err := c.cipher.WrapSecret(secret, primary.EncryptionPubKey)
	if err != nil {
		return failed(log, state, action, fmt.Errorf("wrap secret for primary: %w", err))
	}
	secondaryWrapped, err := c.cipher.WrapSecret(secret, second.EncryptionPubKey)
	if err != nil {
		return failed(log, state, action, fmt.Errorf("wrap secret for secondary: %w", err))
	}

	updated := *rec
	updated.EncryptedPayload = payload
	usedPlaceholder := c.refreshPlaceholder(ctx, &updated, req.MetadataURI, log)

	env := model.KeyEnvelope{
		Key:                 rec.Key,
		PrimaryWrappedKey:   primaryWrapped,
		SecondaryWrappedKey: secondaryWrapped,
	}

	ops := []model.WriteOp{
		{Kind: model.WriteUpdateRecord, Record: &updated},
		{Kind: model.WriteUpdateEnvelope, Envelope: &env},
	}
	if err := c.write(ctx, rec.Key, ops); err != nil {
		return failed(log, state, action, err)
	}

	log.Info("secondary key added, secret regenerated", "secondary", secondary)
	return Outcome{State: state, Action: action, Success: true, UsedPlaceholder: usedPlaceholder}
}

// generation is one secret generation: the payload and every wrapped copy.
type generation struct {
	payload          string
	primaryWrapped   string
	secondaryWrapped string
}

// seal encrypts plaintext under a fresh secret and wraps it for the primary
// and, when known with a usable key, the secondary party.
func (c *Coordinator) seal(ctx context.Context, plaintext, primaryKey, secondary string, log *slog.Logger) (generation, error) {
	secret := c.cipher.GenerateSecret()

	payload, err := c.cipher.Encrypt(plaintext, secret)
	if err != nil {
		return generation{}, fmt.Errorf("encrypt payload: %w", err)
	}
	primaryWrapped, err := c.cipher.WrapSecret(secret, primaryKey)
	if err != nil {
		return generation{}, fmt.Errorf("wrap secret for primary: %w", err)
	}

	out := generation{payload: payload, primaryWrapped: primaryWrapped}
	if secondary == "" {
		return out, nil
	}

	second, err := c.profiles.GetProfile(ctx, secondary)
	if err != nil {
		return generation{}, fmt.Errorf("read secondary profile: %w", err)
	}
	if second == nil || !c.cipher.ValidatePublicKeyFormat(second.EncryptionPubKey) {
		// The envelope stays MissingSecondaryKey and a later pass adds it.
		log.Info("secondary public key not yet usable", "secondary", secondary)
		return out, nil
	}

	out.secondaryWrapped, err = c.cipher.WrapSecret(secret, second.EncryptionPubKey)
	if err != nil {
		return generation{}, fmt.Errorf("wrap secret for secondary: %w", err)
	}
	return out, nil
}

// applyMetadata fills title, description and creation time of a new record
// from its metadata URI, falling back to placeholders. It reports whether a
// placeholder was used.
func (c *Coordinator) applyMetadata(ctx context.Context, rec *model.Record, uri string, log *slog.Logger) bool {
	rec.Title = model.PlaceholderTitle(rec.Key.RecordID)
	rec.Description = model.PlaceholderDescription

	meta := c.fetchMetadata(ctx, uri, log)
	if meta == nil {
		return true
	}

	rec.Title = meta.Title
	if meta.Description != "" {
		rec.Description = meta.Description
	}
	if !meta.CreatedAt.IsZero() {
		rec.CreatedAt = meta.CreatedAt
	}
	return false
}

// refreshPlaceholder replaces placeholder metadata on an existing record
// when the metadata URI is readable now. Authored metadata is never touched.
func (c *Coordinator) refreshPlaceholder(ctx context.Context, rec *model.Record, uri string, log *slog.Logger) bool {
	if !rec.HasPlaceholderMetadata() {
		return false
	}
	if uri == "" {
		uri = rec.MetadataURI
	}

	meta := c.fetchMetadata(ctx, uri, log)
	if meta == nil {
		return true
	}

	if model.IsPlaceholderTitle(rec.Title) {
		rec.Title = meta.Title
	}
	if rec.Description == model.PlaceholderDescription && meta.Description != "" {
		rec.Description = meta.Description
	}
	rec.MetadataURI = uri
	return false
}

// fetchMetadata returns usable metadata for uri, or nil when there is none.
func (c *Coordinator) fetchMetadata(ctx context.Context, uri string, log *slog.Logger) *model.RecordMetadata {
	if uri == "" {
		log.Info("no metadata uri, using placeholder")
		return nil
	}

	var meta *model.RecordMetadata
	err := c.retry.Do(ctx, FailureTransient, func(ctx context.Context) error {
		var err error
		meta, err = c.metadata.Fetch(ctx, uri)
		return err
	})
	if err != nil {
		log.Warn("metadata unavailable, using placeholder", "uri", uri, "error", err)
		return nil
	}
	if meta == nil || meta.Title == "" {
		log.Warn("metadata has no title, using placeholder", "uri", uri)
		return nil
	}
	return meta
}

// write applies ops atomically, retrying per the write policy. The record's
// lock is renewed first; a lock lost to another holder aborts the write.
func (c *Coordinator) write(ctx context.Context, key model.RecordKey, ops []model.WriteOp) error {
	if err := c.locker.Renew(ctx, key.String()); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	err := c.retry.Do(ctx, FailureWrite, func(ctx context.Context) error {
		return c.records.WriteAtomically(ctx, ops)
	})
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func deferred(log *slog.Logger, state model.SyncState, action model.SyncAction, reason string) Outcome {
	log.Info("reconcile deferred", "action", action, "reason", reason)
	return Outcome{State: state, Action: action, Deferred: true, Reason: reason}
}

func failed(log *slog.Logger, state model.SyncState, action model.SyncAction, err error) Outcome {
	log.Error("reconcile failed", "action", action, "error", err)
	return Outcome{State: state, Action: action, Reason: err.Error()}
}
