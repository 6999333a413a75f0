package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/ledgerkeys/internal/application"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Sweeper runs an on-demand reconciliation sweep. *application.SweepService
// implements it.
type Sweeper interface {
	TriggerSweep(ctx context.Context) (application.SweepReport, error)
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	networkID  string
	records    driven.RecordStore
	profiles   driven.ProfileStore
	ledger     driven.LedgerReader
	cipher     driven.EnvelopeCipher
	reconciler application.Reconciler
	sweeper    Sweeper
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. sweeper and
// gatherer may be nil, in which case their endpoints report unavailable.
func NewHandler(
	networkID string,
	records driven.RecordStore,
	profiles driven.ProfileStore,
	ledger driven.LedgerReader,
	cipher driven.EnvelopeCipher,
	reconciler application.Reconciler,
	sweeper Sweeper,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		networkID:  networkID,
		records:    records,
		profiles:   profiles,
		ledger:     ledger,
		cipher:     cipher,
		reconciler: reconciler,
		sweeper:    sweeper,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/records/{id}", h.GetRecord)
	mux.HandleFunc("POST /api/v1/records/{id}/key", h.ReleaseWrappedKey)
	mux.HandleFunc("POST /api/v1/records/{id}/reconcile", h.ReconcileRecord)
	mux.HandleFunc("POST /api/v1/sweep", h.TriggerSweep)
	mux.HandleFunc("PUT /api/v1/profiles/{address}", h.PutProfile)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// GetRecord returns a stored record and the completeness of its envelope.
// Plaintext and wrapped keys are never included.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	key, ok := h.recordKey(w, r)
	if !ok {
		return
	}

	rec, err := h.records.FindRecord(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to get record", "record", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}

	env, err := h.records.FindEnvelope(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to get envelope", "record", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toRecordResponse(*rec, env))
}

// ReleaseWrappedKey returns the wrapped secret of the party that signed the
// request. The signer must name this record in the signed message, be a party
// to it on the ledger, and the record must be in a status that releases keys.
func (h *Handler) ReleaseWrappedKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.recordKey(w, r)
	if !ok {
		return
	}

	var req KeyReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if req.Message == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "message and signature are required")
		return
	}

	if err := verifySigner(req.Message, req.Signature, req.Address); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if id, ok := signedRecordID(req.Message); !ok || id != key.RecordID {
		writeError(w, http.StatusUnauthorized, "signed message does not name this record")
		return
	}

	lr, err := h.ledger.ReadRecord(r.Context(), key.RecordID)
	if err != nil {
		h.logger.Warn("ledger read failed", "record", key.String(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if !lr.Status.ReleasesKeys() {
		writeError(w, http.StatusForbidden, "record status does not allow key release")
		return
	}

	var role model.PartyRole
	switch {
	case model.SameAddress(req.Address, lr.Primary):
		role = model.RolePrimary
	case model.SameAddress(req.Address, lr.Secondary):
		role = model.RoleSecondary
	default:
		writeError(w, http.StatusForbidden, "address is not a party to this record")
		return
	}

	rec, err := h.records.FindRecord(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to get record", "record", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	env, err := h.records.FindEnvelope(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to get envelope", "record", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if rec == nil || env == nil || env.WrappedKeyFor(role) == "" {
		writeError(w, http.StatusNotFound, "no key available for this party yet")
		return
	}

	writeJSON(w, http.StatusOK, WrappedKeyResponse{
		RecordID:         key.RecordID,
		Role:             string(role),
		WrappedKey:       env.WrappedKeyFor(role),
		EncryptedPayload: rec.EncryptedPayload,
	})
}

// ReconcileRecord reads the record from the ledger and reconciles it on demand.
func (h *Handler) ReconcileRecord(w http.ResponseWriter, r *http.Request) {
	key, ok := h.recordKey(w, r)
	if !ok {
		return
	}

	lr, err := h.ledger.ReadRecord(r.Context(), key.RecordID)
	if err != nil {
		h.logger.Warn("ledger read failed", "record", key.String(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if model.IsZeroAddress(lr.Primary) {
		writeError(w, http.StatusNotFound, "record not found on ledger")
		return
	}

	out := h.reconciler.Reconcile(r.Context(), application.ReconcileRequest{
		RecordID:    key.RecordID,
		Primary:     lr.Primary,
		Secondary:   lr.Secondary,
		MetadataURI: lr.MetadataURI,
		Origin:      model.OriginManual,
	})

	status := http.StatusOK
	switch {
	case out.Deferred:
		status = http.StatusAccepted
	case !out.Success:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out)
}

// TriggerSweep runs a reconciliation sweep and returns its report.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweep is disabled")
		return
	}

	report, err := h.sweeper.TriggerSweep(r.Context())
	if err != nil {
		if errors.Is(err, driven.ErrLedgerUnreachable) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "sweep unavailable")
			return
		}
		h.logger.Error("sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// PutProfile registers or replaces a participant's encryption key and
// contacts. The body must carry the address's signature over ProfileMessage.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if !common.IsHexAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	var req PutProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.cipher.ValidatePublicKeyFormat(req.EncryptionPubKey) {
		writeError(w, http.StatusBadRequest, "invalid encryption public key: expected 32 bytes hex")
		return
	}

	if err := verifySigner(ProfileMessage(address, req.EncryptionPubKey), req.Signature, address); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	profile := model.Profile{
		Address:          strings.ToLower(address),
		Nickname:         req.Nickname,
		EncryptionPubKey: req.EncryptionPubKey,
		Contacts:         req.Contacts,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := h.profiles.UpsertProfile(r.Context(), profile); err != nil {
		h.logger.Error("failed to upsert profile", "address", profile.Address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

// recordKey parses the {id} path value. It writes a 400 and returns false
// when the id is not a non-negative integer.
func (h *Handler) recordKey(w http.ResponseWriter, r *http.Request) (model.RecordKey, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return model.RecordKey{}, false
	}
	return model.RecordKey{NetworkID: h.networkID, RecordID: id}, true
}
