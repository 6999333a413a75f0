package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// RecordResponse is the JSON representation of a stored record.
type RecordResponse struct {
	NetworkID       string `json:"network_id"`
	RecordID        uint64 `json:"record_id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Creator         string `json:"creator"`
	MetadataURI     string `json:"metadata_uri"`
	Placeholder     bool   `json:"placeholder"`
	HasEnvelope     bool   `json:"has_envelope"`
	HasPrimaryKey   bool   `json:"has_primary_key"`
	HasSecondaryKey bool   `json:"has_secondary_key"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// WrappedKeyResponse carries one party's wrapped secret and the payload it opens.
type WrappedKeyResponse struct {
	RecordID         uint64 `json:"record_id"`
	Role             string `json:"role"`
	WrappedKey       string `json:"wrapped_key"`
	EncryptedPayload string `json:"encrypted_payload"`
}

// PutProfileRequest is the JSON body for the profile upsert endpoint.
type PutProfileRequest struct {
	Nickname         string `json:"nickname"`
	EncryptionPubKey string `json:"encryption_pub_key"`
	Contacts         string `json:"contacts"`
	Signature        string `json:"signature"`
}

// KeyReleaseRequest is the JSON body for the wrapped key endpoint. Message
// must name the record, for example KeyReleaseMessage(id), and Signature is
// Address's personal_sign signature over it.
type KeyReleaseRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// ProfileResponse is the JSON representation of a profile. Contacts are
// omitted; they are only ever served encrypted.
type ProfileResponse struct {
	Address          string `json:"address"`
	Nickname         string `json:"nickname"`
	EncryptionPubKey string `json:"encryption_pub_key"`
	UpdatedAt        string `json:"updated_at"`
}

// toRecordResponse converts a domain Record and its envelope (which may be
// nil) to the JSON response representation.
func toRecordResponse(rec model.Record, env *model.KeyEnvelope) RecordResponse {
	resp := RecordResponse{
		NetworkID:   rec.Key.NetworkID,
		RecordID:    rec.Key.RecordID,
		Title:       rec.Title,
		Description: rec.Description,
		Creator:     rec.CreatorIdentity,
		MetadataURI: rec.MetadataURI,
		Placeholder: rec.HasPlaceholderMetadata(),
		CreatedAt:   formatTime(rec.CreatedAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
	if env != nil {
		resp.HasEnvelope = true
		resp.HasPrimaryKey = env.PrimaryWrappedKey != ""
		resp.HasSecondaryKey = env.SecondaryWrappedKey != ""
	}
	return resp
}

func toProfileResponse(p model.Profile) ProfileResponse {
	return ProfileResponse{
		Address:          p.Address,
		Nickname:         p.Nickname,
		EncryptionPubKey: p.EncryptionPubKey,
		UpdatedAt:        formatTime(p.UpdatedAt),
	}
}

// formatTime renders t as RFC 3339 in UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
