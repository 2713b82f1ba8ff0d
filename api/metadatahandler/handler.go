package metadatahandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/threshold-key-manager/api"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler exposes a metadata service over HTTP.
//
// Reads are unauthenticated: records only hold ciphertexts, offsets and
// descriptions. Writes carry a signature per record and are authorized by
// the service, not by the transport.
type Handler struct {
	service interfaces.MetadataTransport
	log     *slog.Logger
}

func NewHandler(service interfaces.MetadataTransport, log *slog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/metadata/records/*", h.HandleGet)
	r.Post("/api/metadata/batch", h.HandleSetBatch)
}

// HandleGet returns the stored envelope of one record.
//
// URL format: GET /api/metadata/records/{id}
// Namespaced ids keep their slash, e.g. /api/metadata/records/passkey/<hex>.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := interfaces.PublicID(chi.URLParam(r, "*"))

	env, err := h.service.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, interfaces.ErrRecordNotFound) {
			h.log.Warn("Metadata read failed", slog.String("publicId", string(id)), "err", err)
		}
		api.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleSetBatch applies a batch of signed record writes.
//
// URL format: POST /api/metadata/batch
// Request body: api.SetBatchRequest
// Response: 204 No Content on success
func (h *Handler) HandleSetBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req api.SetBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.BadRequest(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	if len(req.Writes) == 0 {
		api.WriteError(w, api.BadRequest(errors.New("empty batch")))
		return
	}

	if err := h.service.SetBatch(r.Context(), req.Writes); err != nil {
		api.WriteError(w, err)
		return
	}

	h.log.Info("Applied metadata batch", slog.Int("records", len(req.Writes)))
	w.WriteHeader(http.StatusNoContent)
}
