package oraclehandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/threshold-key-manager/api"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// maxBodySize bounds share requests. Passkey proofs are the largest bodies.
const maxBodySize = 64 * 1024

// NodeService is the node-side logic behind the HTTP surface.
type NodeService interface {
	IssueShare(ctx context.Context, req *api.ShareRequest) (*api.ShareResponse, error)
	PublicKey(ctx context.Context, verifier, verifierID string) (*api.PublicKeyResponse, error)
}

// Handler exposes one oracle node over HTTP.
type Handler struct {
	node NodeService
	log  *slog.Logger
}

func NewHandler(node NodeService, log *slog.Logger) *Handler {
	return &Handler{
		node: node,
		log:  log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/oracle/shares", h.HandleShare)
	r.Get("/api/oracle/keys/{verifier}/*", h.HandlePublicKey)
}

// HandleShare verifies an identity proof and returns the node's share.
//
// URL format: POST /api/oracle/shares
// Request body: api.ShareRequest
// Response: api.ShareResponse
func (h *Handler) HandleShare(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req api.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.BadRequest(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	if req.Verifier == "" || req.VerifierID == "" || req.SessionPublicKey == "" {
		api.WriteError(w, api.BadRequest(errors.New("verifier, verifierId and sessionPublicKey are required")))
		return
	}

	resp, err := h.node.IssueShare(r.Context(), &req)
	if err != nil {
		if errors.Is(err, interfaces.ErrAuthenticationFailed) {
			h.log.Info("Rejected share request", slog.String("verifier", req.Verifier), "err", err)
		} else {
			h.log.Error("Share request failed", slog.String("verifier", req.Verifier), "err", err)
		}
		api.WriteError(w, err)
		return
	}

	h.writeJSON(w, resp)
}

// HandlePublicKey returns the public key held for an identity.
//
// URL format: GET /api/oracle/keys/{verifier}/{verifierId}
func (h *Handler) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	verifier := chi.URLParam(r, "verifier")
	verifierID := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if verifierID == "" {
		api.WriteError(w, api.BadRequest(errors.New("missing verifier id")))
		return
	}

	resp, err := h.node.PublicKey(r.Context(), verifier, verifierID)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
