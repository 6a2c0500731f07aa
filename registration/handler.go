package registration

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/communisaas/communique-core/atlas"
	"github.com/communisaas/communique-core/auth"
	"github.com/communisaas/communique-core/crypto"
	"github.com/communisaas/communique-core/engagement"
)

// Handler exposes the registration and auxiliary proof endpoints.
type Handler struct {
	service *Service
	proxy   *engagement.Proxy
	auth    auth.Authenticator
}

// NewHandler creates the registration HTTP handler.
func NewHandler(service *Service, proxy *engagement.Proxy, authenticator auth.Authenticator) *Handler {
	return &Handler{service: service, proxy: proxy, auth: authenticator}
}

// RegisterRoutes registers routes with the provided router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/registration/register", h.handleRegister)
	r.Get("/proofs/engagement", h.handleEngagementProof)
	r.Get("/proofs/cell/{cell_id}", h.handleCellProof)
}

type registerBody struct {
	LeafHash string `json:"leafHash"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	session, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !session.Verified {
		http.Error(w, "identity verification required", http.StatusForbidden)
		return
	}

	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.Register(r.Context(), session.UserID, body.LeafHash)
	switch {
	case errors.Is(err, crypto.ErrNotFieldElement):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, atlas.ErrUnavailable):
		http.Error(w, "registration service unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *Handler) handleEngagementProof(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	commitment := r.URL.Query().Get("identityCommitment")
	if _, err := crypto.ParseFieldElement(commitment); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Never fails: degrades to the tier-0 default on upstream trouble.
	proof := h.proxy.GetEngagementProof(r.Context(), r.URL.Query().Get("signerAddress"), commitment)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(proof)
}

func (h *Handler) handleCellProof(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	proof, err := h.proxy.GetCellProof(r.Context(), chi.URLParam(r, "cell_id"))
	if err != nil {
		// One generic answer for every failure mode.
		http.Error(w, "cell proof unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(proof)
}
