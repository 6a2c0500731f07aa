package intake

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/communisaas/communique-core/auth"
	"github.com/communisaas/communique-core/crypto"
	"github.com/communisaas/communique-core/policy"
	"github.com/communisaas/communique-core/store"
	"github.com/communisaas/communique-core/tee"
)

// Handler exposes the submission intake endpoint.
type Handler struct {
	service *Service
	policy  policy.Table
	auth    auth.Authenticator
	now     func() time.Time
}

// NewHandler creates the intake HTTP handler.
func NewHandler(service *Service, table policy.Table, authenticator auth.Authenticator) *Handler {
	return &Handler{
		service: service,
		policy:  table,
		auth:    authenticator,
		now:     time.Now,
	}
}

// RegisterRoutes registers routes with the provided router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/submissions", h.handleSubmit)
	r.Get("/submissions/{submission_id}", h.handleGetSubmission)
}

// deniedBody is the structured 403 payload. The client uses the error code to
// route the user to re-verification.
type deniedBody struct {
	Error             string `json:"error"`
	CredentialAgeDays int    `json:"credentialAgeDays,omitempty"`
	MaxAgeDays        int    `json:"maxAgeDays,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	session, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !session.Verified {
		writeJSON(w, http.StatusForbidden, deniedBody{Error: "NOT_VERIFIED"})
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Credential freshness is judged per action kind, before field validation.
	kind := policy.ActionKind(req.ActionKind)
	if _, known := h.policy[kind]; !known {
		http.Error(w, "unknown action kind", http.StatusBadRequest)
		return
	}
	decision := h.policy.IsCredentialValidForAction(
		policy.Credential{CreatedAt: session.CredentialIssuedAt}, kind, h.now())
	if !decision.Valid {
		writeJSON(w, http.StatusForbidden, deniedBody{
			Error:             "CREDENTIAL_EXPIRED",
			CredentialAgeDays: int(decision.Age.Hours() / 24),
			MaxAgeDays:        int(decision.MaxAge.Hours() / 24),
		})
		return
	}

	if req.TemplateID == "" {
		http.Error(w, "templateId is required", http.StatusBadRequest)
		return
	}
	if req.ActionID == "" {
		http.Error(w, "actionId is required", http.StatusBadRequest)
		return
	}
	if req.Nullifier == "" {
		http.Error(w, "nullifier is required", http.StatusBadRequest)
		return
	}
	if len(req.Proof) == 0 {
		http.Error(w, "proof is required", http.StatusBadRequest)
		return
	}
	if len(req.EncryptedWitness) == 0 || len(req.WitnessNonce) == 0 || len(req.EphemeralPublicKey) == 0 {
		http.Error(w, "encrypted witness, nonce and ephemeral key are required", http.StatusBadRequest)
		return
	}
	if req.TEEKeyID == "" {
		http.Error(w, "teeKeyId is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.Submit(r.Context(), session.UserID, &req)
	switch {
	case errors.Is(err, crypto.ErrNotFieldElement):
		http.Error(w, "nullifier is not a valid field element", http.StatusBadRequest)
		return
	case errors.Is(err, ErrUnknownTemplate):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, tee.ErrUnknownKey):
		http.Error(w, "unknown tee key id", http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrNullifierConflict):
		http.Error(w, "nullifier already used", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// submissionView is the status surface for one submission. The encrypted
// witness and proof are never echoed back.
type submissionView struct {
	SubmissionID       string                   `json:"submissionId"`
	TemplateID         string                   `json:"templateId"`
	DeliveryStatus     store.DeliveryStatus     `json:"deliveryStatus"`
	VerificationStatus store.VerificationStatus `json:"verificationStatus"`
	ConfirmationID     string                   `json:"confirmationId,omitempty"`
	DeliveryError      string                   `json:"deliveryError,omitempty"`
	CreatedAt          time.Time                `json:"createdAt"`
	DeliveredAt        *time.Time               `json:"deliveredAt,omitempty"`
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	session, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	sub, err := h.service.store.GetSubmission(r.Context(), chi.URLParam(r, "submission_id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	// Submissions are pseudonymous; only the submitting identity may read the
	// status record back.
	if sub.PseudonymousID != crypto.DerivePseudonym(h.service.pseudonymKey, session.UserID) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, submissionView{
		SubmissionID:       sub.ID,
		TemplateID:         sub.TemplateID,
		DeliveryStatus:     sub.DeliveryStatus,
		VerificationStatus: sub.VerificationStatus,
		ConfirmationID:     sub.ConfirmationID,
		DeliveryError:      sub.DeliveryError,
		CreatedAt:          sub.CreatedAt,
		DeliveredAt:        sub.DeliveredAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
