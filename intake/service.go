package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/communisaas/communique-core/crypto"
	"github.com/communisaas/communique-core/engagement"
	"github.com/communisaas/communique-core/metrics"
	"github.com/communisaas/communique-core/store"
	"github.com/communisaas/communique-core/tee"
)

var (
	// ErrUnknownTemplate indicates the referenced message template does not exist.
	ErrUnknownTemplate = errors.New("unknown message template")
)

// recordActionTimeout bounds the detached tier-promotion call.
const recordActionTimeout = 10 * time.Second

// Request is one civic-action submission.
type Request struct {
	TemplateID         string   `json:"templateId"`
	ActionID           string   `json:"actionId"`
	ActionKind         string   `json:"actionKind"`
	Proof              []byte   `json:"proof"`
	PublicInputs       []string `json:"publicInputs"`
	Nullifier          string   `json:"nullifier"`
	EncryptedWitness   []byte   `json:"encryptedWitness"`
	WitnessNonce       []byte   `json:"witnessNonce"`
	EphemeralPublicKey []byte   `json:"ephemeralPublicKey"`
	TEEKeyID           string   `json:"teeKeyId"`
	IdempotencyKey     string   `json:"idempotencyKey"`
}

// Result is the acceptance response. Status reflects the stored submission,
// not the eventual delivery outcome.
type Result struct {
	SubmissionID string               `json:"submissionId"`
	Status       store.DeliveryStatus `json:"status"`
}

// Enqueuer hands accepted submissions to the delivery workers.
type Enqueuer interface {
	Enqueue(submissionID string)
}

// Service implements submission intake.
type Service struct {
	store        store.Store
	keys         *tee.KeyStore
	engagement   *engagement.Proxy
	executor     Enqueuer
	pseudonymKey []byte
	log          *slog.Logger
}

// NewService creates the intake service. The engagement proxy may be nil, in
// which case tier promotion is skipped.
func NewService(st store.Store, keys *tee.KeyStore, eng *engagement.Proxy, executor Enqueuer, pseudonymKey []byte, log *slog.Logger) *Service {
	return &Service{
		store:        st,
		keys:         keys,
		engagement:   eng,
		executor:     executor,
		pseudonymKey: pseudonymKey,
		log:          log,
	}
}

// Submit validates and persists one submission. The nullifier and idempotency
// invariants are enforced by the store inside a single transaction, so exactly
// one of N racing submissions with the same nullifier is accepted.
func (s *Service) Submit(ctx context.Context, userID string, req *Request) (*Result, error) {
	if _, err := crypto.ParseFieldElement(req.Nullifier); err != nil {
		return nil, err
	}

	exists, err := s.store.TemplateExists(ctx, req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("checking template: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, req.TemplateID)
	}

	// Rejecting an unknown key here, before the row exists, keeps undecryptable
	// submissions out of the delivery queue entirely.
	if !s.keys.HasKey(req.TEEKeyID) {
		return nil, fmt.Errorf("%w: %s", tee.ErrUnknownKey, req.TEEKeyID)
	}

	sub := &store.Submission{
		ID:                 uuid.NewString(),
		PseudonymousID:     crypto.DerivePseudonym(s.pseudonymKey, userID),
		TemplateID:         req.TemplateID,
		ActionID:           req.ActionID,
		Proof:              req.Proof,
		PublicInputs:       req.PublicInputs,
		Nullifier:          req.Nullifier,
		EncryptedWitness:   req.EncryptedWitness,
		WitnessNonce:       req.WitnessNonce,
		EphemeralPublicKey: req.EphemeralPublicKey,
		TEEKeyID:           req.TEEKeyID,
		IdempotencyKey:     req.IdempotencyKey,
	}

	stored, created, err := s.store.CreateSubmission(ctx, sub)
	if err != nil {
		if errors.Is(err, store.ErrNullifierConflict) {
			metrics.NullifierConflicts.Inc()
		}
		return nil, err
	}

	if !created {
		// Idempotent replay: same response as the original request, and no
		// second delivery task or engagement action.
		metrics.SubmissionsReplayed.Inc()
		return &Result{SubmissionID: stored.ID, Status: stored.DeliveryStatus}, nil
	}

	metrics.SubmissionsCreated.Inc()

	// Tier promotion is detached from the request: it must never delay or fail
	// an accepted submission.
	if s.engagement != nil {
		pseudonymousID, actionKind := stored.PseudonymousID, req.ActionKind
		go func() {
			actionCtx, cancel := context.WithTimeout(context.Background(), recordActionTimeout)
			defer cancel()
			s.engagement.RecordAction(actionCtx, pseudonymousID, actionKind)
		}()
	}

	s.executor.Enqueue(stored.ID)

	return &Result{SubmissionID: stored.ID, Status: stored.DeliveryStatus}, nil
}
