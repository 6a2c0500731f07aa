package store

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore implements Store without a database. It enforces the same
// uniqueness and transition semantics as the PostgreSQL store under a single
// mutex, so concurrency tests exercise real conflict behavior.
type InMemoryStore struct {
	mu            sync.Mutex
	registrations map[string]*Registration
	submissions   map[string]*Submission
	byNullifier   map[string]string
	byIdemKey     map[string]string
	outcomes      map[string]map[string]*RecipientOutcome
	templates     map[string]*Template
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		registrations: make(map[string]*Registration),
		submissions:   make(map[string]*Submission),
		byNullifier:   make(map[string]string),
		byIdemKey:     make(map[string]string),
		outcomes:      make(map[string]map[string]*RecipientOutcome),
		templates:     make(map[string]*Template),
	}
}

// UpsertRegistration inserts unless the user already has a registration.
func (s *InMemoryStore) UpsertRegistration(_ context.Context, reg *Registration) (*Registration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.registrations[reg.UserID]; ok {
		copied := *existing
		return &copied, false, nil
	}

	copied := *reg
	s.registrations[reg.UserID] = &copied
	result := copied
	return &result, true, nil
}

// GetRegistration returns a user's registration or ErrNotFound.
func (s *InMemoryStore) GetRegistration(_ context.Context, userID string) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registrations[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *reg
	return &copied, nil
}

// CreateSubmission mirrors the transactional create: idempotency replay first,
// then nullifier uniqueness, then insert.
func (s *InMemoryStore) CreateSubmission(_ context.Context, sub *Submission) (*Submission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.IdempotencyKey != "" {
		if id, ok := s.byIdemKey[sub.IdempotencyKey]; ok {
			copied := *s.submissions[id]
			return &copied, false, nil
		}
	}

	if _, ok := s.byNullifier[sub.Nullifier]; ok {
		return nil, false, ErrNullifierConflict
	}

	copied := *sub
	copied.DeliveryStatus = DeliveryPending
	copied.VerificationStatus = VerificationPending
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.submissions[copied.ID] = &copied
	s.byNullifier[copied.Nullifier] = copied.ID
	if copied.IdempotencyKey != "" {
		s.byIdemKey[copied.IdempotencyKey] = copied.ID
	}

	result := copied
	return &result, true, nil
}

// GetSubmission returns a submission by id or ErrNotFound.
func (s *InMemoryStore) GetSubmission(_ context.Context, id string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

// TransitionDelivery performs a guarded state transition.
func (s *InMemoryStore) TransitionDelivery(_ context.Context, id string, from, to DeliveryStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok || sub.DeliveryStatus != from {
		return false, nil
	}
	sub.DeliveryStatus = to
	if to == DeliveryProcessing {
		now := time.Now()
		sub.ProcessingStartedAt = &now
	}
	return true, nil
}

// FinalizeDelivery moves a processing submission to a terminal state.
func (s *InMemoryStore) FinalizeDelivery(_ context.Context, id string, to DeliveryStatus, confirmationID, deliveryError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok || sub.DeliveryStatus != DeliveryProcessing {
		return false, nil
	}

	sub.DeliveryStatus = to
	sub.ConfirmationID = confirmationID
	sub.DeliveryError = deliveryError
	if to == DeliveryDelivered || to == DeliveryPartial {
		now := time.Now()
		sub.DeliveredAt = &now
	}
	return true, nil
}

// SetVerificationStatus records the proof verification result.
func (s *InMemoryStore) SetVerificationStatus(_ context.Context, id string, status VerificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return ErrNotFound
	}
	sub.VerificationStatus = status
	return nil
}

// ClaimRecipientDelivery claims a recipient by moving its outcome to inflight.
// The claim wins when no outcome exists or the existing one is pending or
// failed; delivered and inflight outcomes belong to another invocation.
func (s *InMemoryStore) ClaimRecipientDelivery(_ context.Context, submissionID, recipientID, recipientName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byRecipient, ok := s.outcomes[submissionID]
	if !ok {
		byRecipient = make(map[string]*RecipientOutcome)
		s.outcomes[submissionID] = byRecipient
	}

	if existing, ok := byRecipient[recipientID]; ok {
		if existing.Status != RecipientPending && existing.Status != RecipientFailed {
			return false, nil
		}
		existing.Status = RecipientInflight
		existing.UpdatedAt = time.Now()
		return true, nil
	}

	byRecipient[recipientID] = &RecipientOutcome{
		SubmissionID:  submissionID,
		RecipientID:   recipientID,
		RecipientName: recipientName,
		Status:        RecipientInflight,
		UpdatedAt:     time.Now(),
	}
	return true, nil
}

// UpsertRecipientOutcome records one recipient's delivery state.
func (s *InMemoryStore) UpsertRecipientOutcome(_ context.Context, outcome *RecipientOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byRecipient, ok := s.outcomes[outcome.SubmissionID]
	if !ok {
		byRecipient = make(map[string]*RecipientOutcome)
		s.outcomes[outcome.SubmissionID] = byRecipient
	}

	copied := *outcome
	copied.UpdatedAt = time.Now()
	byRecipient[outcome.RecipientID] = &copied
	return nil
}

// ListRecipientOutcomes returns all recipient outcomes for a submission.
func (s *InMemoryStore) ListRecipientOutcomes(_ context.Context, submissionID string) ([]*RecipientOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*RecipientOutcome
	for _, outcome := range s.outcomes[submissionID] {
		copied := *outcome
		result = append(result, &copied)
	}
	return result, nil
}

// ListStuckProcessing returns ids of submissions whose processing began
// before the cutoff.
func (s *InMemoryStore) ListStuckProcessing(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, sub := range s.submissions {
		if sub.DeliveryStatus != DeliveryProcessing {
			continue
		}
		if sub.ProcessingStartedAt != nil && sub.ProcessingStartedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Ping always succeeds for the in-memory store.
func (s *InMemoryStore) Ping(_ context.Context) error {
	return nil
}

// TemplateExists reports whether a message template is known.
func (s *InMemoryStore) TemplateExists(_ context.Context, templateID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.templates[templateID]
	return ok, nil
}

// SaveTemplate creates or updates a message template.
func (s *InMemoryStore) SaveTemplate(_ context.Context, tmpl *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *tmpl
	s.templates[tmpl.ID] = &copied
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
