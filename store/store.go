package store

import (
	"context"
	"errors"
	"time"
)

// DeliveryStatus tracks a submission through the delivery state machine.
// Transitions only move forward: pending -> processing -> terminal.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryPartial    DeliveryStatus = "partial"
	DeliveryFailed     DeliveryStatus = "failed"
)

// VerificationStatus tracks proof verification, performed out of band.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// RecipientStatus tracks one recipient's delivery outcome.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientInflight  RecipientStatus = "inflight"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientFailed    RecipientStatus = "failed"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNullifierConflict indicates the nullifier was already spent by a
	// different logical action. Permanent; never retried with the same nullifier.
	ErrNullifierConflict = errors.New("nullifier already used")
)

// Registration is a user's leaf registration in the district tree.
// One-to-one with a user; immutable once created until it expires.
type Registration struct {
	UserID       string
	LeafHash     string
	LeafIndex    uint64
	MerkleRoot   string
	MerklePath   []string
	RegisteredAt time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the registration's validity window has passed.
func (r *Registration) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Submission is the unit of work for one civic action. Created in pending by
// intake; transitioned by the delivery worker; never deleted.
type Submission struct {
	ID                 string
	PseudonymousID     string
	TemplateID         string
	ActionID           string
	Proof              []byte
	PublicInputs       []string
	Nullifier          string
	EncryptedWitness   []byte
	WitnessNonce       []byte
	EphemeralPublicKey []byte
	TEEKeyID           string
	IdempotencyKey     string
	DeliveryStatus     DeliveryStatus
	VerificationStatus VerificationStatus
	ConfirmationID     string
	DeliveryError      string
	CreatedAt          time.Time
	// ProcessingStartedAt is set on the pending->processing transition; the
	// sweeper judges stuckness by it, not by CreatedAt, so a submission that
	// waited in the queue is not instantly stuck.
	ProcessingStartedAt *time.Time
	DeliveredAt         *time.Time
}

// RecipientOutcome is one recipient's delivery record for a submission.
// Persisted independently so re-invocation can skip delivered recipients.
type RecipientOutcome struct {
	SubmissionID   string
	RecipientID    string
	RecipientName  string
	Status         RecipientStatus
	ConfirmationID string
	Error          string
	UpdatedAt      time.Time
}

// Template is a message template referenced by submissions.
type Template struct {
	ID        string
	Title     string
	Body      string
	CreatedAt time.Time
}

// Store is the persistence contract for the submission pipeline.
type Store interface {
	// UpsertRegistration inserts the registration if the user has none and
	// returns the stored row. created is false when a row already existed;
	// the existing row is returned unchanged in that case.
	UpsertRegistration(ctx context.Context, reg *Registration) (stored *Registration, created bool, err error)

	// GetRegistration returns a user's registration or ErrNotFound.
	GetRegistration(ctx context.Context, userID string) (*Registration, error)

	// CreateSubmission atomically creates a pending submission. If sub's
	// idempotency key matches an existing row, that row is returned verbatim
	// with created=false. A duplicate nullifier returns ErrNullifierConflict.
	// Exactly one of N concurrent creates with the same nullifier succeeds.
	CreateSubmission(ctx context.Context, sub *Submission) (stored *Submission, created bool, err error)

	// GetSubmission returns a submission by id or ErrNotFound.
	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// TransitionDelivery performs a guarded state transition and reports
	// whether the row was in the expected prior state. A false return means
	// another invocation already moved the submission on. Entering processing
	// records ProcessingStartedAt.
	TransitionDelivery(ctx context.Context, id string, from, to DeliveryStatus) (bool, error)

	// FinalizeDelivery moves a processing submission to a terminal state,
	// recording the first confirmation id and a sanitized error. deliveredAt
	// is set only for delivered/partial outcomes.
	FinalizeDelivery(ctx context.Context, id string, to DeliveryStatus, confirmationID, deliveryError string) (bool, error)

	// SetVerificationStatus records the out-of-band proof verification result.
	SetVerificationStatus(ctx context.Context, id string, status VerificationStatus) error

	// ClaimRecipientDelivery attempts to claim one recipient for this
	// invocation by moving its outcome to inflight. The claim wins when no
	// outcome exists yet or the existing outcome is pending or failed; a
	// false return means another invocation holds the recipient (inflight)
	// or it is already delivered. Exactly one of N racing claims succeeds.
	ClaimRecipientDelivery(ctx context.Context, submissionID, recipientID, recipientName string) (bool, error)

	// UpsertRecipientOutcome records one recipient's delivery state.
	UpsertRecipientOutcome(ctx context.Context, outcome *RecipientOutcome) error

	// ListRecipientOutcomes returns all recipient outcomes for a submission.
	ListRecipientOutcomes(ctx context.Context, submissionID string) ([]*RecipientOutcome, error)

	// ListStuckProcessing returns ids of submissions whose processing began
	// before the cutoff, for sweeper re-invocation.
	ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]string, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// TemplateExists reports whether a message template is known.
	TemplateExists(ctx context.Context, templateID string) (bool, error)

	// SaveTemplate creates or updates a message template.
	SaveTemplate(ctx context.Context, tmpl *Template) error

	// Close releases the underlying resources.
	Close() error
}
