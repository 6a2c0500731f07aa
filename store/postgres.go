package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `envconfig:"PGHOST" default:"localhost"`
	Port     int    `envconfig:"PGPORT" default:"5432"`
	User     string `envconfig:"PGUSER" default:"communique"`
	Password string `envconfig:"PGPASSWORD"`
	Database string `envconfig:"PGDATABASE" default:"communique"`
	SSLMode  string `envconfig:"PGSSLMODE"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore creates a new PostgreSQL-backed store and runs migrations.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		user_id VARCHAR(128) PRIMARY KEY,
		leaf_hash VARCHAR(128) NOT NULL,
		leaf_index BIGINT NOT NULL,
		merkle_root VARCHAR(128) NOT NULL,
		merkle_path TEXT[] NOT NULL,
		registered_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_templates (
		id VARCHAR(128) PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id VARCHAR(64) PRIMARY KEY,
		pseudonymous_id VARCHAR(128) NOT NULL,
		template_id VARCHAR(128) NOT NULL,
		action_id VARCHAR(128) NOT NULL DEFAULT '',
		proof BYTEA NOT NULL,
		public_inputs TEXT[] NOT NULL,
		nullifier VARCHAR(128) NOT NULL,
		encrypted_witness BYTEA NOT NULL,
		witness_nonce BYTEA NOT NULL,
		ephemeral_public_key BYTEA NOT NULL,
		tee_key_id VARCHAR(64) NOT NULL,
		idempotency_key VARCHAR(128),
		delivery_status VARCHAR(16) NOT NULL DEFAULT 'pending',
		verification_status VARCHAR(16) NOT NULL DEFAULT 'pending',
		confirmation_id VARCHAR(128) NOT NULL DEFAULT '',
		delivery_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		processing_started_at TIMESTAMP WITH TIME ZONE,
		delivered_at TIMESTAMP WITH TIME ZONE,
		CONSTRAINT submissions_nullifier_unique UNIQUE (nullifier),
		CONSTRAINT submissions_idempotency_key_unique UNIQUE (idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_delivery_status ON submissions(delivery_status);
	CREATE INDEX IF NOT EXISTS idx_submissions_created ON submissions(created_at);

	CREATE TABLE IF NOT EXISTS delivery_outcomes (
		submission_id VARCHAR(64) NOT NULL REFERENCES submissions(id),
		recipient_id VARCHAR(128) NOT NULL,
		recipient_name TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		confirmation_id VARCHAR(128) NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (submission_id, recipient_id)
	);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// UpsertRegistration inserts the registration unless the user already has one.
// The unique constraint on user_id makes concurrent first registrations safe:
// exactly one insert wins and the loser reads the winner's row.
func (s *PostgresStore) UpsertRegistration(ctx context.Context, reg *Registration) (*Registration, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (user_id, leaf_hash, leaf_index, merkle_root, merkle_path, registered_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO NOTHING
	`, reg.UserID, reg.LeafHash, int64(reg.LeafIndex), reg.MerkleRoot, pq.Array(reg.MerklePath), reg.RegisteredAt, reg.ExpiresAt)
	if err != nil {
		return nil, false, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if inserted > 0 {
		return reg, true, nil
	}

	stored, err := s.GetRegistration(ctx, reg.UserID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// GetRegistration returns a user's registration or ErrNotFound.
func (s *PostgresStore) GetRegistration(ctx context.Context, userID string) (*Registration, error) {
	var (
		reg       Registration
		leafIndex int64
		path      pq.StringArray
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, leaf_hash, leaf_index, merkle_root, merkle_path, registered_at, expires_at
		FROM registrations WHERE user_id = $1
	`, userID).Scan(&reg.UserID, &reg.LeafHash, &leafIndex, &reg.MerkleRoot, &path, &reg.RegisteredAt, &reg.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	reg.LeafIndex = uint64(leafIndex)
	reg.MerklePath = []string(path)
	return &reg, nil
}

// CreateSubmission creates a pending submission inside a single transaction.
// The idempotency-key lookup and the insert run under the same transaction;
// the unique constraints are the correctness mechanism under concurrency, not
// the lookup.
func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *Submission) (*Submission, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	if sub.IdempotencyKey != "" {
		existing, err := s.getSubmissionTx(ctx, tx, "idempotency_key", sub.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	var idemKey sql.NullString
	if sub.IdempotencyKey != "" {
		idemKey = sql.NullString{String: sub.IdempotencyKey, Valid: true}
	}

	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions
			(id, pseudonymous_id, template_id, action_id, proof, public_inputs, nullifier,
			 encrypted_witness, witness_nonce, ephemeral_public_key, tee_key_id, idempotency_key,
			 delivery_status, verification_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, sub.ID, sub.PseudonymousID, sub.TemplateID, sub.ActionID, sub.Proof, pq.Array(sub.PublicInputs),
		sub.Nullifier, sub.EncryptedWitness, sub.WitnessNonce, sub.EphemeralPublicKey, sub.TEEKeyID,
		idemKey, string(DeliveryPending), string(VerificationPending), createdAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if strings.Contains(pqErr.Constraint, "nullifier") {
				return nil, false, ErrNullifierConflict
			}
			// Idempotency-key race: another transaction inserted the same
			// logical request between our lookup and insert. Return its row.
			if sub.IdempotencyKey != "" {
				existing, lookupErr := s.GetSubmissionByIdempotencyKey(ctx, sub.IdempotencyKey)
				if lookupErr == nil {
					return existing, false, nil
				}
			}
		}
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	stored := *sub
	stored.DeliveryStatus = DeliveryPending
	stored.VerificationStatus = VerificationPending
	stored.CreatedAt = createdAt
	return &stored, true, nil
}

const submissionColumns = `
	id, pseudonymous_id, template_id, action_id, proof, public_inputs, nullifier,
	encrypted_witness, witness_nonce, ephemeral_public_key, tee_key_id, idempotency_key,
	delivery_status, verification_status, confirmation_id, delivery_error, created_at,
	processing_started_at, delivered_at`

func scanSubmission(row *sql.Row) (*Submission, error) {
	var (
		sub          Submission
		inputs       pq.StringArray
		idemKey      sql.NullString
		processingAt sql.NullTime
		deliveredAt  sql.NullTime
	)

	err := row.Scan(&sub.ID, &sub.PseudonymousID, &sub.TemplateID, &sub.ActionID, &sub.Proof,
		&inputs, &sub.Nullifier, &sub.EncryptedWitness, &sub.WitnessNonce, &sub.EphemeralPublicKey,
		&sub.TEEKeyID, &idemKey, &sub.DeliveryStatus, &sub.VerificationStatus,
		&sub.ConfirmationID, &sub.DeliveryError, &sub.CreatedAt, &processingAt, &deliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sub.PublicInputs = []string(inputs)
	if idemKey.Valid {
		sub.IdempotencyKey = idemKey.String
	}
	if processingAt.Valid {
		t := processingAt.Time
		sub.ProcessingStartedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		sub.DeliveredAt = &t
	}
	return &sub, nil
}

func (s *PostgresStore) getSubmissionTx(ctx context.Context, tx *sql.Tx, column, value string) (*Submission, error) {
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE %s = $1", submissionColumns, column)
	return scanSubmission(tx.QueryRowContext(ctx, query, value))
}

// GetSubmission returns a submission by id or ErrNotFound.
func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE id = $1", submissionColumns)
	return scanSubmission(s.db.QueryRowContext(ctx, query, id))
}

// GetSubmissionByIdempotencyKey returns the submission created under the key.
func (s *PostgresStore) GetSubmissionByIdempotencyKey(ctx context.Context, key string) (*Submission, error) {
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE idempotency_key = $1", submissionColumns)
	return scanSubmission(s.db.QueryRowContext(ctx, query, key))
}

// TransitionDelivery performs a guarded state transition. Entering processing
// stamps processing_started_at so the sweeper measures stuckness from when
// work actually began, not from row creation.
func (s *PostgresStore) TransitionDelivery(ctx context.Context, id string, from, to DeliveryStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET delivery_status = $3,
			processing_started_at = CASE WHEN $3 = 'processing' THEN NOW() ELSE processing_started_at END
		WHERE id = $1 AND delivery_status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// FinalizeDelivery moves a processing submission to a terminal state.
func (s *PostgresStore) FinalizeDelivery(ctx context.Context, id string, to DeliveryStatus, confirmationID, deliveryError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET delivery_status = $2,
			confirmation_id = $3,
			delivery_error = $4,
			delivered_at = CASE WHEN $2 IN ('delivered', 'partial') THEN NOW() ELSE delivered_at END
		WHERE id = $1 AND delivery_status = 'processing'
	`, id, string(to), confirmationID, deliveryError)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// SetVerificationStatus records the proof verification result.
func (s *PostgresStore) SetVerificationStatus(ctx context.Context, id string, status VerificationStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET verification_status = $2 WHERE id = $1
	`, id, string(status))
	return err
}

// ClaimRecipientDelivery claims a recipient for this invocation with a
// conditional write: the insert wins on a fresh recipient, and the conflict
// update wins only over a pending or failed outcome. Two racing invocations
// resolve to exactly one claim because both run against the same row.
func (s *PostgresStore) ClaimRecipientDelivery(ctx context.Context, submissionID, recipientID, recipientName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_outcomes (submission_id, recipient_id, recipient_name, status, updated_at)
		VALUES ($1, $2, $3, 'inflight', NOW())
		ON CONFLICT (submission_id, recipient_id) DO UPDATE SET
			status = 'inflight',
			updated_at = NOW()
		WHERE delivery_outcomes.status IN ('pending', 'failed')
	`, submissionID, recipientID, recipientName)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// UpsertRecipientOutcome records one recipient's delivery state.
func (s *PostgresStore) UpsertRecipientOutcome(ctx context.Context, outcome *RecipientOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_outcomes
			(submission_id, recipient_id, recipient_name, status, confirmation_id, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (submission_id, recipient_id) DO UPDATE SET
			status = EXCLUDED.status,
			confirmation_id = EXCLUDED.confirmation_id,
			error = EXCLUDED.error,
			updated_at = NOW()
	`, outcome.SubmissionID, outcome.RecipientID, outcome.RecipientName,
		string(outcome.Status), outcome.ConfirmationID, outcome.Error)
	return err
}

// ListRecipientOutcomes returns all recipient outcomes for a submission.
func (s *PostgresStore) ListRecipientOutcomes(ctx context.Context, submissionID string) ([]*RecipientOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, recipient_id, recipient_name, status, confirmation_id, error, updated_at
		FROM delivery_outcomes WHERE submission_id = $1
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RecipientOutcome
	for rows.Next() {
		var outcome RecipientOutcome
		if err := rows.Scan(&outcome.SubmissionID, &outcome.RecipientID, &outcome.RecipientName,
			&outcome.Status, &outcome.ConfirmationID, &outcome.Error, &outcome.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result = append(result, &outcome)
	}

	return result, rows.Err()
}

// ListStuckProcessing returns ids of submissions whose processing began
// before the cutoff.
func (s *PostgresStore) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM submissions
		WHERE delivery_status = 'processing' AND processing_started_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TemplateExists reports whether a message template is known.
func (s *PostgresStore) TemplateExists(ctx context.Context, templateID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM message_templates WHERE id = $1)
	`, templateID).Scan(&exists)
	return exists, err
}

// SaveTemplate creates or updates a message template.
func (s *PostgresStore) SaveTemplate(ctx context.Context, tmpl *Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_templates (id, title, body) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, body = EXCLUDED.body
	`, tmpl.ID, tmpl.Title, tmpl.Body)
	return err
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
