package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubmission(id, nullifier, idemKey string) *Submission {
	return &Submission{
		ID:                 id,
		PseudonymousID:     "pseudo-1",
		TemplateID:         "t1",
		Proof:              []byte("proof"),
		PublicInputs:       []string{"0x1", "0x2"},
		Nullifier:          nullifier,
		EncryptedWitness:   []byte("witness"),
		WitnessNonce:       []byte("nonce"),
		EphemeralPublicKey: []byte("ephemeral"),
		TEEKeyID:           "key-1",
		IdempotencyKey:     idemKey,
		CreatedAt:          time.Now(),
	}
}

func TestCreateSubmissionNullifierConflict(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, created, err := s.CreateSubmission(ctx, testSubmission("s1", "0xabc", ""))
	require.NoError(t, err)
	assert.True(t, created)

	// Same nullifier, different idempotency key: conflict, never overwritten
	_, _, err = s.CreateSubmission(ctx, testSubmission("s2", "0xabc", "other-key"))
	assert.ErrorIs(t, err, ErrNullifierConflict)

	stored, err := s.GetSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", stored.Nullifier)
}

func TestCreateSubmissionIdempotencyReplay(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, created, err := s.CreateSubmission(ctx, testSubmission("s1", "0xabc", "idem-1"))
	require.NoError(t, err)
	require.True(t, created)

	// Same idempotency key with different fields returns the first row verbatim
	replay, created, err := s.CreateSubmission(ctx, testSubmission("s2", "0xdef", "idem-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, "0xabc", replay.Nullifier)

	// The second nullifier was never recorded
	_, created, err = s.CreateSubmission(ctx, testSubmission("s3", "0xdef", ""))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateSubmissionConcurrentSameNullifier(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.CreateSubmission(ctx, testSubmission(fmt.Sprintf("sub-%d", i), "0xsame", ""))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	successes, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrNullifierConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
}

func TestTransitionDeliveryGuarded(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, _, err := s.CreateSubmission(ctx, testSubmission("s1", "0x1", ""))
	require.NoError(t, err)

	ok, err := s.TransitionDelivery(ctx, "s1", DeliveryPending, DeliveryProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second racing invocation finds the row already moved
	ok, err = s.TransitionDelivery(ctx, "s1", DeliveryPending, DeliveryProcessing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinalizeDelivery(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, _, err := s.CreateSubmission(ctx, testSubmission("s1", "0x1", ""))
	require.NoError(t, err)

	// Finalize requires processing state
	ok, err := s.FinalizeDelivery(ctx, "s1", DeliveryDelivered, "conf-1", "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.TransitionDelivery(ctx, "s1", DeliveryPending, DeliveryProcessing)
	require.NoError(t, err)

	ok, err = s.FinalizeDelivery(ctx, "s1", DeliveryPartial, "conf-1", "some recipients failed")
	require.NoError(t, err)
	assert.True(t, ok)

	sub, err := s.GetSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryPartial, sub.DeliveryStatus)
	assert.Equal(t, "conf-1", sub.ConfirmationID)
	assert.NotNil(t, sub.DeliveredAt)
}

func TestUpsertRegistrationIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	reg := &Registration{
		UserID:       "u1",
		LeafHash:     "0xbeef",
		LeafIndex:    42,
		MerkleRoot:   "0xroot",
		MerklePath:   []string{"0x1", "0x2"},
		RegisteredAt: time.Now(),
		ExpiresAt:    time.Now().Add(180 * 24 * time.Hour),
	}

	stored, created, err := s.UpsertRegistration(ctx, reg)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint64(42), stored.LeafIndex)

	second := &Registration{UserID: "u1", LeafHash: "0xother", LeafIndex: 99}
	stored, created, err = s.UpsertRegistration(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	// The stored row is returned unchanged
	assert.Equal(t, "0xbeef", stored.LeafHash)
	assert.Equal(t, uint64(42), stored.LeafIndex)
}

func TestRecipientOutcomes(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, _, err := s.CreateSubmission(ctx, testSubmission("s1", "0x1", ""))
	require.NoError(t, err)

	require.NoError(t, s.UpsertRecipientOutcome(ctx, &RecipientOutcome{
		SubmissionID: "s1", RecipientID: "rep-1", Status: RecipientPending,
	}))
	require.NoError(t, s.UpsertRecipientOutcome(ctx, &RecipientOutcome{
		SubmissionID: "s1", RecipientID: "rep-1", Status: RecipientDelivered, ConfirmationID: "c1",
	}))

	outcomes, err := s.ListRecipientOutcomes(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, RecipientDelivered, outcomes[0].Status)
	assert.Equal(t, "c1", outcomes[0].ConfirmationID)
}

func TestClaimRecipientDelivery(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, _, err := s.CreateSubmission(ctx, testSubmission("s1", "0x1", ""))
	require.NoError(t, err)

	claimed, err := s.ClaimRecipientDelivery(ctx, "s1", "rep-1", "Rep One")
	require.NoError(t, err)
	assert.True(t, claimed)

	// A racing invocation cannot claim an inflight recipient.
	claimed, err = s.ClaimRecipientDelivery(ctx, "s1", "rep-1", "Rep One")
	require.NoError(t, err)
	assert.False(t, claimed)

	// A delivered recipient is never claimable again.
	require.NoError(t, s.UpsertRecipientOutcome(ctx, &RecipientOutcome{
		SubmissionID: "s1", RecipientID: "rep-1", Status: RecipientDelivered, ConfirmationID: "c1",
	}))
	claimed, err = s.ClaimRecipientDelivery(ctx, "s1", "rep-1", "Rep One")
	require.NoError(t, err)
	assert.False(t, claimed)

	// A failed recipient may be reclaimed for retry.
	require.NoError(t, s.UpsertRecipientOutcome(ctx, &RecipientOutcome{
		SubmissionID: "s1", RecipientID: "rep-2", Status: RecipientFailed, Error: "delivery failed",
	}))
	claimed, err = s.ClaimRecipientDelivery(ctx, "s1", "rep-2", "Rep Two")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestListStuckProcessingUsesProcessingStart(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	// Created an hour ago but only just entered processing: not stuck. Age
	// in the queue must not count toward the stuckness cutoff.
	old := testSubmission("s-old", "0x1", "")
	old.CreatedAt = time.Now().Add(-time.Hour)
	_, _, err := s.CreateSubmission(ctx, old)
	require.NoError(t, err)
	_, err = s.TransitionDelivery(ctx, "s-old", DeliveryPending, DeliveryProcessing)
	require.NoError(t, err)

	ids, err := s.ListStuckProcessing(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Once processing itself has outlived the cutoff the row is stuck.
	ids, err = s.ListStuckProcessing(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"s-old"}, ids)

	// Pending rows are never swept regardless of age.
	pending := testSubmission("s-pending", "0x2", "")
	pending.CreatedAt = time.Now().Add(-time.Hour)
	_, _, err = s.CreateSubmission(ctx, pending)
	require.NoError(t, err)

	ids, err = s.ListStuckProcessing(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"s-old"}, ids)
}
