package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communisaas/communique-core/congress"
	"github.com/communisaas/communique-core/crypto"
	"github.com/communisaas/communique-core/store"
	"github.com/communisaas/communique-core/tee"
)

type stubResolver struct {
	recipients []congress.Recipient
	err        error
}

func (r *stubResolver) ResolveRecipients(ctx context.Context, addr congress.Address) ([]congress.Recipient, error) {
	return r.recipients, r.err
}

type stubDeliverer struct {
	mu      sync.Mutex
	failFor map[string]bool
	delay   time.Duration
	calls   []string
}

func (d *stubDeliverer) Deliver(ctx context.Context, msg congress.Message) (*congress.Confirmation, error) {
	d.mu.Lock()
	d.calls = append(d.calls, msg.Recipient.ID)
	fail := d.failFor[msg.Recipient.ID]
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if fail {
		return nil, fmt.Errorf("office %s rejected the message", msg.Recipient.ID)
	}
	return &congress.Confirmation{ConfirmationID: "conf-" + msg.Recipient.ID}, nil
}

func (d *stubDeliverer) countFor(recipientID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.calls {
		if id == recipientID {
			n++
		}
	}
	return n
}

func threeRecipients() []congress.Recipient {
	return []congress.Recipient{
		{ID: "S001", Name: "Senator One", Chamber: "senate"},
		{ID: "S002", Name: "Senator Two", Chamber: "senate"},
		{ID: "H001", Name: "Representative One", Chamber: "house", District: "CA-12"},
	}
}

// sealTestSubmission creates a pending submission whose witness decrypts with
// the returned key store.
func sealTestSubmission(t *testing.T, st store.Store, tamper bool) (*store.Submission, *tee.KeyStore) {
	t.Helper()

	keys := tee.NewKeyStore(nil)
	info, err := keys.GenerateKey()
	require.NoError(t, err)

	pub, err := tee.ParseExchangeKey(info.ExchangeKey)
	require.NoError(t, err)

	payload, err := json.Marshal(witnessPayload{
		Address: congress.Address{Street: "1 Main St", City: "Springfield", State: "CA", Zip: "94000"},
		Subject: "Support the bill",
		Body:    "Please vote yes.",
	})
	require.NoError(t, err)

	sealed, err := crypto.SealWitness(pub, payload)
	require.NoError(t, err)
	if tamper {
		sealed.Ciphertext[0] ^= 0xff
	}

	sub, _, err := st.CreateSubmission(context.Background(), &store.Submission{
		ID:                 "sub-1",
		PseudonymousID:     "pseudo-1",
		TemplateID:         "tmpl-1",
		ActionID:           "act-1",
		Nullifier:          "0x123",
		EncryptedWitness:   sealed.Ciphertext,
		WitnessNonce:       sealed.Nonce,
		EphemeralPublicKey: sealed.EphemeralPubKey,
		TEEKeyID:           info.KeyID,
		IdempotencyKey:     "idem-1",
	})
	require.NoError(t, err)
	return sub, keys
}

func TestProcessAllRecipientsDelivered(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	deliverer := &stubDeliverer{}
	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, deliverer, slog.Default())
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryDelivered, got.DeliveryStatus)
	assert.NotEmpty(t, got.ConfirmationID)
	assert.Empty(t, got.DeliveryError)
	require.NotNil(t, got.DeliveredAt)

	outcomes, err := st.ListRecipientOutcomes(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		assert.Equal(t, store.RecipientDelivered, outcome.Status)
		assert.Equal(t, "conf-"+outcome.RecipientID, outcome.ConfirmationID)
	}
}

func TestProcessPartialDelivery(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	deliverer := &stubDeliverer{failFor: map[string]bool{"S002": true}}
	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, deliverer, slog.Default())
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryPartial, got.DeliveryStatus)
	assert.NotEmpty(t, got.ConfirmationID)
	assert.Equal(t, errMsgPartial, got.DeliveryError)
	assert.NotNil(t, got.DeliveredAt)
}

func TestProcessAllRecipientsFailed(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	deliverer := &stubDeliverer{failFor: map[string]bool{"S001": true, "S002": true, "H001": true}}
	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, deliverer, slog.Default())
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, got.DeliveryStatus)
	assert.Empty(t, got.ConfirmationID)
	assert.Equal(t, errMsgAllFailed, got.DeliveryError)
	assert.Nil(t, got.DeliveredAt)
}

func TestProcessTamperedWitnessFailsClosed(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, true)

	deliverer := &stubDeliverer{}
	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, deliverer, slog.Default())
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, got.DeliveryStatus)
	// Sanitized message only; the raw crypto error stays in the logs.
	assert.Equal(t, errMsgDecryption, got.DeliveryError)

	// No delivery attempt is ever made with an unverifiable witness.
	assert.Empty(t, deliverer.calls)
}

func TestProcessResolutionFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	w := NewWorker(keys, &stubResolver{err: fmt.Errorf("district service down")}, &stubDeliverer{}, slog.Default())
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, got.DeliveryStatus)
	assert.Equal(t, errMsgResolution, got.DeliveryError)
}

func TestReinvocationSkipsDeliveredRecipients(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	// First invocation: one office fails, outcome is partial.
	first := &stubDeliverer{failFor: map[string]bool{"H001": true}}
	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, first, slog.Default())
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryPartial, got.DeliveryStatus)

	// Simulate the sweeper re-opening the stuck row.
	moved, err := st.TransitionDelivery(context.Background(), sub.ID, store.DeliveryPartial, store.DeliveryProcessing)
	require.NoError(t, err)
	require.True(t, moved)

	second := &stubDeliverer{}
	w = NewWorker(keys, &stubResolver{recipients: threeRecipients()}, second, slog.Default())
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)

	// Only the previously failed office is retried.
	assert.Equal(t, []string{"H001"}, second.calls)

	got, err = st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryDelivered, got.DeliveryStatus)
}

func TestConcurrentInvocationsDeliverEachRecipientOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	// A stuck processing row is the one state two invocations can race on:
	// the sweeper re-enqueues it while another invocation may still hold it.
	moved, err := st.TransitionDelivery(context.Background(), sub.ID, store.DeliveryPending, store.DeliveryProcessing)
	require.NoError(t, err)
	require.True(t, moved)

	deliverer := &stubDeliverer{delay: 50 * time.Millisecond}
	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, deliverer, slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)
		}()
	}
	wg.Wait()

	for _, recipient := range threeRecipients() {
		assert.Equal(t, 1, deliverer.countFor(recipient.ID), "recipient %s", recipient.ID)
	}

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryDelivered, got.DeliveryStatus)

	outcomes, err := st.ListRecipientOutcomes(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		assert.Equal(t, store.RecipientDelivered, outcome.Status)
	}
}

func TestTerminalSubmissionNotReprocessed(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	deliverer := &stubDeliverer{}
	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, deliverer, slog.Default())
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)
	require.Len(t, deliverer.calls, 3)

	// A second invocation of the settled submission makes no delivery calls.
	w.ProcessSubmissionDelivery(context.Background(), sub.ID, st)
	assert.Len(t, deliverer.calls, 3)
}

func TestExecutorProcessesEnqueuedSubmission(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, &stubDeliverer{}, slog.Default())
	exec := NewExecutor(w, st, 8, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Start(ctx, 2)
	exec.Enqueue(sub.ID)

	require.Eventually(t, func() bool {
		got, err := st.GetSubmission(context.Background(), sub.ID)
		return err == nil && got.DeliveryStatus == store.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	exec.Wait()
}

func TestExecutorDrainFlushesQueue(t *testing.T) {
	st := store.NewInMemoryStore()
	sub, keys := sealTestSubmission(t, st, false)

	w := NewWorker(keys, &stubResolver{recipients: threeRecipients()}, &stubDeliverer{}, slog.Default())
	exec := NewExecutor(w, st, 8, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Start(ctx, 1)
	exec.Enqueue(sub.ID)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	exec.Drain(drainCtx)
	require.NoError(t, drainCtx.Err(), "queue did not empty within the drain window")

	require.Eventually(t, func() bool {
		got, err := st.GetSubmission(context.Background(), sub.ID)
		return err == nil && got.DeliveryStatus == store.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	exec.Wait()
}
