package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/communisaas/communique-core/congress"
	"github.com/communisaas/communique-core/metrics"
	"github.com/communisaas/communique-core/store"
	"github.com/communisaas/communique-core/tee"
)

// Sanitized error strings persisted to submission rows. Raw upstream errors
// are logged server-side only and never shown to end users.
const (
	errMsgDecryption = "witness could not be decrypted"
	errMsgResolution = "recipient resolution failed"
	errMsgPartial    = "delivery to some recipients failed"
	errMsgAllFailed  = "delivery failed for all recipients"
	errMsgInternal   = "delivery processing failed"
)

// DefaultRecipientTimeout bounds each individual delivery call.
const DefaultRecipientTimeout = 30 * time.Second

// witnessPayload is the decrypted witness content.
type witnessPayload struct {
	Address congress.Address `json:"address"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
}

// Worker processes submission deliveries.
type Worker struct {
	decrypter        tee.Decrypter
	resolver         congress.Resolver
	deliverer        congress.Deliverer
	recipientTimeout time.Duration
	log              *slog.Logger
}

// NewWorker creates a delivery worker.
func NewWorker(decrypter tee.Decrypter, resolver congress.Resolver, deliverer congress.Deliverer, log *slog.Logger) *Worker {
	return &Worker{
		decrypter:        decrypter,
		resolver:         resolver,
		deliverer:        deliverer,
		recipientTimeout: DefaultRecipientTimeout,
		log:              log,
	}
}

// ProcessSubmissionDelivery drives one submission through the delivery state
// machine. It never propagates errors: it runs detached from any caller, so
// failures are logged and persisted on the submission row instead.
func (w *Worker) ProcessSubmissionDelivery(ctx context.Context, submissionID string, st store.Store) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("delivery worker panic", "submissionId", submissionID, "panic", r)
			w.finalize(ctx, st, submissionID, store.DeliveryFailed, "", errMsgInternal)
		}
	}()

	if err := w.process(ctx, submissionID, st); err != nil {
		w.log.Error("delivery processing failed", "submissionId", submissionID, "err", err)
	}
}

func (w *Worker) process(ctx context.Context, submissionID string, st store.Store) error {
	sub, err := st.GetSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("loading submission: %w", err)
	}

	// processing is set before any external call so a crash mid-delivery is
	// observable as stuck rather than silently lost.
	moved, err := st.TransitionDelivery(ctx, submissionID, store.DeliveryPending, store.DeliveryProcessing)
	if err != nil {
		return fmt.Errorf("transitioning to processing: %w", err)
	}
	if !moved {
		// Re-invocation of a stuck processing row is allowed; terminal rows
		// are not touched again.
		if sub.DeliveryStatus != store.DeliveryProcessing {
			w.log.Info("submission already settled", "submissionId", submissionID, "status", sub.DeliveryStatus)
			return nil
		}
	}

	plaintext, err := w.decrypter.Decrypt(sub.TEEKeyID, sub.EphemeralPublicKey, sub.WitnessNonce, sub.EncryptedWitness)
	if err != nil {
		// Fails closed: a tampered or mis-keyed witness is fatal for this
		// submission and never silently ignored.
		w.log.Error("witness decryption failed", "submissionId", submissionID, "teeKeyId", sub.TEEKeyID, "err", err)
		w.finalize(ctx, st, submissionID, store.DeliveryFailed, "", errMsgDecryption)
		return nil
	}

	var witness witnessPayload
	if err := json.Unmarshal(plaintext, &witness); err != nil {
		w.log.Error("witness payload malformed", "submissionId", submissionID, "err", err)
		w.finalize(ctx, st, submissionID, store.DeliveryFailed, "", errMsgDecryption)
		return nil
	}

	recipients, err := w.resolver.ResolveRecipients(ctx, witness.Address)
	if err != nil {
		w.log.Error("recipient resolution failed", "submissionId", submissionID, "err", err)
		w.finalize(ctx, st, submissionID, store.DeliveryFailed, "", errMsgResolution)
		return nil
	}

	var wg sync.WaitGroup
	for _, recipient := range recipients {
		// The claim is the double-delivery guard: when two invocations of the
		// same stuck submission race, the conditional inflight write lets
		// exactly one of them own each recipient. Delivered recipients are
		// never claimable, so re-invocation skips them too.
		claimed, err := st.ClaimRecipientDelivery(ctx, submissionID, recipient.ID, recipient.Name)
		if err != nil {
			w.log.Error("claiming recipient", "submissionId", submissionID, "recipient", recipient.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}

		wg.Add(1)
		go func(recipient congress.Recipient) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, w.recipientTimeout)
			defer cancel()

			start := time.Now()
			conf, err := w.deliverer.Deliver(callCtx, congress.Message{
				Recipient:   recipient,
				Subject:     witness.Subject,
				Body:        witness.Body,
				Constituent: witness.Address,
				TemplateID:  sub.TemplateID,
			})
			metrics.RecipientDeliveryDuration.Observe(time.Since(start).Seconds())

			outcome := &store.RecipientOutcome{
				SubmissionID:  submissionID,
				RecipientID:   recipient.ID,
				RecipientName: recipient.Name,
			}
			if err != nil {
				// One recipient's failure never blocks another's success.
				w.log.Error("recipient delivery failed", "submissionId", submissionID, "recipient", recipient.ID, "err", err)
				outcome.Status = store.RecipientFailed
				outcome.Error = "delivery failed"
			} else {
				outcome.Status = store.RecipientDelivered
				outcome.ConfirmationID = conf.ConfirmationID
			}

			if err := st.UpsertRecipientOutcome(ctx, outcome); err != nil {
				w.log.Error("recording recipient outcome", "submissionId", submissionID, "recipient", recipient.ID, "err", err)
			}
		}(recipient)
	}
	wg.Wait()

	// The terminal state is computed from persisted outcomes, not local
	// counters, so concurrent invocations agree on the aggregate. Recipients
	// another invocation still holds inflight mean that invocation finalizes.
	outcomes, err := st.ListRecipientOutcomes(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("listing recipient outcomes: %w", err)
	}

	var delivered, failed int
	var firstConf string
	for _, outcome := range outcomes {
		switch outcome.Status {
		case store.RecipientInflight:
			w.log.Info("recipients still inflight elsewhere, deferring finalize", "submissionId", submissionID)
			return nil
		case store.RecipientDelivered:
			delivered++
			if firstConf == "" {
				firstConf = outcome.ConfirmationID
			}
		case store.RecipientFailed:
			failed++
		}
	}

	status, deliveryError := aggregate(delivered, failed)
	w.finalize(ctx, st, submissionID, status, firstConf, deliveryError)
	return nil
}

// aggregate maps recipient counts to the submission's terminal state.
func aggregate(delivered, failed int) (store.DeliveryStatus, string) {
	switch {
	case delivered > 0 && failed == 0:
		return store.DeliveryDelivered, ""
	case delivered > 0:
		return store.DeliveryPartial, errMsgPartial
	default:
		return store.DeliveryFailed, errMsgAllFailed
	}
}

func (w *Worker) finalize(ctx context.Context, st store.Store, submissionID string, status store.DeliveryStatus, confirmationID, deliveryError string) {
	settled, err := st.FinalizeDelivery(ctx, submissionID, status, confirmationID, deliveryError)
	if err != nil {
		w.log.Error("finalizing delivery", "submissionId", submissionID, "err", err)
		return
	}
	if !settled {
		// A racing invocation settled the row first; its outcome stands.
		w.log.Info("submission settled by concurrent invocation", "submissionId", submissionID)
		return
	}
	metrics.DeliveryOutcomes.WithLabelValues(string(status)).Inc()
}
