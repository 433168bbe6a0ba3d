// Package webhookd ingests asynchronous processor callbacks. Signature
// verification and the sentinel-insert dedup decision happen inside the
// request budget; heavier side effects go through the notify queue.
package webhookd

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"escrowd/audit"
	"escrowd/fsm"
	"escrowd/observability"
	"escrowd/store"
)

// Event types delivered by the processor.
const (
	EventPaymentSucceeded     = "payment_succeeded"
	EventPaymentFailed        = "payment_failed"
	EventAccountStatusChanged = "account_status_changed"
	EventTransferCreated      = "transfer_created"
)

// Ingestion outcomes reported to the HTTP layer.
const (
	OutcomeProcessed        = "processed"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeDuplicate        = "duplicate"
	OutcomeIgnored          = "ignored"
)

var (
	// ErrInvalidSignature rejects unsigned or mis-signed deliveries outright;
	// nothing is audited for them.
	ErrInvalidSignature = apperrors.New("webhook signature is missing or invalid", apperrors.CategoryValidation).
				WithTextCode("INVALID_WEBHOOK_SIGNATURE")
	// ErrInvalidPayload rejects deliveries whose body cannot be interpreted.
	ErrInvalidPayload = apperrors.New("webhook payload is malformed", apperrors.CategoryValidation).
				WithTextCode("INVALID_WEBHOOK_PAYLOAD")
	// ErrDuplicateEvent reports that the event id was already claimed.
	ErrDuplicateEvent = apperrors.New("webhook event was already processed", apperrors.CategoryConflict).
				WithTextCode("DUPLICATE_WEBHOOK_EVENT")
)

// Event is the minimal envelope shared by all processor callbacks.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	PaymentRef string          `json:"payment_ref"`
	AccountID  string          `json:"account_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Dispatcher mirrors the orchestrator's fire-and-forget job boundary.
type Dispatcher interface {
	Enqueue(job string, payload map[string]any)
}

// Ingestor deduplicates and applies processor events. At-least-once delivery
// and concurrent duplicates collapse to at most one execution of the
// event-specific business logic, enforced by the audit trail's unique
// external event id.
type Ingestor struct {
	secret   []byte
	audit    *audit.Recorder
	store    *store.Store
	dispatch Dispatcher
	log      *slog.Logger
}

// NewIngestor constructs a webhook ingestor. The shared secret must match the
// processor's webhook signing configuration.
func NewIngestor(secret string, recorder *audit.Recorder, st *store.Store, dispatch Dispatcher, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		secret:   []byte(strings.TrimSpace(secret)),
		audit:    recorder,
		store:    st,
		dispatch: dispatch,
		log:      log,
	}
}

// VerifySignature checks the hex-encoded HMAC-SHA256 of the raw body.
func (i *Ingestor) VerifySignature(body []byte, signature string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || len(i.secret) == 0 {
		return false
	}
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}

// Ingest validates, deduplicates and applies one delivery. The returned
// outcome distinguishes first-time processing from replays so the HTTP layer
// can answer duplicates with a cheap acknowledgement.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (string, error) {
	metrics := observability.Escrow()

	if !i.VerifySignature(body, signature) {
		metrics.RecordWebhook("invalid_signature")
		return "", ErrInvalidSignature
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.RecordWebhook("invalid_payload")
		invalid := ErrInvalidPayload.Clone()
		invalid.Source = err
		return "", invalid
	}
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		metrics.RecordWebhook("invalid_payload")
		invalid := ErrInvalidPayload.Clone()
		invalid.Message = "webhook event id is required"
		return "", invalid
	}

	seen, err := i.audit.HasEvent(ctx, eventID)
	if err != nil {
		storage := fsm.ErrStorageFailure.Clone()
		storage.Source = err
		return "", storage
	}
	if seen {
		metrics.RecordWebhook("already_processed")
		return OutcomeAlreadyProcessed, nil
	}

	// Resolving the target row is a read, not business logic; the sentinel
	// still precedes every write the event triggers.
	entityID := i.resolveEntity(ctx, event)

	if err := i.audit.InsertSentinel(ctx, eventID, fsm.KindEscrow, entityID, map[string]any{
		"event_type":  event.Type,
		"payment_ref": event.PaymentRef,
	}); err != nil {
		if errors.Is(err, audit.ErrDuplicateEvent) {
			metrics.RecordWebhook("duplicate")
			return OutcomeDuplicate, nil
		}
		storage := fsm.ErrStorageFailure.Clone()
		storage.Source = err
		return "", storage
	}

	outcome := i.apply(ctx, event)
	metrics.RecordWebhook(outcome)
	return outcome, nil
}

func (i *Ingestor) resolveEntity(ctx context.Context, event Event) uuid.UUID {
	ref := strings.TrimSpace(event.PaymentRef)
	if ref == "" {
		return uuid.Nil
	}
	row, err := i.store.FindEscrowByPaymentRef(ctx, ref)
	if err != nil || row == nil {
		return uuid.Nil
	}
	return row.ID
}

// apply runs the event-specific business logic. A failure here is logged and
// not retried by this component: the sentinel stays in place and the
// processor's own redelivery policy governs further attempts.
func (i *Ingestor) apply(ctx context.Context, event Event) string {
	switch event.Type {
	case EventPaymentSucceeded:
		return i.applyPaymentSucceeded(ctx, event)
	case EventPaymentFailed:
		return i.applyPaymentFailed(ctx, event)
	case EventAccountStatusChanged:
		i.enqueue("account.status_changed", map[string]any{"account_id": event.AccountID, "event_id": event.ID})
		return OutcomeProcessed
	case EventTransferCreated:
		i.enqueue("transfer.created", map[string]any{"payment_ref": event.PaymentRef, "event_id": event.ID})
		return OutcomeProcessed
	default:
		i.log.Info("ignoring unknown webhook event type", "event_id", event.ID, "type", event.Type)
		return OutcomeIgnored
	}
}

func (i *Ingestor) applyPaymentSucceeded(ctx context.Context, event Event) string {
	row, err := i.store.MarkEscrowPaid(ctx, event.PaymentRef)
	if err != nil {
		i.log.Error("marking escrow paid failed", "event_id", event.ID, "payment_ref", event.PaymentRef, "error", err)
		return OutcomeProcessed
	}
	if row == nil {
		i.log.Warn("payment confirmation for unknown or already settled charge", "event_id", event.ID, "payment_ref", event.PaymentRef)
		return OutcomeProcessed
	}
	if err := i.audit.RecordAccepted(ctx, audit.Entry{
		Kind:         fsm.KindEscrow,
		EntityID:     row.ID,
		Actor:        fsm.SystemActor,
		StatusBefore: fsm.EscrowPending,
		StatusAfter:  fsm.EscrowPaid,
		Metadata:     map[string]any{"event_id": event.ID, "payment_ref": event.PaymentRef},
	}); err != nil {
		i.log.Error("audit write for payment confirmation failed", "escrow_id", row.ID, "error", err)
	}
	i.enqueue("escrow.paid", map[string]any{
		"escrow_id":   row.ID.String(),
		"customer_id": row.CustomerID.String(),
		"event_id":    event.ID,
	})
	return OutcomeProcessed
}

func (i *Ingestor) applyPaymentFailed(ctx context.Context, event Event) string {
	row, err := i.store.FindEscrowByPaymentRef(ctx, event.PaymentRef)
	if err != nil || row == nil {
		i.log.Warn("payment failure for unknown charge", "event_id", event.ID, "payment_ref", event.PaymentRef, "error", err)
		return OutcomeProcessed
	}
	moved, err := i.store.ApplyTransition(ctx, fsm.KindEscrow, row.ID, fsm.EscrowPending, fsm.EscrowCancelled)
	if err != nil {
		i.log.Error("cancelling escrow after payment failure failed", "escrow_id", row.ID, "error", err)
		return OutcomeProcessed
	}
	if !moved {
		i.log.Info("payment failure ignored, escrow no longer pending", "escrow_id", row.ID, "status", row.Status)
		return OutcomeProcessed
	}
	if err := i.audit.RecordAccepted(ctx, audit.Entry{
		Kind:         fsm.KindEscrow,
		EntityID:     row.ID,
		Actor:        fsm.SystemActor,
		StatusBefore: fsm.EscrowPending,
		StatusAfter:  fsm.EscrowCancelled,
		Metadata:     map[string]any{"event_id": event.ID, "payment_ref": event.PaymentRef},
	}); err != nil {
		i.log.Error("audit write for payment failure failed", "escrow_id", row.ID, "error", err)
	}
	i.enqueue("escrow.payment_failed", map[string]any{
		"escrow_id":   row.ID.String(),
		"customer_id": row.CustomerID.String(),
		"event_id":    event.ID,
	})
	return OutcomeProcessed
}

func (i *Ingestor) enqueue(job string, payload map[string]any) {
	if i.dispatch == nil {
		return
	}
	i.dispatch.Enqueue(job, payload)
}

// SignPayload computes the signature the ingestor expects. Exported for tests
// and for local tooling that replays captured events.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
