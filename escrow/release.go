// Package escrow hosts the release orchestrator: the sequence that moves a
// transaction from paid to released while keeping the local status honest
// about what the remote processor has actually done.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/fsm"
	"escrowd/models"
	"escrowd/observability"
	"escrowd/processor"
)

// Dispatcher accepts fire-and-forget side-effect jobs. Enqueue must never
// block and must never fail the release: delivery errors belong to the
// queue's own retry policy.
type Dispatcher interface {
	Enqueue(job string, payload map[string]any)
}

// Job names dispatched after a successful release.
const (
	JobCustomerNotified = "escrow.released.customer"
	JobProviderNotified = "escrow.released.provider"
	JobStatusChanged    = "escrow.status_changed"
)

// Guard validates a transition before any write. Satisfied by *fsm.Guard.
type Guard interface {
	AssertTransition(ctx context.Context, kind fsm.EntityKind, id uuid.UUID, target fsm.Status, actor fsm.Actor) error
}

// Claimer is the subset of the store the orchestrator mutates through.
type Claimer interface {
	GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	Claim(ctx context.Context, id uuid.UUID, from, to fsm.Status) (bool, error)
	CommitReleased(ctx context.Context, id uuid.UUID) error
	HasOpenDispute(ctx context.Context, escrowID uuid.UUID) (bool, error)
	CurrentStatus(ctx context.Context, kind fsm.EntityKind, id uuid.UUID) (fsm.Status, bool, error)
}

// AuditSink records the accepted transition once the release has committed.
type AuditSink interface {
	RecordAccepted(ctx context.Context, entry AuditEntry) error
}

// AuditEntry mirrors audit.Entry without importing the package, keeping the
// orchestrator testable against a fake sink.
type AuditEntry struct {
	Kind         fsm.EntityKind
	EntityID     uuid.UUID
	Actor        fsm.Actor
	StatusBefore fsm.Status
	StatusAfter  fsm.Status
	Metadata     map[string]any
}

// ReleaseResult is returned to the caller on full success.
type ReleaseResult struct {
	AmountCents int64
	Message     string
}

// Orchestrator coordinates guard, claim, external capture and commit for a
// single release invocation. Separate invocations for different transaction
// ids run fully in parallel; the claim predicate serializes invocations for
// the same id.
type Orchestrator struct {
	store          Claimer
	guard          Guard
	processor      processor.Client
	audit          AuditSink
	dispatch       Dispatcher
	log            *slog.Logger
	captureTimeout time.Duration
	now            func() time.Time
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store          Claimer
	Guard          Guard
	Processor      processor.Client
	Audit          AuditSink
	Dispatch       Dispatcher
	Logger         *slog.Logger
	CaptureTimeout time.Duration
	Now            func() time.Time
}

// NewOrchestrator constructs a release orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		store:          cfg.Store,
		guard:          cfg.Guard,
		processor:      cfg.Processor,
		audit:          cfg.Audit,
		dispatch:       cfg.Dispatch,
		log:            cfg.Logger,
		captureTimeout: cfg.CaptureTimeout,
		now:            cfg.Now,
	}
}

// Release moves the transaction from paid to released. The local store shows
// released only after the processor has confirmed the capture; every failure
// before that point rolls the claim back to paid.
func (o *Orchestrator) Release(ctx context.Context, escrowID uuid.UUID, actor fsm.Actor) (*ReleaseResult, error) {
	start := o.now()
	metrics := observability.Escrow()

	tx, err := o.store.GetEscrow(ctx, escrowID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.ObserveRelease("not_found", o.now().Sub(start))
		notFound := fsm.ErrNotFound.Clone()
		notFound.Message = fmt.Sprintf("escrow %s not found", escrowID)
		notFound.Source = err
		return nil, notFound
	}
	if err != nil {
		// A read failure says nothing about whether the row exists; the
		// caller can retry, which a not-found answer would forbid.
		metrics.ObserveRelease("fetch_error", o.now().Sub(start))
		storage := fsm.ErrStorageFailure.Clone()
		storage.Source = err
		return nil, storage
	}

	if !o.authorized(tx, actor) {
		metrics.ObserveRelease("forbidden", o.now().Sub(start))
		return nil, ErrForbidden
	}

	// Re-validates against the state machine independently of the claim, so
	// a caller cannot race past a terminal-state check.
	if err := o.guard.AssertTransition(ctx, fsm.KindEscrow, escrowID, fsm.EscrowReleased, actor); err != nil {
		metrics.ObserveRelease("guard_rejected", o.now().Sub(start))
		return nil, err
	}

	claimed, err := o.store.Claim(ctx, escrowID, fsm.EscrowPaid, fsm.EscrowReleasing)
	if err != nil {
		metrics.ObserveRelease("claim_error", o.now().Sub(start))
		storage := fsm.ErrStorageFailure.Clone()
		storage.Source = err
		return nil, storage
	}
	o.log.Info("release claim attempted", "escrow_id", escrowID, "claimed", claimed)
	if !claimed {
		metrics.ObserveRelease("claim_lost", o.now().Sub(start))
		return nil, o.explainLostClaim(ctx, escrowID)
	}

	// The dispute could have opened between the guard check and the claim.
	if open, derr := o.store.HasOpenDispute(ctx, escrowID); derr != nil || open {
		o.revertClaim(ctx, escrowID)
		if derr != nil {
			metrics.ObserveRelease("dispute_check_error", o.now().Sub(start))
			storage := fsm.ErrStorageFailure.Clone()
			storage.Source = derr
			return nil, storage
		}
		metrics.ObserveRelease("dispute_blocked", o.now().Sub(start))
		return nil, ErrDisputeBlocksRelease
	}

	captureCtx, cancel := context.WithTimeout(ctx, o.captureTimeout)
	captureErr := o.processor.Capture(captureCtx, tx.PaymentRef)
	cancel()
	if captureErr != nil {
		metrics.RecordCapture("failed")
		metrics.ObserveRelease("capture_failed", o.now().Sub(start))
		o.log.Warn("capture failed, reverting claim", "escrow_id", escrowID, "payment_ref", tx.PaymentRef, "error", captureErr)
		o.revertClaim(ctx, escrowID)
		failure := ErrExternalCaptureFailed.Clone()
		failure.Source = captureErr
		return nil, failure
	}
	metrics.RecordCapture("succeeded")
	o.log.Info("capture succeeded", "escrow_id", escrowID, "payment_ref", tx.PaymentRef)

	if err := o.store.CommitReleased(ctx, escrowID); err != nil {
		// The processor has captured the funds but the row still says
		// releasing. Do not attempt to reverse the capture; surface the
		// state distinctly so operators can reconcile.
		metrics.ObserveRelease("commit_failed", o.now().Sub(start))
		o.log.Error("release commit failed after successful capture; manual reconciliation required",
			"escrow_id", escrowID, "payment_ref", tx.PaymentRef, "error", err)
		failure := ErrPostCaptureCommitFailed.Clone()
		failure.Source = err
		return nil, failure
	}
	o.log.Info("release committed", "escrow_id", escrowID, "amount_cents", tx.AmountCents)

	if o.audit != nil {
		entry := AuditEntry{
			Kind:         fsm.KindEscrow,
			EntityID:     escrowID,
			Actor:        actor,
			StatusBefore: fsm.EscrowPaid,
			StatusAfter:  fsm.EscrowReleased,
			Metadata: map[string]any{
				"payment_ref":       tx.PaymentRef,
				"amount_cents":      tx.AmountCents,
				"capture_confirmed": true,
			},
		}
		if err := o.audit.RecordAccepted(ctx, entry); err != nil {
			o.log.Error("audit write for release failed", "escrow_id", escrowID, "error", err)
		}
	}

	o.enqueueSideEffects(tx)
	metrics.ObserveRelease("released", o.now().Sub(start))

	return &ReleaseResult{
		AmountCents: tx.AmountCents,
		Message:     fmt.Sprintf("released %d cents to provider %s", tx.AmountCents, tx.ProviderID),
	}, nil
}

func (o *Orchestrator) authorized(tx *models.EscrowTransaction, actor fsm.Actor) bool {
	if actor.Kind == "admin" {
		return true
	}
	return actor.Kind == "customer" && actor.ID == tx.CustomerID.String()
}

// explainLostClaim turns a missed claim into the specific rejection the
// observed status implies. The loser of a race exits here without ever
// touching the processor.
func (o *Orchestrator) explainLostClaim(ctx context.Context, escrowID uuid.UUID) error {
	status, found, err := o.store.CurrentStatus(ctx, fsm.KindEscrow, escrowID)
	if err != nil || !found {
		return ErrConcurrentClaimLost
	}
	switch status {
	case fsm.EscrowReleased:
		return ErrAlreadyReleased
	case fsm.EscrowRefunded:
		return ErrAlreadyRefunded
	case fsm.EscrowDisputed:
		return ErrDisputeBlocksRelease
	default:
		return ErrConcurrentClaimLost
	}
}

// revertClaim rolls releasing back to paid. A failed revert leaves the row
// stuck, which the reconciliation sweep will surface; it is logged at the
// highest severity because the store and the processor may now disagree.
func (o *Orchestrator) revertClaim(ctx context.Context, escrowID uuid.UUID) {
	reverted, err := o.store.Claim(ctx, escrowID, fsm.EscrowReleasing, fsm.EscrowPaid)
	if err != nil || !reverted {
		o.log.Error("failed to revert releasing claim; manual operator intervention required",
			"escrow_id", escrowID, "error", err)
	}
}

func (o *Orchestrator) enqueueSideEffects(tx *models.EscrowTransaction) {
	if o.dispatch == nil {
		return
	}
	base := map[string]any{
		"escrow_id":    tx.ID.String(),
		"amount_cents": tx.AmountCents,
		"status":       string(fsm.EscrowReleased),
	}
	o.dispatch.Enqueue(JobCustomerNotified, withField(base, "recipient", tx.CustomerID.String()))
	o.dispatch.Enqueue(JobProviderNotified, withField(base, "recipient", tx.ProviderID.String()))
	o.dispatch.Enqueue(JobStatusChanged, base)
}

func withField(base map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}
