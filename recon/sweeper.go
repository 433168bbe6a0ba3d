// Package recon settles escrow transactions stuck holding the releasing
// claim: rows where the capture may have succeeded but the local commit never
// landed. The sweep asks the processor for the truth and replays the commit
// or reverts the claim accordingly.
package recon

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrowd/audit"
	"escrowd/fsm"
	"escrowd/models"
	"escrowd/observability"
	"escrowd/processor"
)

// Store is the subset of the persistence layer the sweeper drives.
type Store interface {
	ListStuckReleasing(ctx context.Context, olderThan time.Time) ([]models.EscrowTransaction, error)
	CommitReleased(ctx context.Context, id uuid.UUID) error
	Claim(ctx context.Context, id uuid.UUID, from, to fsm.Status) (bool, error)
}

// Summary reports one sweep's results.
type Summary struct {
	Scanned    int
	Committed  int
	Reverted   int
	Unresolved int
}

// Sweeper lists stuck releasing rows and settles each one against the
// processor's capture status.
type Sweeper struct {
	store     Store
	processor processor.Client
	audit     *audit.Recorder
	log       *slog.Logger
	cutoff    time.Duration
	now       func() time.Time
}

// Config wires the sweeper's collaborators. Cutoff is the minimum age before
// a releasing row counts as stuck; it must exceed the capture timeout so the
// sweep never races a live release invocation.
type Config struct {
	Store     Store
	Processor processor.Client
	Audit     *audit.Recorder
	Logger    *slog.Logger
	Cutoff    time.Duration
	Now       func() time.Time
}

// NewSweeper constructs a sweeper with sane defaults.
func NewSweeper(cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:     cfg.Store,
		processor: cfg.Processor,
		audit:     cfg.Audit,
		log:       cfg.Logger,
		cutoff:    cfg.Cutoff,
		now:       cfg.Now,
	}
}

// Run executes one sweep.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	cutoff := s.now().UTC().Add(-s.cutoff)
	rows, err := s.store.ListStuckReleasing(ctx, cutoff)
	if err != nil {
		return Summary{}, err
	}
	observability.Escrow().SetStuckReleasing(len(rows))

	summary := Summary{Scanned: len(rows)}
	for _, row := range rows {
		s.settle(ctx, row, &summary)
	}
	if summary.Scanned > 0 {
		s.log.Info("reconciliation sweep finished",
			"scanned", summary.Scanned,
			"committed", summary.Committed,
			"reverted", summary.Reverted,
			"unresolved", summary.Unresolved,
		)
	}
	return summary, nil
}

func (s *Sweeper) settle(ctx context.Context, row models.EscrowTransaction, summary *Summary) {
	captured, err := s.processor.CaptureStatus(ctx, row.PaymentRef)
	if err != nil {
		// The row stays stuck: that is the operator-alert condition, not a
		// silently retried one.
		summary.Unresolved++
		s.log.Error("cannot verify capture status for stuck release",
			"escrow_id", row.ID, "payment_ref", row.PaymentRef, "error", err)
		return
	}

	if captured {
		if err := s.store.CommitReleased(ctx, row.ID); err != nil {
			summary.Unresolved++
			s.log.Error("replaying release commit failed", "escrow_id", row.ID, "error", err)
			return
		}
		summary.Committed++
		s.log.Warn("replayed release commit for stuck transaction", "escrow_id", row.ID)
		s.record(ctx, row, fsm.EscrowReleased, "recon_commit_replay")
		return
	}

	reverted, err := s.store.Claim(ctx, row.ID, fsm.EscrowReleasing, fsm.EscrowPaid)
	if err != nil || !reverted {
		summary.Unresolved++
		s.log.Error("reverting stuck releasing claim failed", "escrow_id", row.ID, "error", err)
		return
	}
	summary.Reverted++
	s.log.Warn("reverted stuck releasing claim, capture never landed", "escrow_id", row.ID)
	s.record(ctx, row, fsm.EscrowPaid, "recon_claim_revert")
}

func (s *Sweeper) record(ctx context.Context, row models.EscrowTransaction, after fsm.Status, action string) {
	if s.audit == nil {
		return
	}
	err := s.audit.RecordAccepted(ctx, audit.Entry{
		Kind:         fsm.KindEscrow,
		EntityID:     row.ID,
		Actor:        fsm.SystemActor,
		StatusBefore: fsm.EscrowReleasing,
		StatusAfter:  after,
		Metadata:     map[string]any{"action": action, "payment_ref": row.PaymentRef},
	})
	if err != nil {
		s.log.Error("audit write for reconciliation failed", "escrow_id", row.ID, "error", err)
	}
}
