// Package store wraps the relational database behind the operations the
// transactional core needs: status reads, compare-and-swap status updates and
// the release commit. Correctness under concurrency comes entirely from the
// conditional UPDATE predicates here, not from in-process locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/fsm"
	"escrowd/models"
)

// Store executes the conditional reads and writes used by the guard, the
// claimer and the webhook handlers.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a store backed by the provided database.
func New(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// DB exposes the underlying handle for wiring middleware and migrations.
func (s *Store) DB() *gorm.DB { return s.db }

// CurrentStatus resolves the present status of an entity. The boolean result
// distinguishes a missing row from a read failure.
func (s *Store) CurrentStatus(ctx context.Context, kind fsm.EntityKind, id uuid.UUID) (fsm.Status, bool, error) {
	var status fsm.Status
	var err error
	switch kind {
	case fsm.KindEscrow:
		var row models.EscrowTransaction
		err = s.db.WithContext(ctx).Select("status").First(&row, "id = ?", id).Error
		status = row.Status
	case fsm.KindInquiry:
		var row models.Inquiry
		err = s.db.WithContext(ctx).Select("status").First(&row, "id = ?", id).Error
		status = row.Status
	case fsm.KindOffer:
		var row models.Offer
		err = s.db.WithContext(ctx).Select("status").First(&row, "id = ?", id).Error
		status = row.Status
	default:
		return "", false, fmt.Errorf("store: unknown entity kind %q", kind)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

// GetEscrow loads a full escrow transaction row.
func (s *Store) GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	var row models.EscrowTransaction
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Claim performs the compare-and-swap status update: the row moves from
// `from` to `to` only if it is currently in `from`. Exactly one of several
// concurrent claims for the same row can match the predicate, which is what
// serializes releases per transaction without a lock. The boolean reports
// whether this invocation won the claim.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, from, to fsm.Status) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.EscrowTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CommitReleased writes the terminal released status. No status predicate is
// needed: the row is uniquely owned by the invocation that won the claim.
func (s *Store) CommitReleased(ctx context.Context, id uuid.UUID) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.EscrowTransaction{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": fsm.EscrowReleased, "released_at": now, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("store: escrow %s disappeared during commit", id)
	}
	return nil
}

// MarkEscrowPaid flips a pending transaction to paid when the processor
// confirms the charge, keyed by the opaque payment reference. Conditional on
// the current status so a replayed confirmation cannot clobber later states.
func (s *Store) MarkEscrowPaid(ctx context.Context, paymentRef string) (*models.EscrowTransaction, error) {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.EscrowTransaction{}).
		Where("payment_ref = ? AND status = ?", paymentRef, fsm.EscrowPending).
		Updates(map[string]any{"status": fsm.EscrowPaid, "paid_at": now, "updated_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	var row models.EscrowTransaction
	if err := s.db.WithContext(ctx).First(&row, "payment_ref = ?", paymentRef).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// FindEscrowByPaymentRef resolves a transaction from the processor's opaque
// charge reference.
func (s *Store) FindEscrowByPaymentRef(ctx context.Context, paymentRef string) (*models.EscrowTransaction, error) {
	var row models.EscrowTransaction
	err := s.db.WithContext(ctx).First(&row, "payment_ref = ?", paymentRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// HasOpenDispute reports whether any unresolved dispute references the
// transaction.
func (s *Store) HasOpenDispute(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Dispute{}).
		Where("escrow_id = ? AND status = ?", escrowID, models.DisputeOpen).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ApplyTransition performs a guarded CAS status update for inquiries and
// offers. The caller must have run the transition guard first; the predicate
// still protects against a concurrent writer changing the row in between.
func (s *Store) ApplyTransition(ctx context.Context, kind fsm.EntityKind, id uuid.UUID, from, to fsm.Status) (bool, error) {
	now := s.now().UTC()
	updates := map[string]any{"status": to, "updated_at": now}
	var res *gorm.DB
	switch kind {
	case fsm.KindInquiry:
		res = s.db.WithContext(ctx).Model(&models.Inquiry{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	case fsm.KindOffer:
		res = s.db.WithContext(ctx).Model(&models.Offer{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	case fsm.KindEscrow:
		res = s.db.WithContext(ctx).Model(&models.EscrowTransaction{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	default:
		return false, fmt.Errorf("store: unknown entity kind %q", kind)
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStuckReleasing returns transactions that have held the releasing claim
// longer than the cutoff. These are operator-alert conditions; the
// reconciliation sweep settles them against the processor.
func (s *Store) ListStuckReleasing(ctx context.Context, olderThan time.Time) ([]models.EscrowTransaction, error) {
	var rows []models.EscrowTransaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", fsm.EscrowReleasing, olderThan).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
