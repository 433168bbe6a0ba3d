// Package audit appends transition attempts to the forensic trail and backs
// the webhook idempotency sentinel.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/fsm"
	"escrowd/models"
)

// ErrDuplicateEvent is returned by InsertSentinel when the external event id
// has already been recorded, either by a completed ingestion or by a
// concurrent delivery that won the insert race.
var ErrDuplicateEvent = errors.New("audit: external event already recorded")

// Entry describes an accepted transition to append to the trail.
type Entry struct {
	Kind            fsm.EntityKind
	EntityID        uuid.UUID
	Actor           fsm.Actor
	StatusBefore    fsm.Status
	StatusAfter     fsm.Status
	Metadata        map[string]any
	ExternalEventID string
}

// Recorder persists audit rows. All writes are append-only.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecorder constructs a recorder backed by the provided database.
func NewRecorder(db *gorm.DB, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{db: db, now: now}
}

// RecordAccepted appends an accepted-transition row.
func (r *Recorder) RecordAccepted(ctx context.Context, entry Entry) error {
	row := models.TransitionAudit{
		ID:           uuid.New(),
		EntityKind:   entry.Kind,
		EntityID:     entry.EntityID,
		Actor:        entry.Actor.Kind,
		ActorID:      entry.Actor.ID,
		StatusBefore: entry.StatusBefore,
		StatusAfter:  entry.StatusAfter,
		Outcome:      models.OutcomeAccepted,
		Metadata:     marshalMetadata(entry.Metadata),
		CreatedAt:    r.now().UTC(),
	}
	if id := strings.TrimSpace(entry.ExternalEventID); id != "" {
		row.ExternalEventID = &id
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// RecordRejection appends a rejected-transition row. Implements the guard's
// rejection sink.
func (r *Recorder) RecordRejection(ctx context.Context, rej fsm.Rejection) error {
	row := models.TransitionAudit{
		ID:           uuid.New(),
		EntityKind:   rej.Kind,
		EntityID:     rej.EntityID,
		Actor:        rej.Actor.Kind,
		ActorID:      rej.Actor.ID,
		StatusBefore: rej.StatusBefore,
		StatusAfter:  rej.StatusAfter,
		Outcome:      models.OutcomeRejected,
		Reason:       rej.Reason,
		CreatedAt:    r.now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// HasEvent reports whether an audit row already carries the external event id.
func (r *Recorder) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.TransitionAudit{}).
		Where("external_event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertSentinel claims the external event id by inserting a row before any
// business logic runs. The unique index on external_event_id makes the insert
// atomic: exactly one concurrent delivery succeeds, the rest observe
// ErrDuplicateEvent. This is a lock-via-unique-insert, not a lock service.
func (r *Recorder) InsertSentinel(ctx context.Context, eventID string, kind fsm.EntityKind, entityID uuid.UUID, metadata map[string]any) error {
	id := strings.TrimSpace(eventID)
	if id == "" {
		return errors.New("audit: event id required")
	}
	row := models.TransitionAudit{
		ID:              uuid.New(),
		EntityKind:      kind,
		EntityID:        entityID,
		Actor:           fsm.SystemActor.Kind,
		ActorID:         fsm.SystemActor.ID,
		Outcome:         models.OutcomeAccepted,
		Metadata:        marshalMetadata(metadata),
		ExternalEventID: &id,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

// ListByEntity returns the trail for one entity, oldest first, for forensic
// replay.
func (r *Recorder) ListByEntity(ctx context.Context, kind fsm.EntityKind, entityID uuid.UUID) ([]models.TransitionAudit, error) {
	var rows []models.TransitionAudit
	err := r.db.WithContext(ctx).
		Where("entity_kind = ? AND entity_id = ?", kind, entityID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func marshalMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(data)
}

// isUniqueViolation matches duplicate-key failures across the drivers in use
// (postgres in production, sqlite in tests).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
