package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/fsm"
)

// Dispute statuses. Disputes are tracked separately from the escrow state
// machine; an open dispute blocks release even when the FSM edge exists.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// Audit outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// EscrowTransaction represents custodial funds held for one engagement.
// Rows are never deleted; terminal rows are retained for audit.
type EscrowTransaction struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Status      fsm.Status `gorm:"size:32;index"`
	AmountCents int64      `gorm:"not null"`
	CustomerID  uuid.UUID  `gorm:"type:uuid;index"`
	ProviderID  uuid.UUID  `gorm:"type:uuid;index"`
	PaymentRef  string     `gorm:"size:128;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
	ReleasedAt  *time.Time
}

// Inquiry is a customer request that may lead to an offer.
type Inquiry struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Status     fsm.Status `gorm:"size:32;index"`
	CustomerID uuid.UUID  `gorm:"type:uuid;index"`
	ProviderID uuid.UUID  `gorm:"type:uuid;index"`
	Subject    string     `gorm:"size:255"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Offer is a provider's proposal against an inquiry.
type Offer struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	InquiryID   uuid.UUID  `gorm:"type:uuid;index"`
	Status      fsm.Status `gorm:"size:32;index"`
	AmountCents int64      `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Dispute records a contested escrow transaction.
type Dispute struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	EscrowID  uuid.UUID `gorm:"type:uuid;index"`
	OpenedBy  uuid.UUID `gorm:"type:uuid"`
	Reason    string    `gorm:"size:512"`
	Status    string    `gorm:"size:16;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransitionAudit is the append-only trail of every transition attempt,
// accepted or rejected. ExternalEventID doubles as the webhook idempotency
// sentinel: the unique index makes a second insert with the same event id
// fail, which is the dedup mechanism.
type TransitionAudit struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	EntityKind      fsm.EntityKind `gorm:"size:16;index:idx_audit_entity"`
	EntityID        uuid.UUID      `gorm:"type:uuid;index:idx_audit_entity"`
	Actor           string         `gorm:"size:16"`
	ActorID         string         `gorm:"size:64"`
	StatusBefore    fsm.Status     `gorm:"size:32"`
	StatusAfter     fsm.Status     `gorm:"size:32"`
	Outcome         string         `gorm:"size:16;index"`
	Reason          string         `gorm:"size:32"`
	Metadata        string         `gorm:"type:text"`
	ExternalEventID *string        `gorm:"size:128;uniqueIndex"`
	CreatedAt       time.Time
}

// IdempotencyKey caches responses for mutating API requests that carry an
// Idempotency-Key header.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// NotificationEndpoint is an outbound delivery target registered for a job
// name pattern (e.g. "escrow.released").
type NotificationEndpoint struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobName   string    `gorm:"size:64;index"`
	URL       string    `gorm:"size:512"`
	Secret    string    `gorm:"size:128"`
	RateLimit int       `gorm:"not null;default:60"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
}

// NotificationAttempt captures one outbound delivery attempt.
type NotificationAttempt struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	EndpointID  uuid.UUID `gorm:"type:uuid;index"`
	JobID       uuid.UUID `gorm:"type:uuid;index"`
	JobName     string    `gorm:"size:64"`
	Attempt     int
	Status      string `gorm:"size:16"`
	Error       string `gorm:"size:512"`
	NextAttempt *time.Time
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EscrowTransaction{},
		&Inquiry{},
		&Offer{},
		&Dispute{},
		&TransitionAudit{},
		&IdempotencyKey{},
		&NotificationEndpoint{},
		&NotificationAttempt{},
	)
}
