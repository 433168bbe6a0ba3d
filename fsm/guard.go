package fsm

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Rejection reasons recorded on the audit trail.
const (
	ReasonTerminalState     = "TERMINAL_STATE"
	ReasonInvalidTransition = "INVALID_TRANSITION"
	ReasonNotFound          = "NOT_FOUND"
)

// Guard error sentinels. Callers match them with errors.Is; HTTP boundaries
// map the text codes to response codes.
var (
	ErrNotFound = apperrors.New("entity not found", apperrors.CategoryBadInput).
			WithTextCode("NOT_FOUND")
	ErrStorageFailure = apperrors.New("storage failure while reading entity status", apperrors.CategoryHandler).
				WithTextCode("STORAGE_FAILURE")
	ErrTerminalState = apperrors.New("entity is in a terminal state", apperrors.CategoryConflict).
				WithTextCode("TERMINAL_STATE")
	ErrInvalidTransition = apperrors.New("requested transition is not permitted", apperrors.CategoryValidation).
				WithTextCode("INVALID_TRANSITION")
)

// Actor identifies who requested a transition. Kind is one of "system",
// "customer", "provider" or "admin".
type Actor struct {
	Kind string
	ID   string
}

// SystemActor attributes internally triggered transitions.
var SystemActor = Actor{Kind: "system", ID: "system"}

// StatusReader resolves the current status of an entity. The boolean result
// distinguishes "not found" from a read failure.
type StatusReader interface {
	CurrentStatus(ctx context.Context, kind EntityKind, id uuid.UUID) (Status, bool, error)
}

// Rejection describes a refused transition attempt handed to the audit sink.
type Rejection struct {
	Kind         EntityKind
	EntityID     uuid.UUID
	Actor        Actor
	StatusBefore Status
	StatusAfter  Status
	Reason       string
}

// RejectionSink records refused transition attempts. Implementations append
// to the audit trail; failures are logged by the guard and never surfaced.
type RejectionSink interface {
	RecordRejection(ctx context.Context, rej Rejection) error
}

// Guard validates requested status transitions against the static tables
// before any write is allowed. It never mutates entity state itself: on
// success it only authorizes, leaving the actual write to the caller so the
// permission check stays separately testable.
type Guard struct {
	statuses StatusReader
	sink     RejectionSink
	log      *slog.Logger
}

// NewGuard constructs a guard. The sink may be nil, in which case rejections
// are only logged.
func NewGuard(statuses StatusReader, sink RejectionSink, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{statuses: statuses, sink: sink, log: log}
}

// AssertTransition checks that entity `id` of the given kind may move to
// `target`. It returns nil when the edge is declared; otherwise one of
// ErrNotFound, ErrStorageFailure, ErrTerminalState or ErrInvalidTransition.
// Terminal-state escapes are always reported as ErrTerminalState, never as a
// generic invalid edge.
func (g *Guard) AssertTransition(ctx context.Context, kind EntityKind, id uuid.UUID, target Status, actor Actor) error {
	if !KnownKind(kind) {
		err := ErrInvalidTransition.Clone()
		err.Message = fmt.Sprintf("unknown entity kind %q", kind)
		return err
	}

	current, found, readErr := g.statuses.CurrentStatus(ctx, kind, id)
	if readErr != nil {
		g.log.Error("status read failed", "kind", kind, "entity_id", id, "error", readErr)
		err := ErrStorageFailure.Clone()
		err.Source = readErr
		return err
	}
	if !found {
		g.reject(ctx, Rejection{
			Kind:        kind,
			EntityID:    id,
			Actor:       actor,
			StatusAfter: target,
			Reason:      ReasonNotFound,
		})
		err := ErrNotFound.Clone()
		err.Message = fmt.Sprintf("%s %s not found", kind, id)
		return err
	}

	if IsTerminal(kind, current) {
		g.reject(ctx, Rejection{
			Kind:         kind,
			EntityID:     id,
			Actor:        actor,
			StatusBefore: current,
			StatusAfter:  target,
			Reason:       ReasonTerminalState,
		})
		err := ErrTerminalState.Clone()
		err.Message = fmt.Sprintf("%s %s is %s and can no longer change state", kind, id, current)
		return err
	}

	if !CanTransition(kind, current, target) {
		g.reject(ctx, Rejection{
			Kind:         kind,
			EntityID:     id,
			Actor:        actor,
			StatusBefore: current,
			StatusAfter:  target,
			Reason:       ReasonInvalidTransition,
		})
		err := ErrInvalidTransition.Clone()
		err.Message = fmt.Sprintf("%s %s cannot move from %s to %q", kind, id, current, target)
		return err
	}

	return nil
}

// reject records the refusal on the audit trail. Audit failures are logged
// and swallowed so they never mask the rejection returned to the caller.
func (g *Guard) reject(ctx context.Context, rej Rejection) {
	g.log.Warn("transition rejected",
		"kind", rej.Kind,
		"entity_id", rej.EntityID,
		"status_before", rej.StatusBefore,
		"status_after", rej.StatusAfter,
		"reason", rej.Reason,
		"actor", rej.Actor.Kind,
	)
	if g.sink == nil {
		return
	}
	if err := g.sink.RecordRejection(ctx, rej); err != nil {
		g.log.Error("audit write for rejection failed", "kind", rej.Kind, "entity_id", rej.EntityID, "error", err)
	}
}
