// Package server exposes the HTTP API: release, entity transitions, audit
// lookups and the processor webhook endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"escrowd/audit"
	"escrowd/auth"
	"escrowd/escrow"
	"escrowd/fsm"
	"escrowd/middleware"
	"escrowd/models"
	"escrowd/store"
	"escrowd/webhookd"
)

const (
	maxRequestBody         = 1 << 20
	headerWebhookSignature = "X-Processor-Signature"
)

// Guard validates a transition before any write. Satisfied by *fsm.Guard.
type Guard interface {
	AssertTransition(ctx context.Context, kind fsm.EntityKind, id uuid.UUID, target fsm.Status, actor fsm.Actor) error
}

// Server wires the HTTP surface over the transactional core.
type Server struct {
	db           *gorm.DB
	store        *store.Store
	guard        Guard
	audit        *audit.Recorder
	orchestrator *escrow.Orchestrator
	ingestor     *webhookd.Ingestor
	verifier     *auth.Verifier
	log          *slog.Logger

	router http.Handler
}

// Config carries the server's collaborators.
type Config struct {
	DB           *gorm.DB
	Store        *store.Store
	Guard        Guard
	Audit        *audit.Recorder
	Orchestrator *escrow.Orchestrator
	Ingestor     *webhookd.Ingestor
	Verifier     *auth.Verifier
	Logger       *slog.Logger
}

// New constructs a configured HTTP router with authentication and idempotency
// support.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		db:           cfg.DB,
		store:        cfg.Store,
		guard:        cfg.Guard,
		audit:        cfg.Audit,
		orchestrator: cfg.Orchestrator,
		ingestor:     cfg.Ingestor,
		verifier:     cfg.Verifier,
		log:          cfg.Logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Webhooks authenticate via HMAC signature, not bearer tokens.
	r.Post("/webhooks/processor", s.ProcessorWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.verifier.Authenticate)
		api.Use(middleware.WithIdempotency(s.db))

		api.With(auth.RequireRole(auth.RoleCustomer, auth.RoleAdmin)).
			Post("/escrows/{id}/release", s.ReleaseEscrow)
		api.Get("/escrows/{id}", s.GetEscrow)
		api.With(auth.RequireRole(auth.RoleAdmin)).
			Get("/escrows/{id}/audit", s.GetAuditTrail)
		api.Post("/inquiries/{id}/transition", s.TransitionInquiry)
		api.Post("/offers/{id}/transition", s.TransitionOffer)
	})

	return r
}

// Health reports service and database liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReleaseEscrow runs the release orchestration for one transaction.
func (s *Server) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	escrowID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid escrow id", http.StatusBadRequest)
		return
	}

	actor := fsm.Actor{Kind: string(claims.Role), ID: claims.Subject}
	result, err := s.orchestrator.Release(r.Context(), escrowID, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"escrow_id":    escrowID.String(),
		"status":       string(fsm.EscrowReleased),
		"amount_cents": result.AmountCents,
		"message":      result.Message,
	})
}

type escrowResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	AmountCents int64      `json:"amount_cents"`
	CustomerID  string     `json:"customer_id"`
	ProviderID  string     `json:"provider_id"`
	PaymentRef  string     `json:"payment_ref"`
	CreatedAt   time.Time  `json:"created_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// GetEscrow returns one transaction. Customers and providers only see their
// own rows.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	escrowID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid escrow id", http.StatusBadRequest)
		return
	}
	row, err := s.store.GetEscrow(r.Context(), escrowID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "escrow not found", http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	if !canViewEscrow(claims, row) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowResponse{
		ID:          row.ID.String(),
		Status:      string(row.Status),
		AmountCents: row.AmountCents,
		CustomerID:  row.CustomerID.String(),
		ProviderID:  row.ProviderID.String(),
		PaymentRef:  row.PaymentRef,
		CreatedAt:   row.CreatedAt,
		PaidAt:      row.PaidAt,
		ReleasedAt:  row.ReleasedAt,
	})
}

func canViewEscrow(claims *auth.Claims, row *models.EscrowTransaction) bool {
	switch claims.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleCustomer:
		return claims.Subject == row.CustomerID.String()
	case auth.RoleProvider:
		return claims.Subject == row.ProviderID.String()
	default:
		return false
	}
}

type auditEntryResponse struct {
	Actor           string `json:"actor"`
	ActorID         string `json:"actor_id,omitempty"`
	StatusBefore    string `json:"status_before,omitempty"`
	StatusAfter     string `json:"status_after,omitempty"`
	Outcome         string `json:"outcome"`
	Reason          string `json:"reason,omitempty"`
	ExternalEventID string `json:"external_event_id,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// GetAuditTrail returns the transition history for one escrow, oldest first.
func (s *Server) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	escrowID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid escrow id", http.StatusBadRequest)
		return
	}
	rows, err := s.audit.ListByEntity(r.Context(), fsm.KindEscrow, escrowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries := make([]auditEntryResponse, 0, len(rows))
	for _, row := range rows {
		entry := auditEntryResponse{
			Actor:        row.Actor,
			ActorID:      row.ActorID,
			StatusBefore: string(row.StatusBefore),
			StatusAfter:  string(row.StatusAfter),
			Outcome:      row.Outcome,
			Reason:       row.Reason,
			CreatedAt:    row.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if row.ExternalEventID != nil {
			entry.ExternalEventID = *row.ExternalEventID
		}
		entries = append(entries, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"escrow_id": escrowID.String(),
		"entries":   entries,
	})
}

type transitionRequest struct {
	Target string `json:"target"`
}

// TransitionInquiry moves an inquiry to a requested status.
func (s *Server) TransitionInquiry(w http.ResponseWriter, r *http.Request) {
	s.transitionEntity(w, r, fsm.KindInquiry)
}

// TransitionOffer moves an offer to a requested status.
func (s *Server) TransitionOffer(w http.ResponseWriter, r *http.Request) {
	s.transitionEntity(w, r, fsm.KindOffer)
}

func (s *Server) transitionEntity(w http.ResponseWriter, r *http.Request, kind fsm.EntityKind) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	entityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid entity id", http.StatusBadRequest)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	target := fsm.Status(strings.TrimSpace(strings.ToLower(req.Target)))
	actor := fsm.Actor{Kind: string(claims.Role), ID: claims.Subject}

	if err := s.guard.AssertTransition(r.Context(), kind, entityID, target, actor); err != nil {
		s.writeError(w, err)
		return
	}

	current, found, err := s.store.CurrentStatus(r.Context(), kind, entityID)
	if err != nil {
		s.writeError(w, fsm.ErrStorageFailure)
		return
	}
	if !found {
		// The row vanished between the guard read and this one.
		s.writeError(w, fsm.ErrNotFound)
		return
	}
	moved, err := s.store.ApplyTransition(r.Context(), kind, entityID, current, target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !moved {
		// A concurrent writer changed the row between the guard read and the
		// conditional update.
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]string{
				"code":    "CONCURRENT_CLAIM_LOST",
				"message": "entity changed state concurrently, retry with fresh state",
			},
		})
		return
	}

	if err := s.audit.RecordAccepted(r.Context(), audit.Entry{
		Kind:         kind,
		EntityID:     entityID,
		Actor:        actor,
		StatusBefore: current,
		StatusAfter:  target,
	}); err != nil {
		s.log.Error("audit write for transition failed", "kind", kind, "entity_id", entityID, "error", err)
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(target)})
}

// ProcessorWebhook ingests a processor callback. Duplicates acknowledge fast
// so the processor stops redelivering.
func (s *Server) ProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	outcome, err := s.ingestor.Ingest(r.Context(), body, r.Header.Get(headerWebhookSignature))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome})
}

// writeError maps domain error codes onto HTTP statuses. Unexpected errors
// stay opaque to the caller.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		s.log.Error("unhandled error", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"code": "INTERNAL", "message": "internal error"},
		})
		return
	}

	status := http.StatusInternalServerError
	switch appErr.TextCode {
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "FORBIDDEN":
		status = http.StatusForbidden
	case "TERMINAL_STATE", "ALREADY_RELEASED", "ALREADY_REFUNDED",
		"CONCURRENT_CLAIM_LOST", "DISPUTE_BLOCKS_RELEASE", "DUPLICATE_WEBHOOK_EVENT":
		status = http.StatusConflict
	case "INVALID_TRANSITION", "INVALID_WEBHOOK_PAYLOAD":
		status = http.StatusUnprocessableEntity
	case "INVALID_WEBHOOK_SIGNATURE":
		status = http.StatusUnauthorized
	case "EXTERNAL_CAPTURE_FAILED":
		status = http.StatusBadGateway
	case "POST_CAPTURE_COMMIT_FAILED", "STORAGE_FAILURE":
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "code", appErr.TextCode, "error", err)
	}
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    appErr.TextCode,
			"message": appErr.Message,
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
