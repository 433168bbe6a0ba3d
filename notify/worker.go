package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"escrowd/models"
)

const maxDeliveryAttempts = 5

// Worker drains the queue and delivers jobs to active endpoints registered
// for each job name. Attempts are persisted for forensics; failed deliveries
// back off exponentially up to maxDeliveryAttempts.
type Worker struct {
	db     *gorm.DB
	queue  *Queue
	client *http.Client
	log    *slog.Logger
	nowFn  func() time.Time

	limiterMu sync.Mutex
	limiters  map[uuid.UUID]*rate.Limiter
}

// NewWorker constructs a delivery worker.
func NewWorker(db *gorm.DB, queue *Queue, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		db:       db,
		queue:    queue,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		nowFn:    time.Now,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

// Run processes tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		t, ok := w.queue.dequeue(ctx)
		if !ok {
			return
		}
		if t.endpoint == nil {
			w.expand(ctx, t)
			continue
		}
		w.deliver(ctx, t)
	}
}

// expand fans a job out into one delivery task per active endpoint.
func (w *Worker) expand(ctx context.Context, t task) {
	var endpoints []models.NotificationEndpoint
	err := w.db.WithContext(ctx).
		Where("job_name = ? AND active = ?", t.job.Name, true).
		Find(&endpoints).Error
	if err != nil {
		w.log.Error("listing notification endpoints failed", "job", t.job.Name, "error", err)
		return
	}
	for idx := range endpoints {
		endpoint := endpoints[idx]
		w.queue.push(task{job: t.job, endpoint: &endpoint})
	}
}

func (w *Worker) deliver(ctx context.Context, t task) {
	endpoint := t.endpoint
	if endpoint == nil || !endpoint.Active {
		return
	}
	limiter := w.limiter(endpoint)
	if !limiter.Allow() {
		t.notBefore = w.nowFn().Add(time.Second)
		w.queue.push(t)
		return
	}

	body := map[string]any{
		"job":       t.job.Name,
		"job_id":    t.job.ID.String(),
		"payload":   t.job.Payload,
		"timestamp": t.job.CreatedAt.Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordAttempt(ctx, t, "error", err.Error(), time.Time{})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, t, "error", err.Error(), time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Signature", sign(endpoint.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, t, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, t, resp.Status)
		return
	}
	w.recordAttempt(ctx, t, "success", "", time.Time{})
}

func (w *Worker) retryLater(ctx context.Context, t task, errMsg string) {
	attemptNum := t.attempt + 1
	next := w.nowFn().Add(backoffDuration(attemptNum))
	w.recordAttempt(ctx, t, "failed", errMsg, next)
	if attemptNum >= maxDeliveryAttempts {
		w.log.Warn("notification delivery abandoned",
			"job", t.job.Name, "endpoint", t.endpoint.URL, "attempts", attemptNum, "error", errMsg)
		return
	}
	t.attempt++
	t.notBefore = next
	w.queue.push(t)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *Worker) recordAttempt(ctx context.Context, t task, status, errMsg string, next time.Time) {
	row := models.NotificationAttempt{
		ID:         uuid.New(),
		EndpointID: t.endpoint.ID,
		JobID:      t.job.ID,
		JobName:    t.job.Name,
		Attempt:    t.attempt + 1,
		Status:     status,
		Error:      errMsg,
		CreatedAt:  w.nowFn().UTC(),
	}
	if !next.IsZero() {
		row.NextAttempt = &next
	}
	if err := w.db.WithContext(ctx).Create(&row).Error; err != nil {
		w.log.Error("recording notification attempt failed", "job", t.job.Name, "error", err)
	}
}

// limiter returns the per-endpoint rate limiter, sized from the endpoint's
// per-minute budget.
func (w *Worker) limiter(endpoint *models.NotificationEndpoint) *rate.Limiter {
	w.limiterMu.Lock()
	defer w.limiterMu.Unlock()
	if limiter, ok := w.limiters[endpoint.ID]; ok {
		return limiter
	}
	perMinute := endpoint.RateLimit
	if perMinute <= 0 {
		perMinute = 60
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	w.limiters[endpoint.ID] = limiter
	return limiter
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
