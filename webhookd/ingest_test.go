package webhookd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/audit"
	"escrowd/fsm"
	"escrowd/models"
	"escrowd/store"
)

const testSecret = "whsec_test"

type recordingDispatch struct {
	mu   sync.Mutex
	jobs []string
}

func (d *recordingDispatch) Enqueue(job string, payload map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
}

func (d *recordingDispatch) count(job string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, j := range d.jobs {
		if j == job {
			n++
		}
	}
	return n
}

func setupIngestTest(t *testing.T) (*Ingestor, *gorm.DB, *store.Store, *recordingDispatch) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db, time.Now)
	recorder := audit.NewRecorder(db, time.Now)
	dispatch := &recordingDispatch{}
	ingestor := NewIngestor(testSecret, recorder, st, dispatch, nil)
	return ingestor, db, st, dispatch
}

func seedPendingEscrow(t *testing.T, db *gorm.DB, paymentRef string) models.EscrowTransaction {
	t.Helper()
	row := models.EscrowTransaction{
		ID:          uuid.New(),
		Status:      fsm.EscrowPending,
		AmountCents: 9_900,
		CustomerID:  uuid.New(),
		ProviderID:  uuid.New(),
		PaymentRef:  paymentRef,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
	return row
}

func signedBody(t *testing.T, event Event) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body, SignPayload(testSecret, body)
}

func TestIngestPaymentSucceeded(t *testing.T) {
	ingestor, db, st, dispatch := setupIngestTest(t)
	row := seedPendingEscrow(t, db, "ch_ok")
	body, sig := signedBody(t, Event{ID: "evt_1", Type: EventPaymentSucceeded, PaymentRef: "ch_ok"})

	outcome, err := ingestor.Ingest(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s", outcome)
	}

	status, _, _ := st.CurrentStatus(context.Background(), fsm.KindEscrow, row.ID)
	if status != fsm.EscrowPaid {
		t.Fatalf("escrow status = %s", status)
	}
	if dispatch.count("escrow.paid") != 1 {
		t.Fatalf("jobs = %v", dispatch.jobs)
	}

	var sentinelCount int64
	if err := db.Model(&models.TransitionAudit{}).Where("external_event_id = ?", "evt_1").Count(&sentinelCount).Error; err != nil {
		t.Fatalf("count sentinels: %v", err)
	}
	if sentinelCount != 1 {
		t.Fatalf("want 1 sentinel row, got %d", sentinelCount)
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	ingestor, _, _, _ := setupIngestTest(t)
	body, _ := signedBody(t, Event{ID: "evt_2", Type: EventPaymentSucceeded, PaymentRef: "ch_x"})

	if _, err := ingestor.Ingest(context.Background(), body, "deadbeef"); err == nil {
		t.Fatal("mis-signed delivery must be rejected")
	}
	if _, err := ingestor.Ingest(context.Background(), body, ""); err == nil {
		t.Fatal("unsigned delivery must be rejected")
	}
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	ingestor, _, _, _ := setupIngestTest(t)

	body := []byte("not-json")
	if _, err := ingestor.Ingest(context.Background(), body, SignPayload(testSecret, body)); err == nil {
		t.Fatal("malformed body must be rejected")
	}

	body, sig := signedBody(t, Event{ID: "", Type: EventPaymentSucceeded})
	if _, err := ingestor.Ingest(context.Background(), body, sig); err == nil {
		t.Fatal("missing event id must be rejected")
	}
}

func TestIngestSequentialDuplicate(t *testing.T) {
	ingestor, db, _, dispatch := setupIngestTest(t)
	seedPendingEscrow(t, db, "ch_dup")
	body, sig := signedBody(t, Event{ID: "evt_dup", Type: EventPaymentSucceeded, PaymentRef: "ch_dup"})

	outcome, err := ingestor.Ingest(context.Background(), body, sig)
	if err != nil || outcome != OutcomeProcessed {
		t.Fatalf("first delivery: outcome=%s err=%v", outcome, err)
	}
	outcome, err = ingestor.Ingest(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("replay must be acknowledged, got %v", err)
	}
	if outcome != OutcomeAlreadyProcessed {
		t.Fatalf("replay outcome = %s", outcome)
	}
	if dispatch.count("escrow.paid") != 1 {
		t.Fatalf("business logic ran more than once: %v", dispatch.jobs)
	}
}

func TestIngestConcurrentDuplicatesApplyOnce(t *testing.T) {
	ingestor, db, st, dispatch := setupIngestTest(t)
	row := seedPendingEscrow(t, db, "ch_race")
	body, sig := signedBody(t, Event{ID: "evt_race", Type: EventPaymentSucceeded, PaymentRef: "ch_race"})

	const deliveries = 6
	var wg sync.WaitGroup
	outcomes := make(chan string, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := ingestor.Ingest(context.Background(), body, sig)
			if err != nil {
				t.Errorf("ingest: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var processed int
	for outcome := range outcomes {
		switch outcome {
		case OutcomeProcessed:
			processed++
		case OutcomeDuplicate, OutcomeAlreadyProcessed:
		default:
			t.Errorf("unexpected outcome %s", outcome)
		}
	}
	if processed != 1 {
		t.Fatalf("want exactly 1 processed delivery, got %d", processed)
	}
	if dispatch.count("escrow.paid") != 1 {
		t.Fatalf("side effects ran %d times", dispatch.count("escrow.paid"))
	}
	status, _, _ := st.CurrentStatus(context.Background(), fsm.KindEscrow, row.ID)
	if status != fsm.EscrowPaid {
		t.Fatalf("escrow status = %s", status)
	}
}

func TestIngestPaymentFailedCancelsPending(t *testing.T) {
	ingestor, db, st, _ := setupIngestTest(t)
	row := seedPendingEscrow(t, db, "ch_fail")
	body, sig := signedBody(t, Event{ID: "evt_fail", Type: EventPaymentFailed, PaymentRef: "ch_fail"})

	outcome, err := ingestor.Ingest(context.Background(), body, sig)
	if err != nil || outcome != OutcomeProcessed {
		t.Fatalf("ingest: outcome=%s err=%v", outcome, err)
	}
	status, _, _ := st.CurrentStatus(context.Background(), fsm.KindEscrow, row.ID)
	if status != fsm.EscrowCancelled {
		t.Fatalf("escrow status = %s", status)
	}
}

func TestIngestPaymentFailedIgnoresSettledEscrow(t *testing.T) {
	ingestor, db, st, _ := setupIngestTest(t)
	row := seedPendingEscrow(t, db, "ch_late")
	if err := db.Model(&models.EscrowTransaction{}).Where("id = ?", row.ID).Update("status", fsm.EscrowPaid).Error; err != nil {
		t.Fatalf("settle escrow: %v", err)
	}
	body, sig := signedBody(t, Event{ID: "evt_late", Type: EventPaymentFailed, PaymentRef: "ch_late"})

	if _, err := ingestor.Ingest(context.Background(), body, sig); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	status, _, _ := st.CurrentStatus(context.Background(), fsm.KindEscrow, row.ID)
	if status != fsm.EscrowPaid {
		t.Fatalf("late failure must not clobber paid, got %s", status)
	}
}

func TestIngestUnknownEventTypeIgnored(t *testing.T) {
	ingestor, _, _, _ := setupIngestTest(t)
	body, sig := signedBody(t, Event{ID: "evt_odd", Type: "payout_reversed"})

	outcome, err := ingestor.Ingest(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s", outcome)
	}

	// The sentinel still claims the id: a replay is deduplicated too.
	outcome, err = ingestor.Ingest(context.Background(), body, sig)
	if err != nil || outcome != OutcomeAlreadyProcessed {
		t.Fatalf("replay of ignored event: outcome=%s err=%v", outcome, err)
	}
}
