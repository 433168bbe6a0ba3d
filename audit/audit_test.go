package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/fsm"
	"escrowd/models"
)

func setupAuditTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A single connection serializes writers, which sqlite requires anyway;
	// goroutine-level races still contend on the unique index.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRecorderAppendsAcceptedAndRejected(t *testing.T) {
	db := setupAuditTestDB(t)
	base := time.Now().UTC().Truncate(time.Second)
	tick := 0
	recorder := NewRecorder(db, func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	ctx := context.Background()
	entityID := uuid.New()

	err := recorder.RecordAccepted(ctx, Entry{
		Kind:         fsm.KindEscrow,
		EntityID:     entityID,
		Actor:        fsm.Actor{Kind: "customer", ID: "cust-1"},
		StatusBefore: fsm.EscrowPaid,
		StatusAfter:  fsm.EscrowReleased,
		Metadata:     map[string]any{"amount_cents": 2500},
	})
	if err != nil {
		t.Fatalf("record accepted: %v", err)
	}

	err = recorder.RecordRejection(ctx, fsm.Rejection{
		Kind:         fsm.KindEscrow,
		EntityID:     entityID,
		Actor:        fsm.Actor{Kind: "customer", ID: "cust-1"},
		StatusBefore: fsm.EscrowReleased,
		StatusAfter:  fsm.EscrowRefunded,
		Reason:       fsm.ReasonTerminalState,
	})
	if err != nil {
		t.Fatalf("record rejection: %v", err)
	}

	rows, err := recorder.ListByEntity(ctx, fsm.KindEscrow, entityID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(rows))
	}
	if rows[0].Outcome != models.OutcomeAccepted {
		t.Errorf("first row outcome = %s", rows[0].Outcome)
	}
	if rows[1].Outcome != models.OutcomeRejected || rows[1].Reason != fsm.ReasonTerminalState {
		t.Errorf("second row = %+v", rows[1])
	}
}

func TestInsertSentinelRejectsDuplicate(t *testing.T) {
	db := setupAuditTestDB(t)
	recorder := NewRecorder(db, time.Now)
	ctx := context.Background()
	entityID := uuid.New()

	if err := recorder.InsertSentinel(ctx, "evt_123", fsm.KindEscrow, entityID, nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := recorder.InsertSentinel(ctx, "evt_123", fsm.KindEscrow, entityID, nil)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("want ErrDuplicateEvent, got %v", err)
	}

	seen, err := recorder.HasEvent(ctx, "evt_123")
	if err != nil {
		t.Fatalf("has event: %v", err)
	}
	if !seen {
		t.Fatal("event should be visible after sentinel insert")
	}
}

func TestInsertSentinelConcurrentSingleWinner(t *testing.T) {
	db := setupAuditTestDB(t)
	recorder := NewRecorder(db, time.Now)
	entityID := uuid.New()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- recorder.InsertSentinel(context.Background(), "evt_race", fsm.KindEscrow, entityID, nil)
		}()
	}
	wg.Wait()
	close(results)

	var winners, duplicates int
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrDuplicateEvent):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("want exactly 1 winner, got %d (duplicates %d)", winners, duplicates)
	}

	var count int64
	if err := db.Model(&models.TransitionAudit{}).Where("external_event_id = ?", "evt_race").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("want 1 sentinel row, got %d", count)
	}
}

func TestInsertSentinelRequiresEventID(t *testing.T) {
	db := setupAuditTestDB(t)
	recorder := NewRecorder(db, time.Now)

	if err := recorder.InsertSentinel(context.Background(), "  ", fsm.KindEscrow, uuid.New(), nil); err == nil {
		t.Fatal("blank event id should be rejected")
	}
}
