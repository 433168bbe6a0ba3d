package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/models"
)

func setupNotifyTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func TestWorkerDeliversSignedPayload(t *testing.T) {
	db := setupNotifyTestDB(t)

	var mu sync.Mutex
	var gotBody []byte
	var gotSig string
	received := make(chan struct{}, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get("X-Escrowd-Signature")
		mu.Unlock()
		received <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	endpoint := models.NotificationEndpoint{
		ID:      uuid.New(),
		JobName: "escrow.released.provider",
		URL:     target.URL,
		Secret:  "ep_secret",
		Active:  true,
	}
	if err := db.Create(&endpoint).Error; err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	queue := NewQueue()
	worker := NewWorker(db, queue, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue("escrow.released.provider", map[string]any{"escrow_id": uuid.NewString()})

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	mac := hmac.New(sha256.New, []byte("ep_secret"))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("signature = %s, want %s", gotSig, want)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var attempts []models.NotificationAttempt
		if err := db.Find(&attempts).Error; err != nil {
			t.Fatalf("list attempts: %v", err)
		}
		if len(attempts) == 1 {
			if attempts[0].Status != "success" || attempts[0].EndpointID != endpoint.ID {
				t.Fatalf("attempt = %+v", attempts[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempt row never recorded, have %d", len(attempts))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerSkipsInactiveEndpoints(t *testing.T) {
	db := setupNotifyTestDB(t)

	hit := make(chan struct{}, 8)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
	}))
	defer target.Close()

	endpoint := models.NotificationEndpoint{
		ID:      uuid.New(),
		JobName: "escrow.paid",
		URL:     target.URL,
		Secret:  "ep_secret",
		Active:  false,
	}
	if err := db.Create(&endpoint).Error; err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	queue := NewQueue()
	worker := NewWorker(db, queue, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue("escrow.paid", nil)

	select {
	case <-hit:
		t.Fatal("inactive endpoint received a delivery")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWorkerRetriesFailedDelivery(t *testing.T) {
	db := setupNotifyTestDB(t)

	var mu sync.Mutex
	calls := 0
	succeeded := make(chan struct{}, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		succeeded <- struct{}{}
	}))
	defer target.Close()

	endpoint := models.NotificationEndpoint{
		ID:      uuid.New(),
		JobName: "escrow.status_changed",
		URL:     target.URL,
		Secret:  "ep_secret",
		Active:  true,
	}
	if err := db.Create(&endpoint).Error; err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	queue := NewQueue()
	worker := NewWorker(db, queue, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue("escrow.status_changed", nil)

	select {
	case <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatal("retry never succeeded")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("calls = %d, want at least 2", calls)
	}
}
