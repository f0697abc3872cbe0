package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"loanos/internal/config"
	"loanos/internal/db"
	"loanos/internal/deal"
	"loanos/internal/engine"
	"loanos/internal/migrate"
)

func newDispatcherEngine(t *testing.T) *engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default("test-org"))
}

func newDispatcher(e *engine.Engine, hook config.WebhookConfig) *webhookDispatcher {
	return &webhookDispatcher{
		engine:   e,
		orgID:    "test-org",
		webhooks: []config.WebhookConfig{hook},
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  map[int]int64{0: 0},
	}
}

func seedDealWithStatusChange(t *testing.T, e *engine.Engine) string {
	t.Helper()
	ctx := context.Background()
	d, err := e.CreateDeal(ctx, engine.CreateDealOptions{
		Name:        "Facility A",
		Borrower:    "Acme Industries",
		AmountCents: 100_000_00,
		ActorID:     "analyst-1",
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if _, err := e.UpdateDealStatus(ctx, engine.StatusUpdateOptions{DealID: d.ID, Status: deal.StatusActive, ActorID: "analyst-1"}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	return d.ID
}

func TestWebhookDispatcherFiltersAndAdvancesCursor(t *testing.T) {
	e := newDispatcherEngine(t)
	seedDealWithStatusChange(t, e)

	var mu sync.Mutex
	var delivered []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered = append(delivered, r.Header.Get("X-LoanOS-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	hook := config.WebhookConfig{URL: ts.URL, Events: []string{"status_changed"}}
	d := newDispatcher(e, hook)
	d.dispatchWebhook(0, hook)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "status_changed" {
		t.Fatalf("delivered = %v, want exactly one status_changed", delivered)
	}
	// The deal_created entry is filtered out but still consumed: the cursor
	// must sit at the newest entry, not before it.
	latest, err := e.Repo.LatestActivityID(context.Background(), "test-org")
	if err != nil {
		t.Fatalf("latest activity id: %v", err)
	}
	if got := d.cursorFor(0); got != latest {
		t.Errorf("cursor = %d, want %d", got, latest)
	}
}

func TestWebhookDeliveryFailureHoldsCursor(t *testing.T) {
	e := newDispatcherEngine(t)
	seedDealWithStatusChange(t, e)

	var failing atomic.Bool
	failing.Store(true)
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	hook := config.WebhookConfig{URL: ts.URL}
	d := newDispatcher(e, hook)
	d.dispatchWebhook(0, hook)
	if got := d.cursorFor(0); got != 0 {
		t.Fatalf("cursor moved to %d past an undelivered entry", got)
	}

	// Once the endpoint recovers, the same entries are redelivered in order.
	failing.Store(false)
	d.dispatchWebhook(0, hook)
	if hits.Load() != 2 {
		t.Errorf("delivered %d entries after recovery, want 2", hits.Load())
	}
	latest, err := e.Repo.LatestActivityID(context.Background(), "test-org")
	if err != nil {
		t.Fatalf("latest activity id: %v", err)
	}
	if got := d.cursorFor(0); got != latest {
		t.Errorf("cursor = %d, want %d", got, latest)
	}
}
