package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"loanos/internal/config"
	"loanos/internal/db"
	"loanos/internal/deal"
	"loanos/internal/migrate"
	"loanos/internal/repo"
)

var frozen = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
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
	e := New(conn, config.Default("test-org"))
	e.Now = func() time.Time { return frozen }
	e.Audit.Now = e.Now
	e.Logger = log.New(io.Discard, "", 0)
	return e
}

func createDraftDeal(t *testing.T, e *Engine) string {
	t.Helper()
	d, err := e.CreateDeal(context.Background(), CreateDealOptions{
		Name:        "Facility A",
		Borrower:    "Acme Industries",
		AmountCents: 50_000_000_00,
		Currency:    "EUR",
		ActorID:     "analyst-1",
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if d.Status != string(deal.StatusDraft) {
		t.Fatalf("new deal status = %s, want draft", d.Status)
	}
	return d.ID
}

func TestCreateDealWritesActivity(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)

	entries, err := e.Repo.ListActivity(context.Background(), id, 10, 0)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 activity entry, got %d", len(entries))
	}
	if entries[0].Type != "deal_created" {
		t.Errorf("entry type = %s, want deal_created", entries[0].Type)
	}
	if entries[0].TS != frozen.Format(time.RFC3339) {
		t.Errorf("entry ts = %s, want %s", entries[0].TS, frozen.Format(time.RFC3339))
	}
}

func TestUpdateDealStatusHappyPath(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	ctx := context.Background()

	d, err := e.UpdateDealStatus(ctx, StatusUpdateOptions{
		DealID:  id,
		Status:  deal.StatusActive,
		Reason:  "signed",
		ActorID: "analyst-1",
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if d.Status != "active" {
		t.Errorf("returned status = %s, want active", d.Status)
	}

	stored, err := e.Repo.GetDeal(ctx, id)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if stored.Status != "active" {
		t.Errorf("stored status = %s, want active", stored.Status)
	}

	entries, err := e.Repo.ListActivity(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	latest := entries[0]
	if latest.Type != "status_changed" {
		t.Fatalf("latest type = %s, want status_changed", latest.Type)
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(latest.DetailsJSON), &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details["previous_status"] != "draft" || details["new_status"] != "active" {
		t.Errorf("details = %v, want previous draft / new active", details)
	}
	if details["reason"] != "signed" {
		t.Errorf("reason = %v, want signed", details["reason"])
	}
}

func TestUpdateDealStatusInvalidTransition(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	ctx := context.Background()

	_, err := e.UpdateDealStatus(ctx, StatusUpdateOptions{DealID: id, Status: deal.StatusClosed, ActorID: "analyst-1"})
	var ite deal.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.Error() != "Cannot transition from 'draft' to 'closed'" {
		t.Errorf("message = %q", ite.Error())
	}

	stored, _ := e.Repo.GetDeal(ctx, id)
	if stored.Status != "draft" {
		t.Errorf("status changed on rejected transition: %s", stored.Status)
	}
	entries, _ := e.Repo.ListActivity(ctx, id, 10, 0)
	if len(entries) != 1 {
		t.Errorf("rejected transition must not write activity, got %d entries", len(entries))
	}
}

func TestUpdateDealStatusTerminalAbsorbing(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	ctx := context.Background()

	for _, s := range []deal.Status{deal.StatusActive, deal.StatusAgreed, deal.StatusClosed} {
		if _, err := e.UpdateDealStatus(ctx, StatusUpdateOptions{DealID: id, Status: s, ActorID: "analyst-1"}); err != nil {
			t.Fatalf("move to %s: %v", s, err)
		}
	}
	d, _ := e.Repo.GetDeal(ctx, id)
	if d.ClosedAt == nil || *d.ClosedAt != frozen.Format(time.RFC3339) {
		t.Errorf("closed_at not set on close: %v", d.ClosedAt)
	}
	for _, s := range deal.Statuses {
		_, err := e.UpdateDealStatus(ctx, StatusUpdateOptions{DealID: id, Status: s, ActorID: "analyst-1"})
		var ite deal.InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("closed -> %s should fail with InvalidTransitionError, got %v", s, err)
		}
	}
}

func TestUpdateDealStatusNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.UpdateDealStatus(context.Background(), StatusUpdateOptions{
		DealID:  "missing",
		Status:  deal.StatusActive,
		ActorID: "analyst-1",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConditionalStatusWriteLosesRace(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	ctx := context.Background()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	// fromStatus is stale: the row is draft, not active.
	n, err := e.Repo.UpdateDealStatus(ctx, tx, id, "active", "paused", frozen.Format(time.RFC3339), nil)
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if n != 0 {
		t.Fatalf("stale conditional update affected %d rows, want 0", n)
	}
}

func TestStatusUpdateConflictOnConcurrentWrite(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	ctx := context.Background()

	// The clock is read between the status fetch and the conditional write,
	// so a clock hook that flips the row lands a concurrent writer exactly
	// inside that window.
	flipped := false
	e.Now = func() time.Time {
		if !flipped {
			flipped = true
			if _, err := e.DB.ExecContext(ctx, `UPDATE deals SET status='terminated' WHERE id=?`, id); err != nil {
				t.Fatalf("concurrent write: %v", err)
			}
		}
		return frozen
	}

	_, err := e.UpdateDealStatus(ctx, StatusUpdateOptions{DealID: id, Status: deal.StatusActive, ActorID: "analyst-1"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	stored, _ := e.Repo.GetDeal(ctx, id)
	if stored.Status != "terminated" {
		t.Errorf("concurrent write lost: status = %s", stored.Status)
	}
	entries, _ := e.Repo.ListActivity(ctx, id, 10, 0)
	if len(entries) != 1 {
		t.Errorf("conflicted update must not write activity, got %d entries", len(entries))
	}
}

func TestActivityFailureDoesNotRollBackStatus(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	ctx := context.Background()

	if _, err := e.DB.ExecContext(ctx, `DROP TABLE activity_log`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	d, err := e.UpdateDealStatus(ctx, StatusUpdateOptions{DealID: id, Status: deal.StatusActive, ActorID: "analyst-1"})
	if err != nil {
		t.Fatalf("status update should survive activity failure: %v", err)
	}
	if d.Status != "active" {
		t.Errorf("status = %s, want active", d.Status)
	}
	stored, _ := e.Repo.GetDeal(ctx, id)
	if stored.Status != "active" {
		t.Errorf("stored status = %s, want active", stored.Status)
	}
}

func TestActorNameFallsBackToUnknown(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	ctx := context.Background()

	if _, err := e.UpdateDealStatus(ctx, StatusUpdateOptions{DealID: id, Status: deal.StatusActive, ActorID: "stranger"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	entries, _ := e.Repo.ListActivity(ctx, id, 10, 0)
	if entries[0].ActorName != "Unknown" {
		t.Errorf("actor name = %s, want Unknown", entries[0].ActorName)
	}
}

func TestCovenantBreachDetection(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	ctx := context.Background()

	c, err := e.CreateCovenant(ctx, CreateCovenantOptions{
		DealID:    id,
		Kind:      "leverage.ratio",
		Threshold: 4.5,
		Direction: "max",
		Frequency: "quarterly",
		ActorID:   "analyst-1",
	})
	if err != nil {
		t.Fatalf("create covenant: %v", err)
	}

	ok, err := e.RecordCovenantTest(ctx, RecordCovenantTestOptions{CovenantID: c.ID, Value: 3.9, ActorID: "analyst-1"})
	if err != nil {
		t.Fatalf("record test: %v", err)
	}
	if ok.Breached {
		t.Errorf("3.9 under max 4.5 should not breach")
	}

	bad, err := e.RecordCovenantTest(ctx, RecordCovenantTestOptions{CovenantID: c.ID, Value: 5.1, ActorID: "analyst-1"})
	if err != nil {
		t.Fatalf("record test: %v", err)
	}
	if !bad.Breached {
		t.Errorf("5.1 over max 4.5 should breach")
	}
	stored, _ := e.Repo.GetCovenant(ctx, c.ID)
	if stored.Status != "breached" {
		t.Errorf("covenant status = %s, want breached", stored.Status)
	}
}

func TestCovenantUnknownKindRejected(t *testing.T) {
	e := newTestEngine(t)
	id := createDraftDeal(t, e)
	_, err := e.CreateCovenant(context.Background(), CreateCovenantOptions{
		DealID:    id,
		Kind:      "made.up",
		Threshold: 1,
		Direction: "max",
		Frequency: "quarterly",
		ActorID:   "analyst-1",
	})
	if err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestDashboardSummary(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := createDraftDeal(t, e)
	createDraftDeal(t, e)
	if _, err := e.UpdateDealStatus(ctx, StatusUpdateOptions{DealID: a, Status: deal.StatusActive, ActorID: "analyst-1"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	d, err := e.DashboardSummary(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.TotalDeals != 2 {
		t.Errorf("total = %d, want 2", d.TotalDeals)
	}
	if d.DealsByStatus["draft"] != 1 || d.DealsByStatus["active"] != 1 {
		t.Errorf("counts = %v", d.DealsByStatus)
	}
}
