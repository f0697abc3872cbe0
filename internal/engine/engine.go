// Package engine holds the write-side orchestration: every mutation loads
// state, validates it, writes inside a transaction and appends to the
// activity log. Handlers and the CLI never touch SQL directly.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"loanos/internal/audit"
	"loanos/internal/config"
	"loanos/internal/deal"
	"loanos/internal/domain"
	"loanos/internal/repo"
)

// ErrConflict is returned when a conditional write loses a race, typically a
// status update observing a stale current status.
var ErrConflict = errors.New("conflict")

// StorageError wraps database failures so the transport layer can map them
// to a distinct error code.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storage(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db, Now: time.Now},
		Config: cfg,
		Now:    time.Now,
		Logger: log.Default(),
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// actorName resolves the actor's display name from the deal's participant
// list, falling back to the users table and then "Unknown".
func (e *Engine) actorName(ctx context.Context, dealID, actorID string) string {
	if actorID == "" {
		return "Unknown"
	}
	name, err := e.Repo.ParticipantName(ctx, dealID, actorID)
	if err == nil && name != "" {
		return name
	}
	if u, err := e.Repo.GetUser(ctx, actorID); err == nil && u.Name != "" {
		return u.Name
	}
	return "Unknown"
}

// --- deals ---

type CreateDealOptions struct {
	Name        string
	Borrower    string
	AmountCents int64
	Currency    string
	MarginBps   *int
	Description string
	ActorID     string
}

func (e *Engine) CreateDeal(ctx context.Context, opts CreateDealOptions) (domain.Deal, error) {
	now := e.now()
	d := domain.Deal{
		ID:          uuid.NewString(),
		OrgID:       e.Config.Org.ID,
		Name:        opts.Name,
		Borrower:    opts.Borrower,
		AmountCents: opts.AmountCents,
		Currency:    opts.Currency,
		MarginBps:   opts.MarginBps,
		Status:      string(deal.StatusDraft),
		Description: opts.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.Currency == "" {
		d.Currency = "EUR"
	}
	display := opts.ActorID
	if u, err := e.Repo.GetUser(ctx, opts.ActorID); err == nil && u.Name != "" {
		display = u.Name
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOrg(ctx, tx, d.OrgID, e.Config.Org.Name, now); err != nil {
		return domain.Deal{}, storage("ensure org", err)
	}
	if err := e.Repo.InsertDeal(ctx, tx, d); err != nil {
		return domain.Deal{}, storage("insert deal", err)
	}
	if opts.ActorID != "" {
		p := domain.Participant{
			DealID:      d.ID,
			UserID:      opts.ActorID,
			DisplayName: display,
			Role:        "owner",
			AddedAt:     now,
		}
		if err := e.Repo.AddParticipant(ctx, tx, p); err != nil {
			return domain.Deal{}, storage("add participant", err)
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.TypeDealCreated, d.ID, opts.ActorID, display, audit.Details{
		"name":     d.Name,
		"borrower": d.Borrower,
		"status":   d.Status,
	}); err != nil {
		return domain.Deal{}, storage("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, storage("commit", err)
	}
	return d, nil
}

type UpdateDealOptions struct {
	DealID      string
	Name        *string
	Borrower    *string
	Description *string
	AmountCents *int64
	MarginBps   *int
	ActorID     string
}

func (e *Engine) UpdateDealMeta(ctx context.Context, opts UpdateDealOptions) (domain.Deal, error) {
	if _, err := e.Repo.GetDeal(ctx, opts.DealID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Deal{}, err
		}
		return domain.Deal{}, storage("get deal", err)
	}
	now := e.now()
	err := e.Repo.UpdateDealMeta(ctx, opts.DealID, opts.Name, opts.Borrower, opts.Description, opts.AmountCents, opts.MarginBps, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Deal{}, err
		}
		return domain.Deal{}, storage("update deal", err)
	}
	d, err := e.Repo.GetDeal(ctx, opts.DealID)
	if err != nil {
		return domain.Deal{}, storage("get deal", err)
	}
	if err := e.Audit.Record(ctx, audit.TypeDealUpdated, d.ID, opts.ActorID, e.actorName(ctx, d.ID, opts.ActorID), audit.Details{}); err != nil {
		e.logf("activity write failed for deal %s: %v", d.ID, err)
	}
	return d, nil
}

type StatusUpdateOptions struct {
	DealID  string
	Status  deal.Status
	Reason  string
	ActorID string
}

// UpdateDealStatus moves a deal through the lifecycle. The status write is a
// conditional update against the status read at the start; losing that race
// yields ErrConflict. The activity entry is written after commit and its
// failure never rolls back the transition.
func (e *Engine) UpdateDealStatus(ctx context.Context, opts StatusUpdateOptions) (domain.Deal, error) {
	if !opts.Status.Valid() {
		return domain.Deal{}, fmt.Errorf("unknown status %q", opts.Status)
	}
	// Any failure to read the current row, not just a missing one, means the
	// transition cannot be validated and the deal is treated as not found.
	d, err := e.Repo.GetDeal(ctx, opts.DealID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.logf("fetch deal %s failed: %v", opts.DealID, err)
		}
		return domain.Deal{}, repo.ErrNotFound
	}
	current := deal.Status(d.Status)
	if err := deal.EnsureTransition(current, opts.Status); err != nil {
		return domain.Deal{}, err
	}

	now := e.now()
	var closedAt *string
	if opts.Status == deal.StatusClosed {
		closedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, storage("begin", err)
	}
	defer tx.Rollback()
	n, err := e.Repo.UpdateDealStatus(ctx, tx, d.ID, string(current), string(opts.Status), now, closedAt)
	if err != nil {
		return domain.Deal{}, storage("update status", err)
	}
	if n == 0 {
		// The row moved under us or disappeared. Refetch to tell which.
		tx.Rollback()
		if _, err := e.Repo.GetDeal(ctx, d.ID); errors.Is(err, repo.ErrNotFound) {
			return domain.Deal{}, repo.ErrNotFound
		}
		return domain.Deal{}, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, storage("commit", err)
	}

	details := audit.Details{
		"previous_status": string(current),
		"new_status":      string(opts.Status),
	}
	if opts.Reason != "" {
		details["reason"] = opts.Reason
	}
	if err := e.Audit.Record(ctx, audit.TypeStatusChanged, d.ID, opts.ActorID, e.actorName(ctx, d.ID, opts.ActorID), details); err != nil {
		e.logf("activity write failed for deal %s: %v", d.ID, err)
	}

	d.Status = string(opts.Status)
	d.UpdatedAt = now
	if closedAt != nil {
		d.ClosedAt = closedAt
	}
	return d, nil
}

// AllowedTransitions returns the legal next statuses for a deal.
func (e *Engine) AllowedTransitions(ctx context.Context, dealID string) (deal.Status, []deal.Status, error) {
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		return "", nil, storage("get deal", err)
	}
	current := deal.Status(d.Status)
	return current, deal.AllowedNext(current), nil
}

// --- participants ---

type AddParticipantOptions struct {
	DealID      string
	UserID      string
	DisplayName string
	Role        string
	ActorID     string
}

func (e *Engine) AddParticipant(ctx context.Context, opts AddParticipantOptions) (domain.Participant, error) {
	if _, err := e.Repo.GetDeal(ctx, opts.DealID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Participant{}, err
		}
		return domain.Participant{}, storage("get deal", err)
	}
	now := e.now()
	p := domain.Participant{
		DealID:      opts.DealID,
		UserID:      opts.UserID,
		DisplayName: opts.DisplayName,
		Role:        opts.Role,
		AddedAt:     now,
	}
	if p.Role == "" {
		p.Role = "member"
	}
	if p.DisplayName == "" {
		if u, err := e.Repo.GetUser(ctx, opts.UserID); err == nil {
			p.DisplayName = u.Name
		} else {
			p.DisplayName = opts.UserID
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, storage("begin", err)
	}
	defer tx.Rollback()
	u := domain.User{
		ID:        p.UserID,
		OrgID:     e.Config.Org.ID,
		Name:      p.DisplayName,
		CreatedAt: now,
	}
	if err := e.Repo.EnsureUser(ctx, tx, u); err != nil {
		return domain.Participant{}, storage("ensure user", err)
	}
	if err := e.Repo.AddParticipant(ctx, tx, p); err != nil {
		return domain.Participant{}, storage("add participant", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, storage("commit", err)
	}
	return p, nil
}

// --- folders and documents ---

func (e *Engine) CreateFolder(ctx context.Context, dealID, parentID, name string) (domain.Folder, error) {
	if _, err := e.Repo.GetDeal(ctx, dealID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Folder{}, err
		}
		return domain.Folder{}, storage("get deal", err)
	}
	f := domain.Folder{
		ID:        uuid.NewString(),
		DealID:    dealID,
		Name:      name,
		CreatedAt: e.now(),
	}
	if parentID != "" {
		f.ParentID = &parentID
	}
	if err := e.Repo.InsertFolder(ctx, f); err != nil {
		return domain.Folder{}, storage("insert folder", err)
	}
	return f, nil
}

type AddDocumentOptions struct {
	DealID    string
	FolderID  string
	Name      string
	MimeType  string
	SizeBytes int64
	ActorID   string
}

func (e *Engine) AddDocument(ctx context.Context, opts AddDocumentOptions) (domain.Document, error) {
	if _, err := e.Repo.GetDeal(ctx, opts.DealID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Document{}, err
		}
		return domain.Document{}, storage("get deal", err)
	}
	now := e.now()
	d := domain.Document{
		ID:         uuid.NewString(),
		DealID:     opts.DealID,
		Name:       opts.Name,
		MimeType:   opts.MimeType,
		SizeBytes:  opts.SizeBytes,
		UploadedBy: opts.ActorID,
		CreatedAt:  now,
	}
	if opts.FolderID != "" {
		d.FolderID = &opts.FolderID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return domain.Document{}, storage("insert document", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.TypeDocumentAdded, d.DealID, opts.ActorID, e.actorName(ctx, d.DealID, opts.ActorID), audit.Details{
		"document_id": d.ID,
		"name":        d.Name,
	}); err != nil {
		return domain.Document{}, storage("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, storage("commit", err)
	}
	return d, nil
}

// --- covenants ---

type CreateCovenantOptions struct {
	DealID     string
	Kind       string
	Threshold  float64
	Direction  string
	Frequency  string
	NextTestAt string
	ActorID    string
}

func (e *Engine) CreateCovenant(ctx context.Context, opts CreateCovenantOptions) (domain.Covenant, error) {
	if _, err := e.Repo.GetDeal(ctx, opts.DealID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Covenant{}, err
		}
		return domain.Covenant{}, storage("get deal", err)
	}
	if !e.Config.CovenantKindKnown(opts.Kind) {
		return domain.Covenant{}, fmt.Errorf("unknown covenant kind %q", opts.Kind)
	}
	now := e.now()
	c := domain.Covenant{
		ID:        uuid.NewString(),
		DealID:    opts.DealID,
		Kind:      opts.Kind,
		Threshold: opts.Threshold,
		Direction: opts.Direction,
		Frequency: opts.Frequency,
		Status:    "ok",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.NextTestAt != "" {
		c.NextTestAt = &opts.NextTestAt
	}
	if err := e.Repo.InsertCovenant(ctx, c); err != nil {
		return domain.Covenant{}, storage("insert covenant", err)
	}
	return c, nil
}

type RecordCovenantTestOptions struct {
	CovenantID string
	Value      float64
	ActorID    string
}

// RecordCovenantTest records an observed value against the covenant's
// threshold. A max covenant breaches when the value exceeds the threshold,
// a min covenant when it falls below.
func (e *Engine) RecordCovenantTest(ctx context.Context, opts RecordCovenantTestOptions) (domain.CovenantTest, error) {
	c, err := e.Repo.GetCovenant(ctx, opts.CovenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.CovenantTest{}, err
		}
		return domain.CovenantTest{}, storage("get covenant", err)
	}
	breached := false
	switch c.Direction {
	case "max":
		breached = opts.Value > c.Threshold
	case "min":
		breached = opts.Value < c.Threshold
	}
	now := e.now()
	t := domain.CovenantTest{
		ID:         uuid.NewString(),
		CovenantID: c.ID,
		Value:      opts.Value,
		Breached:   breached,
		TestedBy:   opts.ActorID,
		TestedAt:   now,
	}
	newStatus := "ok"
	if breached {
		newStatus = "breached"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CovenantTest{}, storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCovenantTest(ctx, tx, t); err != nil {
		return domain.CovenantTest{}, storage("insert covenant test", err)
	}
	if c.Status != "waived" {
		if err := e.Repo.UpdateCovenantStatus(ctx, tx, c.ID, newStatus, now, nil); err != nil {
			return domain.CovenantTest{}, storage("update covenant", err)
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.TypeCovenantTested, c.DealID, opts.ActorID, e.actorName(ctx, c.DealID, opts.ActorID), audit.Details{
		"covenant_id": c.ID,
		"kind":        c.Kind,
		"value":       opts.Value,
		"breached":    breached,
	}); err != nil {
		return domain.CovenantTest{}, storage("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.CovenantTest{}, storage("commit", err)
	}
	return t, nil
}

// --- ESG KPIs ---

type CreateKPIOptions struct {
	DealID  string
	Kind    string
	Unit    string
	Target  float64
	ActorID string
}

func (e *Engine) CreateKPI(ctx context.Context, opts CreateKPIOptions) (domain.KPI, error) {
	if _, err := e.Repo.GetDeal(ctx, opts.DealID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.KPI{}, err
		}
		return domain.KPI{}, storage("get deal", err)
	}
	if !e.Config.KPIKindKnown(opts.Kind) {
		return domain.KPI{}, fmt.Errorf("unknown kpi kind %q", opts.Kind)
	}
	k := domain.KPI{
		ID:        uuid.NewString(),
		DealID:    opts.DealID,
		Kind:      opts.Kind,
		Unit:      opts.Unit,
		Target:    opts.Target,
		CreatedAt: e.now(),
	}
	if err := e.Repo.InsertKPI(ctx, k); err != nil {
		return domain.KPI{}, storage("insert kpi", err)
	}
	return k, nil
}

type RecordObservationOptions struct {
	KPIID   string
	Period  string
	Value   float64
	ActorID string
}

func (e *Engine) RecordKPIObservation(ctx context.Context, opts RecordObservationOptions) (domain.KPIObservation, error) {
	k, err := e.Repo.GetKPI(ctx, opts.KPIID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.KPIObservation{}, err
		}
		return domain.KPIObservation{}, storage("get kpi", err)
	}
	o := domain.KPIObservation{
		ID:         uuid.NewString(),
		KPIID:      k.ID,
		Period:     opts.Period,
		Value:      opts.Value,
		RecordedBy: opts.ActorID,
		CreatedAt:  e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.KPIObservation{}, storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertKPIObservation(ctx, tx, o); err != nil {
		return domain.KPIObservation{}, storage("insert observation", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.TypeKPIRecorded, k.DealID, opts.ActorID, e.actorName(ctx, k.DealID, opts.ActorID), audit.Details{
		"kpi_id": k.ID,
		"kind":   k.Kind,
		"period": opts.Period,
		"value":  opts.Value,
	}); err != nil {
		return domain.KPIObservation{}, storage("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.KPIObservation{}, storage("commit", err)
	}
	return o, nil
}

// --- dashboard ---

type Dashboard struct {
	DealsByStatus     map[string]int         `json:"deals_by_status"`
	TotalDeals        int                    `json:"total_deals"`
	BreachedCovenants int                    `json:"breached_covenants"`
	RecentActivity    []domain.ActivityEntry `json:"recent_activity"`
}

func (e *Engine) DashboardSummary(ctx context.Context) (Dashboard, error) {
	counts, err := e.Repo.CountDealsByStatus(ctx, e.Config.Org.ID)
	if err != nil {
		return Dashboard{}, storage("count deals", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	breached, err := e.Repo.CountBreachedCovenants(ctx, e.Config.Org.ID)
	if err != nil {
		return Dashboard{}, storage("count covenants", err)
	}
	recent, err := e.Repo.RecentActivity(ctx, e.Config.Org.ID, 10)
	if err != nil {
		return Dashboard{}, storage("recent activity", err)
	}
	if recent == nil {
		recent = []domain.ActivityEntry{}
	}
	return Dashboard{
		DealsByStatus:     counts,
		TotalDeals:        total,
		BreachedCovenants: breached,
		RecentActivity:    recent,
	}, nil
}
