package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"loanos/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- organizations and users ---

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,org_id,email,name,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.OrgID, nullable(u.Email), u.Name, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,email,name,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.OrgID, &email, &u.Name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if email.Valid {
		u.Email = email.String
	}
	return u, err
}

// --- deals ---

func scanDeal(scan func(dest ...any) error) (domain.Deal, error) {
	var d domain.Deal
	var margin sql.NullInt64
	var desc, closedAt sql.NullString
	err := scan(&d.ID, &d.OrgID, &d.Name, &d.Borrower, &d.AmountCents, &d.Currency, &margin, &d.Status, &desc, &d.CreatedAt, &d.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if margin.Valid {
		m := int(margin.Int64)
		d.MarginBps = &m
	}
	if desc.Valid {
		d.Description = desc.String
	}
	if closedAt.Valid {
		d.ClosedAt = &closedAt.String
	}
	return d, nil
}

const dealColumns = `id,org_id,name,borrower,amount_cents,currency,margin_bps,status,description,created_at,updated_at,closed_at`

func (r Repo) InsertDeal(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deals(`+dealColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.OrgID, d.Name, d.Borrower, d.AmountCents, d.Currency, nullableIntPtr(d.MarginBps),
		d.Status, nullable(d.Description), d.CreatedAt, d.UpdatedAt, nullableStringPtr(d.ClosedAt))
	return err
}

func (r Repo) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=?`, id)
	return scanDeal(row.Scan)
}

type DealFilters struct {
	OrgID           string
	Status          string
	Borrower        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDeals(ctx context.Context, f DealFilters) ([]domain.Deal, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Borrower != "" {
		clauses = append(clauses, "borrower=?")
		args = append(args, f.Borrower)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + dealColumns + ` FROM deals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDealMeta updates mutable deal fields; status is excluded on purpose,
// it only moves through UpdateDealStatus.
func (r Repo) UpdateDealMeta(ctx context.Context, id string, name, borrower, description *string, amountCents *int64, marginBps *int, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if borrower != nil {
		fields = append(fields, "borrower=?")
		args = append(args, *borrower)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if amountCents != nil {
		fields = append(fields, "amount_cents=?")
		args = append(args, *amountCents)
	}
	if marginBps != nil {
		fields = append(fields, "margin_bps=?")
		args = append(args, *marginBps)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE deals SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDealStatus performs a conditional status write: the row is only
// touched when its status still equals fromStatus. Returns the number of
// rows affected so the caller can distinguish a lost race from success.
func (r Repo) UpdateDealStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string, closedAt *string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE deals SET status=?, updated_at=?, closed_at=COALESCE(?, closed_at) WHERE id=? AND status=?`,
		toStatus, updatedAt, nullableStringPtr(closedAt), id, fromStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountDealsByStatus(ctx context.Context, orgID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM deals WHERE org_id=? GROUP BY status`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- participants ---

func (r Repo) AddParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO deal_participants(deal_id,user_id,display_name,role,added_at) VALUES (?,?,?,?,?)`,
		p.DealID, p.UserID, p.DisplayName, p.Role, p.AddedAt)
	return err
}

func (r Repo) ListParticipants(ctx context.Context, dealID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT deal_id,user_id,display_name,role,added_at FROM deal_participants WHERE deal_id=? ORDER BY added_at, user_id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.DealID, &p.UserID, &p.DisplayName, &p.Role, &p.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ParticipantName returns the display name of userID within the deal's
// participant list.
func (r Repo) ParticipantName(ctx context.Context, dealID, userID string) (string, error) {
	var name string
	err := r.DB.QueryRowContext(ctx, `SELECT display_name FROM deal_participants WHERE deal_id=? AND user_id=?`, dealID, userID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return name, err
}

// --- folders and documents ---

func (r Repo) InsertFolder(ctx context.Context, f domain.Folder) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO folders(id,deal_id,parent_id,name,created_at) VALUES (?,?,?,?,?)`,
		f.ID, f.DealID, nullableStringPtr(f.ParentID), f.Name, f.CreatedAt)
	return err
}

func (r Repo) ListFolders(ctx context.Context, dealID string) ([]domain.Folder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deal_id,parent_id,name,created_at FROM folders WHERE deal_id=? ORDER BY created_at, id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Folder
	for rows.Next() {
		var f domain.Folder
		var parent sql.NullString
		if err := rows.Scan(&f.ID, &f.DealID, &parent, &f.Name, &f.CreatedAt); err != nil {
			return nil, err
		}
		if parent.Valid {
			f.ParentID = &parent.String
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,deal_id,folder_id,name,mime_type,size_bytes,uploaded_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.DealID, nullableStringPtr(d.FolderID), d.Name, nullable(d.MimeType), d.SizeBytes, d.UploadedBy, d.CreatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var d domain.Document
	var folder, mime sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,deal_id,folder_id,name,mime_type,size_bytes,uploaded_by,created_at FROM documents WHERE id=?`, id).
		Scan(&d.ID, &d.DealID, &folder, &d.Name, &mime, &d.SizeBytes, &d.UploadedBy, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if folder.Valid {
		d.FolderID = &folder.String
	}
	if mime.Valid {
		d.MimeType = mime.String
	}
	return d, nil
}

func (r Repo) ListDocuments(ctx context.Context, dealID, folderID string) ([]domain.Document, error) {
	clauses := []string{"deal_id=?"}
	args := []any{dealID}
	if folderID != "" {
		clauses = append(clauses, "folder_id=?")
		args = append(args, folderID)
	}
	query := `SELECT id,deal_id,folder_id,name,mime_type,size_bytes,uploaded_by,created_at FROM documents WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		var folder, mime sql.NullString
		if err := rows.Scan(&d.ID, &d.DealID, &folder, &d.Name, &mime, &d.SizeBytes, &d.UploadedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		if folder.Valid {
			d.FolderID = &folder.String
		}
		if mime.Valid {
			d.MimeType = mime.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) DeleteDocument(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM documents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- covenants ---

func (r Repo) InsertCovenant(ctx context.Context, c domain.Covenant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO covenants(id,deal_id,kind,threshold,direction,frequency,status,next_test_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.DealID, c.Kind, c.Threshold, c.Direction, c.Frequency, c.Status, nullableStringPtr(c.NextTestAt), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCovenant(ctx context.Context, id string) (domain.Covenant, error) {
	var c domain.Covenant
	var next sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,deal_id,kind,threshold,direction,frequency,status,next_test_at,created_at,updated_at FROM covenants WHERE id=?`, id).
		Scan(&c.ID, &c.DealID, &c.Kind, &c.Threshold, &c.Direction, &c.Frequency, &c.Status, &next, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if next.Valid {
		c.NextTestAt = &next.String
	}
	return c, nil
}

func (r Repo) ListCovenants(ctx context.Context, dealID string) ([]domain.Covenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deal_id,kind,threshold,direction,frequency,status,next_test_at,created_at,updated_at FROM covenants WHERE deal_id=? ORDER BY created_at, id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Covenant
	for rows.Next() {
		var c domain.Covenant
		var next sql.NullString
		if err := rows.Scan(&c.ID, &c.DealID, &c.Kind, &c.Threshold, &c.Direction, &c.Frequency, &c.Status, &next, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if next.Valid {
			c.NextTestAt = &next.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCovenantStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, nextTestAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE covenants SET status=?, updated_at=?, next_test_at=COALESCE(?, next_test_at) WHERE id=?`,
		status, updatedAt, nullableStringPtr(nextTestAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertCovenantTest(ctx context.Context, tx *sql.Tx, t domain.CovenantTest) error {
	breached := 0
	if t.Breached {
		breached = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO covenant_tests(id,covenant_id,value,breached,tested_by,tested_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.CovenantID, t.Value, breached, t.TestedBy, t.TestedAt)
	return err
}

func (r Repo) ListCovenantTests(ctx context.Context, covenantID string) ([]domain.CovenantTest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,covenant_id,value,breached,tested_by,tested_at FROM covenant_tests WHERE covenant_id=? ORDER BY tested_at DESC, id DESC`, covenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CovenantTest
	for rows.Next() {
		var t domain.CovenantTest
		var breached int
		if err := rows.Scan(&t.ID, &t.CovenantID, &t.Value, &breached, &t.TestedBy, &t.TestedAt); err != nil {
			return nil, err
		}
		t.Breached = breached != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountBreachedCovenants(ctx context.Context, orgID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM covenants c JOIN deals d ON d.id=c.deal_id WHERE d.org_id=? AND c.status='breached'`, orgID).Scan(&n)
	return n, err
}

// --- ESG KPIs ---

func (r Repo) InsertKPI(ctx context.Context, k domain.KPI) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO esg_kpis(id,deal_id,kind,unit,target,created_at) VALUES (?,?,?,?,?,?)`,
		k.ID, k.DealID, k.Kind, nullable(k.Unit), k.Target, k.CreatedAt)
	return err
}

func (r Repo) GetKPI(ctx context.Context, id string) (domain.KPI, error) {
	var k domain.KPI
	var unit sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,deal_id,kind,unit,target,created_at FROM esg_kpis WHERE id=?`, id).
		Scan(&k.ID, &k.DealID, &k.Kind, &unit, &k.Target, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if unit.Valid {
		k.Unit = unit.String
	}
	return k, nil
}

func (r Repo) ListKPIs(ctx context.Context, dealID string) ([]domain.KPI, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deal_id,kind,unit,target,created_at FROM esg_kpis WHERE deal_id=? ORDER BY created_at, id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KPI
	for rows.Next() {
		var k domain.KPI
		var unit sql.NullString
		if err := rows.Scan(&k.ID, &k.DealID, &k.Kind, &unit, &k.Target, &k.CreatedAt); err != nil {
			return nil, err
		}
		if unit.Valid {
			k.Unit = unit.String
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) InsertKPIObservation(ctx context.Context, tx *sql.Tx, o domain.KPIObservation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO esg_kpi_observations(id,kpi_id,period,value,recorded_by,created_at) VALUES (?,?,?,?,?,?)`,
		o.ID, o.KPIID, o.Period, o.Value, o.RecordedBy, o.CreatedAt)
	return err
}

func (r Repo) ListKPIObservations(ctx context.Context, kpiID string) ([]domain.KPIObservation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kpi_id,period,value,recorded_by,created_at FROM esg_kpi_observations WHERE kpi_id=? ORDER BY period DESC, id DESC`, kpiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KPIObservation
	for rows.Next() {
		var o domain.KPIObservation
		if err := rows.Scan(&o.ID, &o.KPIID, &o.Period, &o.Value, &o.RecordedBy, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- activity log ---

func (r Repo) ListActivity(ctx context.Context, dealID string, limit int, cursor int64) ([]domain.ActivityEntry, error) {
	clauses := []string{"deal_id=?"}
	args := []any{dealID}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,deal_id,actor_id,actor_name,details_json FROM activity_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivity(rows)
}

// ActivityAfter returns entries with IDs greater than the cursor in ascending
// order. Used by the webhook dispatcher.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64, orgID string) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "deal_id IN (SELECT id FROM deals WHERE org_id=?)")
		args = append(args, orgID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,deal_id,actor_id,actor_name,details_json FROM activity_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivity(rows)
}

// RecentActivity returns the newest entries across all of an org's deals.
func (r Repo) RecentActivity(ctx context.Context, orgID string, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,deal_id,actor_id,actor_name,details_json FROM activity_log
		WHERE deal_id IN (SELECT id FROM deals WHERE org_id=?) ORDER BY id DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivity(rows)
}

// LatestActivityID returns the most recent activity entry ID for an org.
func (r Repo) LatestActivityID(ctx context.Context, orgID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity_log WHERE deal_id IN (SELECT id FROM deals WHERE org_id=?)`, orgID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanActivity(rows *sql.Rows) ([]domain.ActivityEntry, error) {
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DealID, &e.ActorID, &e.ActorName, &e.DetailsJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
