package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry types recorded by the engine.
const (
	TypeDealCreated    = "deal_created"
	TypeDealUpdated    = "deal_updated"
	TypeStatusChanged  = "status_changed"
	TypeCovenantTested = "covenant_tested"
	TypeKPIRecorded    = "kpi_recorded"
	TypeDocumentAdded  = "document_added"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Details map[string]any

// Append inserts an activity entry within the given transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, dealID, actorID, actorName string, details Details) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if details == nil {
		details = Details{}
	}
	if actorName == "" {
		actorName = "Unknown"
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity_log(ts,type,deal_id,actor_id,actor_name,details_json) VALUES (?,?,?,?,?,?)`,
		ts, entryType, dealID, actorID, actorName, string(data))
	return err
}

// Record runs Append in its own short transaction. Used for entries written
// after the mutation they describe has already committed.
func (w Writer) Record(ctx context.Context, entryType, dealID, actorID, actorName string, details Details) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, entryType, dealID, actorID, actorName, details); err != nil {
		return err
	}
	return tx.Commit()
}
