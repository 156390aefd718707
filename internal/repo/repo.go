package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"podline/internal/domain"
	"podline/internal/persist"
)

type Repo struct {
	DB *sql.DB
	// Log receives warnings about stored rows that cannot be read; nil uses
	// slog.Default.
	Log *slog.Logger
}

var ErrNotFound = errors.New("not found")

// SaveWorkOrder upserts the stored form of a work order.
func (r Repo) SaveWorkOrder(ctx context.Context, rec persist.Record) error {
	if rec.ID == "" {
		return errors.New("work order id required")
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal work order %s: %w", rec.ID, err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO work_orders(id,type,status,doc_json,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET type=excluded.type, status=excluded.status, doc_json=excluded.doc_json, updated_at=excluded.updated_at`,
		rec.ID, string(rec.Type), string(rec.Status), string(doc), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (persist.Record, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM work_orders WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return persist.Record{}, ErrNotFound
	}
	if err != nil {
		return persist.Record{}, err
	}
	return decodeRecord(id, doc)
}

// ListWorkOrders returns every stored work order, oldest first. Rows whose
// document cannot be decoded are logged and skipped so one corrupt record
// does not block loading the rest.
func (r Repo) ListWorkOrders(ctx context.Context) ([]persist.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,doc_json FROM work_orders ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []persist.Record
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(id, doc)
		if err != nil {
			r.logger().Warn("skipping unreadable work order", "id", id, "err", err)
			continue
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWorkOrder(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM work_orders WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountWorkOrdersByStatus returns stored work order counts keyed by status.
func (r Repo) CountWorkOrdersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func (r Repo) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func decodeRecord(id, doc string) (persist.Record, error) {
	var rec persist.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return persist.Record{}, fmt.Errorf("decode work order %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// EventFilter narrows event queries. Zero fields match everything.
type EventFilter struct {
	WorkOrderID string
	Type        string
	EntityKind  string
	EntityID    string
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkOrderID != "" {
		clauses = append(clauses, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return clauses, args
}

// LatestEvents returns up to limit events newest first. A positive cursor
// restricts the result to ids below it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(work_order_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(work_order_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// LatestEventID returns the most recent event id, 0 when the journal is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WorkOrderID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
