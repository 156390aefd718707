package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"podline/internal/db"
	"podline/internal/domain"
	"podline/internal/events"
	"podline/internal/migrate"
	"podline/internal/persist"
	"podline/internal/repo"
)

func openRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func TestWorkOrderUpsertAndList(t *testing.T) {
	r, _ := openRepo(t)
	ctx := context.Background()
	rec := persist.Record{ID: "wo-1", Type: domain.TypeGeneric, Status: domain.StatusDraft, Objective: "first", CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z"}
	if err := r.SaveWorkOrder(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Status = domain.StatusPlanning
	rec.Objective = "changed"
	if err := r.SaveWorkOrder(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.SaveWorkOrder(ctx, persist.Record{ID: "wo-2", CreatedAt: "2026-01-02T00:00:00Z", UpdatedAt: "2026-01-02T00:00:00Z"}); err != nil {
		t.Fatalf("save second: %v", err)
	}
	got, err := r.GetWorkOrder(ctx, "wo-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPlanning || got.Objective != "changed" {
		t.Fatalf("upsert not applied: %+v", got)
	}
	all, err := r.ListWorkOrders(ctx)
	if err != nil || len(all) != 2 || all[0].ID != "wo-1" {
		t.Fatalf("unexpected list %+v %v", all, err)
	}
	counts, err := r.CountWorkOrdersByStatus(ctx)
	if err != nil || counts["planning"] != 1 {
		t.Fatalf("unexpected counts %v %v", counts, err)
	}
	if err := r.DeleteWorkOrder(ctx, "wo-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetWorkOrder(ctx, "wo-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.DeleteWorkOrder(ctx, "wo-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestEventsCursor(t *testing.T) {
	r, conn := openRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: conn}
	batch := []domain.Event{
		{Type: events.WorkOrderCreated, WorkOrderID: "wo-1", EntityKind: "work_order", EntityID: "wo-1", ActorID: "system"},
		{Type: events.PodSpawned, WorkOrderID: "wo-1", EntityKind: "pod", EntityID: "p1", ActorID: "system"},
		{Type: events.WorkOrderCreated, WorkOrderID: "wo-2", EntityKind: "work_order", EntityID: "wo-2", ActorID: "ana"},
	}
	if n, err := w.AppendAll(ctx, batch); err != nil || n != 3 {
		t.Fatalf("append: %d %v", n, err)
	}
	last, err := r.LatestEventID(ctx)
	if err != nil || last != 3 {
		t.Fatalf("latest id %d %v", last, err)
	}
	latest, err := r.LatestEvents(ctx, 10, 0, repo.EventFilter{WorkOrderID: "wo-1"})
	if err != nil || len(latest) != 2 || latest[0].Type != events.PodSpawned {
		t.Fatalf("unexpected latest %+v %v", latest, err)
	}
	if latest[0].Payload != "{}" || latest[0].TS == "" {
		t.Fatalf("defaults not applied: %+v", latest[0])
	}
	after, err := r.EventsAfter(ctx, 10, 1, repo.EventFilter{})
	if err != nil || len(after) != 2 || after[0].ID != 2 {
		t.Fatalf("unexpected after %+v %v", after, err)
	}
	byType, err := r.LatestEvents(ctx, 10, 0, repo.EventFilter{Type: events.WorkOrderCreated})
	if err != nil || len(byType) != 2 {
		t.Fatalf("unexpected type filter %+v %v", byType, err)
	}
}

func TestAPIKeys(t *testing.T) {
	r, _ := openRepo(t)
	ctx := context.Background()
	hash := repo.HashAPIKey(" secret ")
	if hash != repo.HashAPIKey("secret") {
		t.Fatalf("hash should ignore surrounding whitespace")
	}
	if err := r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", ActorID: "ana", KeyHash: hash}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertAPIKey(ctx, domain.APIKey{ID: "k2"}); err == nil {
		t.Fatalf("expected validation error")
	}
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil || key.ActorID != "ana" {
		t.Fatalf("lookup: %+v %v", key, err)
	}
	keys, err := r.ListAPIKeys(ctx, "ana")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %+v %v", keys, err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListWorkOrdersSkipsUnreadableRows(t *testing.T) {
	r, conn := openRepo(t)
	ctx := context.Background()
	if err := r.SaveWorkOrder(ctx, persist.Record{ID: "wo-1", CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO work_orders(id,type,status,doc_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		"wo-bad", "generic", "draft", "{not json", "2026-01-02T00:00:00Z", "2026-01-02T00:00:00Z"); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}
	if err := r.SaveWorkOrder(ctx, persist.Record{ID: "wo-3", CreatedAt: "2026-01-03T00:00:00Z", UpdatedAt: "2026-01-03T00:00:00Z"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	all, err := r.ListWorkOrders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "wo-1" || all[1].ID != "wo-3" {
		t.Fatalf("expected the readable rows, got %+v", all)
	}
	if _, err := r.GetWorkOrder(ctx, "wo-bad"); err == nil {
		t.Fatalf("expected decode error for the corrupt row")
	}
}
