// Package engine is the authoritative in-memory registry of work orders. It
// owns the lifecycle state machine, pods, checkpoints, artifacts and
// receipts. Every mutation applies under one lock, bumps the last-update
// counter, and schedules a durable write plus a journal event through the
// write-behind queue; the backing store is never consulted on reads.
//
// Collaborators (executor, planner, summarizer, narrator) are always called
// without the lock held, so an operation that needs one validates, releases
// the lock, calls out, then re-acquires the lock and re-validates before
// applying its result.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"podline/internal/config"
	"podline/internal/domain"
	"podline/internal/events"
	"podline/internal/observability"
	"podline/internal/persist"
	"podline/internal/planner"
	"podline/internal/receipt"
	"podline/internal/repo"
	"podline/internal/writebehind"
)

var (
	ErrNotFound              = repo.ErrNotFound
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrCheckpointOutstanding = errors.New("another checkpoint is awaiting a decision")
	ErrPodTerminated         = errors.New("pod is terminated")
	ErrNoPlan                = errors.New("work order has no plan")
	ErrPlanSynthesis         = errors.New("plan synthesis failed")
	ErrTerminal              = errors.New("work order is in a terminal state")
	ErrInvalidInput          = errors.New("invalid input")
	ErrExecutor              = errors.New("execution engine request failed")
)

// Store is the durable side of the registry.
type Store interface {
	SaveWorkOrder(ctx context.Context, rec persist.Record) error
	DeleteWorkOrder(ctx context.Context, id string) error
	ListWorkOrders(ctx context.Context) ([]persist.Record, error)
}

// Journal receives lifecycle events in order.
type Journal interface {
	AppendAll(ctx context.Context, evts []domain.Event) (int, error)
}

// Planner synthesizes an execution plan for a work order snapshot.
type Planner interface {
	Synthesize(ctx context.Context, wo *domain.WorkOrder) (domain.ExecutionPlan, error)
}

// ReceiptGenerator must always return receipts.
type ReceiptGenerator interface {
	Generate(ctx context.Context, wo *domain.WorkOrder) domain.Receipts
}

type Options struct {
	Store    Store
	Journal  Journal
	Executor Executor
	Narrator Narrator
	Planner  Planner
	Receipts ReceiptGenerator
	Queue    *writebehind.Queue
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *observability.Registry
	Now      func() time.Time
	NewID    func() string
}

type Engine struct {
	store    Store
	journal  Journal
	executor Executor
	narrator Narrator
	planner  Planner
	receipts ReceiptGenerator
	queue    *writebehind.Queue
	cfg      *config.Config
	log      *slog.Logger
	metrics  *observability.Registry
	nowFn    func() time.Time
	newID    func() string

	mu       sync.Mutex
	orders   map[string]*domain.WorkOrder
	owners   map[string]string
	activeID string
	pending  []domain.Event
	timers   map[*time.Timer]struct{}
	closed   bool

	lastUpdate atomic.Int64
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:    opts.Store,
		journal:  opts.Journal,
		executor: opts.Executor,
		narrator: opts.Narrator,
		planner:  opts.Planner,
		receipts: opts.Receipts,
		queue:    opts.Queue,
		cfg:      cfg,
		log:      log.With("component", "engine"),
		metrics:  opts.Metrics,
		nowFn:    opts.Now,
		newID:    opts.NewID,
		orders:   map[string]*domain.WorkOrder{},
		owners:   map[string]string{},
		timers:   map[*time.Timer]struct{}{},
	}
	if e.executor == nil {
		e.executor = NopExecutor{}
	}
	if e.planner == nil {
		e.planner = planner.New()
	}
	if e.receipts == nil {
		e.receipts = receipt.Generator{Logger: log, Now: opts.Now}
	}
	if e.queue == nil {
		e.queue = writebehind.New(writebehind.Options{
			Window:      cfg.Persistence.Debounce,
			MaxAttempts: cfg.Persistence.MaxAttempts,
			Backoff:     cfg.Persistence.RetryBackoff,
			Timeout:     cfg.Persistence.WriteTimeout,
			Logger:      log,
		})
	}
	if e.metrics == nil {
		e.metrics = observability.Default
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

type actorKey struct{}

// WithActor attaches the acting identity recorded on journal events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the acting identity, "system" when none is attached.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// LastUpdate increases on every applied mutation.
func (e *Engine) LastUpdate() int64 {
	return e.lastUpdate.Load()
}

// PersistenceStatus reports the write-behind queue bookkeeping.
func (e *Engine) PersistenceStatus() writebehind.Status {
	return e.queue.Status()
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Load replaces the registry with the work orders in the store.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	recs, err := e.store.ListWorkOrders(ctx)
	if err != nil {
		return fmt.Errorf("load work orders: %w", err)
	}
	e.mu.Lock()
	e.orders = map[string]*domain.WorkOrder{}
	e.owners = map[string]string{}
	for _, rec := range recs {
		wo := persist.ToWorkOrder(rec)
		e.orders[wo.ID] = wo
		e.index(wo)
	}
	e.activeID = e.mostRecentLocked("")
	e.lastUpdate.Add(1)
	e.mu.Unlock()

	e.log.Info("registry loaded", "work_orders", len(recs))
	return nil
}

// Recover runs crash recovery after Load: every order left executing loses
// its active pod ids and is resumed after the configured delay.
func (e *Engine) Recover(ctx context.Context) {
	e.mu.Lock()
	var recovering []string
	for _, wo := range e.orders {
		if wo.Status != domain.StatusExecuting {
			continue
		}
		wo.ActivePodIDs = map[string]struct{}{}
		e.save(wo.ID)
		recovering = append(recovering, wo.ID)
	}
	sort.Strings(recovering)
	e.lastUpdate.Add(1)
	delay := e.cfg.Recovery.ResumeDelay
	if delay > 0 {
		for _, id := range recovering {
			id := id
			e.afterLocked(delay, func() { e.recover(context.Background(), id) })
		}
	}
	e.mu.Unlock()

	if len(recovering) > 0 {
		e.log.Info("recovering work orders", "count", len(recovering), "resume_delay", delay)
	}
	if delay <= 0 {
		for _, id := range recovering {
			e.recover(ctx, id)
		}
	}
}

func (e *Engine) recover(ctx context.Context, id string) {
	e.mu.Lock()
	wo, ok := e.orders[id]
	if !ok || wo.Status != domain.StatusExecuting || e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	err := e.forward(ctx, "resume", id, e.executor.Resume)

	e.mu.Lock()
	defer e.mu.Unlock()
	wo, ok = e.orders[id]
	if !ok || wo.Status != domain.StatusExecuting {
		return
	}
	if err != nil {
		e.log.Error("resume after restart failed", "work_order_id", id, "err", err)
		e.failLocked(ctx, wo, fmt.Sprintf("resume after restart: %v", err))
		e.commit(wo)
		return
	}
	e.log.Info("work order resumed after restart", "work_order_id", id)
	e.emit(ctx, wo, events.RecoveryResumed, "work_order", wo.ID, nil)
	e.commit(wo)
}

// Close stops pending timers and flushes outstanding durable writes.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = map[*time.Timer]struct{}{}
	e.mu.Unlock()
	return e.queue.Close(ctx)
}

// Flush writes everything queued so far without closing.
func (e *Engine) Flush(ctx context.Context) error {
	return e.queue.Flush(ctx)
}

// afterLocked runs fn after d unless the engine closes first. e.mu must be held.
func (e *Engine) afterLocked(d time.Duration, fn func()) {
	if e.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.mu.Lock()
		_, live := e.timers[t]
		delete(e.timers, t)
		e.mu.Unlock()
		if live {
			fn()
		}
	})
	e.timers[t] = struct{}{}
}

func (e *Engine) index(wo *domain.WorkOrder) {
	for id := range wo.Pods {
		e.owners[id] = wo.ID
	}
	for _, cp := range wo.Checkpoints {
		e.owners[cp.ID] = wo.ID
	}
	for _, a := range wo.Artifacts {
		e.owners[a.ID] = wo.ID
	}
}

func (e *Engine) unindex(wo *domain.WorkOrder) {
	for id := range wo.Pods {
		delete(e.owners, id)
	}
	for _, cp := range wo.Checkpoints {
		delete(e.owners, cp.ID)
	}
	for _, a := range wo.Artifacts {
		delete(e.owners, a.ID)
	}
}

func (e *Engine) getLocked(id string) (*domain.WorkOrder, error) {
	wo, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("work order %s: %w", id, ErrNotFound)
	}
	return wo, nil
}

// ownerLocked resolves the work order owning a pod, checkpoint or artifact.
func (e *Engine) ownerLocked(childID string) (*domain.WorkOrder, error) {
	woID, ok := e.owners[childID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", childID, ErrNotFound)
	}
	return e.getLocked(woID)
}

// commit finalizes a mutation of wo: touch updated-at, bump the change
// counter and schedule the durable write. e.mu must be held.
func (e *Engine) commit(wo *domain.WorkOrder) {
	wo.UpdatedAt = e.stamp()
	e.lastUpdate.Add(1)
	e.save(wo.ID)
}

func (e *Engine) save(id string) {
	if e.store == nil {
		return
	}
	key := "work_order:" + id
	_ = e.queue.Schedule(key, func(ctx context.Context) error {
		rec, ok := e.record(id)
		if !ok {
			return nil
		}
		ctx, span := observability.StartSpan(ctx, "store.save_work_order")
		err := e.store.SaveWorkOrder(ctx, rec)
		observability.EndSpan(span, err)
		if err != nil {
			e.metrics.Inc("podline_durable_write_failures_total", map[string]string{"kind": "work_order"})
		}
		return err
	})
}

func (e *Engine) record(id string) (persist.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, ok := e.orders[id]
	if !ok {
		return persist.Record{}, false
	}
	return persist.FromWorkOrder(wo), true
}

func (e *Engine) scheduleDelete(id string) {
	if e.store == nil {
		return
	}
	_ = e.queue.Schedule("work_order:"+id, func(ctx context.Context) error {
		err := e.store.DeleteWorkOrder(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	})
}

// emit queues a journal event. e.mu must be held.
func (e *Engine) emit(ctx context.Context, wo *domain.WorkOrder, typ, kind, entityID string, payload map[string]any) {
	if e.journal == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	evt := domain.Event{
		TS:         e.stamp(),
		Type:       typ,
		EntityKind: kind,
		EntityID:   entityID,
		ActorID:    ActorFrom(ctx),
		Payload:    string(data),
	}
	if wo != nil {
		evt.WorkOrderID = wo.ID
	}
	e.pending = append(e.pending, evt)
	_ = e.queue.Schedule("journal", e.writeJournal)
}

func (e *Engine) writeJournal(ctx context.Context) error {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	n, err := e.journal.AppendAll(ctx, batch)
	if err != nil {
		e.mu.Lock()
		e.pending = append(append([]domain.Event{}, batch[n:]...), e.pending...)
		e.mu.Unlock()
		e.metrics.Inc("podline_durable_write_failures_total", map[string]string{"kind": "journal"})
		return err
	}
	return nil
}

// mostRecentLocked returns the id of the most recently updated order other
// than skip, or "" when none remain.
func (e *Engine) mostRecentLocked(skip string) string {
	var best *domain.WorkOrder
	for id, wo := range e.orders {
		if id == skip {
			continue
		}
		if best == nil || newer(wo, best) {
			best = wo
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func newer(a, b *domain.WorkOrder) bool {
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

func sortedOrders(m map[string]*domain.WorkOrder, keep func(*domain.WorkOrder) bool) []domain.WorkOrder {
	out := make([]domain.WorkOrder, 0, len(m))
	for _, wo := range m {
		if keep == nil || keep(wo) {
			out = append(out, *wo.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
