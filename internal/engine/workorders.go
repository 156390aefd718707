package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"podline/internal/budget"
	"podline/internal/domain"
	"podline/internal/events"
)

type CreateOptions struct {
	Type           domain.OrderType
	Objective      string
	BudgetMinutes  float64
	QualityTarget  domain.QualityTarget
	AuthorityLevel domain.AuthorityLevel
	Scope          domain.Scope
}

// UpdateOptions patches a work order; nil fields are left alone. Status may
// only repeat the current status: moves go through the lifecycle operations,
// which carry their side effects.
type UpdateOptions struct {
	Objective      *string
	Type           *domain.OrderType
	BudgetMinutes  *float64
	QualityTarget  *domain.QualityTarget
	AuthorityLevel *domain.AuthorityLevel
	Scope          *domain.Scope
	Status         *domain.Status
	Progress       *float64
}

func validType(t domain.OrderType) bool {
	switch t {
	case domain.TypeGeneric, domain.TypeWebsiteBuild, domain.TypeResearchReport:
		return true
	}
	return false
}

func validQuality(q domain.QualityTarget) bool {
	switch q {
	case domain.QualityDraft, domain.QualityStandard, domain.QualityPremium, domain.QualityProduction:
		return true
	}
	return false
}

func validAuthority(a domain.AuthorityLevel) bool {
	switch a {
	case domain.AuthorityObserve, domain.AuthoritySupervised, domain.AuthorityAutonomous:
		return true
	}
	return false
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(100, math.Max(0, v))
}

// Create registers a new draft work order. The first order created becomes
// the active selection.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (domain.WorkOrder, error) {
	objective := strings.TrimSpace(opts.Objective)
	if objective == "" {
		return domain.WorkOrder{}, fmt.Errorf("%w: objective is required", ErrInvalidInput)
	}
	if opts.BudgetMinutes < 0 || math.IsNaN(opts.BudgetMinutes) {
		return domain.WorkOrder{}, fmt.Errorf("%w: budget must not be negative", ErrInvalidInput)
	}
	defaults := e.cfg.Defaults
	if opts.Type == "" {
		opts.Type = domain.TypeGeneric
	}
	if opts.QualityTarget == "" {
		opts.QualityTarget = defaults.QualityTarget
	}
	if opts.AuthorityLevel == "" {
		opts.AuthorityLevel = defaults.AuthorityLevel
	}
	if !validType(opts.Type) {
		return domain.WorkOrder{}, fmt.Errorf("%w: unknown work order type %q", ErrInvalidInput, opts.Type)
	}
	if !validQuality(opts.QualityTarget) {
		return domain.WorkOrder{}, fmt.Errorf("%w: unknown quality target %q", ErrInvalidInput, opts.QualityTarget)
	}
	if !validAuthority(opts.AuthorityLevel) {
		return domain.WorkOrder{}, fmt.Errorf("%w: unknown authority level %q", ErrInvalidInput, opts.AuthorityLevel)
	}
	total := opts.BudgetMinutes
	if total == 0 {
		total = defaults.BudgetMinutes
	}

	now := e.stamp()
	wo := &domain.WorkOrder{
		ID:             e.newID(),
		Type:           opts.Type,
		Status:         domain.StatusDraft,
		Objective:      objective,
		TimeBudget:     budget.New(total, defaults.WarningThreshold, defaults.CriticalThreshold),
		QualityTarget:  opts.QualityTarget,
		Scope:          cloneScope(opts.Scope),
		Pods:           map[string]*domain.Pod{},
		ActivePodIDs:   map[string]struct{}{},
		Artifacts:      []domain.Artifact{},
		Checkpoints:    []domain.Checkpoint{},
		AuthorityLevel: opts.AuthorityLevel,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	e.mu.Lock()
	e.orders[wo.ID] = wo
	if e.activeID == "" {
		e.activeID = wo.ID
	}
	e.emit(ctx, wo, events.WorkOrderCreated, "work_order", wo.ID, map[string]any{
		"type":           wo.Type,
		"budget_minutes": wo.TimeBudget.TotalMinutes,
	})
	e.commit(wo)
	out := *wo.Clone()
	e.mu.Unlock()

	e.metrics.Inc("podline_work_orders_created_total", map[string]string{"type": string(wo.Type)})
	e.log.Info("work order created", "work_order_id", wo.ID, "type", wo.Type)
	return out, nil
}

func cloneScope(s domain.Scope) domain.Scope {
	out := s
	out.AllowedPaths = orEmpty(s.AllowedPaths)
	out.ForbiddenPaths = orEmpty(s.ForbiddenPaths)
	out.AllowedTools = orEmpty(s.AllowedTools)
	out.AllowedAPIs = orEmpty(s.AllowedAPIs)
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}

// Update merges opts into the work order and touches updated-at. Status
// changes are rejected; a type change is only allowed while drafting.
func (e *Engine) Update(ctx context.Context, id string, opts UpdateOptions) (domain.WorkOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(id)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if wo.Status.Terminal() {
		return domain.WorkOrder{}, fmt.Errorf("work order %s is %s: %w", id, wo.Status, ErrTerminal)
	}
	if opts.Status != nil && *opts.Status != wo.Status {
		return domain.WorkOrder{}, fmt.Errorf("%w: status %s -> %s must go through the lifecycle operations", ErrInvalidInput, wo.Status, *opts.Status)
	}
	if opts.Objective != nil && strings.TrimSpace(*opts.Objective) == "" {
		return domain.WorkOrder{}, fmt.Errorf("%w: objective must not be empty", ErrInvalidInput)
	}
	if opts.Type != nil && !validType(*opts.Type) {
		return domain.WorkOrder{}, fmt.Errorf("%w: unknown work order type %q", ErrInvalidInput, *opts.Type)
	}
	if opts.Type != nil && *opts.Type != wo.Type && wo.Status != domain.StatusDraft {
		return domain.WorkOrder{}, fmt.Errorf("%w: type can only change while drafting", ErrInvalidInput)
	}
	if opts.QualityTarget != nil && !validQuality(*opts.QualityTarget) {
		return domain.WorkOrder{}, fmt.Errorf("%w: unknown quality target %q", ErrInvalidInput, *opts.QualityTarget)
	}
	if opts.AuthorityLevel != nil && !validAuthority(*opts.AuthorityLevel) {
		return domain.WorkOrder{}, fmt.Errorf("%w: unknown authority level %q", ErrInvalidInput, *opts.AuthorityLevel)
	}
	if opts.BudgetMinutes != nil && (*opts.BudgetMinutes <= 0 || math.IsNaN(*opts.BudgetMinutes)) {
		return domain.WorkOrder{}, fmt.Errorf("%w: budget must be positive", ErrInvalidInput)
	}

	var changed []string
	if opts.Objective != nil {
		wo.Objective = strings.TrimSpace(*opts.Objective)
		changed = append(changed, "objective")
	}
	if opts.Type != nil {
		wo.Type = *opts.Type
		changed = append(changed, "type")
	}
	if opts.QualityTarget != nil {
		wo.QualityTarget = *opts.QualityTarget
		changed = append(changed, "quality_target")
	}
	if opts.AuthorityLevel != nil {
		wo.AuthorityLevel = *opts.AuthorityLevel
		changed = append(changed, "authority_level")
	}
	if opts.BudgetMinutes != nil {
		budget.Resize(&wo.TimeBudget, *opts.BudgetMinutes)
		changed = append(changed, "budget_minutes")
	}
	if opts.Scope != nil {
		wo.Scope = cloneScope(*opts.Scope)
		changed = append(changed, "scope")
	}
	if opts.Progress != nil {
		wo.Progress = clampPercent(*opts.Progress)
		changed = append(changed, "progress")
	}
	if len(changed) > 0 {
		e.emit(ctx, wo, events.WorkOrderUpdated, "work_order", wo.ID, map[string]any{"fields": changed})
	}
	e.commit(wo)
	return *wo.Clone(), nil
}

// Delete removes a work order and all it owns. When it was the active
// selection, the most recently updated remaining order becomes active.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(id)
	if err != nil {
		return err
	}
	e.unindex(wo)
	delete(e.orders, id)
	if e.activeID == id {
		e.activeID = e.mostRecentLocked("")
	}
	e.emit(ctx, wo, events.WorkOrderDeleted, "work_order", id, nil)
	e.lastUpdate.Add(1)
	e.scheduleDelete(id)
	e.log.Info("work order deleted", "work_order_id", id)
	return nil
}

// Select restores a selection made by an earlier session. Unknown ids are
// ignored and nothing is journaled.
func (e *Engine) Select(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.orders[id]; !ok || e.activeID == id {
		return ok
	}
	e.activeID = id
	e.lastUpdate.Add(1)
	return true
}

// SetActive changes the active selection. An empty id clears it.
func (e *Engine) SetActive(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id == "" {
		e.activeID = ""
		e.lastUpdate.Add(1)
		return nil
	}
	wo, err := e.getLocked(id)
	if err != nil {
		return err
	}
	if e.activeID != id {
		e.activeID = id
		e.emit(ctx, wo, events.WorkOrderActivated, "work_order", id, nil)
		e.lastUpdate.Add(1)
	}
	return nil
}

func (e *Engine) Get(id string) (domain.WorkOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(id)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return *wo.Clone(), nil
}

// Active returns the active selection, if any.
func (e *Engine) Active() (domain.WorkOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, ok := e.orders[e.activeID]
	if !ok {
		return domain.WorkOrder{}, false
	}
	return *wo.Clone(), true
}

// GetByPodID resolves the work order that owns a pod.
func (e *Engine) GetByPodID(podID string) (domain.WorkOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.ownerLocked(podID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if _, ok := wo.Pods[podID]; !ok {
		return domain.WorkOrder{}, fmt.Errorf("pod %s: %w", podID, ErrNotFound)
	}
	return *wo.Clone(), nil
}

// List returns every work order in creation order.
func (e *Engine) List() []domain.WorkOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedOrders(e.orders, nil)
}

// ListActive returns the orders being worked on: planning, executing or
// stopped at a checkpoint.
func (e *Engine) ListActive() []domain.WorkOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedOrders(e.orders, func(wo *domain.WorkOrder) bool {
		switch wo.Status {
		case domain.StatusPlanning, domain.StatusExecuting, domain.StatusCheckpoint:
			return true
		}
		return false
	})
}

func (e *Engine) ListCompleted() []domain.WorkOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedOrders(e.orders, func(wo *domain.WorkOrder) bool { return wo.Status == domain.StatusCompleted })
}

// control validates the move to status to, forwards the request to the
// executor and then reflects the result. An executor error fails the order.
func (e *Engine) control(ctx context.Context, id string, to domain.Status, verb string, call func(context.Context, string) error) (domain.WorkOrder, error) {
	e.mu.Lock()
	wo, err := e.getLocked(id)
	if err == nil {
		err = ensureTransition(wo.Status, to)
	}
	e.mu.Unlock()
	if err != nil {
		return domain.WorkOrder{}, err
	}

	callErr := e.forward(ctx, verb, id, call)

	e.mu.Lock()
	wo, err = e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if callErr != nil {
		e.log.Error("executor request failed", "work_order_id", id, "request", verb, "err", callErr)
		e.failLocked(ctx, wo, fmt.Sprintf("%s: %v", verb, callErr))
		e.commit(wo)
		out := *wo.Clone()
		e.mu.Unlock()
		return out, fmt.Errorf("%w: %s work order %s: %v", ErrExecutor, verb, id, callErr)
	}
	if err := e.transitionLocked(ctx, wo, to); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	e.commit(wo)
	out := *wo.Clone()
	e.mu.Unlock()

	e.narrate(ctx, id, fmt.Sprintf("Work order is now %s", to))
	return out, nil
}

func (e *Engine) Pause(ctx context.Context, id string) (domain.WorkOrder, error) {
	return e.control(ctx, id, domain.StatusPaused, "pause", e.executor.Pause)
}

func (e *Engine) Resume(ctx context.Context, id string) (domain.WorkOrder, error) {
	return e.control(ctx, id, domain.StatusExecuting, "resume", e.executor.Resume)
}

// WaitForUser pauses execution until a person intervenes.
func (e *Engine) WaitForUser(ctx context.Context, id string) (domain.WorkOrder, error) {
	return e.control(ctx, id, domain.StatusPausedWaitingForUser, "pause", e.executor.Pause)
}

func (e *Engine) Cancel(ctx context.Context, id string) (domain.WorkOrder, error) {
	return e.control(ctx, id, domain.StatusCancelled, "cancel", e.executor.Cancel)
}

// Fail records a failure reported by the execution engine.
func (e *Engine) Fail(ctx context.Context, id, reason string) (domain.WorkOrder, error) {
	e.mu.Lock()
	wo, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if err := ensureTransition(wo.Status, domain.StatusFailed); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	wo.FailureReason = reason
	if err := e.transitionLocked(ctx, wo, domain.StatusFailed); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	e.commit(wo)
	out := *wo.Clone()
	e.mu.Unlock()

	e.narrate(ctx, id, "Work order failed: "+reason)
	return out, nil
}

// ReportProgress records overall progress in percent, clamped to [0,100].
func (e *Engine) ReportProgress(ctx context.Context, id string, percent float64, message string) (domain.WorkOrder, error) {
	e.mu.Lock()
	wo, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if wo.Status.Terminal() {
		e.mu.Unlock()
		return domain.WorkOrder{}, fmt.Errorf("work order %s is %s: %w", id, wo.Status, ErrTerminal)
	}
	wo.Progress = clampPercent(percent)
	e.emit(ctx, wo, events.ProgressReported, "work_order", id, map[string]any{
		"progress": wo.Progress,
		"message":  message,
	})
	e.commit(wo)
	out := *wo.Clone()
	e.mu.Unlock()

	if message != "" {
		e.narrate(ctx, id, message)
	}
	return out, nil
}

// ReportElapsed records the absolute elapsed minutes and returns the budget
// signal. A threshold crossing is journaled but never halts work.
func (e *Engine) ReportElapsed(ctx context.Context, id string, minutes float64) (budget.Signal, error) {
	if minutes < 0 || math.IsNaN(minutes) {
		return budget.Signal{}, fmt.Errorf("%w: elapsed minutes must not be negative", ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(id)
	if err != nil {
		return budget.Signal{}, err
	}
	sig := budget.RecordElapsed(&wo.TimeBudget, minutes)
	if sig.Crossed {
		e.log.Warn("time budget threshold crossed", "work_order_id", id, "level", sig.Level, "used", sig.Used)
		e.emit(ctx, wo, events.BudgetSignal, "work_order", id, map[string]any{
			"level":    sig.Level,
			"previous": sig.Previous,
			"used":     sig.Used,
		})
	}
	e.commit(wo)
	return sig, nil
}

// CompleteTask marks a plan task complete and recomputes phase and overall
// progress.
func (e *Engine) CompleteTask(ctx context.Context, id, taskID string, actualMinutes float64) (domain.WorkOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(id)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if wo.Status.Terminal() {
		return domain.WorkOrder{}, fmt.Errorf("work order %s is %s: %w", id, wo.Status, ErrTerminal)
	}
	if wo.Plan == nil {
		return domain.WorkOrder{}, fmt.Errorf("work order %s: %w", id, ErrNoPlan)
	}
	task := findTask(wo.Plan, taskID)
	if task == nil {
		return domain.WorkOrder{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	task.Status = domain.TaskComplete
	if actualMinutes > 0 {
		task.ActualMinutes = actualMinutes
	}
	recomputeProgress(wo)
	e.emit(ctx, wo, events.ProgressReported, "task", taskID, map[string]any{"progress": wo.Progress})
	e.commit(wo)
	return *wo.Clone(), nil
}

// CompletePhase marks a phase and all of its tasks complete.
func (e *Engine) CompletePhase(ctx context.Context, id, phaseID string) (domain.WorkOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(id)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if wo.Status.Terminal() {
		return domain.WorkOrder{}, fmt.Errorf("work order %s is %s: %w", id, wo.Status, ErrTerminal)
	}
	if wo.Plan == nil {
		return domain.WorkOrder{}, fmt.Errorf("work order %s: %w", id, ErrNoPlan)
	}
	var ph *domain.Phase
	for i := range wo.Plan.Phases {
		if wo.Plan.Phases[i].ID == phaseID {
			ph = &wo.Plan.Phases[i]
		}
	}
	if ph == nil {
		return domain.WorkOrder{}, fmt.Errorf("phase %s: %w", phaseID, ErrNotFound)
	}
	for i := range ph.Tasks {
		ph.Tasks[i].Status = domain.TaskComplete
	}
	recomputeProgress(wo)
	ph.Status = domain.TaskComplete
	ph.Progress = 100
	e.emit(ctx, wo, events.ProgressReported, "phase", phaseID, map[string]any{"progress": wo.Progress})
	e.commit(wo)
	return *wo.Clone(), nil
}

func findTask(plan *domain.ExecutionPlan, taskID string) *domain.Task {
	for i := range plan.Phases {
		for j := range plan.Phases[i].Tasks {
			if plan.Phases[i].Tasks[j].ID == taskID {
				return &plan.Phases[i].Tasks[j]
			}
		}
	}
	return nil
}

func recomputeProgress(wo *domain.WorkOrder) {
	for i := range wo.Plan.Phases {
		ph := &wo.Plan.Phases[i]
		if len(ph.Tasks) == 0 {
			continue
		}
		done := 0
		for _, t := range ph.Tasks {
			if t.Status == domain.TaskComplete {
				done++
			}
		}
		ph.Progress = float64(done) / float64(len(ph.Tasks)) * 100
		switch {
		case done == len(ph.Tasks):
			ph.Status = domain.TaskComplete
		case done > 0:
			ph.Status = domain.TaskInProgress
		}
	}
	completed, total := wo.TaskCounts()
	if total > 0 {
		wo.Progress = clampPercent(float64(completed) / float64(total) * 100)
	}
}
