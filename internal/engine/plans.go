package engine

import (
	"context"
	"fmt"

	"podline/internal/budget"
	"podline/internal/domain"
	"podline/internal/events"
)

// GeneratePlan synthesizes a plan for a draft work order. On success the
// order awaits approval; when synthesis fails it returns to draft with no
// plan and the error wraps ErrPlanSynthesis.
func (e *Engine) GeneratePlan(ctx context.Context, id string) (domain.WorkOrder, error) {
	e.mu.Lock()
	wo, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if err := e.transitionLocked(ctx, wo, domain.StatusPlanning); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	wo.Plan = nil
	e.commit(wo)
	snapshot := wo.Clone()
	e.mu.Unlock()

	plan, synthErr := e.synthesize(ctx, snapshot)

	e.mu.Lock()
	wo, err = e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if wo.Status != domain.StatusPlanning {
		e.mu.Unlock()
		return domain.WorkOrder{}, &TransitionError{From: wo.Status, To: domain.StatusAwaitingApproval}
	}
	if synthErr != nil {
		e.log.Warn("plan synthesis failed", "work_order_id", id, "err", synthErr)
		wo.Plan = nil
		_ = e.transitionLocked(ctx, wo, domain.StatusDraft)
		e.emit(ctx, wo, events.PlanFailed, "work_order", id, map[string]any{"error": synthErr.Error()})
		e.commit(wo)
		e.mu.Unlock()
		return domain.WorkOrder{}, fmt.Errorf("%w: %v", ErrPlanSynthesis, synthErr)
	}
	wo.Plan = &plan
	wo.PlanFeedback = ""
	if err := e.transitionLocked(ctx, wo, domain.StatusAwaitingApproval); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	e.emit(ctx, wo, events.PlanGenerated, "plan", plan.ID, map[string]any{
		"phases":            len(plan.Phases),
		"estimated_minutes": plan.EstimatedMinutes,
	})
	e.commit(wo)
	out := *wo.Clone()
	e.mu.Unlock()

	e.narrate(ctx, id, fmt.Sprintf("Plan ready with %d phases, awaiting approval", len(plan.Phases)))
	return out, nil
}

func (e *Engine) synthesize(ctx context.Context, wo *domain.WorkOrder) (plan domain.ExecutionPlan, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("planner panicked: %v", r)
		}
	}()
	return e.planner.Synthesize(ctx, wo)
}

// ApprovePlan approves the pending plan and starts execution: the budget is
// allocated per phase, gated phases get pending checkpoints, one pod is
// spawned per required role and the executor is started. An executor error
// leaves the order failed.
func (e *Engine) ApprovePlan(ctx context.Context, id string) (domain.WorkOrder, error) {
	e.mu.Lock()
	wo, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if wo.Plan == nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, fmt.Errorf("work order %s: %w", id, ErrNoPlan)
	}
	if wo.Status != domain.StatusAwaitingApproval {
		e.mu.Unlock()
		return domain.WorkOrder{}, &TransitionError{From: wo.Status, To: domain.StatusExecuting}
	}
	approver := ActorFrom(ctx)
	now := e.stamp()
	wo.Plan.ApprovedAt = &now
	wo.Plan.ApprovedBy = approver
	budget.Allocate(&wo.TimeBudget, *wo.Plan)
	for _, ph := range wo.Plan.Phases {
		if ph.RequiresApproval {
			e.addCheckpointLocked(ctx, wo, ph.ID, fmt.Sprintf("Approval required before %s", ph.Name))
		}
	}
	for _, role := range wo.Plan.Roles() {
		if !hasActiveRole(wo, role) {
			e.spawnLocked(ctx, wo, role)
		}
	}
	e.emit(ctx, wo, events.PlanApproved, "plan", wo.Plan.ID, map[string]any{"approved_by": approver})
	if err := e.transitionLocked(ctx, wo, domain.StatusExecuting); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	e.commit(wo)
	e.mu.Unlock()

	execErr := e.forward(ctx, "execute", id, e.executor.Execute)

	e.mu.Lock()
	wo, err = e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if execErr != nil {
		e.log.Error("executor failed to start", "work_order_id", id, "err", execErr)
		e.failLocked(ctx, wo, fmt.Sprintf("execute: %v", execErr))
		e.commit(wo)
		out := *wo.Clone()
		e.mu.Unlock()
		return out, fmt.Errorf("%w: execute work order %s: %v", ErrExecutor, id, execErr)
	}
	out := *wo.Clone()
	e.mu.Unlock()

	e.narrate(ctx, id, fmt.Sprintf("Plan approved by %s; execution started with %d pods", approver, len(out.ActivePodIDs)))
	return out, nil
}

func hasActiveRole(wo *domain.WorkOrder, role domain.PodRole) bool {
	for id := range wo.ActivePodIDs {
		if p := wo.Pods[id]; p != nil && p.Role == role {
			return true
		}
	}
	return false
}

// RejectPlan discards the pending plan and returns the order to draft with
// the reviewer's feedback attached.
func (e *Engine) RejectPlan(ctx context.Context, id, feedback string) (domain.WorkOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(id)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if wo.Status != domain.StatusAwaitingApproval {
		return domain.WorkOrder{}, &TransitionError{From: wo.Status, To: domain.StatusDraft}
	}
	planID := ""
	if wo.Plan != nil {
		planID = wo.Plan.ID
	}
	if err := e.transitionLocked(ctx, wo, domain.StatusDraft); err != nil {
		return domain.WorkOrder{}, err
	}
	wo.Plan = nil
	wo.PlanFeedback = feedback
	e.emit(ctx, wo, events.PlanRejected, "plan", planID, map[string]any{"feedback": feedback})
	e.commit(wo)
	return *wo.Clone(), nil
}

// Complete finishes an executing order: it moves through completing,
// generates receipts and lands in completed.
func (e *Engine) Complete(ctx context.Context, id string) (domain.WorkOrder, error) {
	e.mu.Lock()
	wo, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if err := e.transitionLocked(ctx, wo, domain.StatusCompleting); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	e.commit(wo)
	snapshot := wo.Clone()
	e.mu.Unlock()

	snapshot.Status = domain.StatusCompleted
	r := e.receipts.Generate(ctx, snapshot)
	r.Executive.Outcome = domain.StatusCompleted

	e.mu.Lock()
	wo, err = e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	if wo.Status != domain.StatusCompleting {
		e.mu.Unlock()
		return domain.WorkOrder{}, &TransitionError{From: wo.Status, To: domain.StatusCompleted}
	}
	wo.Progress = 100
	wo.Receipts = &r
	e.emit(ctx, wo, events.ReceiptsGenerated, "work_order", id, map[string]any{"source": r.Source})
	if err := e.transitionLocked(ctx, wo, domain.StatusCompleted); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	e.commit(wo)
	out := *wo.Clone()
	e.mu.Unlock()

	e.narrate(ctx, id, r.Executive.Summary)
	return out, nil
}

// GenerateReceipts regenerates receipts for the order's current state. The
// latest generation replaces any earlier one.
func (e *Engine) GenerateReceipts(ctx context.Context, id string) (domain.Receipts, error) {
	e.mu.Lock()
	wo, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return domain.Receipts{}, err
	}
	snapshot := wo.Clone()
	e.mu.Unlock()

	r := e.receipts.Generate(ctx, snapshot)
	r.Executive.Outcome = snapshot.Status

	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err = e.getLocked(id)
	if err != nil {
		return domain.Receipts{}, err
	}
	wo.Receipts = &r
	e.emit(ctx, wo, events.ReceiptsGenerated, "work_order", id, map[string]any{"source": r.Source})
	e.commit(wo)
	return *r.Clone(), nil
}
