package engine

import (
	"context"
	"fmt"

	"podline/internal/domain"
	"podline/internal/events"
)

var decisionCheckpointStatus = map[domain.DecisionAction]domain.CheckpointStatus{
	domain.ActionContinue: domain.CheckpointApproved,
	domain.ActionCancel:   domain.CheckpointRejected,
	domain.ActionPause:    domain.CheckpointRejected,
}

var decisionOrderStatus = map[domain.DecisionAction]domain.Status{
	domain.ActionContinue: domain.StatusExecuting,
	domain.ActionCancel:   domain.StatusCancelled,
	domain.ActionPause:    domain.StatusPaused,
}

// AddCheckpoint registers a pending checkpoint on the work order.
func (e *Engine) AddCheckpoint(ctx context.Context, workOrderID, phaseID, reason string) (domain.Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(workOrderID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if wo.Status.Terminal() {
		return domain.Checkpoint{}, fmt.Errorf("work order %s is %s: %w", workOrderID, wo.Status, ErrTerminal)
	}
	cp := e.addCheckpointLocked(ctx, wo, phaseID, reason)
	e.commit(wo)
	return cp, nil
}

func (e *Engine) addCheckpointLocked(ctx context.Context, wo *domain.WorkOrder, phaseID, reason string) domain.Checkpoint {
	cp := domain.Checkpoint{
		ID:          e.newID(),
		WorkOrderID: wo.ID,
		PhaseID:     phaseID,
		Status:      domain.CheckpointPending,
		Reason:      reason,
		CreatedAt:   e.stamp(),
	}
	wo.Checkpoints = append(wo.Checkpoints, cp)
	e.owners[cp.ID] = wo.ID
	e.emit(ctx, wo, events.CheckpointAdded, "checkpoint", cp.ID, map[string]any{"phase_id": phaseID})
	return cp
}

func checkpointIndex(wo *domain.WorkOrder, id string) int {
	for i, cp := range wo.Checkpoints {
		if cp.ID == id {
			return i
		}
	}
	return -1
}

func outstanding(wo *domain.WorkOrder, except string) bool {
	for _, cp := range wo.Checkpoints {
		if cp.ID != except && cp.Status == domain.CheckpointReached && cp.Decision == nil {
			return true
		}
	}
	return false
}

// ReachCheckpoint marks a pending checkpoint reached and moves the executing
// order into checkpoint. At most one reached checkpoint may await a decision.
func (e *Engine) ReachCheckpoint(ctx context.Context, checkpointID string) (domain.WorkOrder, error) {
	e.mu.Lock()
	wo, err := e.ownerLocked(checkpointID)
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	i := checkpointIndex(wo, checkpointID)
	if i < 0 {
		e.mu.Unlock()
		return domain.WorkOrder{}, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNotFound)
	}
	if outstanding(wo, checkpointID) {
		e.mu.Unlock()
		return domain.WorkOrder{}, fmt.Errorf("work order %s: %w", wo.ID, ErrCheckpointOutstanding)
	}
	cp := &wo.Checkpoints[i]
	if cp.Status != domain.CheckpointPending {
		e.mu.Unlock()
		return domain.WorkOrder{}, fmt.Errorf("%w: checkpoint %s is %s", ErrInvalidTransition, checkpointID, cp.Status)
	}
	if err := e.transitionLocked(ctx, wo, domain.StatusCheckpoint); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	now := e.stamp()
	cp.Status = domain.CheckpointReached
	cp.ReachedAt = &now
	e.emit(ctx, wo, events.CheckpointReached, "checkpoint", checkpointID, map[string]any{"phase_id": cp.PhaseID})
	e.commit(wo)
	out := *wo.Clone()
	reason := cp.Reason
	e.mu.Unlock()

	e.narrate(ctx, out.ID, "Checkpoint reached: "+reason)
	return out, nil
}

// RespondCheckpoint records a decision for a reached checkpoint. Each
// decision applies exactly one work-order transition and is forwarded to
// the executor; an executor error fails the order instead.
func (e *Engine) RespondCheckpoint(ctx context.Context, checkpointID string, decision domain.CheckpointDecision) (domain.WorkOrder, error) {
	cpStatus, ok := decisionCheckpointStatus[decision.Action]
	if !ok {
		return domain.WorkOrder{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, decision.Action)
	}
	target := decisionOrderStatus[decision.Action]
	if decision.DecidedBy == "" {
		decision.DecidedBy = ActorFrom(ctx)
	}

	validate := func() (*domain.WorkOrder, int, error) {
		wo, err := e.ownerLocked(checkpointID)
		if err != nil {
			return nil, 0, err
		}
		i := checkpointIndex(wo, checkpointID)
		if i < 0 {
			return nil, 0, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNotFound)
		}
		cp := wo.Checkpoints[i]
		if cp.Status != domain.CheckpointReached || cp.Decision != nil {
			return nil, 0, fmt.Errorf("%w: checkpoint %s is %s", ErrInvalidTransition, checkpointID, cp.Status)
		}
		if err := ensureTransition(wo.Status, target); err != nil {
			return nil, 0, err
		}
		return wo, i, nil
	}

	e.mu.Lock()
	wo, _, err := validate()
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	woID := wo.ID
	e.mu.Unlock()

	var callErr error
	switch decision.Action {
	case domain.ActionContinue:
		callErr = e.forward(ctx, "resume", woID, e.executor.Resume)
	case domain.ActionCancel:
		callErr = e.forward(ctx, "cancel", woID, e.executor.Cancel)
	case domain.ActionPause:
		callErr = e.forward(ctx, "pause", woID, e.executor.Pause)
	}

	e.mu.Lock()
	wo, i, err := validate()
	if err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	now := e.stamp()
	cp := &wo.Checkpoints[i]
	cp.Status = cpStatus
	cp.Decision = &decision
	cp.DecidedAt = &now
	e.emit(ctx, wo, events.CheckpointDecided, "checkpoint", checkpointID, map[string]any{
		"action":     decision.Action,
		"decided_by": decision.DecidedBy,
	})
	if callErr != nil {
		e.log.Error("executor request failed", "work_order_id", woID, "decision", decision.Action, "err", callErr)
		e.failLocked(ctx, wo, fmt.Sprintf("checkpoint %s: %v", decision.Action, callErr))
		e.commit(wo)
		out := *wo.Clone()
		e.mu.Unlock()
		return out, fmt.Errorf("%w: checkpoint decision for %s: %v", ErrExecutor, woID, callErr)
	}
	if err := e.transitionLocked(ctx, wo, target); err != nil {
		e.mu.Unlock()
		return domain.WorkOrder{}, err
	}
	e.commit(wo)
	out := *wo.Clone()
	e.mu.Unlock()

	e.narrate(ctx, woID, fmt.Sprintf("Checkpoint decision: %s", decision.Action))
	return out, nil
}
