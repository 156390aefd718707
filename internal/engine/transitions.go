package engine

import (
	"context"
	"fmt"

	"podline/internal/domain"
	"podline/internal/events"
)

// TransitionError reports a status change outside the lifecycle graph.
type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid work order status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func allowed(from, to domain.Status) bool {
	switch from {
	case domain.StatusDraft:
		return to == domain.StatusPlanning
	case domain.StatusPlanning:
		return to == domain.StatusAwaitingApproval || to == domain.StatusDraft
	case domain.StatusAwaitingApproval:
		return to == domain.StatusExecuting || to == domain.StatusDraft
	case domain.StatusExecuting:
		switch to {
		case domain.StatusCheckpoint, domain.StatusPaused, domain.StatusPausedWaitingForUser,
			domain.StatusCompleting, domain.StatusFailed, domain.StatusCancelled:
			return true
		}
	case domain.StatusCheckpoint:
		switch to {
		case domain.StatusExecuting, domain.StatusPaused, domain.StatusCancelled,
			domain.StatusPausedWaitingForUser, domain.StatusFailed:
			return true
		}
	case domain.StatusPaused:
		return to == domain.StatusExecuting || to == domain.StatusCancelled || to == domain.StatusFailed
	case domain.StatusPausedWaitingForUser:
		return to == domain.StatusExecuting || to == domain.StatusCancelled || to == domain.StatusFailed
	case domain.StatusCompleting:
		return to == domain.StatusCompleted || to == domain.StatusFailed
	}
	return false
}

func ensureTransition(from, to domain.Status) error {
	if allowed(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// transitionLocked moves wo to status to, stamping start and completion
// times. Entering a terminal status stops every active pod. e.mu must be held.
func (e *Engine) transitionLocked(ctx context.Context, wo *domain.WorkOrder, to domain.Status) error {
	from := wo.Status
	if err := ensureTransition(from, to); err != nil {
		return err
	}
	now := e.stamp()
	wo.Status = to
	if to == domain.StatusExecuting && wo.StartedAt == nil {
		wo.StartedAt = &now
	}
	if to.Terminal() {
		wo.CompletedAt = &now
		e.stopPodsLocked(ctx, wo)
	}
	e.metrics.Inc("podline_status_transitions_total", map[string]string{"to": string(to)})
	e.emit(ctx, wo, events.WorkOrderStatus, "work_order", wo.ID, map[string]any{
		"from": from,
		"to":   to,
	})
	return nil
}

func (e *Engine) failLocked(ctx context.Context, wo *domain.WorkOrder, reason string) {
	if wo.Status.Terminal() {
		return
	}
	wo.FailureReason = reason
	if err := e.transitionLocked(ctx, wo, domain.StatusFailed); err != nil {
		e.log.Warn("cannot mark work order failed", "work_order_id", wo.ID, "err", err)
		return
	}
	e.emit(ctx, wo, events.ExecutorFailed, "work_order", wo.ID, map[string]any{"reason": reason})
}

func (e *Engine) stopPodsLocked(ctx context.Context, wo *domain.WorkOrder) {
	for _, id := range wo.ActivePodList() {
		e.terminatePodLocked(ctx, wo, wo.Pods[id])
	}
}
