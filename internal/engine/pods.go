package engine

import (
	"context"
	"fmt"

	"podline/internal/domain"
	"podline/internal/events"
)

// HeartbeatFailureLimit is the number of consecutive failed heartbeats after
// which a pod is put into the error state.
const HeartbeatFailureLimit = 3

const maxWarnings = 10

// PodPatch updates a pod. Role and id are fixed at spawn and cannot be
// patched; the tool whitelist follows the role.
type PodPatch struct {
	Status        *domain.PodStatus
	Model         *domain.ModelConfig
	Limits        *domain.ResourceLimits
	CurrentTaskID *string
	Usage         *domain.ResourceUsage
	Outputs       []string
	Message       *domain.PodMessage
}

// HeartbeatReport is one liveness report from a pod's worker.
type HeartbeatReport struct {
	Healthy bool
	Warning string
	Usage   *domain.ResourceUsage
}

// Spawn creates a pod of role in the work order. The pod starts
// initializing and settles to idle after the configured delay.
func (e *Engine) Spawn(ctx context.Context, workOrderID string, role domain.PodRole) (domain.Pod, error) {
	if !role.Valid() {
		return domain.Pod{}, fmt.Errorf("%w: unknown pod role %q", ErrInvalidInput, role)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.getLocked(workOrderID)
	if err != nil {
		return domain.Pod{}, err
	}
	if wo.Status.Terminal() {
		return domain.Pod{}, fmt.Errorf("work order %s is %s: %w", workOrderID, wo.Status, ErrTerminal)
	}
	p := e.spawnLocked(ctx, wo, role)
	e.commit(wo)
	return *p.Clone(), nil
}

func (e *Engine) spawnLocked(ctx context.Context, wo *domain.WorkOrder, role domain.PodRole) *domain.Pod {
	fam := e.cfg.Family(role)
	now := e.stamp()
	id := e.newID()
	p := &domain.Pod{
		ID:          id,
		WorkOrderID: wo.ID,
		Name:        fmt.Sprintf("Pod %d (%s)", len(wo.Pods)+1, role),
		Role:        role,
		Status:      domain.PodInitializing,
		Health: domain.PodHealth{
			Status:        "healthy",
			LastHeartbeat: now,
		},
		Tools: orEmpty(fam.Tools),
		Limits: domain.ResourceLimits{
			MaxTokens:   fam.MaxTokens,
			MaxAPICalls: fam.MaxAPICalls,
			MemoryMB:    fam.MemoryMB,
			CPUCores:    fam.CPUCores,
		},
		MemoryScope:    wo.ID + "/" + id,
		TaskQueue:      []domain.PodTask{},
		CompletedTasks: []domain.PodTask{},
		Outputs:        []string{},
		Messages:       []domain.PodMessage{},
		CreatedAt:      now,
	}
	if wo.Pods == nil {
		wo.Pods = map[string]*domain.Pod{}
	}
	if wo.ActivePodIDs == nil {
		wo.ActivePodIDs = map[string]struct{}{}
	}
	wo.Pods[id] = p
	wo.ActivePodIDs[id] = struct{}{}
	e.owners[id] = wo.ID
	e.metrics.Inc("podline_pods_spawned_total", map[string]string{"role": string(role)})
	e.emit(ctx, wo, events.PodSpawned, "pod", id, map[string]any{"role": role, "name": p.Name})

	delay := e.cfg.Pods.SettleDelay
	if delay <= 0 {
		p.Status = domain.PodIdle
		return p
	}
	woID := wo.ID
	e.afterLocked(delay, func() { e.settle(woID, id) })
	return p
}

// settle moves a pod that is still initializing to idle.
func (e *Engine) settle(woID, podID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, ok := e.orders[woID]
	if !ok {
		return
	}
	p, ok := wo.Pods[podID]
	if !ok || p.Status != domain.PodInitializing {
		return
	}
	p.Status = domain.PodIdle
	e.emit(context.Background(), wo, events.PodUpdated, "pod", podID, map[string]any{"status": p.Status})
	e.commit(wo)
}

// livePodLocked returns a pod that may still be mutated. e.mu must be held.
func (e *Engine) livePodLocked(podID string) (*domain.WorkOrder, *domain.Pod, error) {
	wo, err := e.ownerLocked(podID)
	if err != nil {
		return nil, nil, err
	}
	p, ok := wo.Pods[podID]
	if !ok {
		return nil, nil, fmt.Errorf("pod %s: %w", podID, ErrNotFound)
	}
	if p.Status == domain.PodTerminated {
		return nil, nil, fmt.Errorf("pod %s: %w", podID, ErrPodTerminated)
	}
	return wo, p, nil
}

func (e *Engine) UpdatePod(ctx context.Context, podID string, patch PodPatch) (domain.Pod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, p, err := e.livePodLocked(podID)
	if err != nil {
		return domain.Pod{}, err
	}
	if patch.Status != nil {
		switch *patch.Status {
		case domain.PodIdle, domain.PodWorking, domain.PodError, domain.PodInitializing:
		case domain.PodTerminated:
			return domain.Pod{}, fmt.Errorf("%w: use terminate to stop a pod", ErrInvalidInput)
		default:
			return domain.Pod{}, fmt.Errorf("%w: unknown pod status %q", ErrInvalidInput, *patch.Status)
		}
		p.Status = *patch.Status
		if p.Status == domain.PodWorking && p.StartedAt == nil {
			now := e.stamp()
			p.StartedAt = &now
		}
	}
	if patch.Model != nil {
		p.Model = *patch.Model
	}
	if patch.Limits != nil {
		p.Limits = *patch.Limits
	}
	if patch.CurrentTaskID != nil {
		p.CurrentTaskID = *patch.CurrentTaskID
	}
	if patch.Usage != nil {
		p.Usage = *patch.Usage
	}
	p.Outputs = append(p.Outputs, patch.Outputs...)
	if patch.Message != nil {
		msg := *patch.Message
		if msg.TS == "" {
			msg.TS = e.stamp()
		}
		p.Messages = append(p.Messages, msg)
	}
	e.emit(ctx, wo, events.PodUpdated, "pod", podID, map[string]any{"status": p.Status})
	e.commit(wo)
	return *p.Clone(), nil
}

// TerminatePod stops a pod and removes it from the active set. Terminating
// an already terminated pod is a no-op.
func (e *Engine) TerminatePod(ctx context.Context, podID string) (domain.Pod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.ownerLocked(podID)
	if err != nil {
		return domain.Pod{}, err
	}
	p, ok := wo.Pods[podID]
	if !ok {
		return domain.Pod{}, fmt.Errorf("pod %s: %w", podID, ErrNotFound)
	}
	if p.Status == domain.PodTerminated {
		return *p.Clone(), nil
	}
	e.terminatePodLocked(ctx, wo, p)
	e.commit(wo)
	return *p.Clone(), nil
}

func (e *Engine) terminatePodLocked(ctx context.Context, wo *domain.WorkOrder, p *domain.Pod) {
	if p == nil || p.Status == domain.PodTerminated {
		return
	}
	now := e.stamp()
	p.Status = domain.PodTerminated
	p.StoppedAt = &now
	p.CurrentTaskID = ""
	delete(wo.ActivePodIDs, p.ID)
	e.emit(ctx, wo, events.PodTerminated, "pod", p.ID, nil)
}

// AssignTask enqueues task on the pod and makes it the current task.
func (e *Engine) AssignTask(ctx context.Context, podID string, task domain.PodTask) (domain.Pod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, p, err := e.livePodLocked(podID)
	if err != nil {
		return domain.Pod{}, err
	}
	if task.ID == "" {
		task.ID = e.newID()
	}
	if task.Name == "" {
		return domain.Pod{}, fmt.Errorf("%w: task name is required", ErrInvalidInput)
	}
	p.TaskQueue = append(p.TaskQueue, task)
	p.CurrentTaskID = task.ID
	p.Status = domain.PodWorking
	if p.StartedAt == nil {
		now := e.stamp()
		p.StartedAt = &now
	}
	e.emit(ctx, wo, events.PodTaskAssigned, "pod", podID, map[string]any{"task_id": task.ID, "name": task.Name})
	e.commit(wo)
	return *p.Clone(), nil
}

// CompletePodTask moves a queued task to the completed list. The next queued
// task becomes current; with an empty queue the pod goes idle.
func (e *Engine) CompletePodTask(ctx context.Context, podID, taskID string) (domain.Pod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, p, err := e.livePodLocked(podID)
	if err != nil {
		return domain.Pod{}, err
	}
	idx := -1
	for i, t := range p.TaskQueue {
		if t.ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Pod{}, fmt.Errorf("task %s on pod %s: %w", taskID, podID, ErrNotFound)
	}
	done := p.TaskQueue[idx]
	p.TaskQueue = append(p.TaskQueue[:idx:idx], p.TaskQueue[idx+1:]...)
	p.CompletedTasks = append(p.CompletedTasks, done)
	if p.CurrentTaskID == taskID {
		p.CurrentTaskID = ""
		if len(p.TaskQueue) > 0 {
			p.CurrentTaskID = p.TaskQueue[0].ID
		}
	}
	if len(p.TaskQueue) == 0 && p.Status == domain.PodWorking {
		p.Status = domain.PodIdle
	}
	e.emit(ctx, wo, events.PodTaskCompleted, "pod", podID, map[string]any{"task_id": taskID})
	e.commit(wo)
	return *p.Clone(), nil
}

// RecordHeartbeat updates pod liveness. Consecutive failures degrade the
// pod; reaching HeartbeatFailureLimit marks it unhealthy and in error.
func (e *Engine) RecordHeartbeat(ctx context.Context, podID string, hb HeartbeatReport) (domain.Pod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, p, err := e.livePodLocked(podID)
	if err != nil {
		return domain.Pod{}, err
	}
	p.Health.LastHeartbeat = e.stamp()
	if hb.Usage != nil {
		p.Usage = *hb.Usage
	}
	if hb.Warning != "" {
		p.Health.Warnings = append(p.Health.Warnings, hb.Warning)
		if n := len(p.Health.Warnings); n > maxWarnings {
			p.Health.Warnings = append([]string{}, p.Health.Warnings[n-maxWarnings:]...)
		}
	}
	prev := p.Health.Status
	if hb.Healthy {
		p.Health.ConsecutiveFailures = 0
		p.Health.Status = "healthy"
	} else {
		p.Health.ErrorCount++
		p.Health.ConsecutiveFailures++
		p.Health.Status = "degraded"
		if p.Health.ConsecutiveFailures >= HeartbeatFailureLimit {
			p.Health.Status = "unhealthy"
			p.Status = domain.PodError
		}
	}
	if prev != p.Health.Status {
		e.log.Warn("pod health changed", "pod_id", podID, "from", prev, "to", p.Health.Status)
		e.emit(ctx, wo, events.PodHeartbeat, "pod", podID, map[string]any{
			"health":               p.Health.Status,
			"consecutive_failures": p.Health.ConsecutiveFailures,
		})
	}
	e.commit(wo)
	return *p.Clone(), nil
}

// Pod returns one pod by id.
func (e *Engine) Pod(podID string) (domain.Pod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wo, err := e.ownerLocked(podID)
	if err != nil {
		return domain.Pod{}, err
	}
	p, ok := wo.Pods[podID]
	if !ok {
		return domain.Pod{}, fmt.Errorf("pod %s: %w", podID, ErrNotFound)
	}
	return *p.Clone(), nil
}
