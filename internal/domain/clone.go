package domain

import "sort"

// CloneSlice copies s, keeping nil as nil.
func CloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func CloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func (p *Pod) Clone() *Pod {
	if p == nil {
		return nil
	}
	out := *p
	out.Health.Warnings = CloneSlice(p.Health.Warnings)
	out.Tools = CloneSlice(p.Tools)
	out.TaskQueue = CloneSlice(p.TaskQueue)
	out.CompletedTasks = CloneSlice(p.CompletedTasks)
	out.Outputs = CloneSlice(p.Outputs)
	out.Messages = CloneSlice(p.Messages)
	out.StartedAt = CloneString(p.StartedAt)
	out.StoppedAt = CloneString(p.StoppedAt)
	return &out
}

// SortedPods returns pods ordered by creation time, then id.
func SortedPods(pods map[string]*Pod) []*Pod {
	out := make([]*Pod, 0, len(pods))
	for _, p := range pods {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func ClonePhases(phases []Phase) []Phase {
	if phases == nil {
		return nil
	}
	out := make([]Phase, len(phases))
	for i, ph := range phases {
		ph.DependsOn = CloneSlice(ph.DependsOn)
		ph.Tasks = CloneSlice(ph.Tasks)
		ph.Roles = CloneSlice(ph.Roles)
		out[i] = ph
	}
	return out
}

func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Phases = ClonePhases(p.Phases)
	out.Strategy.PriorityOrder = CloneSlice(p.Strategy.PriorityOrder)
	if p.Strategy.Dependencies != nil {
		out.Strategy.Dependencies = make(map[string][]string, len(p.Strategy.Dependencies))
		for k, v := range p.Strategy.Dependencies {
			out.Strategy.Dependencies[k] = CloneSlice(v)
		}
	}
	out.Risks = CloneSlice(p.Risks)
	out.Assumptions = CloneSlice(p.Assumptions)
	out.Deliverables = CloneSlice(p.Deliverables)
	out.ApprovedAt = CloneString(p.ApprovedAt)
	return &out
}

func CloneCheckpoints(cps []Checkpoint) []Checkpoint {
	if cps == nil {
		return nil
	}
	out := make([]Checkpoint, len(cps))
	for i, cp := range cps {
		cp.ReachedAt = CloneString(cp.ReachedAt)
		cp.DecidedAt = CloneString(cp.DecidedAt)
		if cp.Decision != nil {
			d := *cp.Decision
			cp.Decision = &d
		}
		out[i] = cp
	}
	return out
}

func (r *Receipts) Clone() *Receipts {
	if r == nil {
		return nil
	}
	out := *r
	out.Executive.Accomplishments = CloneSlice(r.Executive.Accomplishments)
	out.Technical.Notes = CloneSlice(r.Technical.Notes)
	out.Rollback.ArtifactIDs = CloneSlice(r.Rollback.ArtifactIDs)
	if r.PerPod != nil {
		out.PerPod = make(map[string]PodReceipt, len(r.PerPod))
		for k, v := range r.PerPod {
			out.PerPod[k] = v
		}
	}
	return &out
}

// Clone deep-copies the work order so callers never share state with the
// registry.
func (w *WorkOrder) Clone() *WorkOrder {
	if w == nil {
		return nil
	}
	out := *w
	if w.TimeBudget.PhaseAllocations != nil {
		out.TimeBudget.PhaseAllocations = make(map[string]float64, len(w.TimeBudget.PhaseAllocations))
		for k, v := range w.TimeBudget.PhaseAllocations {
			out.TimeBudget.PhaseAllocations[k] = v
		}
	}
	out.Scope.AllowedPaths = CloneSlice(w.Scope.AllowedPaths)
	out.Scope.ForbiddenPaths = CloneSlice(w.Scope.ForbiddenPaths)
	out.Scope.AllowedTools = CloneSlice(w.Scope.AllowedTools)
	out.Scope.AllowedAPIs = CloneSlice(w.Scope.AllowedAPIs)
	if w.Pods != nil {
		out.Pods = make(map[string]*Pod, len(w.Pods))
		for k, p := range w.Pods {
			out.Pods[k] = p.Clone()
		}
	}
	if w.ActivePodIDs != nil {
		out.ActivePodIDs = make(map[string]struct{}, len(w.ActivePodIDs))
		for k := range w.ActivePodIDs {
			out.ActivePodIDs[k] = struct{}{}
		}
	}
	out.Artifacts = CloneSlice(w.Artifacts)
	out.Checkpoints = CloneCheckpoints(w.Checkpoints)
	out.Plan = w.Plan.Clone()
	out.Receipts = w.Receipts.Clone()
	out.StartedAt = CloneString(w.StartedAt)
	out.CompletedAt = CloneString(w.CompletedAt)
	return &out
}

// ActivePodList returns the active pod ids in sorted order.
func (w *WorkOrder) ActivePodList() []string {
	out := make([]string, 0, len(w.ActivePodIDs))
	for id := range w.ActivePodIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TaskCounts returns completed and total plan tasks across all phases.
func (w *WorkOrder) TaskCounts() (completed, total int) {
	if w.Plan == nil {
		return 0, 0
	}
	for _, ph := range w.Plan.Phases {
		for _, t := range ph.Tasks {
			total++
			if t.Status == TaskComplete {
				completed++
			}
		}
	}
	return completed, total
}
