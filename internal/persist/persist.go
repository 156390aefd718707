// Package persist converts work orders between their in-memory shape, where
// pods, active ids, allocations and dependency tables are maps, and the flat
// stored shape, where every keyed collection is an ordered list of pairs.
// All conversion for durable storage happens here.
package persist

import (
	"sort"

	"podline/internal/budget"
	"podline/internal/domain"
)

// Record is the stored form of a work order.
type Record struct {
	ID             string                `json:"id"`
	Type           domain.OrderType      `json:"type"`
	Status         domain.Status         `json:"status"`
	Objective      string                `json:"objective"`
	TimeBudget     *StoredBudget         `json:"time_budget,omitempty"`
	QualityTarget  domain.QualityTarget  `json:"quality_target"`
	Scope          *domain.Scope         `json:"scope,omitempty"`
	Pods           []PodEntry            `json:"pods"`
	ActivePodIDs   []string              `json:"active_pod_ids"`
	Artifacts      []domain.Artifact     `json:"artifacts"`
	Checkpoints    []domain.Checkpoint   `json:"checkpoints"`
	AuthorityLevel domain.AuthorityLevel `json:"authority_level"`
	Plan           *StoredPlan           `json:"plan,omitempty"`
	PlanFeedback   string                `json:"plan_feedback,omitempty"`
	Receipts       *StoredReceipts       `json:"receipts,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Progress       float64               `json:"progress"`
	FailureReason  string                `json:"failure_reason,omitempty"`
	CreatedAt      string                `json:"created_at"`
	UpdatedAt      string                `json:"updated_at"`
	StartedAt      *string               `json:"started_at,omitempty"`
	CompletedAt    *string               `json:"completed_at,omitempty"`
}

type PodEntry struct {
	Key   string     `json:"key"`
	Value domain.Pod `json:"value"`
}

type AllocationEntry struct {
	PhaseID string  `json:"phase_id"`
	Minutes float64 `json:"minutes"`
}

type StoredBudget struct {
	TotalMinutes      float64           `json:"total_minutes"`
	ElapsedMinutes    float64           `json:"elapsed_minutes"`
	RemainingMinutes  float64           `json:"remaining_minutes"`
	PhaseAllocations  []AllocationEntry `json:"phase_allocations"`
	WarningThreshold  float64           `json:"warning_threshold"`
	CriticalThreshold float64           `json:"critical_threshold"`
}

type DependencyEntry struct {
	ID       string   `json:"id"`
	Requires []string `json:"requires"`
}

type StoredStrategy struct {
	Mode          domain.StrategyMode `json:"mode"`
	MaxConcurrent int                 `json:"max_concurrent"`
	PriorityOrder []domain.PodRole    `json:"priority_order"`
	Dependencies  []DependencyEntry   `json:"dependencies"`
}

type StoredPlan struct {
	ID               string         `json:"id"`
	WorkOrderID      string         `json:"work_order_id"`
	Summary          string         `json:"summary"`
	EstimatedMinutes float64        `json:"estimated_minutes"`
	Confidence       float64        `json:"confidence"`
	Phases           []domain.Phase `json:"phases"`
	Strategy         StoredStrategy `json:"strategy"`
	Risks            []string       `json:"risks"`
	Assumptions      []string       `json:"assumptions"`
	Deliverables     []string       `json:"deliverables"`
	RequiresApproval bool           `json:"requires_approval"`
	ApprovedAt       *string        `json:"approved_at,omitempty"`
	ApprovedBy       string         `json:"approved_by,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

type PodReceiptEntry struct {
	PodID   string            `json:"pod_id"`
	Receipt domain.PodReceipt `json:"receipt"`
}

type StoredReceipts struct {
	Executive   domain.ExecutiveSummary `json:"executive"`
	Technical   domain.TechnicalReceipt `json:"technical"`
	PerPod      []PodReceiptEntry       `json:"per_pod"`
	Rollback    domain.RollbackInfo     `json:"rollback"`
	Source      string                  `json:"source"`
	GeneratedAt string                  `json:"generated_at"`
}

// FromWorkOrder flattens wo for storage. The result shares no mutable state
// with wo.
func FromWorkOrder(wo *domain.WorkOrder) Record {
	rec := Record{
		ID:             wo.ID,
		Type:           wo.Type,
		Status:         wo.Status,
		Objective:      wo.Objective,
		TimeBudget:     storeBudget(wo.TimeBudget),
		QualityTarget:  wo.QualityTarget,
		Scope:          cloneScope(&wo.Scope),
		Pods:           []PodEntry{},
		ActivePodIDs:   sortedKeys(wo.ActivePodIDs),
		Artifacts:      domain.CloneSlice(wo.Artifacts),
		Checkpoints:    domain.CloneCheckpoints(wo.Checkpoints),
		AuthorityLevel: wo.AuthorityLevel,
		PlanFeedback:   wo.PlanFeedback,
		ConversationID: wo.ConversationID,
		Progress:       wo.Progress,
		FailureReason:  wo.FailureReason,
		CreatedAt:      wo.CreatedAt,
		UpdatedAt:      wo.UpdatedAt,
		StartedAt:      domain.CloneString(wo.StartedAt),
		CompletedAt:    domain.CloneString(wo.CompletedAt),
	}
	for _, p := range domain.SortedPods(wo.Pods) {
		rec.Pods = append(rec.Pods, PodEntry{Key: p.ID, Value: *p.Clone()})
	}
	if wo.Plan != nil {
		rec.Plan = storePlan(wo.Plan)
	}
	if wo.Receipts != nil {
		rec.Receipts = storeReceipts(wo.Receipts)
	}
	return rec
}

// ToWorkOrder rebuilds a work order from its stored form. Absent or partial
// data is filled with safe defaults rather than rejected.
func ToWorkOrder(rec Record) *domain.WorkOrder {
	wo := &domain.WorkOrder{
		ID:             rec.ID,
		Type:           rec.Type,
		Status:         rec.Status,
		Objective:      rec.Objective,
		QualityTarget:  rec.QualityTarget,
		Pods:           map[string]*domain.Pod{},
		ActivePodIDs:   map[string]struct{}{},
		Artifacts:      domain.CloneSlice(rec.Artifacts),
		Checkpoints:    domain.CloneCheckpoints(rec.Checkpoints),
		AuthorityLevel: rec.AuthorityLevel,
		PlanFeedback:   rec.PlanFeedback,
		ConversationID: rec.ConversationID,
		Progress:       rec.Progress,
		FailureReason:  rec.FailureReason,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		StartedAt:      domain.CloneString(rec.StartedAt),
		CompletedAt:    domain.CloneString(rec.CompletedAt),
	}
	if wo.Type == "" {
		wo.Type = domain.TypeGeneric
	}
	if wo.Status == "" {
		wo.Status = domain.StatusDraft
	}
	if wo.QualityTarget == "" {
		wo.QualityTarget = domain.QualityStandard
	}
	if wo.AuthorityLevel == "" {
		wo.AuthorityLevel = domain.AuthoritySupervised
	}
	if wo.UpdatedAt == "" {
		wo.UpdatedAt = wo.CreatedAt
	}
	wo.TimeBudget = loadBudget(rec.TimeBudget)
	if rec.Scope != nil {
		wo.Scope = *cloneScope(rec.Scope)
	}
	defaultScope(&wo.Scope)
	for _, entry := range rec.Pods {
		key := entry.Key
		if key == "" {
			key = entry.Value.ID
		}
		if key == "" {
			continue
		}
		p := entry.Value.Clone()
		p.ID = key
		if p.WorkOrderID == "" {
			p.WorkOrderID = wo.ID
		}
		defaultPod(p)
		wo.Pods[key] = p
	}
	// active ids must stay a subset of pod keys
	for _, id := range rec.ActivePodIDs {
		if p, ok := wo.Pods[id]; ok && p.Status != domain.PodTerminated {
			wo.ActivePodIDs[id] = struct{}{}
		}
	}
	if rec.Plan != nil {
		wo.Plan = loadPlan(rec.Plan, wo.ID)
	}
	if rec.Receipts != nil {
		wo.Receipts = loadReceipts(rec.Receipts)
	}
	return wo
}

func storeBudget(b domain.TimeBudget) *StoredBudget {
	out := &StoredBudget{
		TotalMinutes:      b.TotalMinutes,
		ElapsedMinutes:    b.ElapsedMinutes,
		RemainingMinutes:  b.RemainingMinutes,
		PhaseAllocations:  []AllocationEntry{},
		WarningThreshold:  b.WarningThreshold,
		CriticalThreshold: b.CriticalThreshold,
	}
	for _, k := range sortedKeys(b.PhaseAllocations) {
		out.PhaseAllocations = append(out.PhaseAllocations, AllocationEntry{PhaseID: k, Minutes: b.PhaseAllocations[k]})
	}
	return out
}

func loadBudget(sb *StoredBudget) domain.TimeBudget {
	if sb == nil {
		return budget.New(budget.DefaultTotalMinutes, budget.DefaultWarningThreshold, budget.DefaultCriticalThreshold)
	}
	b := budget.New(sb.TotalMinutes, sb.WarningThreshold, sb.CriticalThreshold)
	b.ElapsedMinutes = sb.ElapsedMinutes
	for _, a := range sb.PhaseAllocations {
		b.PhaseAllocations[a.PhaseID] = a.Minutes
	}
	budget.Recompute(&b)
	return b
}

func storePlan(p *domain.ExecutionPlan) *StoredPlan {
	sp := &StoredPlan{
		ID:               p.ID,
		WorkOrderID:      p.WorkOrderID,
		Summary:          p.Summary,
		EstimatedMinutes: p.EstimatedMinutes,
		Confidence:       p.Confidence,
		Phases:           domain.ClonePhases(p.Phases),
		Strategy: StoredStrategy{
			Mode:          p.Strategy.Mode,
			MaxConcurrent: p.Strategy.MaxConcurrent,
			PriorityOrder: domain.CloneSlice(p.Strategy.PriorityOrder),
			Dependencies:  []DependencyEntry{},
		},
		Risks:            domain.CloneSlice(p.Risks),
		Assumptions:      domain.CloneSlice(p.Assumptions),
		Deliverables:     domain.CloneSlice(p.Deliverables),
		RequiresApproval: p.RequiresApproval,
		ApprovedAt:       domain.CloneString(p.ApprovedAt),
		ApprovedBy:       p.ApprovedBy,
		CreatedAt:        p.CreatedAt,
	}
	for _, id := range sortedKeys(p.Strategy.Dependencies) {
		sp.Strategy.Dependencies = append(sp.Strategy.Dependencies, DependencyEntry{
			ID:       id,
			Requires: domain.CloneSlice(p.Strategy.Dependencies[id]),
		})
	}
	return sp
}

func loadPlan(sp *StoredPlan, workOrderID string) *domain.ExecutionPlan {
	p := &domain.ExecutionPlan{
		ID:               sp.ID,
		WorkOrderID:      sp.WorkOrderID,
		Summary:          sp.Summary,
		EstimatedMinutes: sp.EstimatedMinutes,
		Confidence:       sp.Confidence,
		Phases:           domain.ClonePhases(sp.Phases),
		Strategy: domain.PodStrategy{
			Mode:          sp.Strategy.Mode,
			MaxConcurrent: sp.Strategy.MaxConcurrent,
			PriorityOrder: domain.CloneSlice(sp.Strategy.PriorityOrder),
			Dependencies:  map[string][]string{},
		},
		Risks:            domain.CloneSlice(sp.Risks),
		Assumptions:      domain.CloneSlice(sp.Assumptions),
		Deliverables:     domain.CloneSlice(sp.Deliverables),
		RequiresApproval: sp.RequiresApproval,
		ApprovedBy:       sp.ApprovedBy,
		CreatedAt:        sp.CreatedAt,
	}
	if p.WorkOrderID == "" {
		p.WorkOrderID = workOrderID
	}
	if p.Strategy.Mode == "" {
		p.Strategy.Mode = domain.StrategyParallel
	}
	for _, d := range sp.Strategy.Dependencies {
		p.Strategy.Dependencies[d.ID] = domain.CloneSlice(d.Requires)
	}
	for i := range p.Phases {
		if p.Phases[i].DependsOn == nil {
			p.Phases[i].DependsOn = []string{}
		}
		if p.Phases[i].Tasks == nil {
			p.Phases[i].Tasks = []domain.Task{}
		}
		if p.Phases[i].Roles == nil {
			p.Phases[i].Roles = []domain.PodRole{}
		}
	}
	// an approval timestamp only exists alongside the plan it approves
	p.ApprovedAt = domain.CloneString(sp.ApprovedAt)
	return p
}

func storeReceipts(r *domain.Receipts) *StoredReceipts {
	sr := &StoredReceipts{
		Executive:   cloneExecutive(r.Executive),
		Technical:   cloneTechnical(r.Technical),
		PerPod:      []PodReceiptEntry{},
		Rollback:    cloneRollback(r.Rollback),
		Source:      r.Source,
		GeneratedAt: r.GeneratedAt,
	}
	for _, id := range sortedKeys(r.PerPod) {
		sr.PerPod = append(sr.PerPod, PodReceiptEntry{PodID: id, Receipt: r.PerPod[id]})
	}
	return sr
}

func loadReceipts(sr *StoredReceipts) *domain.Receipts {
	r := &domain.Receipts{
		Executive:   cloneExecutive(sr.Executive),
		Technical:   cloneTechnical(sr.Technical),
		PerPod:      map[string]domain.PodReceipt{},
		Rollback:    cloneRollback(sr.Rollback),
		Source:      sr.Source,
		GeneratedAt: sr.GeneratedAt,
	}
	for _, e := range sr.PerPod {
		r.PerPod[e.PodID] = e.Receipt
	}
	return r
}

func cloneExecutive(e domain.ExecutiveSummary) domain.ExecutiveSummary {
	e.Accomplishments = domain.CloneSlice(e.Accomplishments)
	return e
}

func cloneTechnical(t domain.TechnicalReceipt) domain.TechnicalReceipt {
	t.Notes = domain.CloneSlice(t.Notes)
	return t
}

func cloneRollback(r domain.RollbackInfo) domain.RollbackInfo {
	r.ArtifactIDs = domain.CloneSlice(r.ArtifactIDs)
	return r
}

func cloneScope(s *domain.Scope) *domain.Scope {
	out := *s
	out.AllowedPaths = domain.CloneSlice(s.AllowedPaths)
	out.ForbiddenPaths = domain.CloneSlice(s.ForbiddenPaths)
	out.AllowedTools = domain.CloneSlice(s.AllowedTools)
	out.AllowedAPIs = domain.CloneSlice(s.AllowedAPIs)
	return &out
}

func defaultScope(s *domain.Scope) {
	if s.AllowedPaths == nil {
		s.AllowedPaths = []string{}
	}
	if s.ForbiddenPaths == nil {
		s.ForbiddenPaths = []string{}
	}
	if s.AllowedTools == nil {
		s.AllowedTools = []string{}
	}
	if s.AllowedAPIs == nil {
		s.AllowedAPIs = []string{}
	}
}

func defaultPod(p *domain.Pod) {
	if p.Status == "" {
		p.Status = domain.PodIdle
	}
	if p.Health.Status == "" {
		p.Health.Status = "healthy"
	}
	if p.Tools == nil {
		p.Tools = []string{}
	}
	if p.TaskQueue == nil {
		p.TaskQueue = []domain.PodTask{}
	}
	if p.CompletedTasks == nil {
		p.CompletedTasks = []domain.PodTask{}
	}
	if p.Outputs == nil {
		p.Outputs = []string{}
	}
	if p.Messages == nil {
		p.Messages = []domain.PodMessage{}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
