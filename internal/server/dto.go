package server

import (
	"encoding/json"

	"podline/internal/budget"
	"podline/internal/domain"
	"podline/internal/engine"
	"podline/internal/writebehind"
)

// Request payloads

type ScopeRequest struct {
	AllowedPaths   []string               `json:"allowed_paths,omitempty"`
	ForbiddenPaths []string               `json:"forbidden_paths,omitempty"`
	AllowedTools   []string               `json:"allowed_tools,omitempty"`
	AllowedAPIs    []string               `json:"allowed_apis,omitempty"`
	Limits         *domain.ResourceLimits `json:"limits,omitempty"`
}

type CreateWorkOrderRequest struct {
	Type           string        `json:"type,omitempty" enum:"generic,website-build,research-report"`
	Objective      string        `json:"objective" minLength:"1"`
	BudgetMinutes  float64       `json:"budget_minutes,omitempty" minimum:"0"`
	QualityTarget  string        `json:"quality_target,omitempty" enum:"draft,standard,premium,production"`
	AuthorityLevel string        `json:"authority_level,omitempty" enum:"observe,supervised,autonomous"`
	Scope          *ScopeRequest `json:"scope,omitempty"`
}

type UpdateWorkOrderRequest struct {
	Objective      *string       `json:"objective,omitempty"`
	Type           *string       `json:"type,omitempty" enum:"generic,website-build,research-report"`
	BudgetMinutes  *float64      `json:"budget_minutes,omitempty"`
	QualityTarget  *string       `json:"quality_target,omitempty" enum:"draft,standard,premium,production"`
	AuthorityLevel *string       `json:"authority_level,omitempty" enum:"observe,supervised,autonomous"`
	Scope          *ScopeRequest `json:"scope,omitempty"`
	Status         *string       `json:"status,omitempty"`
	Progress       *float64      `json:"progress,omitempty"`
}

type SetActiveRequest struct {
	ID string `json:"id"`
}

type RejectPlanRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

type FailRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ProgressRequest struct {
	Percent float64 `json:"percent" minimum:"0" maximum:"100"`
	Message string  `json:"message,omitempty"`
}

type ElapsedRequest struct {
	Minutes float64 `json:"minutes" minimum:"0"`
}

type CompleteTaskRequest struct {
	ActualMinutes float64 `json:"actual_minutes,omitempty" minimum:"0"`
}

type SpawnPodRequest struct {
	Role string `json:"role" enum:"orchestrator,design,frontend,backend,copy,motion,qa,research,data,deployment"`
}

type PodMessageRequest struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

type UpdatePodRequest struct {
	Status        *string                `json:"status,omitempty" enum:"initializing,idle,working,error"`
	Model         *domain.ModelConfig    `json:"model,omitempty"`
	Limits        *domain.ResourceLimits `json:"limits,omitempty"`
	CurrentTaskID *string                `json:"current_task_id,omitempty"`
	Usage         *domain.ResourceUsage  `json:"usage,omitempty"`
	Outputs       []string               `json:"outputs,omitempty"`
	Message       *PodMessageRequest     `json:"message,omitempty"`
}

type AssignTaskRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	PhaseID     string `json:"phase_id,omitempty"`
}

type HeartbeatRequest struct {
	Healthy bool                  `json:"healthy"`
	Warning string                `json:"warning,omitempty"`
	Usage   *domain.ResourceUsage `json:"usage,omitempty"`
}

type AddCheckpointRequest struct {
	PhaseID string `json:"phase_id,omitempty"`
	Reason  string `json:"reason"`
}

type RespondCheckpointRequest struct {
	Action    string `json:"action" enum:"continue,cancel,pause"`
	Rationale string `json:"rationale,omitempty"`
}

type AddArtifactRequest struct {
	PodID   string `json:"pod_id,omitempty"`
	Name    string `json:"name" minLength:"1"`
	Path    string `json:"path,omitempty"`
	Type    string `json:"type,omitempty"`
	Content string `json:"content,omitempty"`
}

type UpdateArtifactRequest struct {
	Name    *string `json:"name,omitempty"`
	Path    *string `json:"path,omitempty"`
	Type    *string `json:"type,omitempty"`
	Content *string `json:"content,omitempty"`
	Status  *string `json:"status,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type WorkOrderResponse struct {
	domain.WorkOrder
	ActivePodIDs []string `json:"active_pod_ids"`
}

type WorkOrderListResponse struct {
	Items []WorkOrderResponse `json:"items"`
}

type StatusResponse struct {
	LastUpdate        int64              `json:"last_update"`
	ActiveWorkOrderID string             `json:"active_work_order_id,omitempty"`
	Counts            map[string]int     `json:"counts"`
	Persistence       writebehind.Status `json:"persistence"`
}

type ElapsedResponse struct {
	Signal     budget.Signal     `json:"signal"`
	TimeBudget domain.TimeBudget `json:"time_budget"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	WorkOrderID string         `json:"work_order_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func workOrderResponse(wo domain.WorkOrder) WorkOrderResponse {
	return WorkOrderResponse{WorkOrder: wo, ActivePodIDs: wo.ActivePodList()}
}

func workOrderList(items []domain.WorkOrder) WorkOrderListResponse {
	out := WorkOrderListResponse{Items: make([]WorkOrderResponse, 0, len(items))}
	for _, wo := range items {
		out.Items = append(out.Items, workOrderResponse(wo))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		WorkOrderID: e.WorkOrderID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func (r ScopeRequest) scope() domain.Scope {
	s := domain.Scope{
		AllowedPaths:   r.AllowedPaths,
		ForbiddenPaths: r.ForbiddenPaths,
		AllowedTools:   r.AllowedTools,
		AllowedAPIs:    r.AllowedAPIs,
	}
	if r.Limits != nil {
		s.Limits = *r.Limits
	}
	return s
}

func (r CreateWorkOrderRequest) options() engine.CreateOptions {
	opts := engine.CreateOptions{
		Type:           domain.OrderType(r.Type),
		Objective:      r.Objective,
		BudgetMinutes:  r.BudgetMinutes,
		QualityTarget:  domain.QualityTarget(r.QualityTarget),
		AuthorityLevel: domain.AuthorityLevel(r.AuthorityLevel),
	}
	if r.Scope != nil {
		opts.Scope = r.Scope.scope()
	}
	return opts
}

func (r UpdateWorkOrderRequest) options() engine.UpdateOptions {
	opts := engine.UpdateOptions{
		Objective:     r.Objective,
		BudgetMinutes: r.BudgetMinutes,
		Progress:      r.Progress,
	}
	if r.Type != nil {
		t := domain.OrderType(*r.Type)
		opts.Type = &t
	}
	if r.QualityTarget != nil {
		q := domain.QualityTarget(*r.QualityTarget)
		opts.QualityTarget = &q
	}
	if r.AuthorityLevel != nil {
		a := domain.AuthorityLevel(*r.AuthorityLevel)
		opts.AuthorityLevel = &a
	}
	if r.Scope != nil {
		s := r.Scope.scope()
		opts.Scope = &s
	}
	if r.Status != nil {
		st := domain.Status(*r.Status)
		opts.Status = &st
	}
	return opts
}

func (r UpdatePodRequest) patch() engine.PodPatch {
	p := engine.PodPatch{
		Model:         r.Model,
		Limits:        r.Limits,
		CurrentTaskID: r.CurrentTaskID,
		Usage:         r.Usage,
		Outputs:       r.Outputs,
	}
	if r.Status != nil {
		st := domain.PodStatus(*r.Status)
		p.Status = &st
	}
	if r.Message != nil {
		p.Message = &domain.PodMessage{From: r.Message.From, Content: r.Message.Content}
	}
	return p
}

// statusCounts returns the number of work orders per status.
func statusCounts(items []domain.WorkOrder) map[string]int {
	out := map[string]int{}
	for _, wo := range items {
		out[string(wo.Status)]++
	}
	return out
}
