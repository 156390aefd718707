package podlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Podline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TimeBudget mirrors the work order time budget.
type TimeBudget struct {
	TotalMinutes     float64            `json:"total_minutes"`
	ElapsedMinutes   float64            `json:"elapsed_minutes"`
	RemainingMinutes float64            `json:"remaining_minutes"`
	PhaseAllocations map[string]float64 `json:"phase_allocations"`
}

// Pod represents an execution unit (partial).
type Pod struct {
	ID            string   `json:"id"`
	WorkOrderID   string   `json:"work_order_id"`
	Name          string   `json:"name"`
	Role          string   `json:"role"`
	Status        string   `json:"status"`
	Tools         []string `json:"tools"`
	CurrentTaskID string   `json:"current_task_id"`
	Outputs       []string `json:"outputs"`
	Health        struct {
		Status              string `json:"status"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
	} `json:"health"`
}

// Checkpoint represents an approval gate.
type Checkpoint struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	PhaseID     string `json:"phase_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	Decision    *struct {
		Action    string `json:"action"`
		DecidedBy string `json:"decided_by"`
	} `json:"decision"`
}

// Artifact represents a work order output.
type Artifact struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	PodID       string `json:"pod_id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Version     int    `json:"version"`
	Status      string `json:"status"`
}

// Phase is a plan phase (partial).
type Phase struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Progress         float64 `json:"progress"`
	RequiresApproval bool    `json:"requires_approval"`
	Tasks            []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"tasks"`
}

// Plan is an execution plan (partial).
type Plan struct {
	ID               string  `json:"id"`
	Summary          string  `json:"summary"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
	Phases           []Phase `json:"phases"`
	ApprovedBy       string  `json:"approved_by"`
}

// Receipts is the completion report (partial).
type Receipts struct {
	Executive struct {
		Title        string  `json:"title"`
		Summary      string  `json:"summary"`
		QualityScore float64 `json:"quality_score"`
		Outcome      string  `json:"outcome"`
	} `json:"executive"`
	Technical struct {
		TasksCompleted int `json:"tasks_completed"`
		TasksTotal     int `json:"tasks_total"`
		FilesProduced  int `json:"files_produced"`
	} `json:"technical"`
	Source      string `json:"source"`
	GeneratedAt string `json:"generated_at"`
}

// WorkOrder represents the API work order model (partial).
type WorkOrder struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Status         string         `json:"status"`
	Objective      string         `json:"objective"`
	TimeBudget     TimeBudget     `json:"time_budget"`
	QualityTarget  string         `json:"quality_target"`
	AuthorityLevel string         `json:"authority_level"`
	Pods           map[string]Pod `json:"pods"`
	ActivePodIDs   []string       `json:"active_pod_ids"`
	Artifacts      []Artifact     `json:"artifacts"`
	Checkpoints    []Checkpoint   `json:"checkpoints"`
	Plan           *Plan          `json:"plan"`
	PlanFeedback   string         `json:"plan_feedback"`
	Receipts       *Receipts      `json:"receipts"`
	Progress       float64        `json:"progress"`
	FailureReason  string         `json:"failure_reason"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// CreateWorkOrderInput holds the optional creation fields.
type CreateWorkOrderInput struct {
	Type           string  `json:"type,omitempty"`
	Objective      string  `json:"objective"`
	BudgetMinutes  float64 `json:"budget_minutes,omitempty"`
	QualityTarget  string  `json:"quality_target,omitempty"`
	AuthorityLevel string  `json:"authority_level,omitempty"`
}

// BudgetSignal is returned when elapsed time is recorded.
type BudgetSignal struct {
	Signal struct {
		Level    string  `json:"level"`
		Previous string  `json:"previous"`
		Used     float64 `json:"used"`
		Crossed  bool    `json:"crossed"`
	} `json:"signal"`
	TimeBudget TimeBudget `json:"time_budget"`
}

// Status reports registry and persistence health.
type Status struct {
	LastUpdate        int64          `json:"last_update"`
	ActiveWorkOrderID string         `json:"active_work_order_id"`
	Counts            map[string]int `json:"counts"`
	Persistence       struct {
		Pending int   `json:"pending"`
		Written int64 `json:"written"`
		Failed  int64 `json:"failed"`
	} `json:"persistence"`
}

// Event represents a journal entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	WorkOrderID string         `json:"work_order_id"`
	EntityID    string         `json:"entity_id"`
	EntityKind  string         `json:"entity_kind"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventQuery filters an event listing.
type EventQuery struct {
	WorkOrderID string
	Type        string
	EntityKind  string
	EntityID    string
	Limit       int
	Cursor      string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Health checks the service.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// Status returns the registry status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// CreateWorkOrder creates a draft work order.
func (c *Client) CreateWorkOrder(ctx context.Context, in CreateWorkOrderInput) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/work-orders", in, &resp)
	return resp, err
}

// ListWorkOrders lists work orders; filter is "all", "active" or "completed".
func (c *Client) ListWorkOrders(ctx context.Context, filter string) ([]WorkOrder, error) {
	endpoint := "v0/work-orders"
	if filter != "" {
		endpoint += "?status=" + url.QueryEscape(filter)
	}
	var resp struct {
		Items []WorkOrder `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetWorkOrder fetches a work order by id.
func (c *Client) GetWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, orderPath(id, ""), nil, &resp)
	return resp, err
}

// ActiveWorkOrder returns the active selection.
func (c *Client) ActiveWorkOrder(ctx context.Context) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, "v0/work-orders/active", nil, &resp)
	return resp, err
}

// SetActiveWorkOrder changes the active selection.
func (c *Client) SetActiveWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPut, "v0/work-orders/active", map[string]any{"id": id}, &resp)
	return resp, err
}

// UpdateWorkOrder patches a work order with the given fields.
func (c *Client) UpdateWorkOrder(ctx context.Context, id string, fields map[string]any) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPatch, orderPath(id, ""), fields, &resp)
	return resp, err
}

// DeleteWorkOrder removes a work order.
func (c *Client) DeleteWorkOrder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, orderPath(id, ""), nil, nil)
}

func (c *Client) orderAction(ctx context.Context, id, action string, body any) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, orderPath(id, action), body, &resp)
	return resp, err
}

// GeneratePlan synthesizes a plan for a draft work order.
func (c *Client) GeneratePlan(ctx context.Context, id string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "plan", nil)
}

// ApprovePlan approves the plan and starts execution.
func (c *Client) ApprovePlan(ctx context.Context, id string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "plan/approve", nil)
}

// RejectPlan sends the work order back to draft.
func (c *Client) RejectPlan(ctx context.Context, id, feedback string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "plan/reject", map[string]any{"feedback": feedback})
}

func (c *Client) Pause(ctx context.Context, id string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "pause", nil)
}

func (c *Client) Resume(ctx context.Context, id string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "resume", nil)
}

func (c *Client) WaitForUser(ctx context.Context, id string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "wait", nil)
}

func (c *Client) Cancel(ctx context.Context, id string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "cancel", nil)
}

// Complete finishes execution and generates receipts.
func (c *Client) Complete(ctx context.Context, id string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "complete", nil)
}

func (c *Client) Fail(ctx context.Context, id, reason string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "fail", map[string]any{"reason": reason})
}

// ReportProgress sets overall progress in percent.
func (c *Client) ReportProgress(ctx context.Context, id string, percent float64, message string) (WorkOrder, error) {
	return c.orderAction(ctx, id, "progress", map[string]any{"percent": percent, "message": message})
}

// ReportElapsed records elapsed minutes against the time budget.
func (c *Client) ReportElapsed(ctx context.Context, id string, minutes float64) (BudgetSignal, error) {
	var resp BudgetSignal
	err := c.do(ctx, http.MethodPost, orderPath(id, "elapsed"), map[string]any{"minutes": minutes}, &resp)
	return resp, err
}

// CompleteTask marks a plan task complete.
func (c *Client) CompleteTask(ctx context.Context, id, taskID string, actualMinutes float64) (WorkOrder, error) {
	action := fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID))
	return c.orderAction(ctx, id, action, map[string]any{"actual_minutes": actualMinutes})
}

// CompletePhase marks every task of a phase complete.
func (c *Client) CompletePhase(ctx context.Context, id, phaseID string) (WorkOrder, error) {
	return c.orderAction(ctx, id, fmt.Sprintf("phases/%s/complete", url.PathEscape(phaseID)), nil)
}

// GenerateReceipts builds receipts without changing status.
func (c *Client) GenerateReceipts(ctx context.Context, id string) (Receipts, error) {
	var resp Receipts
	err := c.do(ctx, http.MethodPost, orderPath(id, "receipts"), nil, &resp)
	return resp, err
}

// SpawnPod starts a pod for a role.
func (c *Client) SpawnPod(ctx context.Context, workOrderID, role string) (Pod, error) {
	var resp Pod
	err := c.do(ctx, http.MethodPost, orderPath(workOrderID, "pods"), map[string]any{"role": role}, &resp)
	return resp, err
}

func (c *Client) GetPod(ctx context.Context, podID string) (Pod, error) {
	var resp Pod
	err := c.do(ctx, http.MethodGet, podPath(podID, ""), nil, &resp)
	return resp, err
}

// UpdatePod patches a pod with the given fields.
func (c *Client) UpdatePod(ctx context.Context, podID string, fields map[string]any) (Pod, error) {
	var resp Pod
	err := c.do(ctx, http.MethodPatch, podPath(podID, ""), fields, &resp)
	return resp, err
}

func (c *Client) TerminatePod(ctx context.Context, podID string) (Pod, error) {
	var resp Pod
	err := c.do(ctx, http.MethodPost, podPath(podID, "terminate"), nil, &resp)
	return resp, err
}

// AssignTask queues a task on a pod.
func (c *Client) AssignTask(ctx context.Context, podID, name, description string) (Pod, error) {
	var resp Pod
	body := map[string]any{"name": name, "description": description}
	err := c.do(ctx, http.MethodPost, podPath(podID, "tasks"), body, &resp)
	return resp, err
}

func (c *Client) CompletePodTask(ctx context.Context, podID, taskID string) (Pod, error) {
	var resp Pod
	endpoint := podPath(podID, fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Heartbeat reports pod health.
func (c *Client) Heartbeat(ctx context.Context, podID string, healthy bool, warning string) (Pod, error) {
	var resp Pod
	body := map[string]any{"healthy": healthy, "warning": warning}
	err := c.do(ctx, http.MethodPost, podPath(podID, "heartbeat"), body, &resp)
	return resp, err
}

// PodWorkOrder returns the work order owning a pod.
func (c *Client) PodWorkOrder(ctx context.Context, podID string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, podPath(podID, "work-order"), nil, &resp)
	return resp, err
}

// AddCheckpoint registers a pending checkpoint.
func (c *Client) AddCheckpoint(ctx context.Context, workOrderID, phaseID, reason string) (Checkpoint, error) {
	var resp Checkpoint
	body := map[string]any{"phase_id": phaseID, "reason": reason}
	err := c.do(ctx, http.MethodPost, orderPath(workOrderID, "checkpoints"), body, &resp)
	return resp, err
}

func (c *Client) ReachCheckpoint(ctx context.Context, checkpointID string) (WorkOrder, error) {
	var resp WorkOrder
	endpoint := fmt.Sprintf("v0/checkpoints/%s/reach", url.PathEscape(checkpointID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RespondCheckpoint decides a reached checkpoint: continue, cancel or pause.
func (c *Client) RespondCheckpoint(ctx context.Context, checkpointID, action, rationale string) (WorkOrder, error) {
	var resp WorkOrder
	endpoint := fmt.Sprintf("v0/checkpoints/%s/respond", url.PathEscape(checkpointID))
	body := map[string]any{"action": action, "rationale": rationale}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddArtifact records an artifact produced for a work order.
func (c *Client) AddArtifact(ctx context.Context, workOrderID, podID, name, path string) (Artifact, error) {
	var resp Artifact
	body := map[string]any{"pod_id": podID, "name": name, "path": path}
	err := c.do(ctx, http.MethodPost, orderPath(workOrderID, "artifacts"), body, &resp)
	return resp, err
}

// UpdateArtifact patches an artifact with the given fields.
func (c *Client) UpdateArtifact(ctx context.Context, artifactID string, fields map[string]any) (Artifact, error) {
	var resp Artifact
	endpoint := fmt.Sprintf("v0/artifacts/%s", url.PathEscape(artifactID))
	err := c.do(ctx, http.MethodPatch, endpoint, fields, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	params := url.Values{}
	for k, v := range map[string]string{
		"work_order_id": q.WorkOrderID,
		"type":          q.Type,
		"entity_kind":   q.EntityKind,
		"entity_id":     q.EntityID,
		"cursor":        q.Cursor,
	} {
		if v != "" {
			params.Set(k, v)
		}
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "v0/events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func orderPath(id, action string) string {
	p := fmt.Sprintf("v0/work-orders/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func podPath(id, action string) string {
	p := fmt.Sprintf("v0/pods/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
