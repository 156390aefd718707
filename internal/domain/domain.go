package domain

type Status string

const (
	StatusDraft                Status = "draft"
	StatusPlanning             Status = "planning"
	StatusAwaitingApproval     Status = "awaiting_approval"
	StatusExecuting            Status = "executing"
	StatusCheckpoint           Status = "checkpoint"
	StatusPaused               Status = "paused"
	StatusPausedWaitingForUser Status = "paused_waiting_for_user"
	StatusCompleting           Status = "completing"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
	StatusFailed               Status = "failed"
)

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

type OrderType string

const (
	TypeGeneric        OrderType = "generic"
	TypeWebsiteBuild   OrderType = "website-build"
	TypeResearchReport OrderType = "research-report"
)

type QualityTarget string

const (
	QualityDraft      QualityTarget = "draft"
	QualityStandard   QualityTarget = "standard"
	QualityPremium    QualityTarget = "premium"
	QualityProduction QualityTarget = "production"
)

type AuthorityLevel string

const (
	AuthorityObserve    AuthorityLevel = "observe"
	AuthoritySupervised AuthorityLevel = "supervised"
	AuthorityAutonomous AuthorityLevel = "autonomous"
)

type WorkOrder struct {
	ID             string              `json:"id"`
	Type           OrderType           `json:"type" enum:"generic,website-build,research-report"`
	Status         Status              `json:"status"`
	Objective      string              `json:"objective"`
	TimeBudget     TimeBudget          `json:"time_budget"`
	QualityTarget  QualityTarget       `json:"quality_target" enum:"draft,standard,premium,production"`
	Scope          Scope               `json:"scope"`
	Pods           map[string]*Pod     `json:"pods"`
	ActivePodIDs   map[string]struct{} `json:"-"`
	Artifacts      []Artifact          `json:"artifacts"`
	Checkpoints    []Checkpoint        `json:"checkpoints"`
	AuthorityLevel AuthorityLevel      `json:"authority_level" enum:"observe,supervised,autonomous"`
	Plan           *ExecutionPlan      `json:"plan,omitempty"`
	PlanFeedback   string              `json:"plan_feedback,omitempty"`
	Receipts       *Receipts           `json:"receipts,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Progress       float64             `json:"progress"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	UpdatedAt      string              `json:"updated_at" format:"date-time"`
	StartedAt      *string             `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string             `json:"completed_at,omitempty" format:"date-time"`
}

type TimeBudget struct {
	TotalMinutes      float64            `json:"total_minutes"`
	ElapsedMinutes    float64            `json:"elapsed_minutes"`
	RemainingMinutes  float64            `json:"remaining_minutes"`
	PhaseAllocations  map[string]float64 `json:"phase_allocations"`
	WarningThreshold  float64            `json:"warning_threshold"`
	CriticalThreshold float64            `json:"critical_threshold"`
}

type ResourceLimits struct {
	MaxTokens   int64   `json:"max_tokens"`
	MaxAPICalls int     `json:"max_api_calls"`
	MemoryMB    int     `json:"memory_mb"`
	CPUCores    float64 `json:"cpu_cores"`
}

type Scope struct {
	AllowedPaths   []string       `json:"allowed_paths"`
	ForbiddenPaths []string       `json:"forbidden_paths"`
	AllowedTools   []string       `json:"allowed_tools"`
	AllowedAPIs    []string       `json:"allowed_apis"`
	Limits         ResourceLimits `json:"limits"`
}

type PodRole string

const (
	RoleOrchestrator PodRole = "orchestrator"
	RoleDesign       PodRole = "design"
	RoleFrontend     PodRole = "frontend"
	RoleBackend      PodRole = "backend"
	RoleCopy         PodRole = "copy"
	RoleMotion       PodRole = "motion"
	RoleQA           PodRole = "qa"
	RoleResearch     PodRole = "research"
	RoleData         PodRole = "data"
	RoleDeployment   PodRole = "deployment"
)

var AllRoles = []PodRole{
	RoleOrchestrator, RoleDesign, RoleFrontend, RoleBackend, RoleCopy,
	RoleMotion, RoleQA, RoleResearch, RoleData, RoleDeployment,
}

func (r PodRole) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

type PodStatus string

const (
	PodInitializing PodStatus = "initializing"
	PodIdle         PodStatus = "idle"
	PodWorking      PodStatus = "working"
	PodTerminated   PodStatus = "terminated"
	PodError        PodStatus = "error"
)

type PodHealth struct {
	Status              string   `json:"status" enum:"healthy,degraded,unhealthy"`
	LastHeartbeat       string   `json:"last_heartbeat,omitempty" format:"date-time"`
	ErrorCount          int      `json:"error_count"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	Warnings            []string `json:"warnings,omitempty"`
}

type ModelConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type ResourceUsage struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryMB         float64 `json:"memory_mb"`
	Tokens           int64   `json:"tokens"`
	APICalls         int     `json:"api_calls"`
	ExecutionMinutes float64 `json:"execution_minutes"`
}

type PodTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PhaseID     string `json:"phase_id,omitempty"`
}

type PodMessage struct {
	From    string `json:"from"`
	Content string `json:"content"`
	TS      string `json:"ts" format:"date-time"`
}

type Pod struct {
	ID             string         `json:"id"`
	WorkOrderID    string         `json:"work_order_id"`
	Name           string         `json:"name"`
	Role           PodRole        `json:"role"`
	Status         PodStatus      `json:"status"`
	Health         PodHealth      `json:"health"`
	Model          ModelConfig    `json:"model"`
	Tools          []string       `json:"tools"`
	Limits         ResourceLimits `json:"limits"`
	MemoryScope    string         `json:"memory_scope"`
	CurrentTaskID  string         `json:"current_task_id,omitempty"`
	TaskQueue      []PodTask      `json:"task_queue"`
	CompletedTasks []PodTask      `json:"completed_tasks"`
	Outputs        []string       `json:"outputs"`
	Usage          ResourceUsage  `json:"usage"`
	Messages       []PodMessage   `json:"messages"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	StartedAt      *string        `json:"started_at,omitempty" format:"date-time"`
	StoppedAt      *string        `json:"stopped_at,omitempty" format:"date-time"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

type Task struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	EstimatedMinutes float64    `json:"estimated_minutes"`
	ActualMinutes    float64    `json:"actual_minutes"`
}

type Phase struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Order            int        `json:"order"`
	EstimatedMinutes float64    `json:"estimated_minutes"`
	DependsOn        []string   `json:"depends_on"`
	Tasks            []Task     `json:"tasks"`
	Roles            []PodRole  `json:"roles"`
	Status           TaskStatus `json:"status"`
	Progress         float64    `json:"progress"`
	RequiresApproval bool       `json:"requires_approval,omitempty"`
}

type StrategyMode string

const (
	StrategyParallel   StrategyMode = "parallel"
	StrategySequential StrategyMode = "sequential"
)

type PodStrategy struct {
	Mode          StrategyMode        `json:"mode" enum:"parallel,sequential"`
	MaxConcurrent int                 `json:"max_concurrent"`
	PriorityOrder []PodRole           `json:"priority_order"`
	Dependencies  map[string][]string `json:"dependencies"`
}

type ExecutionPlan struct {
	ID               string      `json:"id"`
	WorkOrderID      string      `json:"work_order_id"`
	Summary          string      `json:"summary"`
	EstimatedMinutes float64     `json:"estimated_minutes"`
	Confidence       float64     `json:"confidence"`
	Phases           []Phase     `json:"phases"`
	Strategy         PodStrategy `json:"strategy"`
	Risks            []string    `json:"risks"`
	Assumptions      []string    `json:"assumptions"`
	Deliverables     []string    `json:"deliverables"`
	RequiresApproval bool        `json:"requires_approval"`
	ApprovedAt       *string     `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy       string      `json:"approved_by,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
}

// Roles returns the distinct pod roles the plan needs, priority order first.
func (p ExecutionPlan) Roles() []PodRole {
	seen := map[PodRole]bool{}
	var out []PodRole
	add := func(r PodRole) {
		if r == "" || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}
	for _, r := range p.Strategy.PriorityOrder {
		add(r)
	}
	for _, ph := range p.Phases {
		for _, r := range ph.Roles {
			add(r)
		}
	}
	return out
}

type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointReached  CheckpointStatus = "reached"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
)

type DecisionAction string

const (
	ActionContinue DecisionAction = "continue"
	ActionCancel   DecisionAction = "cancel"
	ActionPause    DecisionAction = "pause"
)

type CheckpointDecision struct {
	Action    DecisionAction `json:"action" enum:"continue,cancel,pause"`
	Rationale string         `json:"rationale,omitempty"`
	DecidedBy string         `json:"decided_by,omitempty"`
}

type Checkpoint struct {
	ID          string              `json:"id"`
	WorkOrderID string              `json:"work_order_id"`
	PhaseID     string              `json:"phase_id,omitempty"`
	Status      CheckpointStatus    `json:"status"`
	Reason      string              `json:"reason"`
	ReachedAt   *string             `json:"reached_at,omitempty" format:"date-time"`
	Decision    *CheckpointDecision `json:"decision,omitempty"`
	DecidedAt   *string             `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
}

type Artifact struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	PodID       string `json:"pod_id,omitempty"`
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	Version     int    `json:"version"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ExecutiveSummary struct {
	Title             string   `json:"title"`
	Summary           string   `json:"summary"`
	Accomplishments   []string `json:"accomplishments"`
	QualityScore      float64  `json:"quality_score"`
	TimeUsedMinutes   float64  `json:"time_used_minutes"`
	TimeBudgetMinutes float64  `json:"time_budget_minutes"`
	Outcome           Status   `json:"outcome"`
}

type TechnicalReceipt struct {
	TotalTokens      int64    `json:"total_tokens"`
	TotalAPICalls    int      `json:"total_api_calls"`
	ExecutionMinutes float64  `json:"execution_minutes"`
	TasksCompleted   int      `json:"tasks_completed"`
	TasksTotal       int      `json:"tasks_total"`
	FilesProduced    int      `json:"files_produced"`
	Notes            []string `json:"notes,omitempty"`
}

type PodReceipt struct {
	PodID            string  `json:"pod_id"`
	Role             PodRole `json:"role"`
	TasksCompleted   int     `json:"tasks_completed"`
	TokensUsed       int64   `json:"tokens_used"`
	ExecutionMinutes float64 `json:"execution_minutes"`
	Success          bool    `json:"success"`
}

type RollbackInfo struct {
	Available    bool     `json:"available"`
	Instructions string   `json:"instructions,omitempty"`
	ArtifactIDs  []string `json:"artifact_ids,omitempty"`
}

type Receipts struct {
	Executive   ExecutiveSummary      `json:"executive"`
	Technical   TechnicalReceipt      `json:"technical"`
	PerPod      map[string]PodReceipt `json:"per_pod"`
	Rollback    RollbackInfo          `json:"rollback"`
	Source      string                `json:"source" enum:"summarizer,deterministic"`
	GeneratedAt string                `json:"generated_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkOrderID string `json:"work_order_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
