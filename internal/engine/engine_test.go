package engine_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"podline/internal/config"
	"podline/internal/db"
	"podline/internal/domain"
	"podline/internal/engine"
	"podline/internal/events"
	"podline/internal/migrate"
	"podline/internal/persist"
	"podline/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeExecutor struct {
	mu         sync.Mutex
	calls      []string
	executeErr error
	resumeErr  error
}

func (f *fakeExecutor) record(call string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return err
}

func (f *fakeExecutor) Execute(_ context.Context, id string) error {
	return f.record("execute:"+id, f.executeErr)
}
func (f *fakeExecutor) Pause(_ context.Context, id string) error { return f.record("pause:"+id, nil) }
func (f *fakeExecutor) Resume(_ context.Context, id string) error {
	return f.record("resume:"+id, f.resumeErr)
}
func (f *fakeExecutor) Cancel(_ context.Context, id string) error { return f.record("cancel:"+id, nil) }

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

type testEnv struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	Executor *fakeExecutor
	Cfg      *config.Config
	Ctx      context.Context
	Clock    *clock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Pods.SettleDelay = 0
	cfg.Persistence.Debounce = 0
	cfg.Persistence.RetryBackoff = time.Millisecond
	cfg.Recovery.ResumeDelay = 0
	env := testEnv{
		Repo:     repo.Repo{DB: conn},
		Executor: &fakeExecutor{},
		Cfg:      cfg,
		Ctx:      engine.WithActor(ctx, "tester"),
		Clock:    &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	env.Engine = env.newEngine(engine.Options{})
	t.Cleanup(func() { _ = env.Engine.Close(context.Background()) })
	return env
}

func (env testEnv) newEngine(opts engine.Options) *engine.Engine {
	if opts.Store == nil {
		opts.Store = env.Repo
	}
	if opts.Journal == nil {
		opts.Journal = events.Writer{DB: env.Repo.DB, Now: env.Clock.Now}
	}
	if opts.Executor == nil {
		opts.Executor = env.Executor
	}
	opts.Config = env.Cfg
	opts.Now = env.Clock.Now
	return engine.New(opts)
}

func (env testEnv) create(t *testing.T, typ domain.OrderType, minutes float64) domain.WorkOrder {
	t.Helper()
	wo, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		Type:          typ,
		Objective:     "Launch the spring campaign site",
		BudgetMinutes: minutes,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return wo
}

func (env testEnv) executing(t *testing.T, typ domain.OrderType, minutes float64) domain.WorkOrder {
	t.Helper()
	wo := env.create(t, typ, minutes)
	if _, err := env.Engine.GeneratePlan(env.Ctx, wo.ID); err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	wo, err := env.Engine.ApprovePlan(env.Ctx, wo.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return wo
}

func TestCreateAppliesDefaults(t *testing.T) {
	env := newTestEnv(t)
	wo := env.create(t, "", 0)
	if wo.Status != domain.StatusDraft || wo.Type != domain.TypeGeneric {
		t.Fatalf("unexpected new order: %s %s", wo.Status, wo.Type)
	}
	if wo.TimeBudget.TotalMinutes != 60 || wo.TimeBudget.RemainingMinutes != 60 {
		t.Fatalf("expected default 60 minute budget, got %+v", wo.TimeBudget)
	}
	if wo.QualityTarget != domain.QualityStandard || wo.AuthorityLevel != domain.AuthoritySupervised {
		t.Fatalf("defaults not applied: %s %s", wo.QualityTarget, wo.AuthorityLevel)
	}
	if active, ok := env.Engine.Active(); !ok || active.ID != wo.ID {
		t.Fatalf("first order should become active")
	}
	if _, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Objective: "  "}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty objective, got %v", err)
	}
}

func TestPlanRejectionReturnsToDraft(t *testing.T) {
	env := newTestEnv(t)
	wo := env.create(t, domain.TypeWebsiteBuild, 60)
	wo, err := env.Engine.GeneratePlan(env.Ctx, wo.ID)
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	if wo.Status != domain.StatusAwaitingApproval || wo.Plan == nil {
		t.Fatalf("expected awaiting approval with a plan, got %s", wo.Status)
	}
	if math.Abs(wo.Plan.EstimatedMinutes-60) > 1e-9 || !wo.Plan.RequiresApproval {
		t.Fatalf("unexpected plan %+v", wo.Plan)
	}
	wo, err = env.Engine.RejectPlan(env.Ctx, wo.ID, "too generic")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if wo.Status != domain.StatusDraft || wo.Plan != nil || wo.PlanFeedback != "too generic" {
		t.Fatalf("reject should clear plan and keep feedback: %s %v %q", wo.Status, wo.Plan, wo.PlanFeedback)
	}
	if _, err := env.Engine.RejectPlan(env.Ctx, wo.ID, "again"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("rejecting a draft should fail, got %v", err)
	}
}

type failingPlanner struct{}

func (failingPlanner) Synthesize(context.Context, *domain.WorkOrder) (domain.ExecutionPlan, error) {
	return domain.ExecutionPlan{}, errors.New("template exploded")
}

func TestSynthesisFailureLeavesDraft(t *testing.T) {
	env := newTestEnv(t)
	eng := env.newEngine(engine.Options{Planner: failingPlanner{}})
	defer eng.Close(context.Background())
	wo, err := eng.Create(env.Ctx, engine.CreateOptions{Objective: "Write a report"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.GeneratePlan(env.Ctx, wo.ID); !errors.Is(err, engine.ErrPlanSynthesis) {
		t.Fatalf("expected ErrPlanSynthesis, got %v", err)
	}
	got, _ := eng.Get(wo.ID)
	if got.Status != domain.StatusDraft || got.Plan != nil {
		t.Fatalf("failed synthesis should leave a draft without plan: %s %v", got.Status, got.Plan)
	}
}

func TestApproveSpawnsPodsAndGatedCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeWebsiteBuild, 120)
	if wo.Status != domain.StatusExecuting || wo.StartedAt == nil {
		t.Fatalf("expected executing with start time, got %s", wo.Status)
	}
	roles := wo.Plan.Roles()
	if len(wo.Pods) != len(roles) || len(wo.ActivePodIDs) != len(roles) {
		t.Fatalf("expected %d pods, got %d (active %d)", len(roles), len(wo.Pods), len(wo.ActivePodIDs))
	}
	for _, p := range wo.Pods {
		if p.Status != domain.PodIdle {
			t.Fatalf("pod %s should have settled to idle, got %s", p.Name, p.Status)
		}
		if len(p.Tools) == 0 {
			t.Fatalf("pod %s has no tools", p.Name)
		}
	}
	if len(wo.Checkpoints) != 1 || wo.Checkpoints[0].PhaseID != "design" || wo.Checkpoints[0].Status != domain.CheckpointPending {
		t.Fatalf("expected one pending design checkpoint, got %+v", wo.Checkpoints)
	}
	var sum float64
	for _, m := range wo.TimeBudget.PhaseAllocations {
		sum += m
	}
	if math.Abs(sum-120) > 1e-9 {
		t.Fatalf("phase allocations should sum to the budget, got %v", sum)
	}
	if wo.Plan.ApprovedBy != "tester" || wo.Plan.ApprovedAt == nil {
		t.Fatalf("approval not recorded: %q", wo.Plan.ApprovedBy)
	}
	if calls := env.Executor.Calls(); len(calls) != 1 || calls[0] != "execute:"+wo.ID {
		t.Fatalf("expected one execute call, got %v", calls)
	}
}

func TestExecutorFailureFailsOrder(t *testing.T) {
	env := newTestEnv(t)
	env.Executor.executeErr = errors.New("no workers")
	wo := env.create(t, domain.TypeResearchReport, 90)
	if _, err := env.Engine.GeneratePlan(env.Ctx, wo.ID); err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	wo, err := env.Engine.ApprovePlan(env.Ctx, wo.ID)
	if err == nil {
		t.Fatalf("expected executor error")
	}
	if wo.Status != domain.StatusFailed || wo.FailureReason == "" {
		t.Fatalf("expected failed order with reason, got %s %q", wo.Status, wo.FailureReason)
	}
	if len(wo.ActivePodIDs) != 0 {
		t.Fatalf("failed order should have no active pods")
	}
}

func TestSpawnSettlesAfterDelay(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Pods.SettleDelay = 20 * time.Millisecond
	wo := env.create(t, domain.TypeGeneric, 30)
	p, err := env.Engine.Spawn(env.Ctx, wo.ID, domain.RoleBackend)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if p.Status != domain.PodInitializing {
		t.Fatalf("spawn should return an initializing pod, got %s", p.Status)
	}
	stopped, err := env.Engine.Spawn(env.Ctx, wo.ID, domain.RoleQA)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := env.Engine.TerminatePod(env.Ctx, stopped.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.Engine.Pod(p.ID)
		if err != nil {
			t.Fatalf("pod: %v", err)
		}
		if got.Status == domain.PodIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pod never settled, still %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)
	if got, _ := env.Engine.Pod(stopped.ID); got.Status != domain.PodTerminated {
		t.Fatalf("terminated pod was revived: %s", got.Status)
	}
}

func TestPodLifecycle(t *testing.T) {
	env := newTestEnv(t)
	wo := env.create(t, domain.TypeGeneric, 30)
	var pods []domain.Pod
	for _, role := range []domain.PodRole{domain.RoleBackend, domain.RoleFrontend, domain.RoleQA} {
		p, err := env.Engine.Spawn(env.Ctx, wo.ID, role)
		if err != nil {
			t.Fatalf("spawn %s: %v", role, err)
		}
		pods = append(pods, p)
	}
	if pods[0].Name != "Pod 1 (backend)" || pods[2].Name != "Pod 3 (qa)" {
		t.Fatalf("unexpected pod names %q %q", pods[0].Name, pods[2].Name)
	}
	if _, err := env.Engine.TerminatePod(env.Ctx, pods[2].ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	before := env.Engine.LastUpdate()
	p, err := env.Engine.TerminatePod(env.Ctx, pods[2].ID)
	if err != nil || p.Status != domain.PodTerminated {
		t.Fatalf("second terminate should be a no-op: %v", err)
	}
	if env.Engine.LastUpdate() != before {
		t.Fatalf("second terminate should not mutate")
	}
	got, _ := env.Engine.Get(wo.ID)
	if len(got.Pods) != 3 || len(got.ActivePodIDs) != 2 {
		t.Fatalf("expected 3 pods with 2 active, got %d/%d", len(got.Pods), len(got.ActivePodIDs))
	}
	if _, err := env.Engine.AssignTask(env.Ctx, pods[2].ID, domain.PodTask{Name: "late"}); !errors.Is(err, engine.ErrPodTerminated) {
		t.Fatalf("expected ErrPodTerminated, got %v", err)
	}

	owner, err := env.Engine.GetByPodID(pods[0].ID)
	if err != nil || owner.ID != wo.ID {
		t.Fatalf("lookup by pod id: %v", err)
	}

	p, err = env.Engine.AssignTask(env.Ctx, pods[0].ID, domain.PodTask{ID: "t1", Name: "Build API"})
	if err != nil || p.Status != domain.PodWorking || p.CurrentTaskID != "t1" {
		t.Fatalf("assign: %v %+v", err, p)
	}
	p, err = env.Engine.AssignTask(env.Ctx, pods[0].ID, domain.PodTask{ID: "t2", Name: "Write tests"})
	if err != nil || p.CurrentTaskID != "t2" || len(p.TaskQueue) != 2 {
		t.Fatalf("second assign: %v %+v", err, p)
	}
	p, err = env.Engine.CompletePodTask(env.Ctx, pods[0].ID, "t2")
	if err != nil || p.CurrentTaskID != "t1" || p.Status != domain.PodWorking {
		t.Fatalf("complete t2: %v %+v", err, p)
	}
	p, err = env.Engine.CompletePodTask(env.Ctx, pods[0].ID, "t1")
	if err != nil || p.Status != domain.PodIdle || len(p.CompletedTasks) != 2 {
		t.Fatalf("complete t1: %v %+v", err, p)
	}
}

func TestUpdatePodKeepsIdentity(t *testing.T) {
	env := newTestEnv(t)
	wo := env.create(t, domain.TypeGeneric, 30)
	p, _ := env.Engine.Spawn(env.Ctx, wo.ID, domain.RoleDesign)
	working := domain.PodWorking
	updated, err := env.Engine.UpdatePod(env.Ctx, p.ID, engine.PodPatch{
		Status:  &working,
		Model:   &domain.ModelConfig{Provider: "local", Model: "m1"},
		Outputs: []string{"logo.svg"},
	})
	if err != nil {
		t.Fatalf("update pod: %v", err)
	}
	if updated.ID != p.ID || updated.Role != domain.RoleDesign || updated.StartedAt == nil {
		t.Fatalf("identity changed or start not stamped: %+v", updated)
	}
	terminated := domain.PodTerminated
	if _, err := env.Engine.UpdatePod(env.Ctx, p.ID, engine.PodPatch{Status: &terminated}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("status terminated must go through TerminatePod, got %v", err)
	}
}

func TestHeartbeatFailuresMarkPodInError(t *testing.T) {
	env := newTestEnv(t)
	wo := env.create(t, domain.TypeGeneric, 30)
	p, _ := env.Engine.Spawn(env.Ctx, wo.ID, domain.RoleData)
	for i := 1; i <= engine.HeartbeatFailureLimit; i++ {
		var err error
		p, err = env.Engine.RecordHeartbeat(env.Ctx, p.ID, engine.HeartbeatReport{Warning: "timeout"})
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	if p.Status != domain.PodError || p.Health.Status != "unhealthy" || p.Health.ConsecutiveFailures != engine.HeartbeatFailureLimit {
		t.Fatalf("expected unhealthy pod in error, got %s/%s", p.Status, p.Health.Status)
	}
	p, _ = env.Engine.RecordHeartbeat(env.Ctx, p.ID, engine.HeartbeatReport{Healthy: true})
	if p.Health.ConsecutiveFailures != 0 || p.Health.ErrorCount != engine.HeartbeatFailureLimit {
		t.Fatalf("healthy beat should reset the streak only: %+v", p.Health)
	}
}

func TestCheckpointPauseDecision(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeWebsiteBuild, 60)
	cpID := wo.Checkpoints[0].ID
	wo, err := env.Engine.ReachCheckpoint(env.Ctx, cpID)
	if err != nil || wo.Status != domain.StatusCheckpoint {
		t.Fatalf("reach: %v %s", err, wo.Status)
	}
	wo, err = env.Engine.RespondCheckpoint(env.Ctx, cpID, domain.CheckpointDecision{Action: domain.ActionPause, Rationale: "hold"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	cp := wo.Checkpoints[0]
	if wo.Status != domain.StatusPaused || cp.Status != domain.CheckpointRejected || cp.Decision == nil || cp.Decision.DecidedBy != "tester" {
		t.Fatalf("pause decision not applied: %s %+v", wo.Status, cp)
	}
	if _, err := env.Engine.RespondCheckpoint(env.Ctx, cpID, domain.CheckpointDecision{Action: domain.ActionContinue}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("deciding twice should fail, got %v", err)
	}
	wo, err = env.Engine.Resume(env.Ctx, wo.ID)
	if err != nil || wo.Status != domain.StatusExecuting {
		t.Fatalf("resume: %v %s", err, wo.Status)
	}
}

func TestCheckpointContinueAndCancel(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeGeneric, 60)
	first, _ := env.Engine.AddCheckpoint(env.Ctx, wo.ID, "qa", "review QA results")
	second, _ := env.Engine.AddCheckpoint(env.Ctx, wo.ID, "delivery", "sign off")

	if _, err := env.Engine.ReachCheckpoint(env.Ctx, first.ID); err != nil {
		t.Fatalf("reach first: %v", err)
	}
	wo, err := env.Engine.RespondCheckpoint(env.Ctx, first.ID, domain.CheckpointDecision{Action: domain.ActionContinue})
	if err != nil || wo.Status != domain.StatusExecuting {
		t.Fatalf("continue: %v %s", err, wo.Status)
	}
	if _, err := env.Engine.ReachCheckpoint(env.Ctx, second.ID); err != nil {
		t.Fatalf("reach second: %v", err)
	}
	wo, err = env.Engine.RespondCheckpoint(env.Ctx, second.ID, domain.CheckpointDecision{Action: domain.ActionCancel})
	if err != nil || wo.Status != domain.StatusCancelled || wo.CompletedAt == nil {
		t.Fatalf("cancel: %v %s", err, wo.Status)
	}
	if len(wo.ActivePodIDs) != 0 {
		t.Fatalf("cancelled order should stop its pods")
	}
}

func TestOnlyOneCheckpointOutstanding(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeGeneric, 60)
	first, _ := env.Engine.AddCheckpoint(env.Ctx, wo.ID, "qa", "first")
	second, _ := env.Engine.AddCheckpoint(env.Ctx, wo.ID, "delivery", "second")
	if _, err := env.Engine.ReachCheckpoint(env.Ctx, first.ID); err != nil {
		t.Fatalf("reach first: %v", err)
	}
	if _, err := env.Engine.WaitForUser(env.Ctx, wo.ID); err != nil {
		t.Fatalf("wait for user: %v", err)
	}
	if _, err := env.Engine.Resume(env.Ctx, wo.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.Engine.ReachCheckpoint(env.Ctx, second.ID); !errors.Is(err, engine.ErrCheckpointOutstanding) {
		t.Fatalf("expected ErrCheckpointOutstanding, got %v", err)
	}
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	wo := env.create(t, domain.TypeGeneric, 30)
	if _, err := env.Engine.Complete(env.Ctx, wo.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("draft cannot complete, got %v", err)
	}
	if _, err := env.Engine.ApprovePlan(env.Ctx, wo.ID); !errors.Is(err, engine.ErrNoPlan) {
		t.Fatalf("approve without plan should fail, got %v", err)
	}
	_, err := env.Engine.Pause(env.Ctx, wo.ID)
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.From != domain.StatusDraft || te.To != domain.StatusPaused {
		t.Fatalf("expected TransitionError draft -> paused, got %v", err)
	}
	got, _ := env.Engine.Get(wo.ID)
	if got.Status != domain.StatusDraft {
		t.Fatalf("rejected transition must not change status")
	}
}

func TestUpdateRejectsStatusMoves(t *testing.T) {
	env := newTestEnv(t)
	wo := env.create(t, domain.TypeGeneric, 30)
	planning := domain.StatusPlanning
	if _, err := env.Engine.Update(env.Ctx, wo.ID, engine.UpdateOptions{Status: &planning}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("draft -> planning through update should fail, got %v", err)
	}
	got, _ := env.Engine.Get(wo.ID)
	if got.Status != domain.StatusDraft || got.Plan != nil {
		t.Fatalf("rejected update changed the order: %s plan=%v", got.Status, got.Plan)
	}

	if _, err := env.Engine.GeneratePlan(env.Ctx, wo.ID); err != nil {
		t.Fatalf("plan: %v", err)
	}
	executing := domain.StatusExecuting
	if _, err := env.Engine.Update(env.Ctx, wo.ID, engine.UpdateOptions{Status: &executing}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("awaiting approval -> executing through update should fail, got %v", err)
	}
	got, _ = env.Engine.Get(wo.ID)
	if got.Status != domain.StatusAwaitingApproval || len(got.Pods) != 0 || got.Plan.ApprovedAt != nil {
		t.Fatalf("update skipped approval: %s pods=%d approved=%v", got.Status, len(got.Pods), got.Plan.ApprovedAt)
	}
	for _, call := range env.Executor.Calls() {
		if call == "execute:"+wo.ID {
			t.Fatalf("executor started by a plain update")
		}
	}

	same := domain.StatusAwaitingApproval
	objective := "Same status, new words"
	got, err := env.Engine.Update(env.Ctx, wo.ID, engine.UpdateOptions{Status: &same, Objective: &objective})
	if err != nil || got.Objective != objective || got.Status != domain.StatusAwaitingApproval {
		t.Fatalf("update repeating the status: %v %+v", err, got)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	env := newTestEnv(t)
	wo, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		Objective:      "Draft the onboarding guide",
		BudgetMinutes:  45,
		QualityTarget:  domain.QualityPremium,
		AuthorityLevel: domain.AuthorityObserve,
		Scope:          domain.Scope{AllowedPaths: []string{"docs/"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	objective := "Draft and review the onboarding guide"
	got, err := env.Engine.Update(env.Ctx, wo.ID, engine.UpdateOptions{Objective: &objective})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Objective != objective {
		t.Fatalf("objective not applied: %q", got.Objective)
	}
	if got.QualityTarget != domain.QualityPremium || got.AuthorityLevel != domain.AuthorityObserve || got.Type != wo.Type {
		t.Fatalf("untouched fields changed: %+v", got)
	}
	if got.TimeBudget.TotalMinutes != 45 || len(got.Scope.AllowedPaths) != 1 || got.Scope.AllowedPaths[0] != "docs/" {
		t.Fatalf("budget or scope changed: %+v %+v", got.TimeBudget, got.Scope)
	}
	if got.UpdatedAt <= wo.UpdatedAt {
		t.Fatalf("updated-at not touched: %s -> %s", wo.UpdatedAt, got.UpdatedAt)
	}
}

func TestListActiveCoversWorkInProgress(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, domain.TypeGeneric, 30)
	awaiting := env.create(t, domain.TypeGeneric, 30)
	if _, err := env.Engine.GeneratePlan(env.Ctx, awaiting.ID); err != nil {
		t.Fatalf("plan: %v", err)
	}
	running := env.executing(t, domain.TypeGeneric, 30)
	paused := env.executing(t, domain.TypeGeneric, 30)
	if _, err := env.Engine.Pause(env.Ctx, paused.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	gated := env.executing(t, domain.TypeWebsiteBuild, 60)
	if _, err := env.Engine.ReachCheckpoint(env.Ctx, gated.Checkpoints[0].ID); err != nil {
		t.Fatalf("reach: %v", err)
	}

	got := map[string]domain.Status{}
	for _, wo := range env.Engine.ListActive() {
		got[wo.ID] = wo.Status
	}
	if len(got) != 2 || got[running.ID] != domain.StatusExecuting || got[gated.ID] != domain.StatusCheckpoint {
		t.Fatalf("unexpected active orders: %v", got)
	}
}

func TestProgressOpsRejectTerminalOrders(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeGeneric, 40)
	if _, err := env.Engine.Cancel(env.Ctx, wo.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before, _ := env.Engine.Get(wo.ID)
	if _, err := env.Engine.CompleteTask(env.Ctx, wo.ID, "implementation-1", 5); !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("complete task on a cancelled order, got %v", err)
	}
	if _, err := env.Engine.CompletePhase(env.Ctx, wo.ID, "analysis"); !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("complete phase on a cancelled order, got %v", err)
	}
	after, _ := env.Engine.Get(wo.ID)
	if after.Progress != before.Progress || after.Plan.Phases[0].Status != before.Plan.Phases[0].Status {
		t.Fatalf("terminal order mutated: %+v", after)
	}
}

func TestCompleteGeneratesReceipts(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeGeneric, 40)
	if _, err := env.Engine.CompletePhase(env.Ctx, wo.ID, "analysis"); err != nil {
		t.Fatalf("complete phase: %v", err)
	}
	wo, err := env.Engine.CompleteTask(env.Ctx, wo.ID, "implementation-1", 12)
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if wo.Plan.Phases[0].Status != domain.TaskComplete || wo.Plan.Phases[1].Status != domain.TaskInProgress {
		t.Fatalf("phase status not recomputed: %s %s", wo.Plan.Phases[0].Status, wo.Plan.Phases[1].Status)
	}
	completed, total := wo.TaskCounts()
	if want := float64(completed) / float64(total) * 100; math.Abs(wo.Progress-want) > 1e-9 {
		t.Fatalf("progress %v, want %v", wo.Progress, want)
	}
	p := firstPod(wo)
	if _, err := env.Engine.AddArtifact(env.Ctx, wo.ID, engine.ArtifactInput{PodID: p.ID, Name: "report.md"}); err != nil {
		t.Fatalf("add artifact: %v", err)
	}

	wo, err = env.Engine.Complete(env.Ctx, wo.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if wo.Status != domain.StatusCompleted || wo.Receipts == nil {
		t.Fatalf("expected completed with receipts, got %s", wo.Status)
	}
	r := wo.Receipts
	if r.Executive.Outcome != domain.StatusCompleted || r.Source != "deterministic" {
		t.Fatalf("unexpected receipt %+v", r.Executive)
	}
	if want := float64(completed) / float64(total) * 100; math.Abs(r.Executive.QualityScore-want) > 1e-9 {
		t.Fatalf("quality score %v, want %v", r.Executive.QualityScore, want)
	}
	if !r.Rollback.Available || len(r.PerPod) != len(wo.Pods) {
		t.Fatalf("receipt misses artifacts or pods: %+v", r.Rollback)
	}
	if len(env.Engine.ListCompleted()) != 1 || len(env.Engine.ListActive()) != 0 {
		t.Fatalf("listing by status is off")
	}
	if _, err := env.Engine.ReportProgress(env.Ctx, wo.ID, 50, ""); !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("progress on a completed order should fail, got %v", err)
	}
}

func firstPod(wo domain.WorkOrder) *domain.Pod {
	pods := domain.SortedPods(wo.Pods)
	return pods[0]
}

func TestArtifactsKeepVersion(t *testing.T) {
	env := newTestEnv(t)
	wo := env.create(t, domain.TypeGeneric, 30)
	a, err := env.Engine.AddArtifact(env.Ctx, wo.ID, engine.ArtifactInput{Name: "index.html", Path: "site/index.html"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.Version != 1 || a.Status != "draft" {
		t.Fatalf("unexpected new artifact %+v", a)
	}
	final := "final"
	a, err = env.Engine.UpdateArtifact(env.Ctx, a.ID, engine.ArtifactPatch{Status: &final})
	if err != nil || a.Status != "final" || a.Version != 1 {
		t.Fatalf("update: %v %+v", err, a)
	}
	if _, err := env.Engine.AddArtifact(env.Ctx, wo.ID, engine.ArtifactInput{Name: "x", PodID: "nope"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("foreign pod id should be rejected, got %v", err)
	}
}

func TestBudgetThresholdSignal(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeGeneric, 60)
	sig, err := env.Engine.ReportElapsed(env.Ctx, wo.ID, 50)
	if err != nil {
		t.Fatalf("report elapsed: %v", err)
	}
	if !sig.Crossed || sig.Level != "warning" {
		t.Fatalf("expected warning crossing, got %+v", sig)
	}
	sig, _ = env.Engine.ReportElapsed(env.Ctx, wo.ID, 40)
	if sig.Crossed {
		t.Fatalf("elapsed must not move backwards")
	}
	got, _ := env.Engine.Get(wo.ID)
	if got.TimeBudget.ElapsedMinutes != 50 || got.TimeBudget.RemainingMinutes != 10 {
		t.Fatalf("unexpected ledger %+v", got.TimeBudget)
	}
	if got.Status != domain.StatusExecuting {
		t.Fatalf("budget signals are advisory")
	}
}

func TestDeleteReassignsActive(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, domain.TypeGeneric, 30)
	b := env.create(t, domain.TypeGeneric, 30)
	c := env.create(t, domain.TypeGeneric, 30)
	if _, err := env.Engine.ReportProgress(env.Ctx, b.ID, 10, ""); err != nil {
		t.Fatalf("touch b: %v", err)
	}
	if err := env.Engine.SetActive(env.Ctx, c.ID); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := env.Engine.Delete(env.Ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	active, ok := env.Engine.Active()
	if !ok || active.ID != b.ID {
		t.Fatalf("expected most recently updated order %s active, got %s", b.ID, active.ID)
	}
	if _, err := env.Engine.Get(c.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("deleted order still present")
	}
	if err := env.Engine.SetActive(env.Ctx, c.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_ = a
}

func TestSelectRestoresSelection(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, domain.TypeGeneric, 30)
	b := env.create(t, domain.TypeGeneric, 30)
	before := env.Engine.LastUpdate()
	if !env.Engine.Select(b.ID) {
		t.Fatalf("select %s failed", b.ID)
	}
	if active, _ := env.Engine.Active(); active.ID != b.ID {
		t.Fatalf("expected %s active, got %s", b.ID, active.ID)
	}
	if env.Engine.LastUpdate() <= before {
		t.Fatalf("last update not bumped")
	}
	if env.Engine.Select("missing") {
		t.Fatalf("unknown id selected")
	}
	if active, _ := env.Engine.Active(); active.ID != b.ID {
		t.Fatalf("unknown id changed the selection to %s", active.ID)
	}
	_ = a
}

type failingStore struct{}

func (failingStore) SaveWorkOrder(context.Context, persist.Record) error { return errors.New("disk full") }
func (failingStore) DeleteWorkOrder(context.Context, string) error       { return errors.New("disk full") }
func (failingStore) ListWorkOrders(context.Context) ([]persist.Record, error) {
	return nil, nil
}

func TestDurableWriteFailureKeepsMemoryState(t *testing.T) {
	env := newTestEnv(t)
	eng := env.newEngine(engine.Options{Store: failingStore{}})
	defer eng.Close(context.Background())
	wo, err := eng.Create(env.Ctx, engine.CreateOptions{Objective: "Keep going"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.ReportProgress(env.Ctx, wo.ID, 25, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := eng.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err := eng.Get(wo.ID)
	if err != nil || got.Progress != 25 {
		t.Fatalf("memory state lost: %v %v", err, got.Progress)
	}
	st := eng.PersistenceStatus()
	if st.Failed == 0 || len(st.Failures) == 0 {
		t.Fatalf("expected recorded failures, got %+v", st)
	}
}

func TestRecoveryAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeGeneric, 60)
	if len(wo.ActivePodIDs) == 0 {
		t.Fatalf("expected active pods before restart")
	}
	if err := env.Engine.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	restarted := env.newEngine(engine.Options{})
	defer restarted.Close(context.Background())
	if err := restarted.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded, err := restarted.Get(wo.ID)
	if err != nil {
		t.Fatalf("get after load: %v", err)
	}
	if len(loaded.ActivePodIDs) != len(wo.ActivePodIDs) {
		t.Fatalf("load alone should keep active pods, got %d", len(loaded.ActivePodIDs))
	}
	restarted.Recover(env.Ctx)
	got, _ := restarted.Get(wo.ID)
	if got.Status != domain.StatusExecuting || len(got.ActivePodIDs) != 0 || len(got.Pods) != len(wo.Pods) {
		t.Fatalf("unexpected recovered order: %s active=%d pods=%d", got.Status, len(got.ActivePodIDs), len(got.Pods))
	}
	calls := env.Executor.Calls()
	if calls[len(calls)-1] != "resume:"+wo.ID {
		t.Fatalf("expected resume after restart, got %v", calls)
	}
	if active, ok := restarted.Active(); !ok || active.ID != wo.ID {
		t.Fatalf("active selection not restored")
	}
	if err := restarted.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 1, 0, repo.EventFilter{WorkOrderID: wo.ID, Type: events.RecoveryResumed})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected recovery event: %v %d", err, len(evts))
	}
}

func TestRecoveryResumeFailureFailsOrder(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeGeneric, 60)
	_ = env.Engine.Close(context.Background())

	env.Executor.resumeErr = errors.New("worker gone")
	restarted := env.newEngine(engine.Options{})
	defer restarted.Close(context.Background())
	if err := restarted.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	restarted.Recover(env.Ctx)
	got, _ := restarted.Get(wo.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed after resume error, got %s", got.Status)
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	wo := env.executing(t, domain.TypeGeneric, 60)
	if err := env.Engine.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	evts, err := env.Repo.EventsAfter(env.Ctx, 500, 0, repo.EventFilter{WorkOrderID: wo.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
		if e.ActorID != "tester" {
			t.Fatalf("event %s recorded actor %q", e.Type, e.ActorID)
		}
	}
	for _, typ := range []string{events.WorkOrderCreated, events.PlanGenerated, events.PlanApproved, events.PodSpawned, events.WorkOrderStatus} {
		if !seen[typ] {
			t.Fatalf("missing %s event; saw %v", typ, seen)
		}
	}
	rec, err := env.Repo.GetWorkOrder(env.Ctx, wo.ID)
	if err != nil || rec.Status != domain.StatusExecuting {
		t.Fatalf("durable record not written: %v", err)
	}
}

type recordingNarrator struct {
	mu      sync.Mutex
	created int
	posts   []string
}

func (n *recordingNarrator) CreateConversation(context.Context, string, string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created++
	return "conv-1", nil
}

func (n *recordingNarrator) Post(_ context.Context, _ string, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, message)
	return nil
}

func TestNarrationCreatesConversationOnce(t *testing.T) {
	env := newTestEnv(t)
	n := &recordingNarrator{}
	eng := env.newEngine(engine.Options{Narrator: n})
	defer eng.Close(context.Background())
	wo, _ := eng.Create(env.Ctx, engine.CreateOptions{Objective: "Narrated"})
	if _, err := eng.GeneratePlan(env.Ctx, wo.ID); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if _, err := eng.ApprovePlan(env.Ctx, wo.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := eng.Get(wo.ID)
	if n.created != 1 || got.ConversationID != "conv-1" || len(n.posts) != 2 {
		t.Fatalf("unexpected narration: created=%d conv=%q posts=%v", n.created, got.ConversationID, n.posts)
	}
}

func TestJournalNarrationFollowsLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	eng := env.newEngine(engine.Options{Narrator: engine.JournalNarrator{}})
	defer eng.Close(context.Background())
	wo, err := eng.Create(env.Ctx, engine.CreateOptions{Objective: "Narrated to the journal"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.GeneratePlan(env.Ctx, wo.ID); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := eng.Flush(env.Ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, _ := eng.Get(wo.ID)
	evts, err := env.Repo.EventsAfter(env.Ctx, 500, 0, repo.EventFilter{WorkOrderID: wo.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	planAt, narrationAt := -1, -1
	for i, e := range evts {
		switch e.Type {
		case events.PlanGenerated:
			planAt = i
		case events.NarrationPosted:
			narrationAt = i
			if e.EntityKind != "conversation" || e.EntityID != got.ConversationID || e.ActorID != "tester" {
				t.Fatalf("unexpected narration event %+v", e)
			}
		}
	}
	if planAt < 0 || narrationAt < planAt {
		t.Fatalf("narration should follow the plan event: plan=%d narration=%d", planAt, narrationAt)
	}
}
