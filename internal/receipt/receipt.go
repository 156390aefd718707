// Package receipt produces completion receipts for work orders. A rich
// summarizer may be configured; whenever it is absent or fails, a
// deterministic receipt is produced instead, so Generate always returns one.
package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"podline/internal/domain"
	"podline/internal/observability"
)

const (
	SourceSummarizer    = "summarizer"
	SourceDeterministic = "deterministic"
)

// PodMetrics is the per-pod slice of the execution context.
type PodMetrics struct {
	PodID            string         `json:"pod_id"`
	Role             domain.PodRole `json:"role"`
	TasksCompleted   int            `json:"tasks_completed"`
	TokensUsed       int64          `json:"tokens_used"`
	ExecutionMinutes float64        `json:"execution_minutes"`
	Success          bool           `json:"success"`
}

// Context is what a summarizer receives alongside the work order.
type Context struct {
	Pods           []PodMetrics `json:"pods"`
	TasksCompleted int          `json:"tasks_completed"`
	TasksTotal     int          `json:"tasks_total"`
	QualityScore   float64      `json:"quality_score"`
	Artifacts      []string     `json:"artifacts"`
}

type Summarizer interface {
	Summarize(ctx context.Context, wo *domain.WorkOrder, ec Context) (domain.Receipts, error)
}

// QualityScore is completed/total x 100, clamped to [0,100]; 0 without tasks.
func QualityScore(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return clampScore(float64(completed) / float64(total) * 100)
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(100, math.Max(0, v))
}

// BuildContext derives the execution context from wo.
func BuildContext(wo *domain.WorkOrder) Context {
	completed, total := wo.TaskCounts()
	ec := Context{
		Pods:           []PodMetrics{},
		TasksCompleted: completed,
		TasksTotal:     total,
		QualityScore:   QualityScore(completed, total),
		Artifacts:      []string{},
	}
	for _, p := range domain.SortedPods(wo.Pods) {
		ec.Pods = append(ec.Pods, PodMetrics{
			PodID:            p.ID,
			Role:             p.Role,
			TasksCompleted:   len(p.CompletedTasks),
			TokensUsed:       p.Usage.Tokens,
			ExecutionMinutes: p.Usage.ExecutionMinutes,
			Success:          p.Health.ErrorCount == 0 && p.Status != domain.PodError,
		})
	}
	for _, a := range wo.Artifacts {
		ec.Artifacts = append(ec.Artifacts, a.Name)
	}
	return ec
}

// Deterministic builds receipts from the context alone. It never fails.
type Deterministic struct {
	Now func() time.Time
}

func (d Deterministic) Summarize(_ context.Context, wo *domain.WorkOrder, ec Context) (domain.Receipts, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	accomplishments := append([]string{}, ec.Artifacts...)
	artifactIDs := make([]string, 0, len(wo.Artifacts))
	for _, a := range wo.Artifacts {
		artifactIDs = append(artifactIDs, a.ID)
	}
	r := domain.Receipts{
		Executive: domain.ExecutiveSummary{
			Title:             "Work order " + wo.ID,
			Summary:           fmt.Sprintf("%s: %d of %d tasks completed", wo.Objective, ec.TasksCompleted, ec.TasksTotal),
			Accomplishments:   accomplishments,
			QualityScore:      ec.QualityScore,
			TimeUsedMinutes:   wo.TimeBudget.ElapsedMinutes,
			TimeBudgetMinutes: wo.TimeBudget.TotalMinutes,
			Outcome:           wo.Status,
		},
		Technical: domain.TechnicalReceipt{Notes: []string{}},
		PerPod:    map[string]domain.PodReceipt{},
		Rollback: domain.RollbackInfo{
			Available:   len(artifactIDs) > 0,
			ArtifactIDs: artifactIDs,
		},
		Source:      SourceDeterministic,
		GeneratedAt: now().UTC().Format(time.RFC3339Nano),
	}
	if r.Rollback.Available {
		r.Rollback.Instructions = "Revert or discard the listed artifacts"
	}
	for _, pm := range ec.Pods {
		r.PerPod[pm.PodID] = domain.PodReceipt{
			PodID:            pm.PodID,
			Role:             pm.Role,
			TasksCompleted:   pm.TasksCompleted,
			TokensUsed:       pm.TokensUsed,
			ExecutionMinutes: pm.ExecutionMinutes,
			Success:          pm.Success,
		}
	}
	return r, nil
}

// Generator runs Rich when set and falls back to Deterministic.
type Generator struct {
	Rich   Summarizer
	Logger *slog.Logger
	Now    func() time.Time
}

// Generate returns receipts for wo. It never returns an error; failures and
// panics from the rich summarizer are logged and replaced by the
// deterministic receipt.
func (g Generator) Generate(ctx context.Context, wo *domain.WorkOrder) domain.Receipts {
	ctx, span := observability.StartSpan(ctx, "receipt.generate", attribute.String("work_order_id", wo.ID))
	defer span.End()
	ec := BuildContext(wo)
	fallback := Deterministic{Now: g.Now}
	if g.Rich != nil {
		r, err := g.rich(ctx, wo, ec)
		if err == nil {
			span.SetAttributes(attribute.String("receipt.source", r.Source))
			return r
		}
		span.RecordError(err)
		g.logger().Warn("summarizer failed; using deterministic receipt", "work_order_id", wo.ID, "err", err)
	}
	r, _ := fallback.Summarize(ctx, wo, ec)
	span.SetAttributes(attribute.String("receipt.source", r.Source))
	return r
}

func (g Generator) rich(ctx context.Context, wo *domain.WorkOrder, ec Context) (r domain.Receipts, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("summarizer panicked: %v", p)
		}
	}()
	r, err = g.Rich.Summarize(ctx, wo.Clone(), ec)
	if err != nil {
		return domain.Receipts{}, err
	}
	if r.Source == "" {
		r.Source = SourceSummarizer
	}
	if r.GeneratedAt == "" {
		now := time.Now
		if g.Now != nil {
			now = g.Now
		}
		r.GeneratedAt = now().UTC().Format(time.RFC3339Nano)
	}
	if r.PerPod == nil {
		r.PerPod = map[string]domain.PodReceipt{}
	}
	r.Executive.QualityScore = clampScore(r.Executive.QualityScore)
	return r, nil
}

func (g Generator) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
