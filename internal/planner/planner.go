// Package planner builds execution plans for work orders. Orders whose type
// has a registered template get the template's plan scaled uniformly to the
// time budget; everything else gets the four-phase generic plan.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"podline/internal/domain"
	"podline/internal/observability"
)

// TemplateConfig is what a template factory may use to shape its plan.
type TemplateConfig struct {
	BudgetMinutes  float64               `json:"budget_minutes"`
	QualityTarget  domain.QualityTarget  `json:"quality_target"`
	AuthorityLevel domain.AuthorityLevel `json:"authority_level"`
}

type TemplateRequest struct {
	WorkOrderID string
	Config      TemplateConfig
	Pods        []domain.Pod
	Objective   string
}

// Template returns a plan with nominal durations. The plan's
// EstimatedMinutes is taken as the nominal total; zero means the sum of its
// phases.
type Template func(ctx context.Context, req TemplateRequest) (domain.ExecutionPlan, error)

var ErrEmptyPlan = errors.New("plan has no phases")

type Synthesizer struct {
	Templates map[domain.OrderType]Template
	Now       func() time.Time
	NewID     func() string
}

// New returns a synthesizer with the built-in templates registered.
func New() *Synthesizer {
	return &Synthesizer{
		Templates: map[domain.OrderType]Template{
			domain.TypeWebsiteBuild:   WebsiteBuild,
			domain.TypeResearchReport: ResearchReport,
		},
	}
}

// Synthesize builds a plan for wo. It does not modify wo. A panicking
// template is reported as an error.
func (s *Synthesizer) Synthesize(ctx context.Context, wo *domain.WorkOrder) (plan domain.ExecutionPlan, err error) {
	ctx, span := observability.StartSpan(ctx, "planner.synthesize",
		attribute.String("work_order_id", wo.ID),
		attribute.String("work_order_type", string(wo.Type)),
	)
	defer func() {
		if r := recover(); r != nil {
			plan = domain.ExecutionPlan{}
			err = fmt.Errorf("template for %s panicked: %v", wo.Type, r)
		}
		observability.EndSpan(span, err)
	}()

	total := wo.TimeBudget.TotalMinutes
	if total <= 0 {
		return domain.ExecutionPlan{}, fmt.Errorf("work order %s has no time budget", wo.ID)
	}
	if tmpl, ok := s.Templates[wo.Type]; ok && tmpl != nil {
		pods := make([]domain.Pod, 0, len(wo.Pods))
		for _, p := range domain.SortedPods(wo.Pods) {
			pods = append(pods, *p.Clone())
		}
		plan, err = tmpl(ctx, TemplateRequest{
			WorkOrderID: wo.ID,
			Config: TemplateConfig{
				BudgetMinutes:  total,
				QualityTarget:  wo.QualityTarget,
				AuthorityLevel: wo.AuthorityLevel,
			},
			Pods:      pods,
			Objective: wo.Objective,
		})
		if err != nil {
			return domain.ExecutionPlan{}, fmt.Errorf("template %s: %w", wo.Type, err)
		}
		if err := Scale(&plan, total); err != nil {
			return domain.ExecutionPlan{}, fmt.Errorf("template %s: %w", wo.Type, err)
		}
	} else {
		plan = Generic(total)
	}
	if len(plan.Phases) == 0 {
		return domain.ExecutionPlan{}, ErrEmptyPlan
	}
	s.finish(&plan, wo)
	return plan, nil
}

func (s *Synthesizer) finish(plan *domain.ExecutionPlan, wo *domain.WorkOrder) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	newID := uuid.NewString
	if s.NewID != nil {
		newID = s.NewID
	}
	if plan.ID == "" {
		plan.ID = newID()
	}
	plan.WorkOrderID = wo.ID
	plan.CreatedAt = now().UTC().Format(time.RFC3339Nano)
	plan.ApprovedAt = nil
	plan.ApprovedBy = ""
	plan.RequiresApproval = wo.AuthorityLevel != domain.AuthorityAutonomous || plan.RequiresApproval
	if plan.Strategy.Mode == "" {
		plan.Strategy.Mode = domain.StrategyParallel
	}
	if plan.Strategy.Dependencies == nil {
		plan.Strategy.Dependencies = map[string][]string{}
	}
	for i := range plan.Phases {
		ph := &plan.Phases[i]
		if ph.Status == "" {
			ph.Status = domain.TaskPending
		}
		if ph.DependsOn == nil {
			ph.DependsOn = []string{}
		}
		if _, ok := plan.Strategy.Dependencies[ph.ID]; !ok {
			plan.Strategy.Dependencies[ph.ID] = domain.CloneSlice(ph.DependsOn)
		}
		for j := range ph.Tasks {
			if ph.Tasks[j].Status == "" {
				ph.Tasks[j].Status = domain.TaskPending
			}
		}
	}
	for _, sl := range []*[]string{&plan.Risks, &plan.Assumptions, &plan.Deliverables} {
		if *sl == nil {
			*sl = []string{}
		}
	}
}

// Scale multiplies every phase and task duration by total/nominal, where
// nominal is the plan's own estimate, and sets the estimate to total.
func Scale(plan *domain.ExecutionPlan, total float64) error {
	nominal := plan.EstimatedMinutes
	if nominal <= 0 {
		for _, ph := range plan.Phases {
			nominal += ph.EstimatedMinutes
		}
	}
	if nominal <= 0 {
		return errors.New("template has no nominal duration")
	}
	factor := total / nominal
	for i := range plan.Phases {
		ph := &plan.Phases[i]
		ph.EstimatedMinutes = ph.EstimatedMinutes * factor
		for j := range ph.Tasks {
			ph.Tasks[j].EstimatedMinutes = ph.Tasks[j].EstimatedMinutes * factor
		}
	}
	plan.EstimatedMinutes = total
	return nil
}
