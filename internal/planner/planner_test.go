package planner_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"podline/internal/budget"
	"podline/internal/domain"
	"podline/internal/planner"
)

func order(typ domain.OrderType, total float64) *domain.WorkOrder {
	return &domain.WorkOrder{
		ID:             "wo-1",
		Type:           typ,
		Status:         domain.StatusPlanning,
		Objective:      "launch site",
		TimeBudget:     budget.New(total, 0, 0),
		QualityTarget:  domain.QualityStandard,
		AuthorityLevel: domain.AuthoritySupervised,
		Pods:           map[string]*domain.Pod{},
	}
}

func fixed() *planner.Synthesizer {
	s := planner.New()
	s.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	s.NewID = func() string { return "plan-1" }
	return s
}

func TestGenericPhasesSumToBudget(t *testing.T) {
	for _, total := range []float64{1, 7.5, 60, 95, 1440} {
		plan, err := fixed().Synthesize(context.Background(), order(domain.TypeGeneric, total))
		if err != nil {
			t.Fatalf("budget %v: %v", total, err)
		}
		if len(plan.Phases) != 4 {
			t.Fatalf("expected 4 phases, got %d", len(plan.Phases))
		}
		var sum float64
		for _, ph := range plan.Phases {
			sum += ph.EstimatedMinutes
			var tasks float64
			for _, task := range ph.Tasks {
				tasks += task.EstimatedMinutes
			}
			if math.Abs(tasks-ph.EstimatedMinutes) > 1e-9 {
				t.Fatalf("phase %s tasks sum %v want %v", ph.ID, tasks, ph.EstimatedMinutes)
			}
		}
		if math.Abs(sum-total) > 1e-9 {
			t.Fatalf("budget %v: phases sum to %v", total, sum)
		}
		if plan.EstimatedMinutes != total {
			t.Fatalf("estimate %v want %v", plan.EstimatedMinutes, total)
		}
	}
}

func TestGenericWeights(t *testing.T) {
	plan := planner.Generic(100)
	want := map[string]float64{"analysis": 15, "implementation": 50, "qa": 20, "delivery": 15}
	for _, ph := range plan.Phases {
		if math.Abs(ph.EstimatedMinutes-want[ph.ID]) > 1e-9 {
			t.Fatalf("phase %s: %v want %v", ph.ID, ph.EstimatedMinutes, want[ph.ID])
		}
	}
	if deps := plan.Strategy.Dependencies["qa"]; len(deps) != 1 || deps[0] != "implementation" {
		t.Fatalf("unexpected dependencies %v", plan.Strategy.Dependencies)
	}
}

func TestTemplateScalingLaw(t *testing.T) {
	cases := []struct {
		typ     domain.OrderType
		tmpl    planner.Template
		nominal float64
	}{
		{domain.TypeWebsiteBuild, planner.WebsiteBuild, planner.WebsiteBuildNominalMinutes},
		{domain.TypeResearchReport, planner.ResearchReport, planner.ResearchReportNominalMinutes},
	}
	for _, tc := range cases {
		nominal, err := tc.tmpl(context.Background(), planner.TemplateRequest{WorkOrderID: "wo-1"})
		if err != nil {
			t.Fatalf("%s nominal: %v", tc.typ, err)
		}
		if nominal.EstimatedMinutes != tc.nominal {
			t.Fatalf("%s nominal total %v want %v", tc.typ, nominal.EstimatedMinutes, tc.nominal)
		}
		for _, total := range []float64{60, 45, 200} {
			plan, err := fixed().Synthesize(context.Background(), order(tc.typ, total))
			if err != nil {
				t.Fatalf("%s: %v", tc.typ, err)
			}
			if plan.EstimatedMinutes != total {
				t.Fatalf("%s estimate %v want %v", tc.typ, plan.EstimatedMinutes, total)
			}
			factor := total / tc.nominal
			for i, ph := range plan.Phases {
				want := nominal.Phases[i].EstimatedMinutes * factor
				if ph.EstimatedMinutes != want {
					t.Fatalf("%s phase %s: %v want %v", tc.typ, ph.ID, ph.EstimatedMinutes, want)
				}
				for j, task := range ph.Tasks {
					if want := nominal.Phases[i].Tasks[j].EstimatedMinutes * factor; task.EstimatedMinutes != want {
						t.Fatalf("%s task %s: %v want %v", tc.typ, task.ID, task.EstimatedMinutes, want)
					}
				}
			}
		}
	}
}

func TestWebsiteBuildPlan(t *testing.T) {
	plan, err := fixed().Synthesize(context.Background(), order(domain.TypeWebsiteBuild, 60))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(plan.Phases) == 0 || plan.ID != "plan-1" || plan.WorkOrderID != "wo-1" {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.ApprovedAt != nil || !plan.RequiresApproval {
		t.Fatalf("fresh plan must be unapproved and require approval")
	}
	roles := plan.Roles()
	if len(roles) == 0 || roles[0] != domain.RoleOrchestrator {
		t.Fatalf("unexpected roles %v", roles)
	}
	if plan.CreatedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("unexpected created_at %s", plan.CreatedAt)
	}
}

func TestTemplateErrorsAndPanics(t *testing.T) {
	s := fixed()
	s.Templates[domain.TypeWebsiteBuild] = func(ctx context.Context, req planner.TemplateRequest) (domain.ExecutionPlan, error) {
		return domain.ExecutionPlan{}, errors.New("factory offline")
	}
	if _, err := s.Synthesize(context.Background(), order(domain.TypeWebsiteBuild, 60)); err == nil {
		t.Fatalf("expected template error")
	}
	s.Templates[domain.TypeWebsiteBuild] = func(ctx context.Context, req planner.TemplateRequest) (domain.ExecutionPlan, error) {
		panic("bad template")
	}
	plan, err := s.Synthesize(context.Background(), order(domain.TypeWebsiteBuild, 60))
	if err == nil || len(plan.Phases) != 0 {
		t.Fatalf("expected panic to surface as error with no plan, got %+v %v", plan, err)
	}
	s.Templates[domain.TypeWebsiteBuild] = func(ctx context.Context, req planner.TemplateRequest) (domain.ExecutionPlan, error) {
		return domain.ExecutionPlan{}, nil
	}
	if _, err := s.Synthesize(context.Background(), order(domain.TypeWebsiteBuild, 60)); err == nil {
		t.Fatalf("expected error for empty template plan")
	}
}
