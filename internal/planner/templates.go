package planner

import (
	"context"
	"fmt"

	"podline/internal/domain"
)

type taskSpec struct {
	name     string
	fraction float64
}

type phaseSpec struct {
	id          string
	name        string
	description string
	weight      float64
	roles       []domain.PodRole
	tasks       []taskSpec
}

// Task fractions within each phase sum to 1.
var genericPhases = []phaseSpec{
	{"analysis", "Analysis & Planning", "Understand the objective and settle the approach", 0.15,
		[]domain.PodRole{domain.RoleOrchestrator, domain.RoleResearch},
		[]taskSpec{{"Analyze requirements", 0.5}, {"Define approach", 0.3}, {"Confirm scope", 0.2}}},
	{"implementation", "Core Implementation", "Produce the primary deliverables", 0.50,
		[]domain.PodRole{domain.RoleBackend, domain.RoleFrontend},
		[]taskSpec{{"Build core functionality", 0.6}, {"Integrate components", 0.25}, {"Refine output", 0.15}}},
	{"qa", "Quality Assurance", "Verify deliverables against the quality target", 0.20,
		[]domain.PodRole{domain.RoleQA},
		[]taskSpec{{"Test deliverables", 0.6}, {"Fix defects", 0.4}}},
	{"delivery", "Delivery", "Package and hand over the results", 0.15,
		[]domain.PodRole{domain.RoleOrchestrator},
		[]taskSpec{{"Package deliverables", 0.6}, {"Write handover notes", 0.4}}},
}

// Generic returns the four-phase plan for total minutes. Phases run in
// sequence and their durations sum to total.
func Generic(total float64) domain.ExecutionPlan {
	plan := domain.ExecutionPlan{
		Summary:          "Generic four-phase plan: analysis, implementation, quality assurance, delivery",
		EstimatedMinutes: total,
		Confidence:       0.6,
		Strategy: domain.PodStrategy{
			Mode:          domain.StrategySequential,
			MaxConcurrent: 2,
			PriorityOrder: []domain.PodRole{domain.RoleOrchestrator, domain.RoleResearch, domain.RoleBackend, domain.RoleFrontend, domain.RoleQA},
			Dependencies:  map[string][]string{},
		},
		Risks:        []string{"Objective may be underspecified for a generic plan"},
		Assumptions:  []string{"No domain template applies to this work order"},
		Deliverables: []string{"Primary deliverable", "Handover notes"},
	}
	prev := ""
	for i, spec := range genericPhases {
		minutes := total * spec.weight
		ph := domain.Phase{
			ID:               spec.id,
			Name:             spec.name,
			Description:      spec.description,
			Order:            i + 1,
			EstimatedMinutes: minutes,
			DependsOn:        []string{},
			Roles:            domain.CloneSlice(spec.roles),
			Status:           domain.TaskPending,
		}
		if prev != "" {
			ph.DependsOn = []string{prev}
		}
		for j, ts := range spec.tasks {
			ph.Tasks = append(ph.Tasks, domain.Task{
				ID:               fmt.Sprintf("%s-%d", spec.id, j+1),
				Name:             ts.name,
				Status:           domain.TaskPending,
				EstimatedMinutes: minutes * ts.fraction,
			})
		}
		plan.Strategy.Dependencies[ph.ID] = domain.CloneSlice(ph.DependsOn)
		plan.Phases = append(plan.Phases, ph)
		prev = spec.id
	}
	return plan
}

type nominalTask struct {
	name    string
	minutes float64
}

type nominalPhase struct {
	id               string
	name             string
	description      string
	dependsOn        []string
	roles            []domain.PodRole
	requiresApproval bool
	tasks            []nominalTask
}

func phase(id, name, description string, dependsOn []string, rs []domain.PodRole, gated bool, tasks ...nominalTask) nominalPhase {
	return nominalPhase{id, name, description, dependsOn, rs, gated, tasks}
}

func after(ids ...string) []string { return ids }

func roles(rs ...domain.PodRole) []domain.PodRole { return rs }

func buildNominal(summary string, confidence float64, mode domain.StrategyMode, priority []domain.PodRole, phases []nominalPhase) domain.ExecutionPlan {
	plan := domain.ExecutionPlan{
		Summary:    summary,
		Confidence: confidence,
		Strategy: domain.PodStrategy{
			Mode:          mode,
			MaxConcurrent: 3,
			PriorityOrder: priority,
			Dependencies:  map[string][]string{},
		},
	}
	for i, np := range phases {
		ph := domain.Phase{
			ID:               np.id,
			Name:             np.name,
			Description:      np.description,
			Order:            i + 1,
			DependsOn:        append([]string{}, np.dependsOn...),
			Roles:            append([]domain.PodRole{}, np.roles...),
			Status:           domain.TaskPending,
			RequiresApproval: np.requiresApproval,
		}
		for j, nt := range np.tasks {
			ph.Tasks = append(ph.Tasks, domain.Task{
				ID:               fmt.Sprintf("%s-%d", np.id, j+1),
				Name:             nt.name,
				Status:           domain.TaskPending,
				EstimatedMinutes: nt.minutes,
			})
			ph.EstimatedMinutes += nt.minutes
		}
		plan.EstimatedMinutes += ph.EstimatedMinutes
		plan.Strategy.Dependencies[ph.ID] = append([]string{}, np.dependsOn...)
		plan.Phases = append(plan.Phases, ph)
	}
	return plan
}

// WebsiteBuildNominalMinutes is the nominal duration of the website-build
// template before scaling.
const WebsiteBuildNominalMinutes = 120.0

// WebsiteBuild is the website-build template. Design and content run side
// by side after discovery; the design phase is gated on approval.
func WebsiteBuild(ctx context.Context, req TemplateRequest) (domain.ExecutionPlan, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecutionPlan{}, err
	}
	plan := buildNominal(
		"Website build: discovery, design, content, build, QA and deployment",
		0.8,
		domain.StrategyParallel,
		[]domain.PodRole{domain.RoleOrchestrator, domain.RoleDesign, domain.RoleCopy, domain.RoleFrontend, domain.RoleBackend, domain.RoleQA, domain.RoleDeployment},
		[]nominalPhase{
			phase("discovery", "Discovery", "Brief, audience and sitemap", nil, roles(domain.RoleOrchestrator), false,
				nominalTask{"Write brief", 4}, nominalTask{"Draft sitemap", 6}),
			phase("design", "Design", "Wireframes and visual system", after("discovery"), roles(domain.RoleDesign), true,
				nominalTask{"Wireframes", 12}, nominalTask{"Visual design", 18}),
			phase("content", "Content", "Page copy and microcopy", after("discovery"), roles(domain.RoleCopy), false,
				nominalTask{"Page copy", 14}, nominalTask{"Microcopy", 6}),
			phase("build", "Build", "Implement pages and integrations", after("design", "content"), roles(domain.RoleFrontend, domain.RoleBackend), false,
				nominalTask{"Implement pages", 25}, nominalTask{"Forms and integrations", 15}),
			phase("qa", "QA", "Cross-browser and accessibility checks", after("build"), roles(domain.RoleQA), false,
				nominalTask{"Cross-browser checks", 7}, nominalTask{"Accessibility audit", 5}),
			phase("deploy", "Deploy", "Ship to hosting", after("qa"), roles(domain.RoleDeployment), false,
				nominalTask{"Deploy site", 8}),
		},
	)
	plan.Risks = []string{"Content approval may lag design", "Third-party integrations may need credentials"}
	plan.Assumptions = []string{"Static hosting is acceptable"}
	plan.Deliverables = []string{"Deployed website", "Design files", "Copy deck"}
	if req.Objective != "" {
		plan.Summary += ": " + req.Objective
	}
	return plan, nil
}

// ResearchReportNominalMinutes is the nominal duration of the
// research-report template before scaling.
const ResearchReportNominalMinutes = 90.0

func ResearchReport(ctx context.Context, req TemplateRequest) (domain.ExecutionPlan, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecutionPlan{}, err
	}
	plan := buildNominal(
		"Research report: scoping, research, analysis, writing, review",
		0.75,
		domain.StrategySequential,
		[]domain.PodRole{domain.RoleOrchestrator, domain.RoleResearch, domain.RoleData, domain.RoleCopy, domain.RoleQA},
		[]nominalPhase{
			phase("scoping", "Scoping", "Research questions and sources", nil, roles(domain.RoleOrchestrator), false,
				nominalTask{"Frame questions", 6}, nominalTask{"Select sources", 4}),
			phase("research", "Research", "Collect evidence", after("scoping"), roles(domain.RoleResearch), false,
				nominalTask{"Literature search", 25}, nominalTask{"Collect data", 15}),
			phase("analysis", "Analysis", "Synthesize findings", after("research"), roles(domain.RoleData), false,
				nominalTask{"Analyze data", 12}, nominalTask{"Synthesize findings", 8}),
			phase("writing", "Writing", "Draft the report", after("analysis"), roles(domain.RoleCopy), false,
				nominalTask{"Draft report", 15}),
			phase("review", "Review", "Fact-check and polish", after("writing"), roles(domain.RoleQA), true,
				nominalTask{"Fact-check", 5}),
		},
	)
	plan.Risks = []string{"Sources may be paywalled"}
	plan.Assumptions = []string{"Public sources are sufficient"}
	plan.Deliverables = []string{"Research report", "Source list"}
	if req.Objective != "" {
		plan.Summary += ": " + req.Objective
	}
	return plan, nil
}
