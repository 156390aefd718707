package receipt_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"podline/internal/domain"
	"podline/internal/receipt"
)

type failing struct{ panics bool }

func (f failing) Summarize(ctx context.Context, wo *domain.WorkOrder, ec receipt.Context) (domain.Receipts, error) {
	if f.panics {
		panic("summarizer exploded")
	}
	return domain.Receipts{}, errors.New("model unavailable")
}

func completedOrder() *domain.WorkOrder {
	return &domain.WorkOrder{
		ID:        "wo-1",
		Status:    domain.StatusCompleted,
		Objective: "landing page",
		Pods: map[string]*domain.Pod{
			"p1": {ID: "p1", Role: domain.RoleDesign, CompletedTasks: []domain.PodTask{{ID: "t1"}}, Usage: domain.ResourceUsage{Tokens: 100}, CreatedAt: "1"},
			"p2": {ID: "p2", Role: domain.RoleQA, Health: domain.PodHealth{ErrorCount: 2}, CreatedAt: "2"},
		},
		Artifacts: []domain.Artifact{{ID: "a1", Name: "index.html"}, {ID: "a2", Name: "styles.css"}},
		Plan: &domain.ExecutionPlan{Phases: []domain.Phase{
			{ID: "ph1", Tasks: []domain.Task{{ID: "t1", Status: domain.TaskComplete}, {ID: "t2", Status: domain.TaskPending}}},
			{ID: "ph2", Tasks: []domain.Task{{ID: "t3", Status: domain.TaskComplete}, {ID: "t4", Status: domain.TaskFailed}}},
		}},
	}
}

func TestQualityScoreBounds(t *testing.T) {
	cases := []struct {
		completed, total int
		want float64
	}{
		{0, 0, 0}, {0, 4, 0}, {2, 4, 50}, {4, 4, 100}, {9, 4, 100}, {-1, 4, 0},
	}
	for _, tc := range cases {
		if got := receipt.QualityScore(tc.completed, tc.total); got != tc.want {
			t.Fatalf("QualityScore(%d,%d)=%v want %v", tc.completed, tc.total, got, tc.want)
		}
	}
}

func TestGenerateFallsBackOnError(t *testing.T) {
	for _, summ := range []receipt.Summarizer{failing{}, failing{panics: true}} {
		g := receipt.Generator{Rich: summ, Now: func() time.Time { return time.Unix(0, 0) }}
		r := g.Generate(context.Background(), completedOrder())
		if r.Source != receipt.SourceDeterministic {
			t.Fatalf("expected deterministic fallback, got %q", r.Source)
		}
		if r.Executive.QualityScore != 50 {
			t.Fatalf("expected quality 50, got %v", r.Executive.QualityScore)
		}
		if len(r.Executive.Accomplishments) != 2 || r.Executive.Accomplishments[0] != "index.html" {
			t.Fatalf("artifact names should be accomplishments, got %v", r.Executive.Accomplishments)
		}
		if r.Technical.TotalTokens != 0 || r.Technical.TasksCompleted != 0 {
			t.Fatalf("technical metrics must be zero, got %+v", r.Technical)
		}
		if !r.PerPod["p1"].Success || r.PerPod["p2"].Success {
			t.Fatalf("unexpected per-pod success flags %+v", r.PerPod)
		}
	}
}

func TestGenerateWithoutSummarizer(t *testing.T) {
	r := receipt.Generator{}.Generate(context.Background(), &domain.WorkOrder{ID: "empty"})
	if r.Source != receipt.SourceDeterministic || r.Executive.QualityScore != 0 {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if r.PerPod == nil || r.GeneratedAt == "" {
		t.Fatalf("receipt missing defaults %+v", r)
	}
}

func TestHTTPSummarizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WorkOrder domain.WorkOrder `json:"work_order"`
			Context   receipt.Context  `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.Receipts{
			Executive: domain.ExecutiveSummary{Title: "Shipped " + req.WorkOrder.ID, QualityScore: 140},
		})
	}))
	defer srv.Close()

	g := receipt.Generator{Rich: receipt.NewHTTPSummarizer(srv.URL, time.Second)}
	r := g.Generate(context.Background(), completedOrder())
	if r.Source != receipt.SourceSummarizer || r.Executive.Title != "Shipped wo-1" {
		t.Fatalf("unexpected rich receipt %+v", r)
	}
	if r.Executive.QualityScore != 100 {
		t.Fatalf("quality score should clamp to 100, got %v", r.Executive.QualityScore)
	}
}

func TestHTTPSummarizerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	s := receipt.NewHTTPSummarizer(srv.URL, time.Second)
	if _, err := s.Summarize(context.Background(), completedOrder(), receipt.Context{}); err == nil {
		t.Fatalf("expected error for 503")
	}
	r := receipt.Generator{Rich: s}.Generate(context.Background(), completedOrder())
	if r.Source != receipt.SourceDeterministic {
		t.Fatalf("expected fallback, got %q", r.Source)
	}
}
