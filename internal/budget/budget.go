// Package budget keeps the time-budget ledger of a work order. It only does
// bookkeeping: threshold crossings are advisory and nothing here halts work.
package budget

import (
	"math"

	"podline/internal/domain"
)

// Level is the advisory signal derived from elapsed/total.
type Level string

const (
	LevelOK        Level = "ok"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelExhausted Level = "exhausted"
)

const (
	DefaultTotalMinutes      = 60.0
	DefaultWarningThreshold  = 0.80
	DefaultCriticalThreshold = 0.95
)

// Signal reports the ledger state after a change.
type Signal struct {
	Level    Level   `json:"level" enum:"ok,warning,critical,exhausted"`
	Previous Level   `json:"previous" enum:"ok,warning,critical,exhausted"`
	Used     float64 `json:"used"`
	Crossed  bool    `json:"crossed"`
}

// New returns a ledger for total minutes. Non-positive thresholds fall back to
// the defaults.
func New(totalMinutes, warning, critical float64) domain.TimeBudget {
	if totalMinutes <= 0 {
		totalMinutes = DefaultTotalMinutes
	}
	if warning <= 0 || warning > 1 {
		warning = DefaultWarningThreshold
	}
	if critical <= 0 || critical > 1 {
		critical = DefaultCriticalThreshold
	}
	b := domain.TimeBudget{
		TotalMinutes:      totalMinutes,
		PhaseAllocations:  map[string]float64{},
		WarningThreshold:  warning,
		CriticalThreshold: critical,
	}
	Recompute(&b)
	return b
}

// Recompute restores remaining = max(0, total - elapsed).
func Recompute(b *domain.TimeBudget) {
	if b.ElapsedMinutes < 0 {
		b.ElapsedMinutes = 0
	}
	b.RemainingMinutes = math.Max(0, b.TotalMinutes-b.ElapsedMinutes)
}

// Used returns the fraction of the budget consumed.
func Used(b domain.TimeBudget) float64 {
	if b.TotalMinutes <= 0 {
		return 0
	}
	return b.ElapsedMinutes / b.TotalMinutes
}

// LevelOf classifies the consumed fraction against the thresholds.
func LevelOf(b domain.TimeBudget) Level {
	used := Used(b)
	switch {
	case b.TotalMinutes > 0 && b.ElapsedMinutes >= b.TotalMinutes:
		return LevelExhausted
	case used >= b.CriticalThreshold:
		return LevelCritical
	case used >= b.WarningThreshold:
		return LevelWarning
	default:
		return LevelOK
	}
}

// RecordElapsed sets the absolute elapsed minutes reported by the execution
// engine. Elapsed never moves backwards.
func RecordElapsed(b *domain.TimeBudget, elapsedMinutes float64) Signal {
	prev := LevelOf(*b)
	if elapsedMinutes > b.ElapsedMinutes {
		b.ElapsedMinutes = elapsedMinutes
	}
	Recompute(b)
	cur := LevelOf(*b)
	return Signal{Level: cur, Previous: prev, Used: Used(*b), Crossed: cur != prev}
}

// Resize changes the total budget, keeping elapsed.
func Resize(b *domain.TimeBudget, totalMinutes float64) {
	if totalMinutes <= 0 {
		return
	}
	b.TotalMinutes = totalMinutes
	Recompute(b)
}

// Allocate replaces the per-phase allocation table with the plan's phase
// estimates.
func Allocate(b *domain.TimeBudget, plan domain.ExecutionPlan) {
	b.PhaseAllocations = make(map[string]float64, len(plan.Phases))
	for _, ph := range plan.Phases {
		b.PhaseAllocations[ph.ID] = ph.EstimatedMinutes
	}
}
