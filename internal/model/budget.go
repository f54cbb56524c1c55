package model

import "time"

// Phase names a controller phase that draws on the query budget.
type Phase string

const (
	PhaseClassification Phase = "classification"
	PhaseRetrieval      Phase = "retrieval"
	PhaseSynthesis      Phase = "synthesis"
	PhaseAlignment      Phase = "alignment"
)

// Budget tracks the time allotted to one query and what each phase used.
type Budget struct {
	Total    time.Duration           `json:"total"`
	Start    time.Time               `json:"start"`
	Consumed map[Phase]time.Duration `json:"consumed"`
}

// NewBudget starts a budget of total at start.
func NewBudget(total time.Duration, start time.Time) *Budget {
	return &Budget{
		Total:    total,
		Start:    start,
		Consumed: make(map[Phase]time.Duration, 4),
	}
}

// Deadline is the instant the budget runs out.
func (b *Budget) Deadline() time.Time {
	return b.Start.Add(b.Total)
}

// Remaining returns the unspent budget at now, never negative.
func (b *Budget) Remaining(now time.Time) time.Duration {
	left := b.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Allot returns the sub-budget for a phase with the given share of the
// total, capped by what remains.
func (b *Budget) Allot(share float64, now time.Time) time.Duration {
	want := time.Duration(float64(b.Total) * share)
	if left := b.Remaining(now); want > left {
		return left
	}
	return want
}

// Record adds d to the time consumed by phase.
func (b *Budget) Record(phase Phase, d time.Duration) {
	b.Consumed[phase] += d
}

// Spent sums the consumed time across phases.
func (b *Budget) Spent() time.Duration {
	var total time.Duration
	for _, d := range b.Consumed {
		total += d
	}
	return total
}
