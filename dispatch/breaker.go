package dispatch

import (
	"context"
	"fmt"
)

// DefaultQuarantineThreshold is the quarantine count at which the circuit
// breaker trips.
const DefaultQuarantineThreshold = 3

// QuarantineCounter reads quarantine history for a task. Satisfied by
// storage.DispatchLogStore.
type QuarantineCounter interface {
	CountQuarantines(ctx context.Context, tenantID, taskID string) (int, error)
}

// CircuitBreaker blocks dispatch of tasks that keep getting quarantined.
// The trip is latched by the dispatcher cancelling the task.
type CircuitBreaker struct {
	Threshold int
	Log       QuarantineCounter
}

// NewCircuitBreaker builds a breaker over the dispatch log with the default
// threshold.
func NewCircuitBreaker(log QuarantineCounter) *CircuitBreaker {
	return &CircuitBreaker{Threshold: DefaultQuarantineThreshold, Log: log}
}

// BreakerResult is the breaker's verdict for one task.
type BreakerResult struct {
	Tripped         bool   `json:"tripped"`
	QuarantineCount int    `json:"quarantine_count"`
	Reason          string `json:"reason,omitempty"`
}

// Check counts quarantine events for the task and trips at the threshold.
func (b *CircuitBreaker) Check(ctx context.Context, tenantID, taskID string) (BreakerResult, error) {
	count, err := b.Log.CountQuarantines(ctx, tenantID, taskID)
	if err != nil {
		return BreakerResult{}, fmt.Errorf("count quarantines: %w", err)
	}

	threshold := b.Threshold
	if threshold <= 0 {
		threshold = DefaultQuarantineThreshold
	}
	result := BreakerResult{QuarantineCount: count}
	if count >= threshold {
		result.Tripped = true
		result.Reason = fmt.Sprintf("Quarantined %d times", count)
	}
	return result, nil
}
