// Package ledger holds the execution state machine rules:
// valid transitions, retry backoff scheduling, and event
// construction. It holds no storage handle itself; the Dispatcher drives
// persistence through spinestorage.ExecutionStore using these rules.
package ledger

import (
	"math/rand"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

// validTransitions enumerates the legal state machine edges. retrying is
// intentionally absent as a status: it is emitted
// only as an event between failed and a new pending, and a retried run
// moves running -> pending.
var validTransitions = map[domain.ExecutionStatus][]domain.ExecutionStatus{
	domain.ExecutionPending: {domain.ExecutionRunning, domain.ExecutionCancelled},
	domain.ExecutionRunning: {domain.ExecutionCompleted, domain.ExecutionFailed, domain.ExecutionCancelled, domain.ExecutionDeadLettered, domain.ExecutionPending},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to domain.ExecutionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RetryPolicy is the lane-scoped backoff shape.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// NextBackoff computes min(base * 2^retry_count, cap) with jitter drawn
// from U[0, 0.25 * delay).
func (p RetryPolicy) NextBackoff(retryCount int) time.Duration {
	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if p.Cap > 0 && delay > p.Cap {
			delay = p.Cap
			break
		}
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if delay <= 0 {
		return 0
	}
	var jitter time.Duration
	if q := int64(delay) / 4; q > 0 {
		jitter = time.Duration(rand.Int63n(q))
	}
	return delay + jitter
}

// NewEvent builds an ExecutionEvent with the given type, stamped at now.
func NewEvent(executionID string, eventType domain.ExecutionEventType, now time.Time, data map[string]any) domain.ExecutionEvent {
	return domain.ExecutionEvent{
		ExecutionID: executionID,
		Type:        eventType,
		Timestamp:   now,
		Data:        data,
	}
}
