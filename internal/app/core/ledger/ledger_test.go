package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to domain.ExecutionStatus
		want     bool
	}{
		{domain.ExecutionPending, domain.ExecutionRunning, true},
		{domain.ExecutionPending, domain.ExecutionCancelled, true},
		{domain.ExecutionRunning, domain.ExecutionCompleted, true},
		{domain.ExecutionRunning, domain.ExecutionFailed, true},
		{domain.ExecutionRunning, domain.ExecutionDeadLettered, true},
		{domain.ExecutionPending, domain.ExecutionCompleted, false},
		{domain.ExecutionCompleted, domain.ExecutionRunning, false},
		{domain.ExecutionFailed, domain.ExecutionRunning, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestNextBackoffDoublesUpToCap(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, Base: 10 * time.Millisecond, Cap: 60 * time.Millisecond}

	for retry, wantBase := range map[int]time.Duration{
		0: 10 * time.Millisecond,
		1: 20 * time.Millisecond,
		2: 40 * time.Millisecond,
		3: 60 * time.Millisecond, // capped
		4: 60 * time.Millisecond,
	} {
		got := p.NextBackoff(retry)
		require.GreaterOrEqual(t, got, wantBase, "retry %d", retry)
		// Jitter is bounded by U[0, 0.25 * delay).
		require.Less(t, got, wantBase+wantBase/4+time.Millisecond, "retry %d", retry)
	}
}

func TestTerminalStatuses(t *testing.T) {
	require.True(t, domain.ExecutionCompleted.IsTerminal())
	require.True(t, domain.ExecutionFailed.IsTerminal())
	require.True(t, domain.ExecutionCancelled.IsTerminal())
	require.True(t, domain.ExecutionDeadLettered.IsTerminal())
	require.False(t, domain.ExecutionPending.IsTerminal())
	require.False(t, domain.ExecutionRunning.IsTerminal())
}
