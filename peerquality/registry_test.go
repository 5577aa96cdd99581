package peerquality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ton-blockchain/ton-sub002/types"
)

func peerID(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

// TestRegistry_ZeroAttemptsScore covers spec.md §8 property 4: for a peer
// with zero attempts, score == 0.5 and GetOrCreate sets FirstSeen exactly
// once.
func TestRegistry_ZeroAttemptsScore(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewRegistry().WithClock(func() time.Time { return now })

	p := peerID(1)
	r1 := reg.GetOrCreate(p)
	require.Equal(t, now, r1.FirstSeen)
	assert.Equal(t, 0.5, r1.Score(now))

	// Second call must not reset FirstSeen.
	later := now.Add(time.Hour)
	reg2 := reg.WithClock(func() time.Time { return later })
	r2 := reg2.GetOrCreate(p)
	assert.Equal(t, now, r2.FirstSeen)
}

// TestRegistry_SuccessFailureInvariant covers spec.md §8 property 1.
func TestRegistry_SuccessFailureInvariant(t *testing.T) {
	reg := NewRegistry()
	p := peerID(2)

	reg.RecordFailure(p, FailureGeneric)
	reg.RecordFailure(p, FailureGeneric)
	r, ok := reg.Snapshot(p)
	require.True(t, ok)
	assert.EqualValues(t, 2, r.ConsecutiveFailures)
	assert.EqualValues(t, 2, r.Failures)
	assert.EqualValues(t, r.Successes+r.Failures, r.TotalAttempts())

	reg.RecordSuccess(p, 1000, time.Second)
	r, _ = reg.Snapshot(p)
	assert.EqualValues(t, 0, r.ConsecutiveFailures)
	assert.EqualValues(t, 1, r.Successes)
	assert.EqualValues(t, r.Successes+r.Failures, r.TotalAttempts())

	reg.RecordFailure(p, FailureArchiveNotFound)
	r, _ = reg.Snapshot(p)
	assert.EqualValues(t, 1, r.ConsecutiveFailures)
	assert.EqualValues(t, 1, r.ArchiveNotFoundCount)
}

// TestRegistry_ScoreBounded covers spec.md §8 property 3: score is in [0,1]
// across a variety of reachable states.
func TestRegistry_ScoreBounded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewRegistry().WithClock(func() time.Time { return now })
	p := peerID(3)

	for i := 0; i < 50; i++ {
		reg.RecordFailure(p, FailureArchiveNotFound)
	}
	r, _ := reg.Snapshot(p)
	s := r.Score(now)
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)

	for i := 0; i < 50; i++ {
		reg.RecordSuccess(p, 10_000_000, time.Second)
	}
	r, _ = reg.Snapshot(p)
	s = r.Score(now)
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

// TestRegistry_BlacklistUnwindsOverTime covers spec.md §8 property 2: a
// blacklisted peer eventually unblacklists given no further failures.
func TestRegistry_BlacklistUnwindsOverTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewRegistry().WithClock(func() time.Time { return now })
	p := peerID(4)

	for i := 0; i < 3; i++ {
		reg.RecordFailure(p, FailureGeneric)
	}
	r, _ := reg.Snapshot(p)
	assert.True(t, r.IsBlacklisted(now))
	assert.False(t, r.IsBlacklisted(now.Add(31*time.Minute)))
}

// TestRegistry_WindowedUsage covers spec.md §8 property 5.
func TestRegistry_WindowedUsage(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	cur := t0
	reg := NewRegistry().WithClock(func() time.Time { return cur })
	p := peerID(5)

	reg.RecordUsage(p) // t
	cur = t0.Add(time.Second)
	reg.RecordUsage(p) // t+1s
	cur = t0.Add(3601 * time.Second)
	reg.RecordUsage(p) // t+3601s -> window resets

	r, _ := reg.Snapshot(p)
	assert.EqualValues(t, 1, r.RecentUsageCount)
	assert.Equal(t, t0.Add(3601*time.Second), r.RecentUsageWindowStart)
	assert.EqualValues(t, 3, r.UsageCount)
	assert.GreaterOrEqual(t, r.UsageCount, r.RecentUsageCount)
}

func TestAvailabilityRegistry_Defers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewAvailabilityRegistry().WithClock(func() time.Time { return now })
	seqno := types.Seqno(42)

	for i := 0; i < 3; i++ {
		reg.NoteAttempt(seqno)
		reg.NoteNotFound(seqno)
	}

	assert.True(t, reg.IsLikelyUnavailable(seqno))
	assert.GreaterOrEqual(t, reg.RecommendedDelay(seqno), 90*time.Second)
}
