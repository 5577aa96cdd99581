package selector

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ton-blockchain/ton-sub002/peerquality"
	"github.com/ton-blockchain/ton-sub002/types"
)

func peerID(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

func makeGoodPeer(reg *peerquality.Registry, p types.PeerId) {
	for i := 0; i < 5; i++ {
		reg.RecordSuccess(p, 1_000_000, time.Second)
	}
}

func makeBadPeer(reg *peerquality.Registry, p types.PeerId) {
	for i := 0; i < 5; i++ {
		reg.RecordFailure(p, peerquality.FailureGeneric)
	}
}

// TestSelector_NeverReturnsBlacklisted covers spec.md §8 property 6.
func TestSelector_NeverReturnsBlacklisted(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := peerquality.NewRegistry().WithClock(func() time.Time { return now })

	good := peerID(1)
	bad := peerID(2)
	makeGoodPeer(reg, good)
	makeBadPeer(reg, bad)

	rng := rand.New(rand.NewSource(1))
	got := Select([]types.PeerId{good, bad}, 2, reg, rng)
	for _, p := range got {
		assert.NotEqual(t, bad, p)
	}
}

// TestSelector_HighQualityInFirstSlots covers spec.md §8 property 7.
func TestSelector_HighQualityInFirstSlots(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := peerquality.NewRegistry().WithClock(func() time.Time { return now })

	good := peerID(1)
	makeGoodPeer(reg, good)

	var mediocre []types.PeerId
	for i := byte(10); i < 20; i++ {
		p := peerID(i)
		reg.RecordUsage(p) // establish a record so it isn't "new"
		reg.GetOrCreate(p)
		mediocre = append(mediocre, p)
	}

	candidates := append([]types.PeerId{good}, mediocre...)
	rng := rand.New(rand.NewSource(1))
	count := 5
	got := Select(candidates, count, reg, rng)
	require.NotEmpty(t, got)

	limit := 2 // ceil(0.4*5) == 2
	found := false
	for i, p := range got {
		if i >= limit {
			break
		}
		if p == good {
			found = true
		}
	}
	assert.True(t, found, "expected high-quality peer within first ceil(0.4*count) slots")
}

// TestSelector_Deterministic covers spec.md §8 property 8.
func TestSelector_Deterministic(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := peerquality.NewRegistry().WithClock(func() time.Time { return now })

	var candidates []types.PeerId
	for i := byte(1); i < 10; i++ {
		p := peerID(i)
		candidates = append(candidates, p)
		if i%2 == 0 {
			makeGoodPeer(reg, p)
		}
	}

	rng1 := rand.New(rand.NewSource(42))
	rng2 := rand.New(rand.NewSource(42))
	got1 := Select(candidates, 4, reg, rng1)
	got2 := Select(candidates, 4, reg, rng2)
	assert.Equal(t, got1, got2)
}

func TestSelector_EmptyOnNoCandidates(t *testing.T) {
	reg := peerquality.NewRegistry()
	rng := rand.New(rand.NewSource(1))
	got := Select(nil, 3, reg, rng)
	assert.Empty(t, got)
}

func TestSelector_FallbackGracefulFailure(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := peerquality.NewRegistry().WithClock(func() time.Time { return now })
	p := peerID(7)
	// Score low enough to be filtered at step 1, but not blacklisted.
	reg.RecordFailure(p, peerquality.FailureArchiveNotFound)
	reg.RecordFailure(p, peerquality.FailureArchiveNotFound)

	rng := rand.New(rand.NewSource(1))
	got, stats := SelectWithStats([]types.PeerId{p}, 1, reg, rng)
	assert.Empty(t, got)
	assert.Equal(t, 1, stats.LowQuality)
}
