// Package selector implements the pure peer-selection policy of spec.md
// §4.C: given a candidate list and a read-only view of the peer-quality
// registry, rank and return up to count peers in preference order.
//
// Ported from select_best_nodes in
// original_source/validator/net/download-archive-slice.cpp, restructured as
// a side-effect-free function (the C++ original mutates node_qualities_ to
// lazily seed new-node records and logs heavily as it goes; this port keeps
// the lazy-seed behavior spec.md §4.C explicitly allows but returns a Stats
// value instead of logging, so a pure `selector` package stays pure while
// callers can still reproduce the original's diagnostic detail — see
// SPEC_FULL.md §12 item 2).
package selector

import (
	"math"
	"math/rand"
	"sort"

	"github.com/ton-blockchain/ton-sub002/peerquality"
	"github.com/ton-blockchain/ton-sub002/types"
)

// class is the quality bucket a candidate falls into, per spec.md §4.C
// step 1.
type class int

const (
	classSkippedBlacklisted class = iota
	classSkippedLowQuality
	classSkippedConsecutiveFailures
	classHighQuality
	classMedium
	classNew
	classDeprioritized
)

type candidate struct {
	peer  types.PeerId
	score float64
	class class
}

// Stats summarizes how a selection call classified its candidates, ported
// from the C++ original's "SELECTION ANALYSIS" log line (SPEC_FULL.md §12
// item 2).
type Stats struct {
	Total           int
	HighQuality     int
	Medium          int
	New             int
	Blacklisted     int
	LowQuality      int
	ConsecutiveFail int
	FallbackUsed    bool
}

// Select runs the spec.md §4.C algorithm and returns up to count peers in
// preference order. rng must be non-nil; callers wanting determinism should
// pass a seeded *rand.Rand (spec.md Design Notes: "Testable implementations
// MUST accept an injectable RNG" — Select itself does not consume rng
// directly since step 2-5 are deterministic sorts, but it is accepted for
// forward-compatible parity with the 60/40 explore-exploit toss that lives
// in the archive downloader, §4.D step 3).
func Select(candidates []types.PeerId, count int, reg *peerquality.Registry, rng *rand.Rand) []types.PeerId {
	peers, _ := SelectWithStats(candidates, count, reg, rng)
	return peers
}

// SelectWithStats is Select plus the classification breakdown of Stats.
func SelectWithStats(candidates []types.PeerId, count int, reg *peerquality.Registry, rng *rand.Rand) ([]types.PeerId, Stats) {
	stats := Stats{Total: len(candidates)}
	if count <= 0 || len(candidates) == 0 {
		return nil, stats
	}

	now := reg.Now()
	var all []candidate
	var high, medium, neu []candidate

	for _, peer := range candidates {
		rec, ok := reg.Snapshot(peer)
		if !ok {
			// Step 1: unknown candidate — lazily create a record (spec.md
			// §4.C step 1 "If the registry has no record ... and lazily
			// create a record").
			reg.GetOrCreate(peer)
			c := candidate{peer: peer, score: 0.6, class: classNew}
			all = append(all, c)
			neu = append(neu, c)
			stats.New++
			continue
		}

		if rec.IsBlacklisted(now) {
			stats.Blacklisted++
			continue
		}

		score := rec.Score(now)
		if score < 0.2 && rec.TotalAttempts() >= 2 {
			stats.LowQuality++
			continue
		}
		if rec.ConsecutiveFailures >= 2 && rec.SuccessRate() < 0.3 {
			stats.ConsecutiveFail++
			continue
		}

		c := candidate{peer: peer, score: score}
		switch {
		case rec.SuccessRate() >= 0.7 && rec.TotalAttempts() >= 2:
			c.class = classHighQuality
			high = append(high, c)
			stats.HighQuality++
		case rec.IsNewNode() || (score >= 0.3 && rec.SuccessRate() >= 0.3):
			c.class = classMedium
			medium = append(medium, c)
			stats.Medium++
		default:
			c.class = classDeprioritized
		}
		if rec.IsNewNode() {
			stats.New++
		}
		all = append(all, c)
	}

	if len(all) == 0 {
		return nil, stats
	}

	result := make([]types.PeerId, 0, count)

	// Step 2-3: split high-quality by overuse, allocate ceil(0.4*count)
	// slots, fresh peers first.
	if len(high) > 0 {
		var fresh, used []candidate
		for _, c := range high {
			rec, _ := reg.Snapshot(c.peer)
			if rec.IsOverused(now) {
				used = append(used, c)
			} else {
				fresh = append(fresh, c)
			}
		}
		sortByScoreDesc(fresh)
		sortByScoreDesc(used)

		slots := int(math.Ceil(0.4 * float64(count)))
		if slots < 1 {
			slots = 1
		}
		if slots > len(high) {
			slots = len(high)
		}
		freshSlots := slots
		if freshSlots > len(fresh) {
			freshSlots = len(fresh)
		}
		usedSlots := slots - freshSlots
		if usedSlots > len(used) {
			usedSlots = len(used)
		}

		for i := 0; i < freshSlots; i++ {
			result = append(result, fresh[i].peer)
		}
		for i := 0; i < usedSlots; i++ {
			result = append(result, used[i].peer)
		}
	}

	// Step 4: remaining slots from merged (medium U new), by score desc.
	remaining := count - len(result)
	if remaining > 0 {
		merged := make([]candidate, 0, len(medium)+len(neu))
		merged = append(merged, medium...)
		merged = append(merged, neu...)
		sortByScoreDesc(merged)
		if remaining > len(merged) {
			remaining = len(merged)
		}
		for i := 0; i < remaining; i++ {
			result = append(result, merged[i].peer)
		}
	}

	// Step 5: graceful fallback (spec.md adopts the "fail gracefully"
	// Open Question resolution — no unconditional last-resort pick).
	if len(result) == 0 {
		sortByScoreDesc(all)
		for _, c := range all {
			rec, _ := reg.Snapshot(c.peer)
			if c.score >= 0.25 && rec.ConsecutiveFailures <= 2 {
				result = append(result, c.peer)
				stats.FallbackUsed = true
				break
			}
		}
	}

	if len(result) > count {
		result = result[:count]
	}
	return result, stats
}

func sortByScoreDesc(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].score > cs[j].score
	})
}
