package peerquality

import (
	"sync"
	"time"

	"github.com/ton-blockchain/ton-sub002/types"
)

// SeqnoRecord is the per-masterchain-seqno availability record of spec.md
// §3.3, ported from BlockAvailability in
// original_source/validator/net/download-archive-slice.cpp.
type SeqnoRecord struct {
	TotalAttempts uint64
	NotFoundCount uint64
	FirstAttempt  time.Time
	LastNotFound  time.Time
}

// IsLikelyUnavailable implements spec.md §3.3.
func (r *SeqnoRecord) IsLikelyUnavailable(now time.Time) bool {
	if r.TotalAttempts < 3 {
		return false
	}
	rate := float64(r.NotFoundCount) / float64(r.TotalAttempts)
	recent := now.Sub(r.LastNotFound) < 5*time.Minute
	return rate > 0.8 && recent
}

// RecommendedDelay implements spec.md §3.3.
func (r *SeqnoRecord) RecommendedDelay(now time.Time) time.Duration {
	if !r.IsLikelyUnavailable(now) {
		return 0
	}
	secs := 30 * r.NotFoundCount
	if secs > 300 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// AvailabilityRegistry is the block-availability registry of spec.md §4.B.
type AvailabilityRegistry struct {
	mu      sync.Mutex
	records map[types.Seqno]*SeqnoRecord
	now     func() time.Time
}

// NewAvailabilityRegistry constructs an empty registry.
func NewAvailabilityRegistry() *AvailabilityRegistry {
	return &AvailabilityRegistry{
		records: make(map[types.Seqno]*SeqnoRecord),
		now:     time.Now,
	}
}

// WithClock overrides the registry's clock, for deterministic tests.
func (reg *AvailabilityRegistry) WithClock(now func() time.Time) *AvailabilityRegistry {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.now = now
	return reg
}

func (reg *AvailabilityRegistry) getOrCreateLocked(seqno types.Seqno) *SeqnoRecord {
	r, ok := reg.records[seqno]
	if !ok {
		r = &SeqnoRecord{}
		reg.records[seqno] = r
	}
	return r
}

// NoteAttempt implements spec.md §4.B note_attempt.
func (reg *AvailabilityRegistry) NoteAttempt(seqno types.Seqno) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r := reg.getOrCreateLocked(seqno)
	r.TotalAttempts++
	if r.FirstAttempt.IsZero() {
		r.FirstAttempt = reg.now()
	}
}

// NoteNotFound implements spec.md §4.B note_not_found.
func (reg *AvailabilityRegistry) NoteNotFound(seqno types.Seqno) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r := reg.getOrCreateLocked(seqno)
	r.NotFoundCount++
	r.LastNotFound = reg.now()
}

// RecommendedDelay implements spec.md §4.B recommended_delay.
func (reg *AvailabilityRegistry) RecommendedDelay(seqno types.Seqno) time.Duration {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.records[seqno]
	if !ok {
		return 0
	}
	return r.RecommendedDelay(reg.now())
}

// IsLikelyUnavailable reports spec.md §3.3's is_likely_unavailable for seqno.
func (reg *AvailabilityRegistry) IsLikelyUnavailable(seqno types.Seqno) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.records[seqno]
	if !ok {
		return false
	}
	return r.IsLikelyUnavailable(reg.now())
}
