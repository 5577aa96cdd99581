// Package peerquality maintains the process-wide peer-quality and
// block-availability registries described in spec.md §3.2-§3.3 and §4.A-§4.B.
// It is the Go port of the NodeQuality/BlockAvailability structs in
// original_source/validator/net/download-archive-slice.cpp, generalized from
// a pair of file-local std::map statics into a shared, mutex-guarded service
// per the spec's Design Notes ("a single owner... passed by shared handle to
// every task, so tests can instantiate isolated registries").
package peerquality

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ton-blockchain/ton-sub002/types"
)

var log = logrus.WithField("prefix", "peerquality")

// FailureKind classifies why record_failure was called, mirroring the
// distinction spec.md §4.A draws between a generic failure and an
// "archive not found" reply.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureArchiveNotFound
)

const (
	overuseWindow     = time.Hour
	overuseThreshold  = 3
	recentFailureWin  = 30 * time.Minute
	lowSuccessWindow  = 5
	usagePenaltyLight = 0.1
	usagePenaltyMed   = 0.2
	usagePenaltyHeavy = 0.3
	usagePenaltyOveru = 0.4
)

// PeerRecord is the per-peer quality record of spec.md §3.2. All derived
// values (SuccessRate, Score, IsBlacklisted, ...) are pure functions of the
// stored counters/instants; callers outside the registry evaluate them on
// the copy returned by Registry.Snapshot.
type PeerRecord struct {
	Successes            uint64
	Failures             uint64
	ArchiveNotFoundCount uint64
	ConsecutiveFailures  uint64

	FirstSeen              time.Time
	LastSuccess            time.Time
	LastFailure            time.Time
	LastUsed               time.Time
	RecentUsageWindowStart time.Time

	UsageCount       uint64
	RecentUsageCount uint64

	AvgSpeed          float64 // bytes/sec
	TotalDownloadTime float64 // seconds
}

// TotalAttempts returns successes+failures (spec.md §3.2).
func (r *PeerRecord) TotalAttempts() uint64 {
	return r.Successes + r.Failures
}

// SuccessRate returns successes/total_attempts, or 0 if there have been no
// attempts yet.
func (r *PeerRecord) SuccessRate() float64 {
	total := r.TotalAttempts()
	if total == 0 {
		return 0
	}
	return float64(r.Successes) / float64(total)
}

// IsNewNode reports whether fewer than 3 attempts have been made.
func (r *PeerRecord) IsNewNode() bool {
	return r.TotalAttempts() < 3
}

// IsOverused reports whether the peer has been used more than 3 times
// within the current 1-hour usage window.
func (r *PeerRecord) IsOverused(now time.Time) bool {
	if r.RecentUsageWindowStart.IsZero() {
		return false
	}
	if now.Sub(r.RecentUsageWindowStart) > overuseWindow {
		return false
	}
	return r.RecentUsageCount > overuseThreshold
}

// UsagePenalty returns the burden-sharing penalty of spec.md §3.2.
func (r *PeerRecord) UsagePenalty(now time.Time) float64 {
	penalty := 0.0
	if !r.LastUsed.IsZero() {
		since := now.Sub(r.LastUsed)
		switch {
		case since < 5*time.Minute:
			penalty += usagePenaltyHeavy
		case since < 15*time.Minute:
			penalty += usagePenaltyMed
		case since < 30*time.Minute:
			penalty += usagePenaltyLight
		}
	}
	if r.IsOverused(now) {
		penalty += usagePenaltyOveru
	}
	return penalty
}

// Score computes the [0,1] quality score of spec.md §3.2.
func (r *PeerRecord) Score(now time.Time) float64 {
	total := r.TotalAttempts()
	if total == 0 {
		return 0.5
	}

	base := r.SuccessRate()

	explorationBonus := 0.0
	switch {
	case r.IsNewNode() && r.Successes > 0:
		explorationBonus = 0.1
	case total < 10 && r.SuccessRate() >= 0.5:
		explorationBonus = 0.05
	}

	timePenalty := 0.0
	if r.Failures > 0 {
		sinceFailure := now.Sub(r.LastFailure)
		if sinceFailure < recentFailureWin {
			timePenalty = 0.2
			if r.ConsecutiveFailures >= 3 {
				timePenalty += 0.15
			}
			if float64(r.ArchiveNotFoundCount) > float64(r.Failures)*0.8 {
				timePenalty *= 0.7
			}
		}
	}

	successPenalty := 0.0
	if total >= 3 && r.SuccessRate() < 0.2 {
		successPenalty = 0.3
	}

	speedBonus := 0.0
	if r.Successes > 0 {
		speedBonus = minFloat(0.15, r.AvgSpeed/8_000_000)
	}

	usagePenalty := r.UsagePenalty(now)

	score := base + explorationBonus - timePenalty - successPenalty + speedBonus - usagePenalty
	return clamp01(score)
}

// IsBlacklisted reports whether the peer should currently be skipped, per
// spec.md §3.2.
func (r *PeerRecord) IsBlacklisted(now time.Time) bool {
	if r.ConsecutiveFailures >= 3 {
		return now.Sub(r.LastFailure) < 1800*time.Second
	}
	if r.Failures < 3 {
		return false
	}
	if 2*r.Successes > r.Failures {
		return false
	}
	window := 1800 * time.Second
	if float64(r.ArchiveNotFoundCount) > float64(r.Failures)*0.7 {
		window = 900 * time.Second
	} else if r.SuccessRate() < 0.1 && r.TotalAttempts() >= 5 {
		window = 3600 * time.Second
	}
	return now.Sub(r.LastFailure) < window
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Registry is the process-wide peer-quality registry of spec.md §4.A. It
// must be constructed once per process (or once per test) and shared by
// reference into every downloader.
type Registry struct {
	mu    sync.Mutex
	peers map[types.PeerId]*PeerRecord
	now   func() time.Time

	successCounter prometheus.Counter
	failureCounter prometheus.Counter
}

// NewRegistry constructs an empty registry using time.Now as its clock;
// tests inject a deterministic clock with WithClock.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[types.PeerId]*PeerRecord),
		now:   time.Now,
		successCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "downloader_peer_successes_total",
			Help: "Total successful downloads recorded across all peers.",
		}),
		failureCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "downloader_peer_failures_total",
			Help: "Total failed downloads recorded across all peers.",
		}),
	}
}

// WithClock overrides the registry's notion of "now"; used by tests to
// exercise the windowed-usage and blacklist-expiry properties
// deterministically (spec.md §8 items 2, 5).
func (reg *Registry) WithClock(now func() time.Time) *Registry {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.now = now
	return reg
}

// GetOrCreate returns the stored record for peer, creating a fresh one
// (FirstSeen = now) if this is the first time the peer has been observed.
func (reg *Registry) GetOrCreate(peer types.PeerId) *PeerRecord {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.getOrCreateLocked(peer)
}

func (reg *Registry) getOrCreateLocked(peer types.PeerId) *PeerRecord {
	r, ok := reg.peers[peer]
	if ok {
		return r
	}
	r = &PeerRecord{FirstSeen: reg.now()}
	reg.peers[peer] = r
	log.WithField("peer", peer).Debug("discovered new peer")
	return r
}

// RecordSuccess implements spec.md §4.A record_success: increments
// successes, resets consecutive failures, and updates the running speed
// average over successful downloads only.
func (reg *Registry) RecordSuccess(peer types.PeerId, bytesTransferred int64, duration time.Duration) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r := reg.getOrCreateLocked(peer)
	r.Successes++
	r.ConsecutiveFailures = 0
	r.LastSuccess = reg.now()

	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	speed := float64(bytesTransferred) / secs
	if r.Successes == 1 {
		r.AvgSpeed = speed
		r.TotalDownloadTime = secs
	} else {
		r.TotalDownloadTime += secs
		r.AvgSpeed = (r.AvgSpeed*float64(r.Successes-1) + speed) / float64(r.Successes)
	}
	reg.successCounter.Inc()

	log.WithFields(logrus.Fields{
		"peer":         peer,
		"score":        r.Score(reg.now()),
		"success_rate": r.SuccessRate(),
		"speed_bps":    speed,
	}).Debug("peer success recorded")
}

// RecordFailure implements spec.md §4.A record_failure.
func (reg *Registry) RecordFailure(peer types.PeerId, kind FailureKind) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r := reg.getOrCreateLocked(peer)
	r.Failures++
	r.ConsecutiveFailures++
	r.LastFailure = reg.now()
	if kind == FailureArchiveNotFound {
		r.ArchiveNotFoundCount++
	}
	reg.failureCounter.Inc()

	log.WithFields(logrus.Fields{
		"peer":                 peer,
		"consecutive_failures": r.ConsecutiveFailures,
		"blacklisted":          r.IsBlacklisted(reg.now()),
	}).Debug("peer failure recorded")
}

// RecordUsage implements spec.md §4.A record_usage.
func (reg *Registry) RecordUsage(peer types.PeerId) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r := reg.getOrCreateLocked(peer)
	now := reg.now()
	r.UsageCount++
	r.LastUsed = now
	if r.RecentUsageWindowStart.IsZero() || now.Sub(r.RecentUsageWindowStart) > overuseWindow {
		r.RecentUsageCount = 1
		r.RecentUsageWindowStart = now
	} else {
		r.RecentUsageCount++
	}
}

// Snapshot returns a copy of peer's record for lock-free derived-value
// computation by callers (e.g. the selector). Returns (zero record, false)
// if the peer has never been observed.
func (reg *Registry) Snapshot(peer types.PeerId) (PeerRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.peers[peer]
	if !ok {
		return PeerRecord{}, false
	}
	return *r, true
}

// Now returns the registry's current notion of time, for callers (e.g. the
// selector) that need to evaluate derived PeerRecord values consistently
// with the registry's clock.
func (reg *Registry) Now() time.Time {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.now()
}

// LightlyUsedSince returns the subset of peers whose LastUsed is either
// unset or older than since ago — spec.md §4.D step 3's "idle >= 900s"
// filter, named as its own helper per SPEC_FULL.md §12 item 3.
func (reg *Registry) LightlyUsedSince(peers []types.PeerId, since time.Duration) []types.PeerId {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	now := reg.now()
	var out []types.PeerId
	for _, p := range peers {
		r, ok := reg.peers[p]
		if !ok || r.LastUsed.IsZero() || now.Sub(r.LastUsed) > since {
			out = append(out, p)
		}
	}
	return out
}

// KnownGoodPeers returns peers with success_rate >= 0.7, total_attempts >= 2
// and not blacklisted — spec.md §4.D step 3's first scan.
func (reg *Registry) KnownGoodPeers() []types.PeerId {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	now := reg.now()
	var out []types.PeerId
	for p, r := range reg.peers {
		if !r.IsBlacklisted(now) && r.SuccessRate() >= 0.7 && r.TotalAttempts() >= 2 {
			out = append(out, p)
		}
	}
	return out
}

// LogBurdenSummary logs the top-n most-used peers, grounded on
// original_source/validator/net/download-archive-slice.cpp's periodic
// "BURDEN SHARING SUMMARY" table (SPEC_FULL.md §12 item 1). Callers invoke
// this every 5th successful archive-slice download.
func (reg *Registry) LogBurdenSummary(n int) {
	reg.mu.Lock()
	type entry struct {
		peer  types.PeerId
		usage uint64
	}
	var entries []entry
	for p, r := range reg.peers {
		if r.TotalAttempts() > 0 {
			entries = append(entries, entry{p, r.UsageCount})
		}
	}
	reg.mu.Unlock()

	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].usage > entries[i].usage {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	if n > len(entries) {
		n = len(entries)
	}
	for i := 0; i < n; i++ {
		r, _ := reg.Snapshot(entries[i].peer)
		log.WithFields(logrus.Fields{
			"rank":         i + 1,
			"peer":         entries[i].peer,
			"usage":        r.UsageCount,
			"recent_usage": r.RecentUsageCount,
			"success_rate": r.SuccessRate(),
			"overused":     r.IsOverused(reg.Now()),
		}).Info("burden sharing summary")
	}
}
