// Package config holds the handful of tunables spec.md §6.6 recognizes for
// the download subsystem: transport size caps, chunk size, progress log
// cadence, and the key-block walk limit. Everything else (CLI flags, env
// vars, on-disk config files) is the validator-engine process's concern,
// not this subsystem's — it only ever sees a constructed Config value.
package config

import "time"

const (
	// DefaultSlice is the chunk size for archive-slice and
	// persistent-state downloads (spec.md §6.6 SLICE).
	DefaultSlice int64 = 2 << 20 // 2 MiB

	// DefaultProgressLogIntervalArchive is how often archive-slice
	// progress is logged (spec.md §6.6).
	DefaultProgressLogIntervalArchive = 3 * time.Second

	// DefaultProgressLogIntervalState is how often persistent-state
	// progress is logged (spec.md §6.6).
	DefaultProgressLogIntervalState = 5 * time.Second

	// DefaultKeyBlockWalkLimit caps the number of ids requested per
	// get_next_key_block_ids query (spec.md §6.6, hard ceiling 8).
	DefaultKeyBlockWalkLimit = 8

	// MaxKeyBlockWalkLimit is the hard ceiling spec.md §6.6 places on
	// KeyBlockWalkLimit.
	MaxKeyBlockWalkLimit = 8
)

// Config bundles every recognized tunable (spec.md §6.6) plus the
// per-protocol-step timeouts named throughout §4, so a single value threads
// through every downloader constructor.
type Config struct {
	// MTU bounds a single bulk transport datagram.
	MTU int64
	// MaxBlockSize bounds a "download_block"/"download_block_full" reply.
	MaxBlockSize int64
	// MaxProofSize bounds a "download_block_proof[_link]" reply.
	MaxProofSize int64
	// MaxStateSize bounds a persistent-state slice/zero-state reply.
	MaxStateSize int64

	// Slice is the chunk size for archive and state downloads.
	Slice int64

	// ProgressLogIntervalArchive is §4.D step 7's logging cadence.
	ProgressLogIntervalArchive time.Duration
	// ProgressLogIntervalState is §4.H step 5's logging cadence.
	ProgressLogIntervalState time.Duration

	// KeyBlockWalkLimit caps ids per get_next_key_block_ids query.
	KeyBlockWalkLimit int

	// Timeouts, named per the wire query they gate (spec.md §4, §6.4).
	ArchiveInfoTimeout        time.Duration
	ArchiveInfoTimeoutClient  time.Duration
	ArchiveSliceTimeout       time.Duration
	ArchiveSliceTimeoutClient time.Duration

	PrepareTimeout       time.Duration
	DownloadBlockTimeout time.Duration
	ProofLinkTimeout     time.Duration
	FullQueryTimeout     time.Duration

	NextBlockDescriptionTimeout time.Duration
	KeyBlockIdsTimeout          time.Duration

	PreparePersistentStateTimeout time.Duration
	PersistentStateSizeTimeout    time.Duration
	PersistentStateSliceTimeout   time.Duration
	ZeroStateTimeout              time.Duration
}

// Default returns the literal defaults named across spec.md §4 and §6.6.
func Default() Config {
	return Config{
		MTU:          64 << 20,
		MaxBlockSize: 4 << 20,
		MaxProofSize: 1 << 20,
		MaxStateSize: 4 << 30,

		Slice: DefaultSlice,

		ProgressLogIntervalArchive: DefaultProgressLogIntervalArchive,
		ProgressLogIntervalState:   DefaultProgressLogIntervalState,

		KeyBlockWalkLimit: DefaultKeyBlockWalkLimit,

		ArchiveInfoTimeout:        2 * time.Second,
		ArchiveInfoTimeoutClient:  1 * time.Second,
		ArchiveSliceTimeout:       25 * time.Second,
		ArchiveSliceTimeoutClient: 20 * time.Second,

		PrepareTimeout:       1 * time.Second,
		DownloadBlockTimeout: 15 * time.Second,
		ProofLinkTimeout:     3 * time.Second,
		FullQueryTimeout:     3 * time.Second,

		NextBlockDescriptionTimeout: 1 * time.Second,
		KeyBlockIdsTimeout:          1 * time.Second,

		PreparePersistentStateTimeout: 1 * time.Second,
		PersistentStateSizeTimeout:    1 * time.Second,
		PersistentStateSliceTimeout:   20 * time.Second,
		ZeroStateTimeout:              20 * time.Second,
	}
}
