// Package transport defines the external interfaces the download subsystem
// consumes (spec.md §6): the validator-engine manager, the two wire
// transports (control overlay queries and bulk reliable-datagram fetches),
// and the overlay peer directory. None of these are implemented here — they
// are supplied by the validator-engine process that embeds this module, per
// spec.md §1's explicit out-of-scope list.
package transport

import (
	"context"
	"time"

	"github.com/ton-blockchain/ton-sub002/token"
	"github.com/ton-blockchain/ton-sub002/types"
)

// Handle is the local descriptor of a block's state (received, proof
// present, proof-link present, applied, ...), opaque to this subsystem
// beyond the few accessors it needs.
type Handle interface {
	ID() types.BlockId
	// InitedNextLeft reports whether the handle already knows its
	// canonical left successor (spec.md §4.F).
	InitedNextLeft() bool
	// NextLeft returns that successor's BlockId; only valid when
	// InitedNextLeft is true.
	NextLeft() types.BlockId
	// HasData reports whether block data is already present locally.
	HasData() bool
	// HasAcceptableProof reports whether a proof (or, for non-masterchain
	// blocks, a proof-link) sufficient for this block is already present.
	HasAcceptableProof() bool
	// IsKeyBlock reports whether this handle's block is a key block
	// (spec.md §4.G step 4).
	IsKeyBlock() bool
}

// Manager is the ValidatorManager collaborator of spec.md §6.1.
type Manager interface {
	GetBlockHandle(ctx context.Context, id types.BlockId, createIfMissing bool) (Handle, error)
	GetBlockData(ctx context.Context, h Handle) (types.Buffer, error)
	GetBlockDataFromDB(ctx context.Context, h Handle) (types.Buffer, error)

	ValidateBlockProof(ctx context.Context, id types.BlockId, proof types.Buffer) error
	ValidateBlockProofLink(ctx context.Context, id types.BlockId, proof types.Buffer) error
	ValidateBlockProofRel(ctx context.Context, id, relativeTo types.BlockId, proof types.Buffer) error
	ValidateBlockIsNextProof(ctx context.Context, prev, next types.BlockId, proof types.Buffer) error

	// GetPersistentState returns a cached state if present; ok is false if
	// no cached copy exists (spec.md §4.H step 1).
	GetPersistentState(ctx context.Context, id, mcID types.BlockId) (data types.Buffer, ok bool, err error)

	GetDownloadToken(ctx context.Context, kind token.Kind, priority int, deadline time.Time) (*token.Token, error)

	// ReportProgress surfaces a diagnostic "X/Y bytes, Zkb/s" status line
	// under the given key (spec.md §6.1's progress-reporting hook).
	ReportProgress(key string, message string)
}

// ControlTransport is the small-query overlay channel of spec.md §6.2,
// suitable for ~1 second round trips (prepare/get-info/get-capabilities).
type ControlTransport interface {
	Query(ctx context.Context, peer types.PeerId, localID types.PeerId, overlay types.OverlayId, name string, payload types.Buffer, deadline time.Time) (types.Buffer, error)
}

// BulkTransport is the reliable large-datagram transport of spec.md §6.2,
// for payloads up to MaxStateSize.
type BulkTransport interface {
	Fetch(ctx context.Context, peer types.PeerId, localID types.PeerId, overlay types.OverlayId, name string, payload types.Buffer, maxSize int64, deadline time.Time) (types.Buffer, error)
}

// Overlay is the peer-directory collaborator of spec.md §6.3.
type Overlay interface {
	GetRandomPeers(ctx context.Context, overlay types.OverlayId, count int) ([]types.PeerId, error)
}

// ExternalClient is the thin-client bypass of spec.md §6.2: same
// Query/Fetch shape as ControlTransport/BulkTransport but with no explicit
// peer argument (the zero types.PeerId{} is used by callers in its place)
// and shorter default timeouts (1s control, 20s bulk) applied by the caller,
// not by this interface.
type ExternalClient interface {
	ControlTransport
	BulkTransport
}
