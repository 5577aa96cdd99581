package downloader

import (
	"context"
	"time"

	"go.opencensus.io/trace"

	"github.com/ton-blockchain/ton-sub002/types"
)

// NextBlockDescriptor implements spec.md §4.F: given a predecessor handle,
// resolve the canonical successor's BlockId, then delegate to a
// BlockDownloader in next-block mode. It does not itself fetch block data.
type NextBlockDescriptor struct {
	deps *Deps

	predecessor types.BlockId
	localID     types.PeerId
	overlayID   types.OverlayId
	peer        types.PeerId
	priority    int
	deadline    time.Time

	allowPartialProof bool
}

func NewNextBlockDescriptor(
	deps *Deps,
	predecessor types.BlockId,
	localID types.PeerId,
	overlayID types.OverlayId,
	peer types.PeerId,
	priority int,
	deadline time.Time,
	allowPartialProof bool,
) *NextBlockDescriptor {
	return &NextBlockDescriptor{
		deps:              deps,
		predecessor:       predecessor,
		localID:           localID,
		overlayID:         overlayID,
		peer:              peer,
		priority:          priority,
		deadline:          deadline,
		allowPartialProof: allowPartialProof,
	}
}

// Resolve implements spec.md §4.F: either the predecessor handle already
// knows its left successor, or a "get next block description" control query
// discovers it.
func (n *NextBlockDescriptor) Resolve(ctx context.Context) (types.BlockId, error) {
	ctx, span := trace.StartSpan(ctx, "downloader.nextBlockDescriptor")
	defer span.End()
	ctx, cancel := context.WithDeadline(ctx, n.deadline)
	defer cancel()

	handle, err := n.deps.Manager.GetBlockHandle(ctx, n.predecessor, false)
	if err == nil && handle != nil && handle.InitedNextLeft() {
		return handle.NextLeft(), nil
	}

	peer, err := selectSinglePeer(ctx, n.deps, n.overlayID, n.peer)
	if err != nil {
		return types.BlockId{}, newErr(KindResourceExhausted, err, "select peer")
	}

	raw, err := controlQuery(ctx, n.deps, peer, n.localID, n.overlayID, queryGetNextBlockDesc, encodeBlockIDRequest(n.predecessor), n.deps.Config.NextBlockDescriptionTimeout)
	if err != nil {
		return types.BlockId{}, newErr(KindTimeout, err, "get_next_block_description")
	}
	reply, err := decodeNextBlockDescReply(raw)
	if err != nil {
		return types.BlockId{}, err
	}
	if !reply.present {
		return types.BlockId{}, newErr(KindNotReady, nil, "get_next_block_description: empty")
	}
	return reply.id, nil
}

// RunLegacy resolves the successor id and downloads it via the legacy
// variant.
func (n *NextBlockDescriptor) RunLegacy(ctx context.Context) (types.Buffer, error) {
	next, err := n.Resolve(ctx)
	if err != nil {
		return types.Buffer{}, err
	}
	bd := NewBlockDownloader(n.deps, next, n.localID, n.overlayID, n.peer, n.priority, n.deadline, n.allowPartialProof, true, n.predecessor)
	return bd.RunLegacy(ctx)
}

// RunNew resolves the successor id and downloads it via the new variant.
func (n *NextBlockDescriptor) RunNew(ctx context.Context) (types.Buffer, error) {
	next, err := n.Resolve(ctx)
	if err != nil {
		return types.Buffer{}, err
	}
	bd := NewBlockDownloader(n.deps, next, n.localID, n.overlayID, n.peer, n.priority, n.deadline, n.allowPartialProof, true, n.predecessor)
	return bd.RunNew(ctx)
}
