package downloader

import (
	"context"
	"time"

	"go.opencensus.io/trace"

	"github.com/ton-blockchain/ton-sub002/token"
	"github.com/ton-blockchain/ton-sub002/types"
)

// KeyBlockWalker implements spec.md §4.G's walker: given an anchor and a
// limit, fetches a chain of next-key-block ids, validating each proof
// relative to the previous accepted id, and tolerating partial success.
type KeyBlockWalker struct {
	deps *Deps

	anchor    types.BlockId
	limit     int
	localID   types.PeerId
	overlayID types.OverlayId
	peer      types.PeerId
	priority  int
	deadline  time.Time
}

func NewKeyBlockWalker(
	deps *Deps,
	anchor types.BlockId,
	limit int,
	localID types.PeerId,
	overlayID types.OverlayId,
	peer types.PeerId,
	priority int,
	deadline time.Time,
) *KeyBlockWalker {
	if limit > deps.Config.KeyBlockWalkLimit {
		limit = deps.Config.KeyBlockWalkLimit
	}
	return &KeyBlockWalker{
		deps:      deps,
		anchor:    anchor,
		limit:     limit,
		localID:   localID,
		overlayID: overlayID,
		peer:      peer,
		priority:  priority,
		deadline:  deadline,
	}
}

// Run implements spec.md §4.G steps 1-5, including the "deliver the partial
// list on mid-walk failure" behavior of step 5 — the one place this
// subsystem surfaces a partial success (spec.md §7's propagation policy
// explicitly carves out this exception).
func (w *KeyBlockWalker) Run(ctx context.Context) ([]types.BlockId, error) {
	ctx, span := trace.StartSpan(ctx, "downloader.keyBlockWalker")
	defer span.End()
	ctx, cancel := context.WithDeadline(ctx, w.deadline)
	defer cancel()

	tok, err := w.deps.Tokens.Acquire(ctx, token.KindProof, w.priority, w.deadline)
	if err != nil {
		return nil, newErr(KindResourceExhausted, err, "acquire download token")
	}
	defer tok.Release()

	peer, err := selectSinglePeer(ctx, w.deps, w.overlayID, w.peer)
	if err != nil {
		return nil, newErr(KindResourceExhausted, err, "select peer")
	}
	if !peer.IsZero() {
		w.deps.commitPeer(peer)
		defer w.deps.releasePeer(peer)
	}

	req := encodeNextKeyBlockIdsRequest(w.anchor, w.limit)
	raw, err := controlQuery(ctx, w.deps, peer, w.localID, w.overlayID, queryGetNextKeyBlockIDs, req, w.deps.Config.KeyBlockIdsTimeout)
	if err != nil {
		return nil, newErr(KindTimeout, err, "get_next_key_block_ids")
	}
	reply, err := decodeNextKeyBlockIdsReply(raw)
	if err != nil {
		return nil, err
	}
	if reply.errorFlag {
		return nil, newErr(KindNotReady, nil, "get_next_key_block_ids: error flag set")
	}

	accepted := make([]types.BlockId, 0, len(reply.ids))
	relativeTo := w.anchor

	for _, id := range reply.ids {
		pd := NewProofDownloader(w.deps, id, w.localID, w.overlayID, !id.ShardPrefix().IsMasterchain())
		if err := pd.FetchAndValidateRelative(ctx, peer, relativeTo, w.deps.Config.ProofLinkTimeout); err != nil {
			if len(accepted) > 0 {
				log.WithError(err).WithField("accepted", len(accepted)).Info("key-block walker stopped early, delivering partial result")
				return accepted, nil
			}
			return nil, err
		}

		handle, err := w.deps.Manager.GetBlockHandle(ctx, id, true)
		if err != nil {
			if len(accepted) > 0 {
				return accepted, nil
			}
			return nil, newErr(KindNotReady, err, "get block handle for key block")
		}
		if !handle.IsKeyBlock() {
			if len(accepted) > 0 {
				return accepted, nil
			}
			return nil, newErr(KindProtocol, nil, "handle for %v is not a key block", id)
		}

		accepted = append(accepted, id)
		relativeTo = id
	}

	return accepted, nil
}
