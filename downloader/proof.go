package downloader

import (
	"context"
	"time"

	"go.opencensus.io/trace"

	"github.com/ton-blockchain/ton-sub002/types"
)

// ProofDownloader fetches the proof or proof-link for a known BlockId via
// the bulk transport and invokes the validator, per spec.md §4.G's first
// paragraph. Used standalone and by KeyBlockWalker.
type ProofDownloader struct {
	deps *Deps

	id        types.BlockId
	localID   types.PeerId
	overlayID types.OverlayId

	allowPartialProof bool
}

func NewProofDownloader(deps *Deps, id types.BlockId, localID types.PeerId, overlayID types.OverlayId, allowPartialProof bool) *ProofDownloader {
	return &ProofDownloader{deps: deps, id: id, localID: localID, overlayID: overlayID, allowPartialProof: allowPartialProof}
}

// FetchAndValidateRelative downloads the proof for id via peer and validates
// it relative to relativeTo (the previous accepted id, or the walker's
// anchor for the first step), per spec.md §4.G step 4.
func (p *ProofDownloader) FetchAndValidateRelative(ctx context.Context, peer types.PeerId, relativeTo types.BlockId, timeout time.Duration) error {
	ctx, span := trace.StartSpan(ctx, "downloader.proofRelative")
	defer span.End()

	req := encodePrepareProofRequest(p.id, p.allowPartialProof)
	prepReply, err := controlQuery(ctx, p.deps, peer, p.localID, p.overlayID, queryPrepareBlockProof, req, p.deps.Config.PrepareTimeout)
	if err != nil {
		return newErr(KindTimeout, err, "prepare_block_proof")
	}
	kind, err := decodePrepareProofReply(prepReply)
	if err != nil {
		return err
	}

	switch kind {
	case proofReplyEmpty:
		return newErr(KindNotReady, nil, "prepare_block_proof: empty")
	case proofReplyLink:
		if p.id.ShardPrefix().IsMasterchain() {
			return newErr(KindProtocol, nil, "proof link not acceptable for masterchain block")
		}
		proof, err := bulkFetch(ctx, p.deps, peer, p.localID, p.overlayID, queryDownloadProofLink, encodeBlockIDRequest(p.id), p.deps.Config.MaxProofSize, timeout)
		if err != nil {
			return newErr(KindTimeout, err, "download_block_proof_link")
		}
		if err := p.deps.Manager.ValidateBlockProofLink(ctx, p.id, proof); err != nil {
			return newErr(KindProofInvalid, err, "proof link rejected")
		}
		return nil
	case proofReplyFull:
		proof, err := bulkFetch(ctx, p.deps, peer, p.localID, p.overlayID, queryDownloadBlockProof, encodeBlockIDRequest(p.id), p.deps.Config.MaxProofSize, timeout)
		if err != nil {
			return newErr(KindTimeout, err, "download_block_proof")
		}
		if err := p.deps.Manager.ValidateBlockProofRel(ctx, p.id, relativeTo, proof); err != nil {
			return newErr(KindProofInvalid, err, "relative proof rejected")
		}
		return nil
	default:
		return newErr(KindProtocol, nil, "prepare_block_proof: unknown reply kind")
	}
}
