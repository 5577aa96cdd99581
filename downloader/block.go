package downloader

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/ton-blockchain/ton-sub002/capability"
	"github.com/ton-blockchain/ton-sub002/peerquality"
	"github.com/ton-blockchain/ton-sub002/token"
	"github.com/ton-blockchain/ton-sub002/transport"
	"github.com/ton-blockchain/ton-sub002/types"
)

// Variant selects between the two wire protocols of spec.md §4.E.
type Variant int

const (
	VariantLegacy Variant = iota
	VariantNew
)

// ChooseVariant implements spec.md §4.I's guidance: prefer the new,
// single-round-trip variant for peers known to advertise protocol_version
// >= 1; fall back to legacy otherwise, including when nothing is known about
// the peer (capability pings are opportunistic and never gate a download).
func ChooseVariant(caps *capability.Cache, peer types.PeerId) Variant {
	if caps != nil && caps.SupportsNewBlockVariant(peer) {
		return VariantNew
	}
	return VariantLegacy
}

// BlockDownloader implements spec.md §4.E: given a BlockId (or, in
// next-block mode, a predecessor id already resolved to a target BlockId by
// NextBlockDescriptor), produce validated block data.
type BlockDownloader struct {
	deps *Deps

	id        types.BlockId
	localID   types.PeerId
	overlayID types.OverlayId
	peer      types.PeerId
	priority  int
	deadline  time.Time

	// allowPartialProof is true for non-masterchain targets, where a
	// proof-link is an acceptable substitute for a full proof.
	allowPartialProof bool

	// nextBlockMode, when true, causes proof validation to use
	// ValidateBlockIsNextProof(predecessor, id, proof) instead of
	// ValidateBlockProof(id, proof), per spec.md §4.E.1 step 4 / §4.E.2.
	nextBlockMode bool
	predecessor   types.BlockId
}

// NewBlockDownloader constructs a block downloader for id. predecessor is
// only consulted when nextBlockMode is true.
func NewBlockDownloader(
	deps *Deps,
	id types.BlockId,
	localID types.PeerId,
	overlayID types.OverlayId,
	peer types.PeerId,
	priority int,
	deadline time.Time,
	allowPartialProof bool,
	nextBlockMode bool,
	predecessor types.BlockId,
) *BlockDownloader {
	return &BlockDownloader{
		deps:              deps,
		id:                id,
		localID:           localID,
		overlayID:         overlayID,
		peer:              peer,
		priority:          priority,
		deadline:          deadline,
		allowPartialProof: allowPartialProof,
		nextBlockMode:     nextBlockMode,
		predecessor:       predecessor,
	}
}

// RunLegacy implements the three-round-trip variant of spec.md §4.E.1.
func (d *BlockDownloader) RunLegacy(ctx context.Context) (types.Buffer, error) {
	ctx, span := trace.StartSpan(ctx, "downloader.blockLegacy")
	defer span.End()
	ctx, cancel := context.WithDeadline(ctx, d.deadline)
	defer cancel()

	handle, err := d.deps.Manager.GetBlockHandle(ctx, d.id, true)
	if err != nil {
		return types.Buffer{}, newErr(KindNotReady, err, "get block handle")
	}
	if handle.HasData() && handle.HasAcceptableProof() {
		data, err := d.deps.Manager.GetBlockDataFromDB(ctx, handle)
		if err != nil {
			return types.Buffer{}, newErr(KindProtocol, err, "read local block data")
		}
		return data, nil
	}

	tok, err := d.deps.Tokens.Acquire(ctx, token.KindBlock, d.priority, d.deadline)
	if err != nil {
		return types.Buffer{}, newErr(KindResourceExhausted, err, "acquire download token")
	}
	defer tok.Release()

	peer, err := selectSinglePeer(ctx, d.deps, d.overlayID, d.peer)
	if err != nil {
		return types.Buffer{}, newErr(KindResourceExhausted, err, "select peer")
	}
	d.peer = peer
	if !peer.IsZero() {
		d.deps.commitPeer(peer)
		defer d.deps.releasePeer(peer)
	}

	fail := func(kind ErrorKind, cause error, format string, args ...interface{}) (types.Buffer, error) {
		if !peer.IsZero() {
			d.deps.Registry.RecordFailure(peer, peerquality.FailureGeneric)
		}
		return types.Buffer{}, newErr(kind, cause, format, args...)
	}

	if !handle.HasAcceptableProof() {
		if err := d.fetchAndValidateProof(ctx, peer, handle); err != nil {
			if ae, ok := AsError(err); ok {
				return fail(ae.Kind, ae.Err, "proof step")
			}
			return fail(KindProtocol, err, "proof step")
		}
	}

	if handle.HasData() {
		data, err := d.deps.Manager.GetBlockDataFromDB(ctx, handle)
		if err != nil {
			return fail(KindProtocol, err, "read local block data after proof")
		}
		if !peer.IsZero() {
			d.deps.Registry.RecordSuccess(peer, int64(data.Len()), 0)
		}
		return data, nil
	}

	prepReply, err := controlQuery(ctx, d.deps, peer, d.localID, d.overlayID, queryPrepareBlock, encodeBlockIDRequest(d.id), d.deps.Config.PrepareTimeout)
	if err != nil {
		return fail(KindTimeout, err, "prepare_block")
	}
	kind, err := decodePreparedReply(prepReply)
	if err != nil {
		return fail(KindProtocol, err, "decode prepare_block reply")
	}
	if kind == preparedNotFound {
		return fail(KindNotReady, nil, "prepare_block: not found")
	}

	dataReply, err := bulkFetch(ctx, d.deps, peer, d.localID, d.overlayID, queryDownloadBlock, encodeBlockIDRequest(d.id), d.deps.Config.MaxBlockSize, d.deps.Config.DownloadBlockTimeout)
	if err != nil {
		return fail(KindTimeout, err, "download_block")
	}
	if sha256.Sum256(dataReply.Bytes()) != [32]byte(d.id.FileHash) {
		return fail(KindIntegrityMismatch, nil, "download_block: hash mismatch")
	}
	if !peer.IsZero() {
		d.deps.Registry.RecordSuccess(peer, int64(dataReply.Len()), 0)
	}
	log.WithField("id", d.id).Debug("legacy block download complete")
	return dataReply, nil
}

// fetchAndValidateProof implements spec.md §4.E.1 step 4.
func (d *BlockDownloader) fetchAndValidateProof(ctx context.Context, peer types.PeerId, handle transport.Handle) error {
	req := encodePrepareProofRequest(d.id, d.allowPartialProof)
	reply, err := controlQuery(ctx, d.deps, peer, d.localID, d.overlayID, queryPrepareBlockProof, req, d.deps.Config.PrepareTimeout)
	if err != nil {
		return newErr(KindTimeout, err, "prepare_block_proof")
	}
	kind, err := decodePrepareProofReply(reply)
	if err != nil {
		return err
	}
	switch kind {
	case proofReplyEmpty:
		return newErr(KindNotReady, nil, "prepare_block_proof: empty")
	case proofReplyLink:
		if d.id.ShardPrefix().IsMasterchain() {
			return newErr(KindProtocol, nil, "proof link not acceptable for masterchain block")
		}
		proof, err := bulkFetch(ctx, d.deps, peer, d.localID, d.overlayID, queryDownloadProofLink, encodeBlockIDRequest(d.id), d.deps.Config.MaxProofSize, d.deps.Config.ProofLinkTimeout)
		if err != nil {
			return newErr(KindTimeout, err, "download_block_proof_link")
		}
		return d.validateProof(ctx, true, proof)
	case proofReplyFull:
		proof, err := bulkFetch(ctx, d.deps, peer, d.localID, d.overlayID, queryDownloadBlockProof, encodeBlockIDRequest(d.id), d.deps.Config.MaxProofSize, d.deps.Config.ProofLinkTimeout)
		if err != nil {
			return newErr(KindTimeout, err, "download_block_proof")
		}
		return d.validateProof(ctx, false, proof)
	default:
		return newErr(KindProtocol, nil, "prepare_block_proof: unknown reply kind")
	}
}

// validateProof delegates to the manager, using the next-block relative
// check when this downloader is resolving a successor block.
func (d *BlockDownloader) validateProof(ctx context.Context, isLink bool, proof types.Buffer) error {
	if isLink {
		if err := d.deps.Manager.ValidateBlockProofLink(ctx, d.id, proof); err != nil {
			return newErr(KindProofInvalid, err, "proof link rejected")
		}
		return nil
	}
	if d.nextBlockMode {
		if err := d.deps.Manager.ValidateBlockIsNextProof(ctx, d.predecessor, d.id, proof); err != nil {
			return newErr(KindProofInvalid, err, "next-block proof rejected")
		}
		return nil
	}
	if err := d.deps.Manager.ValidateBlockProof(ctx, d.id, proof); err != nil {
		return newErr(KindProofInvalid, err, "proof rejected")
	}
	return nil
}

// RunNew implements the single-round-trip variant of spec.md §4.E.2.
func (d *BlockDownloader) RunNew(ctx context.Context) (types.Buffer, error) {
	ctx, span := trace.StartSpan(ctx, "downloader.blockNew")
	defer span.End()
	ctx, cancel := context.WithDeadline(ctx, d.deadline)
	defer cancel()

	tok, err := d.deps.Tokens.Acquire(ctx, token.KindBlock, d.priority, d.deadline)
	if err != nil {
		return types.Buffer{}, newErr(KindResourceExhausted, err, "acquire download token")
	}
	defer tok.Release()

	peer, err := selectSinglePeer(ctx, d.deps, d.overlayID, d.peer)
	if err != nil {
		return types.Buffer{}, newErr(KindResourceExhausted, err, "select peer")
	}
	d.peer = peer
	if !peer.IsZero() {
		d.deps.commitPeer(peer)
		defer d.deps.releasePeer(peer)
	}

	fail := func(kind ErrorKind, cause error, format string, args ...interface{}) (types.Buffer, error) {
		if !peer.IsZero() {
			d.deps.Registry.RecordFailure(peer, peerquality.FailureGeneric)
		}
		return types.Buffer{}, newErr(kind, cause, format, args...)
	}

	name := queryDownloadBlockFull
	target := d.id
	if d.nextBlockMode {
		name = queryDownloadNextBlockFull
		target = d.predecessor
	}
	maxSize := d.deps.Config.MaxProofSize + d.deps.Config.MaxBlockSize + 128
	raw, err := bulkFetch(ctx, d.deps, peer, d.localID, d.overlayID, name, encodeBlockIDRequest(target), maxSize, d.deps.Config.FullQueryTimeout)
	if err != nil {
		return fail(KindTimeout, err, name)
	}
	reply, err := decodeFullBlockReply(raw)
	if err != nil {
		return fail(KindProtocol, err, "decode "+name+" reply")
	}
	if !reply.present {
		return fail(KindNotReady, nil, name+": empty")
	}

	if d.nextBlockMode {
		if reply.id.IsZero() {
			return fail(KindProtocol, nil, name+": missing discovered id")
		}
		d.id = reply.id
	}

	if sha256.Sum256(reply.block.Bytes()) != [32]byte(reply.id.FileHash) {
		return fail(KindIntegrityMismatch, nil, name+": hash mismatch")
	}

	if err := d.validateProof(ctx, reply.isLink, reply.proof); err != nil {
		if ae, ok := AsError(err); ok {
			return fail(ae.Kind, ae.Err, "validate proof")
		}
		return fail(KindProofInvalid, err, "validate proof")
	}

	if !peer.IsZero() {
		d.deps.Registry.RecordSuccess(peer, int64(reply.block.Len()), 0)
	}
	log.WithFields(logrus.Fields{"id": d.id, "variant": "new"}).Debug("block download complete")
	return reply.block, nil
}
