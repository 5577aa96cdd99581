package downloader

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/ton-blockchain/ton-sub002/types"
)

// Query/Fetch name constants, matching the wire methods spec.md §4 and §6.2
// name directly.
const (
	queryGetArchiveInfo        = "get_archive_info"
	queryGetArchiveSlice       = "get_archive_slice"
	queryPrepareBlock          = "prepare_block"
	queryPrepareBlockProof     = "prepare_block_proof"
	queryDownloadBlock         = "download_block"
	queryDownloadBlockFull     = "download_block_full"
	queryDownloadNextBlockFull = "download_next_block_full"
	queryDownloadBlockProof    = "download_block_proof"
	queryDownloadProofLink     = "download_block_proof_link"
	queryGetNextBlockDesc      = "get_next_block_description"
	queryGetNextKeyBlockIDs    = "get_next_key_block_ids"
	queryPreparePersistent     = "prepare_persistent_state"
	queryPrepareZeroState      = "prepare_zero_state"
	queryPersistentStateSize   = "get_persistent_state_size"
	queryPersistentStateSlice  = "download_persistent_state_slice"
	queryDownloadZeroState     = "download_zero_state"
)

// archiveInfoReply is the decoded reply to get_archive_info (spec.md §4.D
// step 6): found=false means the peer does not have this archive; found=true
// carries the opaque archive handle id subsequent get_archive_slice calls
// must present.
type archiveInfoReply struct {
	found bool
	id    int64
}

func encodeArchiveInfoRequest(seqno types.Seqno, shard types.ShardPrefix) types.Buffer {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(seqno))
	binary.BigEndian.PutUint32(buf[4:8], uint32(shard.Workchain))
	binary.BigEndian.PutUint64(buf[8:16], shard.Shard)
	return types.NewBuffer(buf)
}

func decodeArchiveInfoReply(b types.Buffer) (archiveInfoReply, error) {
	raw := b.Bytes()
	if len(raw) < 1 {
		return archiveInfoReply{}, newErr(KindProtocol, nil, "archive info reply too short")
	}
	if raw[0] == 0 {
		return archiveInfoReply{found: false}, nil
	}
	if len(raw) < 9 {
		return archiveInfoReply{}, newErr(KindProtocol, nil, "archive info reply missing id")
	}
	id := int64(binary.BigEndian.Uint64(raw[1:9]))
	return archiveInfoReply{found: true, id: id}, nil
}

func encodeArchiveSliceRequest(archiveID, offset, maxSize int64) types.Buffer {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], uint64(archiveID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(maxSize))
	return types.NewBuffer(buf)
}

// blockIDSize is the encoded width of a types.BlockId: workchain(4) +
// shard(8) + seqno(4) + root_hash(32) + file_hash(32).
const blockIDSize = 4 + 8 + 4 + 32 + 32

func encodeBlockID(id types.BlockId) []byte {
	buf := make([]byte, blockIDSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(id.Workchain))
	binary.BigEndian.PutUint64(buf[4:12], id.Shard)
	binary.BigEndian.PutUint32(buf[12:16], id.Seqno)
	copy(buf[16:48], id.RootHash[:])
	copy(buf[48:80], id.FileHash[:])
	return buf
}

func decodeBlockID(buf []byte) (types.BlockId, error) {
	if len(buf) < blockIDSize {
		return types.BlockId{}, newErr(KindProtocol, nil, "block id truncated")
	}
	var id types.BlockId
	id.Workchain = int32(binary.BigEndian.Uint32(buf[0:4]))
	id.Shard = binary.BigEndian.Uint64(buf[4:12])
	id.Seqno = binary.BigEndian.Uint32(buf[12:16])
	copy(id.RootHash[:], buf[16:48])
	copy(id.FileHash[:], buf[48:80])
	return id, nil
}

// proofReplyKind is the dispatch tag of a prepare_block_proof reply.
type proofReplyKind byte

const (
	proofReplyEmpty proofReplyKind = iota
	proofReplyLink
	proofReplyFull
)

func encodePrepareProofRequest(id types.BlockId, allowPartial bool) types.Buffer {
	buf := encodeBlockID(id)
	flag := byte(0)
	if allowPartial {
		flag = 1
	}
	return types.NewBuffer(append(buf, flag))
}

func decodePrepareProofReply(b types.Buffer) (proofReplyKind, error) {
	raw := b.Bytes()
	if len(raw) < 1 {
		return 0, newErr(KindProtocol, nil, "prepare_block_proof reply empty")
	}
	return proofReplyKind(raw[0]), nil
}

func encodeBlockIDRequest(id types.BlockId) types.Buffer {
	return types.NewBuffer(encodeBlockID(id))
}

// preparedReplyKind is the dispatch tag of prepare_block / prepare_persistent_state / prepare_zero_state replies.
type preparedReplyKind byte

const (
	preparedNotFound preparedReplyKind = iota
	preparedFound
)

func decodePreparedReply(b types.Buffer) (preparedReplyKind, error) {
	raw := b.Bytes()
	if len(raw) < 1 {
		return 0, newErr(KindProtocol, nil, "prepare reply empty")
	}
	return preparedReplyKind(raw[0]), nil
}

// fullBlockReply is the decoded reply to download_block_full / download_next_block_full.
type fullBlockReply struct {
	present bool
	id      types.BlockId
	isLink  bool
	block   types.Buffer
	proof   types.Buffer
}

func decodeFullBlockReply(b types.Buffer) (fullBlockReply, error) {
	raw := b.Bytes()
	if len(raw) < 1 {
		return fullBlockReply{}, newErr(KindProtocol, nil, "download_block_full reply empty")
	}
	if raw[0] == 0 {
		return fullBlockReply{present: false}, nil
	}
	off := 1
	if len(raw) < off+blockIDSize {
		return fullBlockReply{}, newErr(KindProtocol, nil, "download_block_full reply truncated id")
	}
	id, err := decodeBlockID(raw[off : off+blockIDSize])
	if err != nil {
		return fullBlockReply{}, err
	}
	off += blockIDSize
	if len(raw) < off+1 {
		return fullBlockReply{}, newErr(KindProtocol, nil, "download_block_full reply truncated is_link")
	}
	isLink := raw[off] != 0
	off++
	if len(raw) < off+8 {
		return fullBlockReply{}, newErr(KindProtocol, nil, "download_block_full reply truncated block len")
	}
	blockLen := int(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	if len(raw) < off+blockLen {
		return fullBlockReply{}, newErr(KindProtocol, nil, "download_block_full reply truncated block")
	}
	block := raw[off : off+blockLen]
	off += blockLen
	if len(raw) < off+8 {
		return fullBlockReply{}, newErr(KindProtocol, nil, "download_block_full reply truncated proof len")
	}
	proofLen := int(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	if len(raw) < off+proofLen {
		return fullBlockReply{}, newErr(KindProtocol, nil, "download_block_full reply truncated proof")
	}
	proof := raw[off : off+proofLen]
	return fullBlockReply{
		present: true,
		id:      id,
		isLink:  isLink,
		block:   types.NewBuffer(append([]byte(nil), block...)),
		proof:   types.NewBuffer(append([]byte(nil), proof...)),
	}, nil
}

// nextBlockDescReply is the decoded reply to get_next_block_description.
type nextBlockDescReply struct {
	present bool
	id      types.BlockId
}

func decodeNextBlockDescReply(b types.Buffer) (nextBlockDescReply, error) {
	raw := b.Bytes()
	if len(raw) < 1 {
		return nextBlockDescReply{}, newErr(KindProtocol, nil, "get_next_block_description reply empty")
	}
	if raw[0] == 0 {
		return nextBlockDescReply{present: false}, nil
	}
	if len(raw) < 1+blockIDSize {
		return nextBlockDescReply{}, newErr(KindProtocol, nil, "get_next_block_description reply truncated")
	}
	id, err := decodeBlockID(raw[1 : 1+blockIDSize])
	if err != nil {
		return nextBlockDescReply{}, err
	}
	return nextBlockDescReply{present: true, id: id}, nil
}

func encodeNextKeyBlockIdsRequest(anchor types.BlockId, limit int) types.Buffer {
	buf := encodeBlockID(anchor)
	buf = append(buf, byte(limit))
	return types.NewBuffer(buf)
}

// nextKeyBlockIdsReply is the decoded reply to get_next_key_block_ids.
type nextKeyBlockIdsReply struct {
	errorFlag bool
	ids       []types.BlockId
}

func decodeNextKeyBlockIdsReply(b types.Buffer) (nextKeyBlockIdsReply, error) {
	raw := b.Bytes()
	if len(raw) < 1 {
		return nextKeyBlockIdsReply{}, newErr(KindProtocol, nil, "get_next_key_block_ids reply empty")
	}
	if raw[0] != 0 {
		return nextKeyBlockIdsReply{errorFlag: true}, nil
	}
	if len(raw) < 2 {
		return nextKeyBlockIdsReply{}, newErr(KindProtocol, nil, "get_next_key_block_ids reply truncated count")
	}
	count := int(raw[1])
	off := 2
	ids := make([]types.BlockId, 0, count)
	for i := 0; i < count; i++ {
		if len(raw) < off+blockIDSize {
			return nextKeyBlockIdsReply{}, newErr(KindProtocol, nil, "get_next_key_block_ids reply truncated ids")
		}
		id, err := decodeBlockID(raw[off : off+blockIDSize])
		if err != nil {
			return nextKeyBlockIdsReply{}, err
		}
		ids = append(ids, id)
		off += blockIDSize
	}
	return nextKeyBlockIdsReply{ids: ids}, nil
}

func encodePersistentStateRequest(id, mcID types.BlockId) types.Buffer {
	buf := encodeBlockID(id)
	buf = append(buf, encodeBlockID(mcID)...)
	return types.NewBuffer(buf)
}

func encodePersistentStateSliceRequest(id, mcID types.BlockId, offset, maxSize int64) types.Buffer {
	buf := encodeBlockID(id)
	buf = append(buf, encodeBlockID(mcID)...)
	tail := make([]byte, 16)
	binary.BigEndian.PutUint64(tail[0:8], uint64(offset))
	binary.BigEndian.PutUint64(tail[8:16], uint64(maxSize))
	return types.NewBuffer(append(buf, tail...))
}

func decodePersistentStateSize(b types.Buffer) (int64, error) {
	raw := b.Bytes()
	if len(raw) < 8 {
		return 0, newErr(KindProtocol, nil, "get_persistent_state_size reply truncated")
	}
	return int64(binary.BigEndian.Uint64(raw[0:8])), nil
}

// controlQuery issues a control-transport query, honoring thin-client mode
// (the zero types.PeerId{} is passed to External per spec.md §6.2).
func controlQuery(ctx context.Context, deps *Deps, peer, localID types.PeerId, overlayID types.OverlayId, name string, payload types.Buffer, timeout time.Duration) (types.Buffer, error) {
	deadline := time.Now().Add(timeout)
	if deps.usesExternalClient() {
		return deps.External.Query(ctx, types.PeerId{}, localID, overlayID, name, payload, deadline)
	}
	return deps.Control.Query(ctx, peer, localID, overlayID, name, payload, deadline)
}

// bulkFetch issues a bulk-transport fetch, honoring thin-client mode.
func bulkFetch(ctx context.Context, deps *Deps, peer, localID types.PeerId, overlayID types.OverlayId, name string, payload types.Buffer, maxSize int64, timeout time.Duration) (types.Buffer, error) {
	deadline := time.Now().Add(timeout)
	if deps.usesExternalClient() {
		return deps.External.Fetch(ctx, types.PeerId{}, localID, overlayID, name, payload, maxSize, deadline)
	}
	return deps.Bulk.Fetch(ctx, peer, localID, overlayID, name, payload, maxSize, deadline)
}

// queryArchiveInfo issues get_archive_info to peer, honoring thin-client mode
// (spec.md §6.2's external-client bypass).
func (d *ArchiveSliceDownloader) queryArchiveInfo(ctx context.Context, peer types.PeerId, timeout time.Duration) (archiveInfoReply, error) {
	deadline := time.Now().Add(timeout)
	req := encodeArchiveInfoRequest(d.seqno, d.shardPrefix)

	var reply types.Buffer
	var err error
	if d.deps.usesExternalClient() {
		reply, err = d.deps.External.Query(ctx, types.PeerId{}, d.localID, d.overlayID, queryGetArchiveInfo, req, deadline)
	} else {
		reply, err = d.deps.Control.Query(ctx, peer, d.localID, d.overlayID, queryGetArchiveInfo, req, deadline)
	}
	if err != nil {
		return archiveInfoReply{}, newErr(KindTimeout, err, "get_archive_info query")
	}
	return decodeArchiveInfoReply(reply)
}

// fetchSlice issues one get_archive_slice bulk fetch.
func (d *ArchiveSliceDownloader) fetchSlice(ctx context.Context, peer types.PeerId, archiveID, offset, maxSize int64, timeout time.Duration) (types.Buffer, error) {
	deadline := time.Now().Add(timeout)
	req := encodeArchiveSliceRequest(archiveID, offset, maxSize)

	if d.deps.usesExternalClient() {
		return d.deps.External.Fetch(ctx, types.PeerId{}, d.localID, d.overlayID, queryGetArchiveSlice, req, maxSize, deadline)
	}
	return d.deps.Bulk.Fetch(ctx, peer, d.localID, d.overlayID, queryGetArchiveSlice, req, maxSize, deadline)
}
