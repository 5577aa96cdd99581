package downloader

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ton-blockchain/ton-sub002/types"
)

// TestNextBlockDescriptor_ResolveFromHandle covers the fast path of spec.md
// §4.F: the predecessor handle already knows its next-left successor, so no
// control query is needed at all.
func TestNextBlockDescriptor_ResolveFromHandle(t *testing.T) {
	peer := mkPeerID(7)
	mgr := newFakeManager()
	predecessor := types.BlockId{Workchain: 0, Shard: 1, Seqno: 40}
	successor := types.BlockId{Workchain: 0, Shard: 1, Seqno: 41}
	mgr.handles[predecessor] = &fakeHandle{id: predecessor, hasNextLeft: true, nextLeft: successor}

	control := &cannedControl{responses: map[string]func(types.Buffer) (types.Buffer, error){
		queryGetNextBlockDesc: func(types.Buffer) (types.Buffer, error) {
			t.Fatal("should not query the network when the handle already knows its successor")
			return types.Buffer{}, nil
		},
	}}
	bulk := newCannedBulk()
	overlay := &fakeOverlay{peers: []types.PeerId{peer}}

	deps, _ := newTestDeps(control, bulk, overlay, mgr)
	nd := NewNextBlockDescriptor(deps, predecessor, types.PeerId{}, types.OverlayId{}, peer, 0, time.Now().Add(2*time.Second), false)

	id, err := nd.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, successor, id)
}

// TestNextBlockDescriptor_RunNew covers the network-discovery path: the
// predecessor handle has no next-left recorded, so Resolve falls back to
// get_next_block_description, and RunNew then fetches the discovered
// successor via BlockDownloader.RunNew in next-block mode.
func TestNextBlockDescriptor_RunNew(t *testing.T) {
	peer := mkPeerID(8)
	mgr := newFakeManager()
	predecessor := types.BlockId{Workchain: 0, Shard: 1, Seqno: 50}

	blockBytes := []byte("next block bytes")
	hash := types.Hash256(sha256.Sum256(blockBytes))
	successor := types.BlockId{Workchain: 0, Shard: 1, Seqno: 51, FileHash: hash}

	descBuf := append([]byte{1}, encodeBlockID(successor)...)
	control := &cannedControl{responses: map[string]func(types.Buffer) (types.Buffer, error){
		queryGetNextBlockDesc: func(types.Buffer) (types.Buffer, error) {
			return types.NewBuffer(descBuf), nil
		},
	}}
	bulk := newCannedBulk()
	bulk.sequences[queryDownloadNextBlockFull] = []func(types.Buffer) (types.Buffer, error){
		func(types.Buffer) (types.Buffer, error) {
			return encodeFullBlockReplyForTest(successor, false, blockBytes, []byte("proof")), nil
		},
	}
	overlay := &fakeOverlay{peers: []types.PeerId{peer}}

	deps, _ := newTestDeps(control, bulk, overlay, mgr)
	nd := NewNextBlockDescriptor(deps, predecessor, types.PeerId{}, types.OverlayId{}, peer, 0, time.Now().Add(2*time.Second), false)

	data, err := nd.RunNew(context.Background())
	require.NoError(t, err)
	assert.Equal(t, blockBytes, data.Bytes())
	assert.Equal(t, 1, mgr.validateNextCalls)
}

// TestNextBlockDescriptor_ResolveNotReady covers the empty-reply abort.
func TestNextBlockDescriptor_ResolveNotReady(t *testing.T) {
	peer := mkPeerID(9)
	mgr := newFakeManager()
	predecessor := types.BlockId{Workchain: 0, Shard: 1, Seqno: 60}

	control := &cannedControl{responses: map[string]func(types.Buffer) (types.Buffer, error){
		queryGetNextBlockDesc: func(types.Buffer) (types.Buffer, error) {
			return types.NewBuffer([]byte{0}), nil
		},
	}}
	bulk := newCannedBulk()
	overlay := &fakeOverlay{peers: []types.PeerId{peer}}

	deps, _ := newTestDeps(control, bulk, overlay, mgr)
	nd := NewNextBlockDescriptor(deps, predecessor, types.PeerId{}, types.OverlayId{}, peer, 0, time.Now().Add(2*time.Second), false)

	_, err := nd.Resolve(context.Background())
	require.Error(t, err)
	de, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNotReady, de.Kind)
}
