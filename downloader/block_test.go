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

func blockID(seqno uint32, fileHash types.Hash256) types.BlockId {
	return types.BlockId{Workchain: 0, Shard: 1, Seqno: seqno, FileHash: fileHash}
}

// TestBlockDownloader_NewVariantIntegrityMismatch is spec.md §8 item 12.
func TestBlockDownloader_NewVariantIntegrityMismatch(t *testing.T) {
	peer := mkPeerID(3)
	mgr := newFakeManager()

	blockBytes := []byte("block payload")
	wrongHash := types.Hash256{0xAA} // deliberately wrong
	target := blockID(10, wrongHash)

	bulk := newCannedBulk()
	bulk.sequences[queryDownloadBlockFull] = []func(types.Buffer) (types.Buffer, error){
		func(types.Buffer) (types.Buffer, error) {
			return encodeFullBlockReplyForTest(target, true, blockBytes, []byte("proof")), nil
		},
	}
	control := &cannedControl{responses: map[string]func(types.Buffer) (types.Buffer, error){}}
	overlay := &fakeOverlay{peers: []types.PeerId{peer}}

	deps, _ := newTestDeps(control, bulk, overlay, mgr)
	bd := NewBlockDownloader(deps, target, types.PeerId{}, types.OverlayId{}, peer, 0, time.Now().Add(2*time.Second), false, false, types.BlockId{})

	_, err := bd.RunNew(context.Background())
	require.Error(t, err)
	de, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindIntegrityMismatch, de.Kind)
	assert.Zero(t, mgr.validateProofCalls+mgr.validateProofLinkCalls+mgr.validateRelCalls+mgr.validateNextCalls)
}

// TestBlockDownloader_LegacyFullPath is spec.md §8 item 13.
func TestBlockDownloader_LegacyFullPath(t *testing.T) {
	peer := mkPeerID(4)
	mgr := newFakeManager()

	blockBytes := []byte("correct block bytes")
	hash := types.Hash256(sha256.Sum256(blockBytes))
	target := blockID(11, hash)

	control := &cannedControl{responses: map[string]func(types.Buffer) (types.Buffer, error){
		queryPrepareBlockProof: func(types.Buffer) (types.Buffer, error) {
			return types.NewBuffer([]byte{byte(proofReplyFull)}), nil
		},
		queryPrepareBlock: func(types.Buffer) (types.Buffer, error) {
			return types.NewBuffer([]byte{byte(preparedFound)}), nil
		},
	}}
	bulk := newCannedBulk()
	bulk.sequences[queryDownloadBlockProof] = []func(types.Buffer) (types.Buffer, error){
		func(types.Buffer) (types.Buffer, error) { return types.NewBuffer([]byte("valid proof")), nil },
	}
	bulk.sequences[queryDownloadBlock] = []func(types.Buffer) (types.Buffer, error){
		func(types.Buffer) (types.Buffer, error) { return types.NewBuffer(blockBytes), nil },
	}
	overlay := &fakeOverlay{peers: []types.PeerId{peer}}

	deps, _ := newTestDeps(control, bulk, overlay, mgr)
	bd := NewBlockDownloader(deps, target, types.PeerId{}, types.OverlayId{}, peer, 0, time.Now().Add(2*time.Second), false, false, types.BlockId{})

	data, err := bd.RunLegacy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, blockBytes, data.Bytes())
	assert.Equal(t, 1, mgr.validateProofCalls)
}

func encodeFullBlockReplyForTest(id types.BlockId, isLink bool, block, proof []byte) types.Buffer {
	buf := []byte{1}
	buf = append(buf, encodeBlockID(id)...)
	if isLink {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	blockLen := make([]byte, 8)
	putUint64(blockLen, uint64(len(block)))
	buf = append(buf, blockLen...)
	buf = append(buf, block...)
	proofLen := make([]byte, 8)
	putUint64(proofLen, uint64(len(proof)))
	buf = append(buf, proofLen...)
	buf = append(buf, proof...)
	return types.NewBuffer(buf)
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
