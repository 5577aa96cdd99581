package downloader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ton-blockchain/ton-sub002/types"
)

// TestPersistentStateDownloader_Timeout is spec.md §8 item 15: a 2-second
// deadline against a bulk transport that delays 10 seconds.
func TestPersistentStateDownloader_Timeout(t *testing.T) {
	peer := mkPeerID(6)
	mgr := newFakeManager()
	mcID := types.BlockId{Workchain: types.MasterchainWorkchain, Seqno: 100}
	id := types.BlockId{Workchain: 0, Shard: 1, Seqno: 200}

	control := &cannedControl{responses: map[string]func(types.Buffer) (types.Buffer, error){
		queryPreparePersistent: func(types.Buffer) (types.Buffer, error) {
			return types.NewBuffer([]byte{byte(preparedFound)}), nil
		},
		queryPersistentStateSize: func(types.Buffer) (types.Buffer, error) {
			return types.Buffer{}, assert.AnError
		},
	}}
	bulk := newCannedBulk()
	bulk.delay = 10 * time.Second
	bulk.sequences[queryPersistentStateSlice] = []func(types.Buffer) (types.Buffer, error){
		func(types.Buffer) (types.Buffer, error) { return types.NewBuffer(make([]byte, 1<<20)), nil },
	}
	overlay := &fakeOverlay{peers: []types.PeerId{peer}}

	deps, reg := newTestDeps(control, bulk, overlay, mgr)
	deadline := time.Now().Add(2 * time.Second)
	sd := NewPersistentStateDownloader(deps, id, mcID, types.PeerId{}, types.OverlayId{}, peer, 0, deadline)

	start := time.Now()
	_, err := sd.Run(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	de, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, de.Kind)
	assert.Less(t, elapsed, 4*time.Second)

	rec, ok := reg.Snapshot(peer)
	require.True(t, ok)
	assert.EqualValues(t, 1, rec.Failures)
	assert.EqualValues(t, 1, rec.ConsecutiveFailures)
}
