package downloader

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ton-blockchain/ton-sub002/token"
	"github.com/ton-blockchain/ton-sub002/transport"
	"github.com/ton-blockchain/ton-sub002/types"
)

// fakeHandle is a hand-written transport.Handle test double, grounded on
// SPEC_FULL.md §8's "little literal structs" guidance rather than a mocking
// library.
type fakeHandle struct {
	id          types.BlockId
	hasData     bool
	hasProof    bool
	isKeyBlock  bool
	hasNextLeft bool
	nextLeft    types.BlockId
}

func (h *fakeHandle) ID() types.BlockId        { return h.id }
func (h *fakeHandle) InitedNextLeft() bool     { return h.hasNextLeft }
func (h *fakeHandle) NextLeft() types.BlockId  { return h.nextLeft }
func (h *fakeHandle) HasData() bool            { return h.hasData }
func (h *fakeHandle) HasAcceptableProof() bool { return h.hasProof }
func (h *fakeHandle) IsKeyBlock() bool         { return h.isKeyBlock }

// fakeManager is a hand-written transport.Manager test double.
type fakeManager struct {
	handles         map[types.BlockId]*fakeHandle
	localData       map[types.BlockId]types.Buffer
	persistentState map[types.BlockId]types.Buffer

	validateProofCalls     int
	validateProofLinkCalls int
	validateRelCalls       int
	validateNextCalls      int
	failValidate           bool
	failValidateForID      map[types.BlockId]bool

	progressLines []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		handles:         make(map[types.BlockId]*fakeHandle),
		localData:       make(map[types.BlockId]types.Buffer),
		persistentState: make(map[types.BlockId]types.Buffer),
	}
}

func (m *fakeManager) GetBlockHandle(ctx context.Context, id types.BlockId, createIfMissing bool) (transport.Handle, error) {
	h, ok := m.handles[id]
	if !ok {
		if !createIfMissing {
			return nil, errors.New("no handle")
		}
		h = &fakeHandle{id: id}
		m.handles[id] = h
	}
	return h, nil
}

func (m *fakeManager) GetBlockData(ctx context.Context, h transport.Handle) (types.Buffer, error) {
	return m.GetBlockDataFromDB(ctx, h)
}

func (m *fakeManager) GetBlockDataFromDB(ctx context.Context, h transport.Handle) (types.Buffer, error) {
	b, ok := m.localData[h.ID()]
	if !ok {
		return types.Buffer{}, errors.New("no local data")
	}
	return b, nil
}

func (m *fakeManager) ValidateBlockProof(ctx context.Context, id types.BlockId, proof types.Buffer) error {
	m.validateProofCalls++
	if m.failValidate {
		return errors.New("proof rejected")
	}
	return nil
}

func (m *fakeManager) ValidateBlockProofLink(ctx context.Context, id types.BlockId, proof types.Buffer) error {
	m.validateProofLinkCalls++
	if m.failValidate {
		return errors.New("proof link rejected")
	}
	return nil
}

func (m *fakeManager) ValidateBlockProofRel(ctx context.Context, id, relativeTo types.BlockId, proof types.Buffer) error {
	m.validateRelCalls++
	if m.failValidate || m.failValidateForID[id] {
		return errors.New("relative proof rejected")
	}
	return nil
}

func (m *fakeManager) ValidateBlockIsNextProof(ctx context.Context, prev, next types.BlockId, proof types.Buffer) error {
	m.validateNextCalls++
	if m.failValidate {
		return errors.New("next proof rejected")
	}
	return nil
}

func (m *fakeManager) GetPersistentState(ctx context.Context, id, mcID types.BlockId) (types.Buffer, bool, error) {
	b, ok := m.persistentState[id]
	return b, ok, nil
}

func (m *fakeManager) GetDownloadToken(ctx context.Context, kind token.Kind, priority int, deadline time.Time) (*token.Token, error) {
	return &token.Token{}, nil
}

func (m *fakeManager) ReportProgress(key string, message string) {
	m.progressLines = append(m.progressLines, key+": "+message)
}

// cannedControl is a hand-written transport.ControlTransport test double: a
// fixed map from query name to a canned responder, optionally with an
// artificial delay to exercise deadline handling (spec.md §8 item 15).
type cannedControl struct {
	responses map[string]func(payload types.Buffer) (types.Buffer, error)
	delay     time.Duration
}

func (c *cannedControl) Query(ctx context.Context, peer, localID types.PeerId, overlay types.OverlayId, name string, payload types.Buffer, deadline time.Time) (types.Buffer, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return types.Buffer{}, ctx.Err()
		case <-time.After(time.Until(deadline)):
			return types.Buffer{}, context.DeadlineExceeded
		case <-timer.C:
		}
	}
	fn, ok := c.responses[name]
	if !ok {
		return types.Buffer{}, errors.Errorf("unexpected control query %q", name)
	}
	return fn(payload)
}

// cannedBulk is the bulk-transport equivalent of cannedControl. It supports
// per-name sequences of responses so the archive-slice loop can return
// successive chunks.
type cannedBulk struct {
	sequences map[string][]func(payload types.Buffer) (types.Buffer, error)
	calls     map[string]int
	delay     time.Duration
}

func newCannedBulk() *cannedBulk {
	return &cannedBulk{
		sequences: make(map[string][]func(payload types.Buffer) (types.Buffer, error)),
		calls:     make(map[string]int),
	}
}

func (c *cannedBulk) Fetch(ctx context.Context, peer, localID types.PeerId, overlay types.OverlayId, name string, payload types.Buffer, maxSize int64, deadline time.Time) (types.Buffer, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return types.Buffer{}, ctx.Err()
		case <-time.After(time.Until(deadline)):
			return types.Buffer{}, context.DeadlineExceeded
		case <-time.After(c.delay):
		}
	}
	seq, ok := c.sequences[name]
	if !ok {
		return types.Buffer{}, errors.Errorf("unexpected bulk fetch %q", name)
	}
	idx := c.calls[name]
	c.calls[name] = idx + 1
	if idx >= len(seq) {
		return types.Buffer{}, errors.Errorf("no more canned responses for %q", name)
	}
	return seq[idx](payload)
}

// fakeOverlay always returns the same fixed peer list.
type fakeOverlay struct {
	peers []types.PeerId
	err   error
}

func (o *fakeOverlay) GetRandomPeers(ctx context.Context, overlay types.OverlayId, count int) ([]types.PeerId, error) {
	if o.err != nil {
		return nil, o.err
	}
	if count > len(o.peers) {
		count = len(o.peers)
	}
	return o.peers[:count], nil
}

func mkPeerID(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}
