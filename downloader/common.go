package downloader

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ton-blockchain/ton-sub002/capability"
	"github.com/ton-blockchain/ton-sub002/config"
	"github.com/ton-blockchain/ton-sub002/peerquality"
	"github.com/ton-blockchain/ton-sub002/token"
	"github.com/ton-blockchain/ton-sub002/transport"
	"github.com/ton-blockchain/ton-sub002/types"
)

var log = logrus.WithField("prefix", "downloader")

// activeAttemptsSet is the process-wide "currently downloading from" set of
// spec.md §3.4/§5, used only for logging/diagnostics and coarse-locked per
// the spec's explicit allowance.
type activeAttemptsSet struct {
	mu    sync.Mutex
	peers map[types.PeerId]struct{}
}

func newActiveAttemptsSet() *activeAttemptsSet {
	return &activeAttemptsSet{peers: make(map[types.PeerId]struct{})}
}

func (s *activeAttemptsSet) insert(p types.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p] = struct{}{}
}

func (s *activeAttemptsSet) erase(p types.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p)
}

func (s *activeAttemptsSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Deps bundles the shared collaborators every downloader needs: the two
// process-wide registries, the token admission manager, the capability
// cache, the transports, and the active-attempts set. One Deps value is
// constructed by the validator-engine process and shared by reference into
// every downloader constructor (spec.md's Design Notes "single owner"
// guidance).
type Deps struct {
	Registry     *peerquality.Registry
	Availability *peerquality.AvailabilityRegistry
	Tokens       *token.Manager
	Capabilities *capability.Cache
	Config       config.Config

	Manager  transport.Manager
	Control  transport.ControlTransport
	Bulk     transport.BulkTransport
	Overlay  transport.Overlay
	External transport.ExternalClient // nil unless operating as a thin client

	active *activeAttemptsSet
}

// NewDeps constructs a Deps, initializing the active-attempts set.
func NewDeps(
	registry *peerquality.Registry,
	availability *peerquality.AvailabilityRegistry,
	tokens *token.Manager,
	caps *capability.Cache,
	cfg config.Config,
	mgr transport.Manager,
	control transport.ControlTransport,
	bulk transport.BulkTransport,
	overlay transport.Overlay,
	external transport.ExternalClient,
) *Deps {
	return &Deps{
		Registry:     registry,
		Availability: availability,
		Tokens:       tokens,
		Capabilities: caps,
		Config:       cfg,
		Manager:      mgr,
		Control:      control,
		Bulk:         bulk,
		Overlay:      overlay,
		External:     external,
		active:       newActiveAttemptsSet(),
	}
}

// usesExternalClient reports whether this Deps operates in thin-client mode
// (spec.md §6.2's external-client bypass).
func (d *Deps) usesExternalClient() bool {
	return d.External != nil
}

// commitPeer is the single call site for record_usage, per SPEC_FULL.md §9
// ("this port takes record_usage exactly once, at the moment... the peer is
// irrevocably chosen"), and inserts the peer into the active-attempts set
// (spec.md §3.4 step 4/5, §5 ordering guarantee (ii)).
func (d *Deps) commitPeer(peer types.PeerId) {
	d.active.insert(peer)
	d.Registry.RecordUsage(peer)
	log.WithField("peer", peer).Debug("committed peer for download")
}

// releasePeer erases peer from the active-attempts set (spec.md §5
// ordering guarantee (ii): "the erase happens-before the task terminates").
func (d *Deps) releasePeer(peer types.PeerId) {
	d.active.erase(peer)
}

// selectSinglePeer implements the "choose a peer (either the supplied one or
// one random peer from the overlay)" step shared by the block downloader,
// next-block descriptor, proof downloader, key-block walker and persistent
// state downloader (spec.md §4.E-§4.H).
func selectSinglePeer(ctx context.Context, d *Deps, overlayID types.OverlayId, supplied types.PeerId) (types.PeerId, error) {
	if !supplied.IsZero() || d.usesExternalClient() {
		return supplied, nil
	}
	peers, err := d.Overlay.GetRandomPeers(ctx, overlayID, 1)
	if err != nil {
		return types.PeerId{}, err
	}
	if len(peers) == 0 {
		return types.PeerId{}, newErr(KindResourceExhausted, nil, "overlay returned no peers")
	}
	return peers[0], nil
}
