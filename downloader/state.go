package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/ton-blockchain/ton-sub002/peerquality"
	"github.com/ton-blockchain/ton-sub002/token"
	"github.com/ton-blockchain/ton-sub002/types"
)

// PersistentStateDownloader implements spec.md §4.H: downloads a zero-state
// or persistent state in sequential slices, reassembles, and reports
// progress.
type PersistentStateDownloader struct {
	deps *Deps

	id        types.BlockId
	mcID      types.BlockId // zero value means "zero-state, no masterchain anchor"
	localID   types.PeerId
	overlayID types.OverlayId
	peer      types.PeerId
	priority  int
	deadline  time.Time
}

func NewPersistentStateDownloader(
	deps *Deps,
	id types.BlockId,
	mcID types.BlockId,
	localID types.PeerId,
	overlayID types.OverlayId,
	peer types.PeerId,
	priority int,
	deadline time.Time,
) *PersistentStateDownloader {
	return &PersistentStateDownloader{
		deps:      deps,
		id:        id,
		mcID:      mcID,
		localID:   localID,
		overlayID: overlayID,
		peer:      peer,
		priority:  priority,
		deadline:  deadline,
	}
}

func (s *PersistentStateDownloader) isZeroState() bool {
	return s.mcID.IsZero()
}

// Run implements spec.md §4.H steps 1-6.
func (s *PersistentStateDownloader) Run(ctx context.Context) (types.Buffer, error) {
	ctx, span := trace.StartSpan(ctx, "downloader.persistentState")
	defer span.End()
	ctx, cancel := context.WithDeadline(ctx, s.deadline)
	defer cancel()

	if cached, ok, err := s.deps.Manager.GetPersistentState(ctx, s.id, s.mcID); err == nil && ok {
		return cached, nil
	}

	tok, err := s.deps.Tokens.Acquire(ctx, token.KindState, s.priority, s.deadline)
	if err != nil {
		return types.Buffer{}, newErr(KindResourceExhausted, err, "acquire download token")
	}
	defer tok.Release()

	peer, err := selectSinglePeer(ctx, s.deps, s.overlayID, s.peer)
	if err != nil {
		return types.Buffer{}, newErr(KindResourceExhausted, err, "select peer")
	}
	s.peer = peer
	if !peer.IsZero() {
		s.deps.commitPeer(peer)
	}

	fail := func(kind ErrorKind, cause error, format string, args ...interface{}) (types.Buffer, error) {
		if !peer.IsZero() {
			s.deps.Registry.RecordFailure(peer, peerquality.FailureGeneric)
			s.deps.releasePeer(peer)
		}
		return types.Buffer{}, newErr(kind, cause, format, args...)
	}

	prepareName := queryPreparePersistent
	if s.isZeroState() {
		prepareName = queryPrepareZeroState
	}
	prepReply, err := controlQuery(ctx, s.deps, peer, s.localID, s.overlayID, prepareName, encodePersistentStateRequest(s.id, s.mcID), s.deps.Config.PreparePersistentStateTimeout)
	if err != nil {
		return fail(KindTimeout, err, prepareName)
	}
	kind, err := decodePreparedReply(prepReply)
	if err != nil {
		return fail(KindProtocol, err, "decode %s reply", prepareName)
	}
	if kind == preparedNotFound {
		return fail(KindNotReady, nil, "%s: not found", prepareName)
	}

	if s.isZeroState() {
		raw, err := bulkFetch(ctx, s.deps, peer, s.localID, s.overlayID, queryDownloadZeroState, encodeBlockIDRequest(s.id), s.deps.Config.MaxStateSize, s.deps.Config.ZeroStateTimeout)
		if err != nil {
			return fail(KindTimeout, err, queryDownloadZeroState)
		}
		if !peer.IsZero() {
			s.deps.Registry.RecordSuccess(peer, int64(raw.Len()), 0)
			s.deps.releasePeer(peer)
		}
		return raw, nil
	}

	var totalSize int64
	if sizeReply, err := controlQuery(ctx, s.deps, peer, s.localID, s.overlayID, queryPersistentStateSize, encodePersistentStateRequest(s.id, s.mcID), s.deps.Config.PersistentStateSizeTimeout); err == nil {
		if size, err := decodePersistentStateSize(sizeReply); err == nil {
			totalSize = size
		}
	}

	start := time.Now()
	rc := ratecounter.NewRateCounter(time.Second)
	lastLogged := time.Now()
	var loggedOffset, offset int64
	var parts []types.Buffer

	for {
		chunk, err := bulkFetch(ctx, s.deps, peer, s.localID, s.overlayID, queryPersistentStateSlice, encodePersistentStateSliceRequest(s.id, s.mcID, offset, s.deps.Config.Slice), s.deps.Config.Slice, s.deps.Config.PersistentStateSliceTimeout)
		if err != nil {
			return fail(KindTimeout, err, "download_persistent_state_slice at offset %d", offset)
		}

		parts = append(parts, chunk)
		rc.Incr(int64(chunk.Len()))
		offset += int64(chunk.Len())

		if time.Since(lastLogged) >= s.deps.Config.ProgressLogIntervalState {
			speed := float64(offset-loggedOffset) / time.Since(lastLogged).Seconds()
			msg := fmt.Sprintf("bytes=%d speed_bps=%.0f", offset, speed)
			if totalSize > 0 {
				pct := float64(offset) / float64(totalSize) * 100
				remaining := totalSize - offset
				eta := time.Duration(0)
				if speed > 0 {
					eta = time.Duration(float64(remaining)/speed) * time.Second
				}
				msg = fmt.Sprintf("%s percent=%.1f eta=%s", msg, pct, eta)
			}
			s.deps.Manager.ReportProgress("persistent_state", msg)
			lastLogged = time.Now()
			loggedOffset = offset
		}

		if int64(chunk.Len()) < s.deps.Config.Slice {
			break
		}
	}

	full := types.Concat(parts)
	if int64(full.Len()) != offset {
		return fail(KindProtocol, nil, "reassembled state length %d does not match accumulated offset %d", full.Len(), offset)
	}

	elapsed := time.Since(start)
	if !peer.IsZero() {
		s.deps.Registry.RecordSuccess(peer, offset, elapsed)
		s.deps.releasePeer(peer)
	}
	log.WithFields(logrus.Fields{"id": s.id, "bytes": offset}).Info("persistent state download complete")
	_ = rc
	return full, nil
}
