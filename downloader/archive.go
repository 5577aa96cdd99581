package downloader

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/ton-blockchain/ton-sub002/peerquality"
	"github.com/ton-blockchain/ton-sub002/selector"
	"github.com/ton-blockchain/ton-sub002/token"
	"github.com/ton-blockchain/ton-sub002/types"
)

// archiveOverlayFetchCount/archiveOverlayFetchCountFallback are the "ask the
// overlay for N random peers" sizes of spec.md §4.D step 3.
const (
	archiveOverlayFetchCount         = 6
	archiveOverlayFetchCountFallback = 12
	archiveSelectorCount             = 3
	archiveTopNodesPool              = 5
	archiveLightlyUsedWindow         = 900 * time.Second
	archiveKnownGoodProbability      = 60 // percent
	archiveBurdenSummaryEvery        = 5
)

// ArchiveSliceDownloader streams one archive slice from one chosen peer in
// Config.Slice-sized chunks, per spec.md §4.D. It is grounded on
// original_source/validator/net/download-archive-slice.cpp's DownloadArchiveSlice
// actor, restructured as a single straight-line Run method.
type ArchiveSliceDownloader struct {
	deps *Deps

	seqno       types.Seqno
	shardPrefix types.ShardPrefix
	tempDir     string
	localID     types.PeerId
	overlayID   types.OverlayId
	peer        types.PeerId // zero if unspecified
	priority    int
	deadline    time.Time

	rng *rand.Rand
}

// NewArchiveSliceDownloader constructs a downloader for one archive slice.
// peer may be the zero types.PeerId{} to mean "let the downloader choose".
// rng must be non-nil (spec.md Design Notes: injectable RNG).
func NewArchiveSliceDownloader(
	deps *Deps,
	seqno types.Seqno,
	shardPrefix types.ShardPrefix,
	tempDir string,
	localID types.PeerId,
	overlayID types.OverlayId,
	peer types.PeerId,
	priority int,
	deadline time.Time,
	rng *rand.Rand,
) *ArchiveSliceDownloader {
	return &ArchiveSliceDownloader{
		deps:        deps,
		seqno:       seqno,
		shardPrefix: shardPrefix,
		tempDir:     tempDir,
		localID:     localID,
		overlayID:   overlayID,
		peer:        peer,
		priority:    priority,
		deadline:    deadline,
		rng:         rng,
	}
}

// Run executes the download to completion, returning the path of a temp
// file holding the full slice on success. On any failure the temp file is
// unlinked and a *Error is returned (spec.md §4.D "Failure semantics").
func (d *ArchiveSliceDownloader) Run(ctx context.Context) (string, error) {
	ctx, span := trace.StartSpan(ctx, "downloader.archiveSlice")
	defer span.End()
	ctx, cancel := context.WithDeadline(ctx, d.deadline)
	defer cancel()

	tok, err := d.deps.Tokens.Acquire(ctx, token.KindArchive, d.priority, d.deadline)
	if err != nil {
		return "", newErr(KindResourceExhausted, err, "acquire download token")
	}
	defer tok.Release()

	f, tmpName, err := openTemp(d.tempDir, "archive-slice-*")
	if err != nil {
		return "", newErr(KindProtocol, err, "open temp file")
	}

	abort := func(kind ErrorKind, cause error, format string, args ...interface{}) (string, error) {
		_ = f.Close()
		_ = os.Remove(tmpName)
		if !d.peer.IsZero() {
			d.deps.releasePeer(d.peer)
		}
		e := newErr(kind, cause, format, args...)
		log.WithError(e).WithFields(logrus.Fields{"seqno": d.seqno, "shard": d.shardPrefix}).Warn("archive slice download aborted")
		return "", e
	}

	// Step: availability gate (spec.md §4.D step 2).
	d.deps.Availability.NoteAttempt(d.seqno)
	if d.deps.Availability.IsLikelyUnavailable(d.seqno) {
		delay := d.deps.Availability.RecommendedDelay(d.seqno)
		log.WithFields(logrus.Fields{"seqno": d.seqno, "delay": delay}).Info("seqno likely unavailable, deferring")
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return abort(KindTimeout, ctx.Err(), "deadline during availability back-off")
		case <-timer.C:
		}
	}

	// Step: peer selection (spec.md §4.D step 3).
	peer := d.peer
	if peer.IsZero() && !d.deps.usesExternalClient() {
		peer, err = d.selectPeer(ctx)
		if err != nil {
			return abort(KindResourceExhausted, err, "select peer")
		}
	}
	d.peer = peer
	if !peer.IsZero() {
		d.deps.commitPeer(peer)
	}

	// Step: archive-info query (spec.md §4.D step 6).
	infoTimeout := d.deps.Config.ArchiveInfoTimeout
	if d.deps.usesExternalClient() {
		infoTimeout = d.deps.Config.ArchiveInfoTimeoutClient
	}
	infoReply, err := d.queryArchiveInfo(ctx, peer, infoTimeout)
	if err != nil {
		if ae, ok := AsError(err); ok {
			return abort(ae.Kind, ae.Err, "get_archive_info")
		}
		return abort(KindProtocol, err, "get_archive_info")
	}

	archiveID := infoReply.id
	if !infoReply.found {
		d.deps.Registry.RecordFailure(peer, peerquality.FailureArchiveNotFound)
		d.deps.Availability.NoteNotFound(d.seqno)
		return abort(KindNotReady, nil, "archive not found on peer")
	}

	// Step: slice loop (spec.md §4.D step 7).
	start := time.Now()
	rc := ratecounter.NewRateCounter(time.Second)
	lastLogged := time.Now()
	var loggedOffset int64
	var offset int64

	sliceTimeout := d.deps.Config.ArchiveSliceTimeout
	if d.deps.usesExternalClient() {
		sliceTimeout = d.deps.Config.ArchiveSliceTimeoutClient
	}

	for {
		chunk, err := d.fetchSlice(ctx, peer, archiveID, offset, d.deps.Config.Slice, sliceTimeout)
		if err != nil {
			d.deps.Registry.RecordFailure(peer, peerquality.FailureGeneric)
			return abort(KindProtocol, err, "get_archive_slice at offset %d", offset)
		}

		n, err := f.WriteAt(chunk.Bytes(), offset)
		if err != nil {
			d.deps.Registry.RecordFailure(peer, peerquality.FailureGeneric)
			return abort(KindProtocol, err, "write temp file at offset %d", offset)
		}
		if int64(n) != int64(chunk.Len()) {
			d.deps.Registry.RecordFailure(peer, peerquality.FailureGeneric)
			return abort(KindProtocol, nil, "short write to temp file at offset %d", offset)
		}

		rc.Incr(int64(n))
		offset += int64(n)

		if time.Since(lastLogged) >= d.deps.Config.ProgressLogIntervalArchive {
			speed := float64(offset-loggedOffset) / time.Since(lastLogged).Seconds()
			d.deps.Manager.ReportProgress("archive_slice", fmt.Sprintf(
				"seqno=%d bytes=%d speed_bps=%.0f", d.seqno, offset, speed,
			))
			lastLogged = time.Now()
			loggedOffset = offset
		}

		if int64(chunk.Len()) < d.deps.Config.Slice {
			break
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		if !peer.IsZero() {
			d.deps.releasePeer(peer)
		}
		return "", newErr(KindProtocol, err, "close temp file")
	}

	elapsed := time.Since(start)
	d.deps.Registry.RecordSuccess(peer, offset, elapsed)
	if !peer.IsZero() {
		d.deps.releasePeer(peer)
	}

	if rec, ok := d.deps.Registry.Snapshot(peer); ok && rec.Successes%archiveBurdenSummaryEvery == 0 {
		d.deps.Registry.LogBurdenSummary(5)
	}

	log.WithFields(logrus.Fields{
		"seqno": d.seqno, "shard": d.shardPrefix, "bytes": offset, "peer": peer,
	}).Info("archive slice download complete")
	_ = rc // kept alive for the lifetime of the loop; instantaneous rate is reported via offset deltas above
	return tmpName, nil
}

// selectPeer implements spec.md §4.D step 3.
func (d *ArchiveSliceDownloader) selectPeer(ctx context.Context) (types.PeerId, error) {
	good := d.deps.Registry.KnownGoodPeers()
	if len(good) > 0 && d.rng.Intn(100) < archiveKnownGoodProbability {
		var fresh []types.PeerId
		for _, p := range good {
			rec, ok := d.deps.Registry.Snapshot(p)
			if ok && rec.IsOverused(d.deps.Registry.Now()) {
				continue
			}
			fresh = append(fresh, p)
		}
		if len(fresh) > 0 {
			pool := fresh
			if lightly := d.deps.Registry.LightlyUsedSince(fresh, archiveLightlyUsedWindow); len(lightly) > 0 {
				pool = lightly
			}
			sortPeersByScoreDesc(pool, d.deps.Registry)
			top := pool
			if len(top) > archiveTopNodesPool {
				top = top[:archiveTopNodesPool]
			}
			return top[d.rng.Intn(len(top))], nil
		}
	}

	peers, err := d.deps.Overlay.GetRandomPeers(ctx, d.overlayID, archiveOverlayFetchCount)
	if err != nil {
		return types.PeerId{}, err
	}
	if len(peers) == 0 {
		return types.PeerId{}, newErr(KindResourceExhausted, nil, "overlay returned no peers")
	}
	chosen := selector.Select(peers, archiveSelectorCount, d.deps.Registry, d.rng)
	if len(chosen) > 0 {
		return chosen[0], nil
	}

	peers, err = d.deps.Overlay.GetRandomPeers(ctx, d.overlayID, archiveOverlayFetchCountFallback)
	if err != nil {
		return types.PeerId{}, err
	}
	if len(peers) == 0 {
		return types.PeerId{}, newErr(KindResourceExhausted, nil, "no fallback peers available")
	}
	return peers[0], nil
}

func sortPeersByScoreDesc(peers []types.PeerId, reg *peerquality.Registry) {
	now := reg.Now()
	scoreOf := func(p types.PeerId) float64 {
		rec, ok := reg.Snapshot(p)
		if !ok {
			return 0.5
		}
		return rec.Score(now)
	}
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && scoreOf(peers[j]) > scoreOf(peers[j-1]); j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
}

func openTemp(dir, pattern string) (*os.File, string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, "", err
	}
	return f, f.Name(), nil
}
