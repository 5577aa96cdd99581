// Package token implements the download-token admission control of spec.md
// §5/§6.1: an admission gate a downloader acquires before it consumes a
// peer slot. Grounded on blocks_fetcher.go's use of
// github.com/kevinms/leakybucket-go as a per-peer rate limiter; here the
// same library backs a per-kind admission budget instead, since spec.md's
// download token is a global admission gate, not a peer rate limit (peer
// rate limiting is instead expressed through peerquality's usage penalties).
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kevinms/leakybucket-go"
	"github.com/pkg/errors"
)

// Kind identifies which download class a token gates, matching the
// components of spec.md §2 that call get_download_token.
type Kind string

const (
	KindArchive Kind = "archive"
	KindBlock   Kind = "block"
	KindProof   Kind = "proof"
	KindState   Kind = "state"
)

// ErrExhausted is returned when a token cannot be acquired before the
// supplied deadline (spec.md §5 "A token-acquisition timeout aborts the
// task").
var ErrExhausted = errors.New("token: acquisition deadline exceeded")

// Token is an opaque RAII-style handle. Release marks it released but does
// not give its slot back to the bucket: the slot frees up only as the bucket
// leaks over time, whether or not Release is called. Releasing a zero Token
// is a no-op, and Release is safe to call more than once.
type Token struct {
	id       string
	bucket   *leakybucket.Collector
	key      string
	amount   int64
	released bool
}

// ID returns the token's correlation id, for log lines spanning acquire and
// release.
func (t *Token) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Release marks the token released. Safe to call multiple times or on nil.
func (t *Token) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true
	// leakybucket has no explicit "give back" primitive beyond letting the
	// bucket drain over time, so the bucket's count is left unchanged here.
}

// Manager hands out download tokens per spec.md §6.1 get_download_token. One
// Manager is shared process-wide, with one leaky bucket per Kind, sized by
// maxConcurrent at construction.
type Manager struct {
	buckets map[Kind]*leakybucket.Collector
	limits  map[Kind]int64
}

// NewManager constructs a Manager with the given per-kind concurrency
// limits. A limit of 0 means "unbounded" (no bucket is created for it).
func NewManager(limits map[Kind]int64) *Manager {
	m := &Manager{
		buckets: make(map[Kind]*leakybucket.Collector),
		limits:  limits,
	}
	for kind, limit := range limits {
		if limit <= 0 {
			continue
		}
		// rate == limit means one full refill per second; combined with
		// capacity == limit this admits at most `limit` acquisitions before
		// Remaining drops to zero, after which further Acquire calls wait
		// for deadline or for a slot to drain. Each slot drains back after
		// about 1/limit seconds regardless of how long its token is held.
		m.buckets[kind] = leakybucket.NewCollector(float64(limit), limit, false)
	}
	return m
}

// Acquire blocks (polling the bucket) until a slot is available for kind,
// ctx is cancelled, or deadline elapses first. priority appears only in the
// error returned on deadline expiry; it does not affect the order in which
// waiting callers are admitted.
func (m *Manager) Acquire(ctx context.Context, kind Kind, priority int, deadline time.Time) (*Token, error) {
	bucket, ok := m.buckets[kind]
	if !ok {
		// Unbounded kind: always admit immediately.
		return &Token{id: uuid.NewString(), key: string(kind)}, nil
	}

	key := string(kind)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if bucket.Remaining(key) >= 1 {
			bucket.Add(key, 1)
			return &Token{
				id:     uuid.NewString(),
				bucket: bucket,
				key:    key,
				amount: 1,
			}, nil
		}
		waitUntil := deadline
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(waitUntil) {
			waitUntil = ctxDeadline
		}
		if !waitUntil.IsZero() && !time.Now().Before(waitUntil) {
			return nil, errors.Wrapf(ErrExhausted, "kind=%s priority=%d", kind, priority)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("token: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
