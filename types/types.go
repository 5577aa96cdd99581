// Package types holds the small, dependency-free value types shared across
// the peer-selection and download subsystem: peer and overlay identifiers,
// block ids, shard prefixes, and the buffer type that payloads flow through.
package types

import (
	"crypto/sha256"
	"fmt"
)

// PeerId is an opaque 256-bit node identifier, equatable and orderable by
// byte value. It plays the role of libp2p's peer.ID / ADNL's AdnlNodeIdShort
// in the overlay this subsystem talks to.
type PeerId [32]byte

// IsZero reports whether p is the reserved zero id, used to signal "no
// explicit peer supplied" / "use the bound external client" throughout the
// downloaders.
func (p PeerId) IsZero() bool {
	return p == PeerId{}
}

// Less gives PeerId a total order by byte value.
func (p PeerId) Less(o PeerId) bool {
	for i := range p {
		if p[i] != o[i] {
			return p[i] < o[i]
		}
	}
	return false
}

func (p PeerId) String() string {
	return fmt.Sprintf("%x", p[:4])
}

// OverlayId is an opaque 256-bit overlay identifier.
type OverlayId [32]byte

func (o OverlayId) String() string {
	return fmt.Sprintf("%x", o[:4])
}

// Hash256 is a 256-bit digest, used both as content identity (file_hash,
// root_hash) and as an integrity seal over downloaded payloads.
type Hash256 [32]byte

func (h Hash256) String() string {
	return fmt.Sprintf("%x", h[:])
}

// ShardPrefix identifies a workchain and a shard bitmask within it. The
// special masterchain prefix has Workchain == MasterchainWorkchain.
type ShardPrefix struct {
	Workchain int32
	Shard     uint64
}

// MasterchainWorkchain is the reserved workchain id of the coordination
// chain.
const MasterchainWorkchain int32 = -1

// IsMasterchain reports whether this prefix denotes the masterchain.
func (s ShardPrefix) IsMasterchain() bool {
	return s.Workchain == MasterchainWorkchain
}

func (s ShardPrefix) String() string {
	return fmt.Sprintf("(%d,%016x)", s.Workchain, s.Shard)
}

// Seqno is a masterchain block sequence number.
type Seqno uint32

// BlockId identifies a single block: its position (workchain, shard, seqno)
// plus the two hashes that seal its content.
type BlockId struct {
	Workchain int32
	Shard     uint64
	Seqno     uint32
	RootHash  Hash256
	FileHash  Hash256
}

// IsZero reports whether id is the unset BlockId{}, used as a sentinel for
// "no next block known" / "no masterchain anchor" (zero-state case).
func (id BlockId) IsZero() bool {
	return id == BlockId{}
}

func (id BlockId) ShardPrefix() ShardPrefix {
	return ShardPrefix{Workchain: id.Workchain, Shard: id.Shard}
}

func (id BlockId) String() string {
	return fmt.Sprintf("(%d,%016x,%d)", id.Workchain, id.Shard, id.Seqno)
}

// Buffer is a cheaply-shared, sliceable owned byte sequence. A Buffer value
// is safe to pass by value; the backing array is never mutated after
// construction, so sub-slicing never requires a copy.
type Buffer struct {
	data []byte
}

// NewBuffer takes ownership of b and wraps it; callers must not mutate b
// afterwards.
func NewBuffer(b []byte) Buffer {
	return Buffer{data: b}
}

func (b Buffer) Bytes() []byte {
	return b.data
}

func (b Buffer) Len() int {
	return len(b.data)
}

// Slice returns the sub-range [from:to) without copying.
func (b Buffer) Slice(from, to int) Buffer {
	return Buffer{data: b.data[from:to]}
}

// Hash256 returns the sha256 digest of the buffer's content.
func (b Buffer) Hash256() Hash256 {
	return sha256.Sum256(b.data)
}

// Concat concatenates a list of buffers into one contiguous buffer, copying
// once. Used by the persistent-state downloader to reassemble slices.
func Concat(parts []Buffer) Buffer {
	total := 0
	for _, p := range parts {
		total += p.Len()
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p.data...)
	}
	return Buffer{data: out}
}
