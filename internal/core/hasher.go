package core

import (
	"crypto/sha256"
	"encoding/binary"

	"EqualisLedger/internal/event"
)

const GenesisHashSeed = "EqualisLedger:genesis:v1"

// chainLink is everything one logged envelope commits to besides the
// previous tip.
type chainLink struct {
	Sequence  int64
	EventType event.EventType
	PoolID    uint32
	Rejected  bool
	Digest    []byte
}

// StateHasher folds envelopes into a SHA-256 chain:
//
//	tip[N] = SHA-256(tip[N-1] || seq BE64 || type BE32 || pool BE32 || rejected || len(digest) BE32 || digest)
//
// Binding the event type and the rejection flag means a replay that
// applies a command the live run rejected cannot reproduce the tip, even
// when the pool digest happens to match.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// Extend appends link to the chain and returns the new tip.
func (h *StateHasher) Extend(link chainLink) [32]byte {
	var hdr [8 + 4 + 4 + 1 + 4]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(link.Sequence))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(link.EventType))
	binary.BigEndian.PutUint32(hdr[12:16], link.PoolID)
	if link.Rejected {
		hdr[16] = 1
	}
	binary.BigEndian.PutUint32(hdr[17:21], uint32(len(link.Digest)))

	sum := sha256.New()
	sum.Write(h.tip[:])
	sum.Write(hdr[:])
	sum.Write(link.Digest)
	sum.Sum(h.tip[:0])
	return h.tip
}

// Tip is the hash of the last envelope folded in, or GenesisHash.
func (h *StateHasher) Tip() [32]byte {
	return h.tip
}

// Reset resumes the chain from a snapshot.
func (h *StateHasher) Reset(tip [32]byte) {
	h.tip = tip
}

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}
