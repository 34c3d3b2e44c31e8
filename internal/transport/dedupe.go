package transport

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/danmuck/kbcast/internal/protocol/frame"
)

const (
	seenCapacity = 100000
	seenFPRate   = 0.01
)

// seenFilter remembers forwarded messages so a node relays each at most
// once. The filter is cleared when it reaches capacity.
type seenFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	count  uint
}

func newSeenFilter() *seenFilter {
	return &seenFilter{filter: bloom.NewWithEstimates(seenCapacity, seenFPRate)}
}

// firstSighting records the message and reports whether it was new. The
// identity covers originator, clock, timestamp and body, so a resend in a
// later second is relayed again.
func (s *seenFilter) firstSighting(h frame.Header, body []byte) bool {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(h.Originator))
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], h.Clock)
	binary.BigEndian.PutUint64(buf[8:16], h.Timestamp)
	binary.BigEndian.PutUint64(buf[16:24], uint64(len(body)))
	_, _ = hash.Write(buf[:])
	_, _ = hash.Write(body)
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], hash.Sum64())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count >= seenCapacity {
		s.filter.ClearAll()
		s.count = 0
	}
	if s.filter.TestAndAdd(key[:]) {
		return false
	}
	s.count++
	return true
}
