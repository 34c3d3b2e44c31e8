package knowledge

import (
	"errors"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const shardCount = 32

// ErrStaleUpdate marks an update that lost clock/quality arbitration. It is an
// outcome, not a failure: callers count it and move on.
var ErrStaleUpdate = errors.New("knowledge: stale update")

// Store is the surface the transport layer needs from a knowledge base.
type Store interface {
	Get(key string) (Record, bool)
	TryApply(key string, rec Record, clock uint64, quality uint32) bool
	CurrentClock() uint64
	SetQuality(key string, quality uint32)
}

type entry struct {
	rec          Record
	writeQuality uint32
}

type shard struct {
	mu      sync.RWMutex
	records map[string]entry
}

// Base is an in-memory knowledge base with per-key last-writer-wins
// arbitration and a Lamport clock. Keys are spread over lock shards so
// concurrent appliers only contend on the same shard.
type Base struct {
	shards [shardCount]shard
	clock  atomic.Uint64

	modMu    sync.Mutex
	modified map[string]struct{}
}

var _ Store = (*Base)(nil)

func NewBase() *Base {
	b := &Base{modified: make(map[string]struct{})}
	for i := range b.shards {
		b.shards[i].records = make(map[string]entry)
	}
	return b
}

func (b *Base) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &b.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the record stored under key.
func (b *Base) Get(key string) (Record, bool) {
	s := b.shardFor(key)
	s.mu.RLock()
	e, ok := s.records[key]
	s.mu.RUnlock()
	if !ok || !e.rec.Exists() {
		return Record{}, false
	}
	return e.rec, true
}

// TryApply stores rec under key if clock is newer than the stored clock, or
// equal with a higher quality. It reports whether the update won.
func (b *Base) TryApply(key string, rec Record, clock uint64, quality uint32) bool {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[key]
	if ok && cur.rec.Exists() && !Newer(clock, quality, cur.rec.Clock, cur.rec.Quality) {
		return false
	}
	rec.Clock = clock
	rec.Quality = quality
	cur.rec = rec
	s.records[key] = cur
	b.observe(clock)
	return true
}

// Newer is the arbitration rule: a strictly greater clock wins, equal clocks
// fall back to strictly greater quality.
func Newer(clock uint64, quality uint32, curClock uint64, curQuality uint32) bool {
	if clock != curClock {
		return clock > curClock
	}
	return quality > curQuality
}

// Set is a local write. It stamps rec with the next clock tick and the key's
// write quality and marks the key modified for the next send.
func (b *Base) Set(key string, rec Record) Record {
	s := b.shardFor(key)
	s.mu.Lock()
	cur := s.records[key]
	rec.Clock = b.tick(cur.rec.Clock)
	rec.Quality = cur.writeQuality
	cur.rec = rec
	s.records[key] = cur
	s.mu.Unlock()

	b.markModified(key)
	return rec
}

// SetQuality sets the write quality used for future local writes of key and
// restamps the current record.
func (b *Base) SetQuality(key string, quality uint32) {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.records[key]
	cur.writeQuality = quality
	if cur.rec.Exists() {
		cur.rec.Quality = quality
	}
	s.records[key] = cur
}

// CurrentClock returns the Lamport clock.
func (b *Base) CurrentClock() uint64 {
	return b.clock.Load()
}

// Modify marks an existing key for resend without changing its value.
func (b *Base) Modify(key string) bool {
	if _, ok := b.Get(key); !ok {
		return false
	}
	b.markModified(key)
	return true
}

// TakeModified returns the records marked modified since the last call and
// clears the set.
func (b *Base) TakeModified() map[string]Record {
	b.modMu.Lock()
	keys := b.modified
	b.modified = make(map[string]struct{})
	b.modMu.Unlock()

	out := make(map[string]Record, len(keys))
	for key := range keys {
		if rec, ok := b.Get(key); ok {
			out[key] = rec
		}
	}
	return out
}

// ModifiedCount reports how many keys are waiting to be sent.
func (b *Base) ModifiedCount() int {
	b.modMu.Lock()
	defer b.modMu.Unlock()
	return len(b.modified)
}

// Keys lists keys with prefix in lexical order.
func (b *Base) Keys(prefix string) []string {
	out := make([]string, 0)
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.RLock()
		for k, e := range s.records {
			if e.rec.Exists() && strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Snapshot copies every record. Cross-key consistency is not guaranteed.
func (b *Base) Snapshot() map[string]Record {
	out := make(map[string]Record)
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.RLock()
		for k, e := range s.records {
			if e.rec.Exists() {
				out[k] = e.rec
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (b *Base) Len() int {
	n := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.RLock()
		for _, e := range s.records {
			if e.rec.Exists() {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

func (b *Base) markModified(key string) {
	b.modMu.Lock()
	b.modified[key] = struct{}{}
	b.modMu.Unlock()
}

// tick advances the clock past both its current value and floor.
func (b *Base) tick(floor uint64) uint64 {
	for {
		old := b.clock.Load()
		next := max(old, floor) + 1
		if b.clock.CompareAndSwap(old, next) {
			return next
		}
	}
}

// observe raises the clock to at least seen.
func (b *Base) observe(seen uint64) {
	for {
		old := b.clock.Load()
		if old >= seen || b.clock.CompareAndSwap(old, seen) {
			return
		}
	}
}
