package fragment

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultQueueLength    = 5
	DefaultTimeout        = 5 * time.Second
	DefaultMaxMessageSize = 64 << 20
)

type Config struct {
	// QueueLength bounds in-flight messages per originator. The oldest clock
	// is evicted to make room.
	QueueLength int
	// Timeout evicts sets that have not received a fragment for this long.
	Timeout time.Duration
	// MaxMessageSize rejects fragments announcing a larger reassembled
	// message.
	MaxMessageSize uint64
	Now            func() time.Time
}

func DefaultConfig() Config {
	return Config{QueueLength: DefaultQueueLength, Timeout: DefaultTimeout, MaxMessageSize: DefaultMaxMessageSize}
}

type partialSet struct {
	first    Fragment
	parts    map[uint32][]byte
	received int
	bytes    uint64
	lastSeen time.Time
}

// Map buffers fragments until a message is complete. It is safe for
// concurrent use.
type Map struct {
	mu      sync.Mutex
	cfg     Config
	sets    map[MessageID]*partialSet
	evicted uint64
}

func NewMap(cfg Config) *Map {
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = DefaultQueueLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Map{cfg: cfg, sets: make(map[MessageID]*partialSet)}
}

// Accept parses datagram and stores it. When the fragment completes its
// message the reassembled payload is returned with done=true. Duplicates
// are ignored.
func (m *Map) Accept(datagram []byte) ([]byte, bool, error) {
	f, err := Parse(datagram)
	if err != nil {
		return nil, false, err
	}
	return m.Add(f)
}

// Add stores an already parsed fragment.
func (m *Map) Add(f Fragment) ([]byte, bool, error) {
	if f.ID.TotalSize > m.cfg.MaxMessageSize {
		return nil, false, fmt.Errorf("%w: %s exceeds max message size %d", ErrMessageTooLarge, f.ID, m.cfg.MaxMessageSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	set, ok := m.sets[f.ID]
	if !ok {
		if !m.makeRoomLocked(f.ID) {
			return nil, false, fmt.Errorf("%w: %s older than queued messages", ErrFragmentSetEvicted, f.ID)
		}
		set = &partialSet{first: f, parts: make(map[uint32][]byte)}
		m.sets[f.ID] = set
	}
	if _, dup := set.parts[f.Index()]; dup {
		return nil, false, nil
	}
	if f.Total() != set.first.Total() {
		return nil, false, fmt.Errorf("%w: %s total changed %d -> %d", ErrInvalidFragment, f.ID, set.first.Total(), f.Total())
	}
	if set.bytes+uint64(len(f.Payload)) > f.ID.TotalSize {
		m.evictLocked(f.ID, "overflow")
		return nil, false, fmt.Errorf("%w: %s buffered more than total size", ErrReassemblyMismatch, f.ID)
	}
	set.parts[f.Index()] = append([]byte(nil), f.Payload...)
	set.received++
	set.bytes += uint64(len(f.Payload))
	set.lastSeen = now

	if set.received < int(set.first.Total()) {
		return nil, false, nil
	}
	delete(m.sets, f.ID)

	out := make([]byte, 0, set.bytes)
	for i := uint32(0); i < set.first.Total(); i++ {
		out = append(out, set.parts[i]...)
	}
	if uint64(len(out)) != f.ID.TotalSize {
		return nil, false, fmt.Errorf("%w: %s got=%d", ErrReassemblyMismatch, f.ID, len(out))
	}
	return out, true, nil
}

// Exists reports whether fragment index of id is already buffered.
func (m *Map) Exists(id MessageID, index uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[id]
	if !ok {
		return false
	}
	_, ok = set.parts[index]
	return ok
}

// Purge evicts sets idle for longer than the timeout and returns their ids.
func (m *Map) Purge() []MessageID {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.cfg.Now().Add(-m.cfg.Timeout)
	var out []MessageID
	for id, set := range m.sets {
		if set.lastSeen.Before(cutoff) {
			out = append(out, id)
			m.evictLocked(id, "timeout")
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Originator != out[j].Originator {
			return out[i].Originator < out[j].Originator
		}
		return out[i].Clock < out[j].Clock
	})
	return out
}

// Pending is the number of incomplete messages.
func (m *Map) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets)
}

// Evicted is the running count of sets dropped before completion.
func (m *Map) Evicted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicted
}

// Clear drops every buffered fragment without counting evictions.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets = make(map[MessageID]*partialSet)
}

// makeRoomLocked enforces the per-originator queue length. It returns false
// when the incoming id is older than everything queued for its originator.
func (m *Map) makeRoomLocked(id MessageID) bool {
	var (
		count  int
		oldest MessageID
		found  bool
	)
	for other := range m.sets {
		if other.Originator != id.Originator {
			continue
		}
		count++
		if !found || other.Clock < oldest.Clock {
			oldest = other
			found = true
		}
	}
	if count < m.cfg.QueueLength {
		return true
	}
	if id.Clock < oldest.Clock {
		m.evicted++
		return false
	}
	m.evictLocked(oldest, "queue_length")
	return true
}

func (m *Map) evictLocked(id MessageID, reason string) {
	set := m.sets[id]
	delete(m.sets, id)
	m.evicted++
	received := 0
	if set != nil {
		received = set.received
	}
	log.Warn().
		Str("component", "fragment").
		Err(ErrFragmentSetEvicted).
		Str("msg_id", id.String()).
		Str("reason", reason).
		Int("received", received).
		Msg("dropping incomplete message")
}
