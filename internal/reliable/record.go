package reliable

import (
	"errors"
	"sync"

	"github.com/danmuck/kbcast/internal/knowledge"
)

const (
	// FragmentLimit is the largest value slice carried by one fragment.
	FragmentLimit = 50000
	// MaxFragments bounds the fragment count of one record, published or
	// received.
	MaxFragments = 1 << 16
)

var (
	ErrAckTimeout   = errors.New("reliable: fragment unacknowledged after max rounds")
	ErrInvalidCount = errors.New("reliable: fragment count out of range")
)

// Store is the knowledge base surface a Record writes through.
type Store interface {
	knowledge.Store
	Set(key string, rec knowledge.Record) knowledge.Record
	Modify(key string) bool
}

type Option func(*Record)

// WithParticipant sets the local id and the expected participant count.
func WithParticipant(id, processes int) Option {
	return func(r *Record) {
		r.id = id
		r.processes = processes
	}
}

// WithFragmentLimit overrides FragmentLimit.
func WithFragmentLimit(limit int) Option {
	return func(r *Record) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

// Record is a reliably published value. All methods are safe for concurrent
// use; the mutex is never held while the network is used.
type Record struct {
	mu        sync.Mutex
	name      string
	store     Store
	id        int
	processes int
	limit     int

	fragments []knowledge.Record
	acks      [][]bool

	currentFragment int
	currentAck      int
}

// New binds a record to name in store and syncs fragments from the current
// value. Defaults are id 0 with two participants.
func New(name string, store Store, opts ...Option) *Record {
	r := &Record{name: name, store: store, processes: 2, limit: FragmentLimit}
	for _, opt := range opts {
		opt(r)
	}
	if r.processes < 1 {
		r.processes = 1
	}
	r.Sync()
	return r
}

func (r *Record) Name() string {
	return r.name
}

func (r *Record) ID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Record) Processes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processes
}

func (r *Record) FragmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fragments)
}

// Sync re-reads the value and rebuilds fragments and ack vectors. All prior
// ack state is discarded and both cursors return to zero.
func (r *Record) Sync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncLocked()
}

// Resize changes the local id and participant count, then syncs.
func (r *Record) Resize(id, participants int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
	r.processes = max(participants, 1)
	r.syncLocked()
}

func (r *Record) syncLocked() {
	value, ok := r.store.Get(r.name)
	var parts []knowledge.Record
	if ok {
		parts = split(r.name, value, r.limit)
	}

	r.fragments = make([]knowledge.Record, len(parts))
	for i, part := range parts {
		r.fragments[i] = r.store.Set(fragmentKey(r.name, i), part)
	}
	r.store.Set(countKey(r.name), knowledge.NewInteger(int64(len(parts))))

	r.acks = make([][]bool, len(parts))
	for i := range r.acks {
		r.acks[i] = make([]bool, r.processes)
	}
	r.currentFragment = 0
	r.currentAck = 0
}

// split cuts value into fragments whose value bytes fit limit without
// splitting a multi-byte element.
func split(name string, value knowledge.Record, limit int) []knowledge.Record {
	if value.EncodedSize(name) < limit {
		return []knowledge.Record{value}
	}
	elem := max(value.Type.ElementSize(), 1)
	size := value.Size()
	perFragment := max(limit/elem, 1, (size+MaxFragments-1)/MaxFragments)
	out := make([]knowledge.Record, 0, (size+perFragment-1)/perFragment)
	for first := 0; first < size; first += perFragment {
		out = append(out, value.Slice(first, first+perFragment))
	}
	return out
}

// Ack sets the (fragment, participant) cell. It reports false for cells out
// of range.
func (r *Record) Ack(fragment, participant int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fragment < 0 || fragment >= len(r.acks) || participant < 0 || participant >= r.processes {
		return false
	}
	r.acks[fragment][participant] = true
	return true
}

// AbsorbAcks reads ack records from the store and sets the matching cells.
// An ack counts only if it names a clock at least as new as the fragment
// this record published. It returns the number of newly set cells.
func (r *Record) AbsorbAcks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, frag := range r.fragments {
		for j := range r.acks[i] {
			if r.acks[i][j] {
				continue
			}
			ack, ok := r.store.Get(ackKey(r.name, i, j))
			if !ok || ack.Int() < 0 || uint64(ack.Int()) < frag.Clock {
				continue
			}
			r.acks[i][j] = true
			n++
		}
	}
	return n
}

// Acked counts set cells.
func (r *Record) Acked() (set, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.acks {
		for _, ok := range row {
			if ok {
				set++
			}
		}
		total += len(row)
	}
	return set, total
}

// IsDone reports whether every ack cell is set. The scan resumes from the
// last unacknowledged cell it found.
func (r *Record) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanLocked()
}

// Next marks the first unacknowledged fragment modified so the next send
// carries it, together with the fragment count receivers need before they
// can ack. It returns that fragment index, or false when done.
func (r *Record) Next() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanLocked() {
		return -1, false
	}
	r.store.Modify(countKey(r.name))
	r.store.Modify(fragmentKey(r.name, r.currentFragment))
	return r.currentFragment, true
}

// SetQuality forwards quality to the store for the value and its fragments.
func (r *Record) SetQuality(quality uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.SetQuality(r.name, quality)
	for i := range r.fragments {
		r.store.SetQuality(fragmentKey(r.name, i), quality)
	}
}

// scanLocked advances the cursors past acknowledged cells. The cursors only
// move forward until the next sync.
func (r *Record) scanLocked() bool {
	for ; r.currentFragment < len(r.acks); r.currentFragment++ {
		row := r.acks[r.currentFragment]
		for ; r.currentAck < len(row); r.currentAck++ {
			if !row[r.currentAck] {
				return false
			}
		}
		r.currentAck = 0
	}
	return true
}
