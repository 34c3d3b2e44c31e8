package reliable

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the publish progress of one record.
type Status struct {
	Name          string    `json:"name"`
	Fragments     int       `json:"fragments"`
	Acked         int       `json:"acked"`
	Cells         int       `json:"cells"`
	Attempts      int       `json:"attempts"`
	Stalled       int       `json:"stalled_rounds"`
	Done          bool      `json:"done"`
	QueuedAt      time.Time `json:"queued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Tracker stores publish status by record name.
type Tracker struct {
	mu    sync.RWMutex
	items map[string]Status
}

func NewTracker() *Tracker {
	return &Tracker{
		items: make(map[string]Status),
	}
}

func (t *Tracker) Upsert(item Status) {
	key := strings.TrimSpace(item.Name)
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[key] = item
}

// MarkAttempt records one round. Rounds that set no new ack cell count as
// stalled; any progress resets the stall count.
func (t *Tracker) MarkAttempt(name string, at time.Time, acked, cells int, done bool, lastErr string) (Status, bool) {
	key := strings.TrimSpace(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[key]
	if !ok {
		return Status{}, false
	}
	item.Attempts++
	if acked > item.Acked {
		item.Stalled = 0
	} else {
		item.Stalled++
	}
	item.Acked = acked
	item.Cells = cells
	item.Done = done
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	t.items[key] = item
	return item, true
}

// SetError replaces the last error without counting a round.
func (t *Tracker) SetError(name, lastErr string) {
	key := strings.TrimSpace(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[key]
	if !ok {
		return
	}
	item.LastError = strings.TrimSpace(lastErr)
	t.items[key] = item
}

func (t *Tracker) Remove(name string) {
	key := strings.TrimSpace(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

func (t *Tracker) Get(name string) (Status, bool) {
	key := strings.TrimSpace(name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[key]
	return item, ok
}

func (t *Tracker) List() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
