package bandwidth

import (
	"sync"
	"time"
)

const DefaultWindow = time.Second

type sample struct {
	at    time.Time
	bytes uint64
}

// Monitor is a sliding-window byte counter. Samples older than the window
// are dropped lazily on the next Add or read.
type Monitor struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	samples []sample
	inWin   uint64
	total   uint64
}

type Option func(*Monitor)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(window time.Duration, opts ...Option) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	m := &Monitor{window: window, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add records n bytes at the current time.
func (m *Monitor) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evictLocked(now)
	m.samples = append(m.samples, sample{at: now, bytes: uint64(n)})
	m.inWin += uint64(n)
	m.total += uint64(n)
}

// Utilization is the byte count inside the window.
func (m *Monitor) Utilization() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(m.now())
	return m.inWin
}

// BytesPerSecond is the windowed byte count divided by the window length.
func (m *Monitor) BytesPerSecond() uint64 {
	return uint64(float64(m.Utilization()) / m.window.Seconds())
}

// IsViolated reports whether the current rate exceeds limit. A negative
// limit disables the check.
func (m *Monitor) IsViolated(limit int64) bool {
	if limit < 0 {
		return false
	}
	return m.BytesPerSecond() > uint64(limit)
}

// Total is the lifetime byte count. It is not reset by window eviction.
func (m *Monitor) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Monitor) Window() time.Duration {
	return m.window
}

func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
	m.inWin = 0
}

func (m *Monitor) evictLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && !m.samples[i].at.After(cutoff) {
		m.inWin -= m.samples[i].bytes
		i++
	}
	if i == 0 {
		return
	}
	n := copy(m.samples, m.samples[i:])
	m.samples = m.samples[:n]
}
