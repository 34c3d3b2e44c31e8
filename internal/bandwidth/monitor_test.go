package bandwidth

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBytesPerSecondWindow(t *testing.T) {
	testlog.Start(t)

	clock := &fakeClock{now: time.Unix(100, 0)}
	m := New(2*time.Second, WithClock(clock.Now))

	m.Add(1000)
	clock.Advance(500 * time.Millisecond)
	m.Add(3000)
	assert.Equal(t, uint64(4000), m.Utilization())
	assert.Equal(t, uint64(2000), m.BytesPerSecond())

	clock.Advance(1600 * time.Millisecond)
	assert.Equal(t, uint64(3000), m.Utilization(), "first sample aged out")

	clock.Advance(time.Second)
	assert.Equal(t, uint64(0), m.BytesPerSecond())
	assert.Equal(t, uint64(4000), m.Total())
}

func TestIsViolated(t *testing.T) {
	testlog.Start(t)

	clock := &fakeClock{now: time.Unix(0, 0)}
	m := New(time.Second, WithClock(clock.Now))
	m.Add(500)

	assert.False(t, m.IsViolated(-1))
	assert.False(t, m.IsViolated(500))
	assert.True(t, m.IsViolated(499))

	m.Clear()
	assert.False(t, m.IsViolated(0))
	assert.Equal(t, uint64(500), m.Total())
}

func TestAddIgnoresNonPositive(t *testing.T) {
	testlog.Start(t)

	m := New(0)
	m.Add(0)
	m.Add(-5)
	assert.Equal(t, uint64(0), m.Total())
	assert.Equal(t, DefaultWindow, m.Window())
}

func TestConcurrentAdd(t *testing.T) {
	testlog.Start(t)

	m := New(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Add(10)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), m.Utilization())
}
