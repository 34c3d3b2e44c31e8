package fragment

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/kbcast/internal/protocol/frame"
	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseHeader(originator string, clock uint64) frame.Header {
	return frame.Header{Domain: "kbcast", Originator: originator, Clock: clock, Quality: 1, TTL: 2}
}

func payload(n int, seed int64) []byte {
	out := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(out)
	return out
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSplitScenario120000(t *testing.T) {
	testlog.Start(t)

	p := payload(120000, 1)
	frags, err := Split(baseHeader("agent0", 7), p, 50000)
	require.NoError(t, err)
	require.Len(t, frags, 3)

	sizes := make([]int, 0, 3)
	for i, d := range frags {
		f, err := Parse(d)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), f.Index())
		assert.Equal(t, uint32(3), f.Total())
		assert.Equal(t, uint64(len(d)), f.Header.Size)
		assert.Equal(t, MessageID{Originator: "agent0", Clock: 7, TotalSize: 120000}, f.ID)
		sizes = append(sizes, len(f.Payload))
	}
	assert.Equal(t, []int{50000, 50000, 20000}, sizes)

	m := NewMap(DefaultConfig())
	var out []byte
	for i, d := range frags {
		got, done, err := m.Accept(d)
		require.NoError(t, err)
		assert.Equal(t, i == len(frags)-1, done)
		if done {
			out = got
		}
	}
	assert.True(t, bytes.Equal(p, out))
	assert.Equal(t, 0, m.Pending())
}

func TestSplitReassembleRoundTripAnyOrder(t *testing.T) {
	testlog.Start(t)

	rng := rand.New(rand.NewSource(42))
	for _, size := range []int{1, 99, 100, 101, 4096, 12345} {
		for _, max := range []int{1, 7, 100, 5000} {
			p := payload(size, int64(size*max))
			frags, err := Split(baseHeader("a", uint64(size)), p, max)
			require.NoError(t, err)
			require.Len(t, frags, Count(size, max))
			rng.Shuffle(len(frags), func(i, j int) { frags[i], frags[j] = frags[j], frags[i] })

			m := NewMap(DefaultConfig())
			var out []byte
			completed := 0
			for _, d := range frags {
				got, done, err := m.Accept(d)
				require.NoError(t, err)
				if done {
					out = got
					completed++
				}
			}
			require.Equal(t, 1, completed, "size=%d max=%d", size, max)
			require.True(t, bytes.Equal(p, out), "size=%d max=%d", size, max)
		}
	}
}

func TestSplitInvalidSize(t *testing.T) {
	testlog.Start(t)

	_, err := Split(baseHeader("a", 1), []byte("x"), 0)
	assert.ErrorIs(t, err, ErrInvalidFragmentSize)
}

func TestAcceptIgnoresDuplicates(t *testing.T) {
	testlog.Start(t)

	frags, err := Split(baseHeader("a", 1), payload(300, 3), 100)
	require.NoError(t, err)

	m := NewMap(DefaultConfig())
	_, done, err := m.Accept(frags[0])
	require.NoError(t, err)
	require.False(t, done)

	f, _ := Parse(frags[0])
	assert.True(t, m.Exists(f.ID, 0))
	assert.False(t, m.Exists(f.ID, 1))

	_, done, err = m.Accept(frags[0])
	require.NoError(t, err)
	assert.False(t, done)
	_, done, _ = m.Accept(frags[1])
	assert.False(t, done, "duplicate must not count toward completion")
	_, done, _ = m.Accept(frags[2])
	assert.True(t, done)
}

func TestPurgeEvictsStaleSets(t *testing.T) {
	testlog.Start(t)

	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewMap(Config{QueueLength: 5, Timeout: time.Second, Now: clock.Now})

	stale, _ := Split(baseHeader("a", 1), payload(200, 1), 100)
	fresh, _ := Split(baseHeader("b", 1), payload(200, 2), 100)
	_, _, _ = m.Accept(stale[0])
	clock.Advance(800 * time.Millisecond)
	_, _, _ = m.Accept(fresh[0])
	clock.Advance(400 * time.Millisecond)

	evicted := m.Purge()
	require.Len(t, evicted, 1)
	assert.Equal(t, "a", evicted[0].Originator)
	assert.Equal(t, 1, m.Pending())
	assert.Equal(t, uint64(1), m.Evicted())

	// a late fragment of the evicted message starts a new, incomplete set
	_, done, err := m.Accept(stale[1])
	require.NoError(t, err)
	assert.False(t, done)
}

func TestQueueLengthEvictsOldestClock(t *testing.T) {
	testlog.Start(t)

	m := NewMap(Config{QueueLength: 2, Timeout: time.Minute})
	first := func(clock uint64) []byte {
		frags, _ := Split(baseHeader("a", clock), payload(200, int64(clock)), 100)
		return frags[0]
	}
	_, _, _ = m.Accept(first(5))
	_, _, _ = m.Accept(first(6))
	_, _, err := m.Accept(first(7))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Pending())
	assert.False(t, m.Exists(MessageID{Originator: "a", Clock: 5, TotalSize: 200}, 0))

	_, _, err = m.Accept(first(1))
	assert.True(t, errors.Is(err, ErrFragmentSetEvicted))
	assert.Equal(t, uint64(2), m.Evicted())
}

func TestParseRejectsBadIndex(t *testing.T) {
	testlog.Start(t)

	fh := frame.FragmentHeader{Header: frame.Header{Size: frame.FragmentHeaderLen + 1, UpdateCount: 2}, Index: 2, TotalSize: 10}
	b := append(frame.EncodeFragmentHeader(fh), 0)
	_, err := Parse(b)
	assert.ErrorIs(t, err, ErrInvalidFragment)

	_, err = Parse(b[:frame.FragmentHeaderLen-1])
	assert.ErrorIs(t, err, frame.ErrTruncated)
}

func hostileFragment(total uint32, totalSize uint64, payloadLen int) []byte {
	fh := frame.FragmentHeader{
		Header:    baseHeader("mallory", 9),
		Index:     0,
		TotalSize: totalSize,
	}
	fh.UpdateCount = total
	fh.Size = uint64(frame.FragmentHeaderLen + payloadLen)
	return append(frame.EncodeFragmentHeader(fh), make([]byte, payloadLen)...)
}

func TestAcceptRejectsOversizedTotalSize(t *testing.T) {
	testlog.Start(t)

	m := NewMap(DefaultConfig())
	got, done, err := m.Accept(hostileFragment(1, 1<<62, 4))
	assert.ErrorIs(t, err, ErrInvalidFragment)
	assert.False(t, done)
	assert.Nil(t, got)

	// geometry is consistent but the message is above the configured limit
	small := NewMap(Config{MaxMessageSize: 1000})
	_, _, err = small.Accept(hostileFragment(2, 2000, 1000))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, 0, small.Pending())
}

func TestAcceptRejectsInflatedFragmentCount(t *testing.T) {
	testlog.Start(t)

	m := NewMap(DefaultConfig())
	_, _, err := m.Accept(hostileFragment(1<<26, 1<<40, 4))
	assert.ErrorIs(t, err, ErrInvalidFragment)
	assert.Equal(t, 0, m.Pending())

	// count larger than the total size
	_, _, err = m.Accept(hostileFragment(100, 10, 1))
	assert.ErrorIs(t, err, ErrInvalidFragment)
}

func TestParseChecksFragmentGeometry(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name      string
		total     uint32
		index     uint32
		totalSize uint64
		n         int
		ok        bool
	}{
		{"single exact", 1, 0, 10, 10, true},
		{"single short", 1, 0, 10, 4, false},
		{"full chunk", 3, 0, 250, 100, true},
		{"full chunk wrong count", 4, 0, 250, 100, false},
		{"last remainder", 3, 2, 250, 50, true},
		{"last uneven", 3, 2, 250, 51, false},
		{"last larger than chunk", 3, 2, 30, 20, false},
	}
	for _, tc := range cases {
		fh := frame.FragmentHeader{Header: baseHeader("a", 1), Index: tc.index, TotalSize: tc.totalSize}
		fh.UpdateCount = tc.total
		fh.Size = uint64(frame.FragmentHeaderLen + tc.n)
		_, err := Parse(append(frame.EncodeFragmentHeader(fh), make([]byte, tc.n)...))
		if tc.ok {
			assert.NoError(t, err, tc.name)
		} else {
			assert.ErrorIs(t, err, ErrInvalidFragment, tc.name)
		}
	}
}
