package scheduler

import (
	"strings"
	"testing"

	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(s *Scheduler, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if s.Admit() {
			b.WriteByte('S')
		} else {
			b.WriteByte('D')
		}
	}
	return b.String()
}

func TestAdmitWithoutPolicySendsEverything(t *testing.T) {
	testlog.Start(t)

	s := New(Policy{})
	assert.Equal(t, strings.Repeat("S", 10), pattern(s, 10))
	assert.Equal(t, uint64(10), s.Sent())
	assert.Equal(t, uint64(0), s.Dropped())
}

func TestAdmitDeterministicStride(t *testing.T) {
	testlog.Start(t)

	s := New(Policy{Type: DropDeterministic, Rate: 0.5})
	assert.Equal(t, "SDSDSDSD", pattern(s, 8))

	s = New(Policy{Type: DropDeterministic, Rate: 0.25})
	assert.Equal(t, "SSSDSSSDSSSD", pattern(s, 12))
	_ = pattern(s, 88)
	assert.Equal(t, uint64(25), s.Dropped())
	assert.Equal(t, uint64(75), s.Sent())
}

func TestAdmitBurst(t *testing.T) {
	testlog.Start(t)

	s := New(Policy{Type: DropDeterministic, Rate: 0.2, Burst: 3})
	assert.Equal(t, "SSSSSSSSSDDDSSSSSSSS", pattern(s, 20))
}

func TestAdmitFullDrop(t *testing.T) {
	testlog.Start(t)

	s := New(Policy{Type: DropProbabilistic, Rate: 1})
	assert.Equal(t, "DDDD", pattern(s, 4))
	s.Clear()
	assert.Equal(t, uint64(0), s.Dropped())
}

func TestAdmitProbabilisticIsSeeded(t *testing.T) {
	testlog.Start(t)

	a := New(Policy{Type: DropProbabilistic, Rate: 0.3, Seed: 11})
	b := New(Policy{Type: DropProbabilistic, Rate: 0.3, Seed: 11})
	pa := pattern(a, 500)
	require.Equal(t, pa, pattern(b, 500))

	drops := strings.Count(pa, "D")
	assert.InDelta(t, 150, drops, 50)
}

func TestParseDropType(t *testing.T) {
	testlog.Start(t)

	d, err := ParseDropType("Probabilistic")
	require.NoError(t, err)
	assert.Equal(t, DropProbabilistic, d)
	d, err = ParseDropType("")
	require.NoError(t, err)
	assert.Equal(t, DropDeterministic, d)
	_, err = ParseDropType("chaos")
	assert.Error(t, err)
}
