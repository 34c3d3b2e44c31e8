package reliable

import (
	"strings"
	"testing"

	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTwoParticipantsOneFragment(t *testing.T) {
	testlog.Start(t)

	kb := knowledge.NewBase()
	kb.Set("status", knowledge.NewString("ready"))
	r := New("status", kb, WithParticipant(0, 2))
	require.Equal(t, 1, r.FragmentCount())

	assert.False(t, r.IsDone())
	require.True(t, r.Ack(0, 0))
	assert.False(t, r.IsDone())
	require.True(t, r.Ack(0, 1))
	assert.True(t, r.IsDone())
}

func TestRecordLiveness(t *testing.T) {
	testlog.Start(t)

	kb := knowledge.NewBase()
	kb.Set("blob", knowledge.NewBinary(make([]byte, 120000)))
	r := New("blob", kb, WithParticipant(1, 3))
	require.Equal(t, 3, r.FragmentCount())

	cells := [][2]int{}
	for f := 0; f < 3; f++ {
		for p := 0; p < 3; p++ {
			cells = append(cells, [2]int{f, p})
		}
	}
	// set cells in an order that leaves gaps behind and ahead of the cursor
	order := []int{8, 0, 4, 1, 2, 7, 3, 6, 5}
	for i, idx := range order {
		assert.False(t, r.IsDone(), "done before cell %d of %d", i, len(order))
		r.Ack(cells[idx][0], cells[idx][1])
	}
	assert.True(t, r.IsDone())
	assert.True(t, r.IsDone(), "done must stay true")
	set, total := r.Acked()
	assert.Equal(t, 9, set)
	assert.Equal(t, 9, total)

	r.Sync()
	assert.False(t, r.IsDone(), "sync discards ack state")
}

func TestRecordOutOfRangeAck(t *testing.T) {
	testlog.Start(t)

	kb := knowledge.NewBase()
	kb.Set("x", knowledge.NewInteger(1))
	r := New("x", kb)
	assert.False(t, r.Ack(1, 0))
	assert.False(t, r.Ack(0, 2))
	assert.False(t, r.Ack(-1, 0))
}

func TestRecordFragmentsAlignOnElements(t *testing.T) {
	testlog.Start(t)

	ints := make([]int64, 20000)
	for i := range ints {
		ints[i] = int64(i)
	}
	doubles := make([]float64, 7001)
	for i := range doubles {
		doubles[i] = float64(i) / 3
	}
	cases := []struct {
		name  string
		value knowledge.Record
		want  int
	}{
		{"ints", knowledge.NewIntegerArray(ints), 4},
		{"doubles", knowledge.NewDoubleArray(doubles), 2},
		{"bytes", knowledge.NewBinary(make([]byte, 120000)), 3},
		{"text", knowledge.NewString(strings.Repeat("k", 50001)), 2},
	}
	for _, tc := range cases {
		kb := knowledge.NewBase()
		kb.Set(tc.name, tc.value)
		r := New(tc.name, kb)
		require.Equal(t, tc.want, r.FragmentCount(), tc.name)

		elem := tc.value.Type.ElementSize()
		for i := 0; i < r.FragmentCount(); i++ {
			frag, ok := kb.Get(fragmentKey(tc.name, i))
			require.True(t, ok)
			assert.LessOrEqual(t, frag.ValueSize(), FragmentLimit, "%s fragment %d", tc.name, i)
			assert.Zero(t, frag.ValueSize()%elem, "%s fragment %d splits an element", tc.name, i)
		}

		got, ok, err := Reassemble(kb, tc.name)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, tc.value.Equal(got), tc.name)
	}
}

func TestRecordSmallValueIsOneFragment(t *testing.T) {
	testlog.Start(t)

	kb := knowledge.NewBase()
	kb.Set("pos", knowledge.NewDoubleArray([]float64{1, 2, 3}))
	r := New("pos", kb)
	require.Equal(t, 1, r.FragmentCount())
	frag, _ := kb.Get("pos.frags.0")
	assert.Equal(t, knowledge.TypeDoubleArray, frag.Type)
	count, _ := kb.Get("pos.frags.count")
	assert.Equal(t, int64(1), count.Int())
}

func TestRecordMissingValueIsDone(t *testing.T) {
	testlog.Start(t)

	r := New("absent", knowledge.NewBase())
	assert.Equal(t, 0, r.FragmentCount())
	assert.True(t, r.IsDone())
	_, ok := r.Next()
	assert.False(t, ok)
}

func TestNextMarksFirstUnackedFragment(t *testing.T) {
	testlog.Start(t)

	kb := knowledge.NewBase()
	kb.Set("blob", knowledge.NewBinary(make([]byte, 120000)))
	r := New("blob", kb, WithParticipant(0, 2))
	kb.TakeModified()

	idx, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	mods := kb.TakeModified()
	assert.Contains(t, mods, "blob.frags.0")
	assert.Contains(t, mods, "blob.frags.count")

	r.Ack(0, 0)
	r.Ack(0, 1)
	r.Ack(2, 1)
	idx, ok = r.Next()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	mods = kb.TakeModified()
	assert.Contains(t, mods, "blob.frags.1")
	assert.NotContains(t, mods, "blob.frags.0")
}

func TestResizeResetsState(t *testing.T) {
	testlog.Start(t)

	kb := knowledge.NewBase()
	kb.Set("x", knowledge.NewInteger(1))
	r := New("x", kb, WithParticipant(0, 1))
	r.Ack(0, 0)
	require.True(t, r.IsDone())

	r.Resize(2, 3)
	assert.Equal(t, 2, r.ID())
	assert.Equal(t, 3, r.Processes())
	assert.False(t, r.IsDone())
	_, total := r.Acked()
	assert.Equal(t, 3, total)
}

func TestSetQualityForwardsToStore(t *testing.T) {
	testlog.Start(t)

	kb := knowledge.NewBase()
	kb.Set("x", knowledge.NewInteger(1))
	r := New("x", kb)
	r.SetQuality(9)

	v, _ := kb.Get("x")
	assert.Equal(t, uint32(9), v.Quality)
	f, _ := kb.Get("x.frags.0")
	assert.Equal(t, uint32(9), f.Quality)
}
