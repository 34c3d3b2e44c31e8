package tlv

import (
	"errors"
	"testing"

	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/danmuck/kbcast/internal/testutil/testlog"
)

func TestEncodeDecodeUpdatesRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := []Update{
		{Key: "agent.0.pos", Value: knowledge.NewDoubleArray([]float64{1, 2, 3})},
		{Key: "agent.0.name", Value: knowledge.NewString("alpha")},
		{Key: "", Value: knowledge.NewInteger(-1)},
		{Key: "blob", Value: knowledge.NewBinary(nil)},
	}
	b := EncodeUpdates(in)
	want := 0
	for _, u := range in {
		want += u.EncodedLen()
	}
	if len(b) != want {
		t.Fatalf("encoded length=%d want=%d", len(b), want)
	}

	out, err := DecodeUpdates(b, uint32(len(in)))
	if err != nil {
		t.Fatalf("decode updates: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d updates, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i].Key != in[i].Key || !out[i].Value.Equal(in[i].Value) {
			t.Fatalf("update %d mismatch: got=%+v want=%+v", i, out[i], in[i])
		}
	}
}

func TestDecodeUpdatesMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)

	_, err := DecodeUpdates([]byte{0, 0, 0}, 1)
	if !errors.Is(err, ErrShortUpdateHeader) {
		t.Fatalf("expected ErrShortUpdateHeader, got %v", err)
	}
	// key_len=4 but only two key bytes follow
	_, err = DecodeUpdates([]byte{0, 0, 0, 4, 'a', 'b'}, 1)
	if !errors.Is(err, ErrShortUpdateHeader) {
		t.Fatalf("expected ErrShortUpdateHeader, got %v", err)
	}
}

func TestDecodeUpdatesMalformedValueIsDeterministic(t *testing.T) {
	testlog.Start(t)

	// key "k", integer array with count 2 but only 8 value bytes
	payload := []byte{0, 0, 0, 1, 'k', 0, 0, 0, 64, 0, 0, 0, 2, 1, 2, 3, 4, 5, 6, 7, 8}
	_, err := DecodeUpdates(payload, 1)
	if !errors.Is(err, ErrShortUpdateValue) {
		t.Fatalf("expected ErrShortUpdateValue, got %v", err)
	}

	payload = []byte{0, 0, 0, 1, 'k', 0, 0, 0, 3, 0, 0, 0, 0}
	_, err = DecodeUpdates(payload, 1)
	if !errors.Is(err, knowledge.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeUpdatesTrailingBytes(t *testing.T) {
	testlog.Start(t)

	b := EncodeUpdates([]Update{{Key: "a", Value: knowledge.NewInteger(1)}})
	b = append(b, 0xFF)
	if _, err := DecodeUpdates(b, 1); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}
