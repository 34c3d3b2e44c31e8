package fragment

import (
	"errors"
	"fmt"

	"github.com/danmuck/kbcast/internal/protocol/frame"
)

var (
	ErrInvalidFragmentSize = errors.New("fragment: max fragment size must be positive")
	ErrInvalidFragment     = errors.New("fragment: invalid fragment header")
	ErrFragmentSetEvicted  = errors.New("fragment: incomplete fragment set evicted")
	ErrReassemblyMismatch  = errors.New("fragment: reassembled size does not match total size")
	ErrMessageTooLarge     = errors.New("fragment: announced message size exceeds limit")
)

// MessageID identifies the message a fragment belongs to.
type MessageID struct {
	Originator string
	Clock      uint64
	TotalSize  uint64
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s@%d/%d", id.Originator, id.Clock, id.TotalSize)
}

// Fragment is one decoded fragment datagram.
type Fragment struct {
	ID      MessageID
	Header  frame.FragmentHeader
	Payload []byte
}

func (f Fragment) Index() uint32 { return f.Header.Index }
func (f Fragment) Total() uint32 { return f.Header.UpdateCount }

// Count is ceil(size/max).
func Count(size, max int) int {
	if max <= 0 || size <= 0 {
		return 0
	}
	return (size + max - 1) / max
}

// Split cuts payload into chunks of at most maxFragmentSize bytes and wraps
// each in a fragment header derived from h. Every datagram shares the same
// MessageID; its size field covers that datagram only.
func Split(h frame.Header, payload []byte, maxFragmentSize int) ([][]byte, error) {
	if maxFragmentSize <= 0 {
		return nil, ErrInvalidFragmentSize
	}
	total := Count(len(payload), maxFragmentSize)
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxFragmentSize
		end := min(start+maxFragmentSize, len(payload))
		fh := frame.FragmentHeader{
			Header:    h,
			Index:     uint32(i),
			TotalSize: uint64(len(payload)),
		}
		fh.Type = frame.TypeFragment
		fh.UpdateCount = uint32(total)
		fh.Size = uint64(frame.FragmentHeaderLen + end - start)

		buf := make([]byte, 0, fh.Size)
		buf = frame.AppendFragmentHeader(buf, fh)
		buf = append(buf, payload[start:end]...)
		out = append(out, buf)
	}
	return out, nil
}

// Parse decodes and validates one fragment datagram. The payload aliases b.
func Parse(b []byte) (Fragment, error) {
	fh, err := frame.DecodeFragmentHeader(b)
	if err != nil {
		return Fragment{}, err
	}
	if fh.Type != frame.TypeFragment {
		return Fragment{}, fmt.Errorf("%w: type=%s", ErrInvalidFragment, fh.Type)
	}
	if err := fh.CheckSize(len(b)); err != nil {
		return Fragment{}, err
	}
	if fh.UpdateCount == 0 || fh.Index >= fh.UpdateCount {
		return Fragment{}, fmt.Errorf("%w: index=%d total=%d", ErrInvalidFragment, fh.Index, fh.UpdateCount)
	}
	if err := checkGeometry(fh, len(b)-frame.FragmentHeaderLen); err != nil {
		return Fragment{}, err
	}
	return Fragment{
		ID:      MessageID{Originator: fh.Originator, Clock: fh.Clock, TotalSize: fh.TotalSize},
		Header:  fh,
		Payload: b[frame.FragmentHeaderLen:],
	}, nil
}

// checkGeometry verifies that the fragment count, total size and this
// fragment's payload length describe a message Split could have produced:
// every fragment but the last carries the same chunk size and the last
// carries the remainder.
func checkGeometry(fh frame.FragmentHeader, n int) error {
	total := uint64(fh.UpdateCount)
	size := uint64(n)
	switch {
	case n <= 0:
		return fmt.Errorf("%w: empty fragment payload", ErrInvalidFragment)
	case total > fh.TotalSize || size > fh.TotalSize:
		return fmt.Errorf("%w: total=%d total_size=%d payload=%d", ErrInvalidFragment, total, fh.TotalSize, n)
	case fh.Index+1 < fh.UpdateCount:
		// full chunk: the count follows from the chunk size
		if uint64(Count(int(min(fh.TotalSize, 1<<62)), n)) != total {
			return fmt.Errorf("%w: total=%d total_size=%d chunk=%d", ErrInvalidFragment, total, fh.TotalSize, n)
		}
	case total == 1:
		if size != fh.TotalSize {
			return fmt.Errorf("%w: single fragment of %d bytes, total_size=%d", ErrInvalidFragment, n, fh.TotalSize)
		}
	default:
		// last chunk: the rest must split evenly into total-1 chunks no
		// smaller than this one
		rest := fh.TotalSize - size
		if rest%(total-1) != 0 || rest/(total-1) < size {
			return fmt.Errorf("%w: last fragment of %d bytes, total=%d total_size=%d", ErrInvalidFragment, n, total, fh.TotalSize)
		}
	}
	return nil
}
