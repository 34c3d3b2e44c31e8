package protocol

import (
	"fmt"

	"github.com/danmuck/kbcast/internal/protocol/frame"
	"github.com/danmuck/kbcast/internal/protocol/tlv"
)

// Message is one update batch: the header plus its assignments.
type Message struct {
	Header  frame.Header
	Updates []tlv.Update
}

// EncodedLen is the datagram size Encode produces.
func (m Message) EncodedLen() int {
	n := frame.HeaderLen
	for _, u := range m.Updates {
		n += u.EncodedLen()
	}
	return n
}

// Encode writes the header and updates. Size, Type and UpdateCount are
// derived from the message.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Updates) == 0 {
		return nil, ErrEmptyMessage
	}
	h := msg.Header
	h.Type = frame.TypeUpdate
	h.Size = uint64(msg.EncodedLen())
	h.UpdateCount = uint32(len(msg.Updates))

	out := make([]byte, 0, h.Size)
	out = frame.AppendHeader(out, h)
	for _, u := range msg.Updates {
		out = tlv.AppendUpdate(out, u)
	}
	return out, nil
}

// Decode parses a complete update datagram. Fragments are rejected with
// ErrUnexpectedType and must go through reassembly first.
func Decode(b []byte) (Message, error) {
	h, err := frame.DecodeHeader(b)
	if err != nil {
		return Message{Header: h}, err
	}
	if err := h.CheckSize(len(b)); err != nil {
		return Message{Header: h}, err
	}
	if h.Type != frame.TypeUpdate {
		return Message{Header: h}, fmt.Errorf("%w: %s", ErrUnexpectedType, h.Type)
	}
	updates, err := tlv.DecodeUpdates(b[frame.HeaderLen:], h.UpdateCount)
	if err != nil {
		return Message{Header: h}, fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	return Message{Header: h, Updates: updates}, nil
}

// WithTTL returns a copy of the encoded datagram b with its ttl byte
// replaced. Rebroadcast uses it to avoid a full re-encode.
func WithTTL(b []byte, ttl uint8) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	if len(out) >= frame.HeaderLen {
		out[frame.HeaderLen-1] = ttl
	}
	return out
}
