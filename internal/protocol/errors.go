package protocol

import (
	"errors"

	"github.com/danmuck/kbcast/internal/protocol/frame"
)

var (
	ErrTruncated      = frame.ErrTruncated
	ErrMalformedMagic = frame.ErrMalformedMagic
	ErrSizeMismatch   = frame.ErrSizeMismatch

	ErrUnexpectedType = errors.New("protocol: unexpected message type")
	ErrEmptyMessage   = errors.New("protocol: message has no updates")
)

// Droppable reports whether err marks a datagram that should be dropped and
// logged rather than retried.
func Droppable(err error) bool {
	return errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrMalformedMagic) ||
		errors.Is(err, ErrSizeMismatch) ||
		errors.Is(err, ErrUnexpectedType)
}
