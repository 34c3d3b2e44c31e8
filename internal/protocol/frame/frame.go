package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen         = 141
	FragmentHeaderLen = HeaderLen + 4 + 8

	DomainLen     = 32
	OriginatorLen = 64
)

var (
	MagicUpdate   = [8]byte{'K', 'a', 'R', 'L', '1', '.', '4', 0}
	MagicFragment = [8]byte{'K', 'F', 'R', 'G', '1', '.', '4', 0}
)

var (
	ErrTruncated      = errors.New("frame: truncated header or message")
	ErrMalformedMagic = errors.New("frame: unrecognized protocol magic")
	ErrSizeMismatch   = errors.New("frame: size field does not match datagram length")
)

// MessageType is the kind of batch the header describes.
type MessageType uint32

const (
	TypeUpdate   MessageType = 0
	TypeFragment MessageType = 1
	TypeRegister MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeUpdate:
		return "update"
	case TypeFragment:
		return "fragment"
	case TypeRegister:
		return "register"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Header is the fixed wire envelope in front of every datagram.
type Header struct {
	Size        uint64
	Domain      string
	Originator  string
	Type        MessageType
	UpdateCount uint32
	Quality     uint32
	Clock       uint64
	Timestamp   uint64
	TTL         uint8
}

// FragmentHeader extends Header for one slice of an oversized message.
// UpdateCount carries the total fragment count.
type FragmentHeader struct {
	Header
	Index     uint32
	TotalSize uint64
}

func (h Header) Magic() [8]byte {
	if h.Type == TypeFragment {
		return MagicFragment
	}
	return MagicUpdate
}

// Equal compares every field except Size.
func (h Header) Equal(other Header) bool {
	h.Size = 0
	other.Size = 0
	return h == other
}

// CheckSize validates the size field against the datagram length.
func (h Header) CheckSize(datagramLen int) error {
	switch {
	case h.Size > uint64(datagramLen):
		return fmt.Errorf("%w: size=%d have=%d", ErrTruncated, h.Size, datagramLen)
	case h.Size < uint64(datagramLen):
		return fmt.Errorf("%w: size=%d have=%d", ErrSizeMismatch, h.Size, datagramLen)
	}
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("%d:%s:%s:%s:%d:q=%d:c=%d:ts=%d:ttl=%d",
		h.Size, h.Domain, h.Originator, h.Type, h.UpdateCount, h.Quality, h.Clock, h.Timestamp, h.TTL)
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, HeaderLen), h)
}

// AppendHeader appends the 141-byte encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	var buf [HeaderLen]byte
	magic := h.Magic()
	binary.BigEndian.PutUint64(buf[0:8], h.Size)
	copy(buf[8:16], magic[:])
	putString(buf[16:48], h.Domain)
	putString(buf[48:112], h.Originator)
	binary.BigEndian.PutUint32(buf[112:116], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[116:120], h.UpdateCount)
	binary.BigEndian.PutUint32(buf[120:124], h.Quality)
	binary.BigEndian.PutUint64(buf[124:132], h.Clock)
	binary.BigEndian.PutUint64(buf[132:140], h.Timestamp)
	buf[140] = h.TTL
	return append(dst, buf[:]...)
}

// DecodeHeader reads the fixed header from the front of b. Fields are read
// as far as b reaches; a short buffer returns the partial header together
// with ErrTruncated.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) >= 8 {
		h.Size = binary.BigEndian.Uint64(b[0:8])
	}
	if len(b) >= 16 && !validMagic(b[8:16]) {
		return h, ErrMalformedMagic
	}
	if len(b) >= 48 {
		h.Domain = getString(b[16:48])
	}
	if len(b) >= 112 {
		h.Originator = getString(b[48:112])
	}
	if len(b) >= 116 {
		h.Type = MessageType(binary.BigEndian.Uint32(b[112:116]))
	}
	if len(b) >= 120 {
		h.UpdateCount = binary.BigEndian.Uint32(b[116:120])
	}
	if len(b) >= 124 {
		h.Quality = binary.BigEndian.Uint32(b[120:124])
	}
	if len(b) >= 132 {
		h.Clock = binary.BigEndian.Uint64(b[124:132])
	}
	if len(b) >= 140 {
		h.Timestamp = binary.BigEndian.Uint64(b[132:140])
	}
	if len(b) < HeaderLen {
		return h, ErrTruncated
	}
	h.TTL = b[140]
	return h, nil
}

func EncodeFragmentHeader(h FragmentHeader) []byte {
	return AppendFragmentHeader(make([]byte, 0, FragmentHeaderLen), h)
}

func AppendFragmentHeader(dst []byte, h FragmentHeader) []byte {
	h.Type = TypeFragment
	dst = AppendHeader(dst, h.Header)
	dst = binary.BigEndian.AppendUint32(dst, h.Index)
	return binary.BigEndian.AppendUint64(dst, h.TotalSize)
}

func DecodeFragmentHeader(b []byte) (FragmentHeader, error) {
	base, err := DecodeHeader(b)
	fh := FragmentHeader{Header: base}
	if err != nil {
		return fh, err
	}
	if len(b) < FragmentHeaderLen {
		return fh, ErrTruncated
	}
	fh.Index = binary.BigEndian.Uint32(b[141:145])
	fh.TotalSize = binary.BigEndian.Uint64(b[145:153])
	return fh, nil
}

// IsFragment peeks at the magic without decoding the rest.
func IsFragment(b []byte) bool {
	return len(b) >= 16 && bytes.Equal(b[8:16], MagicFragment[:])
}

func validMagic(b []byte) bool {
	return bytes.Equal(b, MagicUpdate[:]) || bytes.Equal(b, MagicFragment[:])
}

// putString copies s into a zero-filled field, keeping the last byte NUL.
func putString(field []byte, s string) {
	n := copy(field[:len(field)-1], s)
	clear(field[n:])
}

func getString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}
