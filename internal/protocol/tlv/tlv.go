package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/kbcast/internal/knowledge"
)

// HeaderLen is the fixed part of one update: key length, type and count.
const HeaderLen = 12

const MaxKeyLen = 1 << 16

var (
	ErrShortUpdateHeader = errors.New("tlv: short update header")
	ErrShortUpdateValue  = errors.New("tlv: short update value")
	ErrKeyTooLong        = errors.New("tlv: key too long")
	ErrTrailingBytes     = errors.New("tlv: trailing bytes after last update")
)

// Update is one key assignment in a batch.
type Update struct {
	Key   string
	Value knowledge.Record
}

// EncodedLen is the number of bytes AppendUpdate writes for u.
func (u Update) EncodedLen() int {
	return u.Value.EncodedSize(u.Key)
}

// AppendUpdate appends key_len | key | type | count | value.
func AppendUpdate(dst []byte, u Update) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(u.Key)))
	dst = append(dst, u.Key...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(u.Value.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(u.Value.Size()))
	return u.Value.AppendValue(dst)
}

func EncodeUpdates(updates []Update) []byte {
	n := 0
	for _, u := range updates {
		n += u.EncodedLen()
	}
	out := make([]byte, 0, n)
	for _, u := range updates {
		out = AppendUpdate(out, u)
	}
	return out
}

// DecodeUpdate reads one update from the front of b and reports the bytes
// consumed.
func DecodeUpdate(b []byte) (Update, int, error) {
	if len(b) < 4 {
		return Update{}, 0, ErrShortUpdateHeader
	}
	keyLen := binary.BigEndian.Uint32(b[0:4])
	if keyLen > MaxKeyLen {
		return Update{}, 0, fmt.Errorf("%w: %d", ErrKeyTooLong, keyLen)
	}
	i := 4
	if uint64(len(b)-i) < uint64(keyLen)+8 {
		return Update{}, 0, ErrShortUpdateHeader
	}
	key := string(b[i : i+int(keyLen)])
	i += int(keyLen)
	typ := knowledge.ValueType(binary.BigEndian.Uint32(b[i : i+4]))
	count := binary.BigEndian.Uint32(b[i+4 : i+8])
	i += 8

	rec, n, err := knowledge.UnmarshalValue(typ, count, b[i:])
	if err != nil {
		if errors.Is(err, knowledge.ErrValueTooShort) {
			return Update{}, 0, fmt.Errorf("%w: key=%q", ErrShortUpdateValue, key)
		}
		return Update{}, 0, fmt.Errorf("tlv: key=%q: %w", key, err)
	}
	return Update{Key: key, Value: rec}, i + n, nil
}

// DecodeUpdates reads exactly count updates and requires b to end there.
func DecodeUpdates(b []byte, count uint32) ([]Update, error) {
	out := make([]Update, 0, min(int(count), 1024))
	off := 0
	for range count {
		u, n, err := DecodeUpdate(b[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, u)
		off += n
	}
	if off != len(b) {
		return nil, fmt.Errorf("%w: %d", ErrTrailingBytes, len(b)-off)
	}
	return out, nil
}
