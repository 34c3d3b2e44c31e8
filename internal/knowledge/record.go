package knowledge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType identifies the value carried by a Record. The numeric codes are
// part of the wire format.
type ValueType uint32

const (
	TypeUninitialized ValueType = 0
	TypeInteger       ValueType = 1
	TypeString        ValueType = 2
	TypeDouble        ValueType = 4
	TypeBinary        ValueType = 8
	TypeIntegerArray  ValueType = 64
	TypeDoubleArray   ValueType = 128
)

var (
	ErrUnknownType   = errors.New("knowledge: unknown value type")
	ErrValueTooShort = errors.New("knowledge: value shorter than element count")
	ErrTypeMismatch  = errors.New("knowledge: value type mismatch")
)

func (t ValueType) String() string {
	switch t {
	case TypeUninitialized:
		return "uninitialized"
	case TypeInteger:
		return "integer"
	case TypeString:
		return "string"
	case TypeDouble:
		return "double"
	case TypeBinary:
		return "binary"
	case TypeIntegerArray:
		return "integer_array"
	case TypeDoubleArray:
		return "double_array"
	default:
		return "type(" + strconv.FormatUint(uint64(t), 10) + ")"
	}
}

// Valid reports whether t is a type the codec understands.
func (t ValueType) Valid() bool {
	switch t {
	case TypeUninitialized, TypeInteger, TypeString, TypeDouble, TypeBinary, TypeIntegerArray, TypeDoubleArray:
		return true
	}
	return false
}

// ElementSize is the encoded width of one element. Strings and binary blobs
// are byte-addressed.
func (t ValueType) ElementSize() int {
	switch t {
	case TypeInteger, TypeDouble, TypeIntegerArray, TypeDoubleArray:
		return 8
	case TypeString, TypeBinary:
		return 1
	default:
		return 0
	}
}

// Record is one knowledge value plus the arbitration metadata that travels
// with it. Records are values: mutators return copies.
type Record struct {
	Type    ValueType
	Clock   uint64
	Quality uint32

	ints    []int64
	doubles []float64
	raw     []byte
}

func NewInteger(v int64) Record {
	return Record{Type: TypeInteger, ints: []int64{v}}
}

func NewDouble(v float64) Record {
	return Record{Type: TypeDouble, doubles: []float64{v}}
}

func NewString(v string) Record {
	return Record{Type: TypeString, raw: []byte(v)}
}

func NewBinary(v []byte) Record {
	return Record{Type: TypeBinary, raw: cloneBytes(v)}
}

func NewIntegerArray(v []int64) Record {
	out := make([]int64, len(v))
	copy(out, v)
	return Record{Type: TypeIntegerArray, ints: out}
}

func NewDoubleArray(v []float64) Record {
	out := make([]float64, len(v))
	copy(out, v)
	return Record{Type: TypeDoubleArray, doubles: out}
}

// Exists reports whether the record holds a value.
func (r Record) Exists() bool {
	return r.Type != TypeUninitialized
}

// Size returns the element count: bytes for strings and blobs, elements for
// arrays and one for scalars.
func (r Record) Size() int {
	switch r.Type {
	case TypeInteger, TypeIntegerArray:
		return len(r.ints)
	case TypeDouble, TypeDoubleArray:
		return len(r.doubles)
	case TypeString, TypeBinary:
		return len(r.raw)
	default:
		return 0
	}
}

// ValueSize is the number of bytes the value occupies on the wire.
func (r Record) ValueSize() int {
	return r.Size() * r.Type.ElementSize()
}

// EncodedSize is the full update-record size for key: key length, key, type,
// count and value.
func (r Record) EncodedSize(key string) int {
	return 4 + len(key) + 4 + 4 + r.ValueSize()
}

func (r Record) Int() int64 {
	switch r.Type {
	case TypeInteger, TypeIntegerArray:
		if len(r.ints) > 0 {
			return r.ints[0]
		}
	case TypeDouble, TypeDoubleArray:
		if len(r.doubles) > 0 {
			return int64(r.doubles[0])
		}
	case TypeString:
		v, _ := strconv.ParseInt(strings.TrimSpace(string(r.raw)), 10, 64)
		return v
	}
	return 0
}

func (r Record) Double() float64 {
	switch r.Type {
	case TypeDouble, TypeDoubleArray:
		if len(r.doubles) > 0 {
			return r.doubles[0]
		}
	case TypeInteger, TypeIntegerArray:
		if len(r.ints) > 0 {
			return float64(r.ints[0])
		}
	case TypeString:
		v, _ := strconv.ParseFloat(strings.TrimSpace(string(r.raw)), 64)
		return v
	}
	return 0
}

// Bytes returns a copy of the raw value for string and binary records.
func (r Record) Bytes() []byte {
	return cloneBytes(r.raw)
}

func (r Record) Ints() []int64 {
	out := make([]int64, len(r.ints))
	copy(out, r.ints)
	return out
}

func (r Record) Doubles() []float64 {
	out := make([]float64, len(r.doubles))
	copy(out, r.doubles)
	return out
}

func (r Record) String() string {
	switch r.Type {
	case TypeInteger:
		return strconv.FormatInt(r.Int(), 10)
	case TypeDouble:
		return strconv.FormatFloat(r.Double(), 'g', -1, 64)
	case TypeString:
		return string(r.raw)
	case TypeBinary:
		return fmt.Sprintf("<%d bytes>", len(r.raw))
	case TypeIntegerArray:
		parts := make([]string, len(r.ints))
		for i, v := range r.ints {
			parts[i] = strconv.FormatInt(v, 10)
		}
		return strings.Join(parts, ", ")
	case TypeDoubleArray:
		parts := make([]string, len(r.doubles))
		for i, v := range r.doubles {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// Equal compares type and value, ignoring clock and quality.
func (r Record) Equal(other Record) bool {
	if r.Type != other.Type || r.Size() != other.Size() {
		return false
	}
	for i := range r.ints {
		if r.ints[i] != other.ints[i] {
			return false
		}
	}
	for i := range r.doubles {
		if math.Float64bits(r.doubles[i]) != math.Float64bits(other.doubles[i]) {
			return false
		}
	}
	for i := range r.raw {
		if r.raw[i] != other.raw[i] {
			return false
		}
	}
	return true
}

// Slice returns elements [first, last) as a record of the array form of the
// same type. Scalars are widened to their array type. Bounds are clamped.
func (r Record) Slice(first, last int) Record {
	n := r.Size()
	if first < 0 {
		first = 0
	}
	if last > n {
		last = n
	}
	if first > last {
		first = last
	}
	out := Record{Clock: r.Clock, Quality: r.Quality}
	switch r.Type {
	case TypeInteger, TypeIntegerArray:
		out.Type = TypeIntegerArray
		out.ints = append([]int64(nil), r.ints[first:last]...)
	case TypeDouble, TypeDoubleArray:
		out.Type = TypeDoubleArray
		out.doubles = append([]float64(nil), r.doubles[first:last]...)
	case TypeString, TypeBinary:
		out.Type = r.Type
		out.raw = cloneBytes(r.raw[first:last])
	}
	return out
}

// Concat appends the elements of parts in order. All parts must share the
// element family of the first.
func Concat(parts ...Record) (Record, error) {
	if len(parts) == 0 {
		return Record{}, nil
	}
	out := Record{Type: parts[0].Type}
	for i, p := range parts {
		switch {
		case isIntFamily(out.Type) && isIntFamily(p.Type):
			out.ints = append(out.ints, p.ints...)
		case isDoubleFamily(out.Type) && isDoubleFamily(p.Type):
			out.doubles = append(out.doubles, p.doubles...)
		case isRawFamily(out.Type) && p.Type == out.Type:
			out.raw = append(out.raw, p.raw...)
		default:
			return Record{}, fmt.Errorf("concat part %d (%s onto %s): %w", i, p.Type, out.Type, ErrTypeMismatch)
		}
	}
	switch {
	case out.Type == TypeInteger && len(out.ints) != 1:
		out.Type = TypeIntegerArray
	case out.Type == TypeDouble && len(out.doubles) != 1:
		out.Type = TypeDoubleArray
	}
	return out, nil
}

// MarshalValue encodes the value only, big-endian.
func (r Record) MarshalValue() []byte {
	return r.AppendValue(make([]byte, 0, r.ValueSize()))
}

// AppendValue appends the encoded value to dst.
func (r Record) AppendValue(dst []byte) []byte {
	switch r.Type {
	case TypeInteger, TypeIntegerArray:
		for _, v := range r.ints {
			dst = binary.BigEndian.AppendUint64(dst, uint64(v))
		}
	case TypeDouble, TypeDoubleArray:
		for _, v := range r.doubles {
			dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
		}
	case TypeString, TypeBinary:
		dst = append(dst, r.raw...)
	}
	return dst
}

// UnmarshalValue decodes count elements of typ from b. It reads exactly
// count*ElementSize bytes and reports how many it consumed.
func UnmarshalValue(typ ValueType, count uint32, b []byte) (Record, int, error) {
	if !typ.Valid() {
		return Record{}, 0, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	need := int(count) * typ.ElementSize()
	if need < 0 || need > len(b) {
		return Record{}, 0, ErrValueTooShort
	}
	r := Record{Type: typ}
	switch typ {
	case TypeInteger, TypeIntegerArray:
		r.ints = make([]int64, count)
		for i := range r.ints {
			r.ints[i] = int64(binary.BigEndian.Uint64(b[i*8:]))
		}
	case TypeDouble, TypeDoubleArray:
		r.doubles = make([]float64, count)
		for i := range r.doubles {
			r.doubles[i] = math.Float64frombits(binary.BigEndian.Uint64(b[i*8:]))
		}
	case TypeString, TypeBinary:
		r.raw = cloneBytes(b[:need])
	}
	return r, need, nil
}

func isIntFamily(t ValueType) bool    { return t == TypeInteger || t == TypeIntegerArray }
func isDoubleFamily(t ValueType) bool { return t == TypeDouble || t == TypeDoubleArray }
func isRawFamily(t ValueType) bool    { return t == TypeString || t == TypeBinary }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
