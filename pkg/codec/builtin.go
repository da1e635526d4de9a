package codec

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Integers are stored big-endian, signed ones with the sign bit flipped, so
// the byte order of encodings matches the numeric order.

type fixed[T any] struct {
	name  string
	width int
	put   func(buf []byte, v T)
	get   func(buf []byte) T
	cmp   func(a, b T) int
}

func (c fixed[T]) TypeName() string { return c.name }
func (c fixed[T]) FixedWidth() int  { return c.width }

func (c fixed[T]) Encode(v T) []byte {
	buf := make([]byte, c.width)
	c.put(buf, v)
	return buf
}

func (c fixed[T]) Decode(data []byte) (T, error) {
	if err := checkWidth(c.name, data, c.width); err != nil {
		var zero T
		return zero, err
	}
	return c.get(data), nil
}

func (c fixed[T]) Compare(a, b []byte) int {
	if len(a) != c.width || len(b) != c.width {
		return bytes.Compare(a, b)
	}
	return c.cmp(c.get(a), c.get(b))
}

type variable[T ~[]byte | ~string] struct{ name string }

func (c variable[T]) TypeName() string              { return c.name }
func (c variable[T]) FixedWidth() int               { return 0 }
func (c variable[T]) Encode(v T) []byte             { return []byte(v) }
func (c variable[T]) Decode(data []byte) (T, error) { return T(bytes.Clone(data)), nil }
func (c variable[T]) Compare(a, b []byte) int       { return bytes.Compare(a, b) }

var (
	bytesCodec  Codec[[]byte] = variable[[]byte]{name: "bytes"}
	stringCodec Codec[string] = variable[string]{name: "string"}

	uint8Codec Codec[uint8] = fixed[uint8]{
		name: "u8", width: 1,
		put: func(b []byte, v uint8) { b[0] = v },
		get: func(b []byte) uint8 { return b[0] },
		cmp: cmp.Compare[uint8],
	}
	uint16Codec Codec[uint16] = fixed[uint16]{
		name: "u16", width: 2,
		put: binary.BigEndian.PutUint16, get: binary.BigEndian.Uint16, cmp: cmp.Compare[uint16],
	}
	uint32Codec Codec[uint32] = fixed[uint32]{
		name: "u32", width: 4,
		put: binary.BigEndian.PutUint32, get: binary.BigEndian.Uint32, cmp: cmp.Compare[uint32],
	}
	uint64Codec Codec[uint64] = fixed[uint64]{
		name: "u64", width: 8,
		put: binary.BigEndian.PutUint64, get: binary.BigEndian.Uint64, cmp: cmp.Compare[uint64],
	}
	int32Codec Codec[int32] = fixed[int32]{
		name: "i32", width: 4,
		put: func(b []byte, v int32) { binary.BigEndian.PutUint32(b, uint32(v)^(1<<31)) },
		get: func(b []byte) int32 { return int32(binary.BigEndian.Uint32(b) ^ (1 << 31)) },
		cmp: cmp.Compare[int32],
	}
	int64Codec Codec[int64] = fixed[int64]{
		name: "i64", width: 8,
		put: func(b []byte, v int64) { binary.BigEndian.PutUint64(b, uint64(v)^(1<<63)) },
		get: func(b []byte) int64 { return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)) },
		cmp: cmp.Compare[int64],
	}
	float64Codec Codec[float64] = fixed[float64]{
		name: "f64", width: 8,
		put: func(b []byte, v float64) { binary.BigEndian.PutUint64(b, orderedFloatBits(v)) },
		get: func(b []byte) float64 { return floatFromOrderedBits(binary.BigEndian.Uint64(b)) },
		cmp: cmp.Compare[float64],
	}
	boolCodec Codec[bool] = fixed[bool]{
		name: "bool", width: 1,
		put: func(b []byte, v bool) {
			if v {
				b[0] = 1
			}
		},
		get: func(b []byte) bool { return b[0] != 0 },
		cmp: func(a, b bool) int {
			switch {
			case a == b:
				return 0
			case !a:
				return -1
			}
			return 1
		},
	}
	uuidCodec Codec[uuid.UUID] = fixed[uuid.UUID]{
		name: "uuid", width: 16,
		put: func(b []byte, v uuid.UUID) { copy(b, v[:]) },
		get: func(b []byte) uuid.UUID { return uuid.UUID(b) },
		cmp: func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) },
	}
)

// orderedFloatBits maps a float to bits whose unsigned order is the float
// order: negative values have every bit flipped, others only the sign bit.
func orderedFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits>>63 == 1 {
		return ^bits
	}
	return bits | 1<<63
}

func floatFromOrderedBits(bits uint64) float64 {
	if bits>>63 == 1 {
		return math.Float64frombits(bits &^ (1 << 63))
	}
	return math.Float64frombits(^bits)
}

// Bytes stores byte slices as they are, in bytewise order.
func Bytes() Codec[[]byte] { return bytesCodec }

// String stores UTF-8 bytes; bytewise order is code point order.
func String() Codec[string]   { return stringCodec }
func Uint8() Codec[uint8]     { return uint8Codec }
func Uint16() Codec[uint16]   { return uint16Codec }
func Uint32() Codec[uint32]   { return uint32Codec }
func Uint64() Codec[uint64]   { return uint64Codec }
func Int32() Codec[int32]     { return int32Codec }
func Int64() Codec[int64]     { return int64Codec }
func Float64() Codec[float64] { return float64Codec }
func Bool() Codec[bool]       { return boolCodec }
func UUID() Codec[uuid.UUID]  { return uuidCodec }

func init() {
	Register(bytesCodec)
	Register(stringCodec)
	Register(uint8Codec)
	Register(uint16Codec)
	Register(uint32Codec)
	Register(uint64Codec)
	Register(int32Codec)
	Register(int64Codec)
	Register(float64Codec)
	Register(boolCodec)
	Register(uuidCodec)
}

type pair[A, B any] struct {
	a Codec[A]
	b Codec[B]
}

// Pair is a two-field tuple ordered by its first field, then its second.
type Pair[A, B any] struct {
	First  A
	Second B
}

func (p Pair[A, B]) String() string { return fmt.Sprintf("(%v, %v)", p.First, p.Second) }

// Tuple2 encodes a Pair. A variable-width first field is prefixed with its
// uvarint length.
func Tuple2[A, B any](a Codec[A], b Codec[B]) Codec[Pair[A, B]] {
	c := pair[A, B]{a: a, b: b}
	Register[Pair[A, B]](c)
	return c
}

func (c pair[A, B]) TypeName() string {
	return "(" + c.a.TypeName() + "," + c.b.TypeName() + ")"
}

func (c pair[A, B]) FixedWidth() int {
	if c.a.FixedWidth() == 0 || c.b.FixedWidth() == 0 {
		return 0
	}
	return c.a.FixedWidth() + c.b.FixedWidth()
}

func (c pair[A, B]) Encode(v Pair[A, B]) []byte {
	first := c.a.Encode(v.First)
	second := c.b.Encode(v.Second)
	out := make([]byte, 0, binary.MaxVarintLen64+len(first)+len(second))
	if c.a.FixedWidth() == 0 {
		out = binary.AppendUvarint(out, uint64(len(first)))
	}
	out = append(out, first...)
	return append(out, second...)
}

func (c pair[A, B]) split(data []byte) ([]byte, []byte, error) {
	n := c.a.FixedWidth()
	if n == 0 {
		l, used := binary.Uvarint(data)
		if used <= 0 || l > uint64(len(data)-used) {
			return nil, nil, fmt.Errorf("%w: %s: bad length prefix", ErrMalformed, c.TypeName())
		}
		data = data[used:]
		n = int(l)
	}
	if n > len(data) {
		return nil, nil, fmt.Errorf("%w: %s: %d bytes is too short", ErrMalformed, c.TypeName(), len(data))
	}
	return data[:n], data[n:], nil
}

func (c pair[A, B]) Decode(data []byte) (Pair[A, B], error) {
	var out Pair[A, B]
	first, second, err := c.split(data)
	if err != nil {
		return out, err
	}
	if out.First, err = c.a.Decode(first); err != nil {
		return out, err
	}
	out.Second, err = c.b.Decode(second)
	return out, err
}

func (c pair[A, B]) Compare(x, y []byte) int {
	x1, x2, errX := c.split(x)
	y1, y2, errY := c.split(y)
	if errX != nil || errY != nil {
		return bytes.Compare(x, y)
	}
	if r := c.a.Compare(x1, y1); r != 0 {
		return r
	}
	return c.b.Compare(x2, y2)
}
