package codec

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

type raw struct {
	name string
	cmp  func(a, b []byte) int
}

// Raw passes encoded bytes through unchanged while claiming typeName, so a
// tool can open a table whose Go types it does not know. Keys are ordered by
// the registered codec of typeName, or bytewise when there is none.
func Raw(typeName string) Codec[[]byte] {
	cmp := Comparer(typeName)
	if cmp == nil {
		cmp = bytes.Compare
	}
	return raw{name: typeName, cmp: cmp}
}

func (r raw) TypeName() string                   { return r.name }
func (r raw) FixedWidth() int                    { return 0 }
func (r raw) Encode(v []byte) []byte             { return v }
func (r raw) Decode(data []byte) ([]byte, error) { return bytes.Clone(data), nil }
func (r raw) Compare(a, b []byte) int            { return r.cmp(a, b) }

// Parse encodes the text form of a value of a built-in type: decimal numbers,
// true/false, canonical UUIDs, and strings or bytes as they are.
func Parse(typeName, text string) ([]byte, error) {
	bad := func(err error) ([]byte, error) {
		return nil, fmt.Errorf("%w: %q is not a %s: %v", ErrMalformed, text, typeName, err)
	}
	switch typeName {
	case "string", "bytes":
		return []byte(text), nil
	case "u8", "u16", "u32", "u64":
		bitSize := map[string]int{"u8": 8, "u16": 16, "u32": 32, "u64": 64}[typeName]
		n, err := strconv.ParseUint(text, 10, bitSize)
		if err != nil {
			return bad(err)
		}
		switch bitSize {
		case 8:
			return Uint8().Encode(uint8(n)), nil
		case 16:
			return Uint16().Encode(uint16(n)), nil
		case 32:
			return Uint32().Encode(uint32(n)), nil
		}
		return Uint64().Encode(n), nil
	case "i32":
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return bad(err)
		}
		return Int32().Encode(int32(n)), nil
	case "i64":
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return bad(err)
		}
		return Int64().Encode(n), nil
	case "f64":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return bad(err)
		}
		return Float64().Encode(f), nil
	case "bool":
		b, err := strconv.ParseBool(text)
		if err != nil {
			return bad(err)
		}
		return Bool().Encode(b), nil
	case "uuid":
		id, err := uuid.Parse(text)
		if err != nil {
			return bad(err)
		}
		return UUID().Encode(id), nil
	}
	return nil, fmt.Errorf("%w: no text form for type %s", ErrMalformed, typeName)
}

// Format prints stored bytes with the registered codec of typeName, or as a
// quoted byte string when the type is unknown.
func Format(typeName string, data []byte) string {
	if e, ok := Lookup(typeName); ok {
		return e.Format(data)
	}
	return fmt.Sprintf("%q", data)
}
