// Package codec turns typed keys and values into the byte strings stored in
// tables, and defines the order of encoded keys.
//
// A table records the TypeName of its key and value codecs when it is created
// and refuses to open with different ones. Compare must be a total order over
// encoded keys and must never change for a given TypeName.
package codec

import (
	"errors"
	"fmt"
	"sync"
)

// ErrMalformed is returned when stored bytes do not decode as the codec's type.
var ErrMalformed = errors.New("malformed encoded value")

// Codec is the capability a type needs to be a key or value of a table.
type Codec[T any] interface {
	// TypeName identifies the encoding in the catalog.
	TypeName() string
	// FixedWidth is the size of every encoding, or 0 for variable width.
	FixedWidth() int
	Encode(v T) []byte
	Decode(data []byte) (T, error)
	// Compare orders encoded values.
	Compare(a, b []byte) int
}

// Erased is a codec seen without its Go type: enough to order and print
// stored bytes. Tools that open files without knowing the table types use it.
type Erased interface {
	TypeName() string
	Compare(a, b []byte) int
	Format(data []byte) string
}

type erased[T any] struct{ c Codec[T] }

func (e erased[T]) TypeName() string        { return e.c.TypeName() }
func (e erased[T]) Compare(a, b []byte) int { return e.c.Compare(a, b) }

func (e erased[T]) Format(data []byte) string {
	v, err := e.c.Decode(data)
	if err != nil {
		return fmt.Sprintf("<%s: %v>", e.c.TypeName(), err)
	}
	if b, ok := any(v).([]byte); ok {
		return fmt.Sprintf("%q", b)
	}
	return fmt.Sprint(v)
}

// Erase returns the type-erased view of c.
func Erase[T any](c Codec[T]) Erased { return erased[T]{c: c} }

var registry sync.Map // TypeName -> Erased

// Register makes c available to Lookup. Registering a TypeName twice keeps
// the first codec.
func Register[T any](c Codec[T]) {
	registry.LoadOrStore(c.TypeName(), Erase(c))
}

// Lookup returns the registered codec for a TypeName.
func Lookup(typeName string) (Erased, bool) {
	v, ok := registry.Load(typeName)
	if !ok {
		return nil, false
	}
	return v.(Erased), true
}

// Comparer returns the key order of a TypeName, or nil when it is unknown.
func Comparer(typeName string) func(a, b []byte) int {
	if e, ok := Lookup(typeName); ok {
		return e.Compare
	}
	return nil
}

func checkWidth(name string, data []byte, width int) error {
	if len(data) != width {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, name, width, len(data))
	}
	return nil
}
