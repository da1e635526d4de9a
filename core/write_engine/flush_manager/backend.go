package flushmanager

import "fmt"

// Backend is the byte-addressable store the engine runs on. Flush must be a
// real durability barrier: every Write that returned before Flush is durable
// once Flush returns nil.
type Backend interface {
	Read(offset uint64, length int) ([]byte, error)
	Write(offset uint64, data []byte) error
	Flush() error
	Len() (uint64, error)
	// Grow extends the store to newLen bytes. Growing to a length at or below
	// the current one is a no-op.
	Grow(newLen uint64) error
	Close() error
}

// Truncater is implemented by backends that can give space back.
type Truncater interface {
	Truncate(newLen uint64) error
}

// BackendType selects a Backend implementation.
type BackendType string

const (
	BackendFile   BackendType = "file"
	BackendMmap   BackendType = "mmap"
	BackendMemory BackendType = "memory"
)

// ParseBackendType maps a config string to a BackendType. The empty string
// selects the file backend.
func ParseBackendType(s string) (BackendType, error) {
	switch BackendType(s) {
	case "", BackendFile:
		return BackendFile, nil
	case BackendMmap:
		return BackendMmap, nil
	case BackendMemory:
		return BackendMemory, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, s)
}

func checkRange(offset uint64, length int, size uint64) error {
	if length < 0 || offset > size || uint64(length) > size-offset {
		return fmt.Errorf("%w: read of %d bytes at offset %d beyond end of store (%d bytes)", ErrIO, length, offset, size)
	}
	return nil
}
