package flushmanager

import (
	"fmt"
	"sync"
)

// CrashMode selects which unflushed writes survive a simulated crash.
type CrashMode int

const (
	// CrashDropUnflushed loses every write issued after the last flush.
	CrashDropUnflushed CrashMode = iota
	// CrashKeepUnflushed keeps every write, as if the OS wrote back its cache.
	CrashKeepUnflushed
	// CrashTearLastWrite keeps every write but only the first half of the last.
	CrashTearLastWrite
)

type memWrite struct {
	offset uint64
	data   []byte
	resize bool
	length uint64
}

// MemoryBackend keeps the store in memory and models durability: only state
// captured by Flush survives CrashImage. It can also be told to stop working
// after a number of flushes, which simulates the process dying at that flush
// point.
type MemoryBackend struct {
	mu        sync.RWMutex
	data      []byte
	durable   []byte
	unflushed []memWrite
	flushes   int
	failAfter int
	crashed   bool
	closed    bool
}

// NewMemoryBackend returns an empty store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{failAfter: -1}
}

// CrashAfterFlushes lets n more flushes succeed; the next flush and every
// later write, grow or flush fail with ErrSimulatedCrash.
func (m *MemoryBackend) CrashAfterFlushes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = m.flushes + n
}

// Flushes returns the number of completed flushes.
func (m *MemoryBackend) Flushes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushes
}

// Crashed reports whether the simulated crash has happened.
func (m *MemoryBackend) Crashed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.crashed
}

func (m *MemoryBackend) Read(offset uint64, length int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("%w: read from closed memory backend", ErrIO)
	}
	if err := checkRange(offset, length, uint64(len(m.data))); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, m.data[offset:])
	return buf, nil
}

func (m *MemoryBackend) Write(offset uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	end := offset + uint64(len(data))
	if end > uint64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-uint64(len(m.data)))...)
	}
	copy(m.data[offset:], data)
	m.unflushed = append(m.unflushed, memWrite{offset: offset, data: append([]byte(nil), data...)})
	return nil
}

func (m *MemoryBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	if m.failAfter >= 0 && m.flushes >= m.failAfter {
		m.crashed = true
		return ErrSimulatedCrash
	}
	m.durable = append(m.durable[:0], m.data...)
	m.unflushed = nil
	m.flushes++
	return nil
}

func (m *MemoryBackend) Len() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data)), nil
}

func (m *MemoryBackend) Grow(newLen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	if newLen <= uint64(len(m.data)) {
		return nil
	}
	m.data = append(m.data, make([]byte, newLen-uint64(len(m.data)))...)
	m.unflushed = append(m.unflushed, memWrite{resize: true, length: newLen})
	return nil
}

func (m *MemoryBackend) Truncate(newLen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	if newLen >= uint64(len(m.data)) {
		return nil
	}
	m.data = m.data[:newLen]
	m.unflushed = append(m.unflushed, memWrite{resize: true, length: newLen})
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Bytes returns a copy of the current contents.
func (m *MemoryBackend) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

// CrashImage returns a new backend holding what a reboot would find on disk.
func (m *MemoryBackend) CrashImage(mode CrashMode) *MemoryBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()

	img := &MemoryBackend{failAfter: -1}
	img.data = append([]byte(nil), m.durable...)
	if mode != CrashDropUnflushed {
		for i, w := range m.unflushed {
			if w.resize {
				img.resize(w.length)
				continue
			}
			data := w.data
			if mode == CrashTearLastWrite && i == len(m.unflushed)-1 {
				data = data[:len(data)/2]
			}
			if end := w.offset + uint64(len(data)); end > uint64(len(img.data)) {
				img.resize(end)
			}
			copy(img.data[w.offset:], data)
		}
	}
	img.durable = append([]byte(nil), img.data...)
	return img
}

func (m *MemoryBackend) resize(n uint64) {
	if n <= uint64(len(m.data)) {
		m.data = m.data[:n]
		return
	}
	m.data = append(m.data, make([]byte, n-uint64(len(m.data)))...)
}

func (m *MemoryBackend) usableLocked() error {
	if m.closed {
		return fmt.Errorf("%w: memory backend is closed", ErrIO)
	}
	if m.crashed {
		return ErrSimulatedCrash
	}
	return nil
}
