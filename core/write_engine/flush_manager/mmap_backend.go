//go:build unix

package flushmanager

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const minMmapChunk = 64 << 20

// MmapBackend serves reads from read-only shared mappings of the file and
// sends writes through the DiskManager. The mapped address space grows in
// chunks that double in size; existing chunks are never remapped, so a read
// in progress never sees its mapping move.
type MmapBackend struct {
	*DiskManager
	mapMu  sync.RWMutex
	chunks [][]byte
	mapped uint64
}

// OpenMmapBackend opens the file like OpenDiskManager and maps it for reads.
func OpenMmapBackend(filePath string, logger *zap.Logger) (*MmapBackend, error) {
	dm, err := OpenDiskManager(filePath, logger)
	if err != nil {
		return nil, err
	}
	return &MmapBackend{DiskManager: dm}, nil
}

func (mb *MmapBackend) Read(offset uint64, length int) ([]byte, error) {
	size, _ := mb.Len()
	if err := checkRange(offset, length, size); err != nil {
		return nil, err
	}
	end := offset + uint64(length)

	mb.mapMu.RLock()
	if end > mb.mapped {
		mb.mapMu.RUnlock()
		if err := mb.extendMmap(end); err != nil {
			return nil, err
		}
		mb.mapMu.RLock()
	}
	defer mb.mapMu.RUnlock()

	buf := make([]byte, length)
	var start uint64
	copied := 0
	for _, chunk := range mb.chunks {
		chunkEnd := start + uint64(len(chunk))
		if offset+uint64(copied) < chunkEnd && copied < length {
			from := offset + uint64(copied) - start
			copied += copy(buf[copied:], chunk[from:])
		}
		start = chunkEnd
	}
	if copied != length {
		return nil, fmt.Errorf("%w: mapped read of %d bytes at offset %d came up short", ErrIO, length, offset)
	}
	return buf, nil
}

func (mb *MmapBackend) extendMmap(size uint64) error {
	mb.mapMu.Lock()
	defer mb.mapMu.Unlock()
	if size <= mb.mapped {
		return nil
	}
	alloc := max(mb.mapped, minMmapChunk)
	for mb.mapped+alloc < size {
		alloc *= 2
	}
	chunk, err := unix.Mmap(int(mb.file.Fd()), int64(mb.mapped), int(alloc), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap of %d bytes at offset %d: %v", ErrIO, alloc, mb.mapped, err)
	}
	mb.chunks = append(mb.chunks, chunk)
	mb.mapped += alloc
	mb.logger.Debug("mapping extended", zap.Uint64("mapped_bytes", mb.mapped), zap.Int("chunks", len(mb.chunks)))
	return nil
}

// Close unmaps every chunk and closes the file.
func (mb *MmapBackend) Close() error {
	mb.mapMu.Lock()
	var err error
	for _, chunk := range mb.chunks {
		if uerr := unix.Munmap(chunk); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: munmap: %v", ErrIO, uerr))
		}
	}
	mb.chunks = nil
	mb.mapped = 0
	mb.mapMu.Unlock()
	return multierr.Append(err, mb.DiskManager.Close())
}
