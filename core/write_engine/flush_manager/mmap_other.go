//go:build !unix

package flushmanager

import (
	"fmt"

	"go.uber.org/zap"
)

const minMmapChunk = 64 << 20

// MmapBackend is unavailable on this platform.
type MmapBackend struct {
	*DiskManager
}

// OpenMmapBackend always fails on platforms without mmap support.
func OpenMmapBackend(filePath string, _ *zap.Logger) (*MmapBackend, error) {
	return nil, fmt.Errorf("%w: mmap backend for %s", ErrUnsupportedBackend, filePath)
}
