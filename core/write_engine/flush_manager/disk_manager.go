package flushmanager

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager is the positioned read/write file backend. It holds an exclusive
// advisory lock on the file for as long as it is open.
type DiskManager struct {
	filePath string
	file     *os.File
	mu       sync.RWMutex
	length   uint64
	locked   bool
	logger   *zap.Logger
}

// OpenDiskManager opens or creates the database file and locks it.
func OpenDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	dm := &DiskManager{filePath: filePath, file: file, logger: logger.Named("disk_manager")}

	if err := lockFile(file); err != nil {
		_ = file.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseLocked, filePath)
		}
		return nil, fmt.Errorf("%w: locking file %s: %v", ErrIO, filePath, err)
	}
	dm.locked = true

	fi, err := file.Stat()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: getting file info: %v", ErrIO, err), dm.Close())
	}
	dm.length = uint64(fi.Size())
	dm.logger.Debug("file opened", zap.String("path", filePath), zap.Uint64("bytes", dm.length))
	return dm, nil
}

// Path returns the file path.
func (dm *DiskManager) Path() string { return dm.filePath }

func (dm *DiskManager) Read(offset uint64, length int) ([]byte, error) {
	dm.mu.RLock()
	size := dm.length
	dm.mu.RUnlock()
	if err := checkRange(offset, length, size); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := dm.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: reading %d bytes at offset %d: %v", ErrIO, length, offset, err)
	}
	return buf, nil
}

func (dm *DiskManager) Write(offset uint64, data []byte) error {
	if _, err := dm.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("%w: writing %d bytes at offset %d: %v", ErrIO, len(data), offset, err)
	}
	dm.mu.Lock()
	if end := offset + uint64(len(data)); end > dm.length {
		dm.length = end
	}
	dm.mu.Unlock()
	return nil
}

// Flush makes all previous writes durable.
func (dm *DiskManager) Flush() error {
	if err := syncFile(dm.file); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

func (dm *DiskManager) Len() (uint64, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.length, nil
}

func (dm *DiskManager) Grow(newLen uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if newLen <= dm.length {
		return nil
	}
	if err := dm.file.Truncate(int64(newLen)); err != nil {
		return fmt.Errorf("%w: growing %s to %d bytes: %v", ErrIO, dm.filePath, newLen, err)
	}
	dm.length = newLen
	return nil
}

// Truncate shrinks the file. It is only called once nothing durable refers
// to the trimmed tail.
func (dm *DiskManager) Truncate(newLen uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if newLen >= dm.length {
		return nil
	}
	if err := dm.file.Truncate(int64(newLen)); err != nil {
		return fmt.Errorf("%w: truncating %s to %d bytes: %v", ErrIO, dm.filePath, newLen, err)
	}
	dm.length = newLen
	return nil
}

// Close releases the lock and closes the file.
func (dm *DiskManager) Close() error {
	if dm.file == nil {
		return nil
	}
	var err error
	if dm.locked {
		if uerr := unlockFile(dm.file); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: unlocking %s: %v", ErrIO, dm.filePath, uerr))
		}
		dm.locked = false
	}
	if cerr := dm.file.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, cerr))
	}
	dm.file = nil
	return err
}
