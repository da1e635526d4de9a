package flushmanager

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// exerciseBackend runs the same read/write/grow contract against any backend.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()

	// 1. Growing extends the store with zeroes; shrinking through Grow is a no-op.
	require.NoError(t, b.Grow(8192))
	require.NoError(t, b.Grow(100))
	n, err := b.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), n)

	zero, err := b.Read(4096, 16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), zero)

	// 2. Written bytes are read back at their offset.
	require.NoError(t, b.Write(4090, []byte("hello world")))
	got, err := b.Read(4090, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	// 3. Reads past the end fail.
	_, err = b.Read(8190, 4)
	assert.ErrorIs(t, err, ErrIO)

	require.NoError(t, b.Flush())
}

// TestMemoryBackendContract checks the in-memory backend basics.
func TestMemoryBackendContract(t *testing.T) {
	b := NewMemoryBackend()
	exerciseBackend(t, b)
	require.NoError(t, b.Close())
	_, err := b.Read(0, 1)
	assert.ErrorIs(t, err, ErrIO)
}

// TestDiskManagerContract checks the file backend and its exclusive lock.
func TestDiskManagerContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.gojo")
	dm, err := OpenDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	exerciseBackend(t, dm)

	// 1. A second handle on the same file is refused while the first is open.
	if runtime.GOOS != "windows" && runtime.GOOS != "plan9" {
		_, err = OpenDiskManager(path, zap.NewNop())
		assert.ErrorIs(t, err, ErrDatabaseLocked)
	}

	// 2. Truncate shrinks the file and the data survives a reopen.
	require.NoError(t, dm.Truncate(4096+11))
	require.NoError(t, dm.Close())

	dm, err = OpenDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()
	n, err := dm.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096+11), n)
	got, err := dm.Read(4090, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

// TestMmapBackendContract checks reads through the mapping see positioned
// writes, including after the file grows past the first mapped chunk.
func TestMmapBackendContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.gojo")
	mb, err := OpenMmapBackend(path, zap.NewNop())
	if err != nil {
		assert.ErrorIs(t, err, ErrUnsupportedBackend)
		t.Skip("mmap backend not available on this platform")
	}
	defer mb.Close()
	exerciseBackend(t, mb)

	// 1. Data spanning a grow is still visible.
	big := uint64(minMmapChunk + 8192)
	require.NoError(t, mb.Grow(big))
	require.NoError(t, mb.Write(big-6, []byte("tail!!")))
	got, err := mb.Read(big-6, 6)
	require.NoError(t, err)
	assert.Equal(t, "tail!!", string(got))

	got, err = mb.Read(4090, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

// TestMemoryBackendCrashImages checks what survives each crash mode.
func TestMemoryBackendCrashImages(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Write(0, []byte("durable!")))
	require.NoError(t, b.Flush())
	require.NoError(t, b.Write(0, []byte("volatile")))
	require.NoError(t, b.Write(8, []byte("abcd")))

	// 1. Dropping unflushed writes restores the flushed contents.
	img := b.CrashImage(CrashDropUnflushed)
	got, err := img.Read(0, 8)
	require.NoError(t, err)
	assert.Equal(t, "durable!", string(got))
	n, _ := img.Len()
	assert.Equal(t, uint64(8), n)

	// 2. Keeping them replays every write.
	img = b.CrashImage(CrashKeepUnflushed)
	got, err = img.Read(0, 12)
	require.NoError(t, err)
	assert.Equal(t, "volatileabcd", string(got))

	// 3. A torn write keeps only a prefix of the last write.
	img = b.CrashImage(CrashTearLastWrite)
	got, err = img.Read(0, 10)
	require.NoError(t, err)
	assert.Equal(t, "volatileab", string(got))
}

// TestMemoryBackendCrashAfterFlushes stops the backend at a chosen flush.
func TestMemoryBackendCrashAfterFlushes(t *testing.T) {
	b := NewMemoryBackend()
	b.CrashAfterFlushes(1)

	require.NoError(t, b.Write(0, []byte("one")))
	require.NoError(t, b.Flush())
	require.NoError(t, b.Write(0, []byte("two")))
	assert.ErrorIs(t, b.Flush(), ErrSimulatedCrash)
	assert.True(t, b.Crashed())
	assert.ErrorIs(t, b.Write(0, []byte("three")), ErrSimulatedCrash)
	assert.Equal(t, 1, b.Flushes())

	got, err := b.CrashImage(CrashDropUnflushed).Read(0, 3)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

// TestParseBackendType maps config strings to backends.
func TestParseBackendType(t *testing.T) {
	for in, want := range map[string]BackendType{"": BackendFile, "file": BackendFile, "mmap": BackendMmap, "memory": BackendMemory} {
		got, err := ParseBackendType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseBackendType("s3")
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}
