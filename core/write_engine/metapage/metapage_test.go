package metapage

import (
	"encoding/binary"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func testHeader(strategy Strategy, gen uint64) *Header {
	return &Header{
		Strategy:       strategy,
		Layout:         pagemanager.Layout{RegionPages: 16, NumRegions: 1},
		Generation:     gen,
		TxnID:          gen * 10,
		Root:           pagemanager.NewPageNumber(0, 4, 0),
		AllocState:     pagemanager.NewPageNumber(0, 8, 1),
		AllocStateLen:  77,
		AllocStateHash: 0xfeedface,
		DatabaseID:     uuid.New(),
	}
}

// reseal recomputes the checksum of a hand-edited checksum-strategy slot.
func reseal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[checksumOffset:Size], xxhash.Sum64(buf[:checksumOffset]))
}

func setupBackend(t *testing.T) *flushmanager.MemoryBackend {
	t.Helper()
	b := flushmanager.NewMemoryBackend()
	require.NoError(t, b.Grow(16*pagemanager.PageSize))
	return b
}

// TestHeaderRoundTrip encodes and decodes a committed header under both
// strategies.
func TestHeaderRoundTrip(t *testing.T) {
	for _, s := range []Strategy{StrategyChecksum, StrategyTwoPhase} {
		h := testHeader(s, 9)
		h.State = StateCommitted
		got, err := Unmarshal(h.Marshal())
		require.NoError(t, err, s.String())
		h.Version = FormatVersion
		assert.Equal(t, h, got)
	}
}

// TestUnmarshalRejections covers each way a slot can be refused.
func TestUnmarshalRejections(t *testing.T) {
	// 1. A flipped bit breaks the checksum.
	buf := testHeader(StrategyChecksum, 3).Marshal()
	buf[30] ^= 0x01
	_, err := Unmarshal(buf)
	assert.ErrorIs(t, err, flushmanager.ErrChecksumMismatch)
	assert.True(t, flushmanager.IsCorruption(err))

	// 2. A pending two-phase slot is not trusted.
	h := testHeader(StrategyTwoPhase, 3)
	h.State = StatePending
	_, err = Unmarshal(h.Marshal())
	assert.ErrorIs(t, err, flushmanager.ErrCorrupted)

	// 3. Older formats need an upgrade; newer ones are unreadable.
	h = testHeader(StrategyTwoPhase, 3)
	h.State = StateCommitted
	buf = h.Marshal()
	buf[8] = 1
	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, flushmanager.ErrUpgradeRequired)
	buf[8] = FormatVersion + 1
	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, flushmanager.ErrCorrupted)

	// 4. Under the checksum strategy a damaged version byte is a checksum
	// failure, and only a sealed older version asks for an upgrade.
	buf = testHeader(StrategyChecksum, 3).Marshal()
	buf[8] = 1
	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, flushmanager.ErrChecksumMismatch)
	assert.NotErrorIs(t, err, flushmanager.ErrUpgradeRequired)
	reseal(buf)
	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, flushmanager.ErrUpgradeRequired)

	// 5. Garbage has no magic.
	_, err = Unmarshal(make([]byte, pagemanager.PageSize))
	assert.ErrorIs(t, err, flushmanager.ErrCorrupted)
}

// TestRecoverPicksNewestValidSlot commits alternately into both slots and
// checks recovery falls back when the newest slot is damaged.
func TestRecoverPicksNewestValidSlot(t *testing.T) {
	for _, s := range []Strategy{StrategyChecksum, StrategyTwoPhase} {
		t.Run(s.String(), func(t *testing.T) {
			b := setupBackend(t)

			// 1. An all-zero header area is an uninitialized file.
			_, err := Recover(b)
			assert.ErrorIs(t, err, ErrUninitialized)

			// 2. Two commits; the newer generation wins.
			require.NoError(t, Commit(b, 0, testHeader(s, 1)))
			require.NoError(t, Commit(b, 1, testHeader(s, 2)))
			rec, err := Recover(b)
			require.NoError(t, err)
			assert.Equal(t, 1, rec.Slot)
			assert.Equal(t, uint64(2), rec.Header.Generation)
			assert.NoError(t, rec.OtherErr)

			// 3. A torn write of slot 1 makes recovery fall back to slot 0.
			require.NoError(t, b.Write(SlotOffset(1)+stateOffset, []byte{byte(StatePending)}))
			require.NoError(t, b.Write(SlotOffset(1)+100, []byte{0xff}))
			rec, err = Recover(b)
			require.NoError(t, err)
			assert.Equal(t, 0, rec.Slot)
			assert.Equal(t, uint64(1), rec.Header.Generation)
			assert.Error(t, rec.OtherErr)

			// 4. A newer slot with a garbled version byte is skipped too.
			require.NoError(t, Commit(b, 1, testHeader(s, 3)))
			require.NoError(t, b.Write(SlotOffset(1)+8, []byte{0}))
			if s == StrategyTwoPhase {
				require.NoError(t, b.Write(SlotOffset(1)+stateOffset, []byte{byte(StatePending)}))
			}
			rec, err = Recover(b)
			require.NoError(t, err)
			assert.Equal(t, 0, rec.Slot)
			assert.Equal(t, uint64(1), rec.Header.Generation)
			assert.NotErrorIs(t, rec.OtherErr, flushmanager.ErrUpgradeRequired)

			// 5. With both slots damaged the file is corrupt.
			require.NoError(t, b.Write(SlotOffset(0), []byte("garbage!")))
			_, err = Recover(b)
			assert.ErrorIs(t, err, flushmanager.ErrCorrupted)
		})
	}
}

// TestRecoverUpgradeRequired fails the open only when no slot is readable
// and an intact slot carries an older format.
func TestRecoverUpgradeRequired(t *testing.T) {
	b := setupBackend(t)

	// 1. Both slots sealed under an older version.
	for slot := 0; slot < NumSlots; slot++ {
		buf := testHeader(StrategyChecksum, uint64(slot+1)).Marshal()
		buf[8] = FormatVersion - 1
		reseal(buf)
		require.NoError(t, b.Write(SlotOffset(slot), buf))
	}
	_, err := Recover(b)
	assert.ErrorIs(t, err, flushmanager.ErrUpgradeRequired)

	// 2. A current slot next to an old one is recovered normally.
	require.NoError(t, Commit(b, 1, testHeader(StrategyChecksum, 7)))
	rec, err := Recover(b)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Slot)
	assert.ErrorIs(t, rec.OtherErr, flushmanager.ErrUpgradeRequired)
}

// TestRecoverTwoPhaseCrashPoints stops the two-phase protocol after each of
// its flushes.
func TestRecoverTwoPhaseCrashPoints(t *testing.T) {
	for crashAfter := 0; crashAfter <= 2; crashAfter++ {
		b := setupBackend(t)
		require.NoError(t, Commit(b, 0, testHeader(StrategyTwoPhase, 1)))

		b.CrashAfterFlushes(crashAfter)
		err := Commit(b, 1, testHeader(StrategyTwoPhase, 2))
		if crashAfter < 2 {
			require.ErrorIs(t, err, flushmanager.ErrSimulatedCrash)
		} else {
			require.NoError(t, err)
		}

		for _, mode := range []flushmanager.CrashMode{flushmanager.CrashDropUnflushed, flushmanager.CrashKeepUnflushed} {
			rec, err := Recover(b.CrashImage(mode))
			require.NoError(t, err)
			if crashAfter == 2 || (crashAfter == 1 && mode == flushmanager.CrashKeepUnflushed) {
				assert.Equal(t, uint64(2), rec.Header.Generation, "crash after %d flushes, mode %d", crashAfter, mode)
			} else {
				assert.Equal(t, uint64(1), rec.Header.Generation, "crash after %d flushes, mode %d", crashAfter, mode)
			}
		}
	}
}

// TestRecoverLayoutBeyondFile refuses a metapage describing a longer file.
func TestRecoverLayoutBeyondFile(t *testing.T) {
	b := setupBackend(t)
	h := testHeader(StrategyChecksum, 1)
	h.Layout.NumRegions = 4
	require.NoError(t, Commit(b, 0, h))
	_, err := Recover(b)
	assert.ErrorIs(t, err, flushmanager.ErrCorrupted)
}

// TestParseStrategy maps config strings.
func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyChecksum, s)
	s, err = ParseStrategy("two-phase")
	require.NoError(t, err)
	assert.Equal(t, StrategyTwoPhase, s)
	_, err = ParseStrategy("three-phase")
	assert.Error(t, err)
}
