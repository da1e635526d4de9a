// Package metapage encodes the two redundant metapage slots at the head of the
// file and implements the commit and recovery protocols over them.
package metapage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

const (
	// Size is the encoded size of a metapage. The rest of the slot page is zero.
	Size = 128

	// FormatVersion is the on-disk format this engine reads and writes.
	FormatVersion = 2

	// NumSlots is the number of redundant metapage slots.
	NumSlots = 2

	stateOffset    = 10
	checksumOffset = 120
)

// Magic identifies a gojostore file.
var Magic = [8]byte{'g', 'o', 'j', 'o', 's', 't', 'r', 0}

var (
	errBadMagic     = errors.New("bad magic")
	errNewerVersion = errors.New("written by a newer format version")
	errNotCommitted = errors.New("two-phase commit marker not set")
	errBadStrategy  = errors.New("unknown commit strategy")
)

// Strategy is the commit protocol, chosen when the file is created.
type Strategy uint8

const (
	// StrategyChecksum writes the metapage once and trusts it only if its
	// checksum matches.
	StrategyChecksum Strategy = 1
	// StrategyTwoPhase writes the metapage as pending and then flips a
	// committed marker under a second flush.
	StrategyTwoPhase Strategy = 2
)

func (s Strategy) String() string {
	switch s {
	case StrategyChecksum:
		return "checksum"
	case StrategyTwoPhase:
		return "two-phase"
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseStrategy maps a config string to a Strategy. The empty string selects
// StrategyChecksum.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "checksum":
		return StrategyChecksum, nil
	case "two-phase", "two_phase", "2pc":
		return StrategyTwoPhase, nil
	}
	return 0, fmt.Errorf("%w: %q", errBadStrategy, s)
}

// State is the two-phase commit marker.
type State uint8

const (
	StatePending   State = 1
	StateCommitted State = 2
)

// Header is the decoded content of one metapage slot.
type Header struct {
	Version        uint8
	Strategy       Strategy
	State          State
	Layout         pagemanager.Layout
	Generation     uint64
	TxnID          uint64
	Root           pagemanager.PageNumber
	AllocState     pagemanager.PageNumber
	AllocStateLen  uint32
	AllocStateHash uint64
	DatabaseID     uuid.UUID
}

// SlotOffset returns the byte offset of slot i.
func SlotOffset(slot int) uint64 {
	return uint64(slot) * pagemanager.PageSize
}

// Marshal encodes h into a full page. Under the checksum strategy the last
// eight header bytes carry the xxhash of the rest.
func (h *Header) Marshal() []byte {
	buf := make([]byte, pagemanager.PageSize)
	copy(buf[0:8], Magic[:])
	buf[8] = FormatVersion
	buf[9] = byte(h.Strategy)
	buf[stateOffset] = byte(h.State)
	binary.LittleEndian.PutUint32(buf[12:16], h.Layout.RegionPages)
	binary.LittleEndian.PutUint32(buf[16:20], h.Layout.NumRegions)
	binary.LittleEndian.PutUint64(buf[24:32], h.Generation)
	binary.LittleEndian.PutUint64(buf[32:40], h.TxnID)
	pagemanager.PutPageNumber(buf[40:48], h.Root)
	pagemanager.PutPageNumber(buf[48:56], h.AllocState)
	binary.LittleEndian.PutUint32(buf[56:60], h.AllocStateLen)
	binary.LittleEndian.PutUint64(buf[64:72], h.AllocStateHash)
	copy(buf[72:88], h.DatabaseID[:])
	if h.Strategy == StrategyChecksum {
		binary.LittleEndian.PutUint64(buf[checksumOffset:Size], xxhash.Sum64(buf[:checksumOffset]))
	}
	return buf
}

// Unmarshal decodes and validates one slot. An intact slot from an older
// format version returns ErrUpgradeRequired; every other rejection wraps
// ErrCorrupted.
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < Size {
		return nil, fmt.Errorf("%w: metapage is %d bytes", flushmanager.ErrCorrupted, len(buf))
	}
	if !bytes.Equal(buf[0:8], Magic[:]) {
		return nil, fmt.Errorf("%w: %w", flushmanager.ErrCorrupted, errBadMagic)
	}
	h := &Header{
		Version:  buf[8],
		Strategy: Strategy(buf[9]),
		State:    State(buf[stateOffset]),
	}
	switch h.Strategy {
	case StrategyChecksum:
		want := binary.LittleEndian.Uint64(buf[checksumOffset:Size])
		if got := xxhash.Sum64(buf[:checksumOffset]); got != want {
			return nil, fmt.Errorf("%w: metapage checksum %x, stored %x", flushmanager.ErrChecksumMismatch, got, want)
		}
	case StrategyTwoPhase:
		if h.State != StateCommitted {
			return nil, fmt.Errorf("%w: %w", flushmanager.ErrCorrupted, errNotCommitted)
		}
	default:
		return nil, fmt.Errorf("%w: %w %d", flushmanager.ErrCorrupted, errBadStrategy, h.Strategy)
	}
	// The version byte is only trusted once the slot itself checks out.
	if h.Version < FormatVersion {
		return nil, fmt.Errorf("%w: file format version %d, engine expects %d", flushmanager.ErrUpgradeRequired, h.Version, FormatVersion)
	}
	if h.Version > FormatVersion {
		return nil, fmt.Errorf("%w: %w (%d)", flushmanager.ErrCorrupted, errNewerVersion, h.Version)
	}

	h.Layout = pagemanager.Layout{
		RegionPages: binary.LittleEndian.Uint32(buf[12:16]),
		NumRegions:  binary.LittleEndian.Uint32(buf[16:20]),
	}
	h.Generation = binary.LittleEndian.Uint64(buf[24:32])
	h.TxnID = binary.LittleEndian.Uint64(buf[32:40])
	h.Root = pagemanager.ReadPageNumber(buf[40:48])
	h.AllocState = pagemanager.ReadPageNumber(buf[48:56])
	h.AllocStateLen = binary.LittleEndian.Uint32(buf[56:60])
	h.AllocStateHash = binary.LittleEndian.Uint64(buf[64:72])
	copy(h.DatabaseID[:], buf[72:88])
	if err := h.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("%w: metapage layout: %v", flushmanager.ErrCorrupted, err)
	}
	return h, nil
}
