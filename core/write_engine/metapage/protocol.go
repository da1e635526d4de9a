package metapage

import (
	"bytes"
	"errors"
	"fmt"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// ErrUninitialized is returned by Recover when neither slot was ever written:
// the file is new, or its creation did not get as far as the first metapage.
var ErrUninitialized = errors.New("metapage slots are empty")

// Recovered is the outcome of slot selection at open.
type Recovered struct {
	Header *Header
	Slot   int
	// OtherErr explains why the other slot was rejected. It is nil when the
	// other slot was valid but older.
	OtherErr error
}

// Commit makes h current by writing it into slot and flushing. Every page h
// references must already be durable. h.State is set by the protocol.
func Commit(backend flushmanager.Backend, slot int, h *Header) error {
	off := SlotOffset(slot)
	switch h.Strategy {
	case StrategyChecksum:
		h.State = StateCommitted
		if err := backend.Write(off, h.Marshal()); err != nil {
			return fmt.Errorf("writing metapage slot %d: %w", slot, err)
		}
		if err := backend.Flush(); err != nil {
			return fmt.Errorf("flushing metapage slot %d: %w", slot, err)
		}
	case StrategyTwoPhase:
		h.State = StatePending
		if err := backend.Write(off, h.Marshal()); err != nil {
			return fmt.Errorf("writing pending metapage slot %d: %w", slot, err)
		}
		if err := backend.Flush(); err != nil {
			return fmt.Errorf("flushing pending metapage slot %d: %w", slot, err)
		}
		if err := backend.Write(off+stateOffset, []byte{byte(StateCommitted)}); err != nil {
			return fmt.Errorf("marking metapage slot %d committed: %w", slot, err)
		}
		if err := backend.Flush(); err != nil {
			return fmt.Errorf("flushing commit marker of slot %d: %w", slot, err)
		}
		h.State = StateCommitted
	default:
		return fmt.Errorf("%w %d", errBadStrategy, h.Strategy)
	}
	return nil
}

// Recover reads both slots and selects the valid one with the highest
// generation. It never repairs anything: a file with no valid slot fails
// with ErrCorrupted. When the only intact slots are from an older format the
// open fails with ErrUpgradeRequired instead.
func Recover(backend flushmanager.Backend) (*Recovered, error) {
	length, err := backend.Len()
	if err != nil {
		return nil, err
	}
	headerLen := uint64(NumSlots * pagemanager.PageSize)
	if length < headerLen {
		if length == 0 {
			return nil, ErrUninitialized
		}
		data, err := backend.Read(0, int(length))
		if err != nil {
			return nil, err
		}
		if isZero(data) {
			return nil, ErrUninitialized
		}
		return nil, fmt.Errorf("%w: file is %d bytes, shorter than the metapage slots", flushmanager.ErrCorrupted, length)
	}

	pages, err := backend.Read(0, int(headerLen))
	if err != nil {
		return nil, err
	}
	if isZero(pages) {
		return nil, ErrUninitialized
	}

	var headers [NumSlots]*Header
	var errs [NumSlots]error
	for slot := 0; slot < NumSlots; slot++ {
		page := pages[SlotOffset(slot) : SlotOffset(slot)+pagemanager.PageSize]
		headers[slot], errs[slot] = Unmarshal(page)
	}

	best := -1
	for slot, h := range headers {
		if h != nil && (best < 0 || h.Generation > headers[best].Generation) {
			best = slot
		}
	}
	if best < 0 {
		for _, err := range errs {
			if errors.Is(err, flushmanager.ErrUpgradeRequired) {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: no valid metapage (slot 0: %v; slot 1: %v)", flushmanager.ErrCorrupted, errs[0], errs[1])
	}

	h := headers[best]
	if need := h.Layout.Len(); need > length {
		return nil, fmt.Errorf("%w: metapage describes %d bytes but the file has %d", flushmanager.ErrCorrupted, need, length)
	}
	return &Recovered{Header: h, Slot: best, OtherErr: errs[1-best]}, nil
}

func isZero(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}
