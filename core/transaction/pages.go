package transaction

import (
	"go.uber.org/multierr"

	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

type freedPage struct {
	pn       pagemanager.PageNumber
	allocSeq uint64
	freeSeq  uint64
}

// txnPages is the page store of one write transaction. It hands out pages from
// the allocator and keeps enough history to undo everything after a savepoint.
//
// Every allocation and free takes the next sequence number. Pages this
// transaction allocated and frees again go straight back to the allocator,
// unless they were allocated at or before pinSeq: a savepoint or a live
// iterator may still read those, so they are deferred until commit or abort.
// Pages of committed snapshots are only recorded in freed; the commit turns
// them into pending frees.
type txnPages struct {
	pool      *memtable.BufferPoolManager
	alloc     *pagemanager.Allocator
	seq       uint64
	pinSeq    uint64
	allocated map[pagemanager.PageNumber]uint64
	deferred  []freedPage
	freed     []freedPage
	onAlloc   func(pn pagemanager.PageNumber)
}

func newTxnPages(pool *memtable.BufferPoolManager, alloc *pagemanager.Allocator) *txnPages {
	return &txnPages{
		pool:      pool,
		alloc:     alloc,
		allocated: make(map[pagemanager.PageNumber]uint64),
	}
}

func (p *txnPages) FetchPage(pn pagemanager.PageNumber) ([]byte, error) {
	return p.pool.FetchPage(pn)
}

func (p *txnPages) AllocatePage(order uint8) (pagemanager.PageNumber, error) {
	pn, err := p.alloc.Allocate(order)
	if err != nil {
		return pagemanager.InvalidPageNumber, err
	}
	p.seq++
	p.allocated[pn] = p.seq
	if p.onAlloc != nil {
		p.onAlloc(pn)
	}
	return pn, nil
}

func (p *txnPages) WritePage(pn pagemanager.PageNumber, data []byte) error {
	return p.pool.WritePage(pn, data)
}

func (p *txnPages) FreePage(pn pagemanager.PageNumber) error {
	p.seq++
	allocSeq, ours := p.allocated[pn]
	if !ours {
		p.freed = append(p.freed, freedPage{pn: pn, freeSeq: p.seq})
		return nil
	}
	delete(p.allocated, pn)
	if allocSeq <= p.pinSeq {
		p.deferred = append(p.deferred, freedPage{pn: pn, allocSeq: allocSeq, freeSeq: p.seq})
		return nil
	}
	p.pool.DiscardPage(pn)
	return p.alloc.FreeNow(pn)
}

// pin protects every page allocated so far from immediate reuse.
func (p *txnPages) pin() { p.pinSeq = p.seq }

// touched reports whether the transaction allocated or freed anything.
func (p *txnPages) touched() bool { return p.seq > 0 }

// rollbackTo undoes every allocation and free made after seq. Pages deferred
// after seq that were allocated before it become live again.
func (p *txnPages) rollbackTo(seq uint64) error {
	var errs error
	for pn, s := range p.allocated {
		if s > seq {
			delete(p.allocated, pn)
			errs = multierr.Append(errs, p.release(pn))
		}
	}
	kept := p.deferred[:0]
	for _, d := range p.deferred {
		switch {
		case d.freeSeq <= seq:
			kept = append(kept, d)
		case d.allocSeq <= seq:
			p.allocated[d.pn] = d.allocSeq
		default:
			errs = multierr.Append(errs, p.release(d.pn))
		}
	}
	p.deferred = kept
	freed := p.freed[:0]
	for _, f := range p.freed {
		if f.freeSeq <= seq {
			freed = append(freed, f)
		}
	}
	p.freed = freed
	return errs
}

// releaseDeferred frees the deferred pages at commit, when nothing can read
// them any more. The list is kept: a commit that fails afterwards restores the
// allocator, and releaseAll must free them again.
func (p *txnPages) releaseDeferred() error {
	var errs error
	for _, d := range p.deferred {
		errs = multierr.Append(errs, p.release(d.pn))
	}
	return errs
}

// releaseAll returns every page the transaction allocated. Used on abort.
func (p *txnPages) releaseAll() error {
	var errs error
	for pn := range p.allocated {
		errs = multierr.Append(errs, p.alloc.FreeNow(pn))
	}
	for _, d := range p.deferred {
		errs = multierr.Append(errs, p.alloc.FreeNow(d.pn))
	}
	p.allocated = make(map[pagemanager.PageNumber]uint64)
	p.deferred, p.freed = nil, nil
	p.pool.DiscardAll()
	return errs
}

func (p *txnPages) release(pn pagemanager.PageNumber) error {
	p.pool.DiscardPage(pn)
	return p.alloc.FreeNow(pn)
}
