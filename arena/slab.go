package arena

import (
	"encoding/binary"
	"fmt"

	"github.com/nmxmxh/memarena/utils"
)

// Slab allocator for sub-page objects.
// Carves 64KiB pages from a page source into fixed-size slots and keeps,
// per size class, doubly-linked lists of partially filled and completely
// filled pages. The links live inside the pages themselves.

// PageSource supplies and reclaims 64KiB-aligned pages. The buddy allocator
// and the PageManager both satisfy it.
type PageSource interface {
	AllocPage() (uint64, error)
	FreePage(addr uint64)
}

type slabPool struct {
	partial uint64 // pages with at least one free slot
	full    uint64 // pages with none
}

type SlabAllocator struct {
	heap  []byte
	pages PageSource
	pools [len(classes)]slabPool
}

// NewSlab builds an empty slab allocator over heap, drawing pages from src.
// Page addresses returned by src must be offsets into heap.
func NewSlab(heap []byte, src PageSource) *SlabAllocator {
	s := &SlabAllocator{heap: heap, pages: src}
	for i := range s.pools {
		s.pools[i] = slabPool{partial: nilLink, full: nilLink}
	}
	return s
}

// Alloc returns a slot of the smallest class able to hold size bytes.
func (s *SlabAllocator) Alloc(size uint64) (uint64, error) {
	ci := classFor(size)
	if ci < 0 {
		return 0, fmt.Errorf("size %d too large for slab allocator", size)
	}
	return s.allocClass(ci)
}

func (s *SlabAllocator) allocClass(ci int) (uint64, error) {
	pool := &s.pools[ci]
	cls := &classes[ci]

	if pool.partial != nilLink {
		p := s.pageAt(pool.partial, cls)
		addr := p.alloc()
		if p.full() {
			s.unlink(&pool.partial, p)
			s.push(&pool.full, p)
		}
		return addr, nil
	}

	base, err := s.pages.AllocPage()
	if err != nil {
		return 0, utils.WrapError(err, "slab page source")
	}

	p := s.pageAt(base, cls)
	p.init()
	addr := p.alloc()
	if p.full() {
		// Only the one-slot class fills on its first allocation.
		s.push(&pool.full, p)
	} else {
		s.push(&pool.partial, p)
	}
	return addr, nil
}

// Free releases the slot behind ptr. It reports the page base and true when
// the containing page drained and went back to the page source, which is
// the caller's cue to unmap that 64KiB region.
func (s *SlabAllocator) Free(ptr uint64) (uint64, bool) {
	base := binary.LittleEndian.Uint64(s.heap[ptr-slotHeader:])
	size := binary.LittleEndian.Uint32(s.heap[base+sizeOff:])

	ci := classBySlotSize(size)
	if ci < 0 {
		return 0, false
	}
	pool := &s.pools[ci]
	p := s.pageAt(base, &classes[ci])

	wasFull := p.full()
	p.free(ptr)

	switch {
	case wasFull:
		s.unlink(&pool.full, p)
		if p.empty() {
			s.pages.FreePage(p.base)
			return p.base, true
		}
		s.push(&pool.partial, p)
	case p.empty():
		s.unlink(&pool.partial, p)
		s.pages.FreePage(p.base)
		return p.base, true
	}
	return 0, false
}

func (s *SlabAllocator) pageAt(base uint64, cls *slabClass) slabPage {
	return slabPage{heap: s.heap, base: base, cls: cls}
}

// push inserts p at the head of the list rooted at head.
func (s *SlabAllocator) push(head *uint64, p slabPage) {
	p.setPrev(nilLink)
	p.setNext(*head)
	if *head != nilLink {
		s.pageAt(*head, p.cls).setPrev(p.base)
	}
	*head = p.base
}

// unlink removes p from the list rooted at head in O(1); pages move between
// the partial and full lists often enough that a walk would show up.
func (s *SlabAllocator) unlink(head *uint64, p slabPage) {
	if p.prev() != nilLink {
		s.pageAt(p.prev(), p.cls).setNext(p.next())
	} else {
		*head = p.next()
	}
	if p.next() != nilLink {
		s.pageAt(p.next(), p.cls).setPrev(p.prev())
	}
}
