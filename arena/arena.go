// Package arena is a two-tier general-purpose allocator over a single
// caller-supplied heap region: small requests go to size-classed slab
// pools, large ones to a buddy tree (or a flat page manager). Slab page
// metadata lives inside the heap itself; the buddy and page-manager bitmaps
// and the per-class list heads are held outside it. Addresses are byte
// offsets into the region; offset 0 is 64KiB-aligned by construction, so
// offset alignment carries over to machine addresses whenever the embedder
// hands in a 64KiB-aligned region.
package arena

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/nmxmxh/memarena/utils"
)

// ErrOutOfMemory reports that no block can satisfy the request. The
// allocator is left exactly as it was; the caller may free and retry.
var ErrOutOfMemory = errors.New("out of memory")

// ErrBadAlignment reports a requested alignment that is not a power of two.
var ErrBadAlignment = errors.New("alignment is not a power of two")

// UnmapFunc is notified with the half-open byte range of a region whose
// backing memory is no longer needed. Advisory: the allocator will not
// touch the range again unless the page source hands it back out.
type UnmapFunc func(start, end uint64)

// Allocator is the composite front end. A single mutex serializes every
// operation; the slab, buddy and pager layers carry no locking of their
// own.
type Allocator struct {
	mu    sync.Mutex
	heap  []byte
	slab  *SlabAllocator
	buddy *BuddyAllocator
	pager *PageManager
	unmap UnmapFunc
	log   *utils.Logger
}

// New returns an uninitialized allocator. Alloc fails and Free is a no-op
// until one of the Init variants runs.
func New() *Allocator { return &Allocator{} }

// Init builds a buddy tree over the whole region and a slab drawing its
// pages from it. len(heap) must be PageSize<<depth for a depth in [9, 27].
func (a *Allocator) Init(heap []byte) error {
	buddy, err := NewBuddy(uint64(len(heap)))
	if err != nil {
		return err
	}
	a.heap = heap
	a.buddy = buddy
	a.pager = nil
	a.slab = NewSlab(heap, buddy)
	a.logInit("buddy", len(heap))
	return nil
}

// InitPaged uses a flat PageManager as the page source instead of a buddy.
// Requests above MaxSlabObject are then served as single pages, so anything
// beyond PageSize fails. len(heap) must be a multiple of PageSize.
func (a *Allocator) InitPaged(heap []byte) error {
	pager, err := NewPageManager(heap)
	if err != nil {
		return err
	}
	a.heap = heap
	a.buddy = nil
	a.pager = pager
	a.slab = NewSlab(heap, pager)
	a.logInit("paged", len(heap))
	return nil
}

// SetUnmapCallback registers the unmap sink. Install it before the
// allocator is shared between goroutines.
func (a *Allocator) SetUnmapCallback(f UnmapFunc) { a.unmap = f }

// SetLogger installs a logger for init and allocation-failure events.
// Without one the allocator is silent.
func (a *Allocator) SetLogger(l *utils.Logger) { a.log = l }

func (a *Allocator) logInit(source string, heapSize int) {
	if a.log != nil {
		a.log.Info("arena initialized",
			utils.String("source", source),
			utils.Int("heap_mib", heapSize>>20))
	}
}

// Alloc returns an offset to at least size usable bytes aligned to align,
// which must be a power of two. Alignments above 8 are satisfied by
// over-allocating and recording the raw base in the 8 bytes preceding the
// returned offset.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, ErrBadAlignment
	}

	if align <= 8 {
		a.mu.Lock()
		addr, err := a.alloc(size)
		a.mu.Unlock()
		if err != nil {
			a.logAllocFailure(size, align, err)
			return 0, err
		}
		return addr, nil
	}

	pad := align - 1 + slotHeader
	if size+pad < size {
		return 0, ErrOutOfMemory
	}
	a.mu.Lock()
	raw, err := a.alloc(size + pad)
	a.mu.Unlock()
	if err != nil {
		a.logAllocFailure(size, align, err)
		return 0, err
	}

	aligned := (raw + pad) &^ (align - 1)
	binary.LittleEndian.PutUint64(a.heap[aligned-slotHeader:], raw)
	return aligned, nil
}

// Free releases ptr, which must have come from Alloc with the same size and
// align. Drained slab pages and released buddy blocks are reported to the
// unmap callback after the lock is dropped.
func (a *Allocator) Free(ptr, size, align uint64) {
	if a.slab == nil {
		return
	}
	if align > 8 {
		raw := binary.LittleEndian.Uint64(a.heap[ptr-slotHeader:])
		size += align - 1 + slotHeader
		ptr = raw
	}
	a.free(ptr, size)
}

// alloc routes by size; the caller holds the mutex.
func (a *Allocator) alloc(size uint64) (uint64, error) {
	if a.slab == nil {
		return 0, ErrOutOfMemory
	}
	if size <= MaxSlabObject {
		return a.slab.Alloc(size)
	}
	if a.buddy != nil {
		return a.buddy.Alloc(size)
	}
	if size <= PageSize {
		return a.pager.AllocPage()
	}
	return 0, ErrOutOfMemory
}

func (a *Allocator) free(addr, size uint64) {
	if a.slab == nil {
		return
	}

	var start, end uint64
	notify := false

	a.mu.Lock()
	if size <= MaxSlabObject {
		if page, released := a.slab.Free(addr); released {
			start, end, notify = page, page+PageSize, true
		}
	} else if a.buddy != nil {
		n := a.buddy.Free(addr)
		start, end, notify = addr, addr+n, true
	} else {
		a.pager.FreePage(addr)
		start, end, notify = addr, addr+PageSize, true
	}
	a.mu.Unlock()

	if notify && a.unmap != nil {
		a.unmap(start, end)
	}
}

func (a *Allocator) logAllocFailure(size, align uint64, err error) {
	if a.log != nil {
		a.log.Debug("allocation failed",
			utils.Uint64("size", size),
			utils.Uint64("align", align),
			utils.Err(err))
	}
}
