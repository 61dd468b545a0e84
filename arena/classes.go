package arena

import (
	"encoding/binary"
	"math/bits"
)

// Slab size classes and their fixed 64KiB page layouts.
// A page is self-identifying: the final 4 bytes always hold the class's
// slot size, and every handed-out slot is prefixed by metadata that
// recovers the page base, so a free needs no external page map.

const (
	// PageSize is the unit transferred between the page source and the
	// slab layer.
	PageSize = 64 * 1024

	// MaxSlabObject is the largest request served by a slab class; anything
	// bigger goes to the page-granular allocator.
	MaxSlabObject = 65512 - slotHeader

	slotHeader      = 8  // page-base word preceding every small-class object
	slotHeaderLarge = 16 // slot-index word + page-base word for large classes

	numOff  = PageSize - 8 // live-object count, u32
	sizeOff = PageSize - 4 // class slot size, u32; same offset for every class
)

// nilLink is the intrusive-list null. Offset 0 is a valid page address, so
// the page lists cannot reuse zero the way a pointer-based layout would.
const nilLink = ^uint64(0)

type classKind int

const (
	classSmall classKind = iota // two-level bitmap, 8-byte slot header
	classLarge                  // one-level bitmap, 16-byte slot header
	classHuge                   // single slot covering the whole page
)

// slabClass fixes the page layout of one size class. The bitmap init values
// pre-set the bits of slots that do not physically fit in the buffer, so an
// allocation scan can never land past the last real slot.
type slabClass struct {
	slotSize   uint32
	slotShift  uint // log2(slotSize), small classes only
	kind       classKind
	l2Words    int
	bufLen     uint32
	l1Init     uint64
	l2TailInit uint64
	l1Off      uint32
	l2Off      uint32
	prevOff    uint32
	nextOff    uint32
}

// Small pages are laid out as
//
//	buf[65536-32-8N] | L1:u64 | L2[N]:u64 | prev:u64 | next:u64 | num:u32 | size:u32
func smallClass(slot uint32, shift uint, l2Words int, l1Init, l2TailInit uint64) slabClass {
	bufLen := uint32(PageSize - 32 - 8*l2Words)
	return slabClass{
		slotSize:   slot,
		slotShift:  shift,
		kind:       classSmall,
		l2Words:    l2Words,
		bufLen:     bufLen,
		l1Init:     l1Init,
		l2TailInit: l2TailInit,
		l1Off:      bufLen,
		l2Off:      bufLen + 8,
		prevOff:    PageSize - 24,
		nextOff:    PageSize - 16,
	}
}

// Large pages are laid out as
//
//	buf[65504] | prev:u64 | next:u64 | L1:u64 | num:u32 | size:u32
func largeClass(slot uint32, l1Init uint64) slabClass {
	return slabClass{
		slotSize: slot,
		kind:     classLarge,
		bufLen:   65504,
		l1Init:   l1Init,
		l1Off:    PageSize - 16,
		prevOff:  PageSize - 32,
		nextOff:  PageSize - 24,
	}
}

// The 65512 page holds exactly one object and needs no bitmap:
//
//	buf[65512] | prev:u64 | next:u64 | num:u32 | size:u32
func hugeClass(slot uint32) slabClass {
	return slabClass{
		slotSize: slot,
		kind:     classHuge,
		bufLen:   slot,
		prevOff:  PageSize - 24,
		nextOff:  PageSize - 16,
	}
}

var classes = [13]slabClass{
	smallClass(16, 4, 64, 0, 0xFFFFFFFF|0b11<<32),  // 4062 slots
	smallClass(32, 5, 32, 0xFFFFFFFF, 0b111111111), // 2039 slots
	smallClass(64, 6, 16, 0xFFFFFFFFFFFF, 0b111),   // 1021 slots
	smallClass(128, 7, 8, 0xFFFFFFFFFFFFFF, 1),     // 511 slots
	smallClass(256, 8, 4, 0xFFFFFFFFFFFFFFF, 1),    // 255 slots
	smallClass(512, 9, 2, 0x3FFFFFFFFFFFFFFF, 1),   // 127 slots
	smallClass(1024, 10, 1, 0x7FFFFFFFFFFFFFFF, 1), // 63 slots
	largeClass(2040, 0xFFFFFFFF),                   // 32 slots
	largeClass(4088, 0xFFFFFFFFFFFF),               // 16 slots
	largeClass(8184, 0xFFFFFFFFFFFFFF),             // 8 slots
	largeClass(16376, 0xFFFFFFFFFFFFFFF),           // 4 slots
	largeClass(32752, 0x3FFFFFFFFFFFFFFF),          // 2 slots
	hugeClass(65512),                               // 1 slot
}

// classFor maps a requested byte size to the smallest class whose usable
// size (slot size minus header) can hold it, or -1 beyond MaxSlabObject.
func classFor(size uint64) int {
	if size > MaxSlabObject {
		return -1
	}
	switch bits.LeadingZeros64(size + slotHeader - 1) {
	case 61, 60:
		return 0 // 16
	case 59:
		return 1 // 32
	case 58:
		return 2 // 64
	case 57:
		return 3 // 128
	case 56:
		return 4 // 256
	case 55:
		return 5 // 512
	case 54:
		return 6 // 1024
	default:
		switch {
		case size <= 2040-slotHeaderLarge:
			return 7
		case size <= 4088-slotHeaderLarge:
			return 8
		case size <= 8184-slotHeaderLarge:
			return 9
		case size <= 16376-slotHeaderLarge:
			return 10
		case size <= 32752-slotHeaderLarge:
			return 11
		default:
			return 12 // 65512
		}
	}
}

// classBySlotSize resolves the class on free from a page's trailing size
// word, or -1 when the word matches no class.
func classBySlotSize(size uint32) int {
	switch size {
	case 16:
		return 0
	case 32:
		return 1
	case 64:
		return 2
	case 128:
		return 3
	case 256:
		return 4
	case 512:
		return 5
	case 1024:
		return 6
	case 2040:
		return 7
	case 4088:
		return 8
	case 8184:
		return 9
	case 16376:
		return 10
	case 32752:
		return 11
	case 65512:
		return 12
	default:
		return -1
	}
}

// slabPage is a cursor over one 64KiB page. All state lives in the heap
// bytes themselves; copying the cursor is free.
type slabPage struct {
	heap []byte
	base uint64
	cls  *slabClass
}

func (p slabPage) u64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(p.heap[p.base+uint64(off):])
}

func (p slabPage) putU64(off uint32, v uint64) {
	binary.LittleEndian.PutUint64(p.heap[p.base+uint64(off):], v)
}

func (p slabPage) l1() uint64      { return p.u64(p.cls.l1Off) }
func (p slabPage) setL1(v uint64)  { p.putU64(p.cls.l1Off, v) }
func (p slabPage) l2(i int) uint64 { return p.u64(p.cls.l2Off + uint32(i)*8) }
func (p slabPage) setL2(i int, v uint64) {
	p.putU64(p.cls.l2Off+uint32(i)*8, v)
}

func (p slabPage) prev() uint64     { return p.u64(p.cls.prevOff) }
func (p slabPage) setPrev(v uint64) { p.putU64(p.cls.prevOff, v) }
func (p slabPage) next() uint64     { return p.u64(p.cls.nextOff) }
func (p slabPage) setNext(v uint64) { p.putU64(p.cls.nextOff, v) }

func (p slabPage) num() uint32 {
	return binary.LittleEndian.Uint32(p.heap[p.base+numOff:])
}

func (p slabPage) setNum(v uint32) {
	binary.LittleEndian.PutUint32(p.heap[p.base+numOff:], v)
}

// init prepares a freshly acquired page: bitmaps to their per-class
// all-free state, links detached, count zeroed, trailing size word stamped.
func (p slabPage) init() {
	switch p.cls.kind {
	case classSmall:
		p.setL1(p.cls.l1Init)
		for i := 0; i < p.cls.l2Words-1; i++ {
			p.setL2(i, 0)
		}
		p.setL2(p.cls.l2Words-1, p.cls.l2TailInit)
	case classLarge:
		p.setL1(p.cls.l1Init)
	}
	p.setPrev(nilLink)
	p.setNext(nilLink)
	p.setNum(0)
	binary.LittleEndian.PutUint32(p.heap[p.base+sizeOff:], p.cls.slotSize)
}

// alloc claims the first free slot and returns the user address. The page
// must not be full.
func (p slabPage) alloc() uint64 {
	switch p.cls.kind {
	case classSmall:
		i := bits.LeadingZeros64(^p.l1())
		j := bits.LeadingZeros64(^p.l2(i))
		p.setL2(i, p.l2(i)|1<<(63-j))
		if p.l2(i) == ^uint64(0) {
			p.setL1(p.l1() | 1<<(63-i))
		}
		slot := (uint64(i)*64 + uint64(j)) * uint64(p.cls.slotSize)
		if slot >= uint64(p.cls.bufLen) {
			panic("allocation error")
		}
		p.putU64(uint32(slot), p.base)
		p.setNum(p.num() + 1)
		return p.base + slot + slotHeader
	case classLarge:
		i := bits.LeadingZeros64(^p.l1())
		p.setL1(p.l1() | 1<<(63-i))
		slot := uint64(i) * uint64(p.cls.slotSize)
		p.putU64(uint32(slot), uint64(i))
		p.putU64(uint32(slot)+8, p.base)
		p.setNum(p.num() + 1)
		return p.base + slot + slotHeaderLarge
	default:
		p.putU64(0, p.base)
		p.setNum(1)
		return p.base + slotHeader
	}
}

// free releases the slot behind a user address previously returned by alloc
// on this page.
func (p slabPage) free(ptr uint64) {
	switch p.cls.kind {
	case classSmall:
		idx := (ptr - slotHeader - p.base) >> p.cls.slotShift
		i, j := idx>>6, idx&63
		p.setL1(p.l1() &^ (1 << (63 - i)))
		p.setL2(int(i), p.l2(int(i))&^(1<<(63-j)))
		p.setNum(p.num() - 1)
	case classLarge:
		i := binary.LittleEndian.Uint64(p.heap[ptr-slotHeaderLarge:])
		p.setL1(p.l1() &^ (1 << (63 - i)))
		p.setNum(p.num() - 1)
	default:
		p.setNum(0)
	}
}

func (p slabPage) full() bool {
	if p.cls.kind == classHuge {
		return true
	}
	return p.l1() == ^uint64(0)
}

func (p slabPage) empty() bool { return p.num() == 0 }
