package arena

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHeapSize is the smallest legal configuration: depth 9, 512 pages.
const testHeapSize = 32 << 20

func TestNewBuddy_Validation(t *testing.T) {
	for _, size := range []uint64{0, PageSize, 16 << 20, 48 << 20, 32<<20 + 1, 64 << 40} {
		_, err := NewBuddy(size)
		assert.Error(t, err, "size %d", size)
	}

	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)
	assert.Equal(t, uint(9), b.depth)
	// (2^10 - 1) nodes at 32 per word, plus the straggler word.
	assert.Len(t, b.bitmap, (1<<10-1)>>5+1)
}

func TestBuddy_AllocLeftFirst(t *testing.T) {
	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)

	p1, err := b.Alloc(PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p1)

	p2, err := b.Alloc(PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(PageSize), p2)

	// A 2MiB block skips the partially used 2MiB run at the bottom.
	p3, err := b.Alloc(2 << 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), p3)
	assert.Zero(t, p3%(2<<20), "blocks are naturally aligned")

	assert.Equal(t, uint64(PageSize), b.Free(p1))
	assert.Equal(t, uint64(PageSize), b.Free(p2))
	assert.Equal(t, uint64(2<<20), b.Free(p3))
	assertBuddyPristine(t, b)
}

func TestBuddy_RoundsUpToPowerOfTwo(t *testing.T) {
	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)

	p, err := b.Alloc(3 << 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(4<<20), b.Free(p), "3MiB request occupies a 4MiB block")
	assertBuddyPristine(t, b)
}

func TestBuddy_ZeroSize(t *testing.T) {
	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)

	p, err := b.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(PageSize), b.Free(p), "zero-size request takes one page")
	assertBuddyPristine(t, b)
}

func TestBuddy_Exhaustion(t *testing.T) {
	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)

	blocks := make([]uint64, 0, 16)
	for i := 0; i < 16; i++ {
		p, err := b.Alloc(2 << 20)
		require.NoError(t, err)
		blocks = append(blocks, p)
	}

	_, err = b.Alloc(2 << 20)
	require.ErrorIs(t, err, ErrOutOfMemory)
	_, err = b.Alloc(PageSize)
	require.ErrorIs(t, err, ErrOutOfMemory)

	for _, p := range blocks {
		b.Free(p)
	}
	assertBuddyPristine(t, b)

	// Coalescing restored the root block.
	p, err := b.Alloc(testHeapSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p)
	b.Free(p)
}

func TestBuddy_PageExhaustion(t *testing.T) {
	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)

	pages := make([]uint64, 0, 512)
	for i := 0; i < 512; i++ {
		p, err := b.AllocPage()
		require.NoError(t, err)
		assert.Equal(t, uint64(i)*PageSize, p, "pages come out lowest-first")
		pages = append(pages, p)
	}

	_, err = b.AllocPage()
	require.ErrorIs(t, err, ErrOutOfMemory)

	for _, p := range pages {
		b.FreePage(p)
	}
	assertBuddyPristine(t, b)

	p, err := b.AllocPage()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p)
	b.FreePage(p)
}

func TestBuddy_DoubleFreePanics(t *testing.T) {
	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)

	p, err := b.Alloc(PageSize)
	require.NoError(t, err)
	b.Free(p)

	assert.PanicsWithValue(t, "freed unused memory", func() { b.Free(p) })
}

func TestBuddy_FreeInsideBlockPanics(t *testing.T) {
	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)

	_, err = b.Alloc(2 * PageSize)
	require.NoError(t, err)

	// PageSize is inside the live 128KiB leaf but not its base.
	assert.PanicsWithValue(t, "freed invalid address", func() { b.Free(PageSize) })
}

// assertBuddyPristine checks the observational roundtrip invariant: every
// tag word back to zero, i.e. the whole tree UNUSED.
func assertBuddyPristine(t *testing.T, b *BuddyAllocator) {
	t.Helper()
	for i, w := range b.bitmap {
		require.Zerof(t, w, "bitmap word %d still tagged after all frees", i)
	}
}

func TestBuddy_ErrorsAreOutOfMemory(t *testing.T) {
	b, err := NewBuddy(testHeapSize)
	require.NoError(t, err)

	_, err = b.Alloc(testHeapSize * 2)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
}
