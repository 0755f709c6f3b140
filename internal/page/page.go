// Package page implements the on-disk block layout shared by every key file:
//
//	+-----------------------------+ 0
//	| level            (1 byte)   |
//	| next block       (4 bytes)  |
//	| prev block       (4 bytes)  |
//	| item count       (2 bytes)  |
//	| free offset      (2 bytes)  |
//	+-----------------------------+ 13
//	| packed items (grow up)      |
//	+-----------------------------+ <-- free offset
//	|        free space           |
//	+-----------------------------+ <-- Size - 2*count
//	| slot offsets (grow down)    |
//	+-----------------------------+ Size
//
// Level 0 is a leaf, 1..253 are inner nodes, 254 is a free block and 255 is a
// raw data block of an overflow chain.
package page

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novakf/internal/alias/bx"
)

const (
	Size       = 4096
	HeaderSize = 13
	SlotSize   = 2

	// Capacity is the number of bytes available to items and slots.
	Capacity = Size - HeaderSize

	MaxKeyLen     = 255
	MaxInlineData = 1024
)

const (
	LevelLeaf        uint8 = 0
	LevelMaxInternal uint8 = 253
	LevelFree        uint8 = 254
	LevelData        uint8 = 255
)

// Header offsets
const (
	offLevel = 0
	offNext  = 1
	offPrev  = 5
	offCount = 9
	offFree  = 11
)

var (
	ErrNoFit   = errors.New("page: item does not fit")
	ErrCorrupt = errors.New("page: corrupt block")
	ErrIndex   = errors.New("page: item index out of range")
	ErrItem    = errors.New("page: invalid item")
)

// Compare orders two keys; it returns <0, 0 or >0.
type Compare func(a, b []byte) int

// Page is one block held in memory. Buf is the exact on-disk image; items is
// a decode cache indexed by slot and is never persisted.
type Page struct {
	Buf     []byte
	BlockNo uint32

	items []*Item
}

// New returns a zeroed, uninitialised page for blockNo.
func New(blockNo uint32) *Page {
	return &Page{Buf: make([]byte, Size), BlockNo: blockNo}
}

// Init clears the page and formats an empty block of the given level.
func (p *Page) Init(level uint8) {
	clear(p.Buf)
	p.Buf[offLevel] = level
	p.setFreeOffset(HeaderSize)
	p.invalidateFrom(0)
}

// Clone deep-copies the block image. The decode cache is copied shallowly:
// cached items are immutable.
func (p *Page) Clone() *Page {
	c := &Page{Buf: make([]byte, Size), BlockNo: p.BlockNo}
	copy(c.Buf, p.Buf)
	if len(p.items) > 0 {
		c.items = make([]*Item, len(p.items))
		copy(c.items, p.items)
	}
	return c
}

// ---- header ----

func (p *Page) Level() uint8        { return p.Buf[offLevel] }
func (p *Page) SetLevel(l uint8)    { p.Buf[offLevel] = l }
func (p *Page) Next() uint32        { return bx.U32At(p.Buf, offNext) }
func (p *Page) SetNext(b uint32)    { bx.PutU32At(p.Buf, offNext, b) }
func (p *Page) Prev() uint32        { return bx.U32At(p.Buf, offPrev) }
func (p *Page) SetPrev(b uint32)    { bx.PutU32At(p.Buf, offPrev, b) }
func (p *Page) Count() int          { return int(bx.U16At(p.Buf, offCount)) }
func (p *Page) setCount(n int)      { bx.PutU16At(p.Buf, offCount, uint16(n)) }
func (p *Page) FreeOffset() int     { return int(bx.U16At(p.Buf, offFree)) }
func (p *Page) setFreeOffset(o int) { bx.PutU16At(p.Buf, offFree, uint16(o)) }

func (p *Page) IsLeaf() bool { return p.Level() == LevelLeaf }

// IsNode reports whether the page carries items (leaf or inner node).
func (p *Page) IsNode() bool { return p.Level() <= LevelMaxInternal }

// FreeSpace is the gap between the item area and the slot array.
func (p *Page) FreeSpace() int {
	return Size - SlotSize*p.Count() - p.FreeOffset()
}

// Used is the number of bytes taken by items and slots.
func (p *Page) Used() int {
	return Capacity - p.FreeSpace()
}

// Check validates the header so later parsing can trust the bounds.
func (p *Page) Check() error {
	if len(p.Buf) != Size {
		return fmt.Errorf("%w: block %d has %d bytes", ErrCorrupt, p.BlockNo, len(p.Buf))
	}
	free, n := p.FreeOffset(), p.Count()
	if free < HeaderSize || free+SlotSize*n > Size {
		return fmt.Errorf("%w: block %d free=%d count=%d", ErrCorrupt, p.BlockNo, free, n)
	}
	if !p.IsNode() && n != 0 {
		return fmt.Errorf("%w: block %d level %d has %d items", ErrCorrupt, p.BlockNo, p.Level(), n)
	}
	return nil
}

// ---- slots ----

func slotOff(i int) int { return Size - SlotSize*(i+1) }

func (p *Page) slot(i int) int         { return int(bx.U16At(p.Buf, slotOff(i))) }
func (p *Page) setSlot(i int, off int) { bx.PutU16At(p.Buf, slotOff(i), uint16(off)) }

// removeBytes cuts size bytes at off out of the item area and fixes every
// slot that pointed behind the cut.
func (p *Page) removeBytes(off, size int) {
	free := p.FreeOffset()
	copy(p.Buf[off:], p.Buf[off+size:free])
	clear(p.Buf[free-size : free])
	p.setFreeOffset(free - size)

	for k, cnt := 0, p.Count(); k < cnt; k++ {
		if s := p.slot(k); s > off {
			p.setSlot(k, s-size)
		}
	}
}

// ---- raw data blocks ----

// Data returns the used payload of a data block.
func (p *Page) Data() []byte {
	return p.Buf[HeaderSize:p.FreeOffset()]
}

// AppendData copies as much of b as fits behind the used payload and returns
// the number of bytes taken.
func (p *Page) AppendData(b []byte) int {
	free := p.FreeOffset()
	n := copy(p.Buf[free:], b)
	p.setFreeOffset(free + n)
	return n
}

// ---- decode cache ----

func (p *Page) cached(i int) *Item {
	if i < len(p.items) {
		return p.items[i]
	}
	return nil
}

func (p *Page) cache(i int, it *Item) {
	for len(p.items) <= i {
		p.items = append(p.items, nil)
	}
	p.items[i] = it
}

// invalidateFrom drops cached items at or after slot i.
func (p *Page) invalidateFrom(i int) {
	if i < len(p.items) {
		clear(p.items[i:])
		p.items = p.items[:i]
	}
}
