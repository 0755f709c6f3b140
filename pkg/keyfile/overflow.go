package keyfile

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/page"
)

// Values longer than page.MaxInlineData live in a chain of data blocks
// (level 255). Each block's forward link names the next block of the chain
// and its free offset marks the end of the payload it carries. A chain
// always starts at offset page.HeaderSize of its first block.

// dataBlock takes the spare block when it is still unused, otherwise a
// fresh one.
func (f *File) dataBlock() (*page.Page, error) {
	root, err := f.writeable(rootBlock)
	if err != nil {
		return nil, err
	}
	if spare := root.Prev(); spare != 0 {
		p, err := f.writeable(spare)
		if err != nil {
			return nil, err
		}
		root.SetPrev(0)
		p.Init(page.LevelData)
		return p, nil
	}
	return f.appendBlock(page.LevelData)
}

// writeChain stores data in a new chain and returns its first block.
func (f *File) writeChain(data []byte) (uint32, error) {
	var first uint32
	var prev *page.Page
	for rest := data; len(rest) > 0; {
		p, err := f.dataBlock()
		if err != nil {
			return 0, err
		}
		rest = rest[p.AppendData(rest):]
		if prev == nil {
			first = p.BlockNo
		} else {
			prev.SetNext(p.BlockNo)
		}
		prev = p
	}
	f.log.Debug("overflow chain written", zap.Uint32("first", first), zap.Int("len", len(data)))
	return first, nil
}

// walkChain visits the payload of every block of the chain that holds the
// value of it, handing fn the block and the byte range of the value in it.
func (f *File) walkChain(it *page.Item, get func(uint32) (*page.Page, error), fn func(p *page.Page, lo, hi int) error) error {
	remaining := int(it.DataLen)
	off := int(it.DataOffset)
	b := it.DataBlock
	for visited := uint32(0); remaining > 0; visited++ {
		if b == 0 || b >= f.blocks || visited > f.blocks {
			return fmt.Errorf("%w: overflow chain of %q breaks at block %d", ErrBadFile, it.Key, b)
		}
		p, err := get(b)
		if err != nil {
			return err
		}
		if p.Level() != page.LevelData {
			return fmt.Errorf("%w: overflow chain of %q enters block %d of level %d", ErrBadFile, it.Key, b, p.Level())
		}
		end := p.FreeOffset()
		if off < page.HeaderSize || off > end {
			return fmt.Errorf("%w: overflow offset %d in block %d", ErrBadFile, off, b)
		}
		n := min(end-off, remaining)
		if err := fn(p, off, off+n); err != nil {
			return err
		}
		remaining -= n
		off = page.HeaderSize
		b = p.Next()
	}
	return nil
}

// readChain returns up to limit bytes of an overflow value.
func (f *File) readChain(it *page.Item, limit int) ([]byte, error) {
	want := min(int(it.DataLen), limit)
	out := make([]byte, 0, want)
	short := *it
	short.DataLen = uint32(want)
	err := f.walkChain(&short, f.pages.Get, func(p *page.Page, lo, hi int) error {
		out = append(out, p.Buf[lo:hi]...)
		return nil
	})
	return out, err
}

// overwriteChain copies data over the start of an existing chain. data
// must not be longer than the value the chain holds.
func (f *File) overwriteChain(it *page.Item, data []byte) error {
	target := *it
	target.DataLen = uint32(len(data))
	rest := data
	return f.walkChain(&target, f.writeable, func(p *page.Page, lo, hi int) error {
		rest = rest[copy(p.Buf[lo:hi], rest):]
		return nil
	})
}

// freeChain returns every block of the chain to the free list, including
// blocks past the value's end left behind by a shrinking update. A chain
// that does not start on a block boundary shares its first block and is
// left alone.
func (f *File) freeChain(it *page.Item) error {
	if it.DataOffset != page.HeaderSize {
		return nil
	}
	var blocks []uint32
	for b := it.DataBlock; b != 0; {
		if b >= f.blocks || len(blocks) > int(f.blocks) {
			return fmt.Errorf("%w: overflow chain of %q breaks at block %d", ErrBadFile, it.Key, b)
		}
		p, err := f.pages.Get(b)
		if err != nil {
			return err
		}
		if p.Level() != page.LevelData {
			return fmt.Errorf("%w: overflow chain of %q enters block %d of level %d", ErrBadFile, it.Key, b, p.Level())
		}
		blocks = append(blocks, b)
		b = p.Next()
	}
	for _, b := range blocks {
		if err := f.freeBlock(b); err != nil {
			return err
		}
	}
	f.log.Debug("overflow chain freed", zap.Uint32("first", it.DataBlock), zap.Int("blocks", len(blocks)))
	return nil
}
