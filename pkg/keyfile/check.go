package keyfile

import (
	"fmt"

	"github.com/tuannm99/novakf/internal/page"
)

// Report summarises a consistency check.
type Report struct {
	Height     int
	Nodes      int // inner nodes, root included when it is not a leaf
	Leaves     int
	Records    int // magic record excluded
	DataBlocks int
	FreeBlocks int
	Blocks     uint32
}

// Check walks the whole tree and verifies that every page parses, keys are
// ordered within and across pages, separators bound their subtrees, level
// chains are linked both ways and overflow chains are intact.
func (f *File) Check() (Report, error) {
	if err := f.usable(); err != nil {
		return Report{}, err
	}
	rep := Report{Blocks: f.blocks}
	root, err := f.node(rootBlock)
	if err != nil {
		return rep, kindOf(err)
	}
	rep.Height = int(root.Level()) + 1

	level := []uint32{rootBlock}
	for lv := int(root.Level()); lv >= 0; lv-- {
		var below []uint32
		var prevKey []byte
		started := false
		for n, b := range level {
			p, err := f.node(b)
			if err != nil {
				return rep, kindOf(err)
			}
			if int(p.Level()) != lv {
				return rep, fmt.Errorf("%w: block %d has level %d, want %d", ErrBadFile, b, p.Level(), lv)
			}
			if b != rootBlock {
				var wantPrev, wantNext uint32
				if n > 0 {
					wantPrev = level[n-1]
				}
				if n+1 < len(level) {
					wantNext = level[n+1]
				}
				if p.Prev() != wantPrev || p.Next() != wantNext {
					return rep, fmt.Errorf("%w: block %d links %d<->%d, want %d<->%d",
						ErrBadFile, b, p.Prev(), p.Next(), wantPrev, wantNext)
				}
			}
			for i, cnt := 0, p.Count(); i < cnt; i++ {
				it, err := p.Item(i)
				if err != nil {
					return rep, kindOf(err)
				}
				if started && f.compare(prevKey, it.Key) >= 0 {
					return rep, fmt.Errorf("%w: block %d slot %d out of order", ErrBadFile, b, i)
				}
				prevKey, started = it.Key, true
				if lv > 0 {
					if err := f.checkChild(p, it.Child); err != nil {
						return rep, err
					}
					below = append(below, it.Child)
					continue
				}
				if isMagic(it) {
					if b != level[0] || i != 0 {
						return rep, fmt.Errorf("%w: stray empty key in block %d", ErrBadFile, b)
					}
					continue
				}
				rep.Records++
				if it.IsOverflow() {
					n, err := f.checkChain(it)
					if err != nil {
						return rep, err
					}
					rep.DataBlocks += n
				}
			}
			if lv > 0 {
				rep.Nodes++
			} else {
				rep.Leaves++
			}
		}
		if lv > 0 {
			if err := f.checkSeparators(level); err != nil {
				return rep, err
			}
		}
		level = below
	}

	if rep.FreeBlocks, err = f.freeCount(); err != nil {
		return rep, err
	}
	return rep, nil
}

// checkSeparators verifies that the first key below each separator is not
// smaller than it.
func (f *File) checkSeparators(level []uint32) error {
	for _, b := range level {
		p, err := f.node(b)
		if err != nil {
			return kindOf(err)
		}
		for i, cnt := 0, p.Count(); i < cnt; i++ {
			it, err := p.Item(i)
			if err != nil {
				return kindOf(err)
			}
			child, err := f.node(it.Child)
			if err != nil {
				return kindOf(err)
			}
			if child.Count() == 0 {
				continue
			}
			first, err := child.Item(0)
			if err != nil {
				return kindOf(err)
			}
			if f.compare(first.Key, it.Key) < 0 {
				return fmt.Errorf("%w: block %d starts below its separator in block %d", ErrBadFile, it.Child, b)
			}
		}
	}
	return nil
}

func (f *File) checkChain(it *page.Item) (int, error) {
	n := 0
	err := f.walkChain(it, f.pages.Get, func(*page.Page, int, int) error {
		n++
		return nil
	})
	return n, kindOf(err)
}
