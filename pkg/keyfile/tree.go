package keyfile

import (
	"fmt"
	"math"

	"github.com/tuannm99/novakf/internal/page"
)

// step is one level of a root-to-leaf path: the block visited and the slot
// taken in it. For the leaf the slot is the search position.
type step struct {
	block uint32
	idx   int
}

func (f *File) node(b uint32) (*page.Page, error) {
	p, err := f.pages.Get(b)
	if err != nil {
		return nil, err
	}
	if !p.IsNode() {
		return nil, fmt.Errorf("%w: block %d has level %d, want a tree node", ErrBadFile, b, p.Level())
	}
	return p, nil
}

func (f *File) writeable(b uint32) (*page.Page, error) {
	return f.pages.GetWriteable(b)
}

// childAt returns the child block referenced by slot i of an inner node.
func childAt(p *page.Page, i int) (uint32, error) {
	it, err := p.Item(i)
	if err != nil {
		return 0, err
	}
	return it.Child, nil
}

// descend walks from the root to the leaf that covers key. With strict set
// it follows the last separator below key, which reaches the first leaf
// that may hold keys equal to it; otherwise the last separator at or below
// key. The leaf step carries no position.
func (f *File) descend(key []byte, strict bool) ([]step, *page.Page, error) {
	var path []step
	b := rootBlock
	for {
		p, err := f.node(b)
		if err != nil {
			return nil, nil, err
		}
		if p.IsLeaf() {
			path = append(path, step{block: b})
			return path, p, nil
		}
		var i int
		if strict {
			i, err = p.LowerBound(key, f.compare)
		} else {
			i, err = p.UpperBound(key, f.compare)
		}
		if err != nil {
			return nil, nil, err
		}
		i--
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: block %d has no separator below the search key", ErrBadFile, b)
		}
		child, err := childAt(p, i)
		if err != nil {
			return nil, nil, err
		}
		if err := f.checkChild(p, child); err != nil {
			return nil, nil, err
		}
		path = append(path, step{block: b, idx: i})
		b = child
	}
}

func (f *File) checkChild(parent *page.Page, child uint32) error {
	if child == rootBlock || child >= f.blocks {
		return fmt.Errorf("%w: block %d points to block %d", ErrBadFile, parent.BlockNo, child)
	}
	return nil
}

// edgeLeaf follows the first or last pointer of every level.
func (f *File) edgeLeaf(last bool) (*page.Page, error) {
	b := rootBlock
	for {
		p, err := f.node(b)
		if err != nil {
			return nil, err
		}
		if p.IsLeaf() {
			return p, nil
		}
		i := 0
		if last {
			i = p.Count() - 1
		}
		if b, err = childAt(p, i); err != nil {
			return nil, err
		}
		if err := f.checkChild(p, b); err != nil {
			return nil, err
		}
	}
}

func (f *File) leftmostLeaf() (*page.Page, error) { return f.edgeLeaf(false) }

// sibling returns the neighbour of a leaf or inner node on its level. The
// root has none: its links hold the free list and the spare block.
func sibling(p *page.Page, forward bool) uint32 {
	if p.BlockNo == rootBlock {
		return 0
	}
	if forward {
		return p.Next()
	}
	return p.Prev()
}

// appendBlock hands out a formatted writeable block, reusing the head of
// the free list or extending the file.
func (f *File) appendBlock(level uint8) (*page.Page, error) {
	root, err := f.writeable(rootBlock)
	if err != nil {
		return nil, err
	}
	if head := root.Next(); head != 0 {
		p, err := f.writeable(head)
		if err != nil {
			return nil, err
		}
		if p.Level() != page.LevelFree {
			return nil, fmt.Errorf("%w: free list names block %d of level %d", ErrBadFile, head, p.Level())
		}
		root.SetNext(p.Next())
		p.Init(level)
		return p, nil
	}
	if f.blocks == math.MaxUint32 {
		return nil, fmt.Errorf("%w: block address space exhausted", ErrWrite)
	}
	p, err := f.pages.NewBlock(f.blocks)
	if err != nil {
		return nil, err
	}
	f.blocks++
	p.Init(level)
	return p, nil
}

// freeBlock pushes b on the free list.
func (f *File) freeBlock(b uint32) error {
	root, err := f.writeable(rootBlock)
	if err != nil {
		return err
	}
	p, err := f.writeable(b)
	if err != nil {
		return err
	}
	p.Init(page.LevelFree)
	p.SetNext(root.Next())
	root.SetNext(b)
	return nil
}

func (f *File) freeCount() (int, error) {
	root, err := f.pages.Get(rootBlock)
	if err != nil {
		return 0, kindOf(err)
	}
	n := 0
	for b := root.Next(); b != 0; n++ {
		if n > int(f.blocks) {
			return 0, fmt.Errorf("%w: free list loops", ErrBadFile)
		}
		p, err := f.pages.Get(b)
		if err != nil {
			return 0, kindOf(err)
		}
		b = p.Next()
	}
	return n, nil
}
