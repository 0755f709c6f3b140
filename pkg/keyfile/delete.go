package keyfile

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/page"
)

// Delete removes the current record. The cursor moves to the next record,
// or to the previous one when the last record was removed, or is cleared
// when the file becomes empty.
func (f *File) Delete() error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	p, err := f.current()
	if err != nil {
		return err
	}
	it, err := p.item()
	if err != nil {
		return kindOf(err)
	}
	key := bytes.Clone(it.Key)

	if err := f.mutate(func() error { return f.remove(key, true) }); err != nil {
		return err
	}

	next, err := f.lowerPos(key)
	if errors.Is(err, ErrNotFound) {
		next, err = f.lastPos()
	}
	switch {
	case err == nil:
		f.cur.set(next.leaf.BlockNo, next.idx)
	case errors.Is(err, ErrNotFound):
		f.cur.reset()
	default:
		f.cur.reset()
		return kindOf(err)
	}
	return nil
}

// remove deletes the record stored under key and rebalances the path.
func (f *File) remove(key []byte, freeData bool) error {
	path, leaf, err := f.descend(key, false)
	if err != nil {
		return err
	}
	i, err := leaf.LowerBound(key, f.compare)
	if err != nil {
		return err
	}
	if i >= leaf.Count() {
		return fmt.Errorf("%w: %q vanished from block %d", ErrProgram, key, leaf.BlockNo)
	}
	it, err := leaf.Item(i)
	if err != nil {
		return err
	}
	if f.compare(it.Key, key) != 0 {
		return fmt.Errorf("%w: %q vanished from block %d", ErrProgram, key, leaf.BlockNo)
	}
	if freeData && it.IsOverflow() {
		if err := f.freeChain(it); err != nil {
			return err
		}
	}
	w, err := f.writeable(leaf.BlockNo)
	if err != nil {
		return err
	}
	if err := w.Delete(i); err != nil {
		return err
	}
	path[len(path)-1].idx = i
	if err := f.rebalance(path); err != nil {
		return err
	}
	return f.collapseRoot()
}

// rebalance walks up the path and merges each node with a sibling under
// the same parent whenever both fit in one page.
func (f *File) rebalance(path []step) error {
	for d := len(path) - 1; d > 0; d-- {
		parent, err := f.node(path[d-1].block)
		if err != nil {
			return err
		}
		at := path[d-1].idx
		node, err := f.node(path[d].block)
		if err != nil {
			return err
		}
		items, err := node.Items()
		if err != nil {
			return err
		}
		leaf := node.IsLeaf()

		if at+1 < parent.Count() {
			right, err := childAt(parent, at+1)
			if err != nil {
				return err
			}
			merged, err := f.tryMerge(items, path[d].block, right, leaf)
			if err != nil {
				return err
			}
			if merged {
				if err := f.dropChild(path[d-1].block, at+1); err != nil {
					return err
				}
				continue
			}
		}
		if at > 0 {
			left, err := childAt(parent, at-1)
			if err != nil {
				return err
			}
			lp, err := f.node(left)
			if err != nil {
				return err
			}
			litems, err := lp.Items()
			if err != nil {
				return err
			}
			merged, err := f.tryMerge(litems, left, path[d].block, leaf)
			if err != nil {
				return err
			}
			if merged {
				if err := f.dropChild(path[d-1].block, at); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// tryMerge appends the items of block r to block l, whose items are given,
// when they fit in one page. r is unlinked from its level and freed.
func (f *File) tryMerge(litems []*page.Item, l, r uint32, leaf bool) (bool, error) {
	rp, err := f.node(r)
	if err != nil {
		return false, err
	}
	ritems, err := rp.Items()
	if err != nil {
		return false, err
	}
	all := append(litems, ritems...)
	if !page.Fits(all, leaf) {
		return false, nil
	}

	lw, err := f.writeable(l)
	if err != nil {
		return false, err
	}
	if err := lw.Rewrite(all); err != nil {
		return false, err
	}
	next := rp.Next()
	lw.SetNext(next)
	if next != 0 {
		s, err := f.writeable(next)
		if err != nil {
			return false, err
		}
		s.SetPrev(l)
	}
	if err := f.freeBlock(r); err != nil {
		return false, err
	}
	f.log.Debug("nodes merged", zap.Uint32("into", l), zap.Uint32("freed", r), zap.Int("items", len(all)))
	return true, nil
}

// dropChild removes the pointer in slot i of an inner node.
func (f *File) dropChild(b uint32, i int) error {
	p, err := f.writeable(b)
	if err != nil {
		return err
	}
	return p.Delete(i)
}

// collapseRoot pulls the only child of the root into block 0 until the
// root is a leaf or has two children.
func (f *File) collapseRoot() error {
	for {
		root, err := f.node(rootBlock)
		if err != nil {
			return err
		}
		if root.IsLeaf() || root.Count() != 1 {
			return nil
		}
		child, err := childAt(root, 0)
		if err != nil {
			return err
		}
		cp, err := f.node(child)
		if err != nil {
			return err
		}
		items, err := cp.Items()
		if err != nil {
			return err
		}
		level := cp.Level()

		rw, err := f.writeable(rootBlock)
		if err != nil {
			return err
		}
		freeHead, spare := rw.Next(), rw.Prev()
		rw.Init(level)
		rw.SetNext(freeHead)
		rw.SetPrev(spare)
		for _, it := range items {
			if err := rw.Append(it); err != nil {
				return err
			}
		}
		if err := f.freeBlock(child); err != nil {
			return err
		}
		f.log.Debug("root collapsed", zap.Int("height", int(level)+1), zap.Uint32("freed", child))
	}
}
