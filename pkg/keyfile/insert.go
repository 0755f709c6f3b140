package keyfile

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/page"
)

func checkData(data []byte) error {
	if len(data) > MaxDataLen {
		return fmt.Errorf("%w: %d bytes", ErrParamDataLen, len(data))
	}
	return nil
}

// Insert adds a record and makes it the current one. A key that compares
// equal to a stored key fails with ErrExists.
func (f *File) Insert(key, data []byte) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkData(data); err != nil {
		return err
	}
	err := f.mutate(func() error { return f.insert(key, data) })
	if err != nil {
		return err
	}
	return f.reposition(key)
}

func (f *File) insert(key, data []byte) error {
	path, leaf, err := f.descend(key, false)
	if err != nil {
		return err
	}
	i, err := leaf.LowerBound(key, f.compare)
	if err != nil {
		return err
	}
	if i < leaf.Count() {
		eq, err := f.equalAt(pos{leaf: leaf, idx: i}, key)
		if err != nil {
			return err
		}
		if eq {
			return fmt.Errorf("%w: %q", ErrExists, key)
		}
	}
	it, err := f.leafItem(key, data)
	if err != nil {
		return err
	}
	return f.insertAt(path, len(path)-1, i, it)
}

// leafItem builds the leaf item for a record, writing long values to a
// new overflow chain.
func (f *File) leafItem(key, data []byte) (*page.Item, error) {
	it := &page.Item{Key: bytes.Clone(key), DataLen: uint32(len(data))}
	if !it.IsOverflow() {
		it.Data = bytes.Clone(data)
		if it.Data == nil {
			it.Data = []byte{}
		}
		return it, nil
	}
	first, err := f.writeChain(data)
	if err != nil {
		return nil, err
	}
	it.DataBlock = first
	it.DataOffset = page.HeaderSize
	return it, nil
}

// reposition makes key the current record.
func (f *File) reposition(key []byte) error {
	p, err := f.search(EQ, key)
	if err != nil {
		f.cur.reset()
		return kindOf(err)
	}
	f.cur.set(p.leaf.BlockNo, p.idx)
	return nil
}

// insertAt stores it at slot i of the node at path[d], splitting the node
// when it is full.
func (f *File) insertAt(path []step, d, i int, it *page.Item) error {
	p, err := f.writeable(path[d].block)
	if err != nil {
		return err
	}
	err = p.Insert(i, it)
	if !errors.Is(err, page.ErrNoFit) {
		return err
	}
	if d == 0 {
		if path, err = f.growRoot(path); err != nil {
			return err
		}
		d = 1
	}
	return f.split(path, d, i, it)
}

// growRoot moves the root's items into a new block and turns the root into
// a one-item node above it. Block 0 stays the root, so its links survive.
func (f *File) growRoot(path []step) ([]step, error) {
	root, err := f.writeable(rootBlock)
	if err != nil {
		return nil, err
	}
	level := root.Level()
	if level >= page.LevelMaxInternal {
		return nil, fmt.Errorf("%w: tree too deep", ErrProgram)
	}
	items, err := root.Items()
	if err != nil {
		return nil, err
	}
	c, err := f.appendBlock(level)
	if err != nil {
		return nil, err
	}
	if err := c.Rewrite(items); err != nil {
		return nil, err
	}
	// appendBlock may have popped the free list.
	freeHead, spare := root.Next(), root.Prev()
	root.Init(level + 1)
	root.SetNext(freeHead)
	root.SetPrev(spare)
	if err := root.Append(&page.Item{Key: []byte{}, Child: c.BlockNo}); err != nil {
		return nil, err
	}
	f.log.Debug("root grown", zap.Int("height", int(level)+2), zap.Uint32("child", c.BlockNo))

	grown := make([]step, 0, len(path)+1)
	grown = append(grown, step{block: rootBlock, idx: 0}, step{block: c.BlockNo, idx: path[0].idx})
	return append(grown, path[1:]...), nil
}

// split divides the node at path[d] plus the pending item between the node
// and a new right sibling, then posts the sibling's first key to the parent.
func (f *File) split(path []step, d, i int, it *page.Item) error {
	n, err := f.writeable(path[d].block)
	if err != nil {
		return err
	}
	items, err := n.Items()
	if err != nil {
		return err
	}
	items = slices.Insert(items, i, it)
	leaf := n.IsLeaf()
	j, err := splitPoint(items, leaf)
	if err != nil {
		return err
	}

	r, err := f.appendBlock(n.Level())
	if err != nil {
		return err
	}
	if err := n.Rewrite(items[:j]); err != nil {
		return err
	}
	if err := r.Rewrite(items[j:]); err != nil {
		return err
	}
	r.SetPrev(n.BlockNo)
	r.SetNext(n.Next())
	if next := n.Next(); next != 0 {
		s, err := f.writeable(next)
		if err != nil {
			return err
		}
		s.SetPrev(r.BlockNo)
	}
	n.SetNext(r.BlockNo)

	f.log.Debug("node split",
		zap.Uint32("block", n.BlockNo),
		zap.Uint32("sibling", r.BlockNo),
		zap.Uint8("level", n.Level()),
		zap.Int("left", j),
		zap.Int("right", len(items)-j))

	sep := &page.Item{Key: bytes.Clone(items[j].Key), Child: r.BlockNo}
	return f.insertAt(path, d-1, path[d-1].idx+1, sep)
}

// splitPoint picks the cut that balances the packed size of both halves,
// each of which must fit an empty page.
func splitPoint(items []*page.Item, leaf bool) (int, error) {
	n := len(items)
	sizes := make([]int, n) // compressed against the predecessor
	full := make([]int, n)  // stored uncompressed, as the first item of a page
	total := 0
	for k, it := range items {
		var prev []byte
		if k > 0 {
			prev = items[k-1].Key
		}
		sizes[k] = page.EncodedSize(it, page.CommonPrefix(prev, it.Key), leaf) + page.SlotSize
		full[k] = page.EncodedSize(it, 0, leaf) + page.SlotSize
		total += sizes[k]
	}

	best, bestCost := -1, 0
	left := 0
	for j := 1; j < n; j++ {
		left += sizes[j-1]
		right := total - left - sizes[j] + full[j]
		if left > page.Capacity || right > page.Capacity {
			continue
		}
		cost := max(left, right)
		if best < 0 || cost < bestCost {
			best, bestCost = j, cost
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no split point for %d items", ErrProgram, n)
	}
	return best, nil
}
