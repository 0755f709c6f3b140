package keyfile

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tuannm99/novakf/internal/page"
)

// Update replaces the data of the current record. A long value that
// shrinks but stays long is overwritten in its chain; other changes store
// the record afresh.
func (f *File) Update(data []byte) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	if err := checkData(data); err != nil {
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
	if err := f.mutate(func() error { return f.update(key, data) }); err != nil {
		return err
	}
	return f.reposition(key)
}

func (f *File) update(key, data []byte) error {
	_, leaf, err := f.descend(key, false)
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
	cur, err := leaf.Item(i)
	if err != nil {
		return err
	}
	if f.compare(cur.Key, key) != 0 {
		return fmt.Errorf("%w: %q vanished from block %d", ErrProgram, key, leaf.BlockNo)
	}
	old := cur.Clone()
	n := uint32(len(data))
	repl := &page.Item{Key: old.Key, DataLen: n}

	switch {
	case old.IsOverflow() && repl.IsOverflow() && n <= old.DataLen:
		if err := f.overwriteChain(old, data); err != nil {
			return err
		}
		repl.DataBlock, repl.DataOffset = old.DataBlock, old.DataOffset
		w, err := f.writeable(leaf.BlockNo)
		if err != nil {
			return err
		}
		return w.Replace(i, repl)

	case !old.IsOverflow() && !repl.IsOverflow():
		repl.Data = bytes.Clone(data)
		if repl.Data == nil {
			repl.Data = []byte{}
		}
		w, err := f.writeable(leaf.BlockNo)
		if err != nil {
			return err
		}
		err = w.Replace(i, repl)
		if !errors.Is(err, page.ErrNoFit) {
			return err
		}
	}

	if err := f.remove(key, true); err != nil {
		return err
	}
	return f.insert(key, data)
}
