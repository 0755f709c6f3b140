package keyfile

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tuannm99/novakf/internal/page"
)

// Mode selects which record Find positions on.
type Mode int

const (
	LT Mode = iota // last key below
	LE             // equal key, else last key below
	FI             // first equal key
	EQ             // equal key
	LA             // last equal key
	GE             // equal key, else first key above
	GT             // first key above
)

var modeNames = [...]string{"LT", "LE", "FI", "EQ", "LA", "GE", "GT"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode converts a mode name such as "GE" into a Mode.
func ParseMode(s string) (Mode, error) {
	for i, n := range modeNames {
		if n == s {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrParamMode, s)
}

// cursor is the current record: a leaf block and a slot in it.
type cursor struct {
	block uint32
	idx   int
	valid bool
}

func (c *cursor) reset()                { *c = cursor{} }
func (c *cursor) set(b uint32, idx int) { *c = cursor{block: b, idx: idx, valid: true} }

// pos is a record position found while searching.
type pos struct {
	leaf *page.Page
	idx  int
}

func (p pos) item() (*page.Item, error) { return p.leaf.Item(p.idx) }

func isMagic(it *page.Item) bool { return len(it.Key) == 0 }

// forward moves to the next record, skipping empty leaves.
func (f *File) forward(p pos) (pos, error) {
	for idx := p.idx + 1; ; idx = 0 {
		if idx < p.leaf.Count() {
			return pos{leaf: p.leaf, idx: idx}, nil
		}
		next := sibling(p.leaf, true)
		if next == 0 {
			return pos{}, ErrNotFound
		}
		if err := f.checkChild(p.leaf, next); err != nil {
			return pos{}, err
		}
		leaf, err := f.node(next)
		if err != nil {
			return pos{}, err
		}
		p.leaf = leaf
	}
}

// backward moves to the previous record, skipping empty leaves and the
// magic record.
func (f *File) backward(p pos) (pos, error) {
	leaf, idx := p.leaf, p.idx-1
	for idx < 0 {
		prev := sibling(leaf, false)
		if prev == 0 {
			return pos{}, ErrNotFound
		}
		if err := f.checkChild(leaf, prev); err != nil {
			return pos{}, err
		}
		var err error
		if leaf, err = f.node(prev); err != nil {
			return pos{}, err
		}
		idx = leaf.Count() - 1
	}
	q := pos{leaf: leaf, idx: idx}
	it, err := q.item()
	if err != nil {
		return pos{}, err
	}
	if isMagic(it) {
		return pos{}, ErrNotFound
	}
	return q, nil
}

// lowerPos returns the first record whose key is >= key.
func (f *File) lowerPos(key []byte) (pos, error) {
	_, leaf, err := f.descend(key, true)
	if err != nil {
		return pos{}, err
	}
	i, err := leaf.LowerBound(key, f.compare)
	if err != nil {
		return pos{}, err
	}
	if i < leaf.Count() {
		return pos{leaf: leaf, idx: i}, nil
	}
	return f.forward(pos{leaf: leaf, idx: i - 1})
}

// upperPos returns the last record whose key is <= key.
func (f *File) upperPos(key []byte) (pos, error) {
	_, leaf, err := f.descend(key, false)
	if err != nil {
		return pos{}, err
	}
	i, err := leaf.UpperBound(key, f.compare)
	if err != nil {
		return pos{}, err
	}
	return f.backward(pos{leaf: leaf, idx: i})
}

func (f *File) equalAt(p pos, key []byte) (bool, error) {
	it, err := p.item()
	if err != nil {
		return false, err
	}
	return f.compare(it.Key, key) == 0, nil
}

func (f *File) search(mode Mode, key []byte) (pos, error) {
	switch mode {
	case FI, EQ, GE, LT:
		p, err := f.lowerPos(key)
		notFound := errors.Is(err, ErrNotFound)
		if err != nil && !notFound {
			return pos{}, err
		}
		switch mode {
		case GE:
			return p, err
		case LT:
			if notFound {
				return f.lastPos()
			}
			return f.backward(p)
		}
		if notFound {
			return pos{}, err
		}
		eq, err := f.equalAt(p, key)
		if err != nil {
			return pos{}, err
		}
		if !eq {
			return pos{}, ErrNotFound
		}
		return p, nil

	case LA, LE, GT:
		p, err := f.upperPos(key)
		notFound := errors.Is(err, ErrNotFound)
		if err != nil && !notFound {
			return pos{}, err
		}
		switch mode {
		case LE:
			return p, err
		case GT:
			if notFound {
				return f.firstPos()
			}
			return f.forward(p)
		}
		if notFound {
			return pos{}, err
		}
		eq, err := f.equalAt(p, key)
		if err != nil {
			return pos{}, err
		}
		if !eq {
			return pos{}, ErrNotFound
		}
		return p, nil
	}
	return pos{}, fmt.Errorf("%w: %d", ErrParamMode, int(mode))
}

func (f *File) firstPos() (pos, error) {
	leaf, err := f.leftmostLeaf()
	if err != nil {
		return pos{}, err
	}
	// Slot 0 of the leftmost leaf is the magic record.
	return f.forward(pos{leaf: leaf, idx: 0})
}

func (f *File) lastPos() (pos, error) {
	leaf, err := f.edgeLeaf(true)
	if err != nil {
		return pos{}, err
	}
	return f.backward(pos{leaf: leaf, idx: leaf.Count()})
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrParamKey)
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrParamKeyLen, len(key), MaxKeyLen)
	}
	return nil
}

// land makes p the current record and returns its data length and key.
func (f *File) land(p pos, err error) (int, []byte, error) {
	if err != nil {
		return 0, nil, kindOf(err)
	}
	it, err := p.item()
	if err != nil {
		return 0, nil, kindOf(err)
	}
	f.cur.set(p.leaf.BlockNo, p.idx)
	return int(it.DataLen), bytes.Clone(it.Key), nil
}

// Find positions on the record selected by mode and key and returns its
// data length and key. On ErrNotFound the current record is cleared.
func (f *File) Find(mode Mode, key []byte) (int, []byte, error) {
	if err := f.usable(); err != nil {
		return 0, nil, err
	}
	if mode < LT || mode > GT {
		return 0, nil, fmt.Errorf("%w: %d", ErrParamMode, int(mode))
	}
	if err := checkKey(key); err != nil {
		return 0, nil, err
	}
	n, k, err := f.land(f.search(mode, key))
	if errors.Is(err, ErrNotFound) {
		f.cur.reset()
	}
	return n, k, err
}

// First positions on the smallest key.
func (f *File) First() (int, []byte, error) {
	if err := f.usable(); err != nil {
		return 0, nil, err
	}
	n, k, err := f.land(f.firstPos())
	if errors.Is(err, ErrNotFound) {
		f.cur.reset()
	}
	return n, k, err
}

// Last positions on the largest key.
func (f *File) Last() (int, []byte, error) {
	if err := f.usable(); err != nil {
		return 0, nil, err
	}
	n, k, err := f.land(f.lastPos())
	if errors.Is(err, ErrNotFound) {
		f.cur.reset()
	}
	return n, k, err
}

// current resolves the cursor.
func (f *File) current() (pos, error) {
	if err := f.usable(); err != nil {
		return pos{}, err
	}
	if !f.cur.valid {
		return pos{}, ErrPosition
	}
	leaf, err := f.node(f.cur.block)
	if err != nil {
		return pos{}, kindOf(err)
	}
	if !leaf.IsLeaf() || f.cur.idx >= leaf.Count() {
		f.cur.reset()
		return pos{}, fmt.Errorf("%w: stale position", ErrPosition)
	}
	return pos{leaf: leaf, idx: f.cur.idx}, nil
}

// Next moves to the following record. At the end it returns ErrNotFound
// and stays on the last record.
func (f *File) Next() (int, []byte, error) {
	p, err := f.current()
	if err != nil {
		return 0, nil, err
	}
	return f.land(f.forward(p))
}

// Prev moves to the preceding record. At the start it returns ErrNotFound
// and stays on the first record.
func (f *File) Prev() (int, []byte, error) {
	p, err := f.current()
	if err != nil {
		return 0, nil, err
	}
	return f.land(f.backward(p))
}

// This returns the current record's data length and key.
func (f *File) This() (int, []byte, error) {
	p, err := f.current()
	if err != nil {
		return 0, nil, err
	}
	return f.land(p, nil)
}

// Read returns up to maxLen bytes of the current record's data.
func (f *File) Read(maxLen int) ([]byte, error) {
	if maxLen < 0 {
		return nil, fmt.Errorf("%w: %d", ErrParamDataLen, maxLen)
	}
	p, err := f.current()
	if err != nil {
		return nil, err
	}
	it, err := p.item()
	if err != nil {
		return nil, kindOf(err)
	}
	if !it.IsOverflow() {
		return bytes.Clone(it.Data[:min(len(it.Data), maxLen)]), nil
	}
	data, err := f.readChain(it, maxLen)
	return data, kindOf(err)
}

// ReadAll returns the current record's data.
func (f *File) ReadAll() ([]byte, error) {
	return f.Read(MaxDataLen)
}
