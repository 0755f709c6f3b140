package page

import (
	"bytes"
	"fmt"

	"github.com/tuannm99/novakf/internal/varint"
)

// Item is one decoded key/value entry. Key is always the full key, even
// when the stored form is prefix-compressed against the predecessor.
//
// Stored form:
//
//	[keyLen][common][varint child|dataLen][key[common:]][data | varint block, varint offset]
type Item struct {
	Key    []byte
	Common int // bytes shared with the predecessor's key, as stored

	// inner nodes
	Child uint32

	// leaves
	DataLen    uint32
	Data       []byte // inline payload, DataLen <= MaxInlineData
	DataBlock  uint32 // first block of the overflow chain
	DataOffset uint32 // byte offset of the payload inside DataBlock
}

// IsOverflow reports whether the payload lives in an overflow chain.
func (it *Item) IsOverflow() bool { return it.DataLen > MaxInlineData }

func (it *Item) Clone() *Item {
	c := *it
	c.Key = bytes.Clone(it.Key)
	if it.Data != nil {
		c.Data = bytes.Clone(it.Data)
	}
	return &c
}

// CommonPrefix returns the length of the longest shared prefix of a and b,
// capped at MaxKeyLen.
func CommonPrefix(a, b []byte) int {
	n := min(len(a), len(b), MaxKeyLen)
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// EncodedSize returns the stored size of it when compressed by common bytes.
func EncodedSize(it *Item, common int, leaf bool) int {
	n := 2 + len(it.Key) - common
	if !leaf {
		return n + varint.Size(it.Child)
	}
	n += varint.Size(it.DataLen)
	if it.IsOverflow() {
		return n + varint.Size(it.DataBlock) + varint.Size(it.DataOffset)
	}
	return n + int(it.DataLen)
}

func validate(it *Item, leaf bool) error {
	if len(it.Key) > MaxKeyLen {
		return fmt.Errorf("%w: key length %d", ErrItem, len(it.Key))
	}
	if leaf && !it.IsOverflow() && len(it.Data) != int(it.DataLen) {
		return fmt.Errorf("%w: inline data %d bytes, DataLen %d", ErrItem, len(it.Data), it.DataLen)
	}
	return nil
}

func encode(dst []byte, it *Item, common int, leaf bool) int {
	dst[0] = byte(len(it.Key))
	dst[1] = byte(common)
	n := 2
	if leaf {
		n += varint.Put(dst[n:], it.DataLen)
	} else {
		n += varint.Put(dst[n:], it.Child)
	}
	n += copy(dst[n:], it.Key[common:])
	if !leaf {
		return n
	}
	if it.IsOverflow() {
		n += varint.Put(dst[n:], it.DataBlock)
		n += varint.Put(dst[n:], it.DataOffset)
		return n
	}
	return n + copy(dst[n:], it.Data)
}

// rawItem is an item parsed without resolving its key prefix.
type rawItem struct {
	keyLen int
	common int
	suffix []byte
	num    uint32 // child or dataLen
	data   []byte
	dblk   uint32
	doff   uint32
	size   int
}

func (p *Page) corrupt(i int, format string, args ...any) error {
	return fmt.Errorf("%w: block %d item %d: %s", ErrCorrupt, p.BlockNo, i, fmt.Sprintf(format, args...))
}

// raw parses item i. Every length is checked against the item area so a
// damaged block yields ErrCorrupt rather than a panic.
func (p *Page) raw(i int) (rawItem, error) {
	if !p.IsNode() {
		return rawItem{}, p.corrupt(i, "level %d has no items", p.Level())
	}
	end := p.FreeOffset()
	off := p.slot(i)
	if off < HeaderSize || off+2 > end {
		return rawItem{}, p.corrupt(i, "slot offset %d outside item area", off)
	}
	r := rawItem{keyLen: int(p.Buf[off]), common: int(p.Buf[off+1])}
	if r.common > r.keyLen {
		return rawItem{}, p.corrupt(i, "common prefix %d > key length %d", r.common, r.keyLen)
	}
	pos := off + 2
	num, n, err := varint.Get(p.Buf[pos:end])
	if err != nil {
		return rawItem{}, p.corrupt(i, "%v", err)
	}
	r.num = num
	pos += n

	sl := r.keyLen - r.common
	if pos+sl > end {
		return rawItem{}, p.corrupt(i, "key suffix overruns item area")
	}
	r.suffix = p.Buf[pos : pos+sl]
	pos += sl

	if p.IsLeaf() {
		if num > MaxInlineData {
			if r.dblk, n, err = varint.Get(p.Buf[pos:end]); err != nil {
				return rawItem{}, p.corrupt(i, "data block: %v", err)
			}
			pos += n
			if r.doff, n, err = varint.Get(p.Buf[pos:end]); err != nil {
				return rawItem{}, p.corrupt(i, "data offset: %v", err)
			}
			pos += n
		} else {
			if pos+int(num) > end {
				return rawItem{}, p.corrupt(i, "inline data overruns item area")
			}
			r.data = p.Buf[pos : pos+int(num)]
			pos += int(num)
		}
	}
	r.size = pos - off
	return r, nil
}

func (r rawItem) toItem(key []byte, leaf bool) *Item {
	it := &Item{Key: key, Common: r.common}
	if !leaf {
		it.Child = r.num
		return it
	}
	it.DataLen = r.num
	if r.num > MaxInlineData {
		it.DataBlock = r.dblk
		it.DataOffset = r.doff
	} else {
		it.Data = bytes.Clone(r.data)
	}
	return it
}

// Item returns item i with its full key. Keys are rebuilt by walking back
// through predecessors until a cached item or a fully stored key is found.
// The returned item is shared with the cache and must not be modified.
func (p *Page) Item(i int) (*Item, error) {
	if i < 0 || i >= p.Count() {
		return nil, fmt.Errorf("%w: %d of %d in block %d", ErrIndex, i, p.Count(), p.BlockNo)
	}
	if it := p.cached(i); it != nil {
		return it, nil
	}

	var base *Item
	chain := make([]rawItem, 0, 4) // chain[0] is item i, walking backwards
	for j := i; ; j-- {
		if it := p.cached(j); it != nil {
			base = it
			break
		}
		r, err := p.raw(j)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
		if r.common == 0 {
			break
		}
		if j == 0 {
			return nil, p.corrupt(0, "first item carries common prefix %d", r.common)
		}
	}

	leaf := p.IsLeaf()
	var prevKey []byte
	if base != nil {
		prevKey = base.Key
	}
	var it *Item
	for k := len(chain) - 1; k >= 0; k-- {
		r := chain[k]
		idx := i - k
		if r.common > len(prevKey) {
			return nil, p.corrupt(idx, "common prefix %d longer than predecessor key %d", r.common, len(prevKey))
		}
		key := make([]byte, r.keyLen)
		copy(key, prevKey[:r.common])
		copy(key[r.common:], r.suffix)

		it = r.toItem(key, leaf)
		p.cache(idx, it)
		prevKey = key
	}
	return it, nil
}

// Items decodes every item of the page into independent copies.
func (p *Page) Items() ([]*Item, error) {
	n := p.Count()
	out := make([]*Item, 0, n)
	for i := 0; i < n; i++ {
		it, err := p.Item(i)
		if err != nil {
			return nil, err
		}
		out = append(out, it.Clone())
	}
	return out, nil
}

func (p *Page) keyAt(i int) ([]byte, error) {
	if i < 0 {
		return nil, nil
	}
	it, err := p.Item(i)
	if err != nil {
		return nil, err
	}
	return it.Key, nil
}

// Insert stores it at slot i, shifting later slots up. It returns ErrNoFit
// when the page lacks room; the page is unchanged in that case.
func (p *Page) Insert(i int, it *Item) error {
	n := p.Count()
	if i < 0 || i > n {
		return fmt.Errorf("%w: insert at %d of %d", ErrIndex, i, n)
	}
	leaf := p.IsLeaf()
	if err := validate(it, leaf); err != nil {
		return err
	}
	prevKey, err := p.keyAt(i - 1)
	if err != nil {
		return err
	}
	common := CommonPrefix(prevKey, it.Key)
	size := EncodedSize(it, common, leaf)

	// The successor is re-compressed against the new item below; fetch its
	// full key while the slot array is still intact. Under a custom
	// comparator it may share less with the new key than with the old
	// predecessor, so its growth counts against the free space too.
	var next *Item
	grow := 0
	if i < n {
		if next, err = p.Item(i); err != nil {
			return err
		}
		grow = max(0, next.Common-CommonPrefix(it.Key, next.Key))
	}
	if size+SlotSize+grow > p.FreeSpace() {
		return ErrNoFit
	}

	off := p.FreeOffset()
	encode(p.Buf[off:], it, common, leaf)
	p.setFreeOffset(off + size)
	for k := n; k > i; k-- {
		p.setSlot(k, p.slot(k-1))
	}
	p.setSlot(i, off)
	p.setCount(n + 1)

	p.invalidateFrom(i)
	stored := it.Clone()
	stored.Common = common
	p.cache(i, stored)

	if next != nil {
		return p.rethread(i+1, next)
	}
	return nil
}

// Append stores it behind the last item.
func (p *Page) Append(it *Item) error {
	return p.Insert(p.Count(), it)
}

// Delete removes item i. The successor, which may have been compressed
// against the removed key, is re-compressed against its new predecessor.
func (p *Page) Delete(i int) error {
	n := p.Count()
	if i < 0 || i >= n {
		return fmt.Errorf("%w: delete %d of %d", ErrIndex, i, n)
	}
	var next *Item
	if i+1 < n {
		var err error
		if next, err = p.Item(i + 1); err != nil {
			return err
		}
	}
	r, err := p.raw(i)
	if err != nil {
		return err
	}

	p.removeBytes(p.slot(i), r.size)
	for k := i; k < n-1; k++ {
		p.setSlot(k, p.slot(k+1))
	}
	clear(p.Buf[slotOff(n-1) : slotOff(n-1)+SlotSize])
	p.setCount(n - 1)
	p.invalidateFrom(i)

	if next != nil {
		return p.rethread(i, next)
	}
	return nil
}

// Replace rewrites item i in place, keeping its key. Used to change the
// payload or the child pointer.
func (p *Page) Replace(i int, it *Item) error {
	old, err := p.Item(i)
	if err != nil {
		return err
	}
	if !bytes.Equal(old.Key, it.Key) {
		return fmt.Errorf("%w: replace must keep the key", ErrItem)
	}
	if err := validate(it, p.IsLeaf()); err != nil {
		return err
	}
	return p.rewrite(i, it, old.Common)
}

// rethread re-compresses item i (whose full key is it.Key) against its
// current predecessor. After a delete the successor grows by at most the
// suffix bytes the removed item freed; Insert reserves the growth up front.
func (p *Page) rethread(i int, it *Item) error {
	prevKey, err := p.keyAt(i - 1)
	if err != nil {
		return err
	}
	common := CommonPrefix(prevKey, it.Key)
	if common == it.Common {
		return nil
	}
	return p.rewrite(i, it, common)
}

func (p *Page) rewrite(i int, it *Item, common int) error {
	leaf := p.IsLeaf()
	r, err := p.raw(i)
	if err != nil {
		return err
	}
	size := EncodedSize(it, common, leaf)
	if size-r.size > p.FreeSpace() {
		return ErrNoFit
	}
	p.removeBytes(p.slot(i), r.size)
	off := p.FreeOffset()
	encode(p.Buf[off:], it, common, leaf)
	p.setFreeOffset(off + size)
	p.setSlot(i, off)

	stored := it.Clone()
	stored.Common = common
	p.cache(i, stored)
	return nil
}

// Rewrite formats the page from scratch with items, keeping level and links.
func (p *Page) Rewrite(items []*Item) error {
	level, next, prev := p.Level(), p.Next(), p.Prev()
	p.Init(level)
	p.SetNext(next)
	p.SetPrev(prev)
	for _, it := range items {
		if err := p.Append(it); err != nil {
			return err
		}
	}
	return nil
}

// Fits reports whether items would fit into one empty page.
func Fits(items []*Item, leaf bool) bool {
	return PackedSize(items, leaf) <= Capacity
}

// PackedSize is the number of bytes items take on a fresh page, slots included.
func PackedSize(items []*Item, leaf bool) int {
	total := 0
	var prev []byte
	for _, it := range items {
		total += EncodedSize(it, CommonPrefix(prev, it.Key), leaf) + SlotSize
		prev = it.Key
	}
	return total
}
