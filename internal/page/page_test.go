package page

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafItem(key, data string) *Item {
	return &Item{Key: []byte(key), DataLen: uint32(len(data)), Data: []byte(data)}
}

func newLeaf(t *testing.T) *Page {
	t.Helper()
	p := New(7)
	p.Init(LevelLeaf)

	assert.Equal(t, HeaderSize, p.FreeOffset())
	assert.Equal(t, 0, p.Count())
	assert.Equal(t, Capacity, p.FreeSpace())
	return p
}

// keysOf reparses the page from its raw bytes, bypassing the decode cache.
func keysOf(t *testing.T, p *Page) []string {
	t.Helper()
	fresh := &Page{Buf: bytes.Clone(p.Buf), BlockNo: p.BlockNo}
	out := make([]string, 0, fresh.Count())
	for i, cnt := 0, fresh.Count(); i < cnt; i++ {
		it, err := fresh.Item(i)
		require.NoError(t, err)
		out = append(out, string(it.Key))
	}
	return out
}

func TestHeader_RoundTrip(t *testing.T) {
	p := newLeaf(t)
	p.SetNext(0x01020304)
	p.SetPrev(42)
	p.SetLevel(3)

	assert.Equal(t, uint32(0x01020304), p.Next())
	assert.Equal(t, uint32(42), p.Prev())
	assert.Equal(t, uint8(3), p.Level())
	// little-endian link at bytes 1..4
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, p.Buf[1:5])
	require.NoError(t, p.Check())
}

func TestInsert_PrefixCompression(t *testing.T) {
	p := newLeaf(t)

	require.NoError(t, p.Append(leafItem("apple", "1")))
	require.NoError(t, p.Append(leafItem("applesauce", "2")))
	require.NoError(t, p.Append(leafItem("apricot", "3")))

	it, err := p.Item(1)
	require.NoError(t, err)
	assert.Equal(t, 5, it.Common)
	assert.Equal(t, "applesauce", string(it.Key))

	it, err = p.Item(2)
	require.NoError(t, err)
	assert.Equal(t, 2, it.Common)

	// stored: [10][5][1]["sauce"]["2"]
	off := p.slot(1)
	assert.Equal(t, byte(10), p.Buf[off])
	assert.Equal(t, byte(5), p.Buf[off+1])
	assert.Equal(t, []byte("sauce2"), p.Buf[off+3:off+9])

	assert.Equal(t, []string{"apple", "applesauce", "apricot"}, keysOf(t, p))
}

func TestInsert_MiddleRethreadsSuccessor(t *testing.T) {
	p := newLeaf(t)
	require.NoError(t, p.Append(leafItem("aaa", "x")))
	require.NoError(t, p.Append(leafItem("abcdef", "y")))

	// "abcd" lands between and the successor now shares 4 bytes with it.
	require.NoError(t, p.Insert(1, leafItem("abcd", "z")))

	next, err := p.Item(2)
	require.NoError(t, err)
	assert.Equal(t, 4, next.Common)
	assert.Equal(t, []string{"aaa", "abcd", "abcdef"}, keysOf(t, p))
}

func TestDelete_RethreadsSuccessor(t *testing.T) {
	p := newLeaf(t)
	for _, k := range []string{"car", "cart", "cartoon", "cat"} {
		require.NoError(t, p.Append(leafItem(k, k)))
	}
	before := p.FreeSpace()

	// "cartoon" was compressed against "cart"; after removing "cart" it must
	// be rebuilt against "car".
	require.NoError(t, p.Delete(1))
	assert.Equal(t, []string{"car", "cartoon", "cat"}, keysOf(t, p))
	assert.Greater(t, p.FreeSpace(), before)

	require.NoError(t, p.Delete(0))
	assert.Equal(t, []string{"cartoon", "cat"}, keysOf(t, p))

	first, err := p.Item(0)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Common)
	assert.Equal(t, "cartoon", string(first.Data))

	require.NoError(t, p.Delete(1))
	require.NoError(t, p.Delete(0))
	assert.Equal(t, 0, p.Count())
	assert.Equal(t, Capacity, p.FreeSpace())
}

func TestRandomOps_KeysAlwaysReconstruct(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := newLeaf(t)
	var model []string

	for step := 0; step < 2000; step++ {
		if len(model) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(model))
			require.NoError(t, p.Delete(i))
			model = append(model[:i], model[i+1:]...)
		} else {
			k := fmt.Sprintf("key/%03d/%d", rng.Intn(200), rng.Intn(10))
			i := sort.SearchStrings(model, k)
			if i < len(model) && model[i] == k {
				continue
			}
			err := p.Insert(i, leafItem(k, "v"))
			if err == ErrNoFit {
				continue
			}
			require.NoError(t, err)
			model = append(model, "")
			copy(model[i+1:], model[i:])
			model[i] = k
		}
		require.NoError(t, p.Check())
	}
	assert.Equal(t, model, keysOf(t, p))
}

func TestInsert_NoFit(t *testing.T) {
	p := newLeaf(t)
	data := string(bytes.Repeat([]byte("d"), MaxInlineData))

	n := 0
	for {
		err := p.Append(leafItem(fmt.Sprintf("k%02d", n), data))
		if err != nil {
			require.ErrorIs(t, err, ErrNoFit)
			break
		}
		n++
	}
	assert.Equal(t, 3, n)

	snapshot := bytes.Clone(p.Buf)
	require.ErrorIs(t, p.Insert(0, leafItem("a", data)), ErrNoFit)
	assert.Equal(t, snapshot, p.Buf, "failed insert must not touch the page")
}

func TestOverflowAndInnerItems(t *testing.T) {
	leaf := newLeaf(t)
	big := &Item{Key: []byte("big"), DataLen: 5000, DataBlock: 9, DataOffset: HeaderSize}
	require.NoError(t, leaf.Append(big))

	got, err := (&Page{Buf: leaf.Buf}).Item(0)
	require.NoError(t, err)
	assert.True(t, got.IsOverflow())
	assert.Equal(t, uint32(9), got.DataBlock)
	assert.Equal(t, uint32(HeaderSize), got.DataOffset)
	assert.Nil(t, got.Data)

	inner := New(3)
	inner.Init(1)
	require.NoError(t, inner.Append(&Item{Key: nil, Child: 12}))
	require.NoError(t, inner.Append(&Item{Key: []byte("m"), Child: 300}))

	it, err := inner.Item(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), it.Child)
	assert.Equal(t, 2+1+2, EncodedSize(it, 0, false))
}

func TestReplace_KeepsKey(t *testing.T) {
	p := newLeaf(t)
	require.NoError(t, p.Append(leafItem("alpha", "1")))
	require.NoError(t, p.Append(leafItem("alphabet", "2")))

	require.NoError(t, p.Replace(0, leafItem("alpha", "a much longer value")))
	assert.Equal(t, []string{"alpha", "alphabet"}, keysOf(t, p))

	it, err := p.Item(0)
	require.NoError(t, err)
	assert.Equal(t, "a much longer value", string(it.Data))

	require.ErrorIs(t, p.Replace(0, leafItem("beta", "x")), ErrItem)
}

func TestSearch_Bounds(t *testing.T) {
	p := newLeaf(t)
	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, p.Append(leafItem(k, "")))
	}
	cmp := bytes.Compare

	cases := []struct {
		key        string
		lower, upp int
	}{
		{"a", 0, 0},
		{"b", 0, 1},
		{"c", 1, 1},
		{"f", 2, 3},
		{"z", 3, 3},
	}
	for _, tc := range cases {
		lo, err := p.LowerBound([]byte(tc.key), cmp)
		require.NoError(t, err)
		up, err := p.UpperBound([]byte(tc.key), cmp)
		require.NoError(t, err)
		assert.Equal(t, tc.lower, lo, "lower %q", tc.key)
		assert.Equal(t, tc.upp, up, "upper %q", tc.key)
	}
}

func TestCorruption_Detected(t *testing.T) {
	p := newLeaf(t)
	require.NoError(t, p.Append(leafItem("abc", "1")))
	require.NoError(t, p.Append(leafItem("abd", "2")))

	// First item claiming a shared prefix has nothing to share with.
	bad := &Page{Buf: bytes.Clone(p.Buf)}
	bad.Buf[bad.slot(0)+1] = 2
	_, err := bad.Item(1)
	require.ErrorIs(t, err, ErrCorrupt)

	// Slot pointing past the item area.
	bad = &Page{Buf: bytes.Clone(p.Buf)}
	bad.setSlot(1, Size-10)
	_, err = bad.Item(1)
	require.ErrorIs(t, err, ErrCorrupt)

	// Header claiming more slots than the block can hold.
	bad = &Page{Buf: bytes.Clone(p.Buf)}
	bad.setCount(3000)
	require.ErrorIs(t, bad.Check(), ErrCorrupt)

	_, err = p.Item(5)
	require.ErrorIs(t, err, ErrIndex)
}

func TestClone_Independent(t *testing.T) {
	p := newLeaf(t)
	require.NoError(t, p.Append(leafItem("k1", "v1")))

	c := p.Clone()
	require.NoError(t, c.Append(leafItem("k2", "v2")))

	assert.Equal(t, 1, p.Count())
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, []string{"k1"}, keysOf(t, p))
}

func TestRewrite_And_PackedSize(t *testing.T) {
	p := newLeaf(t)
	p.SetNext(11)
	p.SetPrev(5)
	items := []*Item{leafItem("one", "1"), leafItem("onerous", "2"), leafItem("two", "3")}

	require.NoError(t, p.Rewrite(items))
	assert.Equal(t, uint32(11), p.Next())
	assert.Equal(t, uint32(5), p.Prev())
	assert.Equal(t, PackedSize(items, true), p.Used())
	assert.True(t, Fits(items, true))
}

func TestDataBlock(t *testing.T) {
	p := New(1)
	p.Init(LevelData)

	n := p.AppendData(bytes.Repeat([]byte("x"), Size))
	assert.Equal(t, Capacity, n)
	assert.Equal(t, Size, p.FreeOffset())
	assert.Len(t, p.Data(), Capacity)
	require.NoError(t, p.Check())
}
