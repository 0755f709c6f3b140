package keyfile

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novakf/internal/page"
)

func readCurrent(t *testing.T, f *File, key string) []byte {
	t.Helper()
	_, _, err := f.Find(EQ, []byte(key))
	require.NoError(t, err)
	data, err := f.ReadAll()
	require.NoError(t, err)
	return data
}

func TestOverflow_InlineBoundary(t *testing.T) {
	_, f := newTestFile(t, Options{})

	require.NoError(t, f.Insert([]byte("inline"), valueN(1, page.MaxInlineData)))
	require.Equal(t, 0, mustCheck(t, f).DataBlocks)

	require.NoError(t, f.Insert([]byte("long"), valueN(2, page.MaxInlineData+1)))
	require.Equal(t, 1, mustCheck(t, f).DataBlocks)

	require.Equal(t, valueN(1, page.MaxInlineData), readCurrent(t, f, "inline"))
	require.Equal(t, valueN(2, page.MaxInlineData+1), readCurrent(t, f, "long"))
}

func TestOverflow_ReadUpdateDelete(t *testing.T) {
	_, f := newTestFile(t, Options{})

	big := valueN(1, 10000)
	require.NoError(t, f.Insert([]byte("big"), big))

	n, _, err := f.Find(EQ, []byte("big"))
	require.NoError(t, err)
	require.Equal(t, len(big), n)

	head, err := f.Read(100)
	require.NoError(t, err)
	require.Equal(t, big[:100], head)
	head, err = f.Read(5000)
	require.NoError(t, err)
	require.Equal(t, big[:5000], head)
	require.Equal(t, big, readCurrent(t, f, "big"))

	// Shrinking a long value rewrites its chain in place.
	before := mustCheck(t, f)
	shorter := valueN(2, 5000)
	require.NoError(t, f.Update(shorter))
	after := mustCheck(t, f)
	require.Equal(t, before.Blocks, after.Blocks)
	require.Equal(t, before.FreeBlocks, after.FreeBlocks)
	require.Equal(t, shorter, readCurrent(t, f, "big"))

	require.NoError(t, f.Update([]byte("tiny")))
	require.Equal(t, []byte("tiny"), readCurrent(t, f, "big"))
	rep := mustCheck(t, f)
	require.Equal(t, 0, rep.DataBlocks)
	require.Equal(t, int(rep.Blocks)-1, rep.FreeBlocks, "the whole chain went back to the free list")

	huge := valueN(3, 20000)
	require.NoError(t, f.Update(huge))
	require.Equal(t, huge, readCurrent(t, f, "big"))
	require.Equal(t, 5, mustCheck(t, f).DataBlocks)

	require.NoError(t, f.Delete())
	rep = mustCheck(t, f)
	require.Equal(t, 0, rep.Records)
	require.Equal(t, int(rep.Blocks)-1, rep.FreeBlocks)
}

func TestOverflow_ManyRecords(t *testing.T) {
	env, f := newTestFile(t, Options{BlocksPerFile: 8})
	path := f.Path()

	size := func(i int) int { return 1000 + (i*733)%9000 }
	const n = 120
	for i := 0; i < n; i++ {
		require.NoError(t, f.Insert(keyN(i), valueN(i, size(i))))
	}
	for i := 0; i < n; i += 2 {
		_, _, err := f.Find(EQ, keyN(i))
		require.NoError(t, err)
		require.NoError(t, f.Delete())
	}
	freed := mustCheck(t, f)
	require.Greater(t, freed.FreeBlocks, 0)

	// Re-inserting draws on the free list first.
	for i := 0; i < n; i += 2 {
		require.NoError(t, f.Insert(keyN(i), valueN(i+1, size(i))))
	}
	require.Less(t, mustCheck(t, f).FreeBlocks, freed.FreeBlocks)
	require.NoError(t, f.Close())

	f, err := env.Open(path, false, NoTag)
	require.NoError(t, err)
	defer f.Close()
	for i := 0; i < n; i++ {
		want := valueN(i, size(i))
		if i%2 == 0 {
			want = valueN(i+1, size(i))
		}
		require.Equal(t, want, readCurrent(t, f, string(keyN(i))), "record %d", i)
	}
	require.Equal(t, n, mustCheck(t, f).Records)
}

func TestUpdate_InlineGrowthSplitsLeaf(t *testing.T) {
	_, f := newTestFile(t, Options{})

	const n = 60
	for i := 0; i < n; i++ {
		require.NoError(t, f.Insert(keyN(i), []byte("x")))
	}
	h, err := f.Height()
	require.NoError(t, err)
	require.Equal(t, 1, h)

	for i := 0; i < n; i++ {
		_, _, err := f.Find(EQ, keyN(i))
		require.NoError(t, err)
		require.NoError(t, f.Update(valueN(i, 900)))
		_, k, err := f.This()
		require.NoError(t, err)
		require.Equal(t, keyN(i), k)
	}
	rep := mustCheck(t, f)
	require.Equal(t, n, rep.Records)
	require.GreaterOrEqual(t, rep.Height, 2)
	for i := 0; i < n; i++ {
		require.Equal(t, valueN(i, 900), readCurrent(t, f, string(keyN(i))), fmt.Sprint(i))
	}
}
