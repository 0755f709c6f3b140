package bufferpool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novakf/internal/page"
)

var errDiskFull = errors.New("disk full")

// memBackend keeps blocks in memory and records every write in log.
type memBackend struct {
	name      string
	blocks    map[uint32][]byte
	failWrite bool
	syncs     int
	log       *[]string
}

func newMemBackend(name string, log *[]string, nblocks int) *memBackend {
	b := &memBackend{name: name, blocks: make(map[uint32][]byte), log: log}
	for i := 0; i < nblocks; i++ {
		p := page.New(uint32(i))
		p.Init(page.LevelLeaf)
		b.blocks[uint32(i)] = p.Buf
	}
	return b
}

func (b *memBackend) ReadBlock(blockNo uint32, dst []byte) error {
	src, ok := b.blocks[blockNo]
	if !ok {
		return fmt.Errorf("%s: no block %d", b.name, blockNo)
	}
	copy(dst, src)
	return nil
}

func (b *memBackend) WriteBlock(blockNo uint32, src []byte) error {
	if b.failWrite {
		return errDiskFull
	}
	b.blocks[blockNo] = append([]byte(nil), src...)
	if b.log != nil {
		*b.log = append(*b.log, fmt.Sprintf("write %s/%d", b.name, blockNo))
	}
	return nil
}

func (b *memBackend) Sync() error {
	b.syncs++
	return nil
}

type recJournal struct{ log *[]string }

func (j recJournal) Append(file string, blockNo uint32, _ []byte) error {
	*j.log = append(*j.log, fmt.Sprintf("journal %s/%d", file, blockNo))
	return nil
}
func (j recJournal) Commit() error     { *j.log = append(*j.log, "journal commit"); return nil }
func (j recJournal) Checkpoint() error { *j.log = append(*j.log, "checkpoint"); return nil }

// touch stamps the block's next pointer so tests can tell versions apart.
func touch(t *testing.T, f *File, blockNo, stamp uint32) {
	t.Helper()
	p, err := f.GetWriteable(blockNo)
	require.NoError(t, err)
	p.SetNext(stamp)
}

func stampOf(t *testing.T, f *File, blockNo uint32) uint32 {
	t.Helper()
	p, err := f.Get(blockNo)
	require.NoError(t, err)
	return p.Next()
}

func TestGet_MissThenHit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g := NewGlobalPool(Options{BlocksPerFile: 4, Metrics: m})
	f := g.Register("a", newMemBackend("a", nil, 4), true, uuid.Nil)

	p1, err := f.Get(2)
	require.NoError(t, err)
	p2, err := f.Get(2)
	require.NoError(t, err)
	require.Same(t, p1, p2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Misses))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Hits))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reads))
	require.Equal(t, 8+4, g.Capacity())
}

func TestGet_CorruptBlock(t *testing.T) {
	g := NewGlobalPool(Options{})
	be := newMemBackend("a", nil, 1)
	be.blocks[0] = make([]byte, page.Size)
	f := g.Register("a", be, true, uuid.Nil)

	_, err := f.Get(0)
	require.ErrorIs(t, err, page.ErrCorrupt)
}

func TestGetWriteable_RollbackRestoresCleanImage(t *testing.T) {
	g := NewGlobalPool(Options{BlocksPerFile: 4})
	f := g.Register("a", newMemBackend("a", nil, 2), true, uuid.Nil)

	touch(t, f, 1, 77)
	require.Equal(t, uint32(77), stampOf(t, f, 1), "transaction sees its own change")
	require.Equal(t, 1, f.Writeable())

	f.Rollback()
	require.Equal(t, 0, f.Writeable())
	require.Equal(t, uint32(0), stampOf(t, f, 1))
}

func TestGetWriteable_DirtyPageIsCloned(t *testing.T) {
	g := NewGlobalPool(Options{BlocksPerFile: 4})
	f := g.Register("a", newMemBackend("a", nil, 2), true, uuid.Nil)

	touch(t, f, 0, 1)
	require.NoError(t, f.Commit())
	require.Equal(t, 1, f.Dirty())

	committed, err := f.Get(0)
	require.NoError(t, err)

	touch(t, f, 0, 2)
	require.Equal(t, uint32(1), committed.Next(), "cached image untouched by the running transaction")

	f.Rollback()
	require.Equal(t, uint32(1), stampOf(t, f, 0))

	touch(t, f, 0, 3)
	require.NoError(t, f.Commit())
	require.Equal(t, uint32(3), stampOf(t, f, 0))
}

func TestGetWriteable_ReadOnly(t *testing.T) {
	g := NewGlobalPool(Options{})
	f := g.Register("a", newMemBackend("a", nil, 1), false, uuid.Nil)

	_, err := f.GetWriteable(0)
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = f.NewBlock(1)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestCommit_EvictsToCapacity(t *testing.T) {
	var log []string
	g := NewGlobalPool(Options{BlocksPerFile: 2})
	be := newMemBackend("a", &log, 0)
	f := g.Register("a", be, true, uuid.Nil)

	const n = 20
	for i := uint32(0); i < n; i++ {
		p, err := f.NewBlock(i)
		require.NoError(t, err)
		p.Init(page.LevelLeaf)
		p.SetNext(i + 100)
	}
	require.NoError(t, f.Commit())

	st := g.Stats()
	require.Equal(t, 10, st.Capacity)
	require.Equal(t, 10, st.Len)
	require.Equal(t, uint64(10), st.Evictions)
	require.Len(t, log, 10)

	require.NoError(t, f.Flush())
	require.Len(t, be.blocks, n)
	for i := uint32(0); i < n; i++ {
		require.Equal(t, i+100, stampOf(t, f, i))
	}
	require.Equal(t, 0, f.Dirty())
}

func TestFlush_TagGroupWrittenTogether(t *testing.T) {
	var log []string
	g := NewGlobalPool(Options{BlocksPerFile: 4})
	tag := uuid.New()
	a := g.Register("a", newMemBackend("a", &log, 1), true, tag)
	b := g.Register("b", newMemBackend("b", &log, 1), true, tag)
	c := g.Register("c", newMemBackend("c", &log, 1), true, uuid.Nil)

	for _, f := range []*File{a, b, c} {
		touch(t, f, 0, 9)
		require.NoError(t, f.Commit())
	}

	require.NoError(t, b.Flush())
	require.Equal(t, []string{"write a/0", "write b/0"}, log)
	require.Equal(t, 1, c.Dirty())

	require.NoError(t, c.Flush())
	require.Equal(t, "write c/0", log[2])
}

func TestCommitGroup_PublishesEveryTaggedFile(t *testing.T) {
	g := NewGlobalPool(Options{BlocksPerFile: 4})
	tag := uuid.New()
	a := g.Register("a", newMemBackend("a", nil, 1), true, tag)
	b := g.Register("b", newMemBackend("b", nil, 1), true, tag)
	c := g.Register("c", newMemBackend("c", nil, 1), true, uuid.Nil)
	for _, f := range []*File{a, b, c} {
		touch(t, f, 0, 4)
	}

	require.NoError(t, b.CommitGroup())
	require.Equal(t, 0, a.Writeable())
	require.Equal(t, 0, b.Writeable())
	require.Equal(t, 1, a.Dirty())
	require.Equal(t, 1, b.Dirty())
	require.Equal(t, 1, c.Writeable(), "untagged file keeps its transaction")
	require.Equal(t, 0, c.Dirty())

	require.NoError(t, c.CommitGroup())
	require.Equal(t, 1, c.Dirty())
}

func TestCommitGroup_EvictionWritesWholeGroup(t *testing.T) {
	var log []string
	g := NewGlobalPool(Options{BlocksPerFile: 1})
	tag := uuid.New()
	a := g.Register("a", newMemBackend("a", &log, 0), true, tag)
	b := g.Register("b", newMemBackend("b", &log, 1), true, tag)

	for i := uint32(0); i < 12; i++ {
		p, err := a.NewBlock(i)
		require.NoError(t, err)
		p.Init(page.LevelLeaf)
	}
	touch(t, b, 0, 6)

	require.NoError(t, a.CommitGroup())
	require.Contains(t, log, "write b/0")
	require.Equal(t, 0, b.Writeable())
	require.Equal(t, 0, b.Dirty())
}

func TestCommitGroup_DetachedMemberPublishesNothing(t *testing.T) {
	g := NewGlobalPool(Options{BlocksPerFile: 4})
	tag := uuid.New()
	a := g.Register("a", newMemBackend("a", nil, 1), true, tag)
	b := g.Register("b", newMemBackend("b", nil, 1), true, tag)
	touch(t, a, 0, 1)
	touch(t, b, 0, 1)
	b.detached = errDiskFull

	require.ErrorIs(t, a.CommitGroup(), ErrDetached)
	require.Equal(t, 1, a.Writeable())
	require.Equal(t, 0, a.Dirty())
}

func TestEviction_TaggedVictimFlushesGroup(t *testing.T) {
	var log []string
	g := NewGlobalPool(Options{BlocksPerFile: 1})
	tag := uuid.New()
	a := g.Register("a", newMemBackend("a", &log, 12), true, tag)
	b := g.Register("b", newMemBackend("b", &log, 1), true, tag)

	touch(t, a, 0, 1)
	require.NoError(t, a.Commit())
	touch(t, b, 0, 1)
	require.NoError(t, b.Commit())

	// a/0 is the LRU tail; filling the cache evicts it.
	for i := uint32(1); i <= 10; i++ {
		_, err := a.Get(i)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"write a/0", "write b/0"}, log)
	require.Equal(t, 0, b.Dirty())
}

func TestEviction_WriteFailureDetachesFile(t *testing.T) {
	g := NewGlobalPool(Options{BlocksPerFile: 1})
	be := newMemBackend("a", nil, 12)
	f := g.Register("a", be, true, uuid.Nil)

	touch(t, f, 0, 5)
	require.NoError(t, f.Commit())
	be.failWrite = true

	var err error
	for i := uint32(1); i <= 10 && err == nil; i++ {
		_, err = f.Get(i)
	}
	require.ErrorIs(t, err, ErrDetached)
	require.ErrorIs(t, err, errDiskFull)

	_, err = f.Get(3)
	require.ErrorIs(t, err, ErrDetached)
	require.Equal(t, 0, g.Stats().Len)
}

func TestJournal_LoggedBeforeInPlaceWrites(t *testing.T) {
	var log []string
	g := NewGlobalPool(Options{Journal: recJournal{log: &log}})
	be := newMemBackend("a", &log, 2)
	f := g.Register("a", be, true, uuid.Nil)

	touch(t, f, 1, 1)
	touch(t, f, 0, 1)
	require.NoError(t, f.Commit())
	require.NoError(t, f.Flush())

	require.Equal(t, []string{
		"journal a/0", "journal a/1", "journal commit",
		"write a/0", "write a/1",
		"checkpoint",
	}, log)
	require.GreaterOrEqual(t, be.syncs, 1)
}

func TestClose_ReleasesCapacity(t *testing.T) {
	g := NewGlobalPool(Options{BlocksPerFile: 3})
	a := g.Register("a", newMemBackend("a", nil, 3), true, uuid.Nil)
	b := g.Register("b", newMemBackend("b", nil, 1), true, uuid.Nil)
	require.Equal(t, 8+6, g.Capacity())

	for i := uint32(0); i < 3; i++ {
		_, err := a.Get(i)
		require.NoError(t, err)
	}
	touch(t, a, 0, 1)
	require.NoError(t, a.Close())
	require.Equal(t, 8+3, g.Capacity())
	require.Equal(t, 0, g.Stats().Len)

	_, err := b.Get(0)
	require.NoError(t, err)
	require.Equal(t, 1, g.Stats().Files)
}
