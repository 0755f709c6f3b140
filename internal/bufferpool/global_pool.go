package bufferpool

import (
	"cmp"
	"container/list"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/page"
)

// BaseCapacity is the number of cache slots every pool owns before any file
// is registered.
const BaseCapacity = 8

// DefaultBlocksPerFile is the cache share each registered file adds.
const DefaultBlocksPerFile = 64

var (
	ErrDetached = errors.New("bufferpool: file detached after write failure")
	ErrAliased  = errors.New("bufferpool: page held by cache and writeable list")
	ErrReadOnly = errors.New("bufferpool: file is read-only")
)

// Backend is the block device a registered file reads from and writes to.
type Backend interface {
	ReadBlock(blockNo uint32, dst []byte) error
	WriteBlock(blockNo uint32, src []byte) error
	Sync() error
}

// Journal receives page images before they are written in place. A batch is
// durable once Commit returns; Checkpoint discards it after the in-place
// writes reached disk.
type Journal interface {
	Append(file string, blockNo uint32, img []byte) error
	Commit() error
	Checkpoint() error
}

// PageTag uniquely identifies a cached block.
type PageTag struct {
	FileID  uint64
	BlockNo uint32
}

// Frame is one cache slot.
type Frame struct {
	Tag   PageTag
	Page  *page.Page
	Dirty bool

	file *File
}

// Options configures a GlobalPool.
type Options struct {
	BlocksPerFile int
	Logger        *zap.Logger
	Metrics       *Metrics
	Journal       Journal
}

// Stats is a point-in-time snapshot of the cache.
type Stats struct {
	Files     int
	Len       int
	Dirty     int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Writes    uint64
}

// GlobalPool is the single block cache shared by every open file. Committed
// pages live here in LRU order; uncommitted ones live in each file's
// writeable list.
type GlobalPool struct {
	mu sync.Mutex

	blocksPerFile int
	files         map[uint64]*File
	nextID        uint64

	table map[PageTag]*list.Element
	lru   *list.List // front = most recently used

	journal Journal
	metrics *Metrics
	log     *zap.Logger

	hits, misses, evictions, writes uint64
}

func NewGlobalPool(opts Options) *GlobalPool {
	if opts.BlocksPerFile <= 0 {
		opts.BlocksPerFile = DefaultBlocksPerFile
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &GlobalPool{
		blocksPerFile: opts.BlocksPerFile,
		files:         make(map[uint64]*File),
		table:         make(map[PageTag]*list.Element),
		lru:           list.New(),
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		log:           opts.Logger,
	}
}

// Capacity is the current cache bound; it grows and shrinks with the
// number of registered files.
func (g *GlobalPool) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity()
}

func (g *GlobalPool) capacity() int {
	return BaseCapacity + g.blocksPerFile*len(g.files)
}

func (g *GlobalPool) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{
		Files:     len(g.files),
		Len:       g.lru.Len(),
		Capacity:  g.capacity(),
		Hits:      g.hits,
		Misses:    g.misses,
		Evictions: g.evictions,
		Writes:    g.writes,
	}
	for e := g.lru.Front(); e != nil; e = e.Next() {
		if e.Value.(*Frame).Dirty {
			s.Dirty++
		}
	}
	return s
}

// Register attaches a backend and returns its per-file view. Files sharing
// a non-nil tag are flushed together.
func (g *GlobalPool) Register(name string, b Backend, writable bool, tag uuid.UUID) *File {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	f := &File{
		g:         g,
		id:        g.nextID,
		name:      name,
		backend:   b,
		writable:  writable,
		tag:       tag,
		writeable: make(map[uint32]*page.Page),
	}
	g.files[f.id] = f
	g.log.Debug("file registered",
		zap.String("file", name),
		zap.Uint64("id", f.id),
		zap.Stringer("tag", tag))
	return f
}

// unregister drops every frame of f without writing it.
func (g *GlobalPool) unregister(f *File) {
	g.dropFramesLocked(f)
	delete(g.files, f.id)
}

func (g *GlobalPool) dropFramesLocked(f *File) {
	for e := g.lru.Front(); e != nil; {
		next := e.Next()
		fr := e.Value.(*Frame)
		if fr.file == f {
			g.lru.Remove(e)
			delete(g.table, fr.Tag)
		}
		e = next
	}
}

// lookupLocked returns the cached frame and marks it most recently used.
func (g *GlobalPool) lookupLocked(tag PageTag) (*Frame, bool) {
	e, ok := g.table[tag]
	if !ok {
		return nil, false
	}
	g.lru.MoveToFront(e)
	return e.Value.(*Frame), true
}

func (g *GlobalPool) removeLocked(tag PageTag) {
	if e, ok := g.table[tag]; ok {
		g.lru.Remove(e)
		delete(g.table, tag)
	}
}

func (g *GlobalPool) insertLocked(fr *Frame) {
	g.removeLocked(fr.Tag)
	g.table[fr.Tag] = g.lru.PushFront(fr)
}

// shrinkLocked evicts from the tail until the cache fits its capacity.
func (g *GlobalPool) shrinkLocked(limit int) error {
	for g.lru.Len() > limit {
		if err := g.evictLocked(g.lru.Back()); err != nil {
			return err
		}
	}
	return nil
}

// evictLocked removes the frame at e, writing it first when dirty. When the
// victim's file is tagged, every dirty page of the tag group is written in
// the same batch so the group never hits disk half-updated.
func (g *GlobalPool) evictLocked(e *list.Element) error {
	victim := e.Value.(*Frame)
	if victim.Dirty {
		var batch []*Frame
		if victim.file.tag != uuid.Nil {
			batch = g.dirtyFramesLocked(g.groupLocked(victim.file))
		} else {
			batch = []*Frame{victim}
		}
		if err := g.writeFramesLocked(batch, false); err != nil {
			f := victim.file
			g.log.Error("eviction write failed, detaching file",
				zap.String("file", f.name),
				zap.Uint32("block", victim.Tag.BlockNo),
				zap.Error(err))
			g.dropFramesLocked(f)
			f.detached = err
			return fmt.Errorf("%w: %s: %w", ErrDetached, f.name, err)
		}
	}
	g.lru.Remove(e)
	delete(g.table, victim.Tag)
	g.evictions++
	g.metrics.Evictions.Inc()
	return nil
}

// groupLocked returns f and every other registered file sharing its tag.
func (g *GlobalPool) groupLocked(f *File) []*File {
	if f.tag == uuid.Nil {
		return []*File{f}
	}
	var out []*File
	for _, o := range g.files {
		if o.tag == f.tag {
			out = append(out, o)
		}
	}
	return out
}

func (g *GlobalPool) dirtyFramesLocked(files []*File) []*Frame {
	var out []*Frame
	for e := g.lru.Front(); e != nil; e = e.Next() {
		fr := e.Value.(*Frame)
		if fr.Dirty && slices.Contains(files, fr.file) {
			out = append(out, fr)
		}
	}
	return out
}

// writeFramesLocked writes frames in (file, block) order. With a journal the
// images are logged and committed first, and the backends are synced before
// the journal is checkpointed.
func (g *GlobalPool) writeFramesLocked(frames []*Frame, sync bool) error {
	if len(frames) == 0 {
		return nil
	}
	slices.SortFunc(frames, func(a, b *Frame) int {
		if c := cmp.Compare(a.Tag.FileID, b.Tag.FileID); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag.BlockNo, b.Tag.BlockNo)
	})

	if g.journal != nil {
		for _, fr := range frames {
			if err := g.journal.Append(fr.file.name, fr.Tag.BlockNo, fr.Page.Buf); err != nil {
				return err
			}
		}
		if err := g.journal.Commit(); err != nil {
			return err
		}
		sync = true
	}

	var touched []*File
	for _, fr := range frames {
		if err := fr.file.backend.WriteBlock(fr.Tag.BlockNo, fr.Page.Buf); err != nil {
			return err
		}
		fr.Dirty = false
		g.writes++
		g.metrics.Writes.Inc()
		if !slices.Contains(touched, fr.file) {
			touched = append(touched, fr.file)
		}
	}

	if sync {
		var errs error
		for _, f := range touched {
			errs = multierr.Append(errs, f.backend.Sync())
		}
		if errs != nil {
			return errs
		}
	}
	if g.journal != nil {
		return g.journal.Checkpoint()
	}
	return nil
}
