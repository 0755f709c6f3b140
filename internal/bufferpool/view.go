package bufferpool

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/page"
)

// File is one registered file's view of the pool. It owns the writeable
// list: blocks modified by the running transaction, keyed by block number.
// A block is either in the shared cache or in the writeable list, never the
// same page object in both.
type File struct {
	g        *GlobalPool
	id       uint64
	name     string
	backend  Backend
	writable bool
	tag      uuid.UUID

	writeable map[uint32]*page.Page
	detached  error
}

func (f *File) Name() string { return f.name }

func (f *File) tagFor(blockNo uint32) PageTag {
	return PageTag{FileID: f.id, BlockNo: blockNo}
}

func (f *File) usable() error {
	if f.detached != nil {
		return fmt.Errorf("%w: %s", ErrDetached, f.name)
	}
	return nil
}

// Get returns a block for reading. The writeable list is consulted first so
// a transaction sees its own changes. The returned page must not be
// modified.
func (f *File) Get(blockNo uint32) (*page.Page, error) {
	if p, ok := f.writeable[blockNo]; ok {
		return p, nil
	}
	g := f.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}
	fr, err := f.loadLocked(blockNo)
	if err != nil {
		return nil, err
	}
	return fr.Page, nil
}

// loadLocked returns the cached frame, reading it from the backend on a
// miss. The victim's buffer is not reused: callers may still hold the
// evicted page.
func (f *File) loadLocked(blockNo uint32) (*Frame, error) {
	g := f.g
	tag := f.tagFor(blockNo)
	if fr, ok := g.lookupLocked(tag); ok {
		g.hits++
		g.metrics.Hits.Inc()
		return fr, nil
	}
	g.misses++
	g.metrics.Misses.Inc()

	if err := g.shrinkLocked(g.capacity() - 1); err != nil {
		return nil, err
	}
	if err := f.usable(); err != nil {
		return nil, err
	}

	p := page.New(blockNo)
	if err := f.backend.ReadBlock(blockNo, p.Buf); err != nil {
		return nil, err
	}
	g.metrics.Reads.Inc()
	if err := p.Check(); err != nil {
		return nil, fmt.Errorf("%s block %d: %w", f.name, blockNo, err)
	}
	fr := &Frame{Tag: tag, Page: p, file: f}
	g.insertLocked(fr)
	return fr, nil
}

// GetWriteable returns a block the caller may modify. A clean cached page
// moves to the writeable list; a dirty one is cloned so the cache keeps the
// last committed image until Commit.
func (f *File) GetWriteable(blockNo uint32) (*page.Page, error) {
	if !f.writable {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, f.name)
	}
	if p, ok := f.writeable[blockNo]; ok {
		return p, nil
	}
	g := f.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}
	fr, err := f.loadLocked(blockNo)
	if err != nil {
		return nil, err
	}
	var p *page.Page
	if fr.Dirty {
		p = fr.Page.Clone()
	} else {
		p = fr.Page
		g.removeLocked(fr.Tag)
	}
	f.writeable[blockNo] = p
	return p, nil
}

// NewBlock places a zeroed page for blockNo in the writeable list. Any
// cached image of the block is discarded.
func (f *File) NewBlock(blockNo uint32) (*page.Page, error) {
	if !f.writable {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, f.name)
	}
	g := f.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}
	g.removeLocked(f.tagFor(blockNo))
	p := page.New(blockNo)
	f.writeable[blockNo] = p
	return p, nil
}

// Writeable reports how many blocks the running transaction has touched.
func (f *File) Writeable() int { return len(f.writeable) }

// Commit moves every writeable page into the cache as dirty, replacing any
// cached copy, then evicts down to capacity.
func (f *File) Commit() error {
	g := f.g
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.publishLocked([]*File{f})
}

// CommitGroup publishes the writeable lists of f and every file sharing its
// tag under one lock, so eviction never sees part of the group committed.
// Nothing is published when any member is detached.
func (f *File) CommitGroup() error {
	g := f.g
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.publishLocked(g.groupLocked(f))
}

func (g *GlobalPool) publishLocked(files []*File) error {
	for _, f := range files {
		if err := f.usable(); err != nil {
			return err
		}
		for blockNo, p := range f.writeable {
			if e, ok := g.table[f.tagFor(blockNo)]; ok && e.Value.(*Frame).Page == p {
				return fmt.Errorf("%w: %s block %d", ErrAliased, f.name, blockNo)
			}
		}
	}
	for _, f := range files {
		for blockNo, p := range f.writeable {
			g.insertLocked(&Frame{Tag: f.tagFor(blockNo), Page: p, Dirty: true, file: f})
		}
		if n := len(f.writeable); n > 0 {
			clear(f.writeable)
			g.log.Debug("writeable list committed", zap.String("file", f.name), zap.Int("blocks", n))
		}
	}
	return g.shrinkLocked(g.capacity())
}

// Rollback discards the writeable list. The cache still holds the last
// committed image of every block.
func (f *File) Rollback() {
	n := len(f.writeable)
	clear(f.writeable)
	if n > 0 {
		f.g.log.Debug("writeable list discarded", zap.String("file", f.name), zap.Int("blocks", n))
	}
}

// Flush writes every dirty cached block of this file, and of every file
// sharing its tag, then syncs their backends.
func (f *File) Flush() error {
	g := f.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := f.usable(); err != nil {
		return err
	}
	group := g.groupLocked(f)
	if err := g.writeFramesLocked(g.dirtyFramesLocked(group), false); err != nil {
		return err
	}
	for _, o := range group {
		if err := o.backend.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Dirty counts this file's committed but unwritten blocks.
func (f *File) Dirty() int {
	g := f.g
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.dirtyFramesLocked([]*File{f}))
}

// Close discards the writeable list and every cached frame without writing
// them, and releases the file's share of the cache. Callers flush first.
func (f *File) Close() error {
	f.Rollback()
	g := f.g
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unregister(f)
	g.log.Debug("file unregistered", zap.String("file", f.name))
	return g.shrinkLocked(g.capacity())
}
