// Package keyfile is an embedded, transactional, ordered key/value store
// kept in a single B-tree file.
//
// Block 0 is always the root. Its forward link heads the list of freed
// blocks and its backward link names a spare data block. The leftmost leaf
// starts with the magic record, stored under the empty key, which marks the
// file as valid. User keys are 1 to 255 bytes long; values up to 1024 bytes
// are stored inline and longer ones in chains of data blocks.
//
// A File is not safe for concurrent use. Several files share one Env.
package keyfile

import (
	"bytes"
	"cmp"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/bigfile"
	"github.com/tuannm99/novakf/internal/bufferpool"
	"github.com/tuannm99/novakf/internal/page"
)

const (
	// Magic is the value of the record stored under the empty key.
	Magic = "novakf 1.0 B-tree key file"

	MaxKeyLen  = page.MaxKeyLen
	MaxDataLen = math.MaxInt32

	rootBlock  uint32 = 0
	spareBlock uint32 = 1
)

// Tag groups files that are flushed together. The zero Tag groups nothing.
type Tag = uuid.UUID

// NoTag leaves a file ungrouped.
var NoTag = uuid.Nil

func NewTag() Tag { return uuid.New() }

// CompareFunc orders two keys; it returns <0, 0 or >0.
type CompareFunc func(a, b []byte) int

// File is an open key file.
type File struct {
	env      *Env
	path     string
	writable bool
	tag      Tag
	log      *zap.Logger

	bf     *bigfile.File
	pages  *bufferpool.File
	blocks uint32 // logical block count, including uncommitted growth

	userCmp CompareFunc
	tx      txState
	cur     cursor
	closed  bool
}

// Create makes a new key file at path and opens it for update.
func (e *Env) Create(path string, tag Tag) (*File, error) {
	abs, err := absPath(path)
	if err != nil {
		return nil, err
	}
	if e.isOpen(abs) {
		return nil, fmt.Errorf("%w: %s is already open", ErrNotAllowed, abs)
	}
	bf, err := bigfile.Create(e.handles, abs, e.bigfileOptions())
	if err != nil {
		return nil, kindOf(err)
	}
	f := e.newFile(abs, true, tag, bf)
	if err := f.format(); err != nil {
		_ = f.release()
		_ = bigfile.Remove(abs)
		return nil, kindOf(err)
	}
	if err := e.attach(f); err != nil {
		_ = f.release()
		return nil, err
	}
	f.log.Info("key file created")
	return f, nil
}

// Open opens an existing key file. A file that is not a key file fails
// with ErrBadFile.
func (e *Env) Open(path string, writable bool, tag Tag) (*File, error) {
	abs, err := absPath(path)
	if err != nil {
		return nil, err
	}
	if e.isOpen(abs) {
		return nil, fmt.Errorf("%w: %s is already open", ErrNotAllowed, abs)
	}
	bf, err := bigfile.Open(e.handles, abs, writable, e.bigfileOptions())
	if err != nil {
		return nil, kindOf(err)
	}
	f := e.newFile(abs, writable, tag, bf)
	if f.blocks, err = bf.Blocks(); err != nil {
		_ = f.release()
		return nil, kindOf(err)
	}
	if err := f.verify(); err != nil {
		_ = f.release()
		return nil, err
	}
	if err := e.attach(f); err != nil {
		_ = f.release()
		return nil, err
	}
	f.log.Debug("key file opened", zap.Bool("writable", writable), zap.Uint32("blocks", f.blocks))
	return f, nil
}

func (e *Env) newFile(path string, writable bool, tag Tag, bf *bigfile.File) *File {
	return &File{
		env:      e,
		path:     path,
		writable: writable,
		tag:      tag,
		log:      e.log.With(zap.String("file", path)),
		bf:       bf,
		pages:    e.pool.Register(path, bf, writable, tag),
		userCmp:  bytes.Compare,
	}
}

// format writes the root leaf holding the magic record and the spare data
// block, then flushes them.
func (f *File) format() error {
	root, err := f.pages.NewBlock(rootBlock)
	if err != nil {
		return err
	}
	root.Init(page.LevelLeaf)
	root.SetPrev(spareBlock)
	if err := root.Append(magicItem()); err != nil {
		return err
	}
	spare, err := f.pages.NewBlock(spareBlock)
	if err != nil {
		return err
	}
	spare.Init(page.LevelData)
	f.blocks = 2
	if err := f.pages.Commit(); err != nil {
		return err
	}
	return f.pages.Flush()
}

func magicItem() *page.Item {
	return &page.Item{Key: []byte{}, DataLen: uint32(len(Magic)), Data: []byte(Magic)}
}

// verify checks that the leftmost leaf starts with the magic record.
func (f *File) verify() error {
	if f.blocks < 1 {
		return fmt.Errorf("%w: %s is empty", ErrBadFile, f.path)
	}
	leaf, err := f.leftmostLeaf()
	if err != nil {
		return kindOf(err)
	}
	if leaf.Count() == 0 {
		return fmt.Errorf("%w: %s has no magic record", ErrBadFile, f.path)
	}
	it, err := leaf.Item(0)
	if err != nil {
		return kindOf(err)
	}
	if len(it.Key) != 0 || string(it.Data) != Magic {
		return fmt.Errorf("%w: %s has no magic record", ErrBadFile, f.path)
	}
	return nil
}

// Close rolls back an open transaction, flushes a writable file and
// releases it.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	var errs error
	if f.tx.depth > 0 {
		f.log.Warn("closing with open transaction, rolling back", zap.Int("depth", f.tx.depth))
		f.discard()
	}
	if f.writable {
		errs = multierr.Append(errs, f.flush())
	}
	errs = multierr.Append(errs, f.release())
	f.env.detach(f)
	f.log.Debug("key file closed")
	return errs
}

func (f *File) release() error {
	f.closed = true
	return multierr.Combine(f.pages.Close(), f.bf.Close())
}

// Flush writes every committed block of this file, and of every open file
// sharing its tag, to disk.
func (f *File) Flush() error {
	if err := f.usable(); err != nil {
		return err
	}
	return f.flush()
}

func (f *File) flush() error {
	if !f.writable {
		return nil
	}
	return kindOf(f.pages.Flush())
}

// SetCompareFunc installs the key order. Nil restores byte order. The order
// must match the one the file was built with.
func (f *File) SetCompareFunc(fn CompareFunc) {
	if fn == nil {
		fn = bytes.Compare
	}
	f.userCmp = fn
}

// compare orders keys with the empty key below every other key.
func (f *File) compare(a, b []byte) int {
	if len(a) == 0 || len(b) == 0 {
		return cmp.Compare(len(a), len(b))
	}
	return f.userCmp(a, b)
}

func (f *File) Path() string   { return f.path }
func (f *File) Writable() bool { return f.writable }
func (f *File) Tag() Tag       { return f.tag }

// Height is the number of levels, 1 for a file whose root is a leaf.
func (f *File) Height() (int, error) {
	if err := f.usable(); err != nil {
		return 0, err
	}
	root, err := f.pages.Get(rootBlock)
	if err != nil {
		return 0, kindOf(err)
	}
	return int(root.Level()) + 1, nil
}

func (f *File) usable() error {
	if f.closed {
		return fmt.Errorf("%w: %s is closed", ErrNotAllowed, f.path)
	}
	return nil
}

func (f *File) checkWritable() error {
	if err := f.usable(); err != nil {
		return err
	}
	if !f.writable {
		return fmt.Errorf("%w: %s is read-only", ErrNotAllowed, f.path)
	}
	return nil
}

// FileStats describes one open file.
type FileStats struct {
	Path       string
	Height     int
	Blocks     uint32
	FreeBlocks int
	Writeable  int
	Dirty      int
	TxDepth    int
}

func (f *File) Stats() (FileStats, error) {
	h, err := f.Height()
	if err != nil {
		return FileStats{}, err
	}
	free, err := f.freeCount()
	if err != nil {
		return FileStats{}, err
	}
	return FileStats{
		Path:       f.path,
		Height:     h,
		Blocks:     f.blocks,
		FreeBlocks: free,
		Writeable:  f.pages.Writeable(),
		Dirty:      f.pages.Dirty(),
		TxDepth:    f.tx.depth,
	}, nil
}

// Remove deletes every segment of the key file at path. The file must not
// be open.
func (e *Env) Remove(path string) error {
	abs, err := absPath(path)
	if err != nil {
		return err
	}
	if e.isOpen(abs) {
		return fmt.Errorf("%w: %s is open", ErrNotAllowed, abs)
	}
	return kindOf(bigfile.Remove(abs))
}
