// Package bigfile maps a logical, append-only block address space onto a
// bounded sequence of physical segment files: path, path.1, path.2, ...
// Each segment holds at most FileBlocks blocks.
package bigfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultFileBlocks caps a segment at 512 MiB with 4 KiB blocks.
	DefaultFileBlocks = 1 << 17

	FileMode0644 = 0o644
	FileMode0755 = 0o755

	maxAttempts = 3
)

var (
	ErrOpen   = errors.New("bigfile: open failed")
	ErrRead   = errors.New("bigfile: read failed")
	ErrWrite  = errors.New("bigfile: write failed")
	ErrSeek   = errors.New("bigfile: block address out of range")
	ErrExists = errors.New("bigfile: file already exists")
	ErrClosed = errors.New("bigfile: file is closed")
)

type Options struct {
	BlockSize  int
	FileBlocks uint32
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.FileBlocks == 0 {
		o.FileBlocks = DefaultFileBlocks
	}
	return o
}

// File is one logical big file.
type File struct {
	pool     *HandlePool
	id       uint64
	path     string
	writable bool
	opts     Options
	dirty    map[int32]struct{}
	closed   bool
}

// SegFileName returns segment file name:
//   - seg 0: path
//   - seg N>0: path.N
func SegFileName(path string, segNo int32) string {
	if segNo <= 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, segNo)
}

// Create creates a new, empty big file. It fails if the first segment exists.
func Create(pool *HandlePool, path string, opts Options) (*File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, FileMode0755); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpen, err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, FileMode0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	bf := newFile(pool, path, true, opts)
	// Hand the fresh descriptor to the pool instead of reopening it.
	err = pool.with(segKey{id: bf.id, seg: 0}, func() (*os.File, error) { return f, nil }, func(*os.File) error { return nil })
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	pool.log.Debug("bigfile: created", zap.String("path", path))
	return bf, nil
}

// Open opens an existing big file.
func Open(pool *HandlePool, path string, writable bool, opts Options) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrOpen, path)
	}
	bf := newFile(pool, path, writable, opts)

	// Touch segment 0 so permission problems surface here and not on first read.
	if err := bf.withSegment(0, false, func(*os.File) error { return nil }); err != nil {
		bf.pool.release(bf.id)
		return nil, err
	}
	pool.log.Debug("bigfile: opened", zap.String("path", path), zap.Bool("writable", writable))
	return bf, nil
}

func newFile(pool *HandlePool, path string, writable bool, opts Options) *File {
	return &File{
		pool:     pool,
		id:       pool.register(),
		path:     path,
		writable: writable,
		opts:     opts.withDefaults(),
		dirty:    make(map[int32]struct{}),
	}
}

func (f *File) Path() string { return f.path }

func (f *File) locate(blockNo uint32) (segNo int32, offset int64) {
	segNo = int32(blockNo / f.opts.FileBlocks)
	inSeg := blockNo % f.opts.FileBlocks
	return segNo, int64(inSeg) * int64(f.opts.BlockSize)
}

func (f *File) withSegment(segNo int32, create bool, fn func(*os.File) error) error {
	if f.closed {
		return ErrClosed
	}
	open := func() (*os.File, error) {
		flag := os.O_RDONLY
		if f.writable {
			flag = os.O_RDWR
			if create {
				flag |= os.O_CREATE
			}
		}
		h, err := os.OpenFile(SegFileName(f.path, segNo), flag, FileMode0644)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpen, err)
		}
		return h, nil
	}
	return f.pool.with(segKey{id: f.id, seg: segNo}, open, fn)
}

// ReadBlock reads exactly one block into dst.
func (f *File) ReadBlock(blockNo uint32, dst []byte) error {
	if len(dst) != f.opts.BlockSize {
		return fmt.Errorf("%w: dst must be exactly %d bytes", ErrRead, f.opts.BlockSize)
	}
	segNo, off := f.locate(blockNo)
	return f.withSegment(segNo, false, func(h *os.File) error {
		if err := readFull(h, dst, off); err != nil {
			return fmt.Errorf("%w: block %d: %w", ErrRead, blockNo, err)
		}
		return nil
	})
}

// WriteBlock writes exactly one block from src.
func (f *File) WriteBlock(blockNo uint32, src []byte) error {
	if !f.writable {
		return fmt.Errorf("%w: %s opened read-only", ErrWrite, f.path)
	}
	if len(src) != f.opts.BlockSize {
		return fmt.Errorf("%w: src must be exactly %d bytes", ErrWrite, f.opts.BlockSize)
	}
	segNo, off := f.locate(blockNo)
	err := f.withSegment(segNo, true, func(h *os.File) error {
		if err := writeFull(h, src, off); err != nil {
			return fmt.Errorf("%w: block %d: %w", ErrWrite, blockNo, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	f.dirty[segNo] = struct{}{}
	return nil
}

// Blocks computes the number of blocks from the highest segment present.
// Lower segments may be missing or short when blocks were written out of
// order; those blocks count as allocated.
func (f *File) Blocks() (uint32, error) {
	segs, err := listSegments(f.path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if len(segs) == 0 {
		return 0, nil
	}
	last := segs[len(segs)-1]
	info, err := os.Stat(SegFileName(f.path, last))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return uint32(last)*f.opts.FileBlocks + uint32(info.Size()/int64(f.opts.BlockSize)), nil
}

// Sync fsyncs every segment written since the last Sync.
func (f *File) Sync() error {
	segs := make([]int32, 0, len(f.dirty))
	for s := range f.dirty {
		segs = append(segs, s)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })

	for _, s := range segs {
		err := f.withSegment(s, false, func(h *os.File) error {
			if err := h.Sync(); err != nil {
				return fmt.Errorf("%w: sync %s: %w", ErrWrite, h.Name(), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		delete(f.dirty, s)
	}
	return nil
}

// Close releases every pooled handle of the file. It does not sync.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.pool.release(f.id)
	f.closed = true
	f.pool.log.Debug("bigfile: closed", zap.String("path", f.path))
	return nil
}

func readFull(h *os.File, dst []byte, off int64) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		n, err := h.ReadAt(dst, off)
		if n == len(dst) {
			return nil
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func writeFull(h *os.File, src []byte, off int64) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		n, err := h.WriteAt(src, off)
		if n == len(src) {
			return nil
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func retryable(err error) bool {
	return isEINTR(err) ||
		errors.Is(err, io.ErrShortWrite) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// listSegments scans the directory of path and returns all segment numbers.
// It matches: base and base.<int>.
func listSegments(path string) ([]int32, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	segs := make([]int32, 0)
	prefix := base + "."
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == base {
			segs = append(segs, 0)
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n64, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 32)
		if err != nil || n64 <= 0 {
			continue
		}
		segs = append(segs, int32(n64))
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// Remove deletes every segment of the big file at path.
func Remove(path string) error {
	segs, err := listSegments(path)
	if err != nil {
		return err
	}
	for _, segNo := range segs {
		if err := os.Remove(SegFileName(path, segNo)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
