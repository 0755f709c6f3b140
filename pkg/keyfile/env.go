package keyfile

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/bigfile"
	"github.com/tuannm99/novakf/internal/bufferpool"
	"github.com/tuannm99/novakf/internal/journal"
	"github.com/tuannm99/novakf/internal/page"
)

// Options configures an Env. Zero values pick the defaults.
type Options struct {
	// BlocksPerFile is the cache share every open file adds.
	BlocksPerFile int
	// MaxOpenFiles bounds the OS handles kept open across all files.
	MaxOpenFiles int
	// FileBlocks is the number of blocks per physical segment.
	FileBlocks uint32
	// JournalDir enables the flush journal when not empty.
	JournalDir string

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Env owns the state shared by every open key file: the block cache, the OS
// handle pool and the optional flush journal.
type Env struct {
	opts    Options
	log     *zap.Logger
	handles *bigfile.HandlePool
	pool    *bufferpool.GlobalPool
	journal *journal.Manager

	mu    sync.Mutex
	files map[string]*File
}

// EnvStats is a snapshot of the shared cache and handle pool.
type EnvStats struct {
	bufferpool.Stats
	OpenFiles   int
	OpenHandles int
}

// NewEnv builds an environment. With a journal directory, complete batches
// left by an interrupted flush are written back before it returns.
func NewEnv(opts Options) (*Env, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FileBlocks == 0 {
		opts.FileBlocks = bigfile.DefaultFileBlocks
	}
	handles, err := bigfile.NewHandlePool(opts.MaxOpenFiles, opts.Logger)
	if err != nil {
		return nil, err
	}
	e := &Env{
		opts:    opts,
		log:     opts.Logger,
		handles: handles,
		files:   make(map[string]*File),
	}

	var jnl bufferpool.Journal
	if opts.JournalDir != "" {
		m, err := journal.Open(opts.JournalDir, opts.Logger)
		if err != nil {
			handles.Close()
			return nil, fmt.Errorf("%w: journal: %w", ErrOpen, err)
		}
		if _, err := m.Recover(e); err != nil {
			handles.Close()
			return nil, multierr.Append(kindOf(err), m.Close())
		}
		e.journal = m
		jnl = m
	}

	e.pool = bufferpool.NewGlobalPool(bufferpool.Options{
		BlocksPerFile: opts.BlocksPerFile,
		Logger:        opts.Logger,
		Metrics:       bufferpool.NewMetrics(opts.Registerer),
		Journal:       jnl,
	})
	return e, nil
}

func (e *Env) bigfileOptions() bigfile.Options {
	return bigfile.Options{BlockSize: page.Size, FileBlocks: e.opts.FileBlocks}
}

// WritePage applies a replayed journal image.
func (e *Env) WritePage(path string, blockNo uint32, img []byte) error {
	bf, err := bigfile.Open(e.handles, path, true, e.bigfileOptions())
	if err != nil {
		return err
	}
	return multierr.Combine(bf.WriteBlock(blockNo, img), bf.Sync(), bf.Close())
}

// Close flushes and closes every file still open, then releases the
// handle pool and the journal.
func (e *Env) Close() error {
	e.mu.Lock()
	open := make([]*File, 0, len(e.files))
	for _, f := range e.files {
		open = append(open, f)
	}
	e.mu.Unlock()

	var errs error
	for _, f := range open {
		errs = multierr.Append(errs, f.Close())
	}
	e.handles.Close()
	if e.journal != nil {
		errs = multierr.Append(errs, e.journal.Close())
	}
	return errs
}

func (e *Env) Stats() EnvStats {
	e.mu.Lock()
	n := len(e.files)
	e.mu.Unlock()
	return EnvStats{Stats: e.pool.Stats(), OpenFiles: n, OpenHandles: e.handles.Len()}
}

func (e *Env) attach(f *File) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.files[f.path]; ok {
		return fmt.Errorf("%w: %s is already open", ErrNotAllowed, f.path)
	}
	e.files[f.path] = f
	return nil
}

func (e *Env) detach(f *File) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.files, f.path)
}

func (e *Env) isOpen(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.files[path]
	return ok
}

// txGroup returns f followed by every other open file sharing its tag that
// has a transaction running.
func (e *Env) txGroup(f *File) []*File {
	out := []*File{f}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.files {
		if o != f && o.tag == f.tag && o.tx.depth > 0 {
			out = append(out, o)
		}
	}
	return out
}

func absPath(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return p, nil
}
