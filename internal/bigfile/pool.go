package bigfile

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultMaxOpenFiles bounds the number of OS handles a HandlePool keeps.
const DefaultMaxOpenFiles = 64

type segKey struct {
	id  uint64
	seg int32
}

// HandlePool is the process-wide LRU of open segment handles. All big files
// of one environment share it, so the total number of OS descriptors stays
// below the configured maximum no matter how many segments exist.
type HandlePool struct {
	mu     sync.Mutex
	cache  *lru.Cache[segKey, *os.File]
	nextID uint64
	log    *zap.Logger
}

func NewHandlePool(maxOpen int, log *zap.Logger) (*HandlePool, error) {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenFiles
	}
	if log == nil {
		log = zap.NewNop()
	}
	hp := &HandlePool{log: log}

	c, err := lru.NewWithEvict[segKey, *os.File](maxOpen, func(k segKey, f *os.File) {
		if err := f.Close(); err != nil {
			hp.log.Warn("bigfile: close evicted handle",
				zap.String("name", f.Name()),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return nil, err
	}
	hp.cache = c
	return hp, nil
}

// Len reports how many handles are currently open.
func (hp *HandlePool) Len() int {
	return hp.cache.Len()
}

func (hp *HandlePool) register() uint64 {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.nextID++
	return hp.nextID
}

// with runs fn on the handle of (id, seg) while holding the pool lock, so an
// eviction triggered by another file cannot close the handle mid-transfer.
// open is only called on a miss.
func (hp *HandlePool) with(k segKey, open func() (*os.File, error), fn func(*os.File) error) error {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	f, ok := hp.cache.Get(k)
	if !ok {
		var err error
		f, err = open()
		if err != nil {
			return err
		}
		hp.cache.Add(k, f)
	}
	return fn(f)
}

// release closes every handle that belongs to id.
func (hp *HandlePool) release(id uint64) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	for _, k := range hp.cache.Keys() {
		if k.id == id {
			hp.cache.Remove(k)
		}
	}
}

// Close closes every pooled handle.
func (hp *HandlePool) Close() {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.cache.Purge()
}
