// Package journal is the flush journal: page images are appended and
// fsynced before the cache writes them in place, so a crash in the middle
// of a flush can be repaired by replaying the last complete batch.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/alias/bx"
)

var (
	ErrBadMagic  = errors.New("journal: bad magic")
	ErrBadCRC    = errors.New("journal: bad crc")
	ErrBadRecord = errors.New("journal: bad record")
	ErrClosed    = errors.New("journal: closed")
)

const (
	FileName = "flush.journal"

	magic uint32 = 0x4A464B4E // "NKFJ"

	recImage  uint8 = 1
	recCommit uint8 = 2

	// magic(4) typ(1) rsv(1) totalLen(4) crc(4)
	headerLen = 4 + 1 + 1 + 4 + 4
	// batch(4) nameLen(2) blockNo(4)
	bodyFixed = 4 + 2 + 4
)

// PageWriter applies a replayed image to its file.
type PageWriter interface {
	WritePage(file string, blockNo uint32, img []byte) error
}

type Manager struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	path  string
	batch uint32
	log   *zap.Logger
}

// Open creates dir when needed and opens the journal inside it.
func Open(dir string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Manager{f: f, w: bufio.NewWriterSize(f, 1<<16), path: path, log: log}, nil
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// Append buffers one page image for the current batch.
func (m *Manager) Append(file string, blockNo uint32, img []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrClosed
	}
	return m.write(recImage, file, blockNo, img)
}

// Commit closes the batch with a commit record and fsyncs the journal.
// Only committed batches are replayed.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrClosed
	}
	if err := m.write(recCommit, "", 0, nil); err != nil {
		return err
	}
	if err := m.w.Flush(); err != nil {
		return err
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	m.batch++
	return nil
}

// Checkpoint empties the journal once the in-place writes are durable.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrClosed
	}
	m.w.Reset(m.f)
	if err := m.f.Truncate(0); err != nil {
		return err
	}
	return m.f.Sync()
}

func (m *Manager) write(typ uint8, file string, blockNo uint32, img []byte) error {
	name := []byte(file)
	total := headerLen + bodyFixed + len(name) + len(img)
	buf := make([]byte, total)

	bx.PutU32At(buf, 0, magic)
	buf[4] = typ
	bx.PutU32At(buf, 6, uint32(total))

	body := buf[headerLen:]
	bx.PutU32At(body, 0, m.batch)
	bx.PutU16At(body, 4, uint16(len(name)))
	bx.PutU32At(body, 6, blockNo)
	copy(body[bodyFixed:], name)
	copy(body[bodyFixed+len(name):], img)

	bx.PutU32At(buf, 10, crc32.ChecksumIEEE(body))
	_, err := m.w.Write(buf)
	return err
}

type record struct {
	typ     uint8
	batch   uint32
	file    string
	blockNo uint32
	img     []byte
}

// Recover replays every committed batch through w and then empties the
// journal. A torn or corrupt tail ends the replay; its batch is dropped.
func (m *Manager) Recover(w PageWriter) (int, error) {
	m.mu.Lock()
	path := m.path
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	var pending []*record
	applied := 0
	for {
		rec, err := readOne(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.log.Warn("journal tail discarded", zap.String("path", path), zap.Error(err))
			}
			break
		}
		if rec.typ == recImage {
			pending = append(pending, rec)
			continue
		}
		for _, p := range pending {
			if p.batch != rec.batch {
				continue
			}
			if err := w.WritePage(p.file, p.blockNo, p.img); err != nil {
				return applied, fmt.Errorf("journal replay %s block %d: %w", p.file, p.blockNo, err)
			}
			applied++
		}
		pending = pending[:0]
	}
	if applied > 0 {
		m.log.Info("journal replayed", zap.String("path", path), zap.Int("pages", applied))
	}
	return applied, m.Checkpoint()
}

func readOne(r *bufio.Reader) (*record, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if bx.U32At(hdr[:], 0) != magic {
		return nil, ErrBadMagic
	}
	typ := hdr[4]
	total := int(bx.U32At(hdr[:], 6))
	if total < headerLen+bodyFixed {
		return nil, ErrBadRecord
	}
	body := make([]byte, total-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(body) != bx.U32At(hdr[:], 10) {
		return nil, ErrBadCRC
	}

	nameLen := int(bx.U16At(body, 4))
	if bodyFixed+nameLen > len(body) {
		return nil, ErrBadRecord
	}
	rec := &record{
		typ:     typ,
		batch:   bx.U32At(body, 0),
		blockNo: bx.U32At(body, 6),
		file:    string(body[bodyFixed : bodyFixed+nameLen]),
	}
	if typ == recImage {
		rec.img = append([]byte(nil), body[bodyFixed+nameLen:]...)
	}
	return rec, nil
}
