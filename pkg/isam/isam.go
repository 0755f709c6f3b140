// Package isam is a multi-key record store built on key files: one main
// file holds the rows and one key file per index maps index keys to rows.
// All files of a store share a tag so they are flushed together, and every
// mutation runs as one transaction across them.
package isam

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal/varint"
	"github.com/tuannm99/novakf/pkg/keyfile"
)

// headerKey is the main-file key of the store header. Row pointers never
// start with a zero byte.
var headerKey = []byte{0x00}

// IndexSpec describes one index.
type IndexSpec struct {
	// Unique rejects a second row with an equal key.
	Unique bool
}

// Store is an open ISAM store. Like a key file, it is not safe for
// concurrent use.
type Store struct {
	env   *keyfile.Env
	base  string
	tag   keyfile.Tag
	main  *keyfile.File
	idx   []*keyfile.File
	specs []IndexSpec
	log   *zap.Logger

	row   RowPtr // current row
	valid bool
}

func MainPath(base string) string         { return base + ".dat" }
func IndexPath(base string, i int) string { return fmt.Sprintf("%s.k%d", base, i) }

// Create makes a store with the given indexes.
func Create(env *keyfile.Env, base string, specs []IndexSpec, log *zap.Logger) (*Store, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: a store needs at least one index", keyfile.ErrParamIndex)
	}
	s := newStore(env, base, specs, log)
	var err error
	if s.main, err = env.Create(MainPath(base), s.tag); err != nil {
		return nil, err
	}
	for i, spec := range specs {
		f, err := env.Create(IndexPath(base, i), s.tag)
		if err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		s.attachIndex(f, spec)
	}
	if err := s.main.Insert(headerKey, encodeHeader(1, specs)); err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	if err := s.Flush(); err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	s.log.Info("isam store created", zap.Int("indexes", len(specs)))
	return s, nil
}

// Open opens an existing store; the index layout comes from its header.
func Open(env *keyfile.Env, base string, writable bool, log *zap.Logger) (*Store, error) {
	s := newStore(env, base, nil, log)
	var err error
	if s.main, err = env.Open(MainPath(base), writable, s.tag); err != nil {
		return nil, err
	}
	_, specs, err := s.header()
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	for i, spec := range specs {
		f, err := env.Open(IndexPath(base, i), writable, s.tag)
		if err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		s.attachIndex(f, spec)
	}
	return s, nil
}

func newStore(env *keyfile.Env, base string, specs []IndexSpec, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		env:   env,
		base:  base,
		tag:   keyfile.NewTag(),
		specs: make([]IndexSpec, 0, len(specs)),
		log:   log.With(zap.String("store", base)),
	}
}

func (s *Store) attachIndex(f *keyfile.File, spec IndexSpec) {
	if !spec.Unique {
		f.SetCompareFunc(compareComposite)
	}
	s.idx = append(s.idx, f)
	s.specs = append(s.specs, spec)
}

// Indexes returns the number of indexes.
func (s *Store) Indexes() int { return len(s.idx) }

func (s *Store) files() []*keyfile.File {
	out := make([]*keyfile.File, 0, len(s.idx)+1)
	if s.main != nil {
		out = append(out, s.main)
	}
	return append(out, s.idx...)
}

// Close closes every file of the store.
func (s *Store) Close() error {
	var errs error
	for _, f := range s.files() {
		errs = multierr.Append(errs, f.Close())
	}
	return errs
}

// Flush writes the whole store; the shared tag pulls in every file.
func (s *Store) Flush() error {
	return s.main.Flush()
}

// StartTransaction opens a transaction on every file of the store.
func (s *Store) StartTransaction() error {
	for _, f := range s.files() {
		if err := f.StartTransaction(); err != nil {
			return err
		}
	}
	return nil
}

// Commit ends the store transaction and returns the number of rollbacks
// requested across its files. Nested levels only unwind the indexes; the
// outermost commit of the main file ends the transaction of every index
// file through the shared tag, so the files are published or rolled back
// as one.
func (s *Store) Commit(rollback bool) (int, error) {
	if rollback {
		s.valid = false
	}
	for _, f := range s.idx {
		if f.TxDepth() > 1 {
			if _, err := f.Commit(false); err != nil {
				return 0, err
			}
		}
	}
	n, err := s.main.Commit(rollback)
	if n > 0 {
		s.valid = false
	}
	return n, err
}

// atomically runs fn in a transaction across all files, rolling all of
// them back when fn fails.
func (s *Store) atomically(fn func() error) error {
	if err := s.StartTransaction(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_, cerr := s.Commit(true)
		return multierr.Append(err, cerr)
	}
	n, err := s.Commit(false)
	if err == nil && n > 0 {
		err = fmt.Errorf("%w: transaction rolled back by %d nested requests", keyfile.ErrNotAllowed, n)
	}
	return err
}

func encodeHeader(next uint64, specs []IndexSpec) []byte {
	out := append([]byte(nil), EncodeRowPtr(next)...)
	out = varint.Append(out, uint32(len(specs)))
	for _, sp := range specs {
		var flag byte
		if sp.Unique {
			flag = 1
		}
		out = append(out, flag)
	}
	return out
}

// header reads the next row number and the index layout.
func (s *Store) header() (uint64, []IndexSpec, error) {
	if _, _, err := s.main.Find(keyfile.EQ, headerKey); err != nil {
		if errors.Is(err, keyfile.ErrNotFound) {
			return 0, nil, fmt.Errorf("%w: %s has no store header", keyfile.ErrBadFile, s.base)
		}
		return 0, nil, err
	}
	raw, err := s.main.ReadAll()
	if err != nil {
		return 0, nil, err
	}
	if len(raw) < 2 || int(raw[0])+1 > len(raw) {
		return 0, nil, fmt.Errorf("%w: short store header", keyfile.ErrBadFile)
	}
	plen := int(raw[0]) + 1
	next, err := DecodeRowPtr(raw[:plen])
	if err != nil {
		return 0, nil, err
	}
	n, used, err := varint.Get(raw[plen:])
	if err != nil || plen+used+int(n) != len(raw) {
		return 0, nil, fmt.Errorf("%w: bad store header", keyfile.ErrBadFile)
	}
	specs := make([]IndexSpec, n)
	for i, flag := range raw[plen+used:] {
		specs[i].Unique = flag == 1
	}
	return next, specs, nil
}

// nextRow allocates a row pointer and advances the stored sequence.
func (s *Store) nextRow() (RowPtr, error) {
	next, _, err := s.header()
	if err != nil {
		return nil, err
	}
	if err := s.main.Update(encodeHeader(next+1, s.specs)); err != nil {
		return nil, err
	}
	return EncodeRowPtr(next), nil
}

func (s *Store) checkIndex(i int) error {
	if i < 0 || i >= len(s.idx) {
		return fmt.Errorf("%w: index %d of %d", keyfile.ErrParamIndex, i, len(s.idx))
	}
	return nil
}

// indexEntry returns the key and value stored in index i for a row.
func (s *Store) indexEntry(i int, key []byte, row RowPtr) ([]byte, []byte) {
	if s.specs[i].Unique {
		return key, row
	}
	return compositeKey(key, row), nil
}

func (s *Store) checkKeys(keys [][]byte) error {
	if len(keys) != len(s.idx) {
		return fmt.Errorf("%w: %d keys for %d indexes", keyfile.ErrParamIndex, len(keys), len(s.idx))
	}
	for i, k := range keys {
		if err := s.checkKey(i, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkKey(i int, k []byte) error {
	limit := keyfile.MaxKeyLen
	if !s.specs[i].Unique {
		limit -= maxRowPtr + 1
	}
	if len(k) == 0 {
		return fmt.Errorf("%w: index %d: empty key", keyfile.ErrParamKey, i)
	}
	if len(k) > limit {
		return fmt.Errorf("%w: index %d: %d bytes, max %d", keyfile.ErrParamKeyLen, i, len(k), limit)
	}
	return nil
}

// Insert adds a row with one key per index and makes it current. A
// duplicate key in a unique index fails with keyfile.ErrExists and leaves
// every file unchanged.
func (s *Store) Insert(keys [][]byte, data []byte) error {
	if err := s.checkKeys(keys); err != nil {
		return err
	}
	var row RowPtr
	err := s.atomically(func() error {
		var err error
		if row, err = s.nextRow(); err != nil {
			return err
		}
		if err := s.main.Insert(row, encodeRecord(keys, data)); err != nil {
			return err
		}
		for i, k := range keys {
			ik, iv := s.indexEntry(i, k, row)
			if err := s.idx[i].Insert(ik, iv); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		s.valid = false
		return err
	}
	s.row, s.valid = row, true
	return nil
}

// record loads the current row's keys and data.
func (s *Store) record() ([][]byte, []byte, error) {
	if !s.valid {
		return nil, nil, keyfile.ErrPosition
	}
	if _, _, err := s.main.Find(keyfile.EQ, s.row); err != nil {
		return nil, nil, err
	}
	raw, err := s.main.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return decodeRecord(raw, len(s.idx))
}

// Delete removes the current row from the main file and every index.
func (s *Store) Delete() error {
	keys, _, err := s.record()
	if err != nil {
		return err
	}
	row := s.row
	err = s.atomically(func() error {
		for i, k := range keys {
			if err := s.removeIndexEntry(i, k, row); err != nil {
				return err
			}
		}
		if _, _, err := s.main.Find(keyfile.EQ, row); err != nil {
			return err
		}
		return s.main.Delete()
	})
	s.valid = false
	return err
}

func (s *Store) removeIndexEntry(i int, key []byte, row RowPtr) error {
	ik, _ := s.indexEntry(i, key, row)
	if _, _, err := s.idx[i].Find(keyfile.EQ, ik); err != nil {
		return fmt.Errorf("index %d: %w", i, err)
	}
	return s.idx[i].Delete()
}

// UpdateData replaces the current row's data.
func (s *Store) UpdateData(data []byte) error {
	keys, _, err := s.record()
	if err != nil {
		return err
	}
	return s.atomically(func() error {
		return s.main.Update(encodeRecord(keys, data))
	})
}

// UpdateKey changes the current row's key in index i.
func (s *Store) UpdateKey(i int, key []byte) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	if err := s.checkKey(i, key); err != nil {
		return err
	}
	keys, data, err := s.record()
	if err != nil {
		return err
	}
	row := s.row
	return s.atomically(func() error {
		if err := s.removeIndexEntry(i, keys[i], row); err != nil {
			return err
		}
		ik, iv := s.indexEntry(i, key, row)
		if err := s.idx[i].Insert(ik, iv); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		keys[i] = key
		if _, _, err := s.main.Find(keyfile.EQ, row); err != nil {
			return err
		}
		return s.main.Update(encodeRecord(keys, bytes.Clone(data)))
	})
}

// land makes the row referenced by the current entry of index i current
// and returns that index key.
func (s *Store) land(i int, key []byte, err error) ([]byte, error) {
	if err != nil {
		if errors.Is(err, keyfile.ErrNotFound) {
			s.valid = false
		}
		return nil, err
	}
	var row RowPtr
	if s.specs[i].Unique {
		raw, err := s.idx[i].ReadAll()
		if err != nil {
			return nil, err
		}
		row = raw
	} else {
		user, r, ok := splitComposite(key)
		if !ok || r == nil {
			return nil, fmt.Errorf("%w: index %d holds a bare key", keyfile.ErrBadFile, i)
		}
		key, row = user, r
	}
	if _, err := DecodeRowPtr(row); err != nil {
		return nil, err
	}
	s.row, s.valid = bytes.Clone(row), true
	return bytes.Clone(key), nil
}

func keyOf(_ int, key []byte, err error) ([]byte, error) { return key, err }

// Find positions on the row selected by mode and key in index i and
// returns the index key found.
func (s *Store) Find(i int, mode keyfile.Mode, key []byte) ([]byte, error) {
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	if err := s.checkKey(i, key); err != nil {
		return nil, err
	}
	if !s.specs[i].Unique {
		key = searchKey(key)
	}
	k, err := keyOf(s.idx[i].Find(mode, key))
	return s.land(i, k, err)
}

func (s *Store) move(i int, fn func(*keyfile.File) (int, []byte, error)) ([]byte, error) {
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	k, err := keyOf(fn(s.idx[i]))
	return s.land(i, k, err)
}

func (s *Store) First(i int) ([]byte, error) { return s.move(i, (*keyfile.File).First) }
func (s *Store) Last(i int) ([]byte, error)  { return s.move(i, (*keyfile.File).Last) }
func (s *Store) Next(i int) ([]byte, error)  { return s.move(i, (*keyfile.File).Next) }
func (s *Store) Prev(i int) ([]byte, error)  { return s.move(i, (*keyfile.File).Prev) }
func (s *Store) This(i int) ([]byte, error)  { return s.move(i, (*keyfile.File).This) }

// ReadKey returns the current row's key in index i.
func (s *Store) ReadKey(i int) ([]byte, error) {
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	keys, _, err := s.record()
	if err != nil {
		return nil, err
	}
	return bytes.Clone(keys[i]), nil
}

// ReadData returns the current row's data.
func (s *Store) ReadData() ([]byte, error) {
	_, data, err := s.record()
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

// Row returns the current row's number.
func (s *Store) Row() (uint64, error) {
	if !s.valid {
		return 0, keyfile.ErrPosition
	}
	return DecodeRowPtr(s.row)
}

// Stats describes the main file followed by every index file.
func (s *Store) Stats() ([]keyfile.FileStats, error) {
	var out []keyfile.FileStats
	for _, f := range s.files() {
		st, err := f.Stats()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Check verifies every file of the store.
func (s *Store) Check() ([]keyfile.Report, error) {
	var out []keyfile.Report
	for _, f := range s.files() {
		rep, err := f.Check()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path(), err)
		}
		out = append(out, rep)
	}
	return out, nil
}
