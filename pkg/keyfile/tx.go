package keyfile

import (
	"fmt"

	"go.uber.org/zap"
)

// txState is the per-file transaction nesting. Only the outermost Commit
// touches the cache; a rollback requested at any depth poisons the whole
// transaction.
type txState struct {
	depth     int
	rollbacks int
	blocks    uint32 // block count when the outermost transaction began
}

func (t *txState) begin(blocks uint32) {
	if t.depth == 0 {
		t.blocks = blocks
		t.rollbacks = 0
	}
	t.depth++
}

// StartTransaction opens a transaction, nested inside any running one.
func (f *File) StartTransaction() error {
	if err := f.usable(); err != nil {
		return err
	}
	f.tx.begin(f.blocks)
	return nil
}

// Commit ends the innermost transaction. With rollback set the whole
// transaction is marked for rollback. When the outermost transaction ends,
// its changes are either published to the cache or discarded. On a tagged
// file the outermost Commit ends the transaction of every open file sharing
// the tag: a rollback requested on any of them discards all their changes,
// otherwise all of them are published in one step. The result is the number
// of rollbacks that were requested, counted only when the outermost
// transaction ends; nested calls return 0.
func (f *File) Commit(rollback bool) (int, error) {
	if err := f.usable(); err != nil {
		return 0, err
	}
	if f.tx.depth == 0 {
		return 0, fmt.Errorf("%w: commit without transaction", ErrProgram)
	}
	if rollback {
		f.tx.rollbacks++
	}
	f.tx.depth--
	if f.tx.depth > 0 {
		return 0, nil
	}
	if f.tag == NoTag {
		return f.end([]*File{f}, false)
	}
	return f.end(f.env.txGroup(f), true)
}

// end closes the transactions of files, f first.
func (f *File) end(files []*File, group bool) (int, error) {
	n := 0
	for _, o := range files {
		n += o.tx.rollbacks
	}
	if n > 0 {
		for _, o := range files {
			o.discard()
		}
		f.log.Debug("transaction rolled back", zap.Int("requests", n), zap.Int("files", len(files)))
		return n, nil
	}
	var err error
	if group {
		err = f.pages.CommitGroup()
	} else {
		err = f.pages.Commit()
	}
	// A failed publish leaves every writeable list in place; a failed
	// eviction after publishing leaves them empty.
	for _, o := range files {
		if err != nil && o.pages.Writeable() > 0 {
			o.discard()
		} else {
			o.tx = txState{}
		}
	}
	if err != nil {
		return 0, kindOf(err)
	}
	if len(files) > 1 {
		f.log.Debug("tag group committed", zap.Int("files", len(files)))
	}
	return 0, nil
}

// discard drops the running transaction's changes.
func (f *File) discard() {
	f.pages.Rollback()
	f.blocks = f.tx.blocks
	f.tx = txState{}
	f.cur.reset()
}

// InTransaction reports whether a transaction is running.
func (f *File) InTransaction() bool { return f.tx.depth > 0 }

// TxDepth is the transaction nesting depth, 0 outside a transaction.
func (f *File) TxDepth() int { return f.tx.depth }

// mutate runs fn inside its own nested transaction. Any error requests a
// rollback before it is returned. When no transaction was running, the
// implicit one ends on this file alone.
func (f *File) mutate(fn func() error) error {
	f.tx.begin(f.blocks)
	err := fn()
	if err != nil {
		f.tx.rollbacks++
	}
	f.tx.depth--
	if f.tx.depth > 0 {
		return kindOf(err)
	}
	if _, cerr := f.end([]*File{f}, false); err == nil {
		return cerr
	}
	return kindOf(err)
}
