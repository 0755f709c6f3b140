package journal

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type capture map[string][]byte

func (c capture) WritePage(file string, blockNo uint32, img []byte) error {
	c[file+"#"+string(rune('0'+blockNo))] = img
	return nil
}

func img(fill byte) []byte { return bytes.Repeat([]byte{fill}, 64) }

func TestRecover_ReplaysCommittedBatch(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, m.Append("/db/a", 1, img(0xA1)))
	require.NoError(t, m.Append("/db/b", 2, img(0xB2)))
	require.NoError(t, m.Commit())
	require.NoError(t, m.Close())

	m, err = Open(dir, nil)
	require.NoError(t, err)
	defer m.Close()

	got := capture{}
	n, err := m.Recover(got)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, img(0xA1), got["/db/a#1"])
	require.Equal(t, img(0xB2), got["/db/b#2"])

	st, err := os.Stat(m.Path())
	require.NoError(t, err)
	require.Zero(t, st.Size())
}

func TestRecover_DropsUncommittedAndTornTail(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, m.Append("/db/a", 1, img(1)))
	require.NoError(t, m.Commit())
	require.NoError(t, m.Append("/db/a", 2, img(2)))
	require.NoError(t, m.w.Flush())
	require.NoError(t, m.Close())

	f, err := os.OpenFile(m.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x4E, 0x4B, 0x46})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err = Open(dir, nil)
	require.NoError(t, err)
	defer m.Close()

	got := capture{}
	n, err := m.Recover(got)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, got, "/db/a#1")
	require.NotContains(t, got, "/db/a#2")
}

func TestRecover_CorruptRecordStopsReplay(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, m.Append("/db/a", 1, img(1)))
	require.NoError(t, m.Commit())
	require.NoError(t, m.Close())

	raw, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	raw[headerLen+bodyFixed+2] ^= 0xFF
	require.NoError(t, os.WriteFile(m.Path(), raw, 0o644))

	m, err = Open(dir, nil)
	require.NoError(t, err)
	defer m.Close()

	n, err := m.Recover(capture{})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCheckpoint_Empties(t *testing.T) {
	m, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Append("/db/a", 0, img(7)))
	require.NoError(t, m.Commit())
	require.NoError(t, m.Checkpoint())

	n, err := m.Recover(capture{})
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Append("/db/a", 0, img(7)), ErrClosed)
}
