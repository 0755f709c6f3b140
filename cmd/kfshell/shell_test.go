package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal"
	"github.com/tuannm99/novakf/pkg/keyfile"
)

func newTestShell(t *testing.T) (*Shell, *bytes.Buffer) {
	t.Helper()
	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)
	cfg.Storage.Workdir = t.TempDir()

	env, err := keyfile.NewEnv(cfg.KeyfileOptions(zap.NewNop(), nil))
	require.NoError(t, err)
	var out bytes.Buffer
	sh := NewShell(cfg, env, zap.NewNop(), &out)
	t.Cleanup(func() { _ = sh.Close() })
	return sh, &out
}

// run executes one command and returns what it printed.
func run(t *testing.T, sh *Shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, sh.Exec(line), line)
	return out.String()
}

func TestShell_KeyFileSession(t *testing.T) {
	sh, out := newTestShell(t)

	require.Contains(t, run(t, sh, out, "create a.kf"), "created")
	run(t, sh, out, "insert alpha 1")
	run(t, sh, out, "insert beta two words")
	run(t, sh, out, "insert 0x00ff 0xcafe")

	require.Contains(t, run(t, sh, out, "find EQ alpha"), `"alpha" (1 bytes)`)
	require.Contains(t, run(t, sh, out, "next"), `"beta" (9 bytes)`)
	require.Equal(t, "\"two words\"\n", run(t, sh, out, "read"))
	require.Equal(t, "\"two\"\n", run(t, sh, out, "read 3"))
	require.Contains(t, run(t, sh, out, "first"), "0x00ff")
	require.Equal(t, "0xcafe\n", run(t, sh, out, "read"))

	run(t, sh, out, "find GE b")
	run(t, sh, out, "update 2")
	require.Equal(t, "\"2\"\n", run(t, sh, out, "read"))

	dump := run(t, sh, out, "dump")
	require.Contains(t, dump, `"alpha" = "1"`)
	require.Contains(t, dump, `"beta" = "2"`)
	require.Contains(t, dump, "(3 records shown)")

	run(t, sh, out, "begin")
	run(t, sh, out, "insert gamma 3")
	require.Contains(t, run(t, sh, out, "rollback"), "rolled back (1 requests)")
	require.Error(t, sh.Exec("find EQ gamma"))

	run(t, sh, out, "find EQ alpha")
	run(t, sh, out, "delete")
	require.Contains(t, run(t, sh, out, "this"), `"beta"`)

	require.Contains(t, run(t, sh, out, "check"), "2 records")
	require.Contains(t, run(t, sh, out, "stats"), "height 1")
	run(t, sh, out, "flush")
	run(t, sh, out, "close")

	run(t, sh, out, "open a.kf ro")
	err := sh.Exec("insert x y")
	require.ErrorIs(t, err, keyfile.ErrNotAllowed)
	require.Contains(t, run(t, sh, out, "last"), `"beta"`)
}

func TestShell_StoreSession(t *testing.T) {
	sh, out := newTestShell(t)

	require.Contains(t, run(t, sh, out, "create isam people u d"), "2 indexes")
	require.Contains(t, run(t, sh, out, "insert id1 red alice"), "row 1")
	require.Contains(t, run(t, sh, out, "insert id2 blue bob"), "row 2")
	require.Contains(t, run(t, sh, out, "insert id3 red carol"), "row 3")

	require.Contains(t, run(t, sh, out, "find 1 FI red"), `"red" -> row 1`)
	require.Contains(t, run(t, sh, out, "next 1"), `"red" -> row 3`)
	require.Equal(t, "\"carol\"\n", run(t, sh, out, "read"))
	require.Equal(t, "\"id3\"\n", run(t, sh, out, "key 0"))

	run(t, sh, out, "setkey 1 green")
	run(t, sh, out, "update caroline")
	require.Contains(t, run(t, sh, out, "find 1 EQ green"), "row 3")
	require.Equal(t, "\"caroline\"\n", run(t, sh, out, "read"))

	err := sh.Exec("insert id1 x dup")
	require.ErrorIs(t, err, keyfile.ErrExists)

	run(t, sh, out, "find 0 EQ id2")
	run(t, sh, out, "delete")
	dump := run(t, sh, out, "dump")
	require.Contains(t, dump, `"id1" -> row 1 = "alice"`)
	require.Contains(t, dump, "(2 rows shown)")

	require.Contains(t, run(t, sh, out, "check"), filepath.Base("people.k1"))
	require.Contains(t, run(t, sh, out, "stats"), "people.dat")
	run(t, sh, out, "close")

	require.Contains(t, run(t, sh, out, "open isam people"), "2 indexes")
	require.Contains(t, run(t, sh, out, "last 0"), `"id3"`)
}

func TestShell_Errors(t *testing.T) {
	sh, out := newTestShell(t)

	require.ErrorIs(t, sh.Exec("quit"), errQuit)
	require.ErrorContains(t, sh.Exec("first"), "nothing open")
	require.ErrorContains(t, sh.Exec("bogus"), "unknown command")
	require.Error(t, sh.Exec("close"))
	require.Contains(t, run(t, sh, out, "help"), "modes:")

	run(t, sh, out, "create e.kf")
	require.ErrorIs(t, sh.Exec("find XX k"), keyfile.ErrParamMode)
	require.ErrorIs(t, sh.Exec("this"), keyfile.ErrPosition)
	require.ErrorIs(t, sh.Exec("find EQ nope"), keyfile.ErrNotFound)
	require.Error(t, sh.Exec("insert 0xzz v"))
	require.ErrorContains(t, sh.Exec("create isam s q"), "neither u nor d")
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, `"abc"`, formatBytes([]byte("abc")))
	require.Equal(t, "0x0001", formatBytes([]byte{0, 1}))
	require.Equal(t, `""`, formatBytes(nil))
	require.Equal(t, `"abc"...`, preview([]byte("abcdef"), 3))
	require.Equal(t, "a b", compactOneLine("  a \n\t b "))
}
