package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal"
	"github.com/tuannm99/novakf/internal/page"
	"github.com/tuannm99/novakf/pkg/isam"
	"github.com/tuannm99/novakf/pkg/keyfile"
)

var errQuit = errors.New("quit")

const helpText = `files:
  create <path>                      create a key file and open it
  create isam <base> <u|d>...        create a store, one flag per index (u unique, d duplicates)
  open <path> [ro]                   open a key file
  open isam <base> [ro]              open a store
  close                              close what is open
key file:
  insert <key> [data]                find <mode> <key>
  first | last | next | prev | this  read [max]
  update [data]                      delete
store:
  insert <key0> ... <keyN> [data]    find <index> <mode> <key>
  first | last | next | prev | this [index]
  read | key <index> | row           update [data] | setkey <index> <key>
  delete
both:
  begin | commit | rollback          flush | check | stats
  dump [limit]                       history | help | quit
modes: LT LE FI EQ LA GE GT. Keys and data starting with 0x are hex.
`

// Shell runs one command line at a time against a single open key file or
// store.
type Shell struct {
	cfg *internal.NovaKFConfig
	env *keyfile.Env
	log *zap.Logger
	out io.Writer

	file  *keyfile.File
	store *isam.Store
	name  string

	history *History
	ok      *color.Color
}

func NewShell(cfg *internal.NovaKFConfig, env *keyfile.Env, log *zap.Logger, out io.Writer) *Shell {
	return &Shell{
		cfg: cfg,
		env: env,
		log: log,
		out: out,
		ok:  color.New(color.FgGreen),
	}
}

// Close closes what is open and the environment.
func (s *Shell) Close() error {
	return multierr.Append(s.closeCurrent(), s.env.Close())
}

// Exec runs one command line. It returns errQuit when the shell should
// stop.
func (s *Shell) Exec(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "quit", "exit", `\q`:
		return errQuit
	case "help", `\help`, "?":
		fmt.Fprint(s.out, helpText)
		return nil
	case "history":
		if s.history != nil {
			s.history.Print(s.out, 50)
		}
		return nil
	case "create":
		return s.create(args)
	case "open":
		return s.open(args)
	case "close":
		if s.name == "" {
			return errors.New("nothing open")
		}
		name := s.name
		if err := s.closeCurrent(); err != nil {
			return err
		}
		s.done("closed %s", name)
		return nil
	case "stats":
		return s.stats()
	}

	switch {
	case s.store != nil:
		return s.execStore(cmd, args)
	case s.file != nil:
		return s.execFile(cmd, args)
	}
	if _, ok := fileCommands[cmd]; ok {
		return fmt.Errorf("%s: nothing open", cmd)
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

var fileCommands = map[string]struct{}{
	"insert": {}, "find": {}, "first": {}, "last": {}, "next": {}, "prev": {}, "this": {},
	"read": {}, "key": {}, "row": {}, "update": {}, "setkey": {}, "delete": {},
	"begin": {}, "commit": {}, "rollback": {}, "flush": {}, "check": {}, "dump": {},
}

func (s *Shell) done(format string, args ...any) {
	s.ok.Fprintf(s.out, format+"\n", args...)
}

func (s *Shell) closeCurrent() error {
	var err error
	switch {
	case s.store != nil:
		err = s.store.Close()
	case s.file != nil:
		err = s.file.Close()
	}
	s.file, s.store, s.name = nil, nil, ""
	return err
}

func (s *Shell) create(args []string) error {
	if len(args) > 0 && args[0] == "isam" {
		if len(args) < 3 {
			return errors.New("usage: create isam <base> <u|d>...")
		}
		specs := make([]isam.IndexSpec, 0, len(args)-2)
		for _, f := range args[2:] {
			switch f {
			case "u":
				specs = append(specs, isam.IndexSpec{Unique: true})
			case "d":
				specs = append(specs, isam.IndexSpec{})
			default:
				return fmt.Errorf("index flag %q is neither u nor d", f)
			}
		}
		if err := s.closeCurrent(); err != nil {
			return err
		}
		base := s.cfg.ResolvePath(args[1])
		st, err := isam.Create(s.env, base, specs, s.log)
		if err != nil {
			return err
		}
		s.store, s.name = st, base
		s.done("created store %s with %d indexes", base, len(specs))
		return nil
	}

	if len(args) != 1 {
		return errors.New("usage: create <path>")
	}
	if err := s.closeCurrent(); err != nil {
		return err
	}
	path := s.cfg.ResolvePath(args[0])
	f, err := s.env.Create(path, keyfile.NoTag)
	if err != nil {
		return err
	}
	s.file, s.name = f, path
	s.done("created %s", path)
	return nil
}

func (s *Shell) open(args []string) error {
	store := len(args) > 0 && args[0] == "isam"
	if store {
		args = args[1:]
	}
	if len(args) < 1 || len(args) > 2 || (len(args) == 2 && args[1] != "ro") {
		return errors.New("usage: open [isam] <path> [ro]")
	}
	writable := len(args) == 1
	if err := s.closeCurrent(); err != nil {
		return err
	}
	path := s.cfg.ResolvePath(args[0])
	if store {
		st, err := isam.Open(s.env, path, writable, s.log)
		if err != nil {
			return err
		}
		s.store, s.name = st, path
		s.done("opened store %s with %d indexes", path, st.Indexes())
		return nil
	}
	f, err := s.env.Open(path, writable, keyfile.NoTag)
	if err != nil {
		return err
	}
	s.file, s.name = f, path
	s.done("opened %s", path)
	return nil
}

func (s *Shell) stats() error {
	es := s.env.Stats()
	fmt.Fprintf(s.out, "cache      %s / %s blocks (%s), %s dirty\n",
		humanize.Comma(int64(es.Len)), humanize.Comma(int64(es.Capacity)),
		humanize.IBytes(uint64(es.Len)*page.Size), humanize.Comma(int64(es.Dirty)))
	fmt.Fprintf(s.out, "lookups    %s hits, %s misses, %s evictions, %s writes\n",
		humanize.Comma(int64(es.Hits)), humanize.Comma(int64(es.Misses)),
		humanize.Comma(int64(es.Evictions)), humanize.Comma(int64(es.Writes)))
	fmt.Fprintf(s.out, "files      %d open, %d OS handles\n", es.OpenFiles, es.OpenHandles)

	var files []keyfile.FileStats
	switch {
	case s.store != nil:
		var err error
		if files, err = s.store.Stats(); err != nil {
			return err
		}
	case s.file != nil:
		st, err := s.file.Stats()
		if err != nil {
			return err
		}
		files = append(files, st)
	}
	for _, st := range files {
		fmt.Fprintf(s.out, "%s\n  height %d, %s blocks (%s), %s free, %d writeable, %d dirty, tx depth %d\n",
			st.Path, st.Height, humanize.Comma(int64(st.Blocks)), humanize.IBytes(uint64(st.Blocks)*page.Size),
			humanize.Comma(int64(st.FreeBlocks)), st.Writeable, st.Dirty, st.TxDepth)
	}
	return nil
}

func (s *Shell) printReport(name string, rep keyfile.Report) {
	fmt.Fprintf(s.out, "%s: height %d, %d inner, %d leaves, %s records, %d data blocks, %d free of %s blocks\n",
		name, rep.Height, rep.Nodes, rep.Leaves, humanize.Comma(int64(rep.Records)),
		rep.DataBlocks, rep.FreeBlocks, humanize.Comma(int64(rep.Blocks)))
}

// parseBytes reads a key or value; a 0x prefix selects hex.
func parseBytes(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("bad hex %q: %w", s, err)
		}
		return b, nil
	}
	return []byte(s), nil
}

func parseData(args []string) ([]byte, error) {
	if len(args) == 1 {
		return parseBytes(args[0])
	}
	return []byte(strings.Join(args, " ")), nil
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", keyfile.ErrParamIndex, s)
	}
	return i, nil
}

// formatBytes prints text as a quoted string and anything else as hex.
func formatBytes(b []byte) string {
	if utf8.Valid(b) && strings.IndexFunc(string(b), func(r rune) bool { return !unicode.IsPrint(r) }) < 0 {
		return strconv.Quote(string(b))
	}
	return "0x" + hex.EncodeToString(b)
}

func preview(b []byte, n int) string {
	if len(b) <= n {
		return formatBytes(b)
	}
	return formatBytes(b[:n]) + "..."
}
