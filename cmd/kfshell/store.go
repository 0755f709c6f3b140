package main

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novakf/pkg/isam"
	"github.com/tuannm99/novakf/pkg/keyfile"
)

func (s *Shell) execStore(cmd string, args []string) error {
	st := s.store
	switch cmd {
	case "insert":
		n := st.Indexes()
		if len(args) < n {
			return fmt.Errorf("usage: insert <key0> ... <key%d> [data]", n-1)
		}
		keys := make([][]byte, n)
		for i := range keys {
			k, err := parseBytes(args[i])
			if err != nil {
				return err
			}
			keys[i] = k
		}
		data, err := parseData(args[n:])
		if err != nil {
			return err
		}
		if err := st.Insert(keys, data); err != nil {
			return err
		}
		row, err := st.Row()
		if err != nil {
			return err
		}
		s.done("inserted row %d", row)
		return nil

	case "find":
		if len(args) != 3 {
			return errors.New("usage: find <index> <mode> <key>")
		}
		i, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		mode, err := keyfile.ParseMode(args[1])
		if err != nil {
			return err
		}
		key, err := parseBytes(args[2])
		if err != nil {
			return err
		}
		return s.printStoreRecord(st.Find(i, mode, key))

	case "first", "last", "next", "prev", "this":
		i := 0
		if len(args) == 1 {
			var err error
			if i, err = parseIndex(args[0]); err != nil {
				return err
			}
		}
		move := map[string]func(int) ([]byte, error){
			"first": st.First, "last": st.Last, "next": st.Next, "prev": st.Prev, "this": st.This,
		}[cmd]
		return s.printStoreRecord(move(i))

	case "read":
		data, err := st.ReadData()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, formatBytes(data))
		return nil
	case "key":
		if len(args) != 1 {
			return errors.New("usage: key <index>")
		}
		i, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		k, err := st.ReadKey(i)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, formatBytes(k))
		return nil
	case "row":
		row, err := st.Row()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, row)
		return nil

	case "update":
		data, err := parseData(args)
		if err != nil {
			return err
		}
		if err := st.UpdateData(data); err != nil {
			return err
		}
		s.done("updated")
		return nil
	case "setkey":
		if len(args) != 2 {
			return errors.New("usage: setkey <index> <key>")
		}
		i, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		key, err := parseBytes(args[1])
		if err != nil {
			return err
		}
		if err := st.UpdateKey(i, key); err != nil {
			return err
		}
		s.done("key %d updated", i)
		return nil
	case "delete":
		if err := st.Delete(); err != nil {
			return err
		}
		s.done("deleted")
		return nil

	case "begin":
		if err := st.StartTransaction(); err != nil {
			return err
		}
		s.done("transaction started")
		return nil
	case "commit", "rollback":
		n, err := st.Commit(cmd == "rollback")
		if err != nil {
			return err
		}
		stats, err := st.Stats()
		if err != nil {
			return err
		}
		s.reportCommit(n, stats[0].TxDepth > 0)
		return nil

	case "flush":
		if err := st.Flush(); err != nil {
			return err
		}
		s.done("flushed")
		return nil
	case "check":
		reps, err := st.Check()
		if err != nil {
			return err
		}
		s.printReport(isam.MainPath(s.name), reps[0])
		for i, rep := range reps[1:] {
			s.printReport(isam.IndexPath(s.name, i), rep)
		}
		return nil
	case "dump":
		limit, err := dumpLimit(args)
		if err != nil {
			return err
		}
		return s.dumpStore(limit)
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (s *Shell) printStoreRecord(key []byte, err error) error {
	if err != nil {
		return err
	}
	row, err := s.store.Row()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s -> row %d\n", formatBytes(key), row)
	return nil
}

// dumpStore lists rows in the order of index 0.
func (s *Shell) dumpStore(limit int) error {
	st := s.store
	key, err := st.First(0)
	shown := 0
	for ; err == nil && shown < limit; key, err = st.Next(0) {
		row, rerr := st.Row()
		if rerr != nil {
			return rerr
		}
		data, rerr := st.ReadData()
		if rerr != nil {
			return rerr
		}
		fmt.Fprintf(s.out, "%s -> row %d = %s\n", formatBytes(key), row, preview(data, previewLen))
		shown++
	}
	if err != nil && !errors.Is(err, keyfile.ErrNotFound) {
		return err
	}
	fmt.Fprintf(s.out, "(%d rows shown)\n", shown)
	return nil
}
