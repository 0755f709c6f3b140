package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tuannm99/novakf/pkg/keyfile"
)

const previewLen = 60

func (s *Shell) execFile(cmd string, args []string) error {
	f := s.file
	switch cmd {
	case "insert":
		if len(args) < 1 {
			return errors.New("usage: insert <key> [data]")
		}
		key, err := parseBytes(args[0])
		if err != nil {
			return err
		}
		data, err := parseData(args[1:])
		if err != nil {
			return err
		}
		if err := f.Insert(key, data); err != nil {
			return err
		}
		s.done("inserted %s", formatBytes(key))
		return nil

	case "find":
		if len(args) != 2 {
			return errors.New("usage: find <mode> <key>")
		}
		mode, err := keyfile.ParseMode(args[0])
		if err != nil {
			return err
		}
		key, err := parseBytes(args[1])
		if err != nil {
			return err
		}
		return s.printFileRecord(f.Find(mode, key))
	case "first":
		return s.printFileRecord(f.First())
	case "last":
		return s.printFileRecord(f.Last())
	case "next":
		return s.printFileRecord(f.Next())
	case "prev":
		return s.printFileRecord(f.Prev())
	case "this":
		return s.printFileRecord(f.This())

	case "read":
		limit := keyfile.MaxDataLen
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q", keyfile.ErrParamDataLen, args[0])
			}
			limit = n
		}
		data, err := f.Read(limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, formatBytes(data))
		return nil

	case "update":
		data, err := parseData(args)
		if err != nil {
			return err
		}
		if err := f.Update(data); err != nil {
			return err
		}
		s.done("updated")
		return nil

	case "delete":
		if err := f.Delete(); err != nil {
			return err
		}
		s.done("deleted")
		return nil

	case "begin":
		if err := f.StartTransaction(); err != nil {
			return err
		}
		s.done("transaction started")
		return nil
	case "commit", "rollback":
		n, err := f.Commit(cmd == "rollback")
		if err != nil {
			return err
		}
		s.reportCommit(n, f.InTransaction())
		return nil

	case "flush":
		if err := f.Flush(); err != nil {
			return err
		}
		s.done("flushed")
		return nil
	case "check":
		rep, err := f.Check()
		if err != nil {
			return err
		}
		s.printReport(f.Path(), rep)
		return nil
	case "dump":
		limit, err := dumpLimit(args)
		if err != nil {
			return err
		}
		return s.dumpFile(limit)
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (s *Shell) printFileRecord(n int, key []byte, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s (%d bytes)\n", formatBytes(key), n)
	return nil
}

func (s *Shell) reportCommit(n int, nested bool) {
	switch {
	case nested:
		s.done("nested transaction ended")
	case n > 0:
		s.done("rolled back (%d requests)", n)
	default:
		s.done("committed")
	}
}

func dumpLimit(args []string) (int, error) {
	if len(args) == 0 {
		return 100, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad limit %q", args[0])
	}
	return n, nil
}

func (s *Shell) dumpFile(limit int) error {
	f := s.file
	_, key, err := f.First()
	shown := 0
	for ; err == nil && shown < limit; _, key, err = f.Next() {
		data, rerr := f.Read(previewLen + 1)
		if rerr != nil {
			return rerr
		}
		fmt.Fprintf(s.out, "%s = %s\n", formatBytes(key), preview(data, previewLen))
		shown++
	}
	if err != nil && !errors.Is(err, keyfile.ErrNotFound) {
		return err
	}
	fmt.Fprintf(s.out, "(%d records shown)\n", shown)
	return nil
}
