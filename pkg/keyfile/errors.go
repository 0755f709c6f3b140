package keyfile

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novakf/internal/bigfile"
	"github.com/tuannm99/novakf/internal/bufferpool"
	"github.com/tuannm99/novakf/internal/page"
	"github.com/tuannm99/novakf/internal/varint"
)

var (
	ErrBadFile      = errors.New("keyfile: bad file")
	ErrNotFound     = errors.New("keyfile: not found")
	ErrExists       = errors.New("keyfile: key exists")
	ErrParamKeyLen  = errors.New("keyfile: bad key length")
	ErrParamDataLen = errors.New("keyfile: bad data length")
	ErrParamKey     = errors.New("keyfile: bad key")
	ErrParamData    = errors.New("keyfile: bad data")
	ErrParamIndex   = errors.New("keyfile: bad index")
	ErrParamMode    = errors.New("keyfile: bad find mode")
	ErrOutOfMemory  = errors.New("keyfile: out of memory")
	ErrOpen         = errors.New("keyfile: open failed")
	ErrRead         = errors.New("keyfile: read failed")
	ErrWrite        = errors.New("keyfile: write failed")
	ErrSeek         = errors.New("keyfile: seek failed")
	ErrNotAllowed   = errors.New("keyfile: not allowed")
	ErrPosition     = errors.New("keyfile: no current record")
	ErrProgram      = errors.New("keyfile: internal error")
)

var kinds = []error{
	ErrBadFile, ErrNotFound, ErrExists,
	ErrParamKeyLen, ErrParamDataLen, ErrParamKey, ErrParamData, ErrParamIndex, ErrParamMode,
	ErrOutOfMemory, ErrOpen, ErrRead, ErrWrite, ErrSeek,
	ErrNotAllowed, ErrPosition, ErrProgram,
}

// kindOf maps an error from the lower layers onto one of the public kinds.
// Errors that already carry a kind pass through unchanged.
func kindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}
	var kind error
	switch {
	case errors.Is(err, page.ErrCorrupt),
		errors.Is(err, varint.ErrTruncated),
		errors.Is(err, varint.ErrBadMarker),
		errors.Is(err, varint.ErrNotMinimal):
		kind = ErrBadFile
	case errors.Is(err, bufferpool.ErrDetached), errors.Is(err, bigfile.ErrWrite):
		kind = ErrWrite
	case errors.Is(err, bufferpool.ErrReadOnly):
		kind = ErrNotAllowed
	case errors.Is(err, bigfile.ErrRead):
		kind = ErrRead
	case errors.Is(err, bigfile.ErrSeek):
		kind = ErrSeek
	case errors.Is(err, bigfile.ErrOpen), errors.Is(err, bigfile.ErrExists):
		kind = ErrOpen
	default:
		kind = ErrProgram
	}
	return fmt.Errorf("%w: %w", kind, err)
}
