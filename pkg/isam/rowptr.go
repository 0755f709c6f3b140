package isam

import (
	"bytes"
	"fmt"

	"github.com/tuannm99/novakf/internal/alias/bx"
	"github.com/tuannm99/novakf/internal/varint"
	"github.com/tuannm99/novakf/pkg/keyfile"
)

// maxRowPtr is the longest row pointer: a length byte and eight value bytes.
const maxRowPtr = 9

// RowPtr is the main-file key of a row: a length byte followed by the row
// number in big-endian order without leading zeros. Longer pointers sort
// after shorter ones, so byte order equals numeric order.
type RowPtr []byte

func EncodeRowPtr(n uint64) RowPtr {
	var be [8]byte
	bx.PutU64BE(be[:], n)
	body := bytes.TrimLeft(be[:], "\x00")
	return append(RowPtr{byte(len(body))}, body...)
}

func DecodeRowPtr(p []byte) (uint64, error) {
	if len(p) < 2 || len(p) > maxRowPtr || int(p[0]) != len(p)-1 || p[1] == 0 {
		return 0, fmt.Errorf("%w: bad row pointer %x", keyfile.ErrBadFile, p)
	}
	var be [8]byte
	copy(be[9-len(p):], p[1:])
	return bx.U64BE(be[:]), nil
}

// Duplicate indexes store composite keys: the user key, the row pointer
// and one trailing byte giving the row pointer's length. A search key
// carries a zero length byte and no row pointer.

func compositeKey(user []byte, row RowPtr) []byte {
	k := make([]byte, 0, len(user)+len(row)+1)
	k = append(k, user...)
	k = append(k, row...)
	return append(k, byte(len(row)))
}

func searchKey(user []byte) []byte {
	return append(bytes.Clone(user), 0)
}

// splitComposite separates a composite or search key into its user key and
// row pointer; the row pointer is nil for search keys.
func splitComposite(k []byte) (user []byte, row RowPtr, ok bool) {
	if len(k) == 0 {
		return nil, nil, false
	}
	n := int(k[len(k)-1])
	if n > len(k)-1 {
		return nil, nil, false
	}
	end := len(k) - 1
	if n > 0 {
		row = RowPtr(k[end-n : end])
	}
	return k[:end-n], row, true
}

// compareComposite orders composite keys by user key, then by row pointer.
// A key without a row pointer equals every row with the same user key.
func compareComposite(a, b []byte) int {
	ua, ra, oka := splitComposite(a)
	ub, rb, okb := splitComposite(b)
	if !oka || !okb {
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(ua, ub); c != 0 {
		return c
	}
	if ra == nil || rb == nil {
		return 0
	}
	return bytes.Compare(ra, rb)
}

// encodeRecord lays out a main-file value: each index key prefixed by its
// varint length, then the data.
func encodeRecord(keys [][]byte, data []byte) []byte {
	n := len(data)
	for _, k := range keys {
		n += varint.Size(uint32(len(k))) + len(k)
	}
	out := make([]byte, 0, n)
	for _, k := range keys {
		out = varint.Append(out, uint32(len(k)))
		out = append(out, k...)
	}
	return append(out, data...)
}

func decodeRecord(rec []byte, nkeys int) ([][]byte, []byte, error) {
	keys := make([][]byte, nkeys)
	off := 0
	for i := range keys {
		l, n, err := varint.Get(rec[off:])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: record key %d: %w", keyfile.ErrBadFile, i, err)
		}
		off += n
		if off+int(l) > len(rec) {
			return nil, nil, fmt.Errorf("%w: record key %d overruns the record", keyfile.ErrBadFile, i)
		}
		keys[i] = rec[off : off+int(l)]
		off += int(l)
	}
	return keys, rec[off:], nil
}
