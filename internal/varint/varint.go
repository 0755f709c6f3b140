// Package varint encodes the 32-bit lengths, offsets and block numbers that
// items store on disk into 1 to 5 bytes.
//
// The leading byte carries the length tag in its high bits:
//
//	0xxxxxxx                                   7 bits, 1 byte
//	10xxxxxx xxxxxxxx                         14 bits, 2 bytes
//	110xxxxx xxxxxxxx xxxxxxxx                21 bits, 3 bytes
//	1110xxxx xxxxxxxx xxxxxxxx xxxxxxxx       28 bits, 4 bytes
//	11110000 xxxxxxxx xxxxxxxx xxxxxxxx xxxxxxxx 32 bits, 5 bytes
//
// Payload bytes are big-endian. Every value has exactly one (minimal) encoding.
package varint

import "errors"

// MaxLen is the longest encoding.
const MaxLen = 5

var (
	ErrTruncated  = errors.New("varint: truncated buffer")
	ErrBadMarker  = errors.New("varint: bad length marker")
	ErrNotMinimal = errors.New("varint: non-minimal encoding")
)

// Size returns the number of bytes Put would write for v.
func Size(v uint32) int {
	switch {
	case v <= 0x7F:
		return 1
	case v <= 0x3FFF:
		return 2
	case v <= 0x1FFFFF:
		return 3
	case v <= 0x0FFFFFFF:
		return 4
	default:
		return 5
	}
}

// Put writes v into dst and returns the number of bytes written.
// dst must have room for Size(v) bytes.
func Put(dst []byte, v uint32) int {
	switch n := Size(v); n {
	case 1:
		dst[0] = byte(v)
		return 1
	case 2:
		dst[0] = 0x80 | byte(v>>8)
		dst[1] = byte(v)
		return 2
	case 3:
		dst[0] = 0xC0 | byte(v>>16)
		dst[1] = byte(v >> 8)
		dst[2] = byte(v)
		return 3
	case 4:
		dst[0] = 0xE0 | byte(v>>24)
		dst[1] = byte(v >> 16)
		dst[2] = byte(v >> 8)
		dst[3] = byte(v)
		return 4
	default:
		dst[0] = 0xF0
		dst[1] = byte(v >> 24)
		dst[2] = byte(v >> 16)
		dst[3] = byte(v >> 8)
		dst[4] = byte(v)
		return 5
	}
}

// Append appends the encoding of v to dst.
func Append(dst []byte, v uint32) []byte {
	var buf [MaxLen]byte
	n := Put(buf[:], v)
	return append(dst, buf[:n]...)
}

// Get decodes one value from the front of src and returns it together with
// the number of bytes consumed.
func Get(src []byte) (uint32, int, error) {
	if len(src) == 0 {
		return 0, 0, ErrTruncated
	}
	b0 := src[0]

	var n int
	var v uint32
	switch {
	case b0&0x80 == 0:
		return uint32(b0), 1, nil
	case b0&0xC0 == 0x80:
		n, v = 2, uint32(b0&0x3F)
	case b0&0xE0 == 0xC0:
		n, v = 3, uint32(b0&0x1F)
	case b0&0xF0 == 0xE0:
		n, v = 4, uint32(b0&0x0F)
	case b0 == 0xF0:
		n, v = 5, 0
	default:
		return 0, 0, ErrBadMarker
	}
	if len(src) < n {
		return 0, 0, ErrTruncated
	}
	for _, b := range src[1:n] {
		v = v<<8 | uint32(b)
	}
	if Size(v) != n {
		return 0, 0, ErrNotMinimal
	}
	return v, n, nil
}
