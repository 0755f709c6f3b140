package bx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLittleEndianAt verifies the *At variants used for header fields
// and slot offsets inside a larger page buffer.
func TestLittleEndianAt(t *testing.T) {
	buf := make([]byte, 16)

	PutU16At(buf, 0, 0x0A0B)
	PutU32At(buf, 2, 0x01020304)

	assert.Equal(t, []byte{0x0B, 0x0A}, buf[0:2])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf[2:6])

	assert.Equal(t, uint16(0x0A0B), U16At(buf, 0))
	assert.Equal(t, uint32(0x01020304), U32At(buf, 2))
}

// TestBigEndian checks the sortable encodings keep byte order == numeric order.
func TestBigEndian(t *testing.T) {
	a := make([]byte, 8)
	b := make([]byte, 8)
	PutU64BE(a, 255)
	PutU64BE(b, 256)

	assert.Equal(t, uint64(255), U64BE(a))
	assert.Equal(t, -1, compareBytes(a, b))

	PutU64BE(a, 0x0102030405060708)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, a)
}

func compareBytes(a, b []byte) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
