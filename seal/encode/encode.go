// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode implements the versioned blob format used for consignments,
// invoices and persisted records.
package encode

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// IntCoder is the integer byte-encoding order. IntCoder must be BigEndian
	// so that keys sort numerically.
	IntCoder = binary.BigEndian
	// A byte-slice representation of boolean false.
	ByteFalse = []byte{0}
	// A byte-slice representation of boolean true.
	ByteTrue = []byte{1}
)

// MaxDataLen is the largest single push accepted by AddData and ExtractPushes.
const MaxDataLen = 1 << 24

// ErrTruncated is returned when a blob ends inside a push.
var ErrTruncated = errors.New("truncated data")

// Uint16Bytes converts the uint16 to a length-2, big-endian encoded byte slice.
func Uint16Bytes(i uint16) []byte {
	b := make([]byte, 2)
	IntCoder.PutUint16(b, i)
	return b
}

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// TimeBytes encodes the time as a uint64 millisecond Unix timestamp. The zero
// time encodes as 0.
func TimeBytes(t time.Time) []byte {
	if t.IsZero() {
		return Uint64Bytes(0)
	}
	return Uint64Bytes(uint64(t.UnixMilli()))
}

// DecodeUTime interprets bytes as a uint64 millisecond Unix timestamp. 0
// decodes to the zero time.
func DecodeUTime(b []byte) time.Time {
	ms := IntCoder.Uint64(b)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// CopySlice makes a copy of the slice.
func CopySlice(b []byte) []byte {
	newB := make([]byte, len(b))
	copy(newB, b)
	return newB
}

// RandomBytes returns a byte slice with the specified length of random bytes.
func RandomBytes(len int) []byte {
	bytes := make([]byte, len)
	_, err := rand.Read(bytes)
	if err != nil {
		panic("error reading random bytes: " + err.Error())
	}
	return bytes
}

// BuildyBytes is a byte-slice with an AddData method for building linearly
// encoded 2D byte slices. The canonical use is a versioned blob, where the
// BuildyBytes starts as a single version byte and data pushes are chained:
//
//	b := BuildyBytes{0}.AddData(data1).AddData(data2)
//
// A push shorter than 255 bytes is prefixed by its one-byte length. Longer
// pushes are prefixed by 0xff and a 4-byte big-endian length.
type BuildyBytes []byte

// AddData adds the data to the BuildyBytes, and returns the new BuildyBytes.
// AddData panics for data longer than MaxDataLen.
func (b BuildyBytes) AddData(d []byte) BuildyBytes {
	l := len(d)
	if l > MaxDataLen {
		panic(fmt.Sprintf("push of %d bytes exceeds the %d byte limit", l, MaxDataLen))
	}
	if l < 0xff {
		b = append(b, byte(l))
	} else {
		b = append(b, 0xff)
		b = append(b, Uint32Bytes(uint32(l))...)
	}
	return append(b, d...)
}

// ExtractPushes parses the linearly-encoded 2D byte slice into a slice of
// slices. Empty pushes are nil slices.
func ExtractPushes(b []byte) ([][]byte, error) {
	pushes := make([][]byte, 0, 4)
	for len(b) > 0 {
		l := int(b[0])
		b = b[1:]
		if l == 0xff {
			if len(b) < 4 {
				return nil, fmt.Errorf("%w: 4 bytes not available for data length", ErrTruncated)
			}
			l = int(IntCoder.Uint32(b[:4]))
			b = b[4:]
			if l > MaxDataLen {
				return nil, fmt.Errorf("push length %d exceeds limit", l)
			}
		}
		if len(b) < l {
			return nil, fmt.Errorf("%w: data too short for pop of %d bytes", ErrTruncated, l)
		}
		if l == 0 {
			pushes = append(pushes, nil)
			continue
		}
		pushes = append(pushes, b[:l])
		b = b[l:]
	}
	return pushes, nil
}

// DecodeBlob decodes a versioned blob into its version and the pushes extracted
// from its data. Empty pushes will be nil.
func DecodeBlob(b []byte) (byte, [][]byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("zero length blob not allowed")
	}
	pushes, err := ExtractPushes(b[1:])
	return b[0], pushes, err
}

// Pushes reads typed values from decoded pushes in order. The first problem
// encountered is kept and reported by Err, and later reads return zero values,
// so a decoder can read every field and check once.
type Pushes struct {
	pushes [][]byte
	i      int
	err    error
}

// NewPushes wraps the pushes for sequential reading.
func NewPushes(pushes [][]byte) *Pushes {
	return &Pushes{pushes: pushes}
}

func (p *Pushes) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf("push %d: %s", p.i, fmt.Sprintf(format, args...))
	}
}

// Bytes returns the next push. The slice references the blob's memory.
func (p *Pushes) Bytes() []byte {
	if p.err != nil {
		return nil
	}
	if p.i >= len(p.pushes) {
		p.fail("missing")
		return nil
	}
	b := p.pushes[p.i]
	p.i++
	return b
}

// Fixed returns the next push, which must be exactly n bytes long.
func (p *Pushes) Fixed(n int) []byte {
	b := p.Bytes()
	if p.err == nil && len(b) != n {
		p.i--
		p.fail("expected %d bytes, got %d", n, len(b))
		return nil
	}
	return b
}

// Uint64 reads an 8-byte big-endian integer.
func (p *Pushes) Uint64() uint64 {
	if b := p.Fixed(8); b != nil {
		return IntCoder.Uint64(b)
	}
	return 0
}

// Uint32 reads a 4-byte big-endian integer.
func (p *Pushes) Uint32() uint32 {
	if b := p.Fixed(4); b != nil {
		return IntCoder.Uint32(b)
	}
	return 0
}

// Uint8 reads a single byte.
func (p *Pushes) Uint8() uint8 {
	if b := p.Fixed(1); b != nil {
		return b[0]
	}
	return 0
}

// Bool reads a single byte boolean.
func (p *Pushes) Bool() bool {
	return p.Uint8() == 1
}

// String reads a push as a string.
func (p *Pushes) String() string {
	return string(p.Bytes())
}

// Time reads a millisecond timestamp.
func (p *Pushes) Time() time.Time {
	if b := p.Fixed(8); b != nil {
		return DecodeUTime(b)
	}
	return time.Time{}
}

// Remaining is the number of unread pushes.
func (p *Pushes) Remaining() int {
	return len(p.pushes) - p.i
}

// Err returns the first read error.
func (p *Pushes) Err() error {
	return p.err
}

// Done returns the first read error, or an error if any pushes were left
// unread.
func (p *Pushes) Done() error {
	if p.err != nil {
		return p.err
	}
	if n := p.Remaining(); n > 0 {
		return fmt.Errorf("%d unexpected trailing pushes", n)
	}
	return nil
}
