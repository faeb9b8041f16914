package packnet

import (
	"encoding/binary"

	"go.uber.org/atomic"
)

// BufferRole selects which free-list of the BufferPool a buffer belongs to.
type BufferRole int

const (
	ReadRole  BufferRole = iota // socket bytes waiting to be framed.
	WriteRole                   // serialized outbound frames.
	WaitRole                    // frames larger than a read buffer.
)

func (r BufferRole) String() string {
	switch r {
	case ReadRole:
		return "read"
	case WriteRole:
		return "write"
	case WaitRole:
		return "wait"
	default:
		return "unknown"
	}
}

// Buffer is a fixed-capacity byte region bounded by a position and a limit.
// Values are encoded big-endian. Reading or writing past the bounds sets a
// sticky ErrBufferOverflow and turns every further access into a no-op, so a
// packet can serialize itself without checking each call.
type Buffer struct {
	data   []byte
	pos    int
	limit  int
	role   BufferRole
	err    error
	owner  *BufferPool
	leased atomic.Bool
}

// NewBuffer allocates a standalone buffer that does not belong to any pool.
func NewBuffer(size int) *Buffer {
	return newBuffer(size, WriteRole)
}

func newBuffer(size int, role BufferRole) *Buffer {
	return &Buffer{
		data:  make([]byte, size),
		limit: size,
		role:  role,
	}
}

// NewBufferFrom returns a read view over data, for decoding a body obtained
// from ReadFrame. The buffer shares data and is not leased from any pool.
func NewBufferFrom(data []byte) *Buffer {
	return wrapBuffer(data, 0, len(data))
}

// wrapBuffer returns a read view over data[pos:limit].
func wrapBuffer(data []byte, pos, limit int) *Buffer {
	return &Buffer{data: data, pos: pos, limit: limit, role: ReadRole}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Position returns the index of the next byte to read or write.
func (b *Buffer) Position() int { return b.pos }

// Limit returns the index of the first byte that must not be accessed.
func (b *Buffer) Limit() int { return b.limit }

// Remaining returns limit - position.
func (b *Buffer) Remaining() int { return b.limit - b.pos }

// Role returns the pool role of the buffer.
func (b *Buffer) Role() BufferRole { return b.role }

// Err returns the sticky overflow error, if any.
func (b *Buffer) Err() error { return b.err }

// Bytes returns the bytes between position and limit without copying.
func (b *Buffer) Bytes() []byte { return b.data[b.pos:b.limit] }

// Clear sets position to zero and limit to capacity and forgets the sticky error.
func (b *Buffer) Clear() {
	b.pos = 0
	b.limit = len(b.data)
	b.err = nil
}

// Reset clears the buffer and zeroes its contents.
func (b *Buffer) Reset() {
	b.Clear()
	clear(b.data)
}

// Flip sets the limit to the current position and rewinds the position.
func (b *Buffer) Flip() {
	b.limit = b.pos
	b.pos = 0
}

// Skip advances the position by n bytes.
func (b *Buffer) Skip(n int) {
	if b.ensure(n) {
		b.pos += n
	}
}

func (b *Buffer) ensure(n int) bool {
	if b.err != nil {
		return false
	}
	if n < 0 || b.limit-b.pos < n {
		b.err = ErrBufferOverflow
		return false
	}
	return true
}

// PutUint8 writes one byte.
func (b *Buffer) PutUint8(v uint8) {
	if b.ensure(1) {
		b.data[b.pos] = v
		b.pos++
	}
}

// PutUint16 writes a big-endian uint16.
func (b *Buffer) PutUint16(v uint16) {
	if b.ensure(2) {
		binary.BigEndian.PutUint16(b.data[b.pos:], v)
		b.pos += 2
	}
}

// PutUint16At writes a big-endian uint16 at an absolute index, leaving the
// position untouched.
func (b *Buffer) PutUint16At(i int, v uint16) {
	if b.err != nil {
		return
	}
	if i < 0 || i+2 > len(b.data) {
		b.err = ErrBufferOverflow
		return
	}
	binary.BigEndian.PutUint16(b.data[i:], v)
}

// PutUint32 writes a big-endian uint32.
func (b *Buffer) PutUint32(v uint32) {
	if b.ensure(4) {
		binary.BigEndian.PutUint32(b.data[b.pos:], v)
		b.pos += 4
	}
}

// PutBytes copies p into the buffer.
func (b *Buffer) PutBytes(p []byte) {
	if b.ensure(len(p)) {
		b.pos += copy(b.data[b.pos:], p)
	}
}

// PutString copies the UTF-8 bytes of s into the buffer.
func (b *Buffer) PutString(s string) {
	if b.ensure(len(s)) {
		b.pos += copy(b.data[b.pos:], s)
	}
}

// Uint8 reads one byte.
func (b *Buffer) Uint8() uint8 {
	if !b.ensure(1) {
		return 0
	}
	v := b.data[b.pos]
	b.pos++
	return v
}

// Uint16 reads a big-endian uint16.
func (b *Buffer) Uint16() uint16 {
	if !b.ensure(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(b.data[b.pos:])
	b.pos += 2
	return v
}

// Uint32 reads a big-endian uint32.
func (b *Buffer) Uint32() uint32 {
	if !b.ensure(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v
}

// Next returns the next n bytes and advances the position. The slice aliases
// the buffer and is only valid until the buffer is reused.
func (b *Buffer) Next(n int) []byte {
	if !b.ensure(n) {
		return nil
	}
	p := b.data[b.pos : b.pos+n]
	b.pos += n
	return p
}

// String reads n bytes as a string copy.
func (b *Buffer) String(n int) string {
	return string(b.Next(n))
}
