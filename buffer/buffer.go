// Package buffer implements the framed, bidirectional byte buffer that
// sits between the wire codec and the raw transport. It guarantees
// contiguous reads of N bytes without exposing partial-I/O concerns to
// callers, and buffers writes until an explicit or implicit flush.
package buffer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultSize is used when a caller does not specify a capacity via the
// connection string's buffersize option.
const DefaultSize = 8192

// Buffer wraps a byte stream (typically a net.Conn or a TLS-wrapped
// net.Conn) with fixed-capacity read and write areas. All integer and
// string primitives are network byte order (big-endian); text defaults to
// UTF-8, matching PostgreSQL's default client_encoding.
type Buffer struct {
	stream io.ReadWriter

	readBuf   []byte
	readPos   int
	readEnd   int
	capacity  int

	writeBuf []byte
}

// New allocates a Buffer of the given capacity over stream. A capacity of
// 0 selects DefaultSize.
func New(stream io.ReadWriter, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &Buffer{
		stream:   stream,
		readBuf:  make([]byte, capacity),
		capacity: capacity,
		writeBuf: make([]byte, 0, capacity),
	}
}

// available returns the number of unread bytes currently resident in the
// read area.
func (b *Buffer) available() int {
	return b.readEnd - b.readPos
}

// compact slides any unread bytes to the front of the read area.
func (b *Buffer) compact() {
	if b.readPos == 0 {
		return
	}
	n := copy(b.readBuf, b.readBuf[b.readPos:b.readEnd])
	b.readPos = 0
	b.readEnd = n
}

// Ensure guarantees that at least n bytes are available for contiguous
// read without further I/O once it returns successfully. It blocks on the
// underlying stream until satisfied. n must not exceed the buffer's
// capacity; use EnsureOrAllocateTemp for oversized reads.
func (b *Buffer) Ensure(n int) error {
	if n > b.capacity {
		return fmt.Errorf("buffer: requested %d bytes exceeds capacity %d", n, b.capacity)
	}
	if b.available() >= n {
		return nil
	}
	b.compact()
	for b.available() < n {
		m, err := b.stream.Read(b.readBuf[b.readEnd:b.capacity])
		if m > 0 {
			b.readEnd += m
		}
		if err != nil {
			if err == io.EOF && m > 0 {
				continue
			}
			return err
		}
	}
	return nil
}

// EnsureOrAllocateTemp is like Ensure (returning a nil slice) when n fits
// the buffer's capacity. When n exceeds it, it reads the message into a
// freshly allocated slice instead: the bytes already resident in the
// primary buffer are copied to the front of that slice and consumed, and
// the rest is read straight from the stream, so the primary buffer is
// left empty and usable for subsequent small reads. The returned slice is caller-owned and remains valid indefinitely, unlike
// slices returned by other Buffer accessors which alias the primary
// buffer and are only valid until the next read.
func (b *Buffer) EnsureOrAllocateTemp(n int) ([]byte, error) {
	if n <= b.capacity {
		if err := b.Ensure(n); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tmp := make([]byte, n)
	copied := copy(tmp, b.readBuf[b.readPos:b.readEnd])
	b.readPos += copied
	if copied < n {
		if _, err := io.ReadFull(b.stream, tmp[copied:]); err != nil {
			return nil, err
		}
	}
	return tmp, nil
}

// WriteSpaceLeft reports how many bytes can be appended to the write area
// before Flush is required.
func (b *Buffer) WriteSpaceLeft() int {
	return b.capacity - len(b.writeBuf)
}

// Flush drains any pending writes to the underlying stream. From the
// caller's perspective this is never partial: either every buffered byte
// reaches the stream or an error is returned and the connector should be
// broken.
func (b *Buffer) Flush() error {
	if len(b.writeBuf) == 0 {
		return nil
	}
	n, err := b.stream.Write(b.writeBuf)
	if n == len(b.writeBuf) {
		b.writeBuf = b.writeBuf[:0]
		return err
	}
	// Partial write: the unsent remainder is dropped and an error is
	// returned (io.ErrShortWrite if the stream reported none); an error
	// here always breaks the connector, so nothing is resent.
	b.writeBuf = b.writeBuf[:0]
	if err == nil {
		err = io.ErrShortWrite
	}
	return err
}

// WriteDirect bypasses the write buffer entirely, flushing any pending
// buffered bytes first so wire ordering is preserved, then writing buf
// straight to the stream. This is the zero-copy path chunking encoders
// use for large COPY payloads and out-of-line parameter values.
func (b *Buffer) WriteDirect(buf []byte) error {
	if err := b.Flush(); err != nil {
		return err
	}
	_, err := b.stream.Write(buf)
	return err
}

// Skip consumes and discards n bytes, refilling from the stream as
// necessary. Used for DataRow/CopyData payloads in Skip loading mode.
func (b *Buffer) Skip(n int) error {
	for n > 0 {
		avail := b.available()
		if avail == 0 {
			if err := b.Ensure(1); err != nil {
				return err
			}
			avail = b.available()
		}
		take := avail
		if take > n {
			take = n
		}
		b.readPos += take
		n -= take
	}
	return nil
}

// Peek returns a slice aliasing the first n resident bytes without
// consuming them. Ensure(n) must have already succeeded.
func (b *Buffer) Peek(n int) []byte {
	return b.readBuf[b.readPos : b.readPos+n]
}

// ReadBytes returns a slice aliasing the next n resident bytes and
// advances past them. The slice is only valid until the next read on b.
func (b *Buffer) ReadBytes(n int) []byte {
	out := b.readBuf[b.readPos : b.readPos+n]
	b.readPos += n
	return out
}

// ReadByte reads a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	if err := b.Ensure(1); err != nil {
		return 0, err
	}
	c := b.readBuf[b.readPos]
	b.readPos++
	return c, nil
}

// ReadInt16 reads a network-byte-order int16.
func (b *Buffer) ReadInt16() (int16, error) {
	if err := b.Ensure(2); err != nil {
		return 0, err
	}
	v := int16(binary.BigEndian.Uint16(b.readBuf[b.readPos:]))
	b.readPos += 2
	return v, nil
}

// ReadInt32 reads a network-byte-order int32.
func (b *Buffer) ReadInt32() (int32, error) {
	if err := b.Ensure(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(b.readBuf[b.readPos:]))
	b.readPos += 4
	return v, nil
}

// ReadNullTerminatedString reads bytes up to and including the next NUL,
// returning the string without the terminator. It may need to refill the
// buffer repeatedly if the string spans more than one fill.
func (b *Buffer) ReadNullTerminatedString() (string, error) {
	var out []byte
	for {
		if err := b.Ensure(1); err != nil {
			return "", err
		}
		start := b.readPos
		idx := -1
		for i := start; i < b.readEnd; i++ {
			if b.readBuf[i] == 0 {
				idx = i
				break
			}
		}
		if idx >= 0 {
			if out == nil {
				s := string(b.readBuf[start:idx])
				b.readPos = idx + 1
				return s, nil
			}
			out = append(out, b.readBuf[start:idx]...)
			b.readPos = idx + 1
			return string(out), nil
		}
		out = append(out, b.readBuf[start:b.readEnd]...)
		b.readPos = b.readEnd
	}
}

// WriteByte appends a single byte to the write area, flushing first if
// there is no room.
func (b *Buffer) WriteByte(c byte) error {
	if b.WriteSpaceLeft() < 1 {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	b.writeBuf = append(b.writeBuf, c)
	return nil
}

// WriteInt16 appends a network-byte-order int16.
func (b *Buffer) WriteInt16(v int16) error {
	return b.WriteBytes(func(buf []byte) []byte {
		return binary.BigEndian.AppendUint16(buf, uint16(v))
	}, 2)
}

// WriteInt32 appends a network-byte-order int32.
func (b *Buffer) WriteInt32(v int32) error {
	return b.WriteBytes(func(buf []byte) []byte {
		return binary.BigEndian.AppendUint32(buf, uint32(v))
	}, 4)
}

// WriteBytes appends the result of appendFn (which must append exactly n
// bytes) to the write area, flushing first if there is not enough room.
func (b *Buffer) WriteBytes(appendFn func([]byte) []byte, n int) error {
	if b.WriteSpaceLeft() < n {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	b.writeBuf = appendFn(b.writeBuf)
	return nil
}

// WriteRaw appends raw bytes, flushing as many times as necessary if p is
// larger than the remaining write space. Unlike WriteDirect this still
// goes through the buffer, so small writes remain coalesced.
func (b *Buffer) WriteRaw(p []byte) error {
	for len(p) > 0 {
		space := b.WriteSpaceLeft()
		if space == 0 {
			if err := b.Flush(); err != nil {
				return err
			}
			space = b.WriteSpaceLeft()
		}
		n := len(p)
		if n > space {
			n = space
		}
		b.writeBuf = append(b.writeBuf, p[:n]...)
		p = p[n:]
	}
	return nil
}

// WriteCString appends s followed by a NUL terminator.
func (b *Buffer) WriteCString(s string) error {
	if err := b.WriteRaw([]byte(s)); err != nil {
		return err
	}
	return b.WriteByte(0)
}
