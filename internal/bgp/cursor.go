package bgp

import (
	"encoding/binary"
	"fmt"
)

// cursor is a bounds-checked reader over a wire buffer. Every read
// either consumes the requested bytes or fails without advancing;
// nothing ever reads past the end of the underlying slice.
type cursor struct {
	buf []byte
	off int
}

func newCursor(buf []byte) *cursor {
	return &cursor{buf: buf}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) readBytes(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("bgp: need %d bytes at offset %d, have %d", n, c.off, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) readUint8() (uint8, error) {
	b, err := c.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) readUint16() (uint16, error) {
	b, err := c.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) readUint32() (uint32, error) {
	b, err := c.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) skip(n int) error {
	_, err := c.readBytes(n)
	return err
}

// rest consumes and returns everything left in the buffer.
func (c *cursor) rest() []byte {
	b := c.buf[c.off:]
	c.off = len(c.buf)
	return b
}
