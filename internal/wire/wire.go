// Package wire implements the binary framing used on the daemon's Unix
// socket: fixed-width little-endian integers, u32-length-prefixed strings,
// and SCM_RIGHTS file-descriptor passing.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// maxStringLen bounds incoming string frames. Nothing legitimate on this
// socket approaches it; anything larger is a broken or hostile peer.
const maxStringLen = 1 << 20

// Conn wraps a connected Unix stream socket with the framing helpers.
// Reads and writes are not internally synchronized; each connection is
// owned by a single goroutine.
type Conn struct {
	uc *net.UnixConn
}

// NewConn wraps an accepted or dialed Unix connection.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// ReadU8 reads a single byte.
func (c *Conn) ReadU8() (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(c.uc, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteU8 writes a single byte.
func (c *Conn) WriteU8(v uint8) error {
	_, err := c.uc.Write([]byte{v})
	return err
}

// ReadU32 reads a 4-byte little-endian integer.
func (c *Conn) ReadU32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.uc, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteU32 writes a 4-byte little-endian integer.
func (c *Conn) WriteU32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := c.uc.Write(buf[:])
	return err
}

// ReadI32 reads a 4-byte little-endian signed integer. Uids and pids travel
// signed on the wire.
func (c *Conn) ReadI32() (int32, error) {
	v, err := c.ReadU32()
	return int32(v), err
}

// WriteI32 writes a 4-byte little-endian signed integer.
func (c *Conn) WriteI32(v int32) error {
	return c.WriteU32(uint32(v))
}

// ReadString reads a u32-length-prefixed UTF-8 string.
func (c *Conn) ReadString() (string, error) {
	n, err := c.ReadU32()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.uc, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteString writes a u32-length-prefixed UTF-8 string. The frame bound is
// enforced on both sides: emitting a frame the peer must reject helps nobody.
func (c *Conn) WriteString(s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("string frame of %d bytes exceeds limit", len(s))
	}
	if err := c.WriteU32(uint32(len(s))); err != nil {
		return err
	}
	_, err := c.uc.Write([]byte(s))
	return err
}

// SendFile passes an open descriptor to the peer via SCM_RIGHTS, alongside a
// single in-band byte so the receiver has something to block on. The kernel
// duplicates the descriptor into the peer; the caller keeps its own copy.
func (c *Conn) SendFile(fd int) error {
	rights := unix.UnixRights(fd)
	n, oobn, err := c.uc.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		return fmt.Errorf("failed to send descriptor: %w", err)
	}
	if n != 1 || oobn != len(rights) {
		return fmt.Errorf("short descriptor send: %d data, %d oob", n, oobn)
	}
	return nil
}

// RecvFile receives one descriptor passed via SCM_RIGHTS.
func (c *Conn) RecvFile() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("failed to receive descriptor: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("failed to parse control message: %w", err)
	}
	if len(msgs) != 1 {
		return -1, fmt.Errorf("expected one control message, got %d", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("failed to parse descriptor rights: %w", err)
	}
	if len(fds) != 1 {
		return -1, fmt.Errorf("expected one descriptor, got %d", len(fds))
	}
	return fds[0], nil
}
