// Package rcon implements a Source-engine-style length-prefixed RCON client
// and the pooled, mutex-guarded dispatch layer that sits on top of it:
// one connection per server, a per-server lock serializing raw commands,
// and the safe/safe_batch session-aware command helpers the marketplace
// and warp flows build on.
package rcon

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Packet types per the Source RCON protocol.
const (
	packetTypeAuth         int32 = 3
	packetTypeAuthResponse int32 = 2
	packetTypeCommand      int32 = 2
	packetTypeResponse     int32 = 0
)

const maxPacketSize = 4096

// conn is a single authenticated RCON socket to one server.
type conn struct {
	netConn net.Conn
	reader  *bufio.Reader
	nextID  int32
}

func dial(ctx context.Context, addr, password string, dialTimeout time.Duration) (*conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &conn{netConn: nc, reader: bufio.NewReader(nc), nextID: 1}
	if err := c.authenticate(password); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *conn) authenticate(password string) error {
	id := c.nextID
	c.nextID++

	if err := c.writePacket(id, packetTypeAuth, password); err != nil {
		return fmt.Errorf("rcon auth write: %w", err)
	}

	// A real server sends an empty SERVERDATA_RESPONSE_VALUE packet first,
	// immediately followed by the SERVERDATA_AUTH_RESPONSE.
	if _, _, _, err := c.readPacket(); err != nil {
		return fmt.Errorf("rcon auth read: %w", err)
	}
	respID, respType, _, err := c.readPacket()
	if err != nil {
		return fmt.Errorf("rcon auth response: %w", err)
	}
	if respType != packetTypeAuthResponse {
		return fmt.Errorf("rcon auth: unexpected packet type %d", respType)
	}
	if respID != id {
		return fmt.Errorf("rcon auth: password rejected")
	}
	return nil
}

// execute sends a single command and returns its response body. Multi-packet
// responses are not expected for the fixed command set this system issues.
func (c *conn) execute(body string) (string, error) {
	id := c.nextID
	c.nextID++

	if err := c.writePacket(id, packetTypeCommand, body); err != nil {
		return "", fmt.Errorf("rcon command write: %w", err)
	}

	respID, _, payload, err := c.readPacket()
	if err != nil {
		return "", fmt.Errorf("rcon command read: %w", err)
	}
	if respID != id {
		return "", fmt.Errorf("rcon command: response id mismatch")
	}
	return payload, nil
}

func (c *conn) close() error {
	return c.netConn.Close()
}

func (c *conn) writePacket(id, packetType int32, body string) error {
	payload := append([]byte(body), 0, 0)
	size := int32(4 + 4 + len(payload))

	buf := make([]byte, 0, 4+size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(packetType))
	buf = append(buf, payload...)

	_, err := c.netConn.Write(buf)
	return err
}

func (c *conn) readPacket() (id, packetType int32, body string, err error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.reader, sizeBuf[:]); err != nil {
		return 0, 0, "", err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < 8 || size > maxPacketSize {
		return 0, 0, "", fmt.Errorf("rcon: invalid packet size %d", size)
	}

	rest := make([]byte, size)
	if _, err := io.ReadFull(c.reader, rest); err != nil {
		return 0, 0, "", err
	}

	id = int32(binary.LittleEndian.Uint32(rest[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(rest[4:8]))
	// rest[8:] is the null-terminated body plus the trailing empty string.
	bodyBytes := rest[8:]
	for i, b := range bodyBytes {
		if b == 0 {
			bodyBytes = bodyBytes[:i]
			break
		}
	}
	return id, packetType, string(bodyBytes), nil
}
