// Package transport provides a concrete coordinator.PeerChannel: a TCP
// connection framed with a 4-byte big-endian length prefix per
// message. Spec §1 places transport binding (WebSocket framing,
// HTTP/SSE, stdio MCP) out of scope; this package supplies the one
// concrete "reliable ordered message channel per peer" a running node
// still needs to exercise internal/coordinator and internal/wire
// outside of tests, without pulling any wire-protocol semantics in
// here — those stay in internal/coordinator and internal/wire.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/TopGunBuild/topgun-sub011/internal/logging"
)

// maxFrameBytes bounds a single frame, guarding against a corrupt or
// hostile length prefix driving an unbounded allocation.
const maxFrameBytes = 64 * 1024 * 1024

// TCPChannel implements coordinator.PeerChannel over a net.Conn.
// Send and Receive are each safe to call concurrently with the other,
// but not with themselves (the coordinator and its Fetcher/handshake
// helpers only ever call one direction at a time per round-trip).
type TCPChannel struct {
	conn   net.Conn
	logger *logging.Logger

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewTCPChannel wraps an already-established connection.
func NewTCPChannel(conn net.Conn) *TCPChannel {
	return &TCPChannel{conn: conn, logger: logging.GetLogger("transport").With("remote", conn.RemoteAddr().String())}
}

// Dial connects to addr and returns a channel wrapping the connection.
func Dial(ctx context.Context, addr string) (*TCPChannel, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return NewTCPChannel(conn), nil
}

// Send writes one length-prefixed frame. ctx's deadline, if any, is
// applied to the underlying connection.
func (c *TCPChannel) Send(ctx context.Context, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := applyDeadline(c.conn, ctx, c.conn.SetWriteDeadline); err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: writing frame header: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("transport: writing frame body: %w", err)
	}
	return nil
}

// Receive reads one length-prefixed frame.
func (c *TCPChannel) Receive(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if err := applyDeadline(c.conn, ctx, c.conn.SetReadDeadline); err != nil {
		return nil, err
	}
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("transport: reading frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit %d", n, maxFrameBytes)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, fmt.Errorf("transport: reading frame body: %w", err)
	}
	return frame, nil
}

// Close closes the underlying connection.
func (c *TCPChannel) Close() error { return c.conn.Close() }

func applyDeadline(conn net.Conn, ctx context.Context, set func(time.Time) error) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return set(time.Time{})
	}
	return set(deadline)
}

// Listener accepts inbound peer connections and hands each back as a
// TCPChannel.
type Listener struct {
	ln     net.Listener
	logger *logging.Logger
}

// Listen starts accepting connections on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	return &Listener{ln: ln, logger: logging.GetLogger("transport").With("listen_addr", addr)}, nil
}

// Accept blocks until a peer connects or the listener is closed.
func (l *Listener) Accept() (*TCPChannel, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accepting connection: %w", err)
	}
	l.logger.Info("accepted peer connection", "remote", conn.RemoteAddr().String())
	return NewTCPChannel(conn), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
