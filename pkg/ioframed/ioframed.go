// Package ioframed provides a transport-agnostic framed byte channel over
// TCP or UDP, plus a timed read. It generalizes pkg/rtsp/client.go's
// connection handling (TCP_NODELAY dialing, read-deadline discipline) from
// client-only dialing to a shared interface that both RTSP client and
// server sides, and RTP/RTCP UDP transports, build on.
package ioframed

import (
	"errors"
	"net"
	"time"
)

// ErrTimeout is returned by ReadTimeout when no data arrived within the
// caller's budget.
var ErrTimeout = errors.New("ioframed: read timeout")

// pollInterval is the polling granularity used while waiting out a
// ReadTimeout budget.
const pollInterval = 50 * time.Millisecond

// maxUDPDatagram bounds a single UDP read to the largest RTP/RTCP datagram
// this gateway expects over the wire.
const maxUDPDatagram = 4096

// FramedIO is the capability set every transport exposes: a plain read, a
// plain write, and a bounded-wait read.
type FramedIO interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	ReadTimeout(budget time.Duration) ([]byte, error)
	Close() error
	RemoteAddr() net.Addr
}

// TCPFramedIO carries length-delimited messages over a net.Conn; framing at
// this layer is just "bytes received in one read" — the higher-layer
// parser (RTSP message codec, interleaved-frame demux) reassembles.
type TCPFramedIO struct {
	conn net.Conn
}

// NewTCPFramedIO wraps an already-established connection (either side: a
// client's dial result or a server's Accept result).
func NewTCPFramedIO(conn net.Conn) *TCPFramedIO {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return &TCPFramedIO{conn: conn}
}

func (t *TCPFramedIO) Read(buf []byte) (int, error)  { return t.conn.Read(buf) }
func (t *TCPFramedIO) Write(buf []byte) (int, error) { return t.conn.Write(buf) }
func (t *TCPFramedIO) Close() error                  { return t.conn.Close() }
func (t *TCPFramedIO) RemoteAddr() net.Addr          { return t.conn.RemoteAddr() }

// ReadTimeout polls Read in pollInterval steps, returning ErrTimeout once
// the cumulative wait exceeds budget. Callers needing to cancel a pending
// read should close the FramedIO from another goroutine; Read will then
// return the transport's own closed-connection error.
func (t *TCPFramedIO) ReadTimeout(budget time.Duration) ([]byte, error) {
	deadline := time.Now().Add(budget)
	buf := make([]byte, 65536)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		step := pollInterval
		if remaining < step {
			step = remaining
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(step))
		n, err := t.conn.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, err
		}
	}
}

// UDPFramedIO carries one datagram per Read, bounded at 4 KiB; writes
// target the bound remote address established at construction.
type UDPFramedIO struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
}

// NewUDPFramedIO binds a local UDP socket. If remote is non-nil, Write
// targets it directly (net.UDPConn.Write); otherwise Write requires the
// socket to have been Dial'd.
func NewUDPFramedIO(conn *net.UDPConn, remote *net.UDPAddr) *UDPFramedIO {
	return &UDPFramedIO{conn: conn, remote: remote}
}

func (u *UDPFramedIO) Read(buf []byte) (int, error) {
	if len(buf) > maxUDPDatagram {
		buf = buf[:maxUDPDatagram]
	}
	n, _, err := u.conn.ReadFromUDP(buf)
	return n, err
}

func (u *UDPFramedIO) Write(buf []byte) (int, error) {
	if u.remote != nil {
		return u.conn.WriteToUDP(buf, u.remote)
	}
	return u.conn.Write(buf)
}

func (u *UDPFramedIO) Close() error         { return u.conn.Close() }
func (u *UDPFramedIO) RemoteAddr() net.Addr { return u.remote }

// ReadTimeout polls ReadFromUDP in pollInterval steps, as TCPFramedIO does.
func (u *UDPFramedIO) ReadTimeout(budget time.Duration) ([]byte, error) {
	deadline := time.Now().Add(budget)
	buf := make([]byte, maxUDPDatagram)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		step := pollInterval
		if remaining < step {
			step = remaining
		}

		_ = u.conn.SetReadDeadline(time.Now().Add(step))
		n, _, err := u.conn.ReadFromUDP(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, err
		}
	}
}
