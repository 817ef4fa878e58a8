package rtsp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// interleavedMagic is the '$' byte RFC 2326 section 10.12 prefixes onto
// interleaved binary data frames, distinguishing them from RTSP text
// messages on the same connection.
const interleavedMagic = 0x24

// InterleavedFrame is one RTP or RTCP packet multiplexed onto the RTSP TCP
// connection, tagged with the channel number negotiated by SETUP's
// Transport interleaved=<rtp>-<rtcp> parameter.
type InterleavedFrame struct {
	Channel byte
	Payload []byte
}

// Conn wraps an RTSP TCP connection, decoding whatever arrives next into
// either a Message or an InterleavedFrame, the way ReadPackets peeked 4
// bytes to tell an interleaved frame ("$...") from a text message
// ("RTSP/1.0 ..."). It is usable from either the client or server side.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader
}

// NewConn wraps an already-established connection.
func NewConn(netConn net.Conn) *Conn {
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return &Conn{netConn: netConn, reader: bufio.NewReaderSize(netConn, 65536)}
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.netConn.Close() }

// SetReadDeadline forwards to the underlying connection, letting a caller
// bound the next ReadNext call.
func (c *Conn) SetReadDeadline(deadline time.Time) error {
	return c.netConn.SetReadDeadline(deadline)
}

// SetWriteDeadline forwards to the underlying connection.
func (c *Conn) SetWriteDeadline(deadline time.Time) error {
	return c.netConn.SetWriteDeadline(deadline)
}

// ReadNext decodes the next unit on the wire from a one-byte peek: an
// *InterleavedFrame when that byte is the '$' magic byte, otherwise a
// *Message (an RTSP request or response).
func (c *Conn) ReadNext() (*Message, *InterleavedFrame, error) {
	peek, err := c.reader.Peek(1)
	if err != nil {
		return nil, nil, err
	}

	if peek[0] == interleavedMagic {
		frame, err := c.readInterleavedFrame()
		return nil, frame, err
	}

	msg, err := readMessage(c.reader)
	return msg, nil, err
}

func (c *Conn) readInterleavedFrame() (*InterleavedFrame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return nil, err
	}
	if header[0] != interleavedMagic {
		return nil, fmt.Errorf("rtsp: expected interleaved magic byte, got %#x", header[0])
	}

	channel := header[1]
	size := binary.BigEndian.Uint16(header[2:4])

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}

	return &InterleavedFrame{Channel: channel, Payload: payload}, nil
}

// WriteMessage marshals and writes an RTSP request or response.
func (c *Conn) WriteMessage(msg *Message) error {
	_, err := c.netConn.Write(msg.Marshal())
	return err
}

// WriteInterleavedFrame writes one RTP/RTCP payload framed with the '$'
// magic byte, channel number, and big-endian length prefix.
func (c *Conn) WriteInterleavedFrame(channel byte, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("rtsp: interleaved payload too large (%d bytes)", len(payload))
	}

	header := make([]byte, 4, 4+len(payload))
	header[0] = interleavedMagic
	header[1] = channel
	binary.BigEndian.PutUint16(header[2:4], uint16(len(payload)))
	header = append(header, payload...)

	_, err := c.netConn.Write(header)
	return err
}
