package rtsp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageMarshalRequest(t *testing.T) {
	req := NewRequest("DESCRIBE", "rtsp://example.com/stream", 2)
	req.Header["Accept"] = "application/sdp"

	raw := string(req.Marshal())
	require.Contains(t, raw, "DESCRIBE rtsp://example.com/stream RTSP/1.0\r\n")
	require.Contains(t, raw, "CSeq: 2\r\n")
	require.Contains(t, raw, "Accept: application/sdp\r\n")
}

func TestMessageMarshalResponseWithBody(t *testing.T) {
	resp := NewResponse(2, 200, "")
	resp.Body = []byte("v=0\r\n")

	raw := string(resp.Marshal())
	require.Contains(t, raw, "RTSP/1.0 200 OK\r\n")
	require.Contains(t, raw, "Content-Length: 5\r\n")
	require.Contains(t, raw, "v=0\r\n")
}

func TestConnReadNextMessageAndInterleavedFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()

		c := NewConn(conn)

		req := NewRequest("OPTIONS", "rtsp://example.com/", 1)
		require.NoError(t, c.WriteMessage(req))
		require.NoError(t, c.WriteInterleavedFrame(0, []byte{1, 2, 3, 4}))
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	c := NewConn(conn)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))

	msg, frame, err := c.ReadNext()
	require.NoError(t, err)
	require.Nil(t, frame)
	require.NotNil(t, msg)
	require.True(t, msg.IsRequest)
	require.Equal(t, "OPTIONS", msg.Method)

	msg, frame, err = c.ReadNext()
	require.NoError(t, err)
	require.Nil(t, msg)
	require.NotNil(t, frame)
	require.EqualValues(t, 0, frame.Channel)
	require.Equal(t, []byte{1, 2, 3, 4}, frame.Payload)

	<-serverDone
}
