package rtspsession

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/gtfo/streamgw/pkg/logger"
	"github.com/gtfo/streamgw/pkg/rtsp"
	"github.com/gtfo/streamgw/pkg/sdp"
	"github.com/gtfo/streamgw/pkg/streamhub"
)

func TestParseTransportTCPInterleaved(t *testing.T) {
	tr, err := ParseTransport("RTP/AVP/TCP;unicast;interleaved=0-1")
	require.NoError(t, err)
	require.Equal(t, TransportTCP, tr.Mode)
	require.Equal(t, byte(0), tr.InterleavedRTP)
	require.Equal(t, byte(1), tr.InterleavedRTCP)
}

func TestParseTransportUDPClientPort(t *testing.T) {
	tr, err := ParseTransport("RTP/AVP;unicast;client_port=6970-6971")
	require.NoError(t, err)
	require.Equal(t, TransportUDP, tr.Mode)
	require.Equal(t, uint16(6970), tr.ClientRTPPort)
	require.Equal(t, uint16(6971), tr.ClientRTCPPort)
}

func TestParseTransportRejectsUnknownProtocol(t *testing.T) {
	_, err := ParseTransport("SCTP;unicast")
	require.Error(t, err)
}

func TestNewTrackSelectsCodecPackers(t *testing.T) {
	h264 := newTrack(sdp.Track{Type: "video", Codec: sdp.CodecH264, PayloadType: 96, ClockRate: 90000, Control: "trackID=0"})
	require.Equal(t, TrackVideo, h264.Kind)
	require.NotNil(t, h264.Packer)
	require.NotNil(t, h264.Unpacker)

	aac := newTrack(sdp.Track{Type: "audio", Codec: sdp.CodecAAC, PayloadType: 97, ClockRate: 48000, Control: "trackID=1"})
	require.Equal(t, TrackAudio, aac.Kind)
	require.NotNil(t, aac.Packer)
	require.NotNil(t, aac.Unpacker)
}

// testConnPair returns two in-memory RTSP connections wired together via
// net.Pipe, one for each side of the publish/subscribe flow under test.
func testConnPair(t *testing.T) (*rtsp.Conn, *rtsp.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return rtsp.NewConn(a), rtsp.NewConn(b)
}

func testHub(t *testing.T) *streamhub.Hub {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	h := streamhub.New(streamhub.Config{GOPCacheDepth: 2, SubscriberQueueLen: 16}, log)
	t.Cleanup(h.Close)
	return h
}

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=stream\r\n" +
	"t=0 0\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:trackID=0\r\n" +
	"m=audio 0 RTP/AVP 97\r\n" +
	"a=rtpmap:97 MPEG4-GENERIC/48000/2\r\n" +
	"a=control:trackID=1\r\n"

// driveClient plays one request/response round-trip over the given client
// half of a pipe and returns the parsed response.
func driveClient(t *testing.T, clientConn *rtsp.Conn, req *rtsp.Message) *rtsp.Message {
	t.Helper()
	require.NoError(t, clientConn.WriteMessage(req))
	msg, _, err := clientConn.ReadNext()
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func TestSessionPublisherAnnounceSetupRecordTeardown(t *testing.T) {
	hub := testHub(t)
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)

	serverConn, clientConn := testConnPair(t)
	sess := NewSession(serverConn, hub, "127.0.0.1", log)

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	announce := rtsp.NewRequest("ANNOUNCE", "rtsp://127.0.0.1/live/cam1", 1)
	announce.Header["Content-Type"] = "application/sdp"
	announce.Body = []byte(testSDP)
	resp := driveClient(t, clientConn, announce)
	require.Equal(t, 200, resp.StatusCode)

	setup0 := rtsp.NewRequest("SETUP", "rtsp://127.0.0.1/live/cam1/trackID=0", 2)
	setup0.Header["Transport"] = "RTP/AVP/TCP;unicast;interleaved=0-1"
	resp = driveClient(t, clientConn, setup0)
	require.Equal(t, 200, resp.StatusCode)
	sessionID := resp.Header["Session"]
	require.Len(t, sessionID, 10)

	setup1 := rtsp.NewRequest("SETUP", "rtsp://127.0.0.1/live/cam1/trackID=1", 3)
	setup1.Header["Transport"] = "RTP/AVP/TCP;unicast;interleaved=2-3"
	setup1.Header["Session"] = sessionID
	resp = driveClient(t, clientConn, setup1)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, sessionID, resp.Header["Session"], "Session id is reused across SETUPs")

	record := rtsp.NewRequest("RECORD", "rtsp://127.0.0.1/live/cam1", 4)
	record.Header["Session"] = sessionID
	resp = driveClient(t, clientConn, record)
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, resp.Header, "Range")

	teardown := rtsp.NewRequest("TEARDOWN", "rtsp://127.0.0.1/live/cam1", 5)
	teardown.Header["Session"] = sessionID
	resp = driveClient(t, clientConn, teardown)
	require.Equal(t, 200, resp.StatusCode)

	clientConn.Close()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("session did not exit after teardown/close")
	}
}

func TestSessionSetupWithoutTransportIs461(t *testing.T) {
	hub := testHub(t)
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)

	serverConn, clientConn := testConnPair(t)
	sess := NewSession(serverConn, hub, "127.0.0.1", log)
	go sess.Run()
	defer clientConn.Close()

	announce := rtsp.NewRequest("ANNOUNCE", "rtsp://127.0.0.1/live/cam1", 1)
	announce.Body = []byte(testSDP)
	resp := driveClient(t, clientConn, announce)
	require.Equal(t, 200, resp.StatusCode)

	setup := rtsp.NewRequest("SETUP", "rtsp://127.0.0.1/live/cam1/trackID=0", 2)
	resp = driveClient(t, clientConn, setup)
	require.Equal(t, 461, resp.StatusCode)
}

func TestSessionDescribeUnknownStreamIs404(t *testing.T) {
	hub := testHub(t)
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)

	serverConn, clientConn := testConnPair(t)
	sess := NewSession(serverConn, hub, "127.0.0.1", log)
	go sess.Run()
	defer clientConn.Close()

	describe := rtsp.NewRequest("DESCRIBE", "rtsp://127.0.0.1/missing", 1)
	resp := driveClient(t, clientConn, describe)
	require.Equal(t, 404, resp.StatusCode)
}

func TestSessionRecordBeforeSetupIs455(t *testing.T) {
	hub := testHub(t)
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)

	serverConn, clientConn := testConnPair(t)
	sess := NewSession(serverConn, hub, "127.0.0.1", log)
	go sess.Run()
	defer clientConn.Close()

	announce := rtsp.NewRequest("ANNOUNCE", "rtsp://127.0.0.1/live/cam1", 1)
	announce.Body = []byte(testSDP)
	resp := driveClient(t, clientConn, announce)
	require.Equal(t, 200, resp.StatusCode)

	record := rtsp.NewRequest("RECORD", "rtsp://127.0.0.1/live/cam1", 2)
	resp = driveClient(t, clientConn, record)
	require.Equal(t, 455, resp.StatusCode)
}

// TestSessionPublishThenSubscribeRTPInterleaved drives Scenario S1's shape
// end to end: one session ANNOUNCEs/RECORDs an H.264 track over TCP
// interleaved channels, a second session DESCRIBEs/SETUPs/PLAYs the same
// identifier, and two RTP packets written on the publisher's interleaved
// channel are observed, repacketized, and delivered to the subscriber on
// its own interleaved channel.
func TestSessionPublishThenSubscribeRTPInterleaved(t *testing.T) {
	hub := testHub(t)
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)

	pubServerConn, pubClientConn := testConnPair(t)
	pub := NewSession(pubServerConn, hub, "127.0.0.1", log)
	go pub.Run()
	defer pubClientConn.Close()

	announce := rtsp.NewRequest("ANNOUNCE", "rtsp://127.0.0.1/live/cam1", 1)
	announce.Body = []byte(testSDP)
	resp := driveClient(t, pubClientConn, announce)
	require.Equal(t, 200, resp.StatusCode)

	setupV := rtsp.NewRequest("SETUP", "rtsp://127.0.0.1/live/cam1/trackID=0", 2)
	setupV.Header["Transport"] = "RTP/AVP/TCP;unicast;interleaved=0-1"
	resp = driveClient(t, pubClientConn, setupV)
	require.Equal(t, 200, resp.StatusCode)
	pubSessionID := resp.Header["Session"]

	record := rtsp.NewRequest("RECORD", "rtsp://127.0.0.1/live/cam1", 3)
	record.Header["Session"] = pubSessionID
	resp = driveClient(t, pubClientConn, record)
	require.Equal(t, 200, resp.StatusCode)

	subServerConn, subClientConn := testConnPair(t)
	sub := NewSession(subServerConn, hub, "127.0.0.1", log)
	go sub.Run()
	defer subClientConn.Close()

	describe := rtsp.NewRequest("DESCRIBE", "rtsp://127.0.0.1/live/cam1", 1)
	resp = driveClient(t, subClientConn, describe)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "application/sdp", resp.Header["Content-Type"])

	subSetupV := rtsp.NewRequest("SETUP", "rtsp://127.0.0.1/live/cam1/trackID=0", 2)
	subSetupV.Header["Transport"] = "RTP/AVP/TCP;unicast;interleaved=4-5"
	resp = driveClient(t, subClientConn, subSetupV)
	require.Equal(t, 200, resp.StatusCode)
	subSessionID := resp.Header["Session"]

	play := rtsp.NewRequest("PLAY", "rtsp://127.0.0.1/live/cam1", 3)
	play.Header["Session"] = subSessionID
	resp = driveClient(t, subClientConn, play)
	require.Equal(t, 200, resp.StatusCode)

	keyframeNAL := []byte{0x65, 0xAA, 0xBB, 0xCC} // IDR slice NAL (type 5)
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 1000,
			Timestamp:      3000,
			SSRC:           0xCAFEBABE,
		},
		Payload: keyframeNAL,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	require.NoError(t, pubClientConn.WriteInterleavedFrame(0, raw))

	secondNAL := []byte{0x41, 0x01, 0x02} // non-IDR slice NAL (type 1)
	pkt2 := &rtp.Packet{
		Header: rtp.Header{
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 1001,
			Timestamp:      3090,
			SSRC:           0xCAFEBABE,
		},
		Payload: secondNAL,
	}
	raw2, err := pkt2.Marshal()
	require.NoError(t, err)
	require.NoError(t, pubClientConn.WriteInterleavedFrame(0, raw2))

	deadline := time.Now().Add(2 * time.Second)
	subClientConn.SetReadDeadline(deadline)

	var received []rtp.Packet
	for len(received) < 2 {
		_, frame, err := subClientConn.ReadNext()
		require.NoError(t, err)
		if frame == nil {
			continue
		}
		require.Equal(t, byte(4), frame.Channel)

		var out rtp.Packet
		require.NoError(t, out.Unmarshal(frame.Payload))
		received = append(received, out)
	}

	require.Equal(t, keyframeNAL, received[0].Payload)
	require.Equal(t, secondNAL, received[1].Payload)

	// Each emitted packet must carry a monotonically increasing sequence
	// number, independent of whatever sequence the publisher happened to
	// receive it on — this is the subscriber-side Track's own counter.
	require.Equal(t, received[0].SequenceNumber+1, received[1].SequenceNumber,
		"re-emitted packets must carry strictly incrementing RTP sequence numbers")
}
