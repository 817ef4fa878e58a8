package rtspsession

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/gtfo/streamgw/pkg/logger"
	"github.com/gtfo/streamgw/pkg/rtsp"
	"github.com/gtfo/streamgw/pkg/sdp"
	"github.com/gtfo/streamgw/pkg/streamhub"
)

// State is the session's position in the RTSP publisher/subscriber flow:
// OPTIONS is valid in any state; the rest gate on it.
type State int

const (
	StateInit State = iota
	StateDescribed
	StateAnnounced
	StateSetUp
	StateRecording
	StatePlaying
)

// Role distinguishes which half of the flow this connection is driving.
type Role int

const (
	RoleUnknown Role = iota
	RolePublisher
	RoleSubscriber
)

var allMethods = "OPTIONS, DESCRIBE, ANNOUNCE, SETUP, PLAY, RECORD, TEARDOWN"

// Session drives one RTSP TCP connection end to end: it owns the
// connection's tracks, the negotiated session id, and the hub
// subscription/publication that connection's RECORD or PLAY establishes.
// Grounded on pkg/rtsp/client.go's connection-owning loop, turned
// inside-out from an outbound client into an inbound server.
type Session struct {
	conn *rtsp.Conn
	hub  *streamhub.Hub
	log  *logger.Logger

	serverAddr string

	mu         sync.Mutex
	state      State
	role       Role
	sessionID  string
	identifier streamhub.Identifier

	tracks       []*Track
	tracksByCtrl map[string]*Track
	// tracksByChannel indexes by interleaved RTP channel for inbound frame
	// routing; RTCP for a track arrives on RTP channel + 1.
	tracksByChannel map[byte]*Track

	announcedSDP []byte

	subscriberID uuid.UUID
	sinkDone     chan struct{}
}

// NewSession wraps an accepted connection. serverAddr is advertised in SDP
// origin/connection lines this session builds for DESCRIBE responses.
func NewSession(conn *rtsp.Conn, hub *streamhub.Hub, serverAddr string, log *logger.Logger) *Session {
	return &Session{
		conn:            conn,
		hub:             hub,
		log:             log,
		serverAddr:      serverAddr,
		state:           StateInit,
		tracksByCtrl:    make(map[string]*Track),
		tracksByChannel: make(map[byte]*Track),
	}
}

// Describe implements streamhub.StreamHandler for a publishing session: it
// hands back the SDP this session ANNOUNCEd, so another session's DESCRIBE
// of the same identifier can retrieve it through the hub's Request event.
func (s *Session) Describe() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announcedSDP
}

// Run drives the connection until it closes or a fatal error occurs,
// dispatching each unit ReadNext decodes to the message or frame handler.
func (s *Session) Run() error {
	defer s.teardown()

	for {
		msg, frame, err := s.conn.ReadNext()
		if err != nil {
			return err
		}

		if frame != nil {
			s.handleInterleavedFrame(frame)
			continue
		}

		if msg != nil && msg.IsRequest {
			resp := s.handleRequest(msg)
			if err := s.conn.WriteMessage(resp); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleRequest(req *rtsp.Message) *rtsp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case "OPTIONS":
		return s.handleOptions(req)
	case "DESCRIBE":
		return s.handleDescribe(req)
	case "ANNOUNCE":
		return s.handleAnnounce(req)
	case "SETUP":
		return s.handleSetup(req)
	case "RECORD":
		return s.handleRecord(req)
	case "PLAY":
		return s.handlePlay(req)
	case "TEARDOWN":
		return s.handleTeardownRequest(req)
	default:
		return errorResponse(req.CSeq, 501)
	}
}

func errorResponse(cseq, code int) *rtsp.Message {
	return rtsp.NewResponse(cseq, code, "")
}

func (s *Session) handleOptions(req *rtsp.Message) *rtsp.Message {
	resp := rtsp.NewResponse(req.CSeq, 200, "")
	resp.Header["Public"] = allMethods
	return resp
}

func (s *Session) handleDescribe(req *rtsp.Message) *rtsp.Message {
	identifier := streamhub.Identifier{Kind: streamhub.KindRTSP, Path: streamPath(req.URL)}

	sdpBytes, err := s.hub.Request(identifier)
	if err != nil {
		return errorResponse(req.CSeq, 404)
	}

	parsed, err := sdp.Parse(sdpBytes)
	if err != nil {
		return errorResponse(req.CSeq, 400)
	}

	s.identifier = identifier
	s.role = RoleSubscriber
	s.tracks = nil
	s.tracksByCtrl = make(map[string]*Track)
	for _, st := range parsed.Tracks {
		t := newTrack(st)
		s.tracks = append(s.tracks, t)
		s.tracksByCtrl[st.Control] = t
	}
	s.state = StateDescribed

	resp := rtsp.NewResponse(req.CSeq, 200, "")
	resp.Header["Content-Type"] = "application/sdp"
	resp.Body = sdpBytes
	return resp
}

func (s *Session) handleAnnounce(req *rtsp.Message) *rtsp.Message {
	if len(req.Body) == 0 {
		return errorResponse(req.CSeq, 400)
	}

	parsed, err := sdp.Parse(req.Body)
	if err != nil {
		return errorResponse(req.CSeq, 400)
	}

	s.announcedSDP = req.Body
	s.identifier = streamhub.Identifier{Kind: streamhub.KindRTSP, Path: streamPath(req.URL)}
	s.role = RolePublisher
	s.tracks = nil
	s.tracksByCtrl = make(map[string]*Track)
	for _, st := range parsed.Tracks {
		t := newTrack(st)
		s.tracks = append(s.tracks, t)
		s.tracksByCtrl[st.Control] = t
	}

	if err := s.hub.Publish(s.identifier, streamhub.PublisherInfo{ID: s.publisherID(), RemoteAddr: s.conn.RemoteAddr().String()}, s); err != nil {
		return errorResponse(req.CSeq, 455)
	}

	s.state = StateAnnounced
	return rtsp.NewResponse(req.CSeq, 200, "")
}

func (s *Session) publisherID() uuid.UUID {
	if s.subscriberID == uuid.Nil {
		s.subscriberID = uuid.New()
	}
	return s.subscriberID
}

func (s *Session) handleSetup(req *rtsp.Message) *rtsp.Message {
	if s.role == RolePublisher && s.state != StateAnnounced && s.state != StateSetUp {
		return errorResponse(req.CSeq, 455)
	}
	if s.role == RoleSubscriber && s.state != StateDescribed && s.state != StateSetUp {
		return errorResponse(req.CSeq, 455)
	}

	transportHeader, ok := req.Header["Transport"]
	if !ok {
		return errorResponse(req.CSeq, 461)
	}

	transport, err := ParseTransport(transportHeader)
	if err != nil {
		return errorResponse(req.CSeq, 461)
	}

	track := s.trackForSetupURL(req.URL)
	if track == nil {
		return errorResponse(req.CSeq, 404)
	}

	if s.sessionID == "" {
		s.sessionID = generateSessionID()
	}

	if transport.Mode == TransportTCP {
		s.tracksByChannel[transport.InterleavedRTP] = track
		s.tracksByChannel[transport.InterleavedRTCP] = track
	} else {
		if err := bindUDPTransport(&transport); err != nil {
			return errorResponse(req.CSeq, 461)
		}
	}
	track.Transport = transport

	s.state = StateSetUp

	resp := rtsp.NewResponse(req.CSeq, 200, "")
	resp.Header["Transport"] = transport.String()
	resp.Header["Session"] = s.sessionID
	return resp
}

func (s *Session) trackForSetupURL(setupURL string) *Track {
	for ctrl, t := range s.tracksByCtrl {
		if strings.HasSuffix(setupURL, ctrl) {
			return t
		}
	}
	return nil
}

func bindUDPTransport(t *Transport) error {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("rtspsession: bind rtp udp: %w", err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		rtpConn.Close()
		return fmt.Errorf("rtspsession: bind rtcp udp: %w", err)
	}

	t.ServerRTPPort = uint16(rtpConn.LocalAddr().(*net.UDPAddr).Port)
	t.ServerRTCPPort = uint16(rtcpConn.LocalAddr().(*net.UDPAddr).Port)
	return nil
}

func (s *Session) handleRecord(req *rtsp.Message) *rtsp.Message {
	if s.role != RolePublisher || s.state != StateSetUp {
		return errorResponse(req.CSeq, 455)
	}

	s.state = StateRecording

	resp := rtsp.NewResponse(req.CSeq, 200, "")
	resp.Header["Range"] = "npt=0.000-"
	resp.Header["Session"] = s.sessionID
	return resp
}

func (s *Session) handlePlay(req *rtsp.Message) *rtsp.Message {
	if s.role != RoleSubscriber || s.state != StateSetUp {
		return errorResponse(req.CSeq, 455)
	}

	s.subscriberID = uuid.New()
	sink, err := s.hub.Subscribe(s.identifier, streamhub.SubscriberInfo{
		ID:         s.subscriberID,
		Kind:       streamhub.PlayerRTSP,
		RemoteAddr: s.conn.RemoteAddr().String(),
	})
	if err != nil {
		return errorResponse(req.CSeq, 404)
	}

	s.state = StatePlaying
	s.sinkDone = make(chan struct{})
	go s.pumpSubscriberFrames(sink, s.sinkDone)

	resp := rtsp.NewResponse(req.CSeq, 200, "")
	resp.Header["Session"] = s.sessionID
	return resp
}

func (s *Session) pumpSubscriberFrames(sink streamhub.FrameSink, done chan struct{}) {
	defer close(done)
	for frame := range sink {
		track := s.trackForFrame(frame)
		if track == nil || track.Packer == nil {
			continue
		}

		packets, err := track.Packer.Pack(frame.Payload, frame.Timestamp, defaultMTU)
		if err != nil {
			s.log.DebugRTSP("pack failed", "error", err)
			continue
		}

		for _, pkt := range packets {
			pkt.PayloadType = track.PayloadID
			pkt.SSRC = track.SSRC
			pkt.SequenceNumber = track.nextSequence()
			raw, err := pkt.Marshal()
			if err != nil {
				continue
			}
			if track.Transport.Mode == TransportTCP {
				_ = s.conn.WriteInterleavedFrame(track.Transport.InterleavedRTP, raw)
			}
		}
	}
}

func (s *Session) trackForFrame(frame streamhub.FrameData) *Track {
	for _, t := range s.tracks {
		if (frame.Kind == streamhub.FrameAudio && t.Kind == TrackAudio) ||
			(frame.Kind == streamhub.FrameVideo && t.Kind == TrackVideo) {
			return t
		}
	}
	return nil
}

func (s *Session) handleTeardownRequest(req *rtsp.Message) *rtsp.Message {
	s.teardownLocked()
	return rtsp.NewResponse(req.CSeq, 200, "")
}

// teardown is called on connection close (Run's deferred cleanup); it takes
// the lock itself, unlike teardownLocked.
func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	switch s.role {
	case RolePublisher:
		s.hub.Unpublish(s.identifier, streamhub.PublisherInfo{ID: s.subscriberID})
	case RoleSubscriber:
		if s.subscriberID != uuid.Nil {
			s.hub.Unsubscribe(s.identifier, s.subscriberID)
		}
	}
	s.state = StateInit
}

func (s *Session) handleInterleavedFrame(frame *rtsp.InterleavedFrame) {
	s.mu.Lock()
	track, ok := s.tracksByChannel[frame.Channel]
	recording := s.state == StateRecording
	identifier := s.identifier
	s.mu.Unlock()

	if !ok || !recording || track.Unpacker == nil {
		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(frame.Payload); err != nil {
		return
	}

	frames, err := track.Unpacker.Unpack(pkt)
	if err != nil {
		s.log.DebugRTSP("unpack failed", "channel", frame.Channel, "error", err)
		return
	}

	kind := streamhub.FrameAudio
	if track.Kind == TrackVideo {
		kind = streamhub.FrameVideo
	}

	for _, f := range frames {
		isKeyframe := kind == streamhub.FrameVideo && f.Keyframe
		_ = s.hub.PublishFrame(identifier, streamhub.FrameData{
			Kind:       kind,
			Timestamp:  f.Timestamp,
			Payload:    f.Data,
			IsKeyframe: isKeyframe,
		})
	}
}

const defaultMTU = 1400

func streamPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

func generateSessionID() string {
	var digits strings.Builder
	for i := 0; i < 10; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			digits.WriteByte('0')
			continue
		}
		digits.WriteString(strconv.FormatInt(n.Int64(), 10))
	}
	return digits.String()
}
