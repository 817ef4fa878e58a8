package rtspsession

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/gtfo/streamgw/pkg/config"
	"github.com/gtfo/streamgw/pkg/ioframed"
	"github.com/gtfo/streamgw/pkg/logger"
	"github.com/gtfo/streamgw/pkg/rtsp"
	"github.com/gtfo/streamgw/pkg/sdp"
	"github.com/gtfo/streamgw/pkg/streamhub"
)

// keepaliveInterval mirrors the interval pkg/rtsp/client.go used to keep a
// Nest-style camera's session alive between RTP packets.
const keepaliveInterval = 25 * time.Second

// rtpReadBudget bounds one ioframed.ReadTimeout wait on a track's RTP
// socket; the loop just retries on a timeout, the way the former client's
// ReadPackets loop reset its read deadline every iteration.
const rtpReadBudget = 10 * time.Second

// udpTrackConn is one negotiated track's pull-side RTP/RTCP socket pair.
type udpTrackConn struct {
	track *Track
	rtp   *ioframed.UDPFramedIO
	rtcp  *ioframed.UDPFramedIO
}

// Puller pulls an RTSP stream from an external source and republishes it
// into the hub under a local identifier, the gateway's own egress-pull
// path. It replaces pkg/rtsp/client.go's outbound-only Client: where that
// type spoke interleaved-TCP RTP and logged through log/slog, Puller
// negotiates UDP transport for the media plane (wired through
// pkg/ioframed, which that client never used) and drives its control
// plane through pkg/rtsp.Conn — the same codec pkg/rtspsession's inbound
// server side uses — logging through the gateway's zerolog-backed
// pkg/logger.
type Puller struct {
	rtspURL string
	auth    config.AuthConfig
	hub     *streamhub.Hub
	log     *logger.Logger

	identifier  streamhub.Identifier
	publisherID uuid.UUID

	conn    *rtsp.Conn
	baseURL string

	cseqMu  sync.Mutex
	cseq    int
	session string

	tracks       []*Track
	udpConns     []*udpTrackConn
	announcedSDP []byte
}

// NewPuller builds a Puller that will pull rtspURL and publish it under
// localPath in hub's KindRTSP namespace once Run is called.
func NewPuller(rtspURL, localPath string, hub *streamhub.Hub, auth config.AuthConfig, log *logger.Logger) *Puller {
	return &Puller{
		rtspURL:     rtspURL,
		auth:        auth,
		hub:         hub,
		log:         log,
		identifier:  streamhub.Identifier{Kind: streamhub.KindRTSP, Path: localPath},
		publisherID: uuid.New(),
	}
}

// Describe implements streamhub.StreamHandler, returning the SDP this
// puller received from the origin server's DESCRIBE response.
func (p *Puller) Describe() []byte {
	return p.announcedSDP
}

// Run connects, negotiates every track, publishes into the hub, and pumps
// RTP until ctx is done or the connection fails. It always tears down
// (TEARDOWN, socket close, hub.Unpublish) before returning.
func (p *Puller) Run(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	defer p.teardown()

	if err := p.describe(); err != nil {
		return err
	}

	if err := p.hub.Publish(p.identifier, streamhub.PublisherInfo{
		ID:         p.publisherID,
		Kind:       streamhub.PushRTSP,
		RemoteAddr: p.conn.RemoteAddr().String(),
	}, p); err != nil {
		return fmt.Errorf("rtspsession: puller: publish %s: %w", p.identifier, err)
	}

	udpConns, err := p.setupTracks()
	if err != nil {
		return err
	}
	p.udpConns = udpConns

	if err := p.play(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.startKeepalive(runCtx)

	var wg sync.WaitGroup
	for _, uc := range udpConns {
		wg.Add(1)
		go func(uc *udpTrackConn) {
			defer wg.Done()
			p.receiveRTP(runCtx, uc)
		}(uc)
	}

	// ReadTimeout only returns between polls of its own budget, so closing
	// the sockets on cancellation is what actually unblocks receiveRTP
	// promptly instead of leaving it to wait out rtpReadBudget.
	<-ctx.Done()
	cancel()
	for _, uc := range udpConns {
		uc.rtp.Close()
		uc.rtcp.Close()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Puller) connect(ctx context.Context) error {
	u, err := url.Parse(p.rtspURL)
	if err != nil {
		return fmt.Errorf("rtspsession: puller: parse url: %w", err)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "rtsps" {
			port = "443"
		} else {
			port = "554"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	var netConn net.Conn
	if u.Scheme == "rtsps" {
		netConn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: u.Hostname()})
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("rtspsession: puller: dial %s: %w", addr, err)
	}

	p.conn = rtsp.NewConn(netConn)
	p.log.Info().Str("remote", netConn.RemoteAddr().String()).Msg("puller connected")

	if _, err := p.roundTrip("OPTIONS", p.rtspURL, nil); err != nil {
		return fmt.Errorf("rtspsession: puller: OPTIONS: %w", err)
	}
	return nil
}

func (p *Puller) describe() error {
	headers := map[string]string{"Accept": "application/sdp"}
	if p.auth.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(p.auth.Username + ":" + p.auth.Password))
		headers["Authorization"] = "Basic " + token
	}

	msg, err := p.roundTrip("DESCRIBE", p.rtspURL, headers)
	if err != nil {
		return fmt.Errorf("rtspsession: puller: DESCRIBE: %w", err)
	}

	if cb := msg.Header["Content-Base"]; cb != "" {
		p.baseURL = strings.TrimSpace(cb)
	} else {
		p.baseURL = p.rtspURL
	}

	p.announcedSDP = msg.Body
	parsed, err := sdp.Parse(msg.Body)
	if err != nil {
		return fmt.Errorf("rtspsession: puller: parse sdp: %w", err)
	}

	for _, st := range parsed.Tracks {
		p.tracks = append(p.tracks, newTrack(st))
	}
	return nil
}

// trackControlURL resolves a track's a=control attribute against the
// origin's Content-Base, the way pkg/rtsp/client.go's setupTrack did.
func (p *Puller) trackControlURL(track *Track) string {
	if strings.HasPrefix(track.Control, "rtsp://") || strings.HasPrefix(track.Control, "rtsps://") {
		return track.Control
	}
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return p.baseURL
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.Path += strings.TrimPrefix(track.Control, "/")
	return u.String()
}

// setupTracks negotiates UDP transport for every track: it binds a local
// RTP/RTCP socket pair per track and SETUPs it with the origin server,
// wrapping the bound sockets in ioframed.UDPFramedIO for the receive loop.
func (p *Puller) setupTracks() ([]*udpTrackConn, error) {
	var out []*udpTrackConn
	for _, t := range p.tracks {
		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return nil, fmt.Errorf("rtspsession: puller: bind rtp udp: %w", err)
		}
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			rtpConn.Close()
			return nil, fmt.Errorf("rtspsession: puller: bind rtcp udp: %w", err)
		}

		clientRTP := rtpConn.LocalAddr().(*net.UDPAddr).Port
		clientRTCP := rtcpConn.LocalAddr().(*net.UDPAddr).Port

		transportHeader := fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", clientRTP, clientRTCP)
		controlURL := p.trackControlURL(t)

		if _, err := p.roundTrip("SETUP", controlURL, map[string]string{"Transport": transportHeader}); err != nil {
			rtpConn.Close()
			rtcpConn.Close()
			return nil, fmt.Errorf("rtspsession: puller: SETUP %s: %w", t.Control, err)
		}

		p.log.DebugRTSP("puller track set up", "control", t.Control, "client_rtp_port", clientRTP)

		out = append(out, &udpTrackConn{
			track: t,
			rtp:   ioframed.NewUDPFramedIO(rtpConn, nil),
			rtcp:  ioframed.NewUDPFramedIO(rtcpConn, nil),
		})
	}
	return out, nil
}

func (p *Puller) play() error {
	playURL := p.baseURL
	if u, err := url.Parse(playURL); err == nil {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		playURL = u.String()
	}

	if _, err := p.roundTrip("PLAY", playURL, map[string]string{"Range": "npt=0.000-"}); err != nil {
		return fmt.Errorf("rtspsession: puller: PLAY: %w", err)
	}
	return nil
}

// startKeepalive sends a periodic OPTIONS on the control connection so an
// origin server that expects one (go2rtc-style cameras are the grounding
// case) doesn't tear the session down for inactivity; it stops silently on
// the first write failure, since Run's receive loops will observe the
// connection going away on their own.
func (p *Puller) startKeepalive(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.roundTrip("OPTIONS", p.rtspURL, nil); err != nil {
					p.log.DebugRTSP("puller keepalive failed", "error", err)
					return
				}
			}
		}
	}()
}

// receiveRTP pumps one track's bound RTP socket until ctx is done: unpack
// each datagram with the track's codec unpacker and forward every decoded
// frame into the hub under the puller's identifier.
func (p *Puller) receiveRTP(ctx context.Context, uc *udpTrackConn) {
	kind := streamhub.FrameAudio
	if uc.track.Kind == TrackVideo {
		kind = streamhub.FrameVideo
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := uc.rtp.ReadTimeout(rtpReadBudget)
		if err != nil {
			if errors.Is(err, ioframed.ErrTimeout) {
				continue
			}
			p.log.DebugRTSP("puller rtp read failed", "error", err)
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(data); err != nil {
			continue
		}

		frames, err := uc.track.Unpacker.Unpack(pkt)
		if err != nil {
			p.log.DebugRTSP("puller unpack failed", "error", err)
			continue
		}

		for _, f := range frames {
			isKeyframe := kind == streamhub.FrameVideo && f.Keyframe
			_ = p.hub.PublishFrame(p.identifier, streamhub.FrameData{
				Kind:       kind,
				Timestamp:  f.Timestamp,
				Payload:    f.Data,
				IsKeyframe: isKeyframe,
			})
		}
	}
}

func (p *Puller) teardown() {
	if p.conn != nil {
		_, _ = p.roundTrip("TEARDOWN", p.rtspURL, nil)
		p.conn.Close()
	}
	for _, uc := range p.udpConns {
		uc.rtp.Close()
		uc.rtcp.Close()
	}
	p.hub.Unpublish(p.identifier, streamhub.PublisherInfo{ID: p.publisherID})
}

// roundTrip sends one request on the control connection and waits for its
// response, folding in the negotiated Session header once SETUP has
// assigned one.
func (p *Puller) roundTrip(method, rawURL string, headers map[string]string) (*rtsp.Message, error) {
	p.cseqMu.Lock()
	p.cseq++
	cseq := p.cseq
	p.cseqMu.Unlock()

	req := rtsp.NewRequest(method, rawURL, cseq)
	for k, v := range headers {
		req.Header[k] = v
	}
	if p.session != "" {
		req.Header["Session"] = p.session
	}

	if err := p.conn.WriteMessage(req); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	msg, frame, err := p.conn.ReadNext()
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if frame != nil {
		return nil, fmt.Errorf("unexpected interleaved frame before PLAY")
	}
	if msg.StatusCode != 200 {
		return nil, fmt.Errorf("%s %s: %d %s", method, rawURL, msg.StatusCode, msg.Reason)
	}

	if sess := msg.Header["Session"]; sess != "" && p.session == "" {
		if idx := strings.IndexByte(sess, ';'); idx > 0 {
			p.session = sess[:idx]
		} else {
			p.session = sess
		}
	}

	return msg, nil
}
