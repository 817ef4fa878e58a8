// Package rtspsession drives one RTSP TCP connection through the
// publisher/subscriber state machines, owning the connection's tracks and
// wiring their packers/unpackers to the stream hub. Grounded on
// pkg/rtsp/client.go's request/response loop (generalized from an outbound
// client to an inbound server) and setupTrack's transport-string
// construction.
package rtspsession

import (
	"fmt"
	"strconv"
	"strings"
)

// TransportMode distinguishes the negotiated carrier for RTP/RTCP.
type TransportMode int

const (
	TransportTCP TransportMode = iota
	TransportUDP
)

// Transport is the parsed/echoed form of an RTSP Transport header, covering
// the RTP/AVP;unicast and RTP/AVP/TCP;interleaved token shapes this gateway
// recognizes.
type Transport struct {
	Mode TransportMode

	Multicast bool

	// TCP
	InterleavedRTP, InterleavedRTCP byte

	// UDP
	ClientRTPPort, ClientRTCPPort uint16
	ServerRTPPort, ServerRTCPPort uint16

	SSRC uint32
}

// ParseTransport parses a Transport header value, e.g.
// "RTP/AVP/TCP;unicast;interleaved=0-1" or
// "RTP/AVP/UDP;unicast;client_port=6970-6971".
func ParseTransport(header string) (Transport, error) {
	var t Transport
	parts := strings.Split(header, ";")
	if len(parts) == 0 {
		return t, fmt.Errorf("rtspsession: empty Transport header")
	}

	switch strings.ToUpper(strings.TrimSpace(parts[0])) {
	case "RTP/AVP", "RTP/AVP/UDP":
		t.Mode = TransportUDP
	case "RTP/AVP/TCP":
		t.Mode = TransportTCP
	default:
		return t, fmt.Errorf("rtspsession: unrecognized transport protocol %q", parts[0])
	}

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		switch {
		case p == "unicast":
		case p == "multicast":
			t.Multicast = true
		case strings.HasPrefix(p, "mode="):
		case strings.HasPrefix(p, "interleaved="):
			a, b, err := parsePortPair(p[len("interleaved="):])
			if err != nil {
				return t, err
			}
			t.InterleavedRTP, t.InterleavedRTCP = byte(a), byte(b)
		case strings.HasPrefix(p, "client_port="):
			a, b, err := parsePortPair(p[len("client_port="):])
			if err != nil {
				return t, err
			}
			t.ClientRTPPort, t.ClientRTCPPort = uint16(a), uint16(b)
		case strings.HasPrefix(p, "server_port="):
			a, b, err := parsePortPair(p[len("server_port="):])
			if err != nil {
				return t, err
			}
			t.ServerRTPPort, t.ServerRTCPPort = uint16(a), uint16(b)
		case strings.HasPrefix(p, "ssrc="):
			v, err := strconv.ParseUint(p[len("ssrc="):], 16, 32)
			if err != nil {
				return t, fmt.Errorf("rtspsession: bad ssrc: %w", err)
			}
			t.SSRC = uint32(v)
		}
	}

	return t, nil
}

func parsePortPair(s string) (int, int, error) {
	idx := strings.IndexByte(s, '-')
	if idx < 0 {
		a, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, fmt.Errorf("rtspsession: bad port pair %q: %w", s, err)
		}
		return a, a + 1, nil
	}
	a, err := strconv.Atoi(s[:idx])
	if err != nil {
		return 0, 0, fmt.Errorf("rtspsession: bad port pair %q: %w", s, err)
	}
	b, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("rtspsession: bad port pair %q: %w", s, err)
	}
	return a, b, nil
}

// String renders the echoed Transport header sent back in a SETUP 200
// response, mirroring setupTrack's string-building pattern.
func (t Transport) String() string {
	switch t.Mode {
	case TransportTCP:
		return fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", t.InterleavedRTP, t.InterleavedRTCP)
	default:
		return fmt.Sprintf("RTP/AVP/UDP;unicast;client_port=%d-%d;server_port=%d-%d",
			t.ClientRTPPort, t.ClientRTCPPort, t.ServerRTPPort, t.ServerRTCPPort)
	}
}
