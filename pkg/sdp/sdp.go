// Package sdp builds and parses the Session Description Protocol payloads
// exchanged on RTSP DESCRIBE/ANNOUNCE, wrapping github.com/pion/sdp/v3 for
// the envelope (origin, session/media-level attributes, marshal/unmarshal)
// and adding the per-codec fmtp dispatch (H.264 sprop-parameter-sets, H.265
// sprop-vps/sps/pps, AAC mode=AAC-hbr) that pion/sdp/v3 leaves as opaque
// attribute strings. Grounded on the sdp/ directory of the original_source
// reference (rtsp_codec_info.rs equivalents for H.264/H.265/AAC fmtp) for
// the codec parameter shapes.
package sdp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// Codec identifies a negotiated media codec by its SDP rtpmap encoding name.
type Codec string

const (
	CodecH264 Codec = "H264"
	CodecH265 Codec = "H265"
	CodecAAC  Codec = "MPEG4-GENERIC"
)

// Track describes one negotiated media stream within a session: its RTP
// payload type, clock rate, control attribute, and codec-specific
// parameters needed to reconstruct a decoder configuration record.
type Track struct {
	Type        string // "video" or "audio"
	Codec       Codec
	PayloadType uint8
	ClockRate   uint32
	Control     string // the value of a=control, e.g. "trackID=0"

	// H.264/H.265 parameter sets, each a raw NAL unit (no start code, no
	// AVCC length prefix) — exactly what sprop-parameter-sets/sprop-vps/
	// sprop-sps/sprop-pps carry base64-encoded.
	SPS []byte
	PPS []byte
	VPS []byte

	// AACConfig is the raw AudioSpecificConfig carried hex-encoded in the
	// AAC fmtp's config parameter.
	AACConfig []byte
}

// Session is the gateway's codec-agnostic view of an SDP document: a name,
// the server-side origin address, and the negotiated tracks.
type Session struct {
	Name    string
	Address string // unicast address advertised in o= and c=
	Tracks  []Track
}

// Build renders sess into a *psdp.SessionDescription ready for Marshal.
func Build(sess Session) (*psdp.SessionDescription, error) {
	sessionID := randomSessionID()

	desc := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: sess.Address,
		},
		SessionName: psdp.SessionName(sess.Name),
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	for _, track := range sess.Tracks {
		md, err := buildMediaDescription(track)
		if err != nil {
			return nil, fmt.Errorf("sdp: build track %s: %w", track.Type, err)
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	return desc, nil
}

// Marshal builds sess and renders it to wire bytes.
func Marshal(sess Session) ([]byte, error) {
	desc, err := Build(sess)
	if err != nil {
		return nil, err
	}
	return desc.Marshal()
}

func buildMediaDescription(track Track) (*psdp.MediaDescription, error) {
	pt := strconv.Itoa(int(track.PayloadType))

	md := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   track.Type,
			Port:    psdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
	}

	rtpmap := fmt.Sprintf("%s %s/%d", pt, track.Codec, track.ClockRate)
	if track.Codec == CodecAAC {
		rtpmap = fmt.Sprintf("%s %s/%d/2", pt, track.Codec, track.ClockRate)
	}
	md = md.WithValueAttribute("rtpmap", rtpmap)

	fmtp, err := buildFmtp(pt, track)
	if err != nil {
		return nil, err
	}
	if fmtp != "" {
		md = md.WithValueAttribute("fmtp", fmtp)
	}

	if track.Control != "" {
		md = md.WithValueAttribute("control", track.Control)
	}

	return md, nil
}

// Parse decodes an SDP document into the gateway's Session view.
func Parse(data []byte) (Session, error) {
	var desc psdp.SessionDescription
	if err := desc.Unmarshal(data); err != nil {
		return Session{}, fmt.Errorf("sdp: unmarshal: %w", err)
	}

	sess := Session{Name: string(desc.SessionName)}
	if desc.Origin.UnicastAddress != "" {
		sess.Address = desc.Origin.UnicastAddress
	}

	for _, md := range desc.MediaDescriptions {
		track, err := parseMediaDescription(md)
		if err != nil {
			return Session{}, fmt.Errorf("sdp: parse track %s: %w", md.MediaName.Media, err)
		}
		sess.Tracks = append(sess.Tracks, track)
	}

	return sess, nil
}

func parseMediaDescription(md *psdp.MediaDescription) (Track, error) {
	track := Track{Type: md.MediaName.Media}

	if len(md.MediaName.Formats) == 0 {
		return track, fmt.Errorf("media has no payload type")
	}
	pt, err := strconv.Atoi(md.MediaName.Formats[0])
	if err != nil {
		return track, fmt.Errorf("invalid payload type %q: %w", md.MediaName.Formats[0], err)
	}
	track.PayloadType = uint8(pt)

	if rtpmap, ok := md.Attribute("rtpmap"); ok {
		codec, clock, err := parseRtpmap(rtpmap)
		if err != nil {
			return track, err
		}
		track.Codec = codec
		track.ClockRate = clock
	}

	if control, ok := md.Attribute("control"); ok {
		track.Control = control
	}

	if fmtp, ok := md.Attribute("fmtp"); ok {
		if err := parseFmtp(fmtp, &track); err != nil {
			return track, err
		}
	}

	return track, nil
}

// parseRtpmap extracts the codec name and clock rate from an rtpmap value
// of the form "<payload-type> <encoding>/<clock-rate>[/<channels>]".
func parseRtpmap(value string) (Codec, uint32, error) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("malformed rtpmap %q", value)
	}

	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("malformed rtpmap encoding %q", fields[1])
	}

	clock, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid clock rate in rtpmap %q: %w", value, err)
	}

	return Codec(strings.ToUpper(parts[0])), uint32(clock), nil
}

func randomSessionID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	var id uint64
	for _, b := range buf {
		id = (id << 8) | uint64(b)
	}
	return id & 0x7FFFFFFFFFFFFFFF
}

func encodeB64(nalu []byte) string {
	return base64.StdEncoding.EncodeToString(nalu)
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
