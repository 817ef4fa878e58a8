package rtspsession

import (
	"math/rand/v2"

	"github.com/gtfo/streamgw/pkg/rtcpctx"
	"github.com/gtfo/streamgw/pkg/rtppayload"
	"github.com/gtfo/streamgw/pkg/sdp"
)

// TrackKind distinguishes a negotiated track's media type.
type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

// Track is a session's per-media-type entity: codec info, negotiated
// transport, and the RTP channel (packer+unpacker+rtcp context) bound to
// it. The session owns its tracks for the session's entire lifetime; the
// packer holds no reference to the session's connection: it returns
// packets, and the session writes them.
type Track struct {
	Kind      TrackKind
	Codec     sdp.Codec
	PayloadID uint8
	ClockRate uint32
	Control   string

	SSRC uint32

	// InitSeq is the randomly chosen starting RTP sequence number (data
	// model's "init_seq"), recorded so the first emitted packet's sequence
	// is observable independent of how many packets have been sent since.
	InitSeq uint16
	seq     uint16

	Transport Transport

	Unpacker rtppayload.Unpacker
	Packer   rtppayload.Packer

	RTCP *rtcpctx.ReceiverContext

	// SequenceHeader holds a decoder configuration payload (AVC/HEVC
	// decoder config record or AAC AudioSpecificConfig) for this track.
	// Nothing in this package sets or reads it, and published frames do
	// not carry it.
	SequenceHeader []byte
}

// nextSequence returns the next RTP sequence number to stamp on an emitted
// packet, starting from InitSeq and incrementing modulo 2^16 thereafter
// (Go's uint16 wraparound does this for free) — spec.md's "each emitted
// packet carries a monotonically increasing sequence."
func (t *Track) nextSequence() uint16 {
	seq := t.seq
	t.seq++
	return seq
}

func newTrack(sdpTrack sdp.Track) *Track {
	kind := TrackAudio
	if sdpTrack.Type == "video" {
		kind = TrackVideo
	}

	initSeq := uint16(rand.Uint32())

	t := &Track{
		Kind:      kind,
		Codec:     sdpTrack.Codec,
		PayloadID: sdpTrack.PayloadType,
		ClockRate: sdpTrack.ClockRate,
		Control:   sdpTrack.Control,
		SSRC:      rand.Uint32(),
		InitSeq:   initSeq,
		seq:       initSeq,
		RTCP:      rtcpctx.New(0, sdpTrack.ClockRate),
	}

	switch sdpTrack.Codec {
	case sdp.CodecH264:
		t.Unpacker = rtppayload.NewH264Unpacker()
		t.Packer = rtppayload.NewH264Packer()
	case sdp.CodecH265:
		t.Unpacker = rtppayload.NewH265Unpacker()
		t.Packer = rtppayload.NewH265Packer()
	case sdp.CodecAAC:
		t.Unpacker = rtppayload.NewAACUnpacker()
		t.Packer = rtppayload.NewAACPacker()
	}

	return t
}
