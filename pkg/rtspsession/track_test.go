package rtspsession

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gtfo/streamgw/pkg/sdp"
)

func TestTrackSequenceNumbersAreMonotonicAndWrap(t *testing.T) {
	track := newTrack(sdp.Track{Type: "video", Codec: sdp.CodecH264, PayloadType: 96, ClockRate: 90000, Control: "trackID=0"})

	track.seq = 0xFFFE // force the mod-2^16 wraparound within a few calls

	require.Equal(t, uint16(0xFFFE), track.nextSequence())
	require.Equal(t, uint16(0xFFFF), track.nextSequence())
	require.Equal(t, uint16(0), track.nextSequence(), "sequence must wrap modulo 2^16, not overflow")
	require.Equal(t, uint16(1), track.nextSequence())
}

func TestNewTrackSeedsDistinctSSRCAndInitSeq(t *testing.T) {
	a := newTrack(sdp.Track{Type: "video", Codec: sdp.CodecH264, PayloadType: 96, ClockRate: 90000})
	b := newTrack(sdp.Track{Type: "video", Codec: sdp.CodecH264, PayloadType: 96, ClockRate: 90000})

	require.NotEqual(t, uint32(0), a.SSRC, "SSRC must not be left at the zero value")
	require.NotEqual(t, a.SSRC, b.SSRC, "two tracks should not collide on a random SSRC")
	require.Equal(t, a.InitSeq, a.seq, "seq starts at the recorded InitSeq")
}
