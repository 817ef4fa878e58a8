package rtppayload

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestH265PackUnpackRoundTrip(t *testing.T) {
	packer := NewH265Packer()
	unpacker := NewH265Unpacker()

	nalu := make([]byte, 4000)
	nalu[0] = naluTypeIDRWRadl << 1
	nalu[1] = 1
	for i := 2; i < len(nalu); i++ {
		nalu[i] = byte(i)
	}

	packets, err := packer.Pack(annexB(nalu), 7000, 1400)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	var frames []*Frame
	for _, pkt := range packets {
		fs, err := unpacker.Unpack(pkt)
		require.NoError(t, err)
		frames = append(frames, fs...)
	}

	require.Len(t, frames, 1)
	require.True(t, frames[0].Keyframe)
	require.Equal(t, append([]byte{0, 0, 0, 1}, nalu...), frames[0].Data)
}

func TestH265UnpackerSingleNALU(t *testing.T) {
	u := NewH265Unpacker()
	payload := []byte{naluTypeVPS << 1, 1, 0xDE, 0xAD}
	pkt := &rtp.Packet{Header: rtp.Header{Marker: true, Timestamp: 100}, Payload: payload}

	frames, err := u.Unpack(pkt)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.False(t, frames[0].Keyframe)
}
