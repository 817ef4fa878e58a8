package rtppayload

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func TestH264PackerSingleNALUNoFragmentation(t *testing.T) {
	packer := NewH264Packer()
	nalu := []byte{NALUTypePFrame, 1, 2, 3, 4, 5}

	packets, err := packer.Pack(annexB(nalu), 1000, 1400)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	require.True(t, packets[0].Marker)
	require.Equal(t, nalu, []byte(packets[0].Payload))
}

func TestH264UnpackerSingleNALU(t *testing.T) {
	u := NewH264Unpacker()
	nalu := []byte{NALUTypePFrame, 1, 2, 3}
	pkt := &rtp.Packet{Header: rtp.Header{Marker: true, Timestamp: 1000}, Payload: nalu}

	frames, err := u.Unpack(pkt)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.False(t, frames[0].Keyframe)
	require.EqualValues(t, 1000, frames[0].Timestamp)
	require.Equal(t, append([]byte{0, 0, 0, 1}, nalu...), frames[0].Data)
}

func TestH264PackUnpackRoundTripFUA(t *testing.T) {
	packer := NewH264Packer()
	unpacker := NewH264Unpacker()

	nalu := make([]byte, 5000)
	nalu[0] = NALUTypeIFrame
	for i := 1; i < len(nalu); i++ {
		nalu[i] = byte(i)
	}

	packets, err := packer.Pack(annexB(nalu), 7000, 1400)
	require.NoError(t, err)
	// ceil(5000 / (1400-12-2)) == 4 FU-A fragments.
	require.Len(t, packets, 4)
	require.True(t, packets[0].Payload[1]&0x80 != 0, "first fragment should have S bit set")
	require.True(t, packets[len(packets)-1].Payload[1]&0x40 != 0, "last fragment should have E bit set")
	require.True(t, packets[len(packets)-1].Marker)
	for _, mid := range packets[1 : len(packets)-1] {
		require.Zero(t, mid.Payload[1]&0xC0, "middle fragments must have neither S nor E bit")
	}

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

func TestH264UnpackerSTAPA(t *testing.T) {
	u := NewH264Unpacker()

	nalu1 := []byte{NALUTypeSPS, 1, 2, 3}
	nalu2 := []byte{NALUTypePPS, 4, 5}

	payload := []byte{NALUTypeSTAPA}
	payload = append(payload, byte(len(nalu1)>>8), byte(len(nalu1)))
	payload = append(payload, nalu1...)
	payload = append(payload, byte(len(nalu2)>>8), byte(len(nalu2)))
	payload = append(payload, nalu2...)

	pkt := &rtp.Packet{Header: rtp.Header{Marker: false, Timestamp: 1}, Payload: payload}
	frames, err := u.Unpack(pkt)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, append([]byte{0, 0, 0, 1}, nalu1...), frames[0].Data)
	require.Equal(t, append([]byte{0, 0, 0, 1}, nalu2...), frames[1].Data)
}
