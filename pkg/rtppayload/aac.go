package rtppayload

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// AACClockRate is the RTP clock rate this gateway assumes for AAC streams
// announced without an explicit rate (48 kHz, the common camera default).
const AACClockRate = 48000

// aacSizeLengthBits describes the AU-header-mode negotiation this gateway
// implements: sizelength=13, indexlength=3, indexdeltalength=3, matching the
// fmtp pkg/rtp/aac.go's AACProcessor assumed implicitly and that pkg/sdp
// emits explicitly for AAC-hbr.
const aacSizeLengthBits = 13

// AACUnpacker reassembles RFC 3640 AU-header-mode RTP payloads into
// individual AAC access units, generalizing AACProcessor from a callback
// into the Unpacker interface (n AUs packed into one packet yield exactly
// n Frames from one Unpack call).
type AACUnpacker struct{}

// NewAACUnpacker returns a stateless AAC depacketizer.
func NewAACUnpacker() *AACUnpacker { return &AACUnpacker{} }

func (u *AACUnpacker) Unpack(pkt *rtp.Packet) ([]*Frame, error) {
	if len(pkt.Payload) < 2 {
		return nil, fmt.Errorf("rtppayload: AAC packet too short")
	}

	payload := pkt.Payload
	auHeadersLengthBits := binary.BigEndian.Uint16(payload[:2])
	auHeadersLengthBytes := int((auHeadersLengthBits + 7) / 8)

	if len(payload) < 2+auHeadersLengthBytes {
		return nil, fmt.Errorf("rtppayload: AAC AU-headers exceed payload")
	}

	auHeaders := payload[2 : 2+auHeadersLengthBytes]
	auData := payload[2+auHeadersLengthBytes:]

	var frames []*Frame
	offset := 0
	for len(auHeaders) >= 2 {
		header := binary.BigEndian.Uint16(auHeaders[:2])
		auHeaders = auHeaders[2:]
		auSize := int(header >> (16 - aacSizeLengthBits))

		if offset+auSize > len(auData) {
			return nil, fmt.Errorf("rtppayload: AAC AU size exceeds payload")
		}

		au := auData[offset : offset+auSize]
		offset += auSize

		frames = append(frames, &Frame{
			Data:      append([]byte(nil), au...),
			Timestamp: pkt.Timestamp,
		})
	}

	return frames, nil
}

// AACPacker packetizes one AAC access unit per RTP packet (mode=AAC-hbr with
// a single AU-header), which is sufficient for the live byte rates this
// gateway handles and keeps the AU-header bookkeeping trivial to verify.
type AACPacker struct{}

// NewAACPacker returns a stateless AAC packetizer.
func NewAACPacker() *AACPacker { return &AACPacker{} }

func (p *AACPacker) Pack(frame []byte, timestamp uint32, mtu int) ([]*rtp.Packet, error) {
	if len(frame) > (1<<aacSizeLengthBits)-1 {
		return nil, fmt.Errorf("rtppayload: AAC access unit too large for a 13-bit size field")
	}

	auHeader := uint16(len(frame)) << (16 - aacSizeLengthBits)

	buf := make([]byte, 4, 4+len(frame))
	binary.BigEndian.PutUint16(buf[0:2], 16) // AU-headers-length in bits: one 16-bit header
	binary.BigEndian.PutUint16(buf[2:4], auHeader)
	buf = append(buf, frame...)

	return []*rtp.Packet{newPacket(true, timestamp, buf)}, nil
}
