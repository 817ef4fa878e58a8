package rtppayload

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// H.265/HEVC NAL unit types (ITU-T H.265 table 7-1) and RFC 7798
// aggregation/fragmentation packet types. H.265 has no precedent in
// pkg/rtp, which only carries H.264 and AAC processors; this package is
// built the same way pkg/rtp/h264.go builds H264Processor, generalized to
// HEVC's 2-byte NAL header and RFC 7798's AP/FU framing.
const (
	naluTypeIDRWRadl = 19
	naluTypeIDRNLp   = 20
	naluTypeCRAnut   = 21
	naluTypeVPS      = 32
	naluTypeSPSH265  = 33
	naluTypePPSH265  = 34
	naluTypeAP       = 48
	naluTypeFUH265   = 49
)

// IsH265Keyframe reports whether the 2-byte-headered nalu is an IRAP
// picture (IDR or CRA).
func IsH265Keyframe(nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	t := (nalu[0] >> 1) & 0x3F
	return t == naluTypeIDRWRadl || t == naluTypeIDRNLp || t == naluTypeCRAnut
}

// H265Unpacker reassembles single-NAL, AP, and FU RTP payloads into per-NAL
// Frames, mirroring the H.264 dispatch at the per-NAL level per RFC 7798.
type H265Unpacker struct {
	fuBuffer []byte
}

// NewH265Unpacker returns an empty depacketizer.
func NewH265Unpacker() *H265Unpacker { return &H265Unpacker{} }

func (u *H265Unpacker) Unpack(pkt *rtp.Packet) ([]*Frame, error) {
	if len(pkt.Payload) < 2 {
		return nil, nil
	}

	naluType := (pkt.Payload[0] >> 1) & 0x3F
	switch naluType {
	case naluTypeFUH265:
		return u.unpackFU(pkt)
	case naluTypeAP:
		return u.unpackAP(pkt)
	default:
		return []*Frame{{Data: withStartCode(pkt.Payload), Timestamp: pkt.Timestamp, Keyframe: IsH265Keyframe(pkt.Payload)}}, nil
	}
}

func (u *H265Unpacker) unpackFU(pkt *rtp.Packet) ([]*Frame, error) {
	if len(pkt.Payload) < 3 {
		return nil, fmt.Errorf("rtppayload: H265 FU packet too short")
	}

	payloadHeader := pkt.Payload[:2]
	fuHeader := pkt.Payload[2]
	body := pkt.Payload[3:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	fragType := fuHeader & 0x3F

	if start {
		u.fuBuffer = u.fuBuffer[:0]
		nalByte0 := (payloadHeader[0] & 0x81) | (fragType << 1)
		u.fuBuffer = append(u.fuBuffer, nalByte0, payloadHeader[1])
	} else if len(u.fuBuffer) == 0 {
		return nil, fmt.Errorf("rtppayload: H265 FU continuation without start")
	}

	u.fuBuffer = append(u.fuBuffer, body...)

	if !end {
		return nil, nil
	}

	nalu := u.fuBuffer
	u.fuBuffer = nil
	frame := &Frame{Data: withStartCode(nalu), Timestamp: pkt.Timestamp, Keyframe: IsH265Keyframe(nalu)}
	return []*Frame{frame}, nil
}

func (u *H265Unpacker) unpackAP(pkt *rtp.Packet) ([]*Frame, error) {
	payload := pkt.Payload[2:]

	var frames []*Frame
	for len(payload) > 2 {
		size := int(binary.BigEndian.Uint16(payload[:2]))
		payload = payload[2:]
		if len(payload) < size {
			return nil, fmt.Errorf("rtppayload: H265 AP NALU size exceeds payload")
		}

		nalu := payload[:size]
		payload = payload[size:]

		frames = append(frames, &Frame{
			Data:      withStartCode(nalu),
			Timestamp: pkt.Timestamp,
			Keyframe:  IsH265Keyframe(nalu),
		})
	}

	return frames, nil
}

// H265Packer fragments an Annex-B byte-stream into single-NAL or FU RTP
// packets, with RFC 7798's 3-byte FU overhead (2-byte PayloadHdr + 1-byte
// FU header) in place of H.264's 2-byte overhead.
type H265Packer struct{}

// NewH265Packer returns a stateless H.265 packetizer.
func NewH265Packer() *H265Packer { return &H265Packer{} }

func (p *H265Packer) Pack(annexB []byte, timestamp uint32, mtu int) ([]*rtp.Packet, error) {
	nalus := splitAnnexB(annexB)

	var packets []*rtp.Packet
	for i, nalu := range nalus {
		last := i == len(nalus)-1
		pkts, err := packNALUH265(nalu, timestamp, mtu, last)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkts...)
	}

	return packets, nil
}

func packNALUH265(nalu []byte, timestamp uint32, mtu int, lastNALU bool) ([]*rtp.Packet, error) {
	if len(nalu) < 2 {
		return nil, nil
	}

	const rtpHeaderLen = 12
	if len(nalu)+rtpHeaderLen <= mtu {
		payload := append([]byte(nil), nalu...)
		return []*rtp.Packet{newPacket(lastNALU, timestamp, payload)}, nil
	}

	naluType := (nalu[0] >> 1) & 0x3F
	layerTID := nalu[1]
	payload := nalu[2:]
	payloadHeader0 := (nalu[0] & 0x81) | (naluTypeFUH265 << 1)

	chunkSize := mtu - rtpHeaderLen - 3
	if chunkSize <= 0 {
		return nil, fmt.Errorf("rtppayload: MTU %d too small for H265 FU fragmentation", mtu)
	}

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		size := chunkSize
		if offset+size > len(payload) {
			size = len(payload) - offset
		}

		start := offset == 0
		end := offset+size >= len(payload)

		var fuHeader byte = naluType
		if start {
			fuHeader |= 0x80
		}
		if end {
			fuHeader |= 0x40
		}

		buf := make([]byte, 0, size+3)
		buf = append(buf, payloadHeader0, layerTID, fuHeader)
		buf = append(buf, payload[offset:offset+size]...)

		packets = append(packets, newPacket(end && lastNALU, timestamp, buf))
		offset += size
	}

	return packets, nil
}
