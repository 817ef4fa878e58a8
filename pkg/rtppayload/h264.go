package rtppayload

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// H.264 NAL unit types (ITU-T H.264 table 7-1) and RFC 6184 aggregation/
// fragmentation packet types, grounded on the constant set in
// pkg/rtp/h264.go.
const (
	NALUTypePFrame = 1
	NALUTypeIFrame = 5
	NALUTypeSEI    = 6
	NALUTypeSPS    = 7
	NALUTypePPS    = 8
	NALUTypeAUD    = 9
	NALUTypeSTAPA  = 24
	NALUTypeSTAPB  = 25
	NALUTypeMTAP16 = 26
	NALUTypeMTAP24 = 27
	NALUTypeFUA    = 28
	NALUTypeFUB    = 29
)

// IsH264Keyframe reports whether nalu (a bare NAL, header byte included) is
// an IDR picture.
func IsH264Keyframe(nalu []byte) bool {
	return len(nalu) > 0 && nalu[0]&0x1F == NALUTypeIFrame
}

// H264Unpacker reassembles single-NAL, STAP-A/B, MTAP-16/24, and FU-A/B RTP
// payloads into per-NAL Frames, per RFC 6184's packetization-mode dispatch.
// Every emitted Frame is Annex-B start-code prefixed, matching the packer's
// input convention, so a Frame can be re-packetized or fed to the HLS/remux
// paths without the caller caring which RTP packing shape produced it.
type H264Unpacker struct {
	fuBuffer []byte
}

// NewH264Unpacker returns an empty depacketizer.
func NewH264Unpacker() *H264Unpacker {
	return &H264Unpacker{}
}

func (u *H264Unpacker) Unpack(pkt *rtp.Packet) ([]*Frame, error) {
	if len(pkt.Payload) == 0 {
		return nil, nil
	}

	naluType := pkt.Payload[0] & 0x1F
	switch naluType {
	case NALUTypeFUA, NALUTypeFUB:
		return u.unpackFU(pkt, naluType == NALUTypeFUB)
	case NALUTypeSTAPA:
		return u.unpackAggregate(pkt.Payload[1:], 2, 0, pkt.Timestamp)
	case NALUTypeSTAPB:
		if len(pkt.Payload) < 3 {
			return nil, fmt.Errorf("rtppayload: STAP-B packet too short")
		}
		return u.unpackAggregate(pkt.Payload[3:], 2, 0, pkt.Timestamp)
	case NALUTypeMTAP16:
		return u.unpackMTAP(pkt, 2)
	case NALUTypeMTAP24:
		return u.unpackMTAP(pkt, 3)
	default:
		return []*Frame{{Data: withStartCode(pkt.Payload), Timestamp: pkt.Timestamp, Keyframe: IsH264Keyframe(pkt.Payload)}}, nil
	}
}

func (u *H264Unpacker) unpackFU(pkt *rtp.Packet, withDON bool) ([]*Frame, error) {
	payload := pkt.Payload
	headerLen := 2
	if withDON {
		headerLen = 4
	}
	if len(payload) < headerLen {
		return nil, fmt.Errorf("rtppayload: FU packet too short")
	}

	fuIndicator := payload[0]
	fuHeader := payload[1]
	body := payload[headerLen:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	if start {
		u.fuBuffer = u.fuBuffer[:0]
		u.fuBuffer = append(u.fuBuffer, (fuIndicator&0xE0)|naluType)
	} else if len(u.fuBuffer) == 0 {
		return nil, fmt.Errorf("rtppayload: FU continuation without start")
	}

	u.fuBuffer = append(u.fuBuffer, body...)

	if !end {
		return nil, nil
	}

	nalu := u.fuBuffer
	u.fuBuffer = nil
	frame := &Frame{Data: withStartCode(nalu), Timestamp: pkt.Timestamp, Keyframe: IsH264Keyframe(nalu)}
	return []*Frame{frame}, nil
}

// unpackAggregate walks a sequence of size(sizeFieldLen)-prefixed NAL units
// (STAP-A/B share this shape once their header/DON bytes are stripped),
// emitting each as its own start-code-prefixed Frame.
func (u *H264Unpacker) unpackAggregate(payload []byte, sizeFieldLen int, tsOffsetLen int, timestamp uint32) ([]*Frame, error) {
	var frames []*Frame

	for len(payload) > sizeFieldLen {
		naluSize := int(binary.BigEndian.Uint16(payload[:sizeFieldLen]))
		payload = payload[sizeFieldLen:]
		if len(payload) < naluSize {
			return nil, fmt.Errorf("rtppayload: aggregate NALU size exceeds payload")
		}

		nalu := payload[:naluSize]
		payload = payload[naluSize:]

		frames = append(frames, &Frame{
			Data:      withStartCode(nalu),
			Timestamp: timestamp,
			Keyframe:  IsH264Keyframe(nalu),
		})
	}

	return frames, nil
}

func (u *H264Unpacker) unpackMTAP(pkt *rtp.Packet, tsFieldLen int) ([]*Frame, error) {
	if len(pkt.Payload) < 3 {
		return nil, fmt.Errorf("rtppayload: MTAP packet too short")
	}
	payload := pkt.Payload[3:] // skip header byte + 2-byte DON base

	var frames []*Frame
	entryOverhead := 2 + 1 + tsFieldLen // size + DOND + TS-offset

	for len(payload) > entryOverhead {
		size := int(binary.BigEndian.Uint16(payload[:2]))
		payload = payload[3:] // size(2) + DOND(1)

		var tsOffset uint32
		if tsFieldLen == 2 {
			tsOffset = uint32(binary.BigEndian.Uint16(payload[:2]))
		} else {
			tsOffset = uint32(payload[0])<<16 | uint32(payload[1])<<8 | uint32(payload[2])
		}
		payload = payload[tsFieldLen:]

		naluLen := size - 1 - tsFieldLen
		if naluLen < 0 || naluLen > len(payload) {
			return nil, fmt.Errorf("rtppayload: MTAP entry size exceeds payload")
		}
		nalu := payload[:naluLen]
		payload = payload[naluLen:]

		frames = append(frames, &Frame{
			Data:      withStartCode(nalu),
			Timestamp: pkt.Timestamp + tsOffset,
			Keyframe:  IsH264Keyframe(nalu),
		})
	}

	return frames, nil
}

// H264Packer fragments an Annex-B byte-stream into single-NAL or FU-A RTP
// packets sized to fit mtu.
type H264Packer struct{}

// NewH264Packer returns a stateless H.264 packetizer.
func NewH264Packer() *H264Packer { return &H264Packer{} }

func (p *H264Packer) Pack(annexB []byte, timestamp uint32, mtu int) ([]*rtp.Packet, error) {
	nalus := splitAnnexB(annexB)

	var packets []*rtp.Packet
	for i, nalu := range nalus {
		last := i == len(nalus)-1
		pkts, err := packNALU(nalu, timestamp, mtu, last)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkts...)
	}

	return packets, nil
}

// packNALU emits a single-NAL packet when the NAL plus the 12-byte RTP
// header fits the MTU, otherwise an FU-A sequence with each fragment sized
// mtu-12-2.
func packNALU(nalu []byte, timestamp uint32, mtu int, lastNALU bool) ([]*rtp.Packet, error) {
	if len(nalu) == 0 {
		return nil, nil
	}

	const rtpHeaderLen = 12
	if len(nalu)+rtpHeaderLen <= mtu {
		payload := append([]byte(nil), nalu...)
		return []*rtp.Packet{newPacket(lastNALU, timestamp, payload)}, nil
	}

	naluHeader := nalu[0]
	naluType := naluHeader & 0x1F
	payload := nalu[1:]

	chunkSize := mtu - rtpHeaderLen - 2
	if chunkSize <= 0 {
		return nil, fmt.Errorf("rtppayload: MTU %d too small for FU-A fragmentation", mtu)
	}

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		size := chunkSize
		if offset+size > len(payload) {
			size = len(payload) - offset
		}

		start := offset == 0
		end := offset+size >= len(payload)

		fuIndicator := (naluHeader & 0xE0) | NALUTypeFUA
		var fuHeader byte = naluType
		if start {
			fuHeader |= 0x80
		}
		if end {
			fuHeader |= 0x40
		}

		buf := make([]byte, 0, size+2)
		buf = append(buf, fuIndicator, fuHeader)
		buf = append(buf, payload[offset:offset+size]...)

		packets = append(packets, newPacket(end && lastNALU, timestamp, buf))
		offset += size
	}

	return packets, nil
}
