// Package rtppayload packs and depacketizes the three media payload formats
// this gateway moves between RTP and Annex-B/raw-NAL frame representations:
// H.264 (RFC 6184), H.265 (RFC 7798), and AAC (RFC 3640, AU-header mode).
// It generalizes pkg/rtp's receive-only processors (H264Processor,
// AACProcessor — callback-based depacketizers with no packetize side) into a
// symmetric Packer/Unpacker pair per codec, since an RTSP session in this
// gateway both ingests (depacketize) and serves (packetize) media.
package rtppayload

import "github.com/pion/rtp"

// Frame is one depacketized unit handed to the caller's sink: a single NAL
// unit (H.264/H.265) or one AAC access unit, plus the RTP timestamp it
// carried and whether it is a keyframe. A single RTP packet can yield
// several Frames (aggregation packets, multi-AU AAC packets).
type Frame struct {
	Data      []byte
	Timestamp uint32
	Keyframe  bool
}

// Unpacker accumulates RTP packets for one media stream and emits complete
// frames. Implementations are not safe for concurrent use; callers serialize
// packets from a single source through one Unpacker.
type Unpacker interface {
	// Unpack feeds one RTP packet in sequence-number order, returning every
	// frame it completed (zero, one, or several).
	Unpack(pkt *rtp.Packet) ([]*Frame, error)
}

// Packer splits an Annex-B byte-stream (one or more NAL units prefixed by
// 00 00 01 or 00 00 00 01 start codes) — or, for AAC, one raw access unit —
// into RTP packets sized to fit mtu, setting the Marker bit on the final
// packet of the input.
type Packer interface {
	Pack(data []byte, timestamp uint32, mtu int) ([]*rtp.Packet, error)
}

// splitAnnexB scans data for 00 00 01 start codes and returns the NAL units
// between them, trimming the trailing zero byte a following 4-byte start
// code leaves behind.
func splitAnnexB(data []byte) [][]byte {
	_, nalStart := findStartCode(data, 0)
	if nalStart < 0 {
		return nil
	}

	var nalus [][]byte
	for nalStart >= 0 {
		nextCodeStart, nextNalStart := findStartCode(data, nalStart)

		end := len(data)
		if nextCodeStart >= 0 {
			end = nextCodeStart
		}

		nalu := data[nalStart:end]
		for len(nalu) > 0 && nalu[len(nalu)-1] == 0 {
			nalu = nalu[:len(nalu)-1]
		}
		if len(nalu) > 0 {
			nalus = append(nalus, nalu)
		}

		nalStart = nextNalStart
	}

	return nalus
}

// findStartCode locates the next 00 00 01 pattern at or after from, and
// returns both the index of the pattern itself and the index just past it
// (where the NAL unit's bytes begin).
func findStartCode(data []byte, from int) (codeStart, nalStart int) {
	for i := from; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			return i, i + 3
		}
	}
	return -1, -1
}

// withStartCode prepends the 4-byte Annex-B start code 00 00 00 01 to nalu.
func withStartCode(nalu []byte) []byte {
	out := make([]byte, 0, len(nalu)+4)
	out = append(out, 0, 0, 0, 1)
	return append(out, nalu...)
}

func newPacket(marker bool, timestamp uint32, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Marker: marker, Timestamp: timestamp},
		Payload: payload,
	}
}
