// Package hls converts a live frame stream into MPEG-TS segments and a
// sliding-window M3U8 playlist, with optional VOD recording. Grounded on
// protocol/hls/src/{m3u8,ts,record}.rs in original_source for the
// playlist/segment-lifecycle shape, and on ISO/IEC 13818-1 directly for
// MPEG-TS packetization itself, since ts.rs only writes pre-muxed bytes
// (Ts::write takes a finished BytesMut) and no retrieved example repo
// exposes a TS muxer, so the bit-layout below is built straight from the
// ISO/IEC 13818-1 standard itself.
package hls

import (
	"github.com/sigurn/crc8"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47

	patPID = 0x0000
	pmtPID = 0x1000
	// videoPID/audioPID are fixed for this gateway's single-program,
	// single-video-track, single-audio-track streams.
	videoPID = 0x0100
	audioPID = 0x0101

	streamTypeH264 = 0x1b
	streamTypeH265 = 0x24
	streamTypeAAC  = 0x0f

	streamIDVideo = 0xe0
	streamIDAudio = 0xc0
)

// crc32MPEG2 computes the non-reflected CRC-32/MPEG-2 checksum ISO/IEC
// 13818-1 requires for PAT/PMT sections. hash/crc32 in the standard
// library only builds reflected tables (IEEE, Castagnoli), which can't
// express this polynomial's bit order, and no pack example carries an
// ecosystem CRC-32/MPEG-2 variant, so it's computed by hand — see
// DESIGN.md.
func crc32MPEG2(data []byte) uint32 {
	const poly = 0x04C11DB7
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// segmentChecksumTable is the sigurn/crc8 table used to stamp each muxed
// TS segment with a lightweight integrity tag recorded in Segment
// metadata — distinct from the PAT/PMT CRC-32/MPEG-2 above.
var segmentChecksumTable = crc8.MakeTable(crc8.CRC8)

// muxer accumulates one segment's worth of TS packets for a single video
// and/or audio elementary stream.
type muxer struct {
	buf []byte

	videoStreamType byte
	hasVideo        bool
	hasAudio        bool

	videoCC byte
	audioCC byte
	patCC   byte
	pmtCC   byte

	wrotePAT bool
}

func newMuxer(videoStreamType byte, hasVideo, hasAudio bool) *muxer {
	return &muxer{videoStreamType: videoStreamType, hasVideo: hasVideo, hasAudio: hasAudio}
}

// reset clears the accumulated buffer for the next segment but keeps
// continuity counters running, as a real decoder expects across segment
// boundaries within one continuous stream.
func (m *muxer) reset() { m.buf = m.buf[:0] }

// writePATPMT emits the PAT and PMT sections; called once per segment so
// every segment is independently demuxable.
func (m *muxer) writePATPMT() {
	m.buf = append(m.buf, buildPSIPacket(patPID, &m.patCC, buildPAT())...)
	m.buf = append(m.buf, buildPSIPacket(pmtPID, &m.pmtCC, buildPMT(m.videoStreamType, m.hasVideo, m.hasAudio))...)
}

// buildPAT returns the PAT section payload (table id 0, one program
// mapping to the PMT PID above).
func buildPAT() []byte {
	section := []byte{
		0x00,       // table id
		0xb0, 0x0d, // section_syntax_indicator=1, reserved, section_length=13
		0x00, 0x01, // transport_stream_id
		0xc1,       // reserved, version=0, current_next=1
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, // program_number=1
		0xe0 | byte(pmtPID>>8), byte(pmtPID), // reserved|PMT PID
	}
	crc := crc32MPEG2(section)
	section = append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return section
}

// buildPMT returns the PMT section payload describing this segment's
// elementary streams.
func buildPMT(videoStreamType byte, hasVideo, hasAudio bool) []byte {
	var streams []byte
	if hasVideo {
		streams = append(streams, videoStreamType, 0xe0|byte(videoPID>>8), byte(videoPID), 0xf0, 0x00)
	}
	if hasAudio {
		streams = append(streams, streamTypeAAC, 0xe0|byte(audioPID>>8), byte(audioPID), 0xf0, 0x00)
	}

	pcrPID := videoPID
	if !hasVideo {
		pcrPID = audioPID
	}

	sectionLength := 9 + len(streams) + 4
	section := []byte{
		0x02,                                                 // table id
		0xb0 | byte(sectionLength>>8), byte(sectionLength),   // section_syntax_indicator=1, section_length
		0x00, 0x01, // program_number
		0xc1,       // version=0, current_next=1
		0x00, 0x00, // section_number, last_section_number
		0xe0 | byte(pcrPID>>8), byte(pcrPID), // PCR_PID
		0xf0, 0x00, // program_info_length=0
	}
	section = append(section, streams...)
	crc := crc32MPEG2(section)
	section = append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return section
}

// buildPSIPacket wraps a PSI section (PAT/PMT) in a single 188-byte TS
// packet with the mandatory pointer_field byte.
func buildPSIPacket(pid uint16, cc *byte, section []byte) []byte {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = tsSyncByte
	pkt[1] = 0x40 | byte(pid>>8) // payload_unit_start_indicator=1
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | (*cc & 0x0F) // no adaptation field, payload only
	*cc = (*cc + 1) & 0x0F

	n := copy(pkt[4:], append([]byte{0x00}, section...)) // pointer_field=0
	for i := 4 + n; i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// writePES packetizes one PES-framed access unit for pid into 188-byte TS
// packets, inserting a PCR on the first packet when withPCR is set (video
// keyframes and, absent video, every audio AU) and setting the random
// access indicator for keyframes.
func (m *muxer) writePES(pid uint16, cc *byte, streamID byte, pts, dts uint64, withPCR, randomAccess bool, payload []byte) {
	pes := buildPESHeader(streamID, pts, dts, len(payload))
	pes = append(pes, payload...)

	first := true
	for len(pes) > 0 || first {
		pkt := make([]byte, tsPacketSize)
		pkt[0] = tsSyncByte
		pusi := byte(0)
		if first {
			pusi = 0x40
		}
		pkt[1] = pusi | byte(pid>>8)
		pkt[2] = byte(pid)

		headerLen := 4
		afLen := 0
		hasAF := first && (withPCR || randomAccess)
		if hasAF {
			afLen = 1 // flags byte
			if withPCR {
				afLen += 6
			}
		}

		avail := tsPacketSize - headerLen
		if hasAF {
			avail -= 1 + afLen
		}
		n := len(pes)
		if n > avail {
			n = avail
		}
		stuffing := avail - n

		adaptationFieldControl := byte(0x10) // payload only
		if hasAF || stuffing > 0 {
			adaptationFieldControl = 0x30 // adaptation field + payload
		}
		if !hasAF && stuffing > 0 {
			// The adaptation_field_length byte itself takes one byte of the padding.
			stuffing--
		}
		pkt[3] = adaptationFieldControl | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		off := 4
		if adaptationFieldControl == 0x30 {
			totalAF := afLen + stuffing
			pkt[off] = byte(totalAF)
			off++
			if totalAF > 0 {
				flags := byte(0)
				if randomAccess {
					flags |= 0x40
				}
				if withPCR {
					flags |= 0x10
				}
				pkt[off] = flags
				off++
				if withPCR {
					writePCR(pkt[off:off+6], pts)
					off += 6
				}
				for i := off; i < 4+1+totalAF; i++ {
					pkt[i] = 0xFF
				}
				off = 4 + 1 + totalAF
			}
		}

		copy(pkt[off:], pes[:n])
		pes = pes[n:]
		m.buf = append(m.buf, pkt...)
		first = false
	}
}

// buildPESHeader returns a PES header with optional DTS (present when it
// differs from PTS) per ISO/IEC 13818-1 section 2.4.3.6.
func buildPESHeader(streamID byte, pts, dts uint64, payloadLen int) []byte {
	hasDTS := dts != pts

	var flags byte = 0x80 // PTS only
	ptsDTSLen := 5
	if hasDTS {
		flags = 0xC0
		ptsDTSLen = 10
	}

	pesLen := 3 + ptsDTSLen + payloadLen
	if pesLen > 0xFFFF {
		pesLen = 0 // unbounded, legal for video ES
	}

	header := []byte{
		0x00, 0x00, 0x01, streamID,
		byte(pesLen >> 8), byte(pesLen),
		0x80, flags, byte(ptsDTSLen),
	}
	header = appendTimestamp(header, 0x2|(flags>>6), pts)
	if hasDTS {
		header = appendTimestamp(header, 0x1, dts)
	}
	return header
}

// appendTimestamp encodes a 33-bit PTS/DTS value in the 5-byte marker-bit
// interleaved format ISO/IEC 13818-1 section 2.4.3.6 specifies.
func appendTimestamp(dst []byte, marker byte, ts uint64) []byte {
	ts &= 0x1FFFFFFFF
	b := make([]byte, 5)
	b[0] = (marker << 4) | byte((ts>>30)&0x07)<<1 | 0x01
	b[1] = byte(ts >> 22)
	b[2] = byte((ts>>15)&0x7F)<<1 | 0x01
	b[3] = byte(ts >> 7)
	b[4] = byte(ts&0x7F)<<1 | 0x01
	return append(dst, b...)
}

// writePCR encodes a 33-bit-base/9-bit-extension Program Clock Reference
// into the 6-byte field adaptation-field PCRs use.
func writePCR(dst []byte, pts90k uint64) {
	base := pts90k & 0x1FFFFFFFF
	ext := uint16(0)
	dst[0] = byte(base >> 25)
	dst[1] = byte(base >> 17)
	dst[2] = byte(base >> 9)
	dst[3] = byte(base >> 1)
	dst[4] = byte(base<<7) | 0x7E | byte(ext>>8)
	dst[5] = byte(ext)
}

// buildADTSHeader wraps a raw AAC access unit in a 7-byte ADTS header so
// it can ride an MPEG-TS audio elementary stream, which (unlike RTP's
// AU-header framing) requires ADTS framing per access unit.
func buildADTSHeader(au []byte, sampleRateIndex, channelConfig byte) []byte {
	frameLen := len(au) + 7
	hdr := make([]byte, 7)
	hdr[0] = 0xFF
	hdr[1] = 0xF1 // MPEG-4, no CRC
	hdr[2] = (1 << 6) | (sampleRateIndex << 2) | (channelConfig >> 2)
	hdr[3] = (channelConfig&0x3)<<6 | byte(frameLen>>11)
	hdr[4] = byte(frameLen >> 3)
	hdr[5] = byte(frameLen<<5) | 0x1F
	hdr[6] = 0xFC
	return hdr
}

// adtsSampleRateIndex maps a clock rate to the ADTS sampling_frequency_index
// table (ISO/IEC 13818-7 table 1.18); unrecognized rates default to 48kHz.
func adtsSampleRateIndex(clockRate uint32) byte {
	rates := []uint32{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}
	for i, r := range rates {
		if r == clockRate {
			return byte(i)
		}
	}
	return 3 // 48000
}

func segmentChecksum(data []byte) uint8 {
	return crc8.Checksum(data, segmentChecksumTable)
}
