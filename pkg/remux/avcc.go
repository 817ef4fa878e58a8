package remux

import "encoding/binary"

// avcDecoderConfigurationRecord builds the AVCDecoderConfigurationRecord
// RTMP/FLV carries as the video sequence header, per ISO/IEC 14496-15
// section 5.2.4.1, grounded on gen_rtmp_video_seq_header's field layout
// (Mpeg4Avc{nalu_length:4, nb_sps:1, nb_pps:1, ...}).
func avcDecoderConfigurationRecord(sps, pps []byte) []byte {
	profileIDC, constraintFlags, levelIDC := byte(0), byte(0), byte(0)
	if len(sps) >= 4 {
		profileIDC, constraintFlags, levelIDC = sps[1], sps[2], sps[3]
	}

	out := []byte{
		0x01,            // configurationVersion
		profileIDC,      // AVCProfileIndication
		constraintFlags, // profile_compatibility
		levelIDC,        // AVCLevelIndication
		0xFF,            // reserved(6)=111111, lengthSizeMinusOne=3 (4-byte lengths)
		0xE1,            // reserved(3)=111, numOfSequenceParameterSets=1
	}
	out = appendU16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 0x01) // numOfPictureParameterSets
	out = appendU16(out, uint16(len(pps)))
	out = append(out, pps...)
	return out
}

// avccFrame re-frames a set of bare NAL units (no start codes) as AVCC:
// each prefixed by a 4-byte big-endian length, per gen_rtmp_video_frame_data.
func avccFrame(nalus [][]byte) []byte {
	var out []byte
	for _, n := range nalus {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(n)))
		out = append(out, length[:]...)
		out = append(out, n...)
	}
	return out
}

// videoTagHeader builds the 1-byte FLV/RTMP video tag header this
// gateway's frames carry inline in the payload (frame_type<<4|codec_id),
// followed by AVCPacketType (0=seq header, 1=NALU) and a 3-byte
// composition time, always 0 here since this gateway doesn't reorder B
// frames across the remux boundary.
func videoTagHeader(keyframe bool, avcPacketType byte) []byte {
	frameType := byte(2) // inter frame
	if keyframe {
		frameType = 1
	}
	return []byte{frameType<<4 | 7, avcPacketType, 0, 0, 0} // codec_id=7 (AVC)
}

// audioTagHeader builds the 1-byte FLV/RTMP audio tag header for AAC
// (soundFormat=10, 44kHz flag, 16-bit, stereo — the values RTMP requires
// regardless of the real sample rate/channel count, which live in the AAC
// AudioSpecificConfig instead) plus the AACPacketType byte.
func audioTagHeader(aacPacketType byte) []byte {
	return []byte{10<<4 | 3<<2 | 1<<1 | 1, aacPacketType}
}

// splitAnnexBNALs returns the bare NAL units (start codes stripped) found
// in an Annex-B buffer, mirroring find_start_code's scan in
// protocol/rtmp/src/remuxer/rtsp2rtmp.rs.
func splitAnnexBNALs(data []byte) [][]byte {
	var nalus [][]byte
	i := 0
	for i < len(data) {
		start := findStartCodeFrom(data, i)
		if start < 0 {
			break
		}
		next := findStartCodeFrom(data, start)
		end := len(data)
		if next >= 0 {
			end = next
			for end > start && data[end-1] == 0 {
				end--
			}
		}
		if end > start {
			nalus = append(nalus, data[start:end])
		}
		if next < 0 {
			break
		}
		i = next
	}
	return nalus
}

// stripStartCode removes a leading Annex-B start code (3- or 4-byte) from
// a single NAL unit, such as the frames rtppayload.withStartCode produces
// — one NAL per hub FrameData, never more than one start code.
func stripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}

// findStartCodeFrom returns the index just past the next 00 00 01 start
// code at or after from, or -1.
func findStartCodeFrom(data []byte, from int) int {
	for i := from; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			return i + 3
		}
	}
	return -1
}

// spsDimensions best-effort decodes a H.264 SPS RBSP (NAL header byte
// included) for pic_width/pic_height, per ITU-T H.264 section 7.3.2.1.1.
// It handles the baseline/main/extended profile fields through
// frame_cropping and skips scaling lists and profile-specific chroma
// fields it doesn't need, returning 0,0 on anything it can't parse —
// width/height are cosmetic metadata here, not a decode dependency.
func spsDimensions(sps []byte) (width, height uint32) {
	if len(sps) < 4 {
		return 0, 0
	}
	br := newBitReader(sps[1:]) // skip NAL header byte
	profileIDC, _ := br.readBits(8)
	br.readBits(8) // constraint flags + reserved
	br.readBits(8) // level_idc
	br.readUE()    // seq_parameter_set_id

	if profileIDC == 100 || profileIDC == 110 || profileIDC == 122 || profileIDC == 244 ||
		profileIDC == 44 || profileIDC == 83 || profileIDC == 86 || profileIDC == 118 || profileIDC == 128 {
		chromaFormatIDC, _ := br.readUE()
		if chromaFormatIDC == 3 {
			br.readBits(1)
		}
		br.readUE() // bit_depth_luma_minus8
		br.readUE() // bit_depth_chroma_minus8
		br.readBits(1) // qpprime_y_zero_transform_bypass_flag
		if seqScalingMatrixPresent, _ := br.readBits(1); seqScalingMatrixPresent == 1 {
			return 0, 0 // scaling lists not needed for dimensions; bail cleanly
		}
	}

	br.readUE() // log2_max_frame_num_minus4
	picOrderCntType, _ := br.readUE()
	if picOrderCntType == 0 {
		br.readUE()
	} else if picOrderCntType == 1 {
		return 0, 0 // rarely used path, not worth the extra field list here
	}

	br.readUE()    // max_num_ref_frames
	br.readBits(1) // gaps_in_frame_num_value_allowed_flag

	picWidthInMbsMinus1, _ := br.readUE()
	picHeightInMapUnitsMinus1, _ := br.readUE()
	frameMbsOnly, _ := br.readBits(1)
	if frameMbsOnly == 0 {
		br.readBits(1) // mb_adaptive_frame_field_flag
	}
	br.readBits(1) // direct_8x8_inference_flag

	cropLeft, cropRight, cropTop, cropBottom := uint32(0), uint32(0), uint32(0), uint32(0)
	if cropping, _ := br.readBits(1); cropping == 1 {
		cropLeft, _ = br.readUE()
		cropRight, _ = br.readUE()
		cropTop, _ = br.readUE()
		cropBottom, _ = br.readUE()
	}

	width = (picWidthInMbsMinus1 + 1) * 16
	heightMul := uint32(2)
	if frameMbsOnly == 1 {
		heightMul = 1
	}
	height = (picHeightInMapUnitsMinus1+1)*16*heightMul

	width -= (cropLeft + cropRight) * 2
	height -= (cropTop + cropBottom) * 2 * heightMul
	return width, height
}

// bitReader reads MSB-first bits and unsigned Exp-Golomb codes out of an
// H.264 RBSP byte slice.
type bitReader struct {
	data []byte
	pos  int // bit position
}

func newBitReader(data []byte) *bitReader { return &bitReader{data: data} }

func (r *bitReader) readBits(n int) (uint32, bool) {
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := r.pos / 8
		if byteIdx >= len(r.data) {
			return v, false
		}
		bit := (r.data[byteIdx] >> (7 - uint(r.pos%8))) & 1
		v = v<<1 | uint32(bit)
		r.pos++
	}
	return v, true
}

func (r *bitReader) readUE() (uint32, bool) {
	zeros := 0
	for {
		b, ok := r.readBits(1)
		if !ok {
			return 0, false
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 32 {
			return 0, false
		}
	}
	if zeros == 0 {
		return 0, true
	}
	rest, ok := r.readBits(zeros)
	if !ok {
		return 0, false
	}
	return (1 << uint(zeros)) - 1 + rest, true
}
