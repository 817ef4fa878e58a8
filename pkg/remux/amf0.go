package remux

import (
	"encoding/binary"
	"math"
)

// AMF0 type markers used by the subset of the format this remuxer emits
// (RTMP's onMetaData body), per the AMF0 specification.
const (
	amf0TypeNumber    = 0x00
	amf0TypeString    = 0x02
	amf0TypeECMAArray = 0x08
	amf0ObjectEndMark = 0x09
)

// amf0String encodes an AMF0 string value: type marker, 2-byte length,
// UTF-8 bytes.
func amf0String(s string) []byte {
	out := make([]byte, 0, 3+len(s))
	out = append(out, amf0TypeString)
	out = appendU16(out, uint16(len(s)))
	return append(out, s...)
}

// amf0Number encodes an AMF0 number value: type marker, 8-byte IEEE-754
// double, big-endian.
func amf0Number(v float64) []byte {
	out := make([]byte, 9)
	out[0] = amf0TypeNumber
	binary.BigEndian.PutUint64(out[1:], math.Float64bits(v))
	return out
}

// property is one name/value pair of an AMF0 ECMA array.
type property struct {
	name  string
	value float64
}

// amf0ECMAArray encodes an AMF0 ECMA array: type marker, 4-byte
// associative-count, then each property as a bare (no type marker)
// 2-byte-length name followed by a typed value, terminated by the
// empty-name/object-end marker triad.
func amf0ECMAArray(props []property) []byte {
	out := []byte{amf0TypeECMAArray}
	out = appendU32(out, uint32(len(props)))
	for _, p := range props {
		out = appendU16(out, uint16(len(p.name)))
		out = append(out, p.name...)
		out = append(out, amf0Number(p.value)...)
	}
	out = appendU16(out, 0)
	return append(out, amf0ObjectEndMark)
}

// onMetaData builds the @setDataFrame onMetaData payload RTMP publishers
// send once after connecting, per protocol/rtmp/src/remuxer/rtsp2rtmp.rs's
// gen_rtmp_meta_data.
func onMetaData(width, height uint32) []byte {
	out := amf0String("@setDataFrame")
	out = append(out, amf0String("onMetaData")...)
	out = append(out, amf0ECMAArray([]property{
		{"width", float64(width)},
		{"height", float64(height)},
		{"videocodecid", 7},  // AVC
		{"audiocodecid", 10}, // AAC
	})...)
	return out
}

func appendU16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}
