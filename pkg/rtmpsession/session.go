// Package rtmpsession implements only the hub-facing contract an RTMP
// connection needs: an ingress session turns on_audio_data/on_video_data/
// on_meta_data callbacks into hub FrameData publications, and an egress
// session consumes hub FrameData and serializes it as RTMP chunks. The
// RTMP handshake and full chunk-stream state machine (chunk basic/message
// headers across all three fmt variants, chunk-size negotiation, AMF0
// command dispatch) are out of scope — this package implements only
// enough chunk-header bit-layout to drive the hub contract, grounded on
// the message/chunk-header field layout in rtmp-messages.go and
// rtmp_utils.go (other_examples), and on protocol/rtmp/src/session/
// common.rs in original_source for the csid/chunk-type/timestamp
// assignment this gateway's egress path mirrors.
package rtmpsession

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/gtfo/streamgw/pkg/logger"
	"github.com/gtfo/streamgw/pkg/streamhub"
)

// RTMP message type IDs (chunk message header byte 4), per the RTMP spec.
const (
	MessageTypeAudio    = 8
	MessageTypeVideo    = 9
	MessageTypeAMF0Data = 18
)

// Chunk stream IDs this gateway assigns its three message types: csid 5 is
// free in the reserved low range (2-7 are reserved for protocol control
// and common streams in most encoders) and unused elsewhere in this
// gateway, so it is assigned to AMF0 data messages.
const (
	CSIDAudio = 4
	CSIDVideo = 6
	CSIDData  = 5
)

// ChunkWriter is the outbound byte sink an egress Session serializes RTMP
// chunks onto; the real chunk-stream framing (basic header variants,
// extended timestamps, max-chunk-size splitting) lives in the RTMP
// connection layer this package treats as an external collaborator. This
// writer always emits a type-0 (full) chunk header, which is valid for
// every message regardless of prior chunk-stream state — simple, if not
// bandwidth-optimal, but enough to drive the hub contract.
type ChunkWriter interface {
	Write(p []byte) (int, error)
}

// EncodeChunk renders one RTMP message as a type-0 chunk: basic header
// (fmt=0, csid), message header (timestamp, length, type id, stream id,
// little-endian), then the payload verbatim — no splitting across
// max-chunk-size boundaries, left to the out-of-scope chunk layer.
func EncodeChunk(csid uint32, timestampMS uint32, messageType byte, streamID uint32, payload []byte) []byte {
	buf := make([]byte, 0, 12+len(payload))
	buf = append(buf, basicHeader(0, csid)...)

	var ts [3]byte
	putUint24(ts[:], timestampMS)
	buf = append(buf, ts[:]...)

	var length [3]byte
	putUint24(length[:], uint32(len(payload)))
	buf = append(buf, length[:]...)

	buf = append(buf, messageType)

	var sid [4]byte
	binary.LittleEndian.PutUint32(sid[:], streamID)
	buf = append(buf, sid[:]...)

	return append(buf, payload...)
}

// basicHeader encodes the chunk basic header for csid values up to 65599,
// per the RTMP spec's one/two/three-byte basic header forms.
func basicHeader(fmtByte byte, csid uint32) []byte {
	switch {
	case csid < 64:
		return []byte{fmtByte<<6 | byte(csid)}
	case csid < 320:
		return []byte{fmtByte << 6, byte(csid - 64)}
	default:
		b := make([]byte, 3)
		b[0] = fmtByte<<6 | 1
		binary.LittleEndian.PutUint16(b[1:], uint16(csid-64))
		return b
	}
}

func putUint24(dst []byte, v uint32) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

// IngressSession turns an RTMP publisher's decoded audio/video/metadata
// callbacks into hub publications. The actual RTMP handshake and chunk
// reassembly that produces these callbacks is the out-of-scope chunk
// layer; this session is what that layer hands decoded messages to.
type IngressSession struct {
	hub        *streamhub.Hub
	identifier streamhub.Identifier
	info       streamhub.PublisherInfo
	log        *logger.Logger

	published bool
}

// NewIngressSession wraps a publishing RTMP connection identified by
// app/stream.
func NewIngressSession(hub *streamhub.Hub, app, stream string, remoteAddr string, log *logger.Logger) *IngressSession {
	return &IngressSession{
		hub:        hub,
		identifier: streamhub.Identifier{Kind: streamhub.KindRTMP, App: app, Stream: stream},
		info:       streamhub.PublisherInfo{ID: uuid.New(), Kind: streamhub.PublisherRTMP, RemoteAddr: remoteAddr},
		log:        log,
	}
}

// Start registers the publication with the hub, failing if another
// publisher already holds this identifier.
func (s *IngressSession) Start() error {
	if err := s.hub.Publish(s.identifier, s.info, nil); err != nil {
		return err
	}
	s.published = true
	return nil
}

// Stop unpublishes the stream, if it was successfully started.
func (s *IngressSession) Stop() {
	if s.published {
		s.hub.Unpublish(s.identifier, s.info)
		s.published = false
	}
}

// OnAudioData publishes one decoded RTMP audio message. isSequenceHeader
// marks the AAC AudioSpecificConfig frame RTMP sends once before the
// first audio access unit.
func (s *IngressSession) OnAudioData(timestampMS uint32, payload []byte, isSequenceHeader bool) error {
	return s.hub.PublishFrame(s.identifier, streamhub.FrameData{
		Kind: streamhub.FrameAudio, Timestamp: timestampMS, Payload: payload, IsSequenceHeader: isSequenceHeader,
	})
}

// OnVideoData publishes one decoded RTMP video message (an AVCC-framed
// access unit, or the AVC/HEVC decoder configuration record when
// isSequenceHeader is set).
func (s *IngressSession) OnVideoData(timestampMS uint32, payload []byte, isKeyframe, isSequenceHeader bool) error {
	return s.hub.PublishFrame(s.identifier, streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: timestampMS, Payload: payload,
		IsKeyframe: isKeyframe, IsSequenceHeader: isSequenceHeader,
	})
}

// OnMetaData publishes an AMF0-encoded onMetaData object.
func (s *IngressSession) OnMetaData(timestampMS uint32, payload []byte) error {
	return s.hub.PublishFrame(s.identifier, streamhub.FrameData{
		Kind: streamhub.FrameMetaData, Timestamp: timestampMS, Payload: payload,
	})
}

// EgressSession subscribes to a hub stream and serializes each delivered
// frame as an RTMP chunk onto a ChunkWriter.
type EgressSession struct {
	hub        *streamhub.Hub
	identifier streamhub.Identifier
	info       streamhub.SubscriberInfo
	writer     ChunkWriter
	log        *logger.Logger

	streamID uint32
}

// NewEgressSession wraps a subscribing RTMP connection; streamID is the
// RTMP message stream id this connection negotiated (almost always 1).
func NewEgressSession(hub *streamhub.Hub, app, stream string, remoteAddr string, writer ChunkWriter, streamID uint32, log *logger.Logger) *EgressSession {
	return &EgressSession{
		hub:        hub,
		identifier: streamhub.Identifier{Kind: streamhub.KindRTMP, App: app, Stream: stream},
		info:       streamhub.SubscriberInfo{ID: uuid.New(), Kind: streamhub.PlayerRTMP, RemoteAddr: remoteAddr},
		writer:     writer,
		streamID:   streamID,
		log:        log,
	}
}

// Run subscribes and pumps frames to the writer until the sink closes or
// ctx-equivalent caller-side teardown closes the underlying connection
// (surfaced here as a Write error). It blocks; callers run it on its own
// goroutine.
func (s *EgressSession) Run() error {
	sink, err := s.hub.Subscribe(s.identifier, s.info)
	if err != nil {
		return err
	}
	defer s.hub.Unsubscribe(s.identifier, s.info.ID)

	for frame := range sink {
		if err := s.writeFrame(frame); err != nil {
			return fmt.Errorf("rtmpsession: write frame: %w", err)
		}
	}
	return nil
}

func (s *EgressSession) writeFrame(frame streamhub.FrameData) error {
	var csid uint32
	var messageType byte

	switch frame.Kind {
	case streamhub.FrameAudio:
		csid, messageType = CSIDAudio, MessageTypeAudio
	case streamhub.FrameVideo:
		csid, messageType = CSIDVideo, MessageTypeVideo
	case streamhub.FrameMetaData:
		csid, messageType = CSIDData, MessageTypeAMF0Data
	}

	chunk := EncodeChunk(csid, frame.Timestamp, messageType, s.streamID, frame.Payload)
	_, err := s.writer.Write(chunk)
	return err
}
