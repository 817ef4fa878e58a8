// Package remux republishes an RTSP-origin hub stream under its paired
// RTMP identifier, converting Annex-B NAL units and raw AAC access units
// into the AVCC/FLV-tag shapes RTMP consumers expect. Grounded directly
// on protocol/rtmp/src/remuxer/rtsp2rtmp.rs's Rtsp2Rtmp, generalized from
// its single hard-wired session pair into a hub-subscriber/publisher
// bridge.
package remux

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gtfo/streamgw/pkg/logger"
	"github.com/gtfo/streamgw/pkg/streamhub"
)

// Config names the source RTSP stream and the destination RTMP app/stream
// this Remuxer bridges.
type Config struct {
	RTSPPath   string
	RTMPApp    string
	RTMPStream string
}

// Remuxer subscribes to one RTSP-origin hub stream and republishes it
// under an RTMP identifier. One Remuxer serves one stream; the caller
// decides when to start one (e.g. on first RTMP subscriber request to an
// RTSP-only stream).
type Remuxer struct {
	hub  *streamhub.Hub
	cfg  Config
	log  *logger.Logger

	rtspID streamhub.Identifier
	rtmpID streamhub.Identifier
	subID  uuid.UUID
	pubID  uuid.UUID

	sps, pps []byte
	metaSent bool
	seqSent  bool
	audioSeqSent bool

	pendingNALs     [][]byte
	pendingVideoPTS uint32
	pendingHasVideo bool
	pendingKeyframe bool
}

// New creates a Remuxer. Call Run to start bridging; Run blocks until the
// source stream ends or the hub subscription is dropped.
func New(hub *streamhub.Hub, cfg Config, log *logger.Logger) *Remuxer {
	return &Remuxer{
		hub: hub,
		cfg: cfg,
		log: log,
		rtspID: streamhub.Identifier{Kind: streamhub.KindRTSP, Path: cfg.RTSPPath},
		rtmpID: streamhub.Identifier{Kind: streamhub.KindRTMP, App: cfg.RTMPApp, Stream: cfg.RTMPStream},
		subID:  uuid.New(),
		pubID:  uuid.New(),
	}
}

// Run publishes the RTMP identifier first, then subscribes to the RTSP
// source and pumps remuxed frames until the source sink closes — the same
// publish-before-subscribe ordering rtsp2rtmp.rs's Rtsp2Rtmp::run uses so
// an RTMP player arriving mid-setup sees the stream registered immediately.
func (r *Remuxer) Run() error {
	if err := r.hub.Publish(r.rtmpID, streamhub.PublisherInfo{ID: r.pubID, Kind: streamhub.PushRTMP}, nil); err != nil {
		return fmt.Errorf("remux: publish %s: %w", r.rtmpID, err)
	}
	defer r.hub.Unpublish(r.rtmpID, streamhub.PublisherInfo{ID: r.pubID, Kind: streamhub.PushRTMP})

	sink, err := r.hub.Subscribe(r.rtspID, streamhub.SubscriberInfo{ID: r.subID, Kind: streamhub.SubscriberRTMP})
	if err != nil {
		return fmt.Errorf("remux: subscribe %s: %w", r.rtspID, err)
	}
	defer r.hub.Unsubscribe(r.rtspID, r.subID)

	for frame := range sink {
		if err := r.consume(frame); err != nil {
			r.log.Warn().Err(err).Stringer("rtsp", r.rtspID).Msg("remux: dropping frame")
		}
	}

	if r.pendingHasVideo {
		if err := r.flushVideoAU(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remuxer) consume(f streamhub.FrameData) error {
	switch f.Kind {
	case streamhub.FrameVideo:
		return r.consumeVideo(f)
	case streamhub.FrameAudio:
		return r.consumeAudio(f)
	}
	return nil
}

// consumeVideo groups NAL units sharing one RTP timestamp into an access
// unit (the hub delivers one FrameData per NAL, not per AU, the same fact
// hls.Segmenter accounts for), tracking the most recent SPS/PPS for the
// AVCDecoderConfigurationRecord.
func (r *Remuxer) consumeVideo(f streamhub.FrameData) error {
	if f.IsSequenceHeader {
		return nil // RTSP side carries SPS/PPS inline in the NAL stream, not as a header frame
	}

	if r.pendingHasVideo && f.Timestamp != r.pendingVideoPTS {
		if err := r.flushVideoAU(); err != nil {
			return err
		}
	}
	if !r.pendingHasVideo {
		r.pendingVideoPTS = f.Timestamp
		r.pendingKeyframe = false
	}

	// The hub's video frames are Annex-B (4-byte start code + NAL), per
	// rtppayload.withStartCode; strip it to get the bare NAL this package
	// AVCC-frames and classifies.
	nalu := stripStartCode(f.Payload)
	switch naluType(nalu) {
	case nalTypeSPS:
		r.sps = append([]byte(nil), nalu...)
	case nalTypePPS:
		r.pps = append([]byte(nil), nalu...)
	default:
		r.pendingNALs = append(r.pendingNALs, append([]byte(nil), nalu...))
	}
	if f.IsKeyframe {
		r.pendingKeyframe = true
	}
	r.pendingHasVideo = true
	return nil
}

const (
	nalTypeSPS = 7
	nalTypePPS = 8
)

func naluType(nalu []byte) int {
	if len(nalu) == 0 {
		return -1
	}
	return int(nalu[0] & 0x1F)
}

func (r *Remuxer) flushVideoAU() error {
	defer func() {
		r.pendingNALs = nil
		r.pendingHasVideo = false
	}()

	timestampMS := r.pendingVideoPTS / 90

	if !r.metaSent {
		width, height := uint32(0), uint32(0)
		if len(r.sps) > 0 {
			width, height = spsDimensions(r.sps)
		}
		if err := r.publishData(onMetaData(width, height)); err != nil {
			return err
		}
		r.metaSent = true
	}

	if !r.seqSent && len(r.sps) > 0 && len(r.pps) > 0 {
		header := videoTagHeader(true, 0)
		header = append(header, avcDecoderConfigurationRecord(r.sps, r.pps)...)
		if err := r.publishVideo(0, header, true, true); err != nil {
			return err
		}
		r.seqSent = true
	}

	if len(r.pendingNALs) == 0 {
		return nil
	}

	payload := videoTagHeader(r.pendingKeyframe, 1)
	payload = append(payload, avccFrame(r.pendingNALs)...)
	return r.publishVideo(timestampMS, payload, r.pendingKeyframe, false)
}

// consumeAudio passes AAC access units through unchanged, prefixed with
// the RTMP audio tag header; it emits the AudioSpecificConfig as a
// sequence-header message once, the same one-shot pattern as video.
func (r *Remuxer) consumeAudio(f streamhub.FrameData) error {
	if f.IsSequenceHeader {
		if r.audioSeqSent {
			return nil
		}
		r.audioSeqSent = true
		payload := append(audioTagHeader(0), f.Payload...)
		return r.hub.PublishFrame(r.rtmpID, streamhub.FrameData{
			Kind: streamhub.FrameAudio, Timestamp: f.Timestamp / 90, Payload: payload, IsSequenceHeader: true,
		})
	}
	payload := append(audioTagHeader(1), f.Payload...)
	return r.publishAudio(f.Timestamp/90, payload)
}

func (r *Remuxer) publishVideo(timestampMS uint32, payload []byte, keyframe, seqHeader bool) error {
	return r.hub.PublishFrame(r.rtmpID, streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: timestampMS, Payload: payload,
		IsKeyframe: keyframe, IsSequenceHeader: seqHeader,
	})
}

func (r *Remuxer) publishAudio(timestampMS uint32, payload []byte) error {
	return r.hub.PublishFrame(r.rtmpID, streamhub.FrameData{
		Kind: streamhub.FrameAudio, Timestamp: timestampMS, Payload: payload,
	})
}

func (r *Remuxer) publishData(payload []byte) error {
	return r.hub.PublishFrame(r.rtmpID, streamhub.FrameData{
		Kind: streamhub.FrameMetaData, Payload: payload,
	})
}
