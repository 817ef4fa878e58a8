package hls

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/gtfo/streamgw/pkg/logger"
	"github.com/gtfo/streamgw/pkg/streamhub"
)

// segmentFlushQPS caps how often this Segmenter writes a finished segment
// to disk, grounded on pkg/nest/queue.go's CommandQueue limiter. The limiter
// wait and the file write both run on the goroutine that calls Consume or
// Close, so that goroutine is paused while a segment is throttled or written.
const segmentFlushQPS = 20

// VideoCodec selects the MPEG-TS stream type a segment's video elementary
// stream is tagged with.
type VideoCodec int

const (
	VideoNone VideoCodec = iota
	VideoH264
	VideoH265
)

func (c VideoCodec) streamType() byte {
	if c == VideoH265 {
		return streamTypeH265
	}
	return streamTypeH264
}

// Config configures one Segmenter instance, one per live stream.
type Config struct {
	AppName    string
	StreamName string

	// SegmentDurationMS is the target segment duration; segments are cut
	// on the first keyframe at or after this threshold. Defaults to
	// 10000ms.
	SegmentDurationMS int64
	// LiveWindow is the sliding playlist window length. Defaults to 3.
	LiveWindow int
	// RecordRoot, if set, enables VOD mirroring under
	// <RecordRoot>/<app>_<stream>/.
	RecordRoot string

	VideoCodec     VideoCodec
	HasAudio       bool
	AudioClockRate uint32
	AudioChannels  uint8
}

func (c *Config) setDefaults() {
	if c.SegmentDurationMS <= 0 {
		c.SegmentDurationMS = 10000
	}
	if c.LiveWindow <= 0 {
		c.LiveWindow = 3
	}
	if c.AudioClockRate == 0 {
		c.AudioClockRate = 48000
	}
	if c.AudioChannels == 0 {
		c.AudioChannels = 2
	}
}

// Segmenter converts an incoming streamhub.FrameData stream into MPEG-TS
// segments and a live M3U8 playlist, grounded on protocol/hls/src/m3u8.rs's
// M3u8/Ts pairing, generalized from a single Rust struct into a frame-sink
// object this gateway's RTSP/RTMP subscriber path feeds.
type Segmenter struct {
	cfg Config
	log *logger.Logger

	liveDir string
	tsNumber int

	mux *muxer
	pl  *playlist

	flushLimiter *rate.Limiter

	videoSeqHeader []byte

	haveSegment   bool
	segStartPTS   uint64
	curDurationMS int64

	pendingVideo         []byte
	pendingVideoPTS      uint32
	pendingVideoKeyframe bool
	pendingHasVideo      bool

	audioAUCount int
}

// New creates a Segmenter and its live-window output directory
// (./<app>/<stream>/).
func New(cfg Config, log *logger.Logger) (*Segmenter, error) {
	cfg.setDefaults()

	liveDir := filepath.Join(".", cfg.AppName, cfg.StreamName)
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return nil, fmt.Errorf("hls: create live dir %s: %w", liveDir, err)
	}

	var rec *record
	if cfg.RecordRoot != "" {
		recDir := filepath.Join(cfg.RecordRoot, cfg.AppName+"_"+cfg.StreamName)
		if err := os.MkdirAll(recDir, 0o755); err != nil {
			return nil, fmt.Errorf("hls: create record dir %s: %w", recDir, err)
		}
		recPath := filepath.Join(recDir, cfg.StreamName+".m3u8")
		rec = newRecord(recPath, cfg.SegmentDurationMS)
	}

	hasVideo := cfg.VideoCodec != VideoNone
	return &Segmenter{
		cfg:          cfg,
		log:          log,
		liveDir:      liveDir,
		mux:          newMuxer(cfg.VideoCodec.streamType(), hasVideo, cfg.HasAudio),
		pl:           newPlaylist(cfg.SegmentDurationMS, cfg.LiveWindow, liveDir, cfg.StreamName+".m3u8", rec),
		flushLimiter: rate.NewLimiter(rate.Limit(segmentFlushQPS), 1),
	}, nil
}

// Consume feeds one hub frame through the segmenter. Metadata frames are
// dropped (TS carries no out-of-band metadata track); video sequence headers
// are cached and prepended to the next keyframe's access unit; audio
// sequence headers are dropped.
func (s *Segmenter) Consume(f streamhub.FrameData) error {
	switch f.Kind {
	case streamhub.FrameMetaData:
		return nil
	case streamhub.FrameVideo:
		if f.IsSequenceHeader {
			s.videoSeqHeader = append([]byte(nil), f.Payload...)
			return nil
		}
		return s.consumeVideo(f)
	case streamhub.FrameAudio:
		if f.IsSequenceHeader {
			return nil
		}
		return s.consumeAudio(f)
	}
	return nil
}

// consumeVideo accumulates NAL units sharing one timestamp into an access
// unit, flushing the previous one when the timestamp advances — the hub
// delivers one FrameData per depacketized NAL, not per access unit, so
// this is where access-unit boundaries are reconstructed.
func (s *Segmenter) consumeVideo(f streamhub.FrameData) error {
	if s.pendingHasVideo && f.Timestamp != s.pendingVideoPTS {
		if err := s.flushVideoAU(); err != nil {
			return err
		}
	}
	if !s.pendingHasVideo {
		s.pendingVideoPTS = f.Timestamp
		s.pendingVideoKeyframe = false
	}
	s.pendingVideo = append(s.pendingVideo, f.Payload...)
	if f.IsKeyframe {
		s.pendingVideoKeyframe = true
	}
	s.pendingHasVideo = true
	return nil
}

func (s *Segmenter) flushVideoAU() error {
	annexB := s.pendingVideo
	keyframe := s.pendingVideoKeyframe
	pts := uint64(s.pendingVideoPTS)

	if keyframe && len(s.videoSeqHeader) > 0 {
		withHeader := make([]byte, 0, len(s.videoSeqHeader)+len(annexB))
		withHeader = append(withHeader, s.videoSeqHeader...)
		withHeader = append(withHeader, annexB...)
		annexB = withHeader
	}

	if keyframe && s.haveSegment {
		// Measure the segment's duration as of *this* keyframe's own
		// timestamp, not the last AU written — the cut decision is about
		// whether the segment-so-far has reached its target the instant
		// the new keyframe arrives.
		s.updateDuration(pts)
		if s.curDurationMS >= s.cfg.SegmentDurationMS {
			if err := s.closeSegment(false); err != nil {
				return err
			}
		}
	}
	if !s.haveSegment {
		s.openSegment(pts)
	}

	s.mux.writePES(videoPID, &s.mux.videoCC, streamIDVideo, pts, pts, true, keyframe, annexB)
	s.updateDuration(pts)

	s.pendingVideo = s.pendingVideo[:0]
	s.pendingHasVideo = false
	return nil
}

const audioOnlySegmentMinAUs = 100

func (s *Segmenter) consumeAudio(f streamhub.FrameData) error {
	hasVideo := s.cfg.VideoCodec != VideoNone
	if hasVideo && !s.haveSegment {
		// Waiting for the first video keyframe to open a segment; audio
		// arriving before it can't be placed, same as mediamtx's
		// converter waiting on curTSFile.firstPacketWritten.
		return nil
	}

	pts := uint64(f.Timestamp) * 90000 / uint64(s.cfg.AudioClockRate)
	adts := buildADTSHeader(f.Payload, adtsSampleRateIndex(s.cfg.AudioClockRate), s.cfg.AudioChannels)
	payload := make([]byte, 0, len(adts)+len(f.Payload))
	payload = append(payload, adts...)
	payload = append(payload, f.Payload...)

	if !hasVideo {
		s.audioAUCount++
		if !s.haveSegment {
			s.openSegment(pts)
		} else if s.curDurationMS >= s.cfg.SegmentDurationMS && s.audioAUCount >= audioOnlySegmentMinAUs {
			if err := s.closeSegment(false); err != nil {
				return err
			}
			s.audioAUCount = 0
			s.openSegment(pts)
		}
	}

	s.mux.writePES(audioPID, &s.mux.audioCC, streamIDAudio, pts, pts, !hasVideo, false, payload)
	if !hasVideo {
		s.updateDuration(pts)
	}
	return nil
}

func (s *Segmenter) openSegment(startPTS uint64) {
	s.mux.reset()
	s.mux.writePATPMT()
	s.segStartPTS = startPTS
	s.curDurationMS = 0
	s.haveSegment = true
}

func (s *Segmenter) updateDuration(pts uint64) {
	if pts >= s.segStartPTS {
		s.curDurationMS = int64((pts - s.segStartPTS) / 90)
	}
}

// closeSegment flushes the muxer's accumulated buffer to a numbered .ts
// file, registers it with the live playlist (evicting the oldest segment
// if the window is full), and rewrites the playlist to disk.
func (s *Segmenter) closeSegment(isEOF bool) error {
	if !s.haveSegment {
		return nil
	}

	if err := s.flushLimiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("hls: flush rate limit: %w", err)
	}

	data := append([]byte(nil), s.mux.buf...)
	name := fmt.Sprintf("%d.ts", s.tsNumber)
	s.tsNumber++
	path := filepath.Join(s.liveDir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("hls: write segment %s: %w", path, err)
	}

	seg := Segment{
		DurationMS: s.curDurationMS,
		Name:       name,
		DiskPath:   path,
		IsEOF:      isEOF,
		checksum:   segmentChecksum(data),
	}
	if err := s.pl.addSegment(seg); err != nil {
		return err
	}
	if _, err := s.pl.refresh(); err != nil {
		return err
	}

	s.haveSegment = false
	return nil
}

// Close flushes any pending access unit, closes the final segment marked
// EOF, and rewrites the playlist with #EXT-X-ENDLIST — called when the
// publisher unpublishes.
func (s *Segmenter) Close() error {
	if s.pendingHasVideo {
		if err := s.flushVideoAU(); err != nil {
			return err
		}
	}
	return s.closeSegment(true)
}

// Remove deletes every live segment file and the playlist itself,
// finalizing any VOD record, per protocol/hls/src/m3u8.rs's M3u8::clear.
// Distinct from Close: this tears the on-disk live window down entirely,
// for use when a stream's HLS output is being decommissioned rather than
// merely ended.
func (s *Segmenter) Remove() error {
	return s.pl.clear()
}
