package hls

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gtfo/streamgw/pkg/logger"
	"github.com/gtfo/streamgw/pkg/streamhub"
)

func newTestSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)

	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	s, err := New(cfg, log)
	require.NoError(t, err)
	return s
}

func keyframeNAL() []byte { return []byte{0, 0, 0, 1, 0x65, 0xAA, 0xBB} }
func pframeNAL() []byte   { return []byte{0, 0, 0, 1, 0x41, 0xCC, 0xDD} }

// TestHLSLiveWindow appends 7 segments of 10s each with a live window of
// 3; after the 7th append the playlist must reference segments 5, 6, 7
// (media-sequence 4) and segments 1-4 must be gone from disk.
func TestHLSLiveWindow(t *testing.T) {
	s := newTestSegmenter(t, Config{
		AppName:           "live",
		StreamName:        "cam1",
		SegmentDurationMS: 10000,
		LiveWindow:        3,
		VideoCodec:        VideoH264,
	})

	var pts uint32
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Consume(streamhub.FrameData{
			Kind: streamhub.FrameVideo, Timestamp: pts, Payload: keyframeNAL(), IsKeyframe: true,
		}))
		pts += 900000 // 10s at 90kHz
	}
	// Flush the final pending AU by closing the stream.
	require.NoError(t, s.Close())

	content, err := os.ReadFile(filepath.Join(s.liveDir, "cam1.m3u8"))
	require.NoError(t, err)
	text := string(content)
	require.Contains(t, text, "#EXT-X-MEDIA-SEQUENCE:4")

	for i := 0; i < 4; i++ {
		_, err := os.Stat(filepath.Join(s.liveDir, strconv.Itoa(i)+".ts"))
		require.True(t, os.IsNotExist(err), "segment %d should have been evicted", i)
	}
	for i := 4; i < 7; i++ {
		_, err := os.Stat(filepath.Join(s.liveDir, strconv.Itoa(i)+".ts"))
		require.NoError(t, err, "segment %d should still exist", i)
	}
}

// TestVideoAccessUnitAssembly covers the case where an access unit's NAL
// units arrive as separate FrameData values sharing one timestamp — the
// hub's unit of delivery is one NAL, not one access unit.
func TestVideoAccessUnitAssembly(t *testing.T) {
	s := newTestSegmenter(t, Config{
		AppName:           "live",
		StreamName:        "cam1",
		SegmentDurationMS: 10000,
		LiveWindow:        3,
		VideoCodec:        VideoH264,
	})

	require.NoError(t, s.Consume(streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 0, Payload: []byte{0, 0, 0, 1, 0x67, 1, 2, 3}, // SPS
	}))
	require.NoError(t, s.Consume(streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 0, Payload: keyframeNAL(), IsKeyframe: true,
	}))
	require.True(t, s.pendingHasVideo)
	require.True(t, s.pendingVideoKeyframe)

	require.NoError(t, s.Consume(streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 3000, Payload: pframeNAL(),
	}))
	require.True(t, s.haveSegment, "first AU at ts=0 should have opened a segment")
	require.False(t, s.pendingVideoKeyframe, "pending AU at ts=3000 is a P-frame")
}

func TestAudioWaitsForVideoKeyframe(t *testing.T) {
	s := newTestSegmenter(t, Config{
		AppName:           "live",
		StreamName:        "cam1",
		SegmentDurationMS: 10000,
		LiveWindow:        3,
		VideoCodec:        VideoH264,
		HasAudio:          true,
		AudioClockRate:    48000,
		AudioChannels:     2,
	})

	require.NoError(t, s.Consume(streamhub.FrameData{
		Kind: streamhub.FrameAudio, Timestamp: 0, Payload: []byte{1, 2, 3},
	}))
	require.False(t, s.haveSegment, "audio before the first video keyframe must be dropped")

	require.NoError(t, s.Consume(streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 0, Payload: keyframeNAL(), IsKeyframe: true,
	}))
	require.NoError(t, s.Consume(streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 3000, Payload: pframeNAL(),
	}))
	require.True(t, s.haveSegment)

	require.NoError(t, s.Consume(streamhub.FrameData{
		Kind: streamhub.FrameAudio, Timestamp: 1024, Payload: []byte{4, 5, 6},
	}))
}
