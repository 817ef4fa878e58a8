package remux

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gtfo/streamgw/pkg/logger"
	"github.com/gtfo/streamgw/pkg/streamhub"
)

func newTestHub(t *testing.T) *streamhub.Hub {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	h := streamhub.New(streamhub.Config{GOPCacheDepth: 2, SubscriberQueueLen: 16}, log)
	t.Cleanup(h.Close)
	return h
}

func mustLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

func spsNAL() []byte {
	// A syntactically well-formed but arbitrary baseline-profile SPS, NAL
	// type 7. Values don't decode to a realistic resolution; the test only
	// checks that parsing completes and the remuxer proceeds past it.
	return []byte{0x67, 0x42, 0x00, 0x1E, 0x8C, 0x8D, 0x40}
}

func ppsNAL() []byte { return []byte{0x68, 0xCE, 0x3C, 0x80} }

// TestRemuxVideoSequenceHeaderOnce checks that the first access unit
// triggers onMetaData and one AVC sequence header, and that neither
// repeats on a subsequent access unit.
func TestRemuxVideoSequenceHeaderOnce(t *testing.T) {
	hub := newTestHub(t)
	cfg := Config{RTSPPath: "/cam1", RTMPApp: "live", RTMPStream: "cam1"}
	r := New(hub, cfg, mustLogger(t))
	require.NoError(t, hub.Publish(r.rtspID, streamhub.PublisherInfo{ID: uuid.New(), Kind: streamhub.PushRTSP}, nil))

	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	time.Sleep(10 * time.Millisecond)

	sink, err := hub.Subscribe(r.rtmpID, streamhub.SubscriberInfo{})
	require.NoError(t, err)
	t.Cleanup(func() { hub.Unsubscribe(r.rtmpID, uuid.Nil) })

	require.NoError(t, hub.PublishFrame(r.rtspID, streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 0, Payload: spsNAL(),
	}))
	require.NoError(t, hub.PublishFrame(r.rtspID, streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 0, Payload: ppsNAL(),
	}))
	require.NoError(t, hub.PublishFrame(r.rtspID, streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 0, Payload: []byte{0x65, 0xAA, 0xBB}, IsKeyframe: true,
	}))
	// Second access unit, different timestamp, flushes the first.
	require.NoError(t, hub.PublishFrame(r.rtspID, streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 3000, Payload: []byte{0x41, 0xCC, 0xDD},
	}))
	// Third access unit flushes the second.
	require.NoError(t, hub.PublishFrame(r.rtspID, streamhub.FrameData{
		Kind: streamhub.FrameVideo, Timestamp: 6000, Payload: []byte{0x41, 0xEE, 0xFF},
	}))

	var frames []streamhub.FrameData
	require.Eventually(t, func() bool {
		select {
		case f := <-sink:
			frames = append(frames, f)
		default:
		}
		return len(frames) >= 4
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, streamhub.FrameMetaData, frames[0].Kind)
	require.Equal(t, streamhub.FrameVideo, frames[1].Kind)
	require.True(t, frames[1].IsSequenceHeader)
	require.Equal(t, byte(0), frames[1].Payload[1], "AVCPacketType 0 for sequence header")

	require.Equal(t, streamhub.FrameVideo, frames[2].Kind)
	require.False(t, frames[2].IsSequenceHeader)
	require.Equal(t, byte(1), frames[2].Payload[1], "AVCPacketType 1 for NALU")

	// The second access unit carries no repeated metadata or sequence header.
	require.Equal(t, streamhub.FrameVideo, frames[3].Kind)
	require.False(t, frames[3].IsSequenceHeader)
	require.Equal(t, byte(1), frames[3].Payload[1], "AVCPacketType 1 for NALU")
}

func TestAVCCFrameLengthPrefix(t *testing.T) {
	nalus := [][]byte{{0x65, 0xAA}, {0x41, 0xBB, 0xCC}}
	out := avccFrame(nalus)
	require.Equal(t, []byte{0, 0, 0, 2, 0x65, 0xAA, 0, 0, 0, 3, 0x41, 0xBB, 0xCC}, out)
}

func TestSplitAnnexBNALs(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0x67, 1, 2, 0, 0, 1, 0x68, 3, 4}
	nalus := splitAnnexBNALs(data)
	require.Len(t, nalus, 2)
	require.Equal(t, []byte{0x67, 1, 2}, nalus[0])
	require.Equal(t, []byte{0x68, 3, 4}, nalus[1])
}

func TestAudioSequenceHeaderSentOnce(t *testing.T) {
	hub := newTestHub(t)
	cfg := Config{RTSPPath: "/cam1", RTMPApp: "live", RTMPStream: "cam1"}
	r := New(hub, cfg, mustLogger(t))
	require.NoError(t, hub.Publish(r.rtmpID, streamhub.PublisherInfo{ID: r.pubID, Kind: streamhub.PushRTMP}, nil))
	sink, err := hub.Subscribe(r.rtmpID, streamhub.SubscriberInfo{})
	require.NoError(t, err)

	require.NoError(t, r.consumeAudio(streamhub.FrameData{
		Kind: streamhub.FrameAudio, Payload: []byte{0x12, 0x10}, IsSequenceHeader: true,
	}))
	require.True(t, r.audioSeqSent)
	// A second sequence header must be a no-op, not re-published.
	require.NoError(t, r.consumeAudio(streamhub.FrameData{
		Kind: streamhub.FrameAudio, Payload: []byte{0x12, 0x10}, IsSequenceHeader: true,
	}))
	require.Len(t, sink, 1)
}
