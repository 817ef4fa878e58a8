package streamhub

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gtfo/streamgw/pkg/logger"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	h := New(Config{GOPCacheDepth: 2, SubscriberQueueLen: 16}, log)
	t.Cleanup(h.Close)
	return h
}

func recvWithTimeout(t *testing.T, sink FrameSink) FrameData {
	t.Helper()
	select {
	case f, ok := <-sink:
		require.True(t, ok, "sink closed unexpectedly")
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return FrameData{}
	}
}

func TestPublishDuplicateIdentifierFails(t *testing.T) {
	h := newTestHub(t)
	id := Identifier{Kind: KindRTMP, App: "live", Stream: "cam1"}

	require.NoError(t, h.Publish(id, PublisherInfo{ID: uuid.New()}, nil))
	err := h.Publish(id, PublisherInfo{ID: uuid.New()}, nil)
	require.Error(t, err)
}

func TestSubscribeReceivesLiveFrames(t *testing.T) {
	h := newTestHub(t)
	id := Identifier{Kind: KindRTMP, App: "live", Stream: "cam1"}
	require.NoError(t, h.Publish(id, PublisherInfo{ID: uuid.New()}, nil))

	sink, err := h.Subscribe(id, SubscriberInfo{ID: uuid.New(), Kind: PlayerRTMP})
	require.NoError(t, err)

	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, IsKeyframe: true, Payload: []byte{1}}))

	f := recvWithTimeout(t, sink)
	require.True(t, f.IsKeyframe)
	require.Equal(t, []byte{1}, f.Payload)
}

func TestLateJoinReplaysMetadataThenSequenceHeadersThenGOPs(t *testing.T) {
	h := newTestHub(t)
	id := Identifier{Kind: KindRTMP, App: "live", Stream: "cam1"}
	require.NoError(t, h.Publish(id, PublisherInfo{ID: uuid.New()}, nil))

	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameMetaData, Payload: []byte("meta")}))
	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameAudio, IsSequenceHeader: true, Payload: []byte("aac-sh")}))
	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, IsSequenceHeader: true, Payload: []byte("avc-sh")}))
	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, IsKeyframe: true, Payload: []byte("kf1")}))
	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, Payload: []byte("p1")}))

	sink, err := h.Subscribe(id, SubscriberInfo{ID: uuid.New(), Kind: PlayerHLS})
	require.NoError(t, err)

	order := []FrameData{
		recvWithTimeout(t, sink),
		recvWithTimeout(t, sink),
		recvWithTimeout(t, sink),
		recvWithTimeout(t, sink),
		recvWithTimeout(t, sink),
	}

	require.Equal(t, FrameMetaData, order[0].Kind)
	require.Equal(t, FrameAudio, order[1].Kind)
	require.True(t, order[1].IsSequenceHeader)
	require.Equal(t, FrameVideo, order[2].Kind)
	require.True(t, order[2].IsSequenceHeader)
	require.Equal(t, []byte("kf1"), order[3].Payload)
	require.Equal(t, []byte("p1"), order[4].Payload)
}

func TestPushSubscriberSkipsGOPReplayButGetsSequenceHeaders(t *testing.T) {
	h := newTestHub(t)
	id := Identifier{Kind: KindRTMP, App: "live", Stream: "cam1"}
	require.NoError(t, h.Publish(id, PublisherInfo{ID: uuid.New()}, nil))

	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameAudio, IsSequenceHeader: true, Payload: []byte("aac-sh")}))
	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, IsKeyframe: true, Payload: []byte("kf1")}))
	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, Payload: []byte("p1")}))

	sink, err := h.Subscribe(id, SubscriberInfo{ID: uuid.New(), Kind: PushRTSP})
	require.NoError(t, err)

	sh := recvWithTimeout(t, sink)
	require.Equal(t, FrameAudio, sh.Kind)
	require.True(t, sh.IsSequenceHeader, "a push subscriber still primes on sequence headers, just not retained GOPs")

	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, Payload: []byte("live")}))
	live := recvWithTimeout(t, sink)
	require.Equal(t, []byte("live"), live.Payload, "the two GOP-retained frames (kf1, p1) must not have been replayed")
}

func TestGOPCacheDropsOldestBeyondDepth(t *testing.T) {
	h := newTestHub(t)
	id := Identifier{Kind: KindRTMP, App: "live", Stream: "cam1"}
	require.NoError(t, h.Publish(id, PublisherInfo{ID: uuid.New()}, nil))

	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, IsKeyframe: true, Payload: []byte("gop1")}))
	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, IsKeyframe: true, Payload: []byte("gop2")}))
	require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, IsKeyframe: true, Payload: []byte("gop3")}))

	sink, err := h.Subscribe(id, SubscriberInfo{ID: uuid.New(), Kind: PlayerHLS})
	require.NoError(t, err)

	first := recvWithTimeout(t, sink)
	require.Equal(t, []byte("gop2"), first.Payload, "GOP cache depth 2 should have evicted gop1")
}

func TestSubscriberDroppedWhenQueueFullDoesNotBlockPublisher(t *testing.T) {
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	h := New(Config{GOPCacheDepth: 1, SubscriberQueueLen: 1}, log)
	defer h.Close()

	id := Identifier{Kind: KindRTMP, App: "live", Stream: "cam1"}
	require.NoError(t, h.Publish(id, PublisherInfo{ID: uuid.New()}, nil))

	subID := uuid.New()
	sink, err := h.Subscribe(id, SubscriberInfo{ID: subID, Kind: PlayerRTMP})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			require.NoError(t, h.PublishFrame(id, FrameData{Kind: FrameVideo, IsKeyframe: true, Payload: []byte{byte(i)}}))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	_ = sink
}

func TestUnpublishClosesSubscriberSinks(t *testing.T) {
	h := newTestHub(t)
	id := Identifier{Kind: KindRTSP, Path: "/stream1"}
	pubInfo := PublisherInfo{ID: uuid.New()}
	require.NoError(t, h.Publish(id, pubInfo, nil))

	sink, err := h.Subscribe(id, SubscriberInfo{ID: uuid.New()})
	require.NoError(t, err)

	h.Unpublish(id, pubInfo)

	select {
	case _, ok := <-sink:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("sink was not closed on unpublish")
	}
}

func TestRequestReturnsHandlerDescribe(t *testing.T) {
	h := newTestHub(t)
	id := Identifier{Kind: KindRTSP, Path: "/stream1"}

	handler := describeFunc(func() []byte { return []byte("v=0") })
	require.NoError(t, h.Publish(id, PublisherInfo{ID: uuid.New()}, handler))

	sdp, err := h.Request(id)
	require.NoError(t, err)
	require.Equal(t, []byte("v=0"), sdp)
}

func TestRequestUnknownStreamErrors(t *testing.T) {
	h := newTestHub(t)
	_, err := h.Request(Identifier{Kind: KindRTSP, Path: "/missing"})
	require.Error(t, err)
}

type describeFunc func() []byte

func (f describeFunc) Describe() []byte { return f() }
