// Package streamhub implements the central in-process broker: it indexes
// live streams by identifier, routes frames from one publisher to many
// subscribers, caches initialization data (metadata, sequence headers, GOPs)
// for late joiners, and broadcasts lifecycle events to relay/remux
// consumers. CameraRelay (pkg/relay/relay.go) is a fixed 1:1 pipe with no
// broker of its own, so this package is new, grounded on the event
// vocabulary in library/streamhub/src/define.rs (Publish/UnPublish/
// Subscribe/UnSubscribe/Request/ApiStatistic/ApiKickClient) translated to
// Go channels, and on MultiCameraRelay's map+mutex idiom
// (pkg/relay/multi_relay.go) for managing many concurrent subscriptions.
package streamhub

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gtfo/streamgw/pkg/logger"
)

// StreamKind distinguishes the two ways a stream is addressed: by RTSP
// path, or by RTMP app/stream pair.
type StreamKind int

const (
	KindRTMP StreamKind = iota
	KindRTSP
)

// Identifier is the hub's primary lookup key: structural equality over an
// RTMP app/stream pair or an RTSP path.
type Identifier struct {
	Kind   StreamKind
	App    string // RTMP only
	Stream string // RTMP only
	Path   string // RTSP only
}

func (id Identifier) String() string {
	if id.Kind == KindRTMP {
		return fmt.Sprintf("rtmp:%s/%s", id.App, id.Stream)
	}
	return fmt.Sprintf("rtsp:%s", id.Path)
}

// SubscriberKind enumerates the consumer roles a subscriber or publisher
// can take on, used for cache-replay policy and external kick-off.
type SubscriberKind int

const (
	PlayerRTMP SubscriberKind = iota
	PlayerHTTPFLV
	PlayerHLS
	PlayerRTSP
	GenerateHLS
	PublisherRTMP
	PushRTMP
	PushRTSP
	SubscriberRTMP
)

// PublisherInfo and SubscriberInfo identify the two ends of a stream
// relationship.
type PublisherInfo struct {
	ID         uuid.UUID
	Kind       SubscriberKind
	RequestURL string
	RemoteAddr string
}

type SubscriberInfo struct {
	ID         uuid.UUID
	Kind       SubscriberKind
	RequestURL string
	RemoteAddr string
}

// FrameKind tags a FrameData's payload type.
type FrameKind int

const (
	FrameAudio FrameKind = iota
	FrameVideo
	FrameMetaData
)

// FrameData is one decoding-complete payload moving through the hub.
// Frames are immutable after creation.
type FrameData struct {
	Kind      FrameKind
	Timestamp uint32
	Payload   []byte

	// IsSequenceHeader marks an audio/video frame as the codec
	// initialization data (AAC AudioSpecificConfig, AVC/HEVC decoder
	// configuration record) rather than a regular access unit.
	IsSequenceHeader bool

	// IsKeyframe marks a video frame as a sync point a GOP can start from.
	IsKeyframe bool
}

// FrameSink is the per-subscriber delivery channel; a full or closed sink
// causes that subscriber to be dropped without blocking the publisher.
type FrameSink chan FrameData

// LifecycleEvent is broadcast to relay/remux consumers on publish/unpublish.
type LifecycleEvent struct {
	Identifier  Identifier
	Published   bool // false on unpublish
	PublisherID uuid.UUID
}

// gop is one keyframe-started run of frames retained for late-join replay.
type gop struct {
	frames []FrameData
}

// cache holds per-stream initialization memory: the latest metadata frame,
// the latest audio/video sequence headers, and a FIFO of retained GOPs.
// Grounded on m3u8.rs's VecDeque<Segment> FIFO idiom, reused here for GOPs.
type cache struct {
	metadata       *FrameData
	audioSeqHeader *FrameData
	videoSeqHeader *FrameData
	gops           []*gop
	maxGOPs        int
}

func newCache(maxGOPs int) *cache {
	if maxGOPs < 1 {
		maxGOPs = 1
	}
	return &cache{maxGOPs: maxGOPs}
}

// observe updates the cache with one published frame (the frame itself,
// unless it was a sequence header that replaces cached state but is not
// itself appended to a GOP is still forwarded live — only GOP *retention*
// differs from live forwarding).
func (c *cache) observe(f FrameData) {
	switch {
	case f.Kind == FrameMetaData:
		c.metadata = &f
		return
	case f.Kind == FrameAudio && f.IsSequenceHeader:
		c.audioSeqHeader = &f
		return
	case f.Kind == FrameVideo && f.IsSequenceHeader:
		c.videoSeqHeader = &f
		return
	}

	if f.Kind == FrameVideo && f.IsKeyframe {
		c.gops = append(c.gops, &gop{frames: []FrameData{f}})
		if len(c.gops) > c.maxGOPs {
			c.gops = c.gops[1:]
		}
		return
	}

	if len(c.gops) == 0 {
		// No keyframe observed yet; nothing to anchor this frame to.
		return
	}
	last := c.gops[len(c.gops)-1]
	last.frames = append(last.frames, f)
}

// replay returns the frames a newly subscribing sink should receive before
// any live frame: metadata, audio SH, video SH always, then — only for a
// player or HLS-generator kind — every frame of every retained GOP in
// order, so a late-joining subscriber can start decoding without waiting
// for the next keyframe. A push/relay subscriber (PushRTMP, PushRTSP,
// SubscriberRTMP) forwards raw frames onward and has no decoder of its own
// to prime, so it gets the metadata and sequence headers but no retained
// GOP frames.
func (c *cache) replay(kind SubscriberKind) []FrameData {
	var out []FrameData
	if c.metadata != nil {
		out = append(out, *c.metadata)
	}
	if c.audioSeqHeader != nil {
		out = append(out, *c.audioSeqHeader)
	}
	if c.videoSeqHeader != nil {
		out = append(out, *c.videoSeqHeader)
	}
	if !wantsGOPReplay(kind) {
		return out
	}
	for _, g := range c.gops {
		out = append(out, g.frames...)
	}
	return out
}

// wantsGOPReplay reports whether a subscriber kind should receive retained
// GOPs on join, scoped to player and HLS-generator kinds per the hub's
// late-join replay policy.
func wantsGOPReplay(kind SubscriberKind) bool {
	switch kind {
	case PlayerRTMP, PlayerHTTPFLV, PlayerHLS, PlayerRTSP, GenerateHLS:
		return true
	default:
		return false
	}
}

// StreamHandler is the publisher-side collaborator the hub asks for
// auxiliary info (e.g. SDP) on a Request event.
type StreamHandler interface {
	// Describe returns the publisher's current session description (SDP
	// bytes for an RTSP-origin stream, or nil if not applicable).
	Describe() []byte
}

// streamEntry is the hub's internal per-identifier state, created on
// Publish and destroyed on UnPublish.
type streamEntry struct {
	identifier Identifier
	publisher  PublisherInfo
	handler    StreamHandler
	cache      *cache

	mu          sync.Mutex
	subscribers map[uuid.UUID]FrameSink
}

// Config tunes hub-wide defaults.
type Config struct {
	GOPCacheDepth      int
	SubscriberQueueLen int
}

// Hub is the central broker. All mutation of its identifier map happens on
// the single goroutine running run(): Publish, Unpublish and Request send
// events to it over an internal channel. Subscribe, Unsubscribe,
// PublishFrame and the Api* methods look streams up under mu and act on the
// stream entry directly — "global mutable state: none, the hub is itself a
// task."
type Hub struct {
	cfg Config
	log *logger.Logger

	events chan any
	done   chan struct{}

	mu      sync.Mutex
	streams map[Identifier]*streamEntry

	lifecycleMu        sync.Mutex
	lifecycleListeners []chan LifecycleEvent
}

// New starts a hub's event loop goroutine and returns the handle.
func New(cfg Config, log *logger.Logger) *Hub {
	if cfg.SubscriberQueueLen <= 0 {
		cfg.SubscriberQueueLen = 256
	}
	if cfg.GOPCacheDepth <= 0 {
		cfg.GOPCacheDepth = 1
	}

	h := &Hub{
		cfg:     cfg,
		log:     log,
		events:  make(chan any, 64),
		done:    make(chan struct{}),
		streams: make(map[Identifier]*streamEntry),
	}
	go h.run()
	return h
}

// Close stops the hub's event loop.
func (h *Hub) Close() {
	close(h.done)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev any) {
	switch e := ev.(type) {
	case publishEvent:
		h.handlePublish(e)
	case unpublishEvent:
		h.handleUnpublish(e)
	case requestEvent:
		h.handleRequest(e)
	}
}

type publishEvent struct {
	identifier Identifier
	info       PublisherInfo
	handler    StreamHandler
	reply      chan error
}

type unpublishEvent struct {
	identifier Identifier
	info       PublisherInfo
}

type requestEvent struct {
	identifier Identifier
	reply      chan []byte
}

// Publish registers a new stream under identifier. It fails if the
// identifier is already held by another publisher.
func (h *Hub) Publish(identifier Identifier, info PublisherInfo, handler StreamHandler) error {
	reply := make(chan error, 1)
	h.events <- publishEvent{identifier: identifier, info: info, handler: handler, reply: reply}
	return <-reply
}

func (h *Hub) handlePublish(e publishEvent) {
	h.mu.Lock()
	if _, exists := h.streams[e.identifier]; exists {
		h.mu.Unlock()
		e.reply <- fmt.Errorf("streamhub: %s already published", e.identifier)
		return
	}

	entry := &streamEntry{
		identifier:  e.identifier,
		publisher:   e.info,
		handler:     e.handler,
		cache:       newCache(h.cfg.GOPCacheDepth),
		subscribers: make(map[uuid.UUID]FrameSink),
	}
	h.streams[e.identifier] = entry
	h.mu.Unlock()

	h.log.Info().Str("stream", e.identifier.String()).Msg("stream published")
	h.broadcastLifecycle(LifecycleEvent{Identifier: e.identifier, Published: true, PublisherID: e.info.ID})
	e.reply <- nil
}

// Unpublish tears down a stream, dropping all subscribers.
func (h *Hub) Unpublish(identifier Identifier, info PublisherInfo) {
	h.events <- unpublishEvent{identifier: identifier, info: info}
}

func (h *Hub) handleUnpublish(e unpublishEvent) {
	h.mu.Lock()
	entry, ok := h.streams[e.identifier]
	if ok {
		delete(h.streams, e.identifier)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	for _, sink := range entry.subscribers {
		close(sink)
	}
	entry.mu.Unlock()

	h.log.Info().Str("stream", e.identifier.String()).Msg("stream unpublished")
	h.broadcastLifecycle(LifecycleEvent{Identifier: e.identifier, Published: false, PublisherID: e.info.ID})
}

// PublishFrame forwards one frame from the publisher to every current
// subscriber of identifier, updating the cache first. It is safe to call
// concurrently from the publisher's read loop; the lookup itself is
// synchronized but frame fan-out never blocks on a slow subscriber (a full
// or closed sink drops that subscriber, never the publisher).
//
// This diverges deliberately from pkg/bridge/pacer.go's Pacer, whose
// EnqueueVideo falls back to a blocking send when the leaky bucket is full;
// that fallback would let one slow subscriber stall every other consumer
// and the publisher's own read loop.
func (h *Hub) PublishFrame(identifier Identifier, frame FrameData) error {
	h.mu.Lock()
	entry, ok := h.streams[identifier]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("streamhub: %w: %s", errStreamNotFound, identifier)
	}

	entry.mu.Lock()
	entry.cache.observe(frame)
	for id, sink := range entry.subscribers {
		select {
		case sink <- frame:
		default:
			h.log.Warn().Str("stream", identifier.String()).Str("subscriber", id.String()).Msg("subscriber sink full, dropping")
			delete(entry.subscribers, id)
			close(sink)
		}
	}
	entry.mu.Unlock()

	return nil
}

// Subscribe registers sink under info.ID, first replaying the stream's
// cache (metadata, sequence headers, retained GOPs) synchronously so the
// caller observes cache-replay frames strictly before any frame delivered
// afterward through sink.
func (h *Hub) Subscribe(identifier Identifier, info SubscriberInfo) (FrameSink, error) {
	h.mu.Lock()
	entry, ok := h.streams[identifier]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("streamhub: %w: %s", errStreamNotFound, identifier)
	}

	sink := make(FrameSink, h.cfg.SubscriberQueueLen)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	for _, f := range entry.cache.replay(info.Kind) {
		select {
		case sink <- f:
		default:
			h.log.Warn().Str("stream", identifier.String()).Msg("subscriber queue too small to replay full cache")
		}
	}
	entry.subscribers[info.ID] = sink

	return sink, nil
}

// Unsubscribe removes a subscriber; it is a no-op if already removed.
func (h *Hub) Unsubscribe(identifier Identifier, id uuid.UUID) {
	h.mu.Lock()
	entry, ok := h.streams[identifier]
	h.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if sink, ok := entry.subscribers[id]; ok {
		delete(entry.subscribers, id)
		close(sink)
	}
	entry.mu.Unlock()
}

// Request asks the stream's publisher-side handler for auxiliary info (its
// current SDP, for DESCRIBE).
func (h *Hub) Request(identifier Identifier) ([]byte, error) {
	reply := make(chan []byte, 1)
	h.events <- requestEvent{identifier: identifier, reply: reply}
	result := <-reply
	if result == nil {
		return nil, fmt.Errorf("streamhub: %w: %s", errStreamNotFound, identifier)
	}
	return result, nil
}

func (h *Hub) handleRequest(e requestEvent) {
	h.mu.Lock()
	entry, ok := h.streams[e.identifier]
	h.mu.Unlock()

	if !ok || entry.handler == nil {
		e.reply <- nil
		return
	}
	e.reply <- entry.handler.Describe()
}

// Subscribers exposes the broadcast lifecycle feed for relay/remux
// consumers, mirroring MultiCameraRelay's pattern of tracking many
// concurrently interested listeners.
func (h *Hub) Subscribers() <-chan LifecycleEvent {
	ch := make(chan LifecycleEvent, 16)
	h.lifecycleMu.Lock()
	h.lifecycleListeners = append(h.lifecycleListeners, ch)
	h.lifecycleMu.Unlock()
	return ch
}

func (h *Hub) broadcastLifecycle(ev LifecycleEvent) {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	for _, ch := range h.lifecycleListeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ApiStatistic enumerates every live stream and its subscriber count, for
// external monitoring and admin APIs.
type ApiStatistic struct {
	Identifier      Identifier
	SubscriberCount int
}

func (h *Hub) ApiStatistic() []ApiStatistic {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ApiStatistic, 0, len(h.streams))
	for id, entry := range h.streams {
		entry.mu.Lock()
		count := len(entry.subscribers)
		entry.mu.Unlock()
		out = append(out, ApiStatistic{Identifier: id, SubscriberCount: count})
	}
	return out
}

// ApiKickClient forcibly unsubscribes a client, e.g. for admin moderation.
func (h *Hub) ApiKickClient(identifier Identifier, id uuid.UUID) {
	h.Unsubscribe(identifier, id)
}
