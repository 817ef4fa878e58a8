// Package rtcpctx implements the RFC 3550 section 6.4.1/section 8/appendix A.1
// receiver-side bookkeeping needed to emit Receiver Reports: extended highest
// sequence number, cumulative and fractional loss, and interarrival jitter.
// It is grounded on the sender-side RTCP feedback dispatch in the prior relay's
// pkg/bridge/bridge.go readRTCP (the type-switch over *rtcp.PictureLossIndication,
// *rtcp.FullIntraRequest, *rtcp.ReceiverEstimatedMaximumBitrate,
// *rtcp.ReceiverReport), generalized here to the receiving side of an RTSP/RTP
// session, and uses github.com/pion/rtcp for the wire types.
package rtcpctx

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// maxDropout and maxMisorder bound the RFC 3550 Appendix A.1 sequence
// validation: a jump past maxDropout resets the context (assumes the source
// restarted), a jump backwards past maxMisorder is treated as a duplicate or
// reordered packet rather than a new source.
const (
	maxDropout    = 3000
	maxMisorder   = 100
	minSequential = 2
	rtpSeqMod     = 1 << 16
)

// ReceiverContext accumulates the per-SSRC statistics RFC 3550 requires to
// build a Receiver Report block. One ReceiverContext exists per inbound
// media source (one per SSRC an RTSP session or hub subscriber receives).
type ReceiverContext struct {
	mu sync.Mutex

	ssrc      uint32
	clockRate uint32

	maxSeq        uint16
	cycles        uint32
	baseSeq       uint32
	badSeq        uint32
	probation     int
	received      uint32
	expectedPrior uint32
	receivedPrior uint32

	transit uint32
	jitter  float64

	lastSR     uint32
	lastSRTime time.Time
	gotSR      bool
}

// New creates a receiver context for the given SSRC and RTP clock rate (e.g.
// 90000 for video, 48000 for typical AAC).
func New(ssrc, clockRate uint32) *ReceiverContext {
	return &ReceiverContext{
		ssrc:      ssrc,
		clockRate: clockRate,
		probation: minSequential,
	}
}

// initSeq resets the sequence-tracking state to start from seq, per RFC 3550
// Appendix A.1 init_seq.
func (r *ReceiverContext) initSeq(seq uint16) {
	r.baseSeq = uint32(seq)
	r.maxSeq = seq
	r.badSeq = rtpSeqMod + 1
	r.cycles = 0
	r.received = 0
	r.receivedPrior = 0
	r.expectedPrior = 0
}

// UpdateSeq feeds one arriving RTP sequence number through the Appendix A.1
// validation and extended-sequence bookkeeping. It returns false while the
// source is still on probation (fewer than minSequential consecutive packets
// seen), matching the reference algorithm's source-validity gate.
func (r *ReceiverContext) UpdateSeq(seq uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	udelta := uint16(seq - r.maxSeq)

	if r.probation > 0 {
		if seq == r.maxSeq+1 {
			r.probation--
			r.maxSeq = seq
			if r.probation == 0 {
				r.initSeq(seq)
				r.received++
				return true
			}
		} else {
			r.probation = minSequential - 1
			r.maxSeq = seq
		}
		return false
	}

	switch {
	case udelta < maxDropout:
		if seq < r.maxSeq {
			r.cycles += rtpSeqMod
		}
		r.maxSeq = seq
	case udelta <= rtpSeqMod-maxMisorder:
		if uint32(seq) == r.badSeq {
			r.initSeq(seq)
		} else {
			r.badSeq = (uint32(seq) + 1) & (rtpSeqMod - 1)
			return true
		}
	default:
		// Duplicate or out of order within the misorder window; ignore.
	}

	r.received++
	return true
}

// UpdateJitter feeds one arriving packet's RTP timestamp and local arrival
// time (converted to clockRate units) through the RFC 3550 Appendix A.8
// recursive jitter estimate: J += (|D| - J) / 16.
func (r *ReceiverContext) UpdateJitter(rtpTimestamp uint32, arrival time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	arrivalTicks := uint32(arrival.UnixNano() / 1000 * int64(r.clockRate) / 1000000)
	transit := arrivalTicks - rtpTimestamp

	if r.transit != 0 {
		d := int64(transit) - int64(r.transit)
		if d < 0 {
			d = -d
		}
		r.jitter += (float64(d) - r.jitter) / 16
	}
	r.transit = transit
}

// OnSenderReport records the NTP middle-32-bits and local arrival time off an
// incoming Sender Report, needed to compute DLSR on the next Receiver Report.
func (r *ReceiverContext) OnSenderReport(sr *rtcp.SenderReport, arrival time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSR = uint32((sr.NTPTime >> 16) & 0xFFFFFFFF)
	r.lastSRTime = arrival
	r.gotSR = true
}

// ReceptionReport builds the RFC 3550 section 6.4.1 report block for this
// source: extended highest sequence, cumulative/fractional loss, jitter, and
// LSR/DLSR if a Sender Report has been observed.
func (r *ReceiverContext) ReceptionReport() rtcp.ReceptionReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	extMax := r.cycles + uint32(r.maxSeq)
	expected := extMax - r.baseSeq + 1

	var lost uint32
	if expected > r.received {
		lost = expected - r.received
	}

	expectedInterval := expected - r.expectedPrior
	receivedInterval := r.received - r.receivedPrior
	r.expectedPrior = expected
	r.receivedPrior = r.received

	var fraction uint8
	lostInterval := expectedInterval - receivedInterval
	if expectedInterval != 0 && lostInterval > 0 {
		fraction = uint8((lostInterval << 8) / expectedInterval)
	}

	var dlsr uint32
	if r.gotSR {
		elapsed := time.Since(r.lastSRTime)
		dlsr = uint32(elapsed.Seconds() * 65536)
	}

	return rtcp.ReceptionReport{
		SSRC:               r.ssrc,
		FractionLost:       fraction,
		TotalLost:          lost & 0xFFFFFF,
		LastSequenceNumber: extMax,
		Jitter:             uint32(math.Round(r.jitter)),
		LastSenderReport:   r.lastSR,
		Delay:              dlsr,
	}
}

// BuildReceiverReport wraps ReceptionReport in an rtcp.ReceiverReport sent
// from the given local SSRC.
func (r *ReceiverContext) BuildReceiverReport(localSSRC uint32) *rtcp.ReceiverReport {
	return &rtcp.ReceiverReport{
		SSRC:    localSSRC,
		Reports: []rtcp.ReceptionReport{r.ReceptionReport()},
	}
}

// FeedbackHandler receives demultiplexed RTCP feedback events. Sessions that
// care about a given event implement the corresponding method; all methods
// are optional via the embedding convention below.
type FeedbackHandler interface {
	OnPictureLossIndication(pkt *rtcp.PictureLossIndication)
	OnFullIntraRequest(pkt *rtcp.FullIntraRequest)
	OnReceiverEstimatedMaxBitrate(pkt *rtcp.ReceiverEstimatedMaximumBitrate)
	OnReceiverReport(pkt *rtcp.ReceiverReport)
}

// Dispatch decodes a compound RTCP packet and routes each contained packet to
// the matching FeedbackHandler method, mirroring the type-switch dispatch the
// teacher used when reading feedback off an RTPSender.
func Dispatch(raw []byte, handler FeedbackHandler) error {
	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return err
	}

	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.PictureLossIndication:
			handler.OnPictureLossIndication(pkt)
		case *rtcp.FullIntraRequest:
			handler.OnFullIntraRequest(pkt)
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			handler.OnReceiverEstimatedMaxBitrate(pkt)
		case *rtcp.ReceiverReport:
			handler.OnReceiverReport(pkt)
		}
	}
	return nil
}
