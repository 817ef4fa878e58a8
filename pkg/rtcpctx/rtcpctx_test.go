package rtcpctx

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

func TestUpdateSeqProbationThenSteady(t *testing.T) {
	ctx := New(0xCAFE, 90000)

	require.False(t, ctx.UpdateSeq(100))
	require.True(t, ctx.UpdateSeq(101))
	require.True(t, ctx.UpdateSeq(102))
	require.True(t, ctx.UpdateSeq(103))

	rr := ctx.ReceptionReport()
	require.EqualValues(t, 103, rr.LastSequenceNumber)
	require.Zero(t, rr.TotalLost)
}

func TestUpdateSeqDetectsLoss(t *testing.T) {
	ctx := New(0xCAFE, 90000)
	ctx.UpdateSeq(100)
	ctx.UpdateSeq(101)
	ctx.UpdateSeq(105) // packets 102-104 never arrive

	rr := ctx.ReceptionReport()
	require.EqualValues(t, 105, rr.LastSequenceNumber)
	require.EqualValues(t, 3, rr.TotalLost)
	require.NotZero(t, rr.FractionLost)
}

func TestUpdateSeqCycleWraparound(t *testing.T) {
	ctx := New(0xCAFE, 90000)
	ctx.UpdateSeq(65534)
	ctx.UpdateSeq(65535)
	ctx.UpdateSeq(0)
	ctx.UpdateSeq(1)

	rr := ctx.ReceptionReport()
	require.EqualValues(t, 1<<16+1, rr.LastSequenceNumber)
}

func TestUpdateJitterAccumulates(t *testing.T) {
	ctx := New(0xCAFE, 90000)
	ctx.UpdateSeq(1)
	ctx.UpdateSeq(2)

	base := time.Now()
	ctx.UpdateJitter(90000, base)
	ctx.UpdateJitter(180000, base.Add(105*time.Millisecond))

	rr := ctx.ReceptionReport()
	require.NotZero(t, rr.Jitter)
}

func TestOnSenderReportSetsLSR(t *testing.T) {
	ctx := New(0xCAFE, 90000)
	ctx.UpdateSeq(1)
	ctx.UpdateSeq(2)

	sr := &rtcp.SenderReport{SSRC: 0xCAFE, NTPTime: 0x00000001FFFF0000}
	ctx.OnSenderReport(sr, time.Now())

	rr := ctx.ReceptionReport()
	require.NotZero(t, rr.LastSenderReport)
}

type recordingHandler struct {
	gotPLI bool
	gotFIR bool
}

func (h *recordingHandler) OnPictureLossIndication(*rtcp.PictureLossIndication) { h.gotPLI = true }
func (h *recordingHandler) OnFullIntraRequest(*rtcp.FullIntraRequest)           { h.gotFIR = true }
func (h *recordingHandler) OnReceiverEstimatedMaxBitrate(*rtcp.ReceiverEstimatedMaximumBitrate) {
}
func (h *recordingHandler) OnReceiverReport(*rtcp.ReceiverReport) {}

func TestDispatchRoutesPacketTypes(t *testing.T) {
	pli := &rtcp.PictureLossIndication{MediaSSRC: 1, SenderSSRC: 2}
	raw, err := pli.Marshal()
	require.NoError(t, err)

	handler := &recordingHandler{}
	require.NoError(t, Dispatch(raw, handler))
	require.True(t, handler.gotPLI)
	require.False(t, handler.gotFIR)
}
