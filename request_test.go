package nvmf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
	"github.com/npeterson-io/nvmf-rdma/internal/wire"
)

const (
	testMaxQueueDepth     = 4
	testMaxRWDepth        = 2
	testInCapsuleDataSize = 4096
	testMaxIOSize         = 131072
)

type testHarness struct {
	qp       *QueuePair
	fakeQP   *verbs.FakeQueuePair
	fakeDev  *verbs.FakeDevice
	executor *MockExecutor
	observer *MockObserver
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dev := verbs.NewFakeDevice(256)
	exec := NewMockExecutor()
	obs := &MockObserver{}

	qp, err := NewQueuePair(QueuePairConfig{
		Device:            dev,
		MaxQueueDepth:     testMaxQueueDepth,
		MaxRWDepth:        testMaxRWDepth,
		InCapsuleDataSize: testInCapsuleDataSize,
		MaxIOSize:         testMaxIOSize,
		SQHeadMax:         testMaxQueueDepth - 1,
		Executor:          exec,
		Observer:          obs,
	})
	require.NoError(t, err)

	sess, err := SessionInit(dev, testMaxQueueDepth, testMaxIOSize)
	require.NoError(t, err)
	qp.AttachSession(sess)

	fakeQP := qp.qp.(*verbs.FakeQueuePair)
	return &testHarness{qp: qp, fakeQP: fakeQP, fakeDev: dev, executor: exec, observer: obs}
}

// recvCommand stages a RECV completion delivering cmd into slot's
// command-capsule region, then drives it through ConnPoll the way the
// data-path poller would.
func (h *testHarness) recvCommand(t *testing.T, slot uint32, cmd wire.CmdCapsule) {
	t.Helper()
	*(*wire.CmdCapsule)(bytePtr(h.qp.pool.Cmd(slot))) = cmd
	_, ok := h.fakeQP.CompleteNextRecv(verbs.WCStatusSuccess, wireCmdSize)
	require.True(t, ok)
	res := ConnPoll(h.qp)
	require.False(t, res.Fatal)
}

// completeNextSend stages a send-queue completion with the given
// status/byte length and drives it through ConnPoll, returning the WR
// that was completed so the caller can assert on its kind.
func (h *testHarness) completeNextSend(t *testing.T, byteLen uint32) verbs.SendWR {
	t.Helper()
	wr, ok := h.fakeQP.CompleteNextSend(verbs.WCStatusSuccess, byteLen)
	require.True(t, ok)
	res := ConnPoll(h.qp)
	require.False(t, res.Fatal)
	return wr
}

func TestRequest_TransferNoneGoesStraightToCompleting(t *testing.T) {
	h := newTestHarness(t)
	cmd := wire.CmdCapsule{OpCode: 0x00} // no data-transfer bits set
	h.recvCommand(t, 0, cmd)

	assert.Equal(t, 1, h.executor.ExecuteCount())
	// MockExecutor completes synchronously, so the request has already
	// run COMPLETING's single action: re-post RECV, post the SEND.
	assert.Equal(t, StateCompleting, h.qp.requests[0].state)

	wr := h.completeNextSend(t, wireCplSize)
	assert.Equal(t, wrKindCpl, int(wrIDKind(wr.WRID)))
	assert.Equal(t, StateIdle, h.qp.requests[0].state)
}

func TestRequest_OffsetInCapsuleSkipsRDMA(t *testing.T) {
	h := newTestHarness(t)
	cmd := wire.CmdCapsule{
		OpCode: 0x01 << 2, // host-to-controller
		SGL:    wire.NewOffsetSGLDesc(0, 128),
	}
	h.recvCommand(t, 0, cmd)

	assert.Equal(t, 1, h.executor.ExecuteCount())
	// The only SEND posted is the completion itself — no RDMA Read/Write
	// was issued for the OFFSET-subtype in-capsule payload.
	wr := h.completeNextSend(t, wireCplSize)
	assert.Equal(t, wrKindCpl, int(wrIDKind(wr.WRID)))
}

func TestRequest_KeyedReadSubmitsRDMAReadThenCompletes(t *testing.T) {
	h := newTestHarness(t)
	h.executor.Async = true

	cmd := wire.CmdCapsule{
		OpCode: 0x01 << 2, // host-to-controller: write command, needs RDMA Read
		SGL:    wire.NewKeyedSGLDesc(0x1000, 256, 0x42, wire.SGLSubTypeAddress),
	}
	h.recvCommand(t, 0, cmd)

	req := h.qp.requests[0]
	assert.Equal(t, StateXferIn, req.state)
	assert.Equal(t, uint32(1), h.qp.curRWDepth)

	wr := h.completeNextSend(t, 256)
	assert.Equal(t, wrKindRead, int(wrIDKind(wr.WRID)))
	assert.Equal(t, StateExec, req.state)
	assert.Equal(t, uint32(0), h.qp.curRWDepth)
	assert.Equal(t, 1, h.executor.PendingCount())

	h.executor.CompleteNext()
	assert.Equal(t, StateCompleting, req.state)

	wr = h.completeNextSend(t, wireCplSize)
	assert.Equal(t, wrKindCpl, int(wrIDKind(wr.WRID)))
	assert.Equal(t, StateIdle, req.state)
}

func TestRequest_RWDepthAdmissionParksThenDrains(t *testing.T) {
	h := newTestHarness(t)
	h.executor.Async = true

	// Saturate RW depth with two keyed writes that won't complete yet.
	for i := uint32(0); i < testMaxRWDepth; i++ {
		cmd := wire.CmdCapsule{
			OpCode: 0x01 << 2,
			SGL:    wire.NewKeyedSGLDesc(0x2000, 64, 0x7, wire.SGLSubTypeAddress),
		}
		h.recvCommand(t, i, cmd)
		assert.Equal(t, StateXferIn, h.qp.requests[i].state)
	}
	assert.Equal(t, uint32(testMaxRWDepth), h.qp.curRWDepth)

	// The next request parks on the pending RDMA R/W queue instead of
	// submitting a third concurrent RDMA Read.
	cmd := wire.CmdCapsule{
		OpCode: 0x01 << 2,
		SGL:    wire.NewKeyedSGLDesc(0x3000, 64, 0x8, wire.SGLSubTypeAddress),
	}
	h.recvCommand(t, testMaxRWDepth, cmd)
	parked := h.qp.requests[testMaxRWDepth]
	assert.Equal(t, StateWaitRW, parked.state)
	assert.Equal(t, pendingRDMARW, parked.pending)

	// Completing one in-flight Read drains exactly the parked request.
	h.completeNextSend(t, 64)

	assert.Equal(t, StateXferIn, parked.state)
	assert.Equal(t, pendingNone, parked.pending)
}

func TestRequest_SQHeadAdvancesBeforeStamping(t *testing.T) {
	h := newTestHarness(t)

	// sq_head advances before it is stamped into the completion, so
	// the first capsule on a queue pair carries sqhd=1, not 0.
	cmd0 := wire.CmdCapsule{OpCode: 0x00}
	h.recvCommand(t, 0, cmd0)
	assert.Equal(t, uint16(1), h.qp.requests[0].cplView().SQHD)
	assert.Equal(t, uint16(1), h.qp.sqHead)
	h.completeNextSend(t, wireCplSize)

	cmd1 := wire.CmdCapsule{OpCode: 0x00}
	h.recvCommand(t, 1, cmd1)
	assert.Equal(t, uint16(2), h.qp.requests[1].cplView().SQHD)
	assert.Equal(t, uint16(2), h.qp.sqHead)
}

func TestRequest_ReleaseIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	cmd := wire.CmdCapsule{OpCode: 0x00}
	h.recvCommand(t, 0, cmd)

	req := h.qp.requests[0]
	req.state = StateExec // simulate a hard reset mid-flight
	h.qp.curQueueDepth = 1

	req.Release()
	assert.Equal(t, StateIdle, req.state)
	assert.Equal(t, uint32(0), h.qp.curQueueDepth)

	req.Release() // second call is a no-op (R2)
	assert.Equal(t, uint32(0), h.qp.curQueueDepth)
}
