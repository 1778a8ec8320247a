package nvmf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
	"github.com/npeterson-io/nvmf-rdma/internal/wire"
)

// TestFlowControl_BounceBufferExhaustionParksAndPromotesHead exercises
// P3/P4: a command needing a bounce buffer when the session pool is
// exhausted parks on pending_data_buf_queue in WAIT_BUF, and releasing
// a buffer promotes exactly the queue's head (strict FIFO, I3).
func TestFlowControl_BounceBufferExhaustionParksAndPromotesHead(t *testing.T) {
	dev := verbs.NewFakeDevice(256)
	exec := NewMockExecutor()
	exec.Async = true

	qp, err := NewQueuePair(QueuePairConfig{
		Device:            dev,
		MaxQueueDepth:     testMaxQueueDepth,
		MaxRWDepth:        testMaxRWDepth,
		InCapsuleDataSize: testInCapsuleDataSize,
		MaxIOSize:         testMaxIOSize,
		SQHeadMax:         testMaxQueueDepth - 1,
		Executor:          exec,
	})
	require.NoError(t, err)

	// A bounce pool smaller than the queue pair's own depth, so a third
	// concurrent large transfer outruns the pool before it outruns the
	// queue pair's request slots.
	sess, err := SessionInit(dev, 2, testMaxIOSize)
	require.NoError(t, err)
	qp.AttachSession(sess)

	fakeQP := qp.qp.(*verbs.FakeQueuePair)
	const payloadLen = 8192 // > in_capsule_data_size, forces a bounce buffer

	recv := func(slot uint32) {
		cmd := wire.CmdCapsule{
			OpCode: 0x02 << 2, // controller-to-host: read command
			SGL:    wire.NewKeyedSGLDesc(0x5000+uint64(slot), payloadLen, 0x55, wire.SGLSubTypeAddress),
		}
		*(*wire.CmdCapsule)(bytePtr(qp.pool.Cmd(slot))) = cmd
		_, ok := fakeQP.CompleteNextRecv(verbs.WCStatusSuccess, wireCmdSize)
		require.True(t, ok)
		res := ConnPoll(qp)
		require.False(t, res.Fatal)
	}

	recv(0)
	assert.Equal(t, StateExec, qp.requests[0].state)
	assert.Equal(t, 1, sess.AvailableBuffers())

	recv(1)
	assert.Equal(t, StateExec, qp.requests[1].state)
	assert.Equal(t, 0, sess.AvailableBuffers())

	recv(2)
	parked := qp.requests[2]
	assert.Equal(t, StateWaitBuf, parked.state)
	assert.Equal(t, pendingDataBuf, parked.pending)
	assert.Equal(t, 0, sess.AvailableBuffers())
	assert.Equal(t, 2, exec.PendingCount())

	// Finish slot 0's data path: executor completes, its RDMA Write is
	// posted and acked, and COMPLETING releases its bounce buffer —
	// which must promote slot 2, not re-admit nothing.
	exec.CompleteNext()
	assert.Equal(t, StateXferOut, qp.requests[0].state)

	wr, ok := fakeQP.CompleteNextSend(verbs.WCStatusSuccess, payloadLen)
	require.True(t, ok)
	assert.Equal(t, wrKindWrite, int(wrIDKind(wr.WRID)))
	res := ConnPoll(qp)
	require.False(t, res.Fatal)

	assert.Equal(t, StateExec, parked.state)
	assert.Equal(t, pendingNone, parked.pending)
	assert.Equal(t, 0, sess.AvailableBuffers()) // slot 2 re-acquired the freed chunk immediately
	assert.Equal(t, 2, exec.PendingCount())      // slot 1 still pending, slot 2 now pending too
}

// TestFlowControl_RDMARWQueueIsStrictFIFO confirms two parked RW
// requests drain in arrival order, not reverse or arbitrary order.
func TestFlowControl_RDMARWQueueIsStrictFIFO(t *testing.T) {
	dev := verbs.NewFakeDevice(256)
	exec := NewMockExecutor()
	exec.Async = true

	qp, err := NewQueuePair(QueuePairConfig{
		Device:            dev,
		MaxQueueDepth:     testMaxQueueDepth,
		MaxRWDepth:        1,
		InCapsuleDataSize: testInCapsuleDataSize,
		MaxIOSize:         testMaxIOSize,
		SQHeadMax:         testMaxQueueDepth - 1,
		Executor:          exec,
	})
	require.NoError(t, err)
	sess, err := SessionInit(dev, testMaxQueueDepth, testMaxIOSize)
	require.NoError(t, err)
	qp.AttachSession(sess)

	fakeQP := qp.qp.(*verbs.FakeQueuePair)

	recv := func(slot uint32, addr uint64) {
		cmd := wire.CmdCapsule{
			OpCode: 0x01 << 2, // host-to-controller
			SGL:    wire.NewKeyedSGLDesc(addr, 64, 0x11, wire.SGLSubTypeAddress),
		}
		*(*wire.CmdCapsule)(bytePtr(qp.pool.Cmd(slot))) = cmd
		_, ok := fakeQP.CompleteNextRecv(verbs.WCStatusSuccess, wireCmdSize)
		require.True(t, ok)
		res := ConnPoll(qp)
		require.False(t, res.Fatal)
	}

	recv(0, 0x100) // admitted immediately, occupies the sole RW slot
	recv(1, 0x200) // parks first
	recv(2, 0x300) // parks second

	assert.Equal(t, StateXferIn, qp.requests[0].state)
	assert.Equal(t, StateWaitRW, qp.requests[1].state)
	assert.Equal(t, StateWaitRW, qp.requests[2].state)

	wr, ok := fakeQP.CompleteNextSend(verbs.WCStatusSuccess, 64)
	require.True(t, ok)
	assert.Equal(t, uint32(0), wrIDSlot(wr.WRID))
	res := ConnPoll(qp)
	require.False(t, res.Fatal)

	// Slot 1 arrived before slot 2, so it must be the one drained.
	assert.Equal(t, StateXferIn, qp.requests[1].state)
	assert.Equal(t, StateWaitRW, qp.requests[2].state)
}
