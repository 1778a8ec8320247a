package nvmf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npeterson-io/nvmf-rdma/internal/interfaces"
	"github.com/npeterson-io/nvmf-rdma/internal/rdmacm"
	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
	"github.com/npeterson-io/nvmf-rdma/internal/wire"
)

// testResolver is a SessionResolver recording every call for
// assertions, standing in for the CLI binary's own resolver.
type testResolver struct {
	lastMaxQueueDepth uint32
	lastMaxIOSize     uint32
	resolveCalls      int

	established []*QueuePair
	disconnected []rdmacm.ConnID
}

func (r *testResolver) ResolveSession(qid uint16, dev verbs.Device, maxQueueDepth, maxIOSize uint32) (*SessionTrCtx, interfaces.Executor, error) {
	r.resolveCalls++
	r.lastMaxQueueDepth = maxQueueDepth
	r.lastMaxIOSize = maxIOSize
	sess, err := SessionInit(dev, maxQueueDepth, maxIOSize)
	if err != nil {
		return nil, nil, err
	}
	return sess, NewMockExecutor(), nil
}

func (r *testResolver) Established(qp *QueuePair) {
	r.established = append(r.established, qp)
}

func (r *testResolver) Disconnected(id rdmacm.ConnID) {
	r.disconnected = append(r.disconnected, id)
}

func encodeConnectPrivateData(qid, hrqsize, hsqsize uint16) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], 1) // Recfmt
	binary.LittleEndian.PutUint16(b[2:4], qid)
	binary.LittleEndian.PutUint16(b[4:6], hrqsize)
	binary.LittleEndian.PutUint16(b[6:8], hsqsize)
	return b
}

func newAcceptorTestHarness(t *testing.T, cfg AcceptorConfig) (*Acceptor, *rdmacm.FakeListener, *testResolver) {
	t.Helper()
	dev := verbs.NewFakeDevice(256)
	listener := rdmacm.NewFakeListener(dev)
	resolver := &testResolver{}
	return &Acceptor{listener: listener, cfg: cfg, resolver: resolver}, listener, resolver
}

func defaultAcceptorConfig() AcceptorConfig {
	return AcceptorConfig{
		MaxQueueDepth:     testMaxQueueDepth,
		MaxRWDepth:        testMaxRWDepth,
		InCapsuleDataSize: testInCapsuleDataSize,
		MaxIOSize:         testMaxIOSize,
		SQHeadMax:         testMaxQueueDepth - 1,
	}
}

func TestAcceptor_NegotiatesMinimumAcrossFourSources(t *testing.T) {
	a, listener, resolver := newAcceptorTestHarness(t, defaultAcceptorConfig())

	conn := &rdmacm.FakeConnID{Device: "fake0", Tag: "host-a"}
	// Host advertises a receive-queue size smaller than the target's own
	// configured max_queue_depth (4): negotiation must take the min.
	listener.Push(rdmacm.Event{
		Type:           rdmacm.EventConnectRequest,
		ID:             conn,
		PrivateData:    encodeConnectPrivateData(0, 2, 2),
		InitiatorDepth: 1,
	})

	require.NoError(t, a.Poll())

	assert.Equal(t, 1, resolver.resolveCalls)
	assert.Equal(t, uint32(2), resolver.lastMaxQueueDepth) // min(4 target, 256 NIC, 2 HRQ, 2 HSQ)
	assert.Len(t, listener.Accepted, 1)
	assert.Equal(t, conn, listener.Accepted[0])
	require.Len(t, a.preConnect, 1)
	assert.Equal(t, uint32(1), a.preConnect[0].maxRWDepth) // min(2 target, 256 NIC, 1 initiator_depth)
}

func TestAcceptor_RejectsMalformedPrivateData(t *testing.T) {
	a, listener, resolver := newAcceptorTestHarness(t, defaultAcceptorConfig())

	conn := &rdmacm.FakeConnID{Device: "fake0", Tag: "host-b"}
	listener.Push(rdmacm.Event{
		Type:        rdmacm.EventConnectRequest,
		ID:          conn,
		PrivateData: []byte{0x01, 0x02}, // shorter than the 8-byte header
	})

	require.NoError(t, a.Poll())

	assert.Equal(t, 0, resolver.resolveCalls)
	assert.Len(t, listener.Rejected, 1)
	assert.Equal(t, conn, listener.Rejected[0])
	assert.Empty(t, a.preConnect)
}

func TestAcceptor_EstablishedFiresOnFirstCapsuleThenLeavesPreConnectList(t *testing.T) {
	a, listener, resolver := newAcceptorTestHarness(t, defaultAcceptorConfig())

	conn := &rdmacm.FakeConnID{Device: "fake0", Tag: "host-c"}
	listener.Push(rdmacm.Event{
		Type:           rdmacm.EventConnectRequest,
		ID:             conn,
		PrivateData:    encodeConnectPrivateData(0, 0, 0),
		InitiatorDepth: 0,
	})
	require.NoError(t, a.Poll())
	require.Len(t, a.preConnect, 1)
	qp := a.preConnect[0]

	// No capsule yet: the queue pair stays on the pre-CONNECT list.
	require.NoError(t, a.Poll())
	assert.Len(t, a.preConnect, 1)
	assert.Empty(t, resolver.established)

	// Simulate the CONNECT capsule's RECV landing.
	fakeQP := qp.qp.(*verbs.FakeQueuePair)
	cmd := wire.CmdCapsule{OpCode: 0x00}
	*(*wire.CmdCapsule)(bytePtr(qp.pool.Cmd(0))) = cmd
	_, ok := fakeQP.CompleteNextRecv(verbs.WCStatusSuccess, wireCmdSize)
	require.True(t, ok)

	require.NoError(t, a.Poll())
	assert.Empty(t, a.preConnect)
	require.Len(t, resolver.established, 1)
	assert.Equal(t, qp, resolver.established[0])
}

func TestAcceptor_DisconnectDispatchesToResolverOnceEstablished(t *testing.T) {
	a, listener, resolver := newAcceptorTestHarness(t, defaultAcceptorConfig())

	conn := &rdmacm.FakeConnID{Device: "fake0", Tag: "host-d"}
	listener.Push(rdmacm.Event{
		Type:        rdmacm.EventConnectRequest,
		ID:          conn,
		PrivateData: encodeConnectPrivateData(0, 0, 0),
	})
	require.NoError(t, a.Poll())
	qp := a.preConnect[0]

	fakeQP := qp.qp.(*verbs.FakeQueuePair)
	*(*wire.CmdCapsule)(bytePtr(qp.pool.Cmd(0))) = wire.CmdCapsule{OpCode: 0x00}
	_, ok := fakeQP.CompleteNextRecv(verbs.WCStatusSuccess, wireCmdSize)
	require.True(t, ok)
	require.NoError(t, a.Poll())
	require.Len(t, resolver.established, 1)

	listener.Push(rdmacm.Event{Type: rdmacm.EventDisconnected, ID: conn})
	require.NoError(t, a.Poll())

	require.Len(t, resolver.disconnected, 1)
	assert.Equal(t, conn, resolver.disconnected[0])
}
