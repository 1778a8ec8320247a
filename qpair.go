package nvmf

import (
	"sync/atomic"

	"github.com/npeterson-io/nvmf-rdma/internal/interfaces"
	"github.com/npeterson-io/nvmf-rdma/internal/logging"
	"github.com/npeterson-io/nvmf-rdma/internal/mempool"
	"github.com/npeterson-io/nvmf-rdma/internal/rdmacm"
	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
	"github.com/npeterson-io/nvmf-rdma/internal/wire"
)

var qpIDCounter uint64

func nextQPID() uint64 {
	return atomic.AddUint64(&qpIDCounter, 1)
}

// QueuePair is the per-connection state the transport drives from a
// single owning reactor core (§5): QP/CQ handles, flow-control
// counters, the two pending queues, and the request-slot array.
//
// Every method on QueuePair must be called only from its owning core;
// there is no internal locking.
type QueuePair struct {
	id   uint64
	conn rdmacm.ConnID
	qp   verbs.QueuePair
	dev  verbs.Device

	maxQueueDepth uint32
	maxRWDepth    uint32
	inCapsuleSize uint32
	maxIOSize     uint32

	pool *mempool.QPPool

	requests []*Request

	curQueueDepth uint32
	curRWDepth    uint32
	execTick      uint64 // incremented each time the executor is invoked; read by the poller to report its return value

	sqHead    uint16
	sqHeadMax uint16

	pendingDataBuf []*Request // pending_data_buf_queue, strict FIFO
	pendingRDMARW  []*Request // pending_rdma_rw_queue, strict FIFO

	session *SessionTrCtx // non-owning back-pointer; set once at session_init

	// onPreConnect is true until the first capsule (assumed CONNECT)
	// is processed, mirroring the transport's global pre-CONNECT list
	// membership for this QP.
	onPreConnect bool

	destroyed bool

	executor interfaces.Executor
	observer interfaces.Observer
	logger   interfaces.Logger
}

// QueuePairConfig carries the negotiated limits and collaborators
// needed to construct a QueuePair.
type QueuePairConfig struct {
	Conn              rdmacm.ConnID
	Device            verbs.Device
	MaxQueueDepth     uint32
	MaxRWDepth        uint32
	InCapsuleDataSize uint32
	MaxIOSize         uint32
	SQHeadMax         uint16
	Executor          interfaces.Executor
	Observer          interfaces.Observer
	Logger            interfaces.Logger
}

// NewQueuePair creates the QP, registers memory, and posts one RECV
// per slot, per §4.B. Each step is undone on failure by destroying
// whatever was constructed so far.
func NewQueuePair(cfg QueuePairConfig) (*QueuePair, error) {
	id := nextQPID()

	rawQP, err := cfg.Device.CreateQueuePair(verbs.QPConfig{
		MaxSendWR:  2 * cfg.MaxQueueDepth,
		MaxRecvWR:  cfg.MaxQueueDepth,
		MaxSendSGE: 1,
		MaxRecvSGE: 2,
	})
	if err != nil {
		return nil, WrapError("CREATE_QP", ErrCodeQPCreateFailed, err)
	}

	pool, err := mempool.NewQPPool(cfg.Device, cfg.MaxQueueDepth, cfg.InCapsuleDataSize, wireCmdSize, wireCplSize)
	if err != nil {
		rawQP.Destroy()
		return nil, WrapError("REGISTER_MEMORY", ErrCodeRegistrationFailed, err)
	}

	q := &QueuePair{
		id:            id,
		conn:          cfg.Conn,
		qp:            rawQP,
		dev:           cfg.Device,
		maxQueueDepth: cfg.MaxQueueDepth,
		maxRWDepth:    cfg.MaxRWDepth,
		inCapsuleSize: cfg.InCapsuleDataSize,
		maxIOSize:     cfg.MaxIOSize,
		pool:          pool,
		requests:      make([]*Request, cfg.MaxQueueDepth),
		sqHeadMax:     cfg.SQHeadMax,
		onPreConnect:  true,
		executor:      cfg.Executor,
		observer:      cfg.Observer,
		logger:        cfg.Logger,
	}

	for i := uint32(0); i < cfg.MaxQueueDepth; i++ {
		req := newRequest(q, i)
		q.requests[i] = req
		if err := q.postRecv(req); err != nil {
			q.Destroy()
			return nil, WrapError("POST_RECV", ErrCodePostFailed, err)
		}
	}

	if q.logger != nil {
		q.logger.Debugf("queue pair %d created: depth=%d rw_depth=%d", id, cfg.MaxQueueDepth, cfg.MaxRWDepth)
	}
	return q, nil
}

const (
	wireCmdSize = 64
	wireCplSize = 16
)

// ID returns the queue pair's transport-assigned identifier, used for
// logging and error context.
func (q *QueuePair) ID() uint64 { return q.id }

// ConnID returns the queue pair's connection-manager identifier, used
// by a SessionResolver to index established queue pairs for disconnect
// dispatch.
func (q *QueuePair) ConnID() rdmacm.ConnID { return q.conn }

// postRecv posts a two-SGE RECV for req's slot: the command-capsule
// region and the in-capsule data region, satisfying property P6.
func (q *QueuePair) postRecv(req *Request) error {
	wr := verbs.RecvWR{
		WRID: uint64(req.index),
		SGEs: []verbs.SGE{
			{Addr: bufAddr(q.pool.Cmd(req.index)), Length: wireCmdSize, LKey: q.pool.CmdsLKey()},
			{Addr: bufAddr(q.pool.Buf(req.index)), Length: q.inCapsuleSize, LKey: q.pool.BufsLKey()},
		},
	}
	return q.qp.PostRecv(wr)
}

// postSendCompletion posts the SEND of req's completion capsule.
func (q *QueuePair) postSendCompletion(req *Request) error {
	wr := verbs.SendWR{
		WRID: sendWRIDCpl(req.index),
		Type: verbs.WRSend,
		SGEs: []verbs.SGE{
			{Addr: bufAddr(q.pool.Cpl(req.index)), Length: wireCplSize, LKey: q.pool.CplsLKey()},
		},
	}
	return q.qp.PostSend(wr)
}

// sendWRIDCpl/sendWRIDRead/sendWRIDWrite tag a send-queue WR's
// opaque identifier with both the request slot and the operation it
// belongs to, so the poller can resolve a send completion back to the
// right transition without per-opcode side tables. The low byte
// carries a kind discriminant; the remaining bits carry the slot
// index — this is the Go analogue of the design note's "wr_id carries
// an explicit request-slot index" rule.
const (
	wrKindCpl   = 0
	wrKindRead  = 1
	wrKindWrite = 2
)

func sendWRIDCpl(slot uint32) uint64   { return uint64(slot)<<8 | wrKindCpl }
func sendWRIDRead(slot uint32) uint64  { return uint64(slot)<<8 | wrKindRead }
func sendWRIDWrite(slot uint32) uint64 { return uint64(slot)<<8 | wrKindWrite }

func wrIDSlot(wrID uint64) uint32 { return uint32(wrID >> 8) }
func wrIDKind(wrID uint64) uint8  { return uint8(wrID & 0xff) }

// observeRWDepth reports the current outstanding RDMA Read/Write depth
// to the observer, if one is attached.
func (q *QueuePair) observeRWDepth() {
	if q.observer != nil {
		q.observer.ObserveRWDepth(q.curRWDepth)
	}
}

// Destroy tears down the queue pair and releases its memory
// registrations. Idempotent and tolerant of partial construction, per
// §4.B.
func (q *QueuePair) Destroy() error {
	if q.destroyed {
		return nil
	}
	q.destroyed = true
	if q.qp != nil {
		q.qp.Destroy()
	}
	if q.pool != nil {
		q.pool.Close(q.dev)
	}
	if q.observer != nil {
		q.observer.ObserveFatalError()
	}
	logging.Default().Debugf("queue pair %d destroyed", q.id)
	return nil
}

// classifyDirection resolves a command's transfer direction from its
// opcode, with fabric commands resolved from their fctype instead of
// the generic opcode table, per SPEC_FULL §12.
func classifyDirection(cmd *wire.CmdCapsule) wire.TransferDirection {
	if cmd.OpCode == wire.OpCodeFabric {
		switch wire.FabricCommandType(cmd.CDW10 & 0xff) {
		case wire.FabricCmdPropertySet:
			return wire.TransferHostToCtrl
		case wire.FabricCmdPropertyGet:
			return wire.TransferCtrlToHost
		default:
			return wire.TransferNone
		}
	}
	// Generic NVMe opcode data-transfer field occupies bits 2-3;
	// 01 = host-to-controller (write), 10 = controller-to-host (read).
	switch (cmd.OpCode >> 2) & 0x3 {
	case 0x1:
		return wire.TransferHostToCtrl
	case 0x2:
		return wire.TransferCtrlToHost
	default:
		return wire.TransferNone
	}
}
