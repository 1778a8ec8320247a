package nvmf

import (
	"time"

	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
	"github.com/npeterson-io/nvmf-rdma/internal/wire"
)

// RequestState enumerates the per-request lifecycle states of §4.C.
type RequestState uint8

const (
	StateIdle RequestState = iota
	StateParsed
	StateWaitBuf
	StateXferIn
	StateWaitRW
	StateExec
	StateXferOut
	StateCompleting
)

func (s RequestState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateParsed:
		return "PARSED"
	case StateWaitBuf:
		return "WAIT_BUF"
	case StateXferIn:
		return "XFER_IN"
	case StateWaitRW:
		return "WAIT_RW"
	case StateExec:
		return "EXEC"
	case StateXferOut:
		return "XFER_OUT"
	case StateCompleting:
		return "COMPLETING"
	default:
		return "UNKNOWN"
	}
}

// pendingQueue identifies which of the two strict-FIFO queues, if
// any, a request currently occupies — invariant I3 (§3).
type pendingQueue uint8

const (
	pendingNone pendingQueue = iota
	pendingDataBuf
	pendingRDMARW
)

// Request is the transport's private per-slot state, bound to a fixed
// index in its queue pair's arrays for the QP's entire lifetime. The
// public face an executor sees is the narrower interfaces.Request;
// this type holds the fields the transport needs and the executor
// must not reach, per the design note on breaking the request <-> QP
// cyclic reference: Request holds a non-owning back-pointer to qp.
type Request struct {
	qp    *QueuePair
	index uint32

	state RequestState

	direction wire.TransferDirection
	length    uint32

	// data is the buffer assigned during SGL parsing: either the
	// in-capsule slot, a bounce chunk, or nil for TransferNone.
	data []byte

	// bounceBuf is non-nil only when data was taken from the
	// session pool rather than the in-capsule slot; it must be
	// released exactly once, at COMPLETING (invariant I4).
	bounceBuf []byte

	remoteAddr uint64
	rkey       uint32

	// rdmaStartedAt marks when the in-flight RDMA Read/Write was
	// posted, so its completion can report a latency sample.
	rdmaStartedAt time.Time

	pending pendingQueue
}

func newRequest(qp *QueuePair, index uint32) *Request {
	return &Request{qp: qp, index: index, state: StateIdle}
}

// cmdView returns the slot's command capsule reinterpreted as a
// CmdCapsule. Since this is the only writer of the slot and RECV
// completions arrive strictly before any subsequent post to the same
// slot (P2), this pointer is stable for the parse/exec window.
func (r *Request) cmdView() *wire.CmdCapsule {
	return (*wire.CmdCapsule)(bytePtr(r.qp.pool.Cmd(r.index)))
}

func (r *Request) cplView() *wire.CplCapsule {
	return (*wire.CplCapsule)(bytePtr(r.qp.pool.Cpl(r.index)))
}

// Command implements interfaces.Request.
func (r *Request) Command() []byte { return r.qp.pool.Cmd(r.index) }

// Data implements interfaces.Request.
func (r *Request) Data() []byte { return r.data }

// SetStatus implements interfaces.Request.
func (r *Request) SetStatus(statusCode uint16) {
	r.cplView().SetStatusCode(statusCode)
}

// onRecvComplete is the IDLE -> PARSED transition: a RECV landed with
// at least a full capsule header. byteLen shorter than the capsule
// header is a transport-fatal condition handled by the poller before
// calling this.
func (r *Request) onRecvComplete(byteLen uint32) {
	r.qp.curQueueDepth++
	cpl := r.cplView()
	*cpl = wire.CplCapsule{}
	cpl.SQID = 1
	r.state = StateParsed
	if r.qp.observer != nil {
		r.qp.observer.ObserveCapsuleRecv(uint64(byteLen))
		r.qp.observer.ObserveQueueDepth(r.qp.curQueueDepth)
	}
	r.classify()
}

// classify runs SGL parsing and drives the PARSED-state branches of
// the transition table in §4.C. A command whose opcode implies no data
// transfer goes straight to the executor without its SGL being parsed.
func (r *Request) classify() {
	cmd := r.cmdView()
	direction := classifyDirection(cmd)

	if direction == wire.TransferNone {
		r.direction = wire.TransferNone
		r.length = 0
		r.data = nil
		r.toReady()
		return
	}

	parsed, parseErr := wire.ParseSGL(&cmd.SGL, direction, r.qp.maxIOSize, r.qp.inCapsuleSize)
	if parseErr != wire.ParseOK {
		r.failProtocol(parseErrStatus(parseErr))
		return
	}

	r.direction = parsed.Direction
	r.length = parsed.Length

	if parsed.Direction == wire.TransferNone {
		r.data = nil
		r.toReady()
		return
	}

	if !parsed.NeedsRDMA {
		// OFFSET-subtype in-capsule data: already colocated, no RDMA
		// needed regardless of direction.
		r.data = r.qp.pool.Buf(r.index)[parsed.Offset : parsed.Offset+parsed.Length]
		r.toReady()
		return
	}

	r.remoteAddr = parsed.RemoteAddr
	r.rkey = parsed.RKey

	if parsed.InCapsule {
		r.data = r.qp.pool.Buf(r.index)[:parsed.Length]
		r.admitOrWaitRDMA()
		return
	}

	// Needs a bounce buffer.
	if buf, ok := r.qp.session.pool.Acquire(); ok {
		r.bounceBuf = buf
		r.data = buf[:parsed.Length]
		r.admitOrWaitRDMA()
		return
	}
	r.state = StateWaitBuf
	r.enqueuePendingDataBuf()
}

func parseErrStatus(e wire.ParseSGLError) uint16 {
	switch e {
	case wire.ParseErrDataSGLLengthInvalid:
		return wire.StatusDataSGLLengthInvalid
	case wire.ParseErrInvalidSGLOffset:
		return wire.StatusInvalidSGLOffset
	default:
		return wire.StatusInvalidSGLDescriptorType
	}
}

// toReady hands a request needing no RDMA straight to the executor:
// xfer=NONE or an in-capsule OFFSET-subtype buffer.
func (r *Request) toReady() {
	r.state = StateExec
	r.qp.execTick++
	r.qp.executor.Execute(r)
}

// admitOrWaitRDMA implements the READY (H2C, needs remote data)
// transition: submit immediately if rw depth allows, else enqueue.
// C2H requests never need input RDMA — they go straight to the
// executor, which fills data locally before the transport issues the
// RDMA Write on completion.
func (r *Request) admitOrWaitRDMA() {
	if r.direction == wire.TransferCtrlToHost {
		r.state = StateExec
		r.qp.execTick++
		r.qp.executor.Execute(r)
		return
	}
	if r.qp.curRWDepth < r.qp.maxRWDepth {
		if err := r.submitRDMARead(); err != nil {
			r.failFatal(err)
			return
		}
		r.qp.curRWDepth++
		r.qp.observeRWDepth()
		r.state = StateXferIn
		return
	}
	r.state = StateWaitRW
	r.enqueuePendingRDMARW()
}

func (r *Request) submitRDMARead() error {
	wr := verbs.SendWR{
		WRID:  sendWRIDRead(r.index),
		Type:  verbs.WRRDMARead,
		RAddr: r.remoteAddr,
		RKey:  r.rkey,
		SGEs:  []verbs.SGE{{Addr: bufAddr(r.data), Length: r.length, LKey: r.localLKey()}},
	}
	if err := r.qp.qp.PostSend(wr); err != nil {
		return err
	}
	r.rdmaStartedAt = time.Now()
	return nil
}

func (r *Request) submitRDMAWrite() error {
	wr := verbs.SendWR{
		WRID:  sendWRIDWrite(r.index),
		Type:  verbs.WRRDMAWrite,
		RAddr: r.remoteAddr,
		RKey:  r.rkey,
		SGEs:  []verbs.SGE{{Addr: bufAddr(r.data), Length: r.length, LKey: r.localLKey()}},
	}
	if err := r.qp.qp.PostSend(wr); err != nil {
		return err
	}
	r.rdmaStartedAt = time.Now()
	return nil
}

func (r *Request) localLKey() uint32 {
	if r.bounceBuf != nil {
		return r.qp.session.pool.LKey()
	}
	return r.qp.pool.BufsLKey()
}

// onRDMAReadComplete is the XFER_IN -> EXEC transition.
func (r *Request) onRDMAReadComplete() {
	r.qp.curRWDepth--
	if r.qp.observer != nil {
		r.qp.observer.ObserveRDMARead(uint64(r.length), uint64(time.Since(r.rdmaStartedAt)))
	}
	r.qp.observeRWDepth()
	r.state = StateExec
	r.qp.execTick++
	r.qp.executor.Execute(r)
	drainPendingRDMARW(r.qp)
}

// Complete implements interfaces.Request: the executor finished. If
// the command is a read (C2H) with a payload, schedule the RDMA
// Write; otherwise (or on failure) go straight to COMPLETING.
func (r *Request) Complete() {
	if r.direction == wire.TransferCtrlToHost && r.length > 0 && r.remoteAddrValid() &&
		r.cplView().StatusCode() == wire.StatusSuccess {
		if r.qp.curRWDepth < r.qp.maxRWDepth {
			if err := r.submitRDMAWrite(); err != nil {
				r.failFatal(err)
				return
			}
			r.qp.curRWDepth++
			r.qp.observeRWDepth()
			r.state = StateXferOut
			return
		}
		r.state = StateWaitRW
		r.enqueuePendingRDMARW()
		return
	}
	r.toCompleting()
}

func (r *Request) remoteAddrValid() bool {
	return r.rkey != 0
}

// onRDMAWriteComplete is the XFER_OUT -> COMPLETING transition.
func (r *Request) onRDMAWriteComplete() {
	r.qp.curRWDepth--
	if r.qp.observer != nil {
		r.qp.observer.ObserveRDMAWrite(uint64(r.length), uint64(time.Since(r.rdmaStartedAt)))
	}
	r.qp.observeRWDepth()
	drainPendingRDMARW(r.qp)
	r.toCompleting()
}

// toCompleting releases the bounce buffer (if any), advances sq_head
// and stamps the new value into the completion (so the first capsule
// on a queue pair carries sqhd=1, not 0), re-posts the slot's RECV,
// and posts the SEND of the completion — the single COMPLETING action
// of §4.C.
func (r *Request) toCompleting() {
	r.state = StateCompleting

	if r.bounceBuf != nil {
		r.qp.session.pool.Release(r.bounceBuf)
		r.bounceBuf = nil
		drainPendingDataBuf(r.qp)
	}

	r.qp.sqHead = (r.qp.sqHead + 1) % (r.qp.sqHeadMax + 1)
	r.cplView().SQHD = r.qp.sqHead

	if err := r.qp.postRecv(r); err != nil {
		r.failFatal(err)
		return
	}
	if err := r.qp.postSendCompletion(r); err != nil {
		r.failFatal(err)
		return
	}
}

// onSendComplete is the COMPLETING -> IDLE transition.
func (r *Request) onSendComplete() {
	r.qp.curQueueDepth--
	r.state = StateIdle
	r.data = nil
	r.direction = wire.TransferNone
	r.length = 0
	r.remoteAddr = 0
	r.rkey = 0
	if r.qp.observer != nil {
		r.qp.observer.ObserveCapsuleSend(wireCplSize)
		r.qp.observer.ObserveQueueDepth(r.qp.curQueueDepth)
	}
}

// Release implements interfaces.Request: the hard-reset path. Per
// SPEC_FULL §12 this mirrors the original's ack-completion-only
// behavior — it decrements cur_queue_depth without touching the
// RECV/SEND machinery, and is idempotent (R2): a second call on an
// already-idle request is a no-op.
func (r *Request) Release() {
	if r.state == StateIdle {
		return
	}
	if r.bounceBuf != nil {
		r.qp.session.pool.Release(r.bounceBuf)
		r.bounceBuf = nil
	}
	r.qp.curQueueDepth--
	r.state = StateIdle
	r.data = nil
}

func (r *Request) failProtocol(statusCode uint16) {
	r.SetStatus(statusCode)
	if r.qp.observer != nil {
		r.qp.observer.ObserveProtocolError(statusCode)
	}
	r.toCompleting()
}

func (r *Request) failFatal(err error) {
	if r.qp.logger != nil {
		r.qp.logger.Printf("queue pair %d fatal: %v", r.qp.id, err)
	}
	r.qp.Destroy()
}
