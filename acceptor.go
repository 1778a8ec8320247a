package nvmf

import (
	"github.com/npeterson-io/nvmf-rdma/internal/interfaces"
	"github.com/npeterson-io/nvmf-rdma/internal/logging"
	"github.com/npeterson-io/nvmf-rdma/internal/rdmacm"
	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
)

// SessionResolver looks up (or creates) the SessionTrCtx and Executor
// a newly accepted connection belongs to. The session/subsystem layer
// that actually owns controller state is an external collaborator
// (§1); the acceptor only needs this narrow callback to attach a QP
// to the right session.
type SessionResolver interface {
	ResolveSession(qid uint16, dev verbs.Device, maxQueueDepth, maxIOSize uint32) (*SessionTrCtx, interfaces.Executor, error)

	// Established is invoked once a queue pair leaves the pre-CONNECT
	// list, i.e. processed its first capsule. Callers typically use
	// this to start polling the queue pair's data path on its own
	// reactor core, per §5.
	Established(qp *QueuePair)

	// Disconnected is invoked when a CM event signals that an
	// established connection identified by id is gone (ADDR_CHANGE,
	// DISCONNECTED, DEVICE_REMOVAL, or TIMEWAIT_EXIT). The resolver
	// owns the id -> *QueuePair mapping (populated via Established)
	// and is responsible for destroying the queue pair and notifying
	// its session, per §4.F. A disconnect for an id the resolver never
	// saw (e.g. still pre-CONNECT) is a no-op.
	Disconnected(id rdmacm.ConnID)
}

// AcceptorConfig bounds the depths and sizes the acceptor negotiates
// for every incoming connection.
type AcceptorConfig struct {
	MaxQueueDepth     uint32
	MaxRWDepth        uint32
	InCapsuleDataSize uint32
	MaxIOSize         uint32
	SQHeadMax         uint16
	Observer          interfaces.Observer
	Logger            interfaces.Logger
}

// Acceptor listens on a single connection-manager event channel,
// negotiates queue depths on CONNECT_REQUEST, instantiates QueuePair
// objects, and tracks them on the pre-CONNECT list until their first
// capsule arrives, per §4.F.
type Acceptor struct {
	listener rdmacm.Listener
	cfg      AcceptorConfig
	resolver SessionResolver

	preConnect []*QueuePair
}

// NewAcceptor creates a connection-manager event channel bound to
// addr with the configured backlog.
func NewAcceptor(addr string, cfg AcceptorConfig, resolver SessionResolver) (*Acceptor, error) {
	l, err := rdmacm.Listen(addr, AcceptorBacklog)
	if err != nil {
		return nil, WrapError("ACCEPTOR_INIT", ErrCodeQPCreateFailed, err)
	}
	return &Acceptor{listener: l, cfg: cfg, resolver: resolver}, nil
}

// Poll runs one acceptor tick, per §4.F:
//  1. Poll every pre-CONNECT queue pair; remove (without destroying)
//     any that processed at least one capsule.
//  2. Drain connection-manager events.
func (a *Acceptor) Poll() error {
	a.pollPreConnect()
	return a.drainCMEvents()
}

func (a *Acceptor) pollPreConnect() {
	remaining := a.preConnect[:0]
	for _, qp := range a.preConnect {
		result := ConnPoll(qp)
		if result.Fatal {
			continue // already destroyed by ConnPoll
		}
		if !qp.onPreConnect {
			a.resolver.Established(qp) // processed its CONNECT capsule; leaves the list
			continue
		}
		remaining = append(remaining, qp)
	}
	a.preConnect = remaining
}

func (a *Acceptor) drainCMEvents() error {
	for {
		ev, ok, err := a.listener.PollEvent()
		if err != nil {
			return WrapError("ACCEPTOR_POLL", ErrCodeFatalCompletion, err)
		}
		if !ok {
			return nil
		}
		switch ev.Type {
		case rdmacm.EventConnectRequest:
			a.handleConnectRequest(ev)
		case rdmacm.EventEstablished:
			// no-op, per §4.F.
		case rdmacm.EventAddrChange, rdmacm.EventDisconnected, rdmacm.EventDeviceRemoval, rdmacm.EventTimewaitExit:
			a.handleDisconnect(ev)
		default:
			logging.Default().Debugf("acceptor: ignoring CM event type %v", ev.Type)
		}
	}
}

func (a *Acceptor) handleConnectRequest(ev rdmacm.Event) {
	priv, ok := rdmacm.DecodeConnectPrivateData(ev.PrivateData)
	if !ok {
		a.listener.Reject(ev.ID, rdmacm.RejectPrivateData{StatusCode: wireStatusInvalidParam}.Encode())
		return
	}

	dev, err := a.listener.Device(ev.ID)
	if err != nil {
		a.listener.Reject(ev.ID, rdmacm.RejectPrivateData{StatusCode: wireStatusInvalidParam}.Encode())
		return
	}

	queueDepth, rwDepth := a.negotiateDepths(dev, priv, ev.InitiatorDepth)
	if queueDepth < MinNegotiatedDepth || rwDepth < MinNegotiatedDepth {
		a.listener.Reject(ev.ID, rdmacm.RejectPrivateData{StatusCode: wireStatusInvalidParam}.Encode())
		return
	}

	session, executor, err := a.resolver.ResolveSession(priv.QID, dev, queueDepth, a.cfg.MaxIOSize)
	if err != nil {
		a.listener.Reject(ev.ID, rdmacm.RejectPrivateData{StatusCode: wireStatusInternal}.Encode())
		return
	}

	qp, err := NewQueuePair(QueuePairConfig{
		Conn:              ev.ID,
		Device:            dev,
		MaxQueueDepth:     queueDepth,
		MaxRWDepth:        rwDepth,
		InCapsuleDataSize: a.cfg.InCapsuleDataSize,
		MaxIOSize:         a.cfg.MaxIOSize,
		SQHeadMax:         a.cfg.SQHeadMax,
		Executor:          executor,
		Observer:          a.cfg.Observer,
		Logger:            a.cfg.Logger,
	})
	if err != nil {
		a.listener.Reject(ev.ID, rdmacm.RejectPrivateData{StatusCode: wireStatusInternal}.Encode())
		return
	}
	qp.AttachSession(session)

	if err := a.listener.Accept(ev.ID, qp.rawQP(), rdmacm.AcceptPrivateData{CRQSize: uint16(queueDepth)}.Encode()); err != nil {
		qp.Destroy()
		return
	}

	a.preConnect = append(a.preConnect, qp)
}

// negotiateDepths computes the effective queue and RW depths as the
// minimum across target configuration, local NIC limits, and the
// peer's advertised sizes, per SPEC_FULL §12's four-way min chain.
func (a *Acceptor) negotiateDepths(dev verbs.Device, priv rdmacm.ConnectPrivateData, initiatorDepth uint8) (queueDepth, rwDepth uint32) {
	queueDepth = a.cfg.MaxQueueDepth
	queueDepth = minU32(queueDepth, dev.MaxQPWorkRequestDepth())
	if priv.HRQSize > 0 {
		queueDepth = minU32(queueDepth, uint32(priv.HRQSize))
	}
	if priv.HSQSize > 0 {
		queueDepth = minU32(queueDepth, uint32(priv.HSQSize))
	}

	rwDepth = a.cfg.MaxRWDepth
	rwDepth = minU32(rwDepth, dev.MaxQPWorkRequestDepth())
	if initiatorDepth > 0 {
		rwDepth = minU32(rwDepth, uint32(initiatorDepth))
	}
	return queueDepth, rwDepth
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

const (
	wireStatusInvalidParam = 0x02
	wireStatusInternal     = 0x06
)

func (a *Acceptor) handleDisconnect(ev rdmacm.Event) {
	for i, qp := range a.preConnect {
		if qp.conn == ev.ID {
			a.preConnect = append(a.preConnect[:i], a.preConnect[i+1:]...)
			qp.Destroy()
			return
		}
	}
	// Established connections are no longer tracked by the acceptor;
	// SessionResolver owns that index (it learned of the QP via
	// Established) and is responsible for the disconnect dispatch, per
	// §4.F.
	a.resolver.Disconnected(ev.ID)
}

// Close tears down every pre-CONNECT queue pair and the listener.
func (a *Acceptor) Close() error {
	for _, qp := range a.preConnect {
		qp.Destroy()
	}
	a.preConnect = nil
	return a.listener.Close()
}

func (q *QueuePair) rawQP() verbs.QueuePair { return q.qp }
