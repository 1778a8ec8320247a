package nvmf

import (
	"fmt"
	"sync"

	"github.com/npeterson-io/nvmf-rdma/internal/interfaces"
	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
)

// TransportConfig bounds every connection the transport will accept,
// per §4.G's transport_init contract.
type TransportConfig struct {
	MaxQueueDepth     uint32
	MaxRWDepth        uint32
	InCapsuleDataSize uint32
	MaxIOSize         uint32
	SQHeadMax         uint16

	Observer interfaces.Observer
	Logger   interfaces.Logger

	// Enumerate overrides device discovery; nil uses verbs.EnumerateDevices.
	Enumerate verbs.EnumerateFunc
}

// Transport is the single context threaded through every entry point,
// replacing the reference implementation's global mutable state
// (g_rdma, g_pending_conns) with one value a caller constructs once
// and owns for the process lifetime, per the design note on global
// state.
type Transport struct {
	cfg     TransportConfig
	devices []verbs.Device

	mu        sync.Mutex
	acceptors map[string]*Acceptor
}

// TransportInit discovers every usable RDMA device and returns a
// Transport ready to have acceptors attached, per §4.G. devicesFound
// is zero when enumeration succeeds but finds no device it can open;
// an enumeration failure (for example, no /sys/class/infiniband on
// Linux, or any non-Linux platform) is returned as an error instead.
func TransportInit(cfg TransportConfig) (t *Transport, devicesFound int, err error) {
	enumerate := cfg.Enumerate
	if enumerate == nil {
		enumerate = verbs.EnumerateDevices
	}
	devices, err := enumerate()
	if err != nil {
		return nil, 0, WrapError("TRANSPORT_INIT", ErrCodeDeviceRemoved, err)
	}
	return &Transport{
		cfg:       cfg,
		devices:   devices,
		acceptors: make(map[string]*Acceptor),
	}, len(devices), nil
}

// Devices returns the RDMA devices discovered at TransportInit.
func (t *Transport) Devices() []verbs.Device { return t.devices }

// AcceptorInit creates and registers a listening acceptor bound to
// addr, per acceptor_init.
func (t *Transport) AcceptorInit(addr string, resolver SessionResolver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.acceptors[addr]; exists {
		return NewError("ACCEPTOR_INIT", ErrCodeInvalidParameters, fmt.Sprintf("acceptor already listening on %s", addr))
	}
	a, err := NewAcceptor(addr, AcceptorConfig{
		MaxQueueDepth:     t.cfg.MaxQueueDepth,
		MaxRWDepth:        t.cfg.MaxRWDepth,
		InCapsuleDataSize: t.cfg.InCapsuleDataSize,
		MaxIOSize:         t.cfg.MaxIOSize,
		SQHeadMax:         t.cfg.SQHeadMax,
		Observer:          t.cfg.Observer,
		Logger:            t.cfg.Logger,
	}, resolver)
	if err != nil {
		return err
	}
	t.acceptors[addr] = a
	return nil
}

// AcceptorPoll runs one poll tick on every registered acceptor, per
// acceptor_poll. It never blocks and tolerates a transport with no
// acceptors registered yet.
func (t *Transport) AcceptorPoll() error {
	t.mu.Lock()
	acceptors := make([]*Acceptor, 0, len(t.acceptors))
	for _, a := range t.acceptors {
		acceptors = append(acceptors, a)
	}
	t.mu.Unlock()

	for _, a := range acceptors {
		if err := a.Poll(); err != nil {
			return err
		}
	}
	return nil
}

// AcceptorFini tears down the acceptor listening on addr.
func (t *Transport) AcceptorFini(addr string) error {
	t.mu.Lock()
	a, ok := t.acceptors[addr]
	delete(t.acceptors, addr)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Close()
}

// Fini tears down every acceptor and closes every discovered device,
// per transport_fini.
func (t *Transport) Fini() error {
	t.mu.Lock()
	acceptors := t.acceptors
	t.acceptors = make(map[string]*Acceptor)
	t.mu.Unlock()

	var firstErr error
	for _, a := range acceptors {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, dev := range t.devices {
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SessionInit is the vtable entry point for session_init, re-exported
// at the Transport level so a caller driving the transport through
// this type alone doesn't need to import the session.go helpers
// directly.
func (t *Transport) SessionInit(firstConnDevice verbs.Device) (*SessionTrCtx, error) {
	return SessionInit(firstConnDevice, t.cfg.MaxQueueDepth, t.cfg.MaxIOSize)
}

// SessionFini is the vtable entry point for session_fini.
func (t *Transport) SessionFini(s *SessionTrCtx, dev verbs.Device) error {
	return s.Fini(dev)
}

// ConnPoll is the vtable entry point for conn_poll: drive one queue
// pair's data path for one tick.
func (t *Transport) ConnPoll(qp *QueuePair) PollResult {
	return ConnPoll(qp)
}

// ConnFini is the vtable entry point for conn_fini: tear down an
// established queue pair outside of a CM disconnect event (e.g. an
// owning session shutting down cleanly).
func (t *Transport) ConnFini(qp *QueuePair) error {
	return qp.Destroy()
}

// ReqComplete is the vtable entry point for req_complete, called by an
// executor once it has finished processing a request handed to it via
// Executor.Execute.
func (t *Transport) ReqComplete(req *Request) {
	req.Complete()
}

// ReqRelease is the vtable entry point for req_release: the hard-reset
// path used when a session tears down a request outside the normal
// completion flow (R2).
func (t *Transport) ReqRelease(req *Request) {
	req.Release()
}

// ListenAddrDiscover is the vtable entry point for
// listen_addr_discover, populating a discovery log entry for addr.
func (t *Transport) ListenAddrDiscover(addr string) DiscoveryLogEntry {
	return ListenAddrDiscover(addr)
}
