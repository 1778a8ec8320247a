package main

import (
	"sync"

	nvmf "github.com/npeterson-io/nvmf-rdma"
	"github.com/npeterson-io/nvmf-rdma/internal/interfaces"
	"github.com/npeterson-io/nvmf-rdma/internal/rdmacm"
	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
)

// defaultSessionResolver is the standalone binary's nvmf.SessionResolver:
// a single NVMe session, created by the first connection to resolve
// (whatever its qid) and shared by every later queue pair, admin or
// I/O, along with its bounce pool. qid is not consulted, and sessions
// are not keyed off the host NQN carried in a Fabric Connect command.
type defaultSessionResolver struct {
	transport *nvmf.Transport

	mu          sync.Mutex
	session     *nvmf.SessionTrCtx
	established map[rdmacm.ConnID]*nvmf.QueuePair
}

func newDefaultSessionResolver(transport *nvmf.Transport) *defaultSessionResolver {
	return &defaultSessionResolver{
		transport:   transport,
		established: make(map[rdmacm.ConnID]*nvmf.QueuePair),
	}
}

// ResolveSession implements nvmf.SessionResolver.
func (r *defaultSessionResolver) ResolveSession(qid uint16, dev verbs.Device, maxQueueDepth, maxIOSize uint32) (*nvmf.SessionTrCtx, interfaces.Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		s, err := r.transport.SessionInit(dev)
		if err != nil {
			return nil, nil, err
		}
		r.session = s
	}
	return r.session, newEchoExecutor(), nil
}

// Established implements nvmf.SessionResolver.
func (r *defaultSessionResolver) Established(qp *nvmf.QueuePair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established[qp.ConnID()] = qp
}

// Disconnected implements nvmf.SessionResolver.
func (r *defaultSessionResolver) Disconnected(id rdmacm.ConnID) {
	r.mu.Lock()
	qp, ok := r.established[id]
	delete(r.established, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	qp.Destroy()
}

// pollEstablished drives every established queue pair's data path for
// one tick, per §4.D; this binary runs every queue pair on the same
// core rather than the one-reactor-per-QP layout a multi-core target
// would use, since it has no per-core scheduler to hand queue pairs to.
func (r *defaultSessionResolver) pollEstablished() {
	r.mu.Lock()
	qps := make([]*nvmf.QueuePair, 0, len(r.established))
	for _, qp := range r.established {
		qps = append(qps, qp)
	}
	r.mu.Unlock()

	for _, qp := range qps {
		if result := nvmf.ConnPoll(qp); result.Fatal {
			r.mu.Lock()
			delete(r.established, qp.ConnID())
			r.mu.Unlock()
		}
	}
}

// echoExecutor is the target's built-in command processor: it treats
// every command, fabric or not, as complete as soon as its data is
// assembled, without touching a real namespace backend. A production
// deployment would substitute a block-device or object-store executor
// implementing interfaces.Executor; this one exists so the binary has
// something to wire its NVMe command path to out of the box.
type echoExecutor struct{}

func newEchoExecutor() *echoExecutor { return &echoExecutor{} }

func (e *echoExecutor) Execute(req interfaces.Request) {
	req.Complete()
}
