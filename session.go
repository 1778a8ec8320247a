package nvmf

import (
	"github.com/npeterson-io/nvmf-rdma/internal/mempool"
	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
)

// SessionTrCtx is the transport-owned context attached to an NVMe
// session's opaque transport slot (§3): a registered large-buffer
// pool shared by every queue pair belonging to the session. Per §5 it
// is touched only from the session's common owning core, so it needs
// no internal locking of its own beyond what SessionPool already does
// (none — callers already serialize access).
type SessionTrCtx struct {
	pool *mempool.SessionPool
}

// SessionInit allocates and registers the session's bounce pool
// against firstConnDevice — the device backing the first connection
// to reach this session, per §4.G's session_init contract.
func SessionInit(firstConnDevice verbs.Device, maxQueueDepth, maxIOSize uint32) (*SessionTrCtx, error) {
	pool, err := mempool.NewSessionPool(firstConnDevice, maxQueueDepth, maxIOSize)
	if err != nil {
		return nil, WrapError("SESSION_INIT", ErrCodeRegistrationFailed, err)
	}
	return &SessionTrCtx{pool: pool}, nil
}

// Fini tears down the session's bounce pool, per session_fini.
func (s *SessionTrCtx) Fini(dev verbs.Device) error {
	return s.pool.Close(dev)
}

// AvailableBuffers reports the number of free bounce-pool chunks,
// exposed for metrics and tests asserting pool-size invariance (P4).
func (s *SessionTrCtx) AvailableBuffers() int {
	return s.pool.Available()
}

// AttachSession binds a queue pair to its session's transport
// context. Must be called before the QP processes any keyed SGL
// needing a bounce buffer; the acceptor calls this once a
// CONNECT_REQUEST resolves to a session (new or existing).
func (q *QueuePair) AttachSession(s *SessionTrCtx) {
	q.session = s
}
