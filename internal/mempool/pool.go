// Package mempool allocates and RDMA-registers the fixed-size memory
// regions the transport core needs: the per-queue-pair command,
// completion, and in-capsule-data arrays, and the per-session
// large-buffer bounce pool.
package mempool

import (
	"fmt"

	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
)

const pageAlign = 4096

// alignedBuffer allocates a byte slice whose first usable byte starts
// on a pageAlign boundary, matching the hugepage-aware allocator this
// component is modeled on: over-allocate and slice to the first
// aligned offset rather than relying on the runtime's default
// alignment guarantees.
func alignedBuffer(size int) []byte {
	buf := make([]byte, size+pageAlign)
	addr := bufAddr(buf)
	offset := (pageAlign - int(addr%pageAlign)) % pageAlign
	return buf[offset : offset+size : offset+size]
}

// QPPool holds the three registered arrays owned by one queue pair
// for its entire lifetime: command capsules, completion capsules, and
// in-capsule data buffers. Registration happens once at construction;
// deregistration happens once at Close, which must precede freeing
// the backing arrays per §4.A.
type QPPool struct {
	depth             uint32
	inCapsuleDataSize uint32

	cmds []byte
	cpls []byte
	bufs []byte

	cmdsMR *verbs.MemoryRegion
	cplsMR *verbs.MemoryRegion
	bufsMR *verbs.MemoryRegion
}

// NewQPPool allocates and registers the three arrays against dev.
// Failure of any registration releases everything registered so far
// before returning, per §4.A's all-or-nothing construction contract.
func NewQPPool(dev verbs.Device, depth, inCapsuleDataSize, cmdSize, cplSize uint32) (*QPPool, error) {
	p := &QPPool{depth: depth, inCapsuleDataSize: inCapsuleDataSize}

	p.cmds = alignedBuffer(int(depth) * int(cmdSize))
	cmdsMR, err := dev.RegisterMemory(p.cmds, verbs.AccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("mempool: register cmds: %w", err)
	}
	p.cmdsMR = cmdsMR

	p.cpls = alignedBuffer(int(depth) * int(cplSize))
	cplsMR, err := dev.RegisterMemory(p.cpls, verbs.AccessLocalWrite)
	if err != nil {
		dev.DeregisterMemory(p.cmdsMR)
		return nil, fmt.Errorf("mempool: register cpls: %w", err)
	}
	p.cplsMR = cplsMR

	p.bufs = alignedBuffer(int(depth) * int(inCapsuleDataSize))
	bufsMR, err := dev.RegisterMemory(p.bufs, verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	if err != nil {
		dev.DeregisterMemory(p.cmdsMR)
		dev.DeregisterMemory(p.cplsMR)
		return nil, fmt.Errorf("mempool: register bufs: %w", err)
	}
	p.bufsMR = bufsMR

	return p, nil
}

// Cmd returns the command-capsule slot for index i.
func (p *QPPool) Cmd(i uint32) []byte {
	return p.cmds[i*cmdSizeOf(p) : (i+1)*cmdSizeOf(p)]
}

func cmdSizeOf(p *QPPool) uint32 { return uint32(len(p.cmds)) / p.depth }

// Cpl returns the completion-capsule slot for index i.
func (p *QPPool) Cpl(i uint32) []byte {
	sz := uint32(len(p.cpls)) / p.depth
	return p.cpls[i*sz : (i+1)*sz]
}

// Buf returns the in-capsule data slot for index i. This slot is
// owned for the QP's lifetime and is never handed to the session's
// bounce pool, per invariant I5.
func (p *QPPool) Buf(i uint32) []byte {
	return p.bufs[i*p.inCapsuleDataSize : (i+1)*p.inCapsuleDataSize]
}

func (p *QPPool) CmdsLKey() uint32 { return p.cmdsMR.LKey }
func (p *QPPool) BufsLKey() uint32 { return p.bufsMR.LKey }
func (p *QPPool) CplsLKey() uint32 { return p.cplsMR.LKey }

// Close deregisters every array in the pool. Safe to call on a
// partially constructed pool: regions never registered are skipped.
// It does not track earlier calls, so a second Close deregisters the
// same regions again.
func (p *QPPool) Close(dev verbs.Device) error {
	var firstErr error
	for _, mr := range []*verbs.MemoryRegion{p.cmdsMR, p.cplsMR, p.bufsMR} {
		if mr == nil {
			continue
		}
		if err := dev.DeregisterMemory(mr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SessionPool is the per-session large-I/O bounce pool: a single
// contiguous registered region of depth*maxIOSize bytes, managed as a
// LIFO free-list of depth chunks. It is shared by every queue pair
// belonging to the session but, per §5, accessed only from their
// common owning core — no internal locking.
type SessionPool struct {
	chunkSize uint32
	region    []byte
	mr        *verbs.MemoryRegion
	free      [][]byte // LIFO stack: free[len-1] is popped next
}

// NewSessionPool allocates and registers the bounce-buffer region
// against the first connection's device, and seeds the free-list with
// depth chunks of maxIOSize bytes each.
func NewSessionPool(dev verbs.Device, depth, maxIOSize uint32) (*SessionPool, error) {
	region := alignedBuffer(int(depth) * int(maxIOSize))
	mr, err := dev.RegisterMemory(region, verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	if err != nil {
		return nil, fmt.Errorf("mempool: register session pool: %w", err)
	}
	sp := &SessionPool{chunkSize: maxIOSize, region: region, mr: mr}
	sp.free = make([][]byte, 0, depth)
	for i := uint32(0); i < depth; i++ {
		sp.free = append(sp.free, region[i*maxIOSize:(i+1)*maxIOSize])
	}
	return sp, nil
}

// Acquire pops the top chunk from the free-list, or returns ok=false
// if the pool is exhausted. Pool exhaustion is not an error at this
// layer — the caller parks the request instead, per §7.
func (sp *SessionPool) Acquire() (buf []byte, ok bool) {
	n := len(sp.free)
	if n == 0 {
		return nil, false
	}
	buf = sp.free[n-1]
	sp.free = sp.free[:n-1]
	return buf, true
}

// Release pushes buf back onto the free-list. Per invariant I4, every
// chunk acquired must be released exactly once.
func (sp *SessionPool) Release(buf []byte) {
	sp.free = append(sp.free, buf)
}

// Available reports the number of free chunks, used by tests to
// assert pool-size invariance across a completed command (P4).
func (sp *SessionPool) Available() int {
	return len(sp.free)
}

func (sp *SessionPool) LKey() uint32 { return sp.mr.LKey }
func (sp *SessionPool) RKey() uint32 { return sp.mr.RKey }

// Close deregisters the bounce-buffer region.
func (sp *SessionPool) Close(dev verbs.Device) error {
	if sp.mr == nil {
		return nil
	}
	return dev.DeregisterMemory(sp.mr)
}
