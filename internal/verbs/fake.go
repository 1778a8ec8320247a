package verbs

import "sync"

// FakeQueuePair is a deterministic, in-memory QueuePair used by the
// transport core's own tests. Unlike linuxQP it never auto-completes:
// tests drive completions explicitly via CompleteNextSend/CompleteNextRecv so
// state-machine transitions can be exercised one event at a time.
type FakeQueuePair struct {
	cfg QPConfig

	mu         sync.Mutex
	sendQueued []SendWR
	recvQueued []RecvWR
	sendCQ     []WorkCompletion
	recvCQ     []WorkCompletion
	destroyed  bool

	// FailPostSend/FailPostRecv let a test simulate post failures
	// (e.g. a device-removal race) without contriving queue exhaustion.
	FailPostSend bool
	FailPostRecv bool
}

// NewFakeQueuePair creates a fake queue pair with the given depths.
func NewFakeQueuePair(cfg QPConfig) *FakeQueuePair {
	return &FakeQueuePair{cfg: cfg}
}

func (q *FakeQueuePair) PostSend(wr SendWR) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailPostSend {
		return ErrQueueFull
	}
	if uint32(len(q.sendQueued)) >= q.cfg.MaxSendWR {
		return ErrQueueFull
	}
	q.sendQueued = append(q.sendQueued, wr)
	return nil
}

func (q *FakeQueuePair) PostRecv(wr RecvWR) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailPostRecv {
		return ErrQueueFull
	}
	if uint32(len(q.recvQueued)) >= q.cfg.MaxRecvWR {
		return ErrQueueFull
	}
	q.recvQueued = append(q.recvQueued, wr)
	return nil
}

// CompleteNextSend pops the oldest still-posted send WR and stages a
// completion for it with the given status and byte length, returning
// the WR so a test can assert on its fields.
func (q *FakeQueuePair) CompleteNextSend(status WCStatus, byteLen uint32) (SendWR, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sendQueued) == 0 {
		return SendWR{}, false
	}
	wr := q.sendQueued[0]
	q.sendQueued = q.sendQueued[1:]
	q.sendCQ = append(q.sendCQ, WorkCompletion{WRID: wr.WRID, Opcode: wrTypeToWCOpcode(wr.Type), Status: status, ByteLen: byteLen})
	return wr, true
}

// CompleteNextRecv pops the oldest still-posted recv WR and stages a
// completion for it.
func (q *FakeQueuePair) CompleteNextRecv(status WCStatus, byteLen uint32) (RecvWR, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.recvQueued) == 0 {
		return RecvWR{}, false
	}
	wr := q.recvQueued[0]
	q.recvQueued = q.recvQueued[1:]
	q.recvCQ = append(q.recvCQ, WorkCompletion{WRID: wr.WRID, Opcode: WCRecv, Status: status, ByteLen: byteLen})
	return wr, true
}

func (q *FakeQueuePair) PollSendCQ(out []WorkCompletion) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(out, q.sendCQ)
	q.sendCQ = q.sendCQ[n:]
	return n, nil
}

func (q *FakeQueuePair) PollRecvCQ(out []WorkCompletion) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(out, q.recvCQ)
	q.recvCQ = q.recvCQ[n:]
	return n, nil
}

func (q *FakeQueuePair) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroyed = true
	return nil
}

func (q *FakeQueuePair) Destroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

// PendingSends/PendingRecvs report how many WRs are posted but not
// yet completed, for assertions against invariant P2.
func (q *FakeQueuePair) PendingSends() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sendQueued)
}

func (q *FakeQueuePair) PendingRecvs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.recvQueued)
}

// FakeDevice is a Device backed entirely by in-memory bookkeeping,
// handing out FakeQueuePairs and monotonically increasing lkeys/rkeys.
type FakeDevice struct {
	mu       sync.Mutex
	nextKey  uint32
	maxDepth uint32
}

// NewFakeDevice creates a fake device with the given max QP work
// request depth (the "local NIC" term in depth negotiation).
func NewFakeDevice(maxDepth uint32) *FakeDevice {
	return &FakeDevice{maxDepth: maxDepth}
}

func (d *FakeDevice) Name() string                 { return "fake0" }
func (d *FakeDevice) MaxQPWorkRequestDepth() uint32 { return d.maxDepth }

func (d *FakeDevice) RegisterMemory(buf []byte, access AccessFlags) (*MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextKey++
	mr := &MemoryRegion{Length: uint32(len(buf)), LKey: d.nextKey}
	if access&(AccessRemoteRead|AccessRemoteWrite) != 0 {
		d.nextKey++
		mr.RKey = d.nextKey
	}
	return mr, nil
}

func (d *FakeDevice) DeregisterMemory(mr *MemoryRegion) error { return nil }

func (d *FakeDevice) CreateQueuePair(cfg QPConfig) (QueuePair, error) {
	return NewFakeQueuePair(cfg), nil
}

func (d *FakeDevice) Close() error { return nil }
