// Package verbs provides the interface for RDMA verbs operations
// needed by the transport core: memory registration, queue-pair
// create/destroy, and posting/polling work requests and completions.
//
// It mirrors the shape of an io_uring-style hardware boundary: a small
// interface the transport drives, a real implementation that talks to
// the kernel, and a deterministic stub for environments without an
// RDMA-capable NIC.
package verbs

import "errors"

// ErrQueueFull is returned when a post_send/post_recv call would
// exceed the queue pair's negotiated work-request depth. The request
// state machine guarantees this is never hit on the data path — depth
// is enforced before a post is attempted — so seeing this indicates a
// bookkeeping bug upstream.
var ErrQueueFull = errors.New("verbs: send or receive queue full")

// AccessFlags mirrors ibv_access_flags bits relevant to this transport.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// MemoryRegion is a registered block of memory usable as the local
// side of a work request (via LKey) and, if remote access flags were
// requested, as the target of a peer's keyed SGL (via RKey).
type MemoryRegion struct {
	Addr   uintptr
	Length uint32
	LKey   uint32
	RKey   uint32
}

// WRType distinguishes the three work-request kinds this transport
// posts to a send queue. Receive-queue postings are always plain
// two-SGE receives and need no type tag.
type WRType uint8

const (
	WRSend WRType = iota
	WRRDMARead
	WRRDMAWrite
)

// SGE is a single scatter-gather element: a local buffer and the
// lkey that authorizes the device to access it.
type SGE struct {
	Addr   uintptr
	Length uint32
	LKey   uint32
}

// SendWR describes one send-queue work request.
type SendWR struct {
	WRID    uint64 // opaque identifier echoed back in the completion
	Type    WRType
	SGEs    []SGE
	RAddr   uint64 // remote virtual address, for RDMARead/RDMAWrite
	RKey    uint32 // remote key, for RDMARead/RDMAWrite
}

// RecvWR describes one receive-queue work request.
type RecvWR struct {
	WRID uint64
	SGEs []SGE
}

// WCStatus mirrors ibv_wc_status: zero is success, any other value is
// a transport-fatal completion error.
type WCStatus uint32

const WCStatusSuccess WCStatus = 0

// WCOpcode mirrors ibv_wc_opcode for the operations this transport
// issues or expects to receive.
type WCOpcode uint8

const (
	WCSend WCOpcode = iota
	WCRDMAWrite
	WCRDMARead
	WCRecv
)

// WorkCompletion is a single polled completion-queue entry.
type WorkCompletion struct {
	WRID    uint64
	Opcode  WCOpcode
	Status  WCStatus
	ByteLen uint32
}

// QPConfig configures a queue pair at creation time. Depths are the
// negotiated values from the acceptor, already bounded by local and
// peer limits.
type QPConfig struct {
	MaxSendWR uint32 // covers SEND + RDMA Read/Write: 2 * max_queue_depth
	MaxRecvWR uint32 // max_queue_depth
	MaxSendSGE uint32
	MaxRecvSGE uint32
}

// QueuePair is a single reliable-connected RDMA queue pair along with
// its two completion queues. All methods are non-blocking: posting
// returns immediately with a status, and polling returns zero entries
// on an empty queue rather than waiting.
type QueuePair interface {
	// PostSend posts one send-queue work request.
	PostSend(wr SendWR) error

	// PostRecv posts one receive-queue work request.
	PostRecv(wr RecvWR) error

	// PollSendCQ drains up to len(out) completions from the send
	// completion queue into out, returning the number filled.
	PollSendCQ(out []WorkCompletion) (int, error)

	// PollRecvCQ drains up to len(out) completions from the receive
	// completion queue into out, returning the number filled.
	PollRecvCQ(out []WorkCompletion) (int, error)

	// Destroy tears down the queue pair and its completion queues.
	// Idempotent: calling Destroy twice is a no-op the second time.
	Destroy() error
}

// Device represents one usable RDMA-capable NIC: it registers memory
// and creates queue pairs against a protection domain.
type Device interface {
	// Name returns the device's sysfs name (e.g. "mlx5_0"), used for
	// logging and metrics labeling.
	Name() string

	// MaxQPWorkRequestDepth returns the NIC's maximum work requests
	// per queue (the local-NIC term in depth negotiation).
	MaxQPWorkRequestDepth() uint32

	// RegisterMemory registers buf with the device, returning lkey
	// (and rkey, if access includes remote flags).
	RegisterMemory(buf []byte, access AccessFlags) (*MemoryRegion, error)

	// DeregisterMemory releases a previously registered region. Must
	// be called before the backing buffer is freed.
	DeregisterMemory(mr *MemoryRegion) error

	// CreateQueuePair creates a new reliable-connected queue pair
	// against this device's protection domain.
	CreateQueuePair(cfg QPConfig) (QueuePair, error)

	// Close releases the device handle and its protection domain.
	Close() error
}

// EnumerateFunc returns the RDMA devices currently visible to the
// process. The per-platform EnumerateDevices is the default
// implementation; see also OpenDevice.
type EnumerateFunc func() ([]Device, error)
