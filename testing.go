package nvmf

import (
	"sync"

	"github.com/npeterson-io/nvmf-rdma/internal/interfaces"
)

// MockExecutor provides a mock implementation of interfaces.Executor
// for unit testing the request state machine without a real NVMe
// command-processing backend. By default it completes every request
// synchronously, inline within Execute; tests that need to exercise
// WAIT_RW/XFER_OUT ordering can set Async and drive completion
// manually via CompleteNext.
type MockExecutor struct {
	mu       sync.Mutex
	executed []interfaces.Request
	pending  []interfaces.Request

	// Async defers Complete() to an explicit CompleteNext call instead
	// of calling it inline from Execute.
	Async bool

	// StatusCode is written via SetStatus before completing, if
	// non-zero.
	StatusCode uint16
}

// NewMockExecutor creates a mock executor that completes synchronously.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// Execute implements interfaces.Executor.
func (m *MockExecutor) Execute(req interfaces.Request) {
	m.mu.Lock()
	m.executed = append(m.executed, req)
	if m.StatusCode != 0 {
		req.SetStatus(m.StatusCode)
	}
	async := m.Async
	if async {
		m.pending = append(m.pending, req)
	}
	m.mu.Unlock()

	if !async {
		req.Complete()
	}
}

// ExecuteCount returns the number of times Execute has been called.
func (m *MockExecutor) ExecuteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executed)
}

// CompleteNext completes the oldest pending request queued while
// Async is set. Returns false if nothing is pending.
func (m *MockExecutor) CompleteNext() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	req := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()

	req.Complete()
	return true
}

// PendingCount reports how many executed requests are awaiting a
// manual CompleteNext call.
func (m *MockExecutor) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// MockObserver records every metric callback for assertions, in place
// of wiring up real prometheus collectors in unit tests.
type MockObserver struct {
	mu sync.Mutex

	CapsuleRecvBytes uint64
	CapsuleSendBytes uint64
	RDMAReadBytes    uint64
	RDMAWriteBytes   uint64
	ProtocolErrors   []uint16
	FatalErrors      int
	LastQueueDepth   uint32
	LastRWDepth      uint32
}

var _ interfaces.Observer = (*MockObserver)(nil)

func (m *MockObserver) ObserveCapsuleRecv(bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CapsuleRecvBytes += bytes
}

func (m *MockObserver) ObserveCapsuleSend(bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CapsuleSendBytes += bytes
}

func (m *MockObserver) ObserveRDMARead(bytes uint64, _ uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RDMAReadBytes += bytes
}

func (m *MockObserver) ObserveRDMAWrite(bytes uint64, _ uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RDMAWriteBytes += bytes
}

func (m *MockObserver) ObserveProtocolError(statusCode uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProtocolErrors = append(m.ProtocolErrors, statusCode)
}

func (m *MockObserver) ObserveFatalError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FatalErrors++
}

func (m *MockObserver) ObserveQueueDepth(depth uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastQueueDepth = depth
}

func (m *MockObserver) ObserveRWDepth(depth uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastRWDepth = depth
}
