package rdmacm

import (
	"sync"

	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
)

// FakeConnID is a deterministic ConnID used by tests.
type FakeConnID struct {
	Device string
	Tag    string // arbitrary label a test can use to identify which connection this is
}

func (c *FakeConnID) DeviceName() string { return c.Device }

// FakeListener is an in-memory Listener a test feeds events into via
// Push, and whose Accept/Reject/Disconnect calls it records for
// assertions.
type FakeListener struct {
	mu     sync.Mutex
	events []Event
	dev    verbs.Device

	Accepted    []ConnID
	Rejected    []ConnID
	Disconnected []ConnID
}

// NewFakeListener creates a fake listener that hands out dev for every
// connection identifier's Device call.
func NewFakeListener(dev verbs.Device) *FakeListener {
	return &FakeListener{dev: dev}
}

// Push enqueues an event to be returned by a future PollEvent call.
func (l *FakeListener) Push(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *FakeListener) PollEvent() (Event, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}, false, nil
	}
	ev := l.events[0]
	l.events = l.events[1:]
	return ev, true, nil
}

func (l *FakeListener) Device(id ConnID) (verbs.Device, error) {
	return l.dev, nil
}

func (l *FakeListener) Accept(id ConnID, qp verbs.QueuePair, privateData []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Accepted = append(l.Accepted, id)
	return nil
}

func (l *FakeListener) Reject(id ConnID, privateData []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Rejected = append(l.Rejected, id)
	return nil
}

func (l *FakeListener) Disconnect(id ConnID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Disconnected = append(l.Disconnected, id)
	return nil
}

func (l *FakeListener) Close() error { return nil }
