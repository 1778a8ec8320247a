package rdmacm

import "github.com/npeterson-io/nvmf-rdma/internal/verbs"

// Listener is a non-blocking RDMA CM event channel bound to one
// listening address, created with a fixed backlog.
type Listener interface {
	// PollEvent returns the next pending CM event, or ok=false if the
	// channel is currently empty. Never blocks.
	PollEvent() (Event, bool, error)

	// Device returns the verbs.Device backing a CONNECT_REQUEST's
	// connection identifier, opened (or reused) on demand.
	Device(id ConnID) (verbs.Device, error)

	// Accept sends an RDMA CM accept for id carrying privateData.
	// Must be called only for a CONNECT_REQUEST's ID, after its QP
	// has been created.
	Accept(id ConnID, qp verbs.QueuePair, privateData []byte) error

	// Reject sends an RDMA CM reject for id carrying privateData.
	Reject(id ConnID, privateData []byte) error

	// Disconnect tears down an established connection's CM identifier.
	Disconnect(id ConnID) error

	// Close releases the listening identifier and event channel.
	Close() error
}
