// Package rdmacm provides the interface for RDMA connection-manager
// operations needed by the acceptor: a non-blocking event channel
// bound to a listening identifier, and accept/reject with private
// data.
package rdmacm

import "encoding/binary"

// EventType enumerates the RDMA CM events the acceptor reacts to.
type EventType uint8

const (
	EventConnectRequest EventType = iota
	EventEstablished
	EventAddrChange
	EventDisconnected
	EventDeviceRemoval
	EventTimewaitExit
	EventOther
)

// ConnID identifies one RDMA CM connection identifier. Before a QP is
// created it stands in for the pending connection; afterwards it is
// the handle used to accept/reject/disconnect.
type ConnID interface {
	// DeviceName reports the sysfs name of the RDMA NIC this
	// identifier is bound to, so the acceptor can open the matching
	// verbs.Device and negotiate its max_qp_wr.
	DeviceName() string
}

// Event is one polled CM event.
type Event struct {
	Type EventType
	ID   ConnID

	// PrivateData is the raw bytes carried by CONNECT_REQUEST; nil
	// for all other event types.
	PrivateData []byte

	// InitiatorDepth is the peer's advertised RDMA read/atomic depth,
	// carried in the CM REQ header (not private data) for
	// CONNECT_REQUEST events.
	InitiatorDepth uint8
}

// ConnectPrivateData is the CONNECT (host -> target) private-data
// payload, modeled on the NVMe-oF RDMA CM request format: a format
// marker, the queue identifier (0 for the admin queue), and the
// host's advertised receive/send queue sizes used in depth
// negotiation.
type ConnectPrivateData struct {
	Recfmt  uint16
	QID     uint16
	HRQSize uint16 // host receive-queue size: caps negotiated max_queue_depth
	HSQSize uint16 // host send-queue size: caps negotiated max_queue_depth
}

// DecodeConnectPrivateData parses a CONNECT_REQUEST's private-data
// payload. Returns ok=false if it's shorter than the fixed header.
func DecodeConnectPrivateData(b []byte) (ConnectPrivateData, bool) {
	if len(b) < 8 {
		return ConnectPrivateData{}, false
	}
	return ConnectPrivateData{
		Recfmt:  binary.LittleEndian.Uint16(b[0:2]),
		QID:     binary.LittleEndian.Uint16(b[2:4]),
		HRQSize: binary.LittleEndian.Uint16(b[4:6]),
		HSQSize: binary.LittleEndian.Uint16(b[6:8]),
	}, true
}

// AcceptPrivateData is the ACCEPT (target -> host) private-data
// payload.
type AcceptPrivateData struct {
	Recfmt  uint16
	CRQSize uint16 // negotiated max_queue_depth
}

// Encode serializes the accept payload.
func (a AcceptPrivateData) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], a.Recfmt)
	binary.LittleEndian.PutUint16(b[2:4], a.CRQSize)
	return b
}

// RejectPrivateData is the REJECT payload: an NVMe status code alone.
type RejectPrivateData struct {
	StatusCode uint16
}

// Encode serializes the reject payload.
func (r RejectPrivateData) Encode() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b[0:2], r.StatusCode)
	return b
}
