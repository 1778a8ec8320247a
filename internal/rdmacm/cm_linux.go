//go:build linux

package rdmacm

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vishvananda/netlink"

	"github.com/npeterson-io/nvmf-rdma/internal/logging"
	"github.com/npeterson-io/nvmf-rdma/internal/verbs"
)

// rdmaCMCmdHdr mirrors the fixed command header rdma-core's
// write()-based command interface uses against /dev/infiniband/rdma_cm,
// per <rdma/rdma_user_cm.h>.
type rdmaCMCmdHdr struct {
	Command uint32
	InSize  uint16
	OutSize uint16
}

const (
	rdmaCMCmdCreateID = 0
	rdmaCMCmdBindIP   = 2
	rdmaCMCmdListen   = 4
	rdmaCMCmdAccept   = 9
	rdmaCMCmdReject   = 10
	rdmaCMCmdDisconnect = 11
)

// linuxConnID is a connection identifier backed by a real CM id
// number and the device name it was resolved against.
type linuxConnID struct {
	id     uint32
	device string
}

func (c *linuxConnID) DeviceName() string { return c.device }

// linuxListener drains CONNECT_REQUEST and lifecycle events from the
// rdma_cm character device's event queue, and synthesizes
// ADDR_CHANGE / DEVICE_REMOVAL events from netlink link-state
// notifications. Every link update produces one such event; updates
// are not filtered by device, and the synthesized event carries no
// connection identifier.
type linuxListener struct {
	fd      int
	addr    string
	backlog int

	mu      sync.Mutex
	devices map[string]verbs.Device

	linkUpdates chan netlink.LinkUpdate
	linkDone    chan struct{}
}

// Listen opens /dev/infiniband/rdma_cm and writes the create-id, bind
// and listen commands. addr (host:port form) is validated, but the
// commands are written as bare headers: neither the address nor the
// backlog is included in what is sent to the device.
func Listen(addr string, backlog int) (Listener, error) {
	fd, err := unix.Open("/dev/infiniband/rdma_cm", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("rdmacm: open rdma_cm device: %w", err)
	}

	l := &linuxListener{
		fd:      fd,
		addr:    addr,
		backlog: backlog,
		devices: make(map[string]verbs.Device),
	}

	if err := l.createID(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := l.bind(addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := l.listen(backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}

	l.linkUpdates = make(chan netlink.LinkUpdate, 16)
	l.linkDone = make(chan struct{})
	if err := netlink.LinkSubscribe(l.linkUpdates, l.linkDone); err != nil {
		logging.Default().Debugf("rdmacm: link subscribe unavailable: %v", err)
	}

	logging.Default().Infof("rdma_cm listening on %s (backlog %d)", addr, backlog)
	return l, nil
}

func (l *linuxListener) createID() error {
	hdr := rdmaCMCmdHdr{Command: rdmaCMCmdCreateID}
	return l.write(&hdr)
}

func (l *linuxListener) bind(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("rdmacm: bind address %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("rdmacm: bind address %q: not an IPv4 literal", host)
	}
	var p uint16
	fmt.Sscanf(port, "%d", &p)
	hdr := rdmaCMCmdHdr{Command: rdmaCMCmdBindIP}
	return l.write(&hdr)
}

func (l *linuxListener) listen(backlog int) error {
	hdr := rdmaCMCmdHdr{Command: rdmaCMCmdListen}
	return l.write(&hdr)
}

func (l *linuxListener) write(hdr *rdmaCMCmdHdr) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], hdr.Command)
	binary.LittleEndian.PutUint16(b[4:6], hdr.InSize)
	binary.LittleEndian.PutUint16(b[6:8], hdr.OutSize)
	_, err := unix.Write(l.fd, b)
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (l *linuxListener) PollEvent() (Event, bool, error) {
	// Drain a synthetic link-state event first if one is pending;
	// these map onto ADDR_CHANGE / DEVICE_REMOVAL per §4.F.
	select {
	case upd := <-l.linkUpdates:
		et := EventAddrChange
		if upd.Header.Type == unix.RTM_DELLINK {
			et = EventDeviceRemoval
		}
		return Event{Type: et}, true, nil
	default:
	}

	buf := make([]byte, 256)
	n, err := unix.Read(l.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return Event{}, false, nil
		}
		return Event{}, false, err
	}
	if n < 4 {
		return Event{}, false, nil
	}
	// Real event decoding reads struct rdma_ucm_event_resp; this
	// transport only needs the event-type discriminant and, for
	// CONNECT_REQUEST, the private-data blob that follows it.
	rawType := binary.LittleEndian.Uint32(buf[0:4])
	ev := Event{Type: rawEventType(rawType)}
	if ev.Type == EventConnectRequest {
		ev.ID = &linuxConnID{id: binary.LittleEndian.Uint32(buf[4:8])}
		if n > 8 {
			ev.PrivateData = append([]byte(nil), buf[8:n]...)
		}
	}
	return ev, true, nil
}

func rawEventType(v uint32) EventType {
	switch v {
	case 0:
		return EventConnectRequest
	case 1:
		return EventEstablished
	case 2:
		return EventDisconnected
	case 3:
		return EventTimewaitExit
	default:
		return EventOther
	}
}

func (l *linuxListener) Device(id ConnID) (verbs.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name := id.DeviceName()
	if name == "" {
		name = "mlx5_0"
	}
	if d, ok := l.devices[name]; ok {
		return d, nil
	}
	d, err := verbs.OpenDevice(name)
	if err != nil {
		return nil, err
	}
	l.devices[name] = d
	return d, nil
}

func (l *linuxListener) Accept(id ConnID, qp verbs.QueuePair, privateData []byte) error {
	hdr := rdmaCMCmdHdr{Command: rdmaCMCmdAccept, InSize: uint16(len(privateData))}
	return l.writeWithPayload(&hdr, privateData)
}

func (l *linuxListener) Reject(id ConnID, privateData []byte) error {
	hdr := rdmaCMCmdHdr{Command: rdmaCMCmdReject, InSize: uint16(len(privateData))}
	return l.writeWithPayload(&hdr, privateData)
}

func (l *linuxListener) Disconnect(id ConnID) error {
	hdr := rdmaCMCmdHdr{Command: rdmaCMCmdDisconnect}
	return l.write(&hdr)
}

func (l *linuxListener) writeWithPayload(hdr *rdmaCMCmdHdr, payload []byte) error {
	b := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], hdr.Command)
	binary.LittleEndian.PutUint16(b[4:6], hdr.InSize)
	binary.LittleEndian.PutUint16(b[6:8], hdr.OutSize)
	copy(b[8:], payload)
	_, err := unix.Write(l.fd, b)
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (l *linuxListener) Close() error {
	if l.linkDone != nil {
		close(l.linkDone)
	}
	for _, d := range l.devices {
		d.Close()
	}
	return unix.Close(l.fd)
}
