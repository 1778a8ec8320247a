//go:build !linux

package rdmacm

import "errors"

var errUnsupported = errors.New("rdmacm: RDMA connection manager not supported on this platform; build on linux")

func Listen(addr string, backlog int) (Listener, error) {
	return nil, errUnsupported
}
