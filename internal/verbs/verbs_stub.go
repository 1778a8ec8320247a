//go:build !linux

package verbs

import "errors"

var errUnsupported = errors.New("verbs: RDMA device access not supported on this platform; build on linux")

func OpenDevice(name string) (Device, error) {
	return nil, errUnsupported
}

func EnumerateDevices() ([]Device, error) {
	return nil, errUnsupported
}
