package nvmf

import "unsafe"

// bufAddr returns the address of a byte slice's backing array,
// suitable for use as a work request's local SGE address.
func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// bytePtr reinterprets a byte slice's backing array as a generic
// pointer, used to overlay a fixed wire struct onto a registered
// capsule slot without copying.
func bytePtr(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&buf[0])
}
