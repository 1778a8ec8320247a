package mempool

import "unsafe"

// bufAddr returns the address of a byte slice's backing array as a
// uintptr, used only to compute page-alignment offsets.
func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
