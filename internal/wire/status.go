package wire

// NVMe generic-command-status status codes relevant to the transport.
// The full NVMe status-code space belongs to the executor; the
// transport itself only ever writes the handful below, all of which
// are protocol-per-request failures detected before a command ever
// reaches the executor.
const (
	StatusSuccess                  uint16 = 0x00
	StatusInvalidSGLDescriptorType uint16 = 0x0D
	StatusInvalidSGLOffset         uint16 = 0x16
	StatusDataSGLLengthInvalid     uint16 = 0x1B
)
