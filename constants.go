package nvmf

import "github.com/npeterson-io/nvmf-rdma/internal/constants"

// Re-exported defaults, so callers configuring a Transport don't need
// to import internal/constants directly.
const (
	DefaultMaxQueueDepth     = constants.DefaultMaxQueueDepth
	DefaultMaxRWDepth        = constants.DefaultMaxRWDepth
	DefaultInCapsuleDataSize = constants.DefaultInCapsuleDataSize
	DefaultMaxIOSize         = constants.DefaultMaxIOSize
	AutoAssignQueueDepth     = constants.AutoAssignQueueDepth

	CapsuleCmdSize = constants.CapsuleCmdSize
	CapsuleCplSize = constants.CapsuleCplSize

	AcceptorBacklog    = constants.AcceptorBacklog
	MinNegotiatedDepth = constants.MinNegotiatedDepth
)
