package nvmf

import (
	"net"
	"strconv"
)

// DiscoveryLogEntry is the subset of an NVMe-oF discovery log page
// entry this transport populates, per §6 and SPEC_FULL §12. Fields
// outside the RDMA transport's concern (subtype, subnqn, cntlid, ...)
// are left to the discovery-service collaborator that owns the log
// page as a whole.
type DiscoveryLogEntry struct {
	TrType        string
	AdrFam        string
	TReqSecureCh  string
	TrsvcID       string
	TrAddr        string
	RDMAQPType    string
	RDMAPrType    string
	RDMACMService string
}

const (
	trTypeRDMA           = "RDMA"
	adrFamIPv4           = "IPv4"
	secureChannelNone    = "NOT_SPECIFIED"
	rdmaQPTypeReliable   = "RELIABLE_CONNECTED"
	rdmaPrTypeNone       = "NONE"
	rdmaCMServiceRDMACM  = "RDMA_CM"
)

// ListenAddrDiscover populates a discovery log entry for the
// transport's listening address, per listen_addr_discover. addr is a
// "host:port" pair as passed to Transport.AcceptorInit; every field
// besides TrAddr/TrsvcID is fixed for this transport, since it only
// ever speaks RDMA over IPv4 via the kernel connection manager.
func ListenAddrDiscover(addr string) DiscoveryLogEntry {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}
	if _, convErr := strconv.Atoi(port); convErr != nil {
		port = ""
	}
	return DiscoveryLogEntry{
		TrType:        trTypeRDMA,
		AdrFam:        adrFamIPv4,
		TReqSecureCh:  secureChannelNone,
		TrsvcID:       port,
		TrAddr:        host,
		RDMAQPType:    rdmaQPTypeReliable,
		RDMAPrType:    rdmaPrTypeNone,
		RDMACMService: rdmaCMServiceRDMACM,
	}
}
