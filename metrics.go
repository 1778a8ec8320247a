package nvmf

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/npeterson-io/nvmf-rdma/internal/interfaces"
)

// Metrics is the prometheus-backed interfaces.Observer implementation
// used by cmd/nvmfrdmatgt. Every method only updates prometheus
// counters, histograms or gauges and is safe to call from the poller's
// hot path, per the Observer contract.
type Metrics struct {
	capsuleRecvBytes prometheus.Counter
	capsuleSendBytes prometheus.Counter

	rdmaReadBytes   prometheus.Counter
	rdmaWriteBytes  prometheus.Counter
	rdmaReadLatency prometheus.Histogram
	rdmaWriteLatency prometheus.Histogram

	protocolErrors *prometheus.CounterVec
	fatalErrors    prometheus.Counter

	queueDepth prometheus.Gauge
	rwDepth    prometheus.Gauge
}

// NewMetrics builds a Metrics instance and registers every collector
// with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		capsuleRecvBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvmf_rdma",
			Name:      "capsule_recv_bytes_total",
			Help:      "Total bytes received across all command capsules.",
		}),
		capsuleSendBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvmf_rdma",
			Name:      "capsule_send_bytes_total",
			Help:      "Total bytes sent across all completion capsules.",
		}),
		rdmaReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvmf_rdma",
			Name:      "rdma_read_bytes_total",
			Help:      "Total bytes transferred by RDMA Read (host-to-controller).",
		}),
		rdmaWriteBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvmf_rdma",
			Name:      "rdma_write_bytes_total",
			Help:      "Total bytes transferred by RDMA Write (controller-to-host).",
		}),
		rdmaReadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nvmf_rdma",
			Name:      "rdma_read_latency_seconds",
			Help:      "RDMA Read completion latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		rdmaWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nvmf_rdma",
			Name:      "rdma_write_latency_seconds",
			Help:      "RDMA Write completion latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmf_rdma",
			Name:      "protocol_errors_total",
			Help:      "Per-request protocol errors, labeled by NVMe status code.",
		}, []string{"status_code"}),
		fatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvmf_rdma",
			Name:      "fatal_errors_total",
			Help:      "Transport-fatal errors resulting in queue-pair destruction.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvmf_rdma",
			Name:      "queue_depth",
			Help:      "Most recently observed queue-pair submission depth.",
		}),
		rwDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvmf_rdma",
			Name:      "rw_depth",
			Help:      "Most recently observed outstanding RDMA Read/Write depth.",
		}),
	}

	reg.MustRegister(
		m.capsuleRecvBytes, m.capsuleSendBytes,
		m.rdmaReadBytes, m.rdmaWriteBytes,
		m.rdmaReadLatency, m.rdmaWriteLatency,
		m.protocolErrors, m.fatalErrors,
		m.queueDepth, m.rwDepth,
	)
	return m
}

var _ interfaces.Observer = (*Metrics)(nil)

func (m *Metrics) ObserveCapsuleRecv(bytes uint64) { m.capsuleRecvBytes.Add(float64(bytes)) }
func (m *Metrics) ObserveCapsuleSend(bytes uint64) { m.capsuleSendBytes.Add(float64(bytes)) }

func (m *Metrics) ObserveRDMARead(bytes uint64, latencyNs uint64) {
	m.rdmaReadBytes.Add(float64(bytes))
	m.rdmaReadLatency.Observe(float64(latencyNs) / 1e9)
}

func (m *Metrics) ObserveRDMAWrite(bytes uint64, latencyNs uint64) {
	m.rdmaWriteBytes.Add(float64(bytes))
	m.rdmaWriteLatency.Observe(float64(latencyNs) / 1e9)
}

func (m *Metrics) ObserveProtocolError(statusCode uint16) {
	m.protocolErrors.WithLabelValues(statusCodeLabel(statusCode)).Inc()
}

func (m *Metrics) ObserveFatalError() { m.fatalErrors.Inc() }

func (m *Metrics) ObserveQueueDepth(depth uint32) { m.queueDepth.Set(float64(depth)) }
func (m *Metrics) ObserveRWDepth(depth uint32)    { m.rwDepth.Set(float64(depth)) }

func statusCodeLabel(statusCode uint16) string {
	const hexDigits = "0123456789abcdef"
	b := [4]byte{hexDigits[(statusCode>>12)&0xf], hexDigits[(statusCode>>8)&0xf], hexDigits[(statusCode>>4)&0xf], hexDigits[statusCode&0xf]}
	return "0x" + string(b[:])
}
