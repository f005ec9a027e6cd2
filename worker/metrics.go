package worker

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rarydzu/diskstage/drive"
	"github.com/rarydzu/diskstage/request"
)

const (
	LabelDrive  = "drive"
	LabelStatus = "status"
)

// Metrics exports drive statistics to prometheus
type Metrics struct {
	readSpeed      *prometheus.GaugeVec
	openClose      *prometheus.GaugeVec
	availableSlots *prometheus.GaugeVec
	pending        *prometheus.GaugeVec
	openFDs        prometheus.Gauge
	completions    *prometheus.CounterVec
}

// NewMetrics creates and registers worker metrics. With a nil registry
// the metrics are created but not registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		readSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskstage",
			Subsystem: "drive",
			Name:      "read_speed_mbps",
			Help:      "Average read throughput in MB/s",
		}, []string{LabelDrive}),
		openClose: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskstage",
			Subsystem: "drive",
			Name:      "open_close_microseconds",
			Help:      "Average cost of opening a file and closing the evicted one",
		}, []string{LabelDrive}),
		availableSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskstage",
			Subsystem: "drive",
			Name:      "available_slots",
			Help:      "Requests the drive admits before applying backpressure",
		}, []string{LabelDrive}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskstage",
			Subsystem: "drive",
			Name:      "pending_requests",
			Help:      "Requests waiting in the worker and in the drive queue",
		}, []string{LabelDrive}),
		openFDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diskstage",
			Subsystem: "process",
			Name:      "open_fds",
			Help:      "File descriptors held by the process",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskstage",
			Subsystem: "drive",
			Name:      "completions_total",
			Help:      "Requests that reached a terminal status",
		}, []string{LabelDrive, LabelStatus}),
	}
	if registry != nil {
		registry.MustRegister(m.readSpeed, m.openClose, m.availableSlots, m.pending, m.openFDs, m.completions)
	}
	return m
}

func (m *Metrics) completed(driveName string, status request.Status) {
	m.completions.WithLabelValues(driveName, status.String()).Inc()
}

func (m *Metrics) update(driveName string, snap Snapshot) {
	for _, s := range snap.Statistics {
		switch strings.TrimPrefix(s.Name, driveName+"/") {
		case drive.StatSpeed:
			m.readSpeed.WithLabelValues(driveName).Set(s.Value)
		case drive.StatOpenClose:
			m.openClose.WithLabelValues(driveName).Set(s.Value)
		case drive.StatAvailableSlots:
			m.availableSlots.WithLabelValues(driveName).Set(s.Value)
		}
	}
	m.pending.WithLabelValues(driveName).Set(float64(snap.Pending))
	if snap.OpenFDs >= 0 {
		m.openFDs.Set(float64(snap.OpenFDs))
	}
}
