// Package metrics exposes the tunnel dataplane's Prometheus metrics:
// bearer liveness gauges plus packet/drop counters for the transmit and
// receive tasks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "acsgwd"
	subsystem = "tunnel"
)

// Label names shared across the tunnel metrics.
const (
	labelIfName   = "ifname"
	labelBearer   = "bearer"
	labelProtocol = "protocol"
	labelReason   = "reason"
)

// Collector holds every Prometheus metric the dataplane records.
type Collector struct {
	// BearersUp tracks bearers currently attached to a tunnel interface.
	// Incremented by AddBearer, decremented by DelMpTunnel.
	BearersUp *prometheus.GaugeVec

	// PacketsSent counts payloads successfully handed to a bearer's Send.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts payloads a bearer's receive task announced
	// into the virtual interface (post-dedup).
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts payloads discarded by the tunnel manager:
	// bearer send errors, packets for an interface with no tunnel
	// (missing route), and received packets the virtual interface failed
	// to accept, labeled by reason. Malformed frames dropped inside a
	// bearer are not counted here.
	PacketsDropped *prometheus.CounterVec

	// DedupDrops counts packets discarded as duplicates.
	DedupDrops *prometheus.CounterVec

	// QueueDrops is the counter for bounded-queue push failures (QueueFull,
	// spec §7). The tunnel manager does not increment it: a full TCP
	// outbound queue surfaces as a send error and is counted under
	// PacketsDropped with DropReasonSendError.
	QueueDrops *prometheus.CounterVec
}

// Drop reasons recorded against PacketsDropped's "reason" label.
const (
	DropReasonSendError  = "send_error"
	DropReasonMalformed  = "malformed"
	DropReasonRouteMissing = "route_missing"
)

// NewCollector creates a Collector with every metric registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.BearersUp,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.DedupDrops,
		c.QueueDrops,
	)

	return c
}

func newMetrics() *Collector {
	bearerLabels := []string{labelIfName, labelBearer, labelProtocol}
	dropLabels := []string{labelIfName, labelBearer, labelReason}

	return &Collector{
		BearersUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bearers_up",
			Help:      "Number of bearers currently attached to a tunnel interface.",
		}, bearerLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total payloads handed to a bearer's Send.",
		}, bearerLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total payloads announced into a virtual interface after dedup.",
		}, bearerLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total payloads discarded before being announced, by reason.",
		}, dropLabels),

		DedupDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dedup_drops_total",
			Help:      "Total packets discarded as duplicates.",
		}, bearerLabels),

		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_drops_total",
			Help:      "Total bounded-queue push failures (QueueFull).",
		}, bearerLabels),
	}
}

// RegisterBearer increments the bearers-up gauge for a newly added bearer.
func (c *Collector) RegisterBearer(ifname, bearer, protocol string) {
	c.BearersUp.WithLabelValues(ifname, bearer, protocol).Inc()
}

// UnregisterBearer decrements the bearers-up gauge for a removed bearer.
func (c *Collector) UnregisterBearer(ifname, bearer, protocol string) {
	c.BearersUp.WithLabelValues(ifname, bearer, protocol).Dec()
}

// IncPacketsSent increments the sent-packets counter for a bearer.
func (c *Collector) IncPacketsSent(ifname, bearer, protocol string) {
	c.PacketsSent.WithLabelValues(ifname, bearer, protocol).Inc()
}

// IncPacketsReceived increments the received-packets counter for a bearer.
func (c *Collector) IncPacketsReceived(ifname, bearer, protocol string) {
	c.PacketsReceived.WithLabelValues(ifname, bearer, protocol).Inc()
}

// IncPacketsDropped increments the dropped-packets counter for a bearer,
// labeled with why the packet was dropped.
func (c *Collector) IncPacketsDropped(ifname, bearer, reason string) {
	c.PacketsDropped.WithLabelValues(ifname, bearer, reason).Inc()
}

// IncDedupDrops increments the duplicate-drop counter for a bearer.
func (c *Collector) IncDedupDrops(ifname, bearer, protocol string) {
	c.DedupDrops.WithLabelValues(ifname, bearer, protocol).Inc()
}

// IncQueueDrops increments the queue-full-drop counter for a bearer.
func (c *Collector) IncQueueDrops(ifname, bearer, protocol string) {
	c.QueueDrops.WithLabelValues(ifname, bearer, protocol).Inc()
}
