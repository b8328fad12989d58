// Package metrics exposes the stack's counters and gauges via
// prometheus/client_golang, mirroring the shape of a network-stack
// equivalent's per-interface metric set: packet counts, table occupancy,
// retransmissions, and socket queue depth, all labeled by interface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Labels.
	LabelIface  = "iface"
	LabelLayer  = "layer"
	LabelReason = "reason"
)

var serviceLabels = []string{LabelIface}

func withServiceLabels(labels ...string) []string {
	return append(append([]string{}, serviceLabels...), labels...)
}

var (
	FramesRx = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoip_ethernet_frames_rx_total",
			Help: "Ethernet frames accepted by the demultiplexer",
		},
		serviceLabels,
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoip_frames_dropped_total",
			Help: "Frames or packets dropped at any layer, by layer and reason",
		},
		withServiceLabels(LabelLayer, LabelReason),
	)

	ARPTableEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nanoip_arp_table_entries",
			Help: "Current ARP table occupancy",
		},
		serviceLabels,
	)

	ARPRequestsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoip_arp_requests_sent_total",
			Help: "ARP requests transmitted",
		},
		serviceLabels,
	)

	ARPRequestsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoip_arp_requests_failed_total",
			Help: "ARP requests that timed out without a response",
		},
		serviceLabels,
	)

	TCPConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nanoip_tcp_connections",
			Help: "Current TCP handles by state",
		},
		withServiceLabels("state"),
	)

	TCPRetransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoip_tcp_retransmits_total",
			Help: "TCP data segment retransmissions",
		},
		serviceLabels,
	)

	TCPSegmentsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoip_tcp_segments_failed_total",
			Help: "TCP data segments that exhausted their retransmit budget",
		},
		serviceLabels,
	)

	UDPDatagramsRx = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoip_udp_datagrams_rx_total",
			Help: "UDP datagrams delivered to a bound handle",
		},
		serviceLabels,
	)

	// Sockets wrap handles from any interface's protocol modules, so this
	// gauge is keyed by socket id alone rather than the iface base labels.
	SocketRxQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nanoip_socket_rx_queue_depth",
			Help: "Packets currently queued on a socket's receive queue",
		},
		[]string{"socket"},
	)

	AllocatorFree = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nanoip_allocator_free_buffers",
			Help: "Buffers currently free in the packet allocator pool",
		},
		serviceLabels,
	)

	AllocatorHighWater = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nanoip_allocator_high_water_buffers",
			Help: "Peak number of buffers concurrently allocated from the packet allocator pool since startup",
		},
		serviceLabels,
	)
)

// ObserveAllocator records an allocator's current pool occupancy for
// iface. Cheap enough to call from the periodic tick.
func ObserveAllocator(iface string, free, highWater int) {
	AllocatorFree.WithLabelValues(iface).Set(float64(free))
	AllocatorHighWater.WithLabelValues(iface).Set(float64(highWater))
}
