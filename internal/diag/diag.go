// Package diag exposes kernel TCP_INFO socket diagnostics for TCP and
// TLS-over-TCP allocations as Prometheus metrics. It is purely additive:
// nothing in the allocation engine depends on it being present.
package diag

import (
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

const namespace = "turnperf"

// TCPInfoCollector samples golang.org/x/sys/unix.GetsockoptTCPInfo for every
// registered *net.TCPConn on each Prometheus scrape. Unlike a CGo-based
// TCP_INFO reader, it needs nothing beyond the standard syscall wrapper
// already vendored by the example pack, so every allocation can register
// its control connection without adding a build-time CGo dependency.
type TCPInfoCollector struct {
	mu    sync.Mutex
	conns map[string]entry

	rtt        *prometheus.Desc
	rttvar     *prometheus.Desc
	retransmit *prometheus.Desc
	lost       *prometheus.Desc
	sndCwnd    *prometheus.Desc
}

type entry struct {
	fd     int
	conn   net.Conn
	labels []string
}

// NewTCPInfoCollector returns a collector whose metrics carry the given
// constant labels (e.g. a run id) plus one "allocation" label identifying
// which registered connection a sample came from.
func NewTCPInfoCollector(constLabels prometheus.Labels) *TCPInfoCollector {
	labelNames := []string{"allocation"}
	return &TCPInfoCollector{
		conns: make(map[string]entry),
		rtt: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tcp", "rtt_microseconds"),
			"Smoothed round-trip time reported by TCP_INFO.",
			labelNames, constLabels),
		rttvar: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tcp", "rtt_variance_microseconds"),
			"Round-trip time variance reported by TCP_INFO.",
			labelNames, constLabels),
		retransmit: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tcp", "retransmits_total"),
			"Cumulative TCP retransmits reported by TCP_INFO.",
			labelNames, constLabels),
		lost: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tcp", "lost_packets"),
			"Packets currently considered lost by TCP_INFO.",
			labelNames, constLabels),
		sndCwnd: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tcp", "send_congestion_window"),
			"Current sender congestion window, in segments, reported by TCP_INFO.",
			labelNames, constLabels),
	}
}

// Add registers conn for sampling under id, typically the allocation index.
func (c *TCPInfoCollector) Add(id string, conn *net.TCPConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[id] = entry{fd: netfd.GetFdFromConn(conn), conn: conn, labels: []string{id}}
}

// Remove stops sampling the connection registered under id.
func (c *TCPInfoCollector) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, id)
}

// Describe implements prometheus.Collector.
func (c *TCPInfoCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.rtt
	descs <- c.rttvar
	descs <- c.retransmit
	descs <- c.lost
	descs <- c.sndCwnd
}

// Collect implements prometheus.Collector, sampling TCP_INFO for every
// currently registered connection. A connection whose fd has gone away
// (closed/reset) is dropped silently; the allocation's own error handling
// already reports that condition.
func (c *TCPInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.conns {
		info, err := unix.GetsockoptTCPInfo(e.fd, unix.IPPROTO_TCP, unix.TCP_INFO)
		if err != nil {
			delete(c.conns, id)
			continue
		}

		metrics <- prometheus.MustNewConstMetric(c.rtt, prometheus.GaugeValue, float64(info.Rtt), e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.rttvar, prometheus.GaugeValue, float64(info.Rttvar), e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.retransmit, prometheus.CounterValue, float64(info.Total_retrans), e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.lost, prometheus.GaugeValue, float64(info.Lost), e.labels...)
		metrics <- prometheus.MustNewConstMetric(c.sndCwnd, prometheus.GaugeValue, float64(info.Snd_cwnd), e.labels...)
	}
}
