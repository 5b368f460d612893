// Package metrics wires the allocator's run statistics and the optional
// internal/diag socket sampler into a Prometheus registry, and serves it
// over plain HTTP for the lifetime of one turnperf run.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turnperf/turnperf/internal/diag"
)

// Registry bundles the gauges/histograms a run publishes plus the optional
// TCP diagnostics collector, all registered against one prometheus.Registry.
type Registry struct {
	reg *prometheus.Registry

	AllocationsRequested prometheus.Gauge
	AllocationsReady     prometheus.Gauge
	AllocationTime       prometheus.Histogram
	SendBitrate          prometheus.Gauge
	RecvBitrate          prometheus.Gauge
	PacketsLost          prometheus.Counter

	Diag *diag.TCPInfoCollector
}

// New creates a registry labeled with runID, registering all turnperf
// metrics plus a TCPInfoCollector (only actually populated for TCP/TLS
// allocations; harmless to register unconditionally).
func New(runID string) *Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"run": runID}

	r := &Registry{
		reg: reg,
		AllocationsRequested: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turnperf", Name: "allocations_requested", ConstLabels: constLabels,
			Help: "Number of allocations requested for this run.",
		}),
		AllocationsReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turnperf", Name: "allocations_ready", ConstLabels: constLabels,
			Help: "Number of allocations that reached the ready state.",
		}),
		AllocationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "turnperf", Name: "allocation_time_seconds", ConstLabels: constLabels,
			Help:    "Time from ALLOCATE request to ready, per allocation.",
			Buckets: prometheus.DefBuckets,
		}),
		SendBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turnperf", Name: "send_bits_per_second", ConstLabels: constLabels,
			Help: "Aggregate sender bitrate across all ready allocations.",
		}),
		RecvBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turnperf", Name: "recv_bits_per_second", ConstLabels: constLabels,
			Help: "Aggregate receiver bitrate across all ready allocations.",
		}),
		PacketsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turnperf", Name: "packets_lost_total", ConstLabels: constLabels,
			Help: "Packets sent but never observed by the corresponding receiver.",
		}),
		Diag: diag.NewTCPInfoCollector(constLabels),
	}

	reg.MustRegister(r.AllocationsRequested, r.AllocationsReady, r.AllocationTime,
		r.SendBitrate, r.RecvBitrate, r.PacketsLost, r.Diag)

	return r
}

// Serve starts an HTTP server exposing /metrics on addr and returns a
// shutdown function. It returns an error immediately if addr cannot be
// bound; Serve errors encountered afterward are logged to logger.
func (r *Registry) Serve(addr string, logger *log.Logger) (shutdown func(context.Context) error, err error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics: server error: %v", err)
		}
	}()

	return srv.Shutdown, nil
}
