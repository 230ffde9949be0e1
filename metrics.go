package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics exposes operational gauges and counters for the server over an
// optional Prometheus scrape endpoint.
type metrics struct {
	server     *server
	registry   *prometheus.Registry
	httpServer *http.Server

	bansTotal prometheus.Counter
}

// newMetrics builds the metric set for the given server.  The scrape endpoint
// is not started until start is called.
func newMetrics(s *server) *metrics {
	m := &metrics{
		server:   s,
		registry: prometheus.NewRegistry(),
		bansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btcsyncd_peer_bans_total",
			Help: "Number of peers banned for misbehavior.",
		}),
	}

	m.registry.MustRegister(
		m.bansTotal,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "btcsyncd_connected_peers",
			Help: "Number of currently connected peers.",
		}, func() float64 {
			return float64(s.ConnectedCount())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "btcsyncd_header_tip_height",
			Help: "Height of the persisted header chain tip.",
		}, func() float64 {
			_, height := s.headerStore.Tip()
			return float64(height)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "btcsyncd_known_addresses",
			Help: "Number of addresses tracked by the address manager.",
		}, func() float64 {
			return float64(s.addrManager.NumAddresses())
		}),
	)

	return m
}

// start serves the scrape endpoint when one is configured.
func (m *metrics) start() {
	if cfg.MetricsListen == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.registry, promhttp.HandlerOpts{},
	))
	m.httpServer = &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           mux,
		ReadHeaderTimeout: time.Second * 5,
	}

	go func() {
		srvrLog.Infof("Metrics server listening on %s",
			cfg.MetricsListen)
		err := m.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			srvrLog.Errorf("Metrics server failed: %v", err)
		}
	}()
}

// stop tears down the scrape endpoint if it was started.
func (m *metrics) stop() {
	if m.httpServer != nil {
		m.httpServer.Close()
	}
}
