// Package metrics exposes the host's Prometheus collectors and the server that
// publishes them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contract_host"

var (
	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Accepted TLS connections by route (token or host).",
	}, []string{"route"})

	RejectedConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejected_connections_total",
		Help:      "Token connections closed before reaching an instance, by reason.",
	}, []string{"reason"})

	InstancesStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instances_started_total",
	})

	InstancesRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instances_running",
	})

	ChargesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "charges_total",
	})

	ChargedAmountTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "charged_amount_total",
		Help:      "Balance debited by metering.",
	})

	BalanceExhaustedKillsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "balance_exhausted_kills_total",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RejectedConnectionsTotal,
		InstancesStartedTotal,
		InstancesRunning,
		ChargesTotal,
		ChargedAmountTotal,
		BalanceExhaustedKillsTotal,
	)
}

// MetricsServer serves /metrics for Prometheus scraping.
type MetricsServer struct {
	srv *http.Server
}

func New(serviceName, addr string) (*MetricsServer, error) {
	if serviceName == "" {
		return nil, errors.New("service name is required")
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "info",
		ConstLabels: prometheus.Labels{"service": serviceName},
	})
	info.Set(1)

	serverRegistry := prometheus.NewRegistry()
	serverRegistry.MustRegister(info)

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, serverRegistry},
		promhttp.HandlerOpts{},
	))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
