package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/companyzero/cryptobridge/schema"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stats holds the engine daemon metrics.
type stats struct {
	reg *prometheus.Registry

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

func newStats(activeConns func() float64) *stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "brcengine_conns",
		Help: "Number of connected engine clients",
	}, activeConns)

	return &stats{
		reg: reg,
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "brcengine_calls_total",
			Help: "Number of executed calls",
		}, []string{"call", "result"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brcengine_call_duration_seconds",
			Help:    "Time to execute a call",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"call"}),
	}
}

// observe is the engine observer that records executed calls.
func (s *stats) observe(tag schema.CallTag, success bool, elapsed time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	s.calls.WithLabelValues(string(tag), result).Inc()
	s.callDuration.WithLabelValues(string(tag)).Observe(elapsed.Seconds())
}

func (s *stats) handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		s.reg, promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}),
	)
}

// runPrometheusListener runs the Prometheus metrics endpoint in the given
// address.
func (s *stats) runPrometheusListener(ctx context.Context, addr string, log slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.handler())
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	log.Infof("Exposing prometheus metrics on %s", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
