// Package metrics exposes the analysis pipeline's prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracescan"

type Metricer interface {
	RecordSteps(n int)
	RecordTransaction(elapsed time.Duration)
	RecordDetection(description string)
	RecordSessionFailure()
	RecordRetrieval(elapsed time.Duration, err error)
}

type Metrics struct {
	StepsAnalyzed        prometheus.Counter
	TransactionsAnalyzed prometheus.Counter
	Detections           *prometheus.CounterVec
	SessionFailures      prometheus.Counter
	RetrievalFailures    prometheus.Counter
	AnalysisDuration     prometheus.Histogram
	RetrievalDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_analyzed_total",
			Help:      "Total number of trace steps evaluated",
		}),
		TransactionsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_analyzed_total",
			Help:      "Total number of transactions analyzed",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Total number of rule matches per rule description",
		}, []string{"rule"}),
		SessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Total number of batches aborted by an error",
		}),
		RetrievalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_failures_total",
			Help:      "Total number of failed transaction or trace fetches",
		}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Wall-clock time spent analyzing one transaction",
			Buckets:   prometheus.DefBuckets,
		}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Wall-clock time spent fetching one trace",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	registry.MustRegister(
		m.StepsAnalyzed,
		m.TransactionsAnalyzed,
		m.Detections,
		m.SessionFailures,
		m.RetrievalFailures,
		m.AnalysisDuration,
		m.RetrievalDuration,
	)
	return m
}

func (m *Metrics) RecordSteps(n int) {
	m.StepsAnalyzed.Add(float64(n))
}

func (m *Metrics) RecordTransaction(elapsed time.Duration) {
	m.TransactionsAnalyzed.Inc()
	m.AnalysisDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordDetection(description string) {
	m.Detections.WithLabelValues(description).Inc()
}

func (m *Metrics) RecordSessionFailure() {
	m.SessionFailures.Inc()
}

func (m *Metrics) RecordRetrieval(elapsed time.Duration, err error) {
	m.RetrievalDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.RetrievalFailures.Inc()
	}
}

type noopMetrics struct{}

var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordSteps(int) {}
func (noopMetrics) RecordTransaction(time.Duration) {}
func (noopMetrics) RecordDetection(string) {}
func (noopMetrics) RecordSessionFailure() {}
func (noopMetrics) RecordRetrieval(time.Duration, error) {}

// Server serves the registry on /metrics.
type Server struct {
	srv      *http.Server
	listener net.Listener
}

func StartServer(addr string, registry *prometheus.Registry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s := &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		listener: ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "err", err)
		}
	}()
	log.Info("metrics server started", "addr", ln.Addr().String())
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
