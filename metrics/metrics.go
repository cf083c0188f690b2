package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eddielth/crane-telemetry/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons
const (
	ReasonUnroutable   = "unroutable"
	ReasonUnknownClass = "unknown_class"
	ReasonDecode       = "decode"
	ReasonValidation   = "validation"
	ReasonDeactivated  = "deactivated"
	ReasonPersistence  = "persistence"
	ReasonRegistry     = "registry"
)

// Metrics holds the ingestion pipeline counters on a private registry
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	MessagesDecoded   *prometheus.CounterVec
	PendingTelemetry  prometheus.Counter
	ReadingsPersisted prometheus.Counter
	Alerts            *prometheus.CounterVec
	PendingDevices    prometheus.Gauge
}

// New creates the pipeline metrics and registers them with Go runtime collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crane",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of bus messages received",
			},
			[]string{"class"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crane",
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Total number of messages dropped",
			},
			[]string{"reason"},
		),

		MessagesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crane",
				Subsystem: "messages",
				Name:      "decoded_total",
				Help:      "Total number of payloads decoded, by wire format",
			},
			[]string{"format"},
		),

		PendingTelemetry: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crane",
				Subsystem: "telemetry",
				Name:      "pending_total",
				Help:      "Telemetry messages counted for pending devices and not persisted",
			},
		),

		ReadingsPersisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crane",
				Subsystem: "telemetry",
				Name:      "persisted_total",
				Help:      "Telemetry readings written to storage",
			},
		),

		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crane",
				Subsystem: "alerts",
				Name:      "total",
				Help:      "Alerts created or updated, by category",
			},
			[]string{"category", "action"},
		),

		PendingDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "crane",
				Subsystem: "registry",
				Name:      "pending_devices",
				Help:      "Devices awaiting approval",
			},
		),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.MessagesDecoded,
		m.PendingTelemetry,
		m.ReadingsPersisted,
		m.Alerts,
		m.PendingDevices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the Prometheus registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Received counts a message of the given class
func (m *Metrics) Received(class string) {
	m.MessagesReceived.WithLabelValues(class).Inc()
}

// Dropped counts a message dropped for reason
func (m *Metrics) Dropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// Decoded counts a payload decoded from format
func (m *Metrics) Decoded(format string) {
	m.MessagesDecoded.WithLabelValues(format).Inc()
}

// Pending counts telemetry held back for a pending device
func (m *Metrics) Pending() {
	m.PendingTelemetry.Inc()
}

// Persisted counts a stored reading
func (m *Metrics) Persisted() {
	m.ReadingsPersisted.Inc()
}

// Alert counts an alert write
func (m *Metrics) Alert(category, action string) {
	m.Alerts.WithLabelValues(category, action).Inc()
}

// SetPendingDevices records the pending table size
func (m *Metrics) SetPendingDevices(n int) {
	m.PendingDevices.Set(float64(n))
}

// Server serves the metrics over HTTP
type Server struct {
	addr    string
	path    string
	metrics *Metrics
	server  *http.Server
	mu      sync.Mutex
}

// NewServer creates a metrics server listening on addr
func NewServer(addr, path string, m *Metrics) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9100"
	}
	return &Server{addr: addr, path: path, metrics: m}
}

// Handler returns the HTTP handler serving the metrics path and /health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start serves in the background. Listen errors after startup are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server on %s failed: %v", s.addr, err)
		}
	}()

	logger.Info("metrics available at %s%s", s.addr, s.path)
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	return err
}
