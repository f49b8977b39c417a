// Package metrics exposes the pipeline's Prometheus metrics and a liveness
// probe endpoint, adapted from the original market-data engine's
// internal/metrics to the vibration pipeline's C1-C7 concerns.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every Prometheus collector the pipeline reports.
type Metrics struct {
	SamplesIngestedTotal prometheus.Counter
	IngestBatchesTotal   prometheus.Counter
	IngestRejectedTotal  *prometheus.CounterVec // labels: reason

	WindowsAnalyzedTotal *prometheus.CounterVec // labels: sensor_id
	FeatureComputeDur    prometheus.Histogram
	WindowCadenceSeconds prometheus.Histogram

	CacheErrorsTotal   *prometheus.CounterVec // labels: op
	DurableErrorsTotal *prometheus.CounterVec // labels: op

	CacheCircuitState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	CacheCircuitTrips prometheus.Counter

	AlertsFiredTotal *prometheus.CounterVec // labels: severity

	FanoutDropsTotal    *prometheus.CounterVec // labels: reason
	ActiveSubscribers   prometheus.Gauge
	BridgeMessagesTotal *prometheus.CounterVec // labels: channel

	AnalyzerTasksActive prometheus.Gauge
	BuffersReaped       prometheus.Counter
	RingBufferOverflow  *prometheus.CounterVec // labels: sensor_id
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		SamplesIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrasense_samples_ingested_total",
			Help: "Total accelerometer samples accepted by the ingest endpoint",
		}),
		IngestBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrasense_ingest_batches_total",
			Help: "Total ingest batches accepted",
		}),
		IngestRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrasense_ingest_rejected_total",
			Help: "Ingest batches rejected, by reason",
		}, []string{"reason"}),

		WindowsAnalyzedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrasense_windows_analyzed_total",
			Help: "Windows analyzed, by sensor",
		}, []string{"sensor_id"}),
		FeatureComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vibrasense_feature_compute_duration_seconds",
			Help:    "Time spent extracting features from one window",
			Buckets: prometheus.DefBuckets,
		}),
		WindowCadenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vibrasense_window_cadence_seconds",
			Help:    "Observed interval between successive analyzer iterations for a sensor",
			Buckets: prometheus.DefBuckets,
		}),

		CacheErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrasense_cache_errors_total",
			Help: "Cache (C2) operation failures, by operation",
		}, []string{"op"}),
		DurableErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrasense_durable_errors_total",
			Help: "Durable store (C3) operation failures, by operation",
		}, []string{"op"}),

		CacheCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibrasense_cache_circuit_state",
			Help: "Cache circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CacheCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrasense_cache_circuit_trips_total",
			Help: "Times the cache circuit breaker tripped open",
		}),

		AlertsFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrasense_alerts_fired_total",
			Help: "Total threshold alerts fired, by severity",
		}, []string{"severity"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrasense_fanout_drops_total",
			Help: "Subscriber sends that failed and caused a disconnect, by reason",
		}, []string{"reason"}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibrasense_active_subscribers",
			Help: "Currently connected fan-out subscribers",
		}),
		BridgeMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrasense_bridge_messages_total",
			Help: "Pub/Sub bridge messages received, by channel",
		}, []string{"channel"}),

		AnalyzerTasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibrasense_analyzer_tasks_active",
			Help: "Currently running per-sensor analyzer tasks",
		}),
		BuffersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrasense_buffers_reaped_total",
			Help: "Idle sensor buffers dropped by the lifecycle supervisor",
		}),
		RingBufferOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrasense_ring_buffer_overflow_total",
			Help: "Samples that overwrote unread data in a sensor's ring buffer",
		}, []string{"sensor_id"}),
	}

	prometheus.MustRegister(
		m.SamplesIngestedTotal,
		m.IngestBatchesTotal,
		m.IngestRejectedTotal,
		m.WindowsAnalyzedTotal,
		m.FeatureComputeDur,
		m.WindowCadenceSeconds,
		m.CacheErrorsTotal,
		m.DurableErrorsTotal,
		m.CacheCircuitState,
		m.CacheCircuitTrips,
		m.AlertsFiredTotal,
		m.FanoutDropsTotal,
		m.ActiveSubscribers,
		m.BridgeMessagesTotal,
		m.AnalyzerTasksActive,
		m.BuffersReaped,
		m.RingBufferOverflow,
	)

	return m
}

// HealthStatus tracks liveness of the pipeline's two external dependencies
// for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	CacheConnected   bool      `json:"cache_connected"`
	DurableConnected bool      `json:"durable_connected"`
	CacheLatencyMs   float64   `json:"cache_latency_ms"`
	DurableLatencyMs float64   `json:"durable_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a freshly started health tracker.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

// CheckCache pings the Redis client and records latency and connectivity.
func (h *HealthStatus) CheckCache(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.CacheConnected = err == nil
	h.CacheLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckDurable pings the Postgres pool and records latency and connectivity.
func (h *HealthStatus) CheckDurable(ctx context.Context, pool *pgxpool.Pool) {
	start := time.Now()
	err := pool.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.DurableConnected = err == nil
	h.DurableLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, pool *pgxpool.Pool, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckCache(probeCtx, rdb)
				}
				if pool != nil {
					h.CheckDurable(probeCtx, pool)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	httpCode := http.StatusOK
	if !h.CacheConnected || !h.DurableConnected {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.CacheConnected && !h.DurableConnected {
		status = "unhealthy"
	}

	body := struct {
		Status           string  `json:"status"`
		Uptime           string  `json:"uptime"`
		CacheConnected   bool    `json:"cache_connected"`
		CacheLatencyMs   float64 `json:"cache_latency_ms"`
		DurableConnected bool    `json:"durable_connected"`
		DurableLatencyMs float64 `json:"durable_latency_ms"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           status,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		CacheConnected:   h.CacheConnected,
		CacheLatencyMs:   h.CacheLatencyMs,
		DurableConnected: h.DurableConnected,
		DurableLatencyMs: h.DurableLatencyMs,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(body)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    zerolog.Logger
}

// NewServer creates a metrics and health server. lg is used for its
// operational logging; the zero value is accepted and discards output.
func NewServer(addr string, health *HealthStatus, lg zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: lg,
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
