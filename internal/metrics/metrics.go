package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the matching engine.
type Metrics struct {
	// Price watcher
	PriceTicksTotal prometheus.Counter
	PriceMovesTotal prometheus.Counter
	PriceReadErrors prometheus.Counter

	// Hot-window cache
	CacheRefreshesTotal prometheus.Counter
	CacheRefreshErrors  prometheus.Counter
	CacheRefreshDur     prometheus.Histogram
	CachedOrders        *prometheus.GaugeVec // labels: instrument, side

	// Matching + execution
	TriggersMatchedTotal prometheus.Counter
	ExecutionsTotal      *prometheus.CounterVec // labels: outcome
	ExecutionDur         prometheus.Histogram
	LockContentionTotal  prometheus.Counter

	// Safety scanner
	ScannerPassesTotal  prometheus.Counter
	ScannerCatchesTotal prometheus.Counter
	ScannerExpiredTotal prometheus.Counter

	// Infra
	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		PriceTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_price_ticks_total",
			Help: "Total price-store polls across all instruments",
		}),
		PriceMovesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_price_moves_total",
			Help: "Price changes above the noise threshold",
		}),
		PriceReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_price_read_errors_total",
			Help: "Failed price-store reads (tick skipped, previous price retained)",
		}),
		CacheRefreshesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_cache_refreshes_total",
			Help: "Hot-window refreshes against the order store",
		}),
		CacheRefreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_cache_refresh_errors_total",
			Help: "Failed hot-window refreshes (stale window kept)",
		}),
		CacheRefreshDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matchengine_cache_refresh_duration_seconds",
			Help:    "Hot-window refresh duration",
			Buckets: prometheus.DefBuckets,
		}),
		CachedOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matchengine_cached_orders",
			Help: "Orders currently held in the hot-window cache",
		}, []string{"instrument", "side"}),
		TriggersMatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_triggers_matched_total",
			Help: "Orders whose trigger condition matched and were handed to the executor",
		}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchengine_executions_total",
			Help: "Execution attempts by outcome",
		}, []string{"outcome"}),
		ExecutionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matchengine_execution_duration_seconds",
			Help:    "End-to-end duration of one execution attempt",
			Buckets: prometheus.DefBuckets,
		}),
		LockContentionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_lock_contention_total",
			Help: "Execution lock acquisitions that found the lock already held",
		}),
		ScannerPassesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_scanner_passes_total",
			Help: "Completed safety-scanner full scans",
		}),
		ScannerCatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_scanner_catches_total",
			Help: "Triggered orders found by the safety scanner (missed by the hot path)",
		}),
		ScannerExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchengine_scanner_expired_total",
			Help: "Orders expired by the safety scanner's sweep",
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchengine_redis_breaker_state",
			Help: "Price-read circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}

	prometheus.MustRegister(
		m.PriceTicksTotal,
		m.PriceMovesTotal,
		m.PriceReadErrors,
		m.CacheRefreshesTotal,
		m.CacheRefreshErrors,
		m.CacheRefreshDur,
		m.CachedOrders,
		m.TriggersMatchedTotal,
		m.ExecutionsTotal,
		m.ExecutionDur,
		m.LockContentionTotal,
		m.ScannerPassesTotal,
		m.ScannerCatchesTotal,
		m.ScannerExpiredTotal,
		m.RedisBreakerState,
	)

	return m
}

// HealthStatus represents the engine's health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	LastTickTime   time.Time `json:"last_tick_time"`
	LastScanTime   time.Time `json:"last_scan_time"`
	Instruments    []string  `json:"instruments"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	// Last observed price per instrument, supplied by the watcher's board.
	priceSnapshot func() map[string]string
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastScanTime(t time.Time) {
	h.mu.Lock()
	h.LastScanTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetInstruments(instruments []string) {
	h.mu.Lock()
	h.Instruments = instruments
	h.mu.Unlock()
}

// SetPriceSnapshot wires a last-observed-prices source into /healthz.
func (h *HealthStatus) SetPriceSnapshot(fn func() map[string]string) {
	h.mu.Lock()
	h.priceSnapshot = fn
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
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
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
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

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	var lastPrices map[string]string
	if h.priceSnapshot != nil {
		lastPrices = h.priceSnapshot()
	}

	status := struct {
		Status          string            `json:"status"`
		Uptime          string            `json:"uptime"`
		LastTickTime    string            `json:"last_tick_time"`
		TickAge         string            `json:"tick_age"`
		LastScanTime    string            `json:"last_scan_time"`
		RedisConnected  bool              `json:"redis_connected"`
		RedisLatencyMs  float64           `json:"redis_latency_ms"`
		SQLiteOK        bool              `json:"sqlite_ok"`
		SQLiteLatencyMs float64           `json:"sqlite_latency_ms"`
		Instruments     []string          `json:"instruments"`
		LastPrices      map[string]string `json:"last_prices,omitempty"`
		LastCheckAt     string            `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		LastScanTime:    h.LastScanTime.Format(time.RFC3339),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Instruments:     h.Instruments,
		LastPrices:      lastPrices,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics, /healthz and the ops
// event-feed WebSocket endpoint.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. extra maps additional
// paths (e.g. the event feed) onto handlers; may be nil.
func NewServer(addr string, health *HealthStatus, extra map[string]http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	for path, handler := range extra {
		mux.Handle(path, handler)
	}

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
