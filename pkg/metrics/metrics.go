package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks fleet-wide counters for discovery, transfer and knowledge sync
type Metrics struct {
	// Discovery metrics
	ProbesTotal     prometheus.Counter
	ProbeFailures   prometheus.Counter
	PeersDiscovered prometheus.Gauge
	PeersPruned     prometheus.Counter

	// Transfer metrics
	Transfers       *prometheus.CounterVec // direction, result
	TransferBytes   *prometheus.CounterVec // direction
	TransferLatency prometheus.Histogram
	TransferRetries prometheus.Counter
	BreakerRejects  prometheus.Counter
	ControlSignals  *prometheus.CounterVec // type, result
	ArtifactsStored prometheus.Gauge

	// Knowledge metrics
	KnowledgeEntries   prometheus.Gauge
	Reconciles         prometheus.Counter
	ReconcileConflicts prometheus.Counter

	// Capability metrics
	Capability *prometheus.GaugeVec // capability
}

// New creates and registers the metrics. A nil registry uses the default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		ProbesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "meshdeploy_discovery_probes_total",
			Help: "Total number of discovery probes attempted",
		}),
		ProbeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "meshdeploy_discovery_probe_failures_total",
			Help: "Total number of discovery probes that found no listener",
		}),
		PeersDiscovered: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshdeploy_peers",
			Help: "Number of peers in the discovered set",
		}),
		PeersPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "meshdeploy_peers_pruned_total",
			Help: "Total number of peers removed after a failed health check",
		}),

		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdeploy_transfers_total",
			Help: "Artifact transfers by direction and result",
		}, []string{"direction", "result"}),
		TransferBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdeploy_transfer_bytes_total",
			Help: "Artifact payload bytes by direction",
		}, []string{"direction"}),
		TransferLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshdeploy_transfer_latency_seconds",
			Help:    "Duration of a single artifact transfer",
			Buckets: prometheus.DefBuckets,
		}),
		TransferRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "meshdeploy_transfer_retries_total",
			Help: "Total number of transfer retry attempts",
		}),
		BreakerRejects: f.NewCounter(prometheus.CounterOpts{
			Name: "meshdeploy_breaker_rejects_total",
			Help: "Transfers skipped because the peer's circuit breaker was open",
		}),
		ControlSignals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshdeploy_control_signals_total",
			Help: "Control signals by type and result",
		}, []string{"type", "result"}),
		ArtifactsStored: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshdeploy_artifacts_stored",
			Help: "Number of verified artifacts persisted by this node",
		}),

		KnowledgeEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshdeploy_knowledge_entries",
			Help: "Number of entries in the knowledge store",
		}),
		Reconciles: f.NewCounter(prometheus.CounterOpts{
			Name: "meshdeploy_knowledge_reconciles_total",
			Help: "Total number of reconciliations that merged divergent stores",
		}),
		ReconcileConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "meshdeploy_knowledge_conflicts_total",
			Help: "Total number of conflicting keys resolved during reconciliation",
		}),

		Capability: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshdeploy_capability",
			Help: "Most recently assessed capability values",
		}, []string{"capability"}),
	}
}

// HealthSource reports whether the local node is serving and active.
type HealthSource interface {
	Healthy() bool
	Active() bool
}

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	source HealthSource
	logger *zap.Logger
}

func NewHealthEndpoint(source HealthSource, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthEndpoint{source: source, logger: logger}
}

// RegisterHandlers mounts /health, /health/live and /metrics on mux.
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	if gatherer == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if he.source == nil || !he.source.Healthy() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	active := he.source != nil && he.source.Active()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"active":    active,
		"timestamp": time.Now().Format(time.RFC3339),
	}); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// NewHTTPServer builds the health and metrics server without starting it.
func NewHTTPServer(addr string, source HealthSource, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	NewHealthEndpoint(source, logger).RegisterHandlers(mux, gatherer)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartServer serves health and metrics on addr in the background.
func StartServer(addr string, source HealthSource, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := NewHTTPServer(addr, source, gatherer, logger)

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
