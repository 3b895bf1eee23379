// Package metrics implements the engine's MetricsRegistry collaborator on
// top of Prometheus, serving /metrics and /healthz over a small gorilla/mux
// router in the teacher's internal/api style.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

// triggerCountBuckets mirrors graph-node's fixed bucket plan for trigger
// counts per block: most blocks carry zero or a handful of triggers, with
// a long tail for bulk-event blocks.
var triggerCountBuckets = []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512}

// Registry implements engine.MetricsRegistry on a dedicated
// prometheus.Registry (not the global default registerer, so tests and
// multiple engine instances in one process never collide on metric names).
type Registry struct {
	reg *prometheus.Registry

	deploymentCount     prometheus.Gauge
	revertedBlocks      *prometheus.GaugeVec
	blockTriggerCount   *prometheus.HistogramVec
	blockProcessingDur  *prometheus.HistogramVec
	transactDur         *prometheus.HistogramVec
	triggerProcessing   *prometheus.HistogramVec
}

// New constructs and registers every metric named in the design's stable
// metrics list.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		deploymentCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deployment_count",
			Help: "Number of subgraph deployments currently running.",
		}),
		revertedBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reverted_blocks",
			Help: "Number of the block most recently reverted, per deployment.",
		}, []string{"deployment"}),
		blockTriggerCount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployment_block_trigger_count",
			Help:    "Number of triggers found in a processed block.",
			Buckets: triggerCountBuckets,
		}, []string{"deployment"}),
		blockProcessingDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployment_block_processing_duration",
			Help:    "Wall-clock seconds spent processing one block end to end.",
			Buckets: prometheus.DefBuckets,
		}, []string{"deployment"}),
		transactDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployment_transact_block_operations_duration",
			Help:    "Wall-clock seconds spent in the store's transactional commit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"deployment"}),
		triggerProcessing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployment_trigger_processing_duration",
			Help:    "Wall-clock seconds spent in a single trigger's mapping handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"deployment", "trigger_type"}),
	}

	reg.MustRegister(
		r.deploymentCount,
		r.revertedBlocks,
		r.blockTriggerCount,
		r.blockProcessingDur,
		r.transactDur,
		r.triggerProcessing,
	)
	return r
}

func (r *Registry) SetDeploymentCount(n int) { r.deploymentCount.Set(float64(n)) }

func (r *Registry) ObserveBlockTriggerCount(deployment chainmodel.DeploymentID, n int) {
	r.blockTriggerCount.WithLabelValues(string(deployment)).Observe(float64(n))
}

func (r *Registry) ObserveBlockProcessingDuration(deployment chainmodel.DeploymentID, seconds float64) {
	r.blockProcessingDur.WithLabelValues(string(deployment)).Observe(seconds)
}

func (r *Registry) ObserveTransactDuration(deployment chainmodel.DeploymentID, seconds float64) {
	r.transactDur.WithLabelValues(string(deployment)).Observe(seconds)
}

func (r *Registry) ObserveTriggerProcessingDuration(deployment chainmodel.DeploymentID, triggerType string, seconds float64) {
	r.triggerProcessing.WithLabelValues(string(deployment), triggerType).Observe(seconds)
}

func (r *Registry) SetRevertedBlocks(deployment chainmodel.DeploymentID, number uint64) {
	r.revertedBlocks.WithLabelValues(string(deployment)).Set(float64(number))
}

// Server serves /metrics and /healthz on addr. It follows the teacher's
// internal/api pattern of a small gorilla/mux router wrapped in a
// net/http.Server with explicit read/write timeouts.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (but does not start) an HTTP server exposing reg's
// metrics at addr (e.g. ":9090").
func NewServer(addr string, reg *Registry) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
