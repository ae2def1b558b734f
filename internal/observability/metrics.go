package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics owns its registry so several instances can coexist in one
// process. All Record methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	activeRequests     prometheus.Gauge
	errorTotal         *prometheus.CounterVec
	dbQueryDuration    *prometheus.HistogramVec
	cacheHits          *prometheus.CounterVec
	vectorizeBatches   *prometheus.CounterVec
	messagesVectorized prometheus.Counter
	embeddingDuration  *prometheus.HistogramVec
	retrievalRequests  *prometheus.CounterVec
	retrievalMatches   prometheus.Histogram
	tasksTotal         *prometheus.CounterVec
	syncEvents         *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	logger *zap.Logger
}

func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_api_active_requests",
				Help: "Number of in-flight gRPC requests",
			},
		),
		errorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_api_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "method"},
		),
		dbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"query_type"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_cache_hits_total",
				Help: "Total number of cache hits/misses",
			},
			[]string{"cache_type", "status"},
		),
		vectorizeBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_vectorize_batches_total",
				Help: "Vectorization batch runs by result",
			},
			[]string{"result"},
		),
		messagesVectorized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_messages_vectorized_total",
				Help: "Messages embedded and indexed",
			},
		),
		embeddingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_embedding_duration_seconds",
				Help:    "Embedding request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"model"},
		),
		retrievalRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_retrieval_requests_total",
				Help: "Retrieval requests by result",
			},
			[]string{"result"},
		),
		retrievalMatches: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_retrieval_matches",
				Help:    "Matches returned per retrieval",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tasks_total",
				Help: "Background tasks by name and result",
			},
			[]string{"task", "result"},
		),
		syncEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_sync_events_total",
				Help: "Broker events seen by the sync controller",
			},
			[]string{"kind", "outcome"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),
		logger: logger,
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.errorTotal,
		m.dbQueryDuration,
		m.cacheHits,
		m.vectorizeBatches,
		m.messagesVectorized,
		m.embeddingDuration,
		m.retrievalRequests,
		m.retrievalMatches,
		m.tasksTotal,
		m.syncEvents,
		m.breakerState,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		m.activeRequests.Inc()
		defer m.activeRequests.Dec()

		resp, err := handler(ctx, req)
		m.observeRequest(info.FullMethod, start, err)
		return resp, err
	}
}

func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		m.activeRequests.Inc()
		defer m.activeRequests.Dec()

		err := handler(srv, ss)
		m.observeRequest(info.FullMethod, start, err)
		return err
	}
}

func (m *Metrics) observeRequest(method string, start time.Time, err error) {
	statusCode := "success"
	if err != nil {
		statusCode = status.Convert(err).Code().String()
		m.errorTotal.WithLabelValues(statusCode, method).Inc()
	}

	m.requestsTotal.WithLabelValues(method, statusCode).Inc()
	m.requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordDBQuery(queryType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(cacheType string, hit bool) {
	if m == nil {
		return
	}
	status := "hit"
	if !hit {
		status = "miss"
	}
	m.cacheHits.WithLabelValues(cacheType, status).Inc()
}

// RecordVectorizeBatch counts a RunBatch outcome: skipped, success, failed
// or timeout.
func (m *Metrics) RecordVectorizeBatch(result string, processed int) {
	if m == nil {
		return
	}
	m.vectorizeBatches.WithLabelValues(result).Inc()
	if processed > 0 {
		m.messagesVectorized.Add(float64(processed))
	}
}

func (m *Metrics) RecordEmbedding(model string, duration time.Duration) {
	if m == nil {
		return
	}
	m.embeddingDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetrieval(result string, matches int) {
	if m == nil {
		return
	}
	m.retrievalRequests.WithLabelValues(result).Inc()
	if result == "success" {
		m.retrievalMatches.Observe(float64(matches))
	}
}

func (m *Metrics) RecordTask(task, result string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(task, result).Inc()
}

func (m *Metrics) RecordSyncEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.syncEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.logger.Info("metrics server starting", zap.Int("port", port))

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
