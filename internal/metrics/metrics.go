package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_runs_started_total",
			Help: "Total number of diagnosis runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_runs_completed_total",
			Help: "Total number of diagnosis runs completed",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raredx_run_duration_seconds",
			Help:    "Diagnosis run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	OrchestrationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raredx_orchestration_rounds",
			Help:    "Orchestration rounds used per run",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	ReflectionRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raredx_reflection_rounds",
			Help:    "Reflection rounds used per orchestration round",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	// Evidence source metrics
	SourceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_source_calls_total",
			Help: "Total number of evidence source calls",
		},
		[]string{"source", "result"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raredx_source_latency_seconds",
			Help:    "Evidence source call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// Reflection metrics
	CandidateBlocks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raredx_candidate_blocks",
			Help:    "Candidate blocks decomposed from a diagnostic report",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
		},
	)

	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_resolutions_total",
			Help: "Disease name resolutions by outcome",
		},
		[]string{"outcome"},
	)

	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_verdicts_total",
			Help: "Claim evaluation verdicts by outcome",
		},
		[]string{"outcome"},
	)

	// Generation metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_generation_requests_total",
			Help: "Total number of text generation requests",
		},
		[]string{"purpose", "status"},
	)

	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raredx_generation_latency_seconds",
			Help:    "Text generation latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		},
		[]string{"purpose"},
	)

	// Vector DB metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raredx_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raredx_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_store_operations_total",
			Help: "Run store operations by type and status",
		},
		[]string{"operation", "status"},
	)
)

// RecordRunMetrics records metrics for a completed run
func RecordRunMetrics(mode, status string, durationSeconds float64, rounds int) {
	RunsCompleted.WithLabelValues(mode, status).Inc()
	RunDuration.WithLabelValues(mode).Observe(durationSeconds)
	if rounds > 0 {
		OrchestrationRounds.Observe(float64(rounds))
	}
}

// RecordSourceCall records one evidence source call
func RecordSourceCall(source, result string, durationSeconds float64) {
	SourceCalls.WithLabelValues(source, result).Inc()
	if durationSeconds > 0 {
		SourceLatency.WithLabelValues(source).Observe(durationSeconds)
	}
}

// RecordGeneration records a text generation call
func RecordGeneration(purpose, status string, durationSeconds float64) {
	GenerationRequests.WithLabelValues(purpose, status).Inc()
	if durationSeconds > 0 {
		GenerationLatency.WithLabelValues(purpose).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
