package metrics

import "time"

// RAG bundles the series recorded by ingestion and retrieval.
type RAG struct {
	reg *Registry

	DocsIngested     *Counter
	DocsDeleted      *Counter
	ChunksStored     *Counter
	Queries          *Counter
	GenerationErrors *Counter
	IngestsInFlight  *Gauge
	QueryDuration    *Histogram
	SourcesPerQuery  *Histogram
}

// NewRAG registers the docrag series on reg.
func NewRAG(reg *Registry) *RAG {
	return &RAG{
		reg:              reg,
		DocsIngested:     reg.Counter("docrag_documents_ingested_total", "Documents ingested successfully"),
		DocsDeleted:      reg.Counter("docrag_documents_deleted_total", "Documents deleted"),
		ChunksStored:     reg.Counter("docrag_chunks_stored_total", "Chunks persisted"),
		Queries:          reg.Counter("docrag_queries_total", "Query and chat requests answered"),
		GenerationErrors: reg.Counter("docrag_generation_failures_total", "Answers that fell back to the generation error text"),
		IngestsInFlight:  reg.Gauge("docrag_ingests_in_flight", "Ingestions currently running"),
		QueryDuration:    reg.Histogram("docrag_query_duration_seconds", "End to end query latency", nil),
		SourcesPerQuery:  reg.Histogram("docrag_sources_per_query", "Retrieved sources per answered query", []float64{0, 1, 2, 3, 5, 10, 20}),
	}
}

// IngestFailed counts an ingestion failure at stage.
func (m *RAG) IngestFailed(stage string) {
	m.reg.Counter(WithLabels("docrag_ingest_failures_total", "stage", stage), "Ingestion failures by stage").Inc()
}

// StageDone observes the duration of an ingestion stage.
func (m *RAG) StageDone(stage string, d time.Duration) {
	m.reg.Histogram(WithLabels("docrag_ingest_stage_duration_seconds", "stage", stage), "Ingestion stage latency", nil).Observe(d.Seconds())
}
