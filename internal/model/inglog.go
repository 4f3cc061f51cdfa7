package model

import "time"

// IngestionStatus is the terminal state of one ingestion attempt.
type IngestionStatus string

const (
	IngestionSuccess IngestionStatus = "success" // committed, no anomalies
	IngestionPartial IngestionStatus = "partial" // committed with advisory anomalies
	IngestionFailed  IngestionStatus = "failed"  // rolled back or transport failure
)

// EntityCounts tracks created/updated rows for one entity type during a
// single ingestion.
type EntityCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// RecordCounts maps entity type name ("cashflow", "ownership", ...) to
// its counts for the run.
type RecordCounts map[string]EntityCounts

// Total returns the sum of created and updated rows across all entities.
func (rc RecordCounts) Total() (created, updated int) {
	for _, c := range rc {
		created += c.Created
		updated += c.Updated
	}
	return created, updated
}

// ConfidenceSummary is the distribution of fact confidences in one run.
type ConfidenceSummary struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// SummarizeConfidence computes min/avg/max over fact confidences.
// An empty slice yields the zero summary.
func SummarizeConfidence(values []float64) ConfidenceSummary {
	if len(values) == 0 {
		return ConfidenceSummary{}
	}
	s := ConfidenceSummary{Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Avg = sum / float64(len(values))
	return s
}

// IngestionLogEntry is the append-only audit record of one ingestion
// attempt. Entries are immutable after write; this is the artifact
// operators consult to answer "what happened to this input".
type IngestionLogEntry struct {
	ID          string            `json:"id"`
	Source      SourceRef         `json:"source"`
	CompanyID   string            `json:"company_id,omitempty"` // empty when unresolved
	Counts      RecordCounts      `json:"records"`
	Confidence  ConfidenceSummary `json:"confidence"`
	Anomalies   []Anomaly         `json:"anomalies,omitempty"`
	Assumptions []string          `json:"assumptions,omitempty"`
	Status      IngestionStatus   `json:"status"`
	Error       string            `json:"error,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
	CreatedAt   time.Time         `json:"created_at"`
}
