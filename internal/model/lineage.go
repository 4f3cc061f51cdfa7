package model

import "time"

// SourceType identifies the channel an envelope arrived on. Scoring
// policy (floors and caps) keys off this value.
type SourceType string

const (
	SourceEmail   SourceType = "email"      // parsed free-text email
	SourceForm    SourceType = "form"       // structured form/automation relay
	SourceCSV     SourceType = "csv_import" // batch spreadsheet import
	SourceSummary SourceType = "summary"    // AI-summarized conversation channel
	SourceManual  SourceType = "manual"     // operator correction, always wins
)

// ValidSourceType reports whether t is a known channel.
func ValidSourceType(t SourceType) bool {
	switch t {
	case SourceEmail, SourceForm, SourceCSV, SourceSummary, SourceManual:
		return true
	}
	return false
}

// SourceRef points at the raw input an envelope was extracted from.
type SourceRef struct {
	Type SourceType `json:"source_type"`
	ID   string     `json:"source_id"`
	URL  string     `json:"source_url,omitempty"`
}

// Lineage is the provenance carried by every canonical row. A later
// write to the same natural key replaces these fields; the prior values
// stay recoverable through the ingestion log.
type Lineage struct {
	SourceType       SourceType `json:"source_type"`
	SourceID         string     `json:"source_id"`
	SourceURL        string     `json:"source_url,omitempty"`
	ExtractorVersion string     `json:"extractor_version,omitempty"`
	Confidence       float64    `json:"extraction_confidence"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// LineageFrom builds row lineage from an envelope's source pointer.
func LineageFrom(ref SourceRef, extractorVersion string, confidence float64) Lineage {
	return Lineage{
		SourceType:       ref.Type,
		SourceID:         ref.ID,
		SourceURL:        ref.URL,
		ExtractorVersion: extractorVersion,
		Confidence:       confidence,
	}
}
