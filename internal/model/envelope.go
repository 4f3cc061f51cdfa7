package model

import "time"

// Facts is the typed fact set carried by one extraction envelope. Any
// subset may be populated; the dedup layer maps each slice onto its
// canonical table.
type Facts struct {
	Company    *CompanyFacts `json:"company,omitempty"`
	Rounds     []Round       `json:"rounds,omitempty"`
	Ownerships []Ownership   `json:"ownerships,omitempty"`
	Cashflows  []Cashflow    `json:"cashflows,omitempty"`
	Updates    []Update      `json:"updates,omitempty"`
	Contacts   []Contact     `json:"contacts,omitempty"`
	Comms      []Comm        `json:"comms,omitempty"`
	Documents  []DocumentRef `json:"documents,omitempty"`
}

// CompanyFacts carries company-level attributes asserted by a source.
type CompanyFacts struct {
	LegalName string        `json:"legal_name,omitempty"`
	AKA       string        `json:"aka,omitempty"`
	Website   string        `json:"website,omitempty"`
	Status    CompanyStatus `json:"status,omitempty"`
}

// Empty reports whether the fact set asserts nothing.
func (f Facts) Empty() bool {
	return f.Company == nil &&
		len(f.Rounds) == 0 && len(f.Ownerships) == 0 && len(f.Cashflows) == 0 &&
		len(f.Updates) == 0 && len(f.Contacts) == 0 && len(f.Comms) == 0 &&
		len(f.Documents) == 0
}

// Envelope is the normalized unit every source adapter produces: one
// logical extraction with per-fact confidence and provenance. The engine
// consumes envelopes; it never parses raw input itself.
type Envelope struct {
	Source           SourceRef `json:"source"`
	ExtractorVersion string    `json:"extractor_version,omitempty"`

	// CompanyID is the resolved canonical id, empty when unresolved.
	// CompanyHint carries the best identifying signal (sender domain,
	// name fragment) for manual triage when resolution failed.
	CompanyID   string `json:"company_id,omitempty"`
	CompanyHint string `json:"company_hint,omitempty"`

	Facts             Facts              `json:"facts"`
	FieldConfidence   map[string]float64 `json:"field_confidence,omitempty"`
	OverallConfidence float64            `json:"overall_confidence"`

	Assumptions []string  `json:"assumptions,omitempty"`
	ReceivedAt  time.Time `json:"received_at,omitempty"`
}

// IsManualCorrection reports whether the envelope came from the operator
// correction channel, which bypasses confidence comparison.
func (e *Envelope) IsManualCorrection() bool { return e.Source.Type == SourceManual }

// PendingEnvelope is an envelope whose target company could not be
// resolved. It is queued, not rejected; an operator binds a company id
// and replays it through the same ingestion path.
type PendingEnvelope struct {
	ID         string    `json:"id"`
	Hint       string    `json:"hint"`
	Raw        []byte    `json:"raw"` // the full envelope, JSON-encoded
	ReceivedAt time.Time `json:"received_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	CompanyID  string    `json:"company_id,omitempty"`
}
