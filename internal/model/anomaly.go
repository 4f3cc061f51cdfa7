package model

// AnomalyKind is the typed name of a reconciliation finding.
type AnomalyKind string

const (
	// Invariant breaches, committed with advisory severity.
	OwnershipOverflow   AnomalyKind = "OwnershipOverflow"
	RoundMoneyMismatch  AnomalyKind = "RoundMoneyMismatch"
	FutureDateAnomaly   AnomalyKind = "FutureDateAnomaly"
	PeriodOrderAnomaly  AnomalyKind = "PeriodOrderAnomaly"
	PossibleDuplicate   AnomalyKind = "PossibleDuplicate"
	DistributionOutlier AnomalyKind = "DistributionOutlier"

	// Resolution and conflict findings.
	UnresolvedCompany      AnomalyKind = "UnresolvedCompany"
	ConflictSuppressed     AnomalyKind = "ConflictSuppressed"
	IrreconcilableConflict AnomalyKind = "IrreconcilableConflict"
	LowConfidence          AnomalyKind = "LowConfidence"

	// Importer-level findings.
	ParseAnomaly AnomalyKind = "ParseAnomaly"
)

// Severity orders anomalies in reports. Blocking anomalies prevented a
// commit; advisory anomalies were committed and flagged.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// severityRank makes report ordering stable: blocking first.
func severityRank(s Severity) int {
	if s == SeverityBlocking {
		return 0
	}
	return 1
}

// Anomaly is one reconciliation finding. Validation is advisory at
// write time and blocking at report time, so anomalies carry enough
// detail for an operator to act without replaying the input.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	Severity  Severity    `json:"severity"`
	CompanyID string      `json:"company_id,omitempty"`
	Detail    string      `json:"detail"`
	Source    SourceRef   `json:"source,omitempty"`
}

// Less orders anomalies for stable report output: severity, then kind,
// then company, then detail.
func (a Anomaly) Less(b Anomaly) bool {
	if severityRank(a.Severity) != severityRank(b.Severity) {
		return severityRank(a.Severity) < severityRank(b.Severity)
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.CompanyID != b.CompanyID {
		return a.CompanyID < b.CompanyID
	}
	return a.Detail < b.Detail
}

// HasBlocking reports whether any anomaly in the list is blocking.
func HasBlocking(anomalies []Anomaly) bool {
	for _, a := range anomalies {
		if a.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}
