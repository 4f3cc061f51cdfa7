package scorer

import "github.com/crestview-partners/portfolio-cli/internal/model"

// Outcome is the decision for an incoming write against a stored value
// at the same natural key.
type Outcome int

const (
	// Apply: the incoming value replaces the stored one.
	Apply Outcome = iota
	// Reject: the stored value wins; the incoming value is recorded as
	// a suppressed-conflict anomaly, never silently dropped.
	Reject
	// Block: the values disagree at identical confidence and neither
	// side can win. The envelope's transaction must roll back.
	Block
)

func (o Outcome) String() string {
	switch o {
	case Apply:
		return "apply"
	case Reject:
		return "reject"
	case Block:
		return "block"
	}
	return "unknown"
}

// Existing describes the stored side of a conflict.
type Existing struct {
	Confidence float64
	SourceType model.SourceType
	Value      string
}

// Incoming describes the write attempting to land.
type Incoming struct {
	Confidence float64
	SourceType model.SourceType
	Value      string
}

// ResolveConflict decides whether an incoming write may update a stored
// row with the same natural key. Confidence is strictly dominant over
// recency: a newer but less-trusted fact never overwrites (it surfaces
// as an anomaly an operator can promote via the manual channel).
// Manual corrections always win regardless of confidence.
func ResolveConflict(existing Existing, incoming Incoming) Outcome {
	if incoming.SourceType == model.SourceManual {
		return Apply
	}
	// A stored manual correction is only displaced by another manual
	// correction.
	if existing.SourceType == model.SourceManual {
		return Reject
	}

	switch {
	case incoming.Confidence > existing.Confidence:
		return Apply
	case incoming.Confidence < existing.Confidence:
		return Reject
	default:
		// Equal confidence: agreement is an idempotent re-apply;
		// disagreement is irreconcilable.
		if incoming.Value == existing.Value {
			return Apply
		}
		return Block
	}
}
