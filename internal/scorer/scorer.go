// Package scorer holds the trust policy for ingested envelopes: how
// overall confidence is derived, which channel floors and caps apply,
// and how conflicting writes to the same natural key are resolved. The
// rules are value judgments, so they live in pure functions that tests
// can exercise directly.
package scorer

import (
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// ReviewThreshold marks the confidence below which an envelope is
// persisted but flagged for human review and excluded from automated
// decisioning.
const ReviewThreshold = 0.7

// Channel policy constants.
const (
	formFloor   = 0.90 // structured form input is trusted at least this much
	summaryCap  = 0.70 // AI-summarized input is never trusted above this
	csvDefault  = 0.75 // curated but unreviewed spreadsheets, absent field scores
	manualScore = 1.0  // operator corrections
)

// Score computes and applies the envelope's overall confidence in
// place, returning the final value.
//
// When the adapter did not supply an overall value, it is derived as
// the minimum of the field confidences: a single unreliable field caps
// trust in the whole record. Channel policy is then applied on top.
func Score(env *model.Envelope) float64 {
	conf := env.OverallConfidence
	if conf == 0 {
		conf = minFieldConfidence(env)
	}

	switch env.Source.Type {
	case model.SourceForm:
		if conf < formFloor {
			conf = formFloor
		}
	case model.SourceSummary:
		if conf > summaryCap {
			conf = summaryCap
		}
	case model.SourceCSV:
		if conf == 0 {
			conf = csvDefault
		}
	case model.SourceManual:
		conf = manualScore
	}

	conf = clamp01(conf)
	env.OverallConfidence = conf

	if conf < ReviewThreshold {
		zap.L().Warn("low-confidence envelope flagged for review",
			zap.String("source_type", string(env.Source.Type)),
			zap.String("source_id", env.Source.ID),
			zap.Float64("confidence", conf),
		)
	}
	return conf
}

// LowConfidence reports whether the envelope falls below the review
// threshold after scoring.
func LowConfidence(env *model.Envelope) bool {
	return env.OverallConfidence < ReviewThreshold
}

// FactConfidences flattens the per-fact confidences present in the
// envelope for the ingestion log's distribution summary.
func FactConfidences(env *model.Envelope) []float64 {
	var out []float64
	for _, v := range env.FieldConfidence {
		out = append(out, v)
	}
	for _, u := range env.Facts.Updates {
		if u.Confidence > 0 {
			out = append(out, u.Confidence)
		}
	}
	if len(out) == 0 && env.OverallConfidence > 0 {
		out = append(out, env.OverallConfidence)
	}
	return out
}

func minFieldConfidence(env *model.Envelope) float64 {
	if len(env.FieldConfidence) == 0 {
		return 0
	}
	min := 1.0
	for _, v := range env.FieldConfidence {
		if v < min {
			min = v
		}
	}
	return min
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
