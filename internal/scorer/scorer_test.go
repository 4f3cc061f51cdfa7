package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

func envWith(t model.SourceType, overall float64, fields map[string]float64) *model.Envelope {
	return &model.Envelope{
		Source:            model.SourceRef{Type: t, ID: "src-1"},
		OverallConfidence: overall,
		FieldConfidence:   fields,
	}
}

func TestScore_MinOfFieldConfidences(t *testing.T) {
	env := envWith(model.SourceEmail, 0, map[string]float64{
		"amount":  0.95,
		"date":    0.90,
		"company": 0.40,
	})

	got := Score(env)
	assert.InDelta(t, 0.40, got, 1e-9)
	assert.True(t, LowConfidence(env))
}

func TestScore_FormFloor(t *testing.T) {
	env := envWith(model.SourceForm, 0, map[string]float64{"amount": 0.6})
	assert.InDelta(t, 0.90, Score(env), 1e-9)
}

func TestScore_SummaryCap(t *testing.T) {
	env := envWith(model.SourceSummary, 0.95, nil)
	assert.InDelta(t, 0.70, Score(env), 1e-9)
	// Capped summaries sit exactly at the review threshold, not below.
	assert.False(t, LowConfidence(env))
}

func TestScore_CSVDefault(t *testing.T) {
	env := envWith(model.SourceCSV, 0, nil)
	assert.InDelta(t, 0.75, Score(env), 1e-9)
}

func TestScore_ManualAlwaysFull(t *testing.T) {
	env := envWith(model.SourceManual, 0.2, nil)
	assert.InDelta(t, 1.0, Score(env), 1e-9)
}

func TestScore_PreservesAdapterValueForEmail(t *testing.T) {
	env := envWith(model.SourceEmail, 0.83, map[string]float64{"amount": 0.4})
	// Adapter-supplied overall wins over recomputation.
	assert.InDelta(t, 0.83, Score(env), 1e-9)
}

func TestScore_Clamps(t *testing.T) {
	env := envWith(model.SourceEmail, 1.7, nil)
	assert.InDelta(t, 1.0, Score(env), 1e-9)
}

func TestResolveConflict(t *testing.T) {
	tests := []struct {
		name     string
		existing Existing
		incoming Incoming
		want     Outcome
	}{
		{
			name:     "higher confidence applies",
			existing: Existing{Confidence: 0.7, SourceType: model.SourceEmail, Value: "100"},
			incoming: Incoming{Confidence: 0.9, SourceType: model.SourceForm, Value: "200"},
			want:     Apply,
		},
		{
			name:     "lower confidence rejected",
			existing: Existing{Confidence: 0.9, SourceType: model.SourceForm, Value: "100"},
			incoming: Incoming{Confidence: 0.6, SourceType: model.SourceEmail, Value: "200"},
			want:     Reject,
		},
		{
			name:     "manual correction always wins",
			existing: Existing{Confidence: 0.95, SourceType: model.SourceForm, Value: "100"},
			incoming: Incoming{Confidence: 0.1, SourceType: model.SourceManual, Value: "200"},
			want:     Apply,
		},
		{
			name:     "stored manual correction is sticky",
			existing: Existing{Confidence: 1.0, SourceType: model.SourceManual, Value: "100"},
			incoming: Incoming{Confidence: 1.0, SourceType: model.SourceForm, Value: "200"},
			want:     Reject,
		},
		{
			name:     "equal confidence same value is idempotent",
			existing: Existing{Confidence: 0.8, SourceType: model.SourceEmail, Value: "100"},
			incoming: Incoming{Confidence: 0.8, SourceType: model.SourceEmail, Value: "100"},
			want:     Apply,
		},
		{
			name:     "equal confidence different value blocks",
			existing: Existing{Confidence: 0.8, SourceType: model.SourceEmail, Value: "100"},
			incoming: Incoming{Confidence: 0.8, SourceType: model.SourceEmail, Value: "200"},
			want:     Block,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveConflict(tt.existing, tt.incoming))
		})
	}
}

func TestFactConfidences_FallsBackToOverall(t *testing.T) {
	env := envWith(model.SourceEmail, 0.8, nil)
	assert.Equal(t, []float64{0.8}, FactConfidences(env))
}
