package webhook

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// EmailPayload is what the upstream email extractor delivers: the
// facts it pulled from one message, with per-field confidence.
type EmailPayload struct {
	MessageID        string             `json:"message_id"`
	From             string             `json:"from"`
	Subject          string             `json:"subject"`
	ReceivedAt       time.Time          `json:"received_at"`
	ExtractorVersion string             `json:"extractor_version"`
	Company          string             `json:"company,omitempty"`
	Facts            model.Facts        `json:"facts"`
	FieldConfidence  map[string]float64 `json:"field_confidence,omitempty"`
	Summary          string             `json:"summary,omitempty"`
}

// Envelope converts the delivery to an extraction envelope. The email
// itself is always logged as a communication alongside whatever facts
// were extracted.
func (p EmailPayload) Envelope() (*model.Envelope, error) {
	if p.MessageID == "" {
		return nil, eris.New("webhook: email payload missing message_id")
	}

	hint := p.Company
	if hint == "" {
		hint = p.From
	}

	env := &model.Envelope{
		Source:           model.SourceRef{Type: model.SourceEmail, ID: p.MessageID},
		ExtractorVersion: p.ExtractorVersion,
		CompanyHint:      hint,
		Facts:            p.Facts,
		FieldConfidence:  p.FieldConfidence,
		ReceivedAt:       receivedOrNow(p.ReceivedAt),
	}
	env.Facts.Comms = append(env.Facts.Comms, model.Comm{
		Channel:    model.SourceEmail,
		OccurredAt: env.ReceivedAt,
		Summary:    commSummary(p.Subject, p.Summary),
	})
	return env, nil
}

// FormPayload is a structured submission relayed from a form or
// automation tool. Fields are already typed by the form definition, so
// these envelopes enter at the form channel's confidence floor.
type FormPayload struct {
	SubmissionID string            `json:"submission_id"`
	FormName     string            `json:"form_name,omitempty"`
	Company      string            `json:"company"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	Facts        model.Facts       `json:"facts"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// Envelope converts the submission to an extraction envelope.
func (p FormPayload) Envelope() (*model.Envelope, error) {
	if p.SubmissionID == "" {
		return nil, eris.New("webhook: form payload missing submission_id")
	}
	if p.Company == "" {
		return nil, eris.New("webhook: form payload missing company")
	}

	env := &model.Envelope{
		Source:      model.SourceRef{Type: model.SourceForm, ID: p.SubmissionID},
		CompanyHint: p.Company,
		Facts:       p.Facts,
		ReceivedAt:  receivedOrNow(p.SubmittedAt),
	}
	env.Facts.Comms = append(env.Facts.Comms, model.Comm{
		Channel:    model.SourceForm,
		OccurredAt: env.ReceivedAt,
		Summary:    commSummary(p.FormName, ""),
		Fields:     p.Fields,
	})
	return env, nil
}

func receivedOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func commSummary(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}
