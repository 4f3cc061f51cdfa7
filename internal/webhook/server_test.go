package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

const testSecret = "webhook-secret"

type fakeIngestor struct {
	mu   sync.Mutex
	envs []*model.Envelope
	done chan struct{}
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{done: make(chan struct{}, 8)}
}

func (f *fakeIngestor) Ingest(ctx context.Context, env *model.Envelope) (*model.IngestionLogEntry, error) {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	f.done <- struct{}{}
	return &model.IngestionLogEntry{Status: model.IngestionSuccess, CompanyID: env.CompanyID}, nil
}

func (f *fakeIngestor) wait(t *testing.T) *model.Envelope {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("background ingest never ran")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envs[len(f.envs)-1]
}

type okPinger struct{ err error }

func (p okPinger) Ping(ctx context.Context) error { return p.err }

func signedRequest(t *testing.T, path string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte(testSecret), body))
	return req
}

func emailPayload() EmailPayload {
	return EmailPayload{
		MessageID:        "msg-42",
		From:             "cfo@acmerobotics.com",
		Subject:          "Q1 update and wire confirmation",
		ExtractorVersion: "email-extractor/3.1",
		Facts: model.Facts{Updates: []model.Update{{
			PeriodEnd: model.NewDate(2025, time.March, 31),
			Metrics:   map[string]string{model.MetricARR: "1200000"},
		}}},
		FieldConfidence: map[string]float64{"update.arr": 0.8},
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := Sign([]byte(testSecret), body)

	assert.True(t, Verify([]byte(testSecret), body, sig))
	assert.False(t, Verify([]byte("other-secret"), body, sig))
	assert.False(t, Verify([]byte(testSecret), []byte(`tampered`), sig))
	assert.False(t, Verify([]byte(testSecret), body, "sha256=nothex"))
	assert.False(t, Verify([]byte(testSecret), body, ""))
}

func TestEmailDelivery_AcksAndIngestsAsync(t *testing.T) {
	ing := newFakeIngestor()
	srv := NewServer(ing, okPinger{}, Config{Secret: testSecret})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, "/webhook/email", emailPayload()))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, "msg-42", resp["source_id"])

	env := ing.wait(t)
	assert.Equal(t, model.SourceEmail, env.Source.Type)
	assert.Equal(t, "msg-42", env.Source.ID)
	assert.Equal(t, "cfo@acmerobotics.com", env.CompanyHint)
	require.Len(t, env.Facts.Updates, 1)
	// The message itself is logged as a comm.
	require.Len(t, env.Facts.Comms, 1)
	assert.Equal(t, "Q1 update and wire confirmation", env.Facts.Comms[0].Summary)
}

func TestFormDelivery(t *testing.T) {
	ing := newFakeIngestor()
	srv := NewServer(ing, okPinger{}, Config{Secret: testSecret})

	payload := FormPayload{
		SubmissionID: "sub-7",
		FormName:     "Monthly KPI Form",
		Company:      "Acme Robotics",
		Fields:       map[string]string{"arr": "1.2M"},
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, "/webhook/form", payload))
	require.Equal(t, http.StatusAccepted, rec.Code)

	env := ing.wait(t)
	assert.Equal(t, model.SourceForm, env.Source.Type)
	assert.Equal(t, "Acme Robotics", env.CompanyHint)
	require.Len(t, env.Facts.Comms, 1)
	assert.Equal(t, "Monthly KPI Form", env.Facts.Comms[0].Summary)
}

func TestDelivery_BadSignatureRejected(t *testing.T) {
	ing := newFakeIngestor()
	srv := NewServer(ing, okPinger{}, Config{Secret: testSecret})

	body, _ := json.Marshal(emailPayload())
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte("wrong"), body))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ing.envs)
}

func TestDelivery_MalformedPayloadRejected(t *testing.T) {
	ing := newFakeIngestor()
	srv := NewServer(ing, okPinger{}, Config{Secret: testSecret})

	// Valid signature over an email payload missing its message id.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, "/webhook/email", EmailPayload{From: "a@b.com"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ing.envs)
}

func TestHealth(t *testing.T) {
	srv := NewServer(newFakeIngestor(), okPinger{}, Config{Secret: testSecret})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv = NewServer(newFakeIngestor(), okPinger{err: assert.AnError}, Config{Secret: testSecret})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
