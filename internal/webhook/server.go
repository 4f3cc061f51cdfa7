package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// Ingestor is the slice of the ingestion pipeline the server needs.
type Ingestor interface {
	Ingest(ctx context.Context, env *model.Envelope) (*model.IngestionLogEntry, error)
}

// Pinger reports store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds webhook server settings.
type Config struct {
	// Secret signs deliveries. Required.
	Secret string

	// MaxBodyBytes bounds request bodies. Default 1 MiB.
	MaxBodyBytes int64

	// MaxInFlight bounds concurrent background ingests. Default 16.
	MaxInFlight int

	// IngestTimeout bounds each background ingest. Default 30s.
	IngestTimeout time.Duration

	// AllowedOrigins for CORS. Default none.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 16
	}
	if c.IngestTimeout <= 0 {
		c.IngestTimeout = 30 * time.Second
	}
	return c
}

// Server terminates webhook deliveries. Handlers verify the signature
// over the raw body, acknowledge with 202, and ingest asynchronously;
// delivery latency never includes a database transaction.
type Server struct {
	ingestor Ingestor
	pinger   Pinger
	cfg      Config
	router   chi.Router
	group    *errgroup.Group
}

// NewServer wires routes and the bounded background worker group.
func NewServer(ingestor Ingestor, pinger Pinger, cfg Config) *Server {
	cfg = cfg.withDefaults()
	group := &errgroup.Group{}
	group.SetLimit(cfg.MaxInFlight)

	s := &Server{ingestor: ingestor, pinger: pinger, cfg: cfg, group: group}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", SignatureHeader},
		}))
	}
	r.Get("/health", s.handleHealth)
	r.Post("/webhook/email", s.handleEmail)
	r.Post("/webhook/form", s.handleForm)
	s.router = r
	return s
}

// Handler returns the http handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

// Drain blocks until all background ingests finish. Call after the
// http server has stopped accepting.
func (s *Server) Drain() {
	_ = s.group.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pinger.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	s.handleDelivery(w, r, func(body []byte) (*model.Envelope, error) {
		var p EmailPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return p.Envelope()
	})
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	s.handleDelivery(w, r, func(body []byte) (*model.Envelope, error) {
		var p FormPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return p.Envelope()
	})
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request, decode func([]byte) (*model.Envelope, error)) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}

	if !Verify([]byte(s.cfg.Secret), body, r.Header.Get(SignatureHeader)) {
		zap.L().Warn("webhook delivery rejected: bad signature",
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	env, err := decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Acknowledge before ingesting: the delivering service retries on
	// anything but a 2xx, and a conflict in our store is not its problem.
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"source_id": env.Source.ID,
	})

	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IngestTimeout)
		defer cancel()

		entry, err := s.ingestor.Ingest(ctx, env)
		if err != nil {
			zap.L().Error("webhook ingest failed",
				zap.String("source_id", env.Source.ID),
				zap.Error(err))
			return nil
		}
		zap.L().Info("webhook ingest finished",
			zap.String("source_id", env.Source.ID),
			zap.String("status", string(entry.Status)),
			zap.String("company_id", entry.CompanyID))
		return nil
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("write response", zap.Error(err))
	}
}
