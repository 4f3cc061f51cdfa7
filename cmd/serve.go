package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server for email and form deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Server.WebhookSecret == "" {
			return eris.New("webhook secret is required (PORTFOLIO_SERVER_WEBHOOK_SECRET)")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		// Webhook channels never mint companies; unresolved envelopes
		// park for operator triage.
		pipeline := initPipeline(st, false)

		ws := webhook.NewServer(pipeline, st, webhook.Config{
			Secret:         cfg.Server.WebhookSecret,
			MaxInFlight:    cfg.Server.MaxInFlight,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: ws.Handler(),
		}

		// Graceful shutdown: stop accepting, then drain background
		// ingests before the store closes. The signal context is
		// already canceled here, so shutdown gets its own deadline.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			if err := shutdownServer(srv, shutdownTimeout); err != nil {
				zap.L().Warn("server shutdown incomplete", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		ws.Drain()

		return nil
	},
}

// shutdownServer stops accepting new connections and waits up to
// timeout for in-flight requests to finish.
func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
