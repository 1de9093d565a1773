// Package api serves the workflow trigger and status API, the GitHub webhook
// endpoint and live run events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
	"github.com/hochfrequenz/adw-orchestrator/internal/github"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

// Orchestrator is the coordinator surface the API exposes
type Orchestrator interface {
	Start(ctx context.Context, issueNumber int, wt domain.WorkflowType) (*domain.WorkflowRun, error)
	Retry(ctx context.Context, adwID string, phase *domain.Phase) (*domain.WorkflowRun, error)
	GetStatus(ctx context.Context, adwID string) (*domain.WorkflowRun, error)
	ListRuns(ctx context.Context, q workflow.ListQuery) (*workflow.RunPage, error)
	GetLogs(ctx context.Context, adwID string) ([]*domain.LogEntry, error)
	HandleIssueEvent(ctx context.Context, ev *github.IssueEvent) (*domain.WorkflowRun, error)
}

// Options configures the server
type Options struct {
	Addr          string
	WebhookSecret config.Secret
	WebhookRate   float64
	WebhookBurst  int

	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers name the client. Other peers are keyed by their own address.
	TrustedProxies []netip.Prefix

	// GitHubAPI reports whether comments and pull requests reach GitHub
	GitHubAPI bool
}

// Server is the HTTP API server
type Server struct {
	orch     Orchestrator
	opts     Options
	mux      *http.ServeMux
	hub      *Hub
	limiters *limiterSet
	log      *zap.Logger
}

// NewServer creates a new API server
func NewServer(orch Orchestrator, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		orch:     orch,
		opts:     opts,
		mux:      http.NewServeMux(),
		hub:      NewHub(),
		limiters: newLimiterSet(opts.WebhookRate, opts.WebhookBurst),
		log:      log.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/workflows/trigger", s.triggerHandler())
	s.mux.HandleFunc("GET /api/workflows", s.listHandler())
	s.mux.HandleFunc("GET /api/workflows/{adw_id}", s.statusHandler())
	s.mux.HandleFunc("POST /api/workflows/{adw_id}/retry", s.retryHandler())
	s.mux.HandleFunc("GET /api/workflows/{adw_id}/logs", s.logsHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())

	s.mux.HandleFunc("POST /gh-webhook", s.webhookHandler())
	s.mux.HandleFunc("GET /webhook/status", s.webhookStatusHandler())

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the event hub; register it as a coordinator listener
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx ends, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	// Streams never end on their own
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps coded errors to their HTTP status; anything else is a 500
func (s *Server) writeError(w http.ResponseWriter, err error) {
	ae, ok := adwerrors.AsADWError(err)
	if !ok {
		s.log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "internal error",
			Code:  string(adwerrors.EInternal),
		})
		return
	}
	status := adwerrors.HTTPStatus(ae.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: ae.Msg, Code: string(ae.Code), Details: ae.Details})
}
