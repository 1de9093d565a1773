package api

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
	"github.com/hochfrequenz/adw-orchestrator/internal/github"
)

const (
	// maxWebhookBody caps webhook payloads
	maxWebhookBody = 1 << 20

	defaultWebhookRate  = 1.0
	defaultWebhookBurst = 10
	limiterReset        = time.Hour
)

// WebhookResponse acknowledges a delivery. Status is one of ignored,
// success or error.
type WebhookResponse struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Workflow string `json:"workflow,omitempty"`
	Issue    int    `json:"issue,omitempty"`
	ADWID    string `json:"adw_id,omitempty"`
}

// WebhookStatusResponse describes the webhook configuration
type WebhookStatusResponse struct {
	Status                  string   `json:"status"`
	WebhookSecretConfigured bool     `json:"webhook_secret_configured"`
	GitHubAPIConfigured     bool     `json:"github_api_configured"`
	Events                  []string `json:"events"`
}

// limiterSet hands out one rate limiter per client IP. The set is reset
// periodically so it cannot grow without bound.
type limiterSet struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastReset time.Time
	limit     rate.Limit
	burst     int
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if perSecond <= 0 {
		perSecond = defaultWebhookRate
	}
	if burst <= 0 {
		burst = defaultWebhookBurst
	}
	return &limiterSet{
		limiters:  make(map[string]*rate.Limiter),
		lastReset: time.Now(),
		limit:     rate.Limit(perSecond),
		burst:     burst,
	}
}

func (l *limiterSet) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastReset) > limiterReset {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastReset = time.Now()
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// getClientIP returns the address the webhook rate limiter keys on.
// Forwarding headers are only honoured when the direct peer is a trusted
// proxy; the client is then the nearest untrusted hop of X-Forwarded-For.
func getClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !isTrustedProxy(peer, trusted) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !isTrustedProxy(hop, trusted) {
				return hop
			}
		}
		if first := strings.TrimSpace(hops[0]); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func isTrustedProxy(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r, s.opts.TrustedProxies)
		if !s.limiters.get(clientIP).Allow() {
			s.log.Warn("webhook rate limit exceeded", zap.String("ip", clientIP))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded", Code: "E_RATE_LIMITED"})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		ev, err := github.ParseIssueEvent(r, s.opts.WebhookSecret.Value())
		if err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Code: string(adwerrors.EInvalidArgument)})
			case errors.Is(err, github.ErrInvalidSignature):
				s.log.Warn("invalid webhook signature", zap.String("ip", clientIP))
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid signature", Code: string(adwerrors.EInvalidArgument)})
			default:
				s.log.Warn("invalid webhook payload", zap.Error(err))
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payload", Code: string(adwerrors.EInvalidArgument)})
			}
			return
		}

		log := s.log.With(zap.String("event", ev.Event), zap.String("delivery", ev.DeliveryID),
			zap.String("action", ev.Action), zap.Int("issue", ev.IssueNumber))

		wt, reason, ok := ev.WorkflowType()
		if !ok {
			log.Debug("webhook ignored", zap.String("reason", reason))
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Reason: reason})
			return
		}

		run, err := s.orch.HandleIssueEvent(r.Context(), ev)
		if err != nil {
			// GitHub only needs an acknowledgement for rejected triggers
			if code := adwerrors.GetCode(err); code != "" && adwerrors.HTTPStatus(code) < http.StatusInternalServerError {
				log.Info("webhook rejected", zap.Error(err))
				writeJSON(w, http.StatusOK, WebhookResponse{Status: "error", Reason: err.Error(), Issue: ev.IssueNumber})
				return
			}
			s.writeError(w, err)
			return
		}
		if run == nil {
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Reason: "No ADW trigger detected"})
			return
		}

		log.Info("webhook started workflow", zap.String("adw_id", run.ADWID), zap.String("workflow_type", string(wt)))
		writeJSON(w, http.StatusOK, WebhookResponse{
			Status:   "success",
			Workflow: string(run.Type),
			Issue:    run.IssueNumber,
			ADWID:    run.ADWID,
		})
	}
}

func (s *Server) webhookStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, WebhookStatusResponse{
			Status:                  "ready",
			WebhookSecretConfigured: s.opts.WebhookSecret.IsSet(),
			GitHubAPIConfigured:     s.opts.GitHubAPI,
			Events:                  []string{"issues", "issue_comment"},
		})
	}
}
