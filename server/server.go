// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pagewatch/metrics"
	"pagewatch/pkg/notifier"
	"pagewatch/schedule"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 64 << 10

// Store interface for tracking record management.
type Store interface {
	Insert(ctx context.Context, t *notifier.Target) error
	Exists(ctx context.Context, src notifier.SourceType, email, targetURL string) (bool, error)
	DeleteByEmail(ctx context.Context, src notifier.SourceType, email string) (int64, error)
	Delete(ctx context.Context, src notifier.SourceType, id, email string) error
}

// IssueCounter reads a repository's baseline issue counts.
type IssueCounter interface {
	IssueCounts(ctx context.Context, repoURL string) (notifier.IssueCounts, error)
}

// JobCounter reads a job board's baseline posting count.
type JobCounter interface {
	JobCount(ctx context.Context, siteURL string) (int, error)
}

// Mailer sends confirmation emails and verifies unsubscribe tokens.
type Mailer interface {
	Notify(ctx context.Context, msg notifier.Message) int
	VerifyToken(email string, src notifier.SourceType, token string) bool
}

// Runner triggers an immediate check cycle.
type Runner interface {
	RunNow(ctx context.Context, src notifier.SourceType) error
}

// Server handles HTTP requests.
type Server struct {
	store      Store
	issues     IssueCounter
	jobs       JobCounter
	mailer     Mailer
	runner     Runner
	logger     *slog.Logger
	limiter    *rateLimiter
	links      *rateLimiter
	validate   *validator
	adminEmail string
	ownerID    string
	trustProxy bool
}

// Config holds server configuration.
type Config struct {
	Store          Store
	Issues         IssueCounter
	Jobs           JobCounter
	Mailer         Mailer
	Runner         Runner
	Logger         *slog.Logger
	AdminEmail     string     // Receives a note for every job-board subscription
	DefaultOwnerID string     // Used when a request omits ownerId
	RateLimit      rate.Limit // Subscribe/unsubscribe requests per second per client IP
	RateBurst      int
	LinkRateLimit  rate.Limit // Token-verified link requests per second per client IP
	LinkRateBurst  int
	TrustProxy     bool // Take the client IP from the X-Forwarded-For entry added by the fronting proxy
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Every(12 * time.Minute)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}
	linkLimit := cfg.LinkRateLimit
	if linkLimit <= 0 {
		linkLimit = rate.Every(time.Minute)
	}
	linkBurst := cfg.LinkRateBurst
	if linkBurst <= 0 {
		linkBurst = 30
	}
	return &Server{
		store:      cfg.Store,
		issues:     cfg.Issues,
		jobs:       cfg.Jobs,
		mailer:     cfg.Mailer,
		runner:     cfg.Runner,
		logger:     cfg.Logger,
		limiter:    newRateLimiter(limit, burst),
		links:      newRateLimiter(linkLimit, linkBurst),
		validate:   newValidator(),
		adminEmail: cfg.AdminEmail,
		ownerID:    cfg.DefaultOwnerID,
		trustProxy: cfg.TrustProxy,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /pollz", s.handlePoll)

	mux.HandleFunc("POST /subscribe/nysc", s.limited(s.limiter, s.handleSubscribeRegistration))
	mux.HandleFunc("POST /subscribe/github", s.limited(s.limiter, s.handleSubscribeRepo))
	mux.HandleFunc("POST /subscribe/jobs", s.limited(s.limiter, s.handleSubscribeJobs))
	mux.HandleFunc("POST /unsubscribe", s.limited(s.limiter, s.handleUnsubscribe))

	// Token-verified links get their own, roomier bucket
	mux.HandleFunc("GET /unsubscribe", s.limited(s.links, s.handleUnsubscribeLink))
	mux.HandleFunc("DELETE /tracking/{type}/{id}", s.limited(s.links, s.handleDeleteTracking))
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // Subscribe fetches a baseline page
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	src, err := notifier.ParseSourceType(r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("Poll endpoint triggered", "source", src)

	err = s.runner.RunNow(r.Context(), src)
	switch {
	case errors.Is(err, schedule.ErrBusy):
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "skipped"})
	case err != nil:
		s.logger.Error("Poll check failed", "source", src, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "check failed"})
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, notifier.ErrInvalid), errors.Is(err, notifier.ErrUnsupportedSite):
		return http.StatusBadRequest
	case errors.Is(err, notifier.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, notifier.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errTooManyRequests):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeError sends {"error": ...}. Internal failures are logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
		msg = "internal server error"
	}
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func countRequest(src notifier.SourceType, action string, code int) {
	metrics.SubscriptionsTotal.WithLabelValues(string(src), action, strconv.Itoa(code)).Inc()
}
