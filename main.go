// Package main runs pagewatch: it polls the NYSC registration portal, GitHub
// issue lists and job boards on a schedule and emails subscribers on change.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pagewatch/email"
	"pagewatch/github"
	"pagewatch/metrics"
	"pagewatch/pkg/notifier"
	"pagewatch/poll"
	"pagewatch/schedule"
	"pagewatch/scraper"
	"pagewatch/server"
	"pagewatch/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	salt := cfg.TokenSalt
	if salt == "" {
		salt = uuid.NewString()
		logger.Warn("TOKEN_SALT not set, unsubscribe links will not survive a restart")
	}
	sender := email.New(provider, logger, email.Options{
		BaseURL:   cfg.BaseURL,
		TokenSalt: []byte(salt),
		Retry: email.RetryPolicy{
			Attempts: cfg.EmailRetryAttempts,
			Delay:    cfg.EmailRetryDelay,
			MaxDelay: cfg.EmailRetryMaxDelay,
		},
		OnFailure: func(_ context.Context, derr *notifier.DeliveryError) {
			metrics.DeliveryFailuresTotal.WithLabelValues(string(derr.Source)).Inc()
		},
	})

	pages := scraper.New(&http.Client{Timeout: cfg.HTTPTimeout}, nil, logger, scraper.Options{Attempts: cfg.FetchAttempts})

	var issues poll.IssueCounter = pages
	if cfg.GitHubToken != "" {
		logger.Info("Using GitHub API for repository issue counts")
		issues = github.NewClient(cfg.GitHubToken, logger)
	}

	monitor := poll.New(pages, issues, store, sender, logger, poll.Config{
		RegistrationURLs:  cfg.NYSCURLs,
		Marker:            cfg.NYSCMarker,
		NotifyJobDecrease: cfg.NotifyJobDecrease,
	})

	sched := schedule.New(monitor, logger, schedule.Options{
		Intervals:  cfg.Intervals,
		Jitter:     cfg.CheckJitter,
		Timeout:    cfg.CheckTimeout,
		SharedGate: cfg.SharedGate,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	var limit rate.Limit
	if cfg.SubscribePerHour > 0 {
		limit = rate.Every(time.Hour / time.Duration(cfg.SubscribePerHour))
	} else {
		limit = rate.Inf
	}

	srv := server.New(&server.Config{
		Store:          store,
		Issues:         issues,
		Jobs:           pages,
		Mailer:         sender,
		Runner:         sched,
		Logger:         logger,
		AdminEmail:     cfg.AdminEmail,
		DefaultOwnerID: cfg.DefaultOwnerID,
		RateLimit:      limit,
		RateBurst:      max(cfg.SubscribePerHour, 1),
		TrustProxy:     cfg.TrustProxy,
	})

	err = srv.ListenAndServe(ctx, cfg.Port)
	logger.Info("Stopping scheduler")
	return err
}

// openStore picks the storage backend: DATABASE_URL, then STORAGE_BUCKET,
// then LOCAL_STORAGE, then a local SQLite file.
func openStore(ctx context.Context, cfg *config, logger *slog.Logger) (storage.Backend, error) {
	opts := storage.SQLOptions{
		MaxOpenConns:  cfg.DBMaxOpenConns,
		RetryAttempts: cfg.DBRetryAttempts,
		RetryDelay:    cfg.DBRetryDelay,
	}

	switch {
	case cfg.DatabaseURL != "":
		logger.Info("Using PostgreSQL storage")
		return storage.OpenPostgres(ctx, cfg.DatabaseURL, opts, logger)

	case cfg.StorageBucket != "":
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return storage.NewObjectStore(client, cfg.StorageBucket, "", logger), nil

	case cfg.LocalStorage != "":
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o750); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.NewObjectStore(nil, "", cfg.LocalStorage, logger), nil
	}

	logger.Info("Using SQLite storage", "path", cfg.SQLitePath)
	return storage.OpenSQLite(ctx, filepath.Clean(cfg.SQLitePath), opts, logger)
}

// newProvider picks Brevo when an API key is set, then Gmail, then the mock.
func newProvider(ctx context.Context, cfg *config, logger *slog.Logger) (email.Provider, error) {
	if cfg.BrevoAPIKey != "" {
		if cfg.EmailFrom == "" {
			return nil, errors.New("EMAIL_FROM is required with BREVO_API_KEY")
		}
		logger.Info("Using Brevo email provider", "from", cfg.EmailFrom)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger), nil
	}

	service, err := initGmailService(ctx, cfg.GoogleCredsRaw)
	if err == nil {
		logger.Info("Using Gmail email provider", "from", cfg.EmailFrom)
		return email.NewGmailProvider(service, cfg.EmailFrom, logger), nil
	}
	if cfg.GoogleCredsRaw != "" {
		return nil, fmt.Errorf("initialize Gmail service: %w", err)
	}

	logger.Info("Mock email mode enabled (no email provider configured)")
	return email.NewMockProvider(logger), nil
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// If running in Cloud Run, use Application Default Credentials (ADC)
	// The service account needs Gmail API access (gmail.send scope)
	if isCloudRun(ctx) {
		return gmail.NewService(ctx, option.WithScopes(gmail.GmailSendScope))
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
