package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"pagewatch/pkg/notifier"
	"pagewatch/poll"
)

// config is the process configuration, read from the environment.
type config struct {
	Intervals map[notifier.SourceType]time.Duration

	Port           string
	BaseURL        string
	TokenSalt      string
	DatabaseURL    string
	SQLitePath     string
	StorageBucket  string
	LocalStorage   string
	BrevoAPIKey    string
	EmailFrom      string
	EmailFromName  string
	GoogleCredsRaw string
	AdminEmail     string
	DefaultOwnerID string
	GitHubToken    string
	NYSCMarker     string

	NYSCURLs []string

	CheckJitter        time.Duration
	CheckTimeout       time.Duration
	HTTPTimeout        time.Duration
	DBRetryDelay       time.Duration
	EmailRetryDelay    time.Duration
	EmailRetryMaxDelay time.Duration

	LogLevel slog.Level

	DBMaxOpenConns     int
	SubscribePerHour   int
	DBRetryAttempts    uint
	EmailRetryAttempts uint
	FetchAttempts      uint

	NotifyJobDecrease bool
	SharedGate        bool
	TrustProxy        bool
}

// envReader accumulates parse errors while reading typed settings.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *envReader) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: want a non-negative integer, got %q", key, v))
		return def
	}
	return n
}

func (e *envReader) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *envReader) list(key string, def []string) []string {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// loadConfig reads every setting through getenv, applying defaults.
func loadConfig(getenv func(string) string) (*config, error) {
	e := &envReader{getenv: getenv}

	cfg := &config{
		Intervals: map[notifier.SourceType]time.Duration{
			notifier.SourceRegistration: e.duration("NYSC_INTERVAL", 10*time.Minute),
			notifier.SourceRepoIssues:   e.duration("GITHUB_INTERVAL", 15*time.Minute),
			notifier.SourceJobBoard:     e.duration("JOBS_INTERVAL", 30*time.Minute),
		},

		Port:           e.str("PORT", "8080"),
		BaseURL:        e.str("BASE_URL", ""),
		TokenSalt:      e.str("TOKEN_SALT", ""),
		DatabaseURL:    e.str("DATABASE_URL", ""),
		SQLitePath:     e.str("SQLITE_PATH", "./data/pagewatch.db"),
		StorageBucket:  e.str("STORAGE_BUCKET", ""),
		LocalStorage:   e.str("LOCAL_STORAGE", ""),
		BrevoAPIKey:    e.str("BREVO_API_KEY", ""),
		EmailFrom:      e.str("EMAIL_FROM", ""),
		EmailFromName:  e.str("EMAIL_FROM_NAME", "pagewatch"),
		GoogleCredsRaw: e.str("GOOGLE_CREDENTIALS_JSON", ""),
		AdminEmail:     e.str("ADMIN_EMAIL", ""),
		DefaultOwnerID: e.str("DEFAULT_OWNER_ID", "default"),
		GitHubToken:    e.str("GITHUB_TOKEN", ""),
		NYSCMarker:     e.str("NYSC_MARKER", poll.DefaultMarker),
		NYSCURLs:       e.list("NYSC_URLS", poll.DefaultRegistrationURLs),

		CheckJitter:        e.duration("CHECK_JITTER", 30*time.Second),
		CheckTimeout:       e.duration("CHECK_TIMEOUT", 10*time.Minute),
		HTTPTimeout:        e.duration("HTTP_TIMEOUT", 30*time.Second),
		DBRetryDelay:       e.duration("DB_RETRY_DELAY", 100*time.Millisecond),
		EmailRetryDelay:    e.duration("EMAIL_RETRY_DELAY", time.Second),
		EmailRetryMaxDelay: e.duration("EMAIL_RETRY_MAX_DELAY", 30*time.Second),

		DBMaxOpenConns:     e.integer("DB_MAX_OPEN_CONNS", 10),
		SubscribePerHour:   e.integer("SUBSCRIBE_RATE_PER_HOUR", 5),
		DBRetryAttempts:    uint(e.integer("DB_RETRY_ATTEMPTS", 3)),
		EmailRetryAttempts: uint(e.integer("EMAIL_RETRY_ATTEMPTS", 3)),
		FetchAttempts:      uint(e.integer("FETCH_RETRY_ATTEMPTS", 3)),

		NotifyJobDecrease: e.boolean("NOTIFY_JOB_DECREASE", true),
		SharedGate:        e.boolean("SHARED_GATE", false),
		TrustProxy:        e.boolean("TRUST_PROXY", false),
	}

	level, err := parseLevel(e.str("LOG_LEVEL", ""))
	if err != nil {
		e.errs = append(e.errs, err)
	}
	cfg.LogLevel = level

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AdminEmail != "" {
		cfg.AdminEmail = notifier.NormalizeEmail(cfg.AdminEmail)
	}
	if len(cfg.NYSCURLs) == 0 {
		e.errs = append(e.errs, errors.New("NYSC_URLS: no portal URLs"))
	}
	if cfg.EmailRetryAttempts == 0 {
		e.errs = append(e.errs, errors.New("EMAIL_RETRY_ATTEMPTS: must be at least 1"))
	}

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(e.errs...))
	}
	return cfg, nil
}
