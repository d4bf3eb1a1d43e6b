// Package scraper fetches monitored pages and extracts their current state.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pagewatch/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// StatusError indicates a non-OK HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsStatus checks if an error is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// permanent reports whether retrying the response cannot help.
func permanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// Options tunes fetch retries. Zero values select the defaults.
type Options struct {
	Attempts  uint
	Delay     time.Duration
	MaxJitter time.Duration
}

// Scraper fetches pages and runs the per-source extractors.
type Scraper struct {
	client   *http.Client
	logger   *slog.Logger
	registry *Registry
	opts     Options
}

// New creates a new scraper. A nil registry selects DefaultRegistry.
func New(client *http.Client, registry *Registry, logger *slog.Logger, opts Options) *Scraper {
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Delay == 0 {
		opts.Delay = time.Second
	}
	if opts.MaxJitter == 0 {
		opts.MaxJitter = 10 * time.Second
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Scraper{
		client:   client,
		logger:   logger,
		registry: registry,
		opts:     opts,
	}
}

// Registry returns the job-board platform registry.
func (s *Scraper) Registry() *Registry {
	return s.registry
}

// Document fetches a page and parses it.
func (s *Scraper) Document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	var doc *goquery.Document
	var lastErr error

	err := retry.Do(
		func() error {
			lastErr = s.fetchOnce(ctx, pageURL, &doc)
			return lastErr
		},
		retry.Attempts(s.opts.Attempts),
		retry.Delay(s.opts.Delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(s.opts.MaxJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !permanent(err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("fetch %s: %w", pageURL, lastErr)
	}

	return doc, nil
}

func (s *Scraper) fetchOnce(ctx context.Context, pageURL string, out **goquery.Document) error {
	s.logger.Debug("HTTP request starting", "method", "GET", "url", pageURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}

	// Browser-like headers; several of the portals reject bare clients
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "max-age=0")

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Warn("HTTP request failed, will retry",
			"url", pageURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	s.logger.Info("HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("parse html: %w", err))
	}
	*out = doc
	return nil
}

// RegistrationStatus fetches a registration mirror and returns its status panel text.
func (s *Scraper) RegistrationStatus(ctx context.Context, pageURL string) (string, error) {
	doc, err := s.Document(ctx, pageURL)
	if err != nil {
		return "", err
	}
	status, err := RegistrationStatus(doc)
	if err != nil {
		return "", withURL(err, pageURL)
	}
	return status, nil
}

// IssueCounts fetches a repository issues page and reads the open/closed totals.
func (s *Scraper) IssueCounts(ctx context.Context, repoURL string) (notifier.IssueCounts, error) {
	doc, err := s.Document(ctx, repoURL)
	if err != nil {
		return notifier.IssueCounts{}, err
	}
	counts, err := ParseIssueCounts(doc)
	if err != nil {
		return notifier.IssueCounts{}, withURL(err, repoURL)
	}
	return counts, nil
}

// JobCount resolves the site's platform, fetches the listing and counts postings.
// Returns notifier.ErrUnsupportedSite (wrapped) when no platform matches.
func (s *Scraper) JobCount(ctx context.Context, siteURL string) (int, error) {
	platform, err := s.registry.Lookup(siteURL)
	if err != nil {
		return 0, err
	}
	doc, err := s.Document(ctx, siteURL)
	if err != nil {
		return 0, err
	}
	count := platform.Count(doc)
	s.logger.Debug("Job postings counted", "url", siteURL, "platform", platform.Name(), "count", count)
	return count, nil
}

func withURL(err error, pageURL string) error {
	var ex *notifier.ExtractionError
	if errors.As(err, &ex) && ex.URL == "" {
		return &notifier.ExtractionError{URL: pageURL, Reason: ex.Reason}
	}
	return err
}
