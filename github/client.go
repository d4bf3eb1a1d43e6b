// Package github counts repository issues through the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pagewatch/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Client reads issue totals with two search queries per repository.
type Client struct {
	client *github.Client
	logger *slog.Logger
}

// NewClient creates an authenticated API client.
func NewClient(token string, logger *slog.Logger) *Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = 30 * time.Second

	return &Client{
		client: github.NewClient(tc),
		logger: logger,
	}
}

// IssueCounts returns the open and closed issue totals for a repository URL.
func (c *Client) IssueCounts(ctx context.Context, repoURL string) (notifier.IssueCounts, error) {
	owner, repo, err := ParseRepo(repoURL)
	if err != nil {
		return notifier.IssueCounts{}, err
	}

	start := time.Now()
	open, err := c.total(ctx, fmt.Sprintf("repo:%s/%s is:issue is:open", owner, repo))
	if err != nil {
		return notifier.IssueCounts{}, fmt.Errorf("count open issues for %s/%s: %w", owner, repo, err)
	}
	closed, err := c.total(ctx, fmt.Sprintf("repo:%s/%s is:issue is:closed", owner, repo))
	if err != nil {
		return notifier.IssueCounts{}, fmt.Errorf("count closed issues for %s/%s: %w", owner, repo, err)
	}

	c.logger.Info("GitHub issue counts fetched",
		"repo", owner+"/"+repo,
		"open", open,
		"closed", closed,
		"duration_ms", time.Since(start).Milliseconds())

	return notifier.IssueCounts{Open: open, Closed: closed}, nil
}

func (c *Client) total(ctx context.Context, query string) (int, error) {
	var n int
	var lastErr error

	err := retry.Do(
		func() error {
			result, _, err := c.client.Search.Issues(ctx, query, &github.SearchOptions{
				ListOptions: github.ListOptions{PerPage: 1},
			})
			if err != nil {
				lastErr = err
				return err
			}
			n = result.GetTotal()
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.RetryIf(retryable),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return 0, lastErr
	}
	return n, nil
}

// retryable reports whether the API error is worth another attempt.
// Unknown repositories and bad queries are final.
func retryable(err error) bool {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusUnauthorized:
			return false
		}
	}
	return true
}

// ParseRepo extracts owner and name from a github.com repository or issues URL.
func ParseRepo(repoURL string) (owner, repo string, err error) {
	raw := strings.TrimSpace(repoURL)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: repository URL %q", notifier.ErrInvalid, repoURL)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "github.com" {
		return "", "", fmt.Errorf("%w: %q is not a github.com URL", notifier.ErrInvalid, repoURL)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q does not name a repository", notifier.ErrInvalid, repoURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// IssuesURL returns the canonical issues page for a repository URL.
func IssuesURL(repoURL string) (string, error) {
	owner, repo, err := ParseRepo(repoURL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/%s/issues", owner, repo), nil
}
