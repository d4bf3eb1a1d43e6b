package github

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"pagewatch/pkg/notifier"

	"github.com/google/go-github/v57/github"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	gh := github.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	gh.BaseURL = base
	return &Client{
		client: gh,
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func TestIssueCounts(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/issues" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query().Get("q")
		queries = append(queries, q)
		total := 2
		if strings.HasSuffix(q, "is:open") {
			total = 7
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"total_count": total, "items": []any{}}); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	got, err := testClient(t, srv).IssueCounts(context.Background(), "https://github.com/acme/widgets/issues")
	if err != nil {
		t.Fatalf("IssueCounts() error = %v", err)
	}
	if want := (notifier.IssueCounts{Open: 7, Closed: 2}); got != want {
		t.Errorf("IssueCounts() = %+v, want %+v", got, want)
	}
	wantQueries := []string{"repo:acme/widgets is:issue is:open", "repo:acme/widgets is:issue is:closed"}
	if strings.Join(queries, "|") != strings.Join(wantQueries, "|") {
		t.Errorf("queries = %q, want %q", queries, wantQueries)
	}
}

func TestIssueCountsUnknownRepoNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer srv.Close()

	if _, err := testClient(t, srv).IssueCounts(context.Background(), "https://github.com/acme/missing"); err == nil {
		t.Fatal("IssueCounts() expected error")
	}
	if calls != 1 {
		t.Errorf("server saw %d requests, want 1", calls)
	}
}

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in        string
		owner     string
		repo      string
		issuesURL string
		wantErr   bool
	}{
		{in: "https://github.com/acme/widgets", owner: "acme", repo: "widgets", issuesURL: "https://github.com/acme/widgets/issues"},
		{in: "https://github.com/acme/widgets/issues", owner: "acme", repo: "widgets", issuesURL: "https://github.com/acme/widgets/issues"},
		{in: "github.com/acme/widgets.git", owner: "acme", repo: "widgets", issuesURL: "https://github.com/acme/widgets/issues"},
		{in: "https://www.github.com/acme/widgets/", owner: "acme", repo: "widgets", issuesURL: "https://github.com/acme/widgets/issues"},
		{in: "https://gitlab.com/acme/widgets", wantErr: true},
		{in: "https://github.com/acme", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := ParseRepo(tt.in)
			if tt.wantErr {
				if !errors.Is(err, notifier.ErrInvalid) {
					t.Errorf("ParseRepo() error = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRepo() error = %v", err)
			}
			if owner != tt.owner || repo != tt.repo {
				t.Errorf("ParseRepo() = %s/%s, want %s/%s", owner, repo, tt.owner, tt.repo)
			}
			got, err := IssuesURL(tt.in)
			if err != nil || got != tt.issuesURL {
				t.Errorf("IssuesURL() = %q, %v, want %q", got, err, tt.issuesURL)
			}
		})
	}
}
