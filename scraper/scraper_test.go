package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"pagewatch/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
)

func testScraper(t *testing.T, registry *Registry) *Scraper {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(&http.Client{Timeout: 5 * time.Second}, registry, logger, Options{
		Attempts:  3,
		Delay:     time.Millisecond,
		MaxJitter: time.Millisecond,
	})
}

func TestDocumentRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("request sent without User-Agent")
		}
		fmt.Fprint(w, `<p id="ctl00_ContentPlaceHolder1_pActiveReg">Mobilization Batch A</p>`)
	}))
	defer srv.Close()

	s := testScraper(t, nil)
	status, err := s.RegistrationStatus(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("RegistrationStatus() error = %v", err)
	}
	if status != "Mobilization Batch A" {
		t.Errorf("RegistrationStatus() = %q", status)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}

func TestDocumentPermanentStatusNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusGone} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(code)
			}))
			defer srv.Close()

			_, err := testScraper(t, nil).Document(context.Background(), srv.URL)
			if !IsStatus(err, code) {
				t.Fatalf("Document() error = %v, want status %d", err, code)
			}
			if got := calls.Load(); got != 1 {
				t.Errorf("server saw %d requests, want 1", got)
			}
		})
	}
}

func TestDocumentGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testScraper(t, nil).Document(context.Background(), srv.URL)
	if !IsStatus(err, http.StatusBadGateway) {
		t.Fatalf("Document() error = %v, want status 502", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
}

func TestIssueCountsAttachesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>Sign in to view issues</body></html>`)
	}))
	defer srv.Close()

	_, err := testScraper(t, nil).IssueCounts(context.Background(), srv.URL)
	var ex *notifier.ExtractionError
	if !errors.As(err, &ex) {
		t.Fatalf("IssueCounts() error = %v, want ExtractionError", err)
	}
	if ex.URL != srv.URL {
		t.Errorf("ExtractionError.URL = %q, want %q", ex.URL, srv.URL)
	}
}

type stubPlatform struct{ host string }

func (p stubPlatform) Name() string                { return "stub" }
func (p stubPlatform) Matches(siteURL string) bool { return hostMatches(siteURL, []string{p.host}) }
func (p stubPlatform) Count(doc *goquery.Document) int {
	return doc.Find("li.job").Length()
}

func TestJobCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<ul><li class="job">a</li><li class="job">b</li><li class="job">c</li></ul>`)
	}))
	defer srv.Close()

	s := testScraper(t, NewRegistry(stubPlatform{host: "127.0.0.1"}))

	n, err := s.JobCount(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("JobCount() error = %v", err)
	}
	if n != 3 {
		t.Errorf("JobCount() = %d, want 3", n)
	}

	if _, err := s.JobCount(context.Background(), "https://jobs.example.org/acme"); !errors.Is(err, notifier.ErrUnsupportedSite) {
		t.Errorf("JobCount() error = %v, want ErrUnsupportedSite", err)
	}
}
