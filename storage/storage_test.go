package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pagewatch/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setupSQLite(t *testing.T) (*SQLStore, *clock) {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), SQLOptions{}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s, c
}

func setupLocalObjects(t *testing.T) (*ObjectStore, *clock) {
	t.Helper()
	s := NewObjectStore(nil, "", t.TempDir(), testLogger())
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s, c
}

func TestBackends(t *testing.T) {
	backends := []struct {
		name  string
		setup func(t *testing.T) (Backend, *clock)
	}{
		{"sqlite", func(t *testing.T) (Backend, *clock) { return setupSQLite(t) }},
		{"local objects", func(t *testing.T) (Backend, *clock) { return setupLocalObjects(t) }},
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Run("baselines", func(t *testing.T) {
				s, _ := b.setup(t)
				testBaselines(t, s)
			})
			t.Run("duplicate repo", func(t *testing.T) {
				s, _ := b.setup(t)
				testDuplicateRepo(t, s)
			})
			t.Run("update state", func(t *testing.T) {
				s, c := b.setup(t)
				testUpdateState(t, s, c)
			})
			t.Run("unsubscribe", func(t *testing.T) {
				s, _ := b.setup(t)
				testUnsubscribe(t, s)
			})
			t.Run("delete by id", func(t *testing.T) {
				s, _ := b.setup(t)
				testDeleteByID(t, s)
			})
		})
	}
}

func testBaselines(t *testing.T, s Backend) {
	ctx := context.Background()

	targets := []*notifier.Target{
		{Source: notifier.SourceRegistration, OwnerID: "owner", Email: " Ada@Example.com "},
		{Source: notifier.SourceRepoIssues, OwnerID: "owner", Email: "ada@example.com", URL: "https://github.com/acme/widgets/issues", State: notifier.State{Open: 5, Closed: 2}},
		{Source: notifier.SourceJobBoard, OwnerID: "owner", Email: "ada@example.com", URL: "https://boards.greenhouse.io/acme", State: notifier.State{Count: 10}},
	}
	for _, tg := range targets {
		if err := s.Insert(ctx, tg); err != nil {
			t.Fatalf("Insert(%s) error = %v", tg.Source, err)
		}
		if tg.ID == "" {
			t.Fatalf("Insert(%s) did not assign an id", tg.Source)
		}
	}

	for _, want := range targets {
		got, err := s.List(ctx, want.Source)
		if err != nil {
			t.Fatalf("List(%s) error = %v", want.Source, err)
		}
		if len(got) != 1 {
			t.Fatalf("List(%s) returned %d records, want 1", want.Source, len(got))
		}
		g := got[0]
		if g.ID != want.ID || g.Email != "ada@example.com" || g.URL != want.URL || g.OwnerID != "owner" {
			t.Errorf("List(%s) = %+v, want %+v", want.Source, g, want)
		}
		if !g.State.Equal(want.State) {
			t.Errorf("List(%s) state = %+v, want %+v", want.Source, g.State, want.State)
		}
		if !g.CreatedAt.Equal(g.UpdatedAt) {
			t.Errorf("new record has CreatedAt %v != UpdatedAt %v", g.CreatedAt, g.UpdatedAt)
		}
	}

	reg, err := s.List(ctx, notifier.SourceRegistration)
	if err != nil {
		t.Fatal(err)
	}
	if reg[0].State.Status != nil {
		t.Errorf("registration baseline status = %q, want nil", *reg[0].State.Status)
	}
}

func testDuplicateRepo(t *testing.T, s Backend) {
	ctx := context.Background()
	repo := "https://github.com/acme/widgets/issues"

	if err := s.Insert(ctx, &notifier.Target{Source: notifier.SourceRepoIssues, Email: "ada@example.com", URL: repo}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	err := s.Insert(ctx, &notifier.Target{Source: notifier.SourceRepoIssues, Email: "ADA@example.com", URL: repo})
	if !errors.Is(err, notifier.ErrConflict) {
		t.Errorf("second Insert() error = %v, want ErrConflict", err)
	}

	// Same email, different repository is fine
	if err := s.Insert(ctx, &notifier.Target{Source: notifier.SourceRepoIssues, Email: "ada@example.com", URL: "https://github.com/acme/gadgets/issues"}); err != nil {
		t.Errorf("Insert() other repo error = %v", err)
	}

	ok, err := s.Exists(ctx, notifier.SourceRepoIssues, "Ada@Example.com", repo)
	if err != nil || !ok {
		t.Errorf("Exists() = %v, %v, want true", ok, err)
	}
	ok, err = s.Exists(ctx, notifier.SourceRepoIssues, "bob@example.com", repo)
	if err != nil || ok {
		t.Errorf("Exists() = %v, %v, want false", ok, err)
	}
}

func testUpdateState(t *testing.T, s Backend, c *clock) {
	ctx := context.Background()
	tg := &notifier.Target{Source: notifier.SourceRegistration, Email: "ada@example.com"}
	if err := s.Insert(ctx, tg); err != nil {
		t.Fatal(err)
	}

	c.t = c.t.Add(time.Hour)
	status := "2025 Batch A Mobilization Batch Stream I"
	if err := s.UpdateState(ctx, notifier.SourceRegistration, tg.ID, notifier.State{Status: &status}); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}

	got, err := s.List(ctx, notifier.SourceRegistration)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].State.StatusText() != status {
		t.Errorf("status = %q, want %q", got[0].State.StatusText(), status)
	}
	if !got[0].UpdatedAt.Equal(c.t) {
		t.Errorf("UpdatedAt = %v, want %v", got[0].UpdatedAt, c.t)
	}
	if !got[0].CreatedAt.Equal(c.t.Add(-time.Hour)) {
		t.Errorf("CreatedAt moved to %v", got[0].CreatedAt)
	}

	missing := "00000000-0000-4000-8000-000000000000"
	if err := s.UpdateState(ctx, notifier.SourceRegistration, missing, notifier.State{}); !errors.Is(err, notifier.ErrNotFound) {
		t.Errorf("UpdateState(missing) error = %v, want ErrNotFound", err)
	}
}

func testUnsubscribe(t *testing.T, s Backend) {
	ctx := context.Background()
	for _, tg := range []*notifier.Target{
		{Source: notifier.SourceJobBoard, Email: "ada@example.com", URL: "https://boards.greenhouse.io/acme"},
		{Source: notifier.SourceJobBoard, Email: "ada@example.com", URL: "https://careers.smartrecruiters.com/Acme"},
		{Source: notifier.SourceJobBoard, Email: "bob@example.com", URL: "https://boards.greenhouse.io/acme"},
		{Source: notifier.SourceRepoIssues, Email: "ada@example.com", URL: "https://github.com/acme/widgets/issues"},
	} {
		if err := s.Insert(ctx, tg); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteByEmail(ctx, notifier.SourceJobBoard, "ADA@example.com")
	if err != nil || n != 2 {
		t.Fatalf("DeleteByEmail() = %d, %v, want 2", n, err)
	}
	n, err = s.DeleteByEmail(ctx, notifier.SourceJobBoard, "ada@example.com")
	if err != nil || n != 0 {
		t.Errorf("second DeleteByEmail() = %d, %v, want 0", n, err)
	}

	jobs, err := s.List(ctx, notifier.SourceJobBoard)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Email != "bob@example.com" {
		t.Errorf("remaining job records = %+v, want only bob", jobs)
	}
	repos, err := s.List(ctx, notifier.SourceRepoIssues)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 {
		t.Errorf("repo records = %d, want 1 (other type untouched)", len(repos))
	}
}

func testDeleteByID(t *testing.T, s Backend) {
	ctx := context.Background()
	tg := &notifier.Target{Source: notifier.SourceJobBoard, Email: "ada@example.com", URL: "https://acme.zohorecruit.com/jobs/Careers"}
	if err := s.Insert(ctx, tg); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, notifier.SourceJobBoard, tg.ID, "mallory@example.com"); !errors.Is(err, notifier.ErrNotFound) {
		t.Errorf("Delete() by another address error = %v, want ErrNotFound", err)
	}
	if n := len(listOrFail(t, s, notifier.SourceJobBoard)); n != 1 {
		t.Fatalf("record count after foreign delete = %d, want 1", n)
	}

	if err := s.Delete(ctx, notifier.SourceJobBoard, tg.ID, "ADA@example.com"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, notifier.SourceJobBoard, tg.ID, "ada@example.com"); !errors.Is(err, notifier.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func listOrFail(t *testing.T, s Backend, src notifier.SourceType) []*notifier.Target {
	t.Helper()
	targets, err := s.List(context.Background(), src)
	if err != nil {
		t.Fatalf("List(%s) error = %v", src, err)
	}
	return targets
}

func TestCollection(t *testing.T) {
	tests := []struct {
		src     notifier.SourceType
		want    string
		wantErr bool
	}{
		{src: notifier.SourceRegistration, want: "registration_tracking"},
		{src: notifier.SourceRepoIssues, want: "repo_tracking"},
		{src: notifier.SourceJobBoard, want: "job_tracking"},
		{src: "rss", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Collection(tt.src)
		if (err != nil) != tt.wantErr {
			t.Errorf("Collection(%q) error = %v, wantErr %v", tt.src, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("Collection(%q) = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestObjectKeyRejectsTraversal(t *testing.T) {
	for _, id := range []string{"../../etc/passwd", "", "not-a-uuid"} {
		if _, err := objectKey(notifier.SourceJobBoard, id); !errors.Is(err, notifier.ErrNotFound) {
			t.Errorf("objectKey(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}
