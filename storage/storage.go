// Package storage persists tracking records.
//
// Two backends share one method set: SQLStore (postgres or sqlite through
// sqlx) and ObjectStore (JSON objects in a GCS bucket or a local directory,
// the layout used for Cloud Run deployments).
package storage

import (
	"context"
	"fmt"
	"time"

	"pagewatch/pkg/notifier"

	"github.com/google/uuid"
)

// Backend is the full tracking store surface. Callers usually depend on a
// narrower interface of their own.
type Backend interface {
	Insert(ctx context.Context, t *notifier.Target) error
	List(ctx context.Context, src notifier.SourceType) ([]*notifier.Target, error)
	UpdateState(ctx context.Context, src notifier.SourceType, id string, st notifier.State) error
	Exists(ctx context.Context, src notifier.SourceType, email, targetURL string) (bool, error)
	DeleteByEmail(ctx context.Context, src notifier.SourceType, email string) (int64, error)
	Delete(ctx context.Context, src notifier.SourceType, id, email string) error
	Close() error
}

var (
	_ Backend = (*SQLStore)(nil)
	_ Backend = (*ObjectStore)(nil)
)

// Collection returns the table or object prefix holding records of src.
func Collection(src notifier.SourceType) (string, error) {
	switch src {
	case notifier.SourceRegistration:
		return "registration_tracking", nil
	case notifier.SourceRepoIssues:
		return "repo_tracking", nil
	case notifier.SourceJobBoard:
		return "job_tracking", nil
	}
	return "", fmt.Errorf("%w: unknown tracking type %q", notifier.ErrInvalid, src)
}

// prepare fills in the generated fields of a new record.
func prepare(t *notifier.Target, now time.Time) error {
	if _, err := Collection(t.Source); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Email = notifier.NormalizeEmail(t.Email)
	if t.Source == notifier.SourceRegistration {
		t.URL = ""
	}
	t.CreatedAt = now.UTC()
	t.UpdatedAt = t.CreatedAt
	return nil
}

// conflictChecked reports whether duplicates of src are rejected on insert.
// Only repository subscriptions are unique per (email, url).
func conflictChecked(src notifier.SourceType) bool {
	return src == notifier.SourceRepoIssues
}
