package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"pagewatch/pkg/notifier"

	gcs "cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// errObjectNotExist is returned by load for a missing local or bucket object.
var errObjectNotExist = errors.New("storage: object doesn't exist")

// ObjectStore keeps one JSON object per record, either in a Cloud Storage
// bucket or under a local directory. All operations are serialized.
type ObjectStore struct {
	client    *gcs.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	mu        sync.Mutex
}

// NewObjectStore creates an object-backed store. When localPath is set the
// bucket client is unused.
func NewObjectStore(client *gcs.Client, bucket string, localPath string, logger *slog.Logger) *ObjectStore {
	return &ObjectStore{
		client:    client,
		logger:    logger,
		now:       time.Now,
		localPath: localPath,
		bucket:    bucket,
	}
}

// objectKey returns "<collection>/<id>.json". Ids must be UUIDs so a
// caller-supplied id cannot escape the collection.
func objectKey(src notifier.SourceType, id string) (string, error) {
	coll, err := Collection(src)
	if err != nil {
		return "", err
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: tracking id %q", notifier.ErrNotFound, id)
	}
	return path.Join(coll, id+".json"), nil
}

// Insert stores a new record, assigning its id and timestamps.
func (s *ObjectStore) Insert(ctx context.Context, t *notifier.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := prepare(t, s.now()); err != nil {
		return err
	}
	if conflictChecked(t.Source) {
		existing, err := s.list(ctx, t.Source)
		if err != nil {
			return err
		}
		if matchCount(existing, t.Source, t.Email, t.URL) > 0 {
			return notifier.ErrConflict
		}
	}

	if err := s.save(ctx, t); err != nil {
		return err
	}
	s.logger.Info("Tracking record created", "type", t.Source, "id", t.ID, "email", t.Email, "url", t.URL)
	return nil
}

// List returns every record of a source type, oldest first.
func (s *ObjectStore) List(ctx context.Context, src notifier.SourceType) ([]*notifier.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(ctx, src)
}

// UpdateState stores the last observed state of one record.
func (s *ObjectStore) UpdateState(ctx context.Context, src notifier.SourceType, id string, st notifier.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := objectKey(src, id)
	if err != nil {
		return err
	}
	t, err := s.load(ctx, key)
	if errors.Is(err, errObjectNotExist) {
		return notifier.ErrNotFound
	}
	if err != nil {
		return err
	}

	t.State = st
	t.UpdatedAt = s.now().UTC()
	return s.save(ctx, t)
}

// Exists reports whether email already tracks targetURL.
func (s *ObjectStore) Exists(ctx context.Context, src notifier.SourceType, email, targetURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.list(ctx, src)
	if err != nil {
		return false, err
	}
	return matchCount(existing, src, notifier.NormalizeEmail(email), targetURL) > 0, nil
}

// DeleteByEmail removes every record of src owned by email.
func (s *ObjectStore) DeleteByEmail(ctx context.Context, src notifier.SourceType, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = notifier.NormalizeEmail(email)
	existing, err := s.list(ctx, src)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, t := range existing {
		if t.Email != email {
			continue
		}
		key, err := objectKey(src, t.ID)
		if err != nil {
			return n, err
		}
		if err := s.remove(ctx, key); err != nil {
			return n, err
		}
		n++
	}

	s.logger.Info("Tracking records deleted", "type", src, "email", email, "count", n)
	return n, nil
}

// Delete removes one record by id when it belongs to email. Returns
// notifier.ErrNotFound when absent or owned by another address.
func (s *ObjectStore) Delete(ctx context.Context, src notifier.SourceType, id, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := objectKey(src, id)
	if err != nil {
		return err
	}
	t, err := s.load(ctx, key)
	if err != nil {
		if errors.Is(err, errObjectNotExist) {
			return notifier.ErrNotFound
		}
		return err
	}
	if t.Email != notifier.NormalizeEmail(email) {
		return notifier.ErrNotFound
	}
	if err := s.remove(ctx, key); err != nil {
		return err
	}

	s.logger.Info("Tracking record deleted", "type", src, "id", id)
	return nil
}

// Close releases the bucket client.
func (s *ObjectStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func matchCount(targets []*notifier.Target, src notifier.SourceType, email, targetURL string) int {
	n := 0
	for _, t := range targets {
		if t.Email != email {
			continue
		}
		if src != notifier.SourceRegistration && t.URL != targetURL {
			continue
		}
		n++
	}
	return n
}

func (s *ObjectStore) withRetry(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	)
}

func (s *ObjectStore) save(ctx context.Context, t *notifier.Target) error {
	key, err := objectKey(t.Source, t.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tracking record: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Tracking record saved to local storage", "path", filePath)
		return nil
	}

	err = s.withRetry(ctx, "save", key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	s.logger.Debug("Tracking record saved", "key", key)
	return nil
}

func (s *ObjectStore) load(ctx context.Context, key string) (*notifier.Target, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, filepath.FromSlash(key)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errObjectNotExist
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		missing := false
		err := s.withRetry(ctx, "load", key, func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, gcs.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(errObjectNotExist)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		})
		if missing {
			return nil, errObjectNotExist
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var t notifier.Target
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal tracking record: %w", err)
	}
	return &t, nil
}

func (s *ObjectStore) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, filepath.FromSlash(key))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := s.withRetry(ctx, "delete", key, func() error {
		if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
			// Deletion is idempotent
			if errors.Is(deleteErr, gcs.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", deleteErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (s *ObjectStore) list(ctx context.Context, src notifier.SourceType) ([]*notifier.Target, error) {
	coll, err := Collection(src)
	if err != nil {
		return nil, err
	}

	var keys []string
	if s.localPath != "" {
		entries, err := os.ReadDir(filepath.Join(s.localPath, coll))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, path.Join(coll, entry.Name()))
		}
	} else {
		it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: coll + "/"})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	targets := make([]*notifier.Target, 0, len(keys))
	for _, key := range keys {
		t, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load tracking record", "key", key, "error", err)
			continue
		}
		targets = append(targets, t)
	}
	sortTargets(targets)
	return targets, nil
}

func sortTargets(targets []*notifier.Target) {
	slices.SortFunc(targets, func(a, b *notifier.Target) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
