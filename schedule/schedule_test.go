package schedule

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"pagewatch/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// blockingChecker holds each check open until released or cancelled.
type blockingChecker struct {
	started chan Run
	release chan struct{}
	mu      sync.Mutex
	calls   map[notifier.SourceType]int
}

func newBlockingChecker() *blockingChecker {
	return &blockingChecker{
		started: make(chan Run, 10),
		release: make(chan struct{}),
		calls:   make(map[notifier.SourceType]int),
	}
}

func (c *blockingChecker) Check(ctx context.Context, src notifier.SourceType) error {
	c.mu.Lock()
	c.calls[src]++
	c.mu.Unlock()

	run, _ := RunFrom(ctx)
	c.started <- run
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *blockingChecker) count(src notifier.SourceType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[src]
}

// startBlocked launches RunNow for src and waits until the check is running.
func startBlocked(t *testing.T, s *Scheduler, c *blockingChecker, src notifier.SourceType) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), src) }()
	select {
	case <-c.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s check never started", src)
	}
	return done
}

func TestGate(t *testing.T) {
	t.Run("per source", func(t *testing.T) {
		g := NewGate(false)
		release, _, ok := g.TryAcquire(NewRun(notifier.SourceJobBoard, false))
		if !ok {
			t.Fatal("first acquire failed")
		}
		if _, holder, ok := g.TryAcquire(NewRun(notifier.SourceJobBoard, false)); ok || holder.Source != notifier.SourceJobBoard {
			t.Errorf("second acquire of same source = %v (holder %s), want busy", ok, holder.Source)
		}
		r2, _, ok := g.TryAcquire(NewRun(notifier.SourceRegistration, false))
		if !ok {
			t.Error("unrelated source blocked")
		}
		r2()

		release()
		release() // idempotent
		if _, ok := g.Running(notifier.SourceJobBoard); ok {
			t.Error("gate still running after release")
		}
		if _, _, ok := g.TryAcquire(NewRun(notifier.SourceJobBoard, false)); !ok {
			t.Error("acquire after release failed")
		}
	})

	t.Run("shared", func(t *testing.T) {
		g := NewGate(true)
		release, _, ok := g.TryAcquire(NewRun(notifier.SourceJobBoard, false))
		if !ok {
			t.Fatal("first acquire failed")
		}
		defer release()
		if _, holder, ok := g.TryAcquire(NewRun(notifier.SourceRegistration, false)); ok || holder.Source != notifier.SourceJobBoard {
			t.Errorf("shared gate let %s through", notifier.SourceRegistration)
		}
	})
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	c := newBlockingChecker()
	s := New(c, testLogger(), Options{})

	done := startBlocked(t, s, c, notifier.SourceJobBoard)

	if err := s.RunNow(context.Background(), notifier.SourceJobBoard); !errors.Is(err, ErrBusy) {
		t.Errorf("RunNow() while running = %v, want ErrBusy", err)
	}
	if got := c.count(notifier.SourceJobBoard); got != 1 {
		t.Errorf("checker called %d times, want 1 (skipped tick must not fetch)", got)
	}

	close(c.release)
	if err := <-done; err != nil {
		t.Errorf("first RunNow() = %v", err)
	}
	if err := s.RunNow(context.Background(), notifier.SourceJobBoard); err != nil {
		t.Errorf("RunNow() after release = %v", err)
	}
}

func TestSourcesDoNotBlockEachOther(t *testing.T) {
	tests := []struct {
		name     string
		shared   bool
		wantBusy bool
	}{
		{name: "per-source gate", shared: false, wantBusy: false},
		{name: "shared gate", shared: true, wantBusy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newBlockingChecker()
			s := New(c, testLogger(), Options{SharedGate: tt.shared})

			done := startBlocked(t, s, c, notifier.SourceJobBoard)

			other := make(chan error, 1)
			go func() { other <- s.RunNow(context.Background(), notifier.SourceRegistration) }()

			if tt.wantBusy {
				if err := <-other; !errors.Is(err, ErrBusy) {
					t.Errorf("registration RunNow() = %v, want ErrBusy", err)
				}
			} else {
				select {
				case run := <-c.started:
					if run.Source != notifier.SourceRegistration {
						t.Errorf("started %s, want registration", run.Source)
					}
				case <-time.After(2 * time.Second):
					t.Fatal("registration check blocked by job board check")
				}
			}

			close(c.release)
			if err := <-done; err != nil {
				t.Errorf("job board RunNow() = %v", err)
			}
			if !tt.wantBusy {
				if err := <-other; err != nil {
					t.Errorf("registration RunNow() = %v", err)
				}
			}
		})
	}
}

func TestRunCarriesToken(t *testing.T) {
	c := newBlockingChecker()
	close(c.release)
	s := New(c, testLogger(), Options{})

	if err := s.RunNow(context.Background(), notifier.SourceRepoIssues); err != nil {
		t.Fatal(err)
	}
	run := <-c.started
	if run.ID == "" || run.Source != notifier.SourceRepoIssues || !run.Manual || run.Started.IsZero() {
		t.Errorf("run token = %+v", run)
	}
}

func TestRunTimeoutReleasesGate(t *testing.T) {
	c := newBlockingChecker()
	s := New(c, testLogger(), Options{Timeout: 20 * time.Millisecond})

	err := s.RunNow(context.Background(), notifier.SourceJobBoard)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunNow() = %v, want deadline exceeded", err)
	}
	if _, running := s.Gate().Running(notifier.SourceJobBoard); running {
		t.Error("gate still held after timeout")
	}
}

func TestTickAppliesJitter(t *testing.T) {
	c := newBlockingChecker()
	close(c.release)
	s := New(c, testLogger(), Options{Jitter: time.Hour})

	var asked time.Duration
	s.jitter = func(limit time.Duration) time.Duration {
		asked = limit
		return time.Millisecond
	}

	s.tick(notifier.SourceRegistration)
	if asked != time.Hour {
		t.Errorf("jitter limit = %v, want 1h", asked)
	}
	run := <-c.started
	if run.Manual {
		t.Error("tick produced a manual run")
	}
}

func TestRandomJitterBounds(t *testing.T) {
	if got := randomJitter(0); got != 0 {
		t.Errorf("randomJitter(0) = %v", got)
	}
	for range 100 {
		if got := randomJitter(30 * time.Second); got < 0 || got >= 30*time.Second {
			t.Fatalf("randomJitter(30s) = %v, out of range", got)
		}
	}
}

func TestStartRegistersEnabledSources(t *testing.T) {
	c := newBlockingChecker()
	s := New(c, testLogger(), Options{Intervals: map[notifier.SourceType]time.Duration{
		notifier.SourceRegistration: 10 * time.Minute,
		notifier.SourceRepoIssues:   15 * time.Minute,
		notifier.SourceJobBoard:     0,
	}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if got := len(s.cron.Entries()); got != 2 {
		t.Errorf("cron entries = %d, want 2", got)
	}
}
