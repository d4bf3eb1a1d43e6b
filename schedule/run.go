package schedule

import (
	"context"
	"time"

	"pagewatch/pkg/notifier"

	"github.com/google/uuid"
)

// Run identifies one check cycle. It travels with the cycle's context.
type Run struct {
	Started time.Time
	ID      string
	Source  notifier.SourceType
	Manual  bool // Triggered through RunNow rather than a tick
}

type runKey struct{}

// NewRun creates a run token for src.
func NewRun(src notifier.SourceType, manual bool) Run {
	return Run{
		ID:      uuid.New().String(),
		Source:  src,
		Started: time.Now().UTC(),
		Manual:  manual,
	}
}

// WithRun returns a context carrying run.
func WithRun(ctx context.Context, run Run) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFrom returns the run carried by ctx, if any.
func RunFrom(ctx context.Context) (Run, bool) {
	run, ok := ctx.Value(runKey{}).(Run)
	return run, ok
}
