// Package poll runs check cycles: fetch each tracked target, compare with the
// stored state, notify subscribers and persist what changed.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pagewatch/email"
	"pagewatch/metrics"
	"pagewatch/pkg/notifier"
	"pagewatch/schedule"
)

// DefaultRegistrationURLs are the NYSC portal mirrors checked in order.
var DefaultRegistrationURLs = []string{
	"https://portal.nysc.org.ng/nysc/",
	"https://portal.nysc.org.ng/nysc1/",
	"https://portal.nysc.org.ng/nysc2/",
	"https://portal.nysc.org.ng/nysc3/",
	"https://portal.nysc.org.ng/nysc4/",
}

// DefaultMarker is the text the registration panel shows while a window is open.
const DefaultMarker = "Mobilization Batch"

// persistTimeout bounds a state write detached from the cycle context.
const persistTimeout = 10 * time.Second

// Extractor reads the current state of registration and job-board pages.
type Extractor interface {
	RegistrationStatus(ctx context.Context, pageURL string) (string, error)
	JobCount(ctx context.Context, siteURL string) (int, error)
}

// IssueCounter reads repository issue totals.
type IssueCounter interface {
	IssueCounts(ctx context.Context, repoURL string) (notifier.IssueCounts, error)
}

// Store interface for tracking record persistence.
type Store interface {
	List(ctx context.Context, src notifier.SourceType) ([]*notifier.Target, error)
	UpdateState(ctx context.Context, src notifier.SourceType, id string, st notifier.State) error
}

// Notifier delivers messages. Failures are handled inside; the return value
// is the number of recipients reached.
type Notifier interface {
	Notify(ctx context.Context, msg notifier.Message) int
}

// Config holds the check policy.
type Config struct {
	RegistrationURLs  []string
	Marker            string
	NotifyJobDecrease bool
}

// Monitor handles target polling logic.
type Monitor struct {
	extractor Extractor
	issues    IssueCounter
	store     Store
	notifier  Notifier
	logger    *slog.Logger
	cfg       Config
}

// New creates a new poll monitor.
func New(extractor Extractor, issues IssueCounter, store Store, n Notifier, logger *slog.Logger, cfg Config) *Monitor {
	if len(cfg.RegistrationURLs) == 0 {
		cfg.RegistrationURLs = DefaultRegistrationURLs
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	return &Monitor{
		extractor: extractor,
		issues:    issues,
		store:     store,
		notifier:  n,
		logger:    logger,
		cfg:       cfg,
	}
}

// Check runs one cycle for a source type.
func (m *Monitor) Check(ctx context.Context, src notifier.SourceType) error {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(string(src)).Observe(time.Since(start).Seconds())
	}()

	switch src {
	case notifier.SourceRegistration:
		return m.CheckRegistration(ctx)
	case notifier.SourceRepoIssues:
		return m.CheckRepoIssues(ctx)
	case notifier.SourceJobBoard:
		return m.CheckJobBoards(ctx)
	}
	return fmt.Errorf("%w: unknown tracking type %q", notifier.ErrInvalid, src)
}

func (m *Monitor) cycleLogger(ctx context.Context, src notifier.SourceType) *slog.Logger {
	logger := m.logger.With("source", src)
	if run, ok := schedule.RunFrom(ctx); ok {
		logger = logger.With("run_id", run.ID)
	}
	return logger
}

func outcome(src notifier.SourceType, result string) {
	metrics.ChecksTotal.WithLabelValues(string(src), result).Inc()
}

// CheckRegistration visits each portal mirror, then notifies for every mirror
// showing an active window. Each subscriber whose stored status is not one of
// the active texts is notified once, in the batch of the first active mirror,
// and only those records are updated.
func (m *Monitor) CheckRegistration(ctx context.Context) error {
	const src = notifier.SourceRegistration
	logger := m.cycleLogger(ctx, src)

	targets, err := m.store.List(ctx, src)
	if err != nil {
		return fmt.Errorf("list %s targets: %w", src, err)
	}
	logger.Info("Checking registration portal", "subscribers", len(targets), "mirrors", len(m.cfg.RegistrationURLs))
	if len(targets) == 0 {
		return nil
	}

	type observation struct {
		url    string
		status string
	}
	var windows []observation
	active := make(map[string]bool)

	for _, pageURL := range m.cfg.RegistrationURLs {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping registration check", "error", err)
			return err
		}

		status, err := m.extractor.RegistrationStatus(ctx, pageURL)
		if err != nil {
			logger.Warn("Registration mirror check failed", "url", pageURL, "error", err)
			outcome(src, metrics.OutcomeFailed)
			continue
		}
		if !strings.Contains(status, m.cfg.Marker) {
			logger.Debug("No active registration window", "url", pageURL, "status", status)
			outcome(src, metrics.OutcomeUnchanged)
			continue
		}
		windows = append(windows, observation{url: pageURL, status: status})
		active[status] = true
	}

	notified := make(map[string]bool)
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping registration check", "error", err)
			return err
		}

		due := registrationDue(targets, w.status, active, notified)
		if len(due) == 0 {
			logger.Debug("Registration active, all subscribers up to date", "url", w.url)
			outcome(src, metrics.OutcomeUnchanged)
			continue
		}

		logger.Info("Registration active", "url", w.url, "status", w.status, "notify", len(due))
		to := make([]string, 0, len(due))
		for _, t := range due {
			to = append(to, t.Email)
		}
		m.notifier.Notify(ctx, email.RegistrationMessage(to, w.status, w.url))
		outcome(src, metrics.OutcomeNotified)

		for _, t := range due {
			notified[t.ID] = true
			st := notifier.State{Status: &w.status}
			if err := m.persist(ctx, src, t.ID, st); err != nil {
				logger.Warn("Failed to store registration status", "id", t.ID, "error", err)
				continue
			}
			t.State = st
		}
	}

	return nil
}

// persist stores st even when ctx has been cancelled, so a notification that
// went out is never repeated by the next cycle.
func (m *Monitor) persist(ctx context.Context, src notifier.SourceType, id string, st notifier.State) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return m.store.UpdateState(ctx, src, id, st)
}

type issueResult struct {
	err    error
	counts notifier.IssueCounts
}

// CheckRepoIssues fetches each tracked repository once per cycle and alerts
// subscribers whose open count grew.
func (m *Monitor) CheckRepoIssues(ctx context.Context) error {
	const src = notifier.SourceRepoIssues
	logger := m.cycleLogger(ctx, src)

	targets, err := m.store.List(ctx, src)
	if err != nil {
		return fmt.Errorf("list %s targets: %w", src, err)
	}
	logger.Info("Checking repositories", "count", len(targets))

	// Group by URL to fetch each repository only once
	cache := make(map[string]issueResult)
	var changed, failed int

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping repository check", "error", err)
			return err
		}

		res, ok := cache[t.URL]
		if !ok {
			res.counts, res.err = m.issues.IssueCounts(ctx, t.URL)
			cache[t.URL] = res
		}
		if res.err != nil {
			logger.Warn("Repository check failed", "id", t.ID, "url", t.URL, "error", res.err)
			outcome(src, metrics.OutcomeFailed)
			failed++
			continue
		}

		last := t.State.Issues()
		d := CompareIssues(last, res.counts)
		switch {
		case d.Notify:
			logger.Info("New issues detected", "id", t.ID, "url", t.URL, "email", t.Email,
				"delta", d.Delta, "open", res.counts.Open, "previous_open", last.Open)
			m.notifier.Notify(ctx, email.RepoIssuesMessage(t.Email, d.Delta, t.URL))
			outcome(src, metrics.OutcomeNotified)
		case d.BalancedClosure:
			logger.Info("Issues closed", "id", t.ID, "url", t.URL, "closed", last.Open-res.counts.Open)
			outcome(src, metrics.OutcomeChanged)
		case res.counts != last:
			outcome(src, metrics.OutcomeChanged)
		default:
			outcome(src, metrics.OutcomeUnchanged)
			continue
		}

		changed++
		st := notifier.State{Open: res.counts.Open, Closed: res.counts.Closed}
		if err := m.persist(ctx, src, t.ID, st); err != nil {
			logger.Warn("Failed to store issue counts", "id", t.ID, "error", err)
			continue
		}
		t.State = st
	}

	logger.Info("Repository check completed", "total", len(targets), "changed", changed, "failed", failed, "fetched", len(cache))
	return nil
}

type jobResult struct {
	err   error
	count int
}

// CheckJobBoards counts postings on each tracked site and notifies on any change.
func (m *Monitor) CheckJobBoards(ctx context.Context) error {
	const src = notifier.SourceJobBoard
	logger := m.cycleLogger(ctx, src)

	targets, err := m.store.List(ctx, src)
	if err != nil {
		return fmt.Errorf("list %s targets: %w", src, err)
	}
	logger.Info("Checking job boards", "count", len(targets))

	cache := make(map[string]jobResult)
	var changed, failed int

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping job board check", "error", err)
			return err
		}

		res, ok := cache[t.URL]
		if !ok {
			res.count, res.err = m.extractor.JobCount(ctx, t.URL)
			cache[t.URL] = res
		}
		if res.err != nil {
			if errors.Is(res.err, notifier.ErrUnsupportedSite) {
				logger.Error("Skipping unsupported job site", "id", t.ID, "url", t.URL)
				outcome(src, metrics.OutcomeSkipped)
			} else {
				logger.Warn("Job board check failed", "id", t.ID, "url", t.URL, "error", res.err)
				outcome(src, metrics.OutcomeFailed)
			}
			failed++
			continue
		}

		d := CompareJobs(t.State.Count, res.count)
		if !d.Changed {
			outcome(src, metrics.OutcomeUnchanged)
			continue
		}

		logger.Info("Job postings changed", "id", t.ID, "url", t.URL, "email", t.Email,
			"delta", d.Delta, "count", res.count, "previous", t.State.Count)
		if d.Delta > 0 || m.cfg.NotifyJobDecrease {
			m.notifier.Notify(ctx, email.JobBoardMessage(t.Email, d.Delta, t.URL))
			outcome(src, metrics.OutcomeNotified)
		} else {
			outcome(src, metrics.OutcomeChanged)
		}

		changed++
		st := notifier.State{Count: res.count}
		if err := m.persist(ctx, src, t.ID, st); err != nil {
			logger.Warn("Failed to store job count", "id", t.ID, "error", err)
			continue
		}
		t.State = st
	}

	logger.Info("Job board check completed", "total", len(targets), "changed", changed, "failed", failed, "fetched", len(cache))
	return nil
}
