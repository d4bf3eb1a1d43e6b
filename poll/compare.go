package poll

import "pagewatch/pkg/notifier"

// IssueDecision is the outcome of comparing two issue-count observations.
type IssueDecision struct {
	Delta int // New open issues; only set when Notify is true
	// Notify is set when the open count grew.
	Notify bool
	// BalancedClosure marks an open-count drop exactly matched by a rise in
	// closed issues. It never notifies.
	BalancedClosure bool
}

// CompareIssues decides whether a repository's counts warrant a "new issues" alert.
func CompareIssues(last, now notifier.IssueCounts) IssueDecision {
	if now.Open > last.Open {
		return IssueDecision{Notify: true, Delta: now.Open - last.Open}
	}
	if now.Open < last.Open && now.Closed > last.Closed && last.Open-now.Open == now.Closed-last.Closed {
		return IssueDecision{BalancedClosure: true}
	}
	return IssueDecision{}
}

// JobDecision is the outcome of comparing two job-posting counts.
type JobDecision struct {
	Delta   int // Signed; negative when postings were removed
	Changed bool
}

// CompareJobs reports any change in the number of postings.
func CompareJobs(last, now int) JobDecision {
	return JobDecision{Delta: now - last, Changed: now != last}
}

// registrationDue returns the targets to notify about status, skipping ids
// in seen and targets whose stored status is one of the texts currently shown
// by any active mirror.
func registrationDue(targets []*notifier.Target, status string, active, seen map[string]bool) []*notifier.Target {
	var due []*notifier.Target
	for _, t := range targets {
		if seen[t.ID] {
			continue
		}
		if t.State.Status != nil && (*t.State.Status == status || active[*t.State.Status]) {
			continue
		}
		due = append(due, t)
	}
	return due
}
