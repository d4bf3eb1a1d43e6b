package email

import (
	"fmt"

	"pagewatch/pkg/notifier"
)

// Subjects of the outgoing messages.
const (
	SubjectRegistration = "NYSC Registration Update"
	SubjectRepoIssues   = "New GitHub Issues Alert"
	SubjectJobBoard     = "Job Site Update Notification"
	SubjectWelcome      = "Subscription confirmed"
	SubjectAdminJobSite = "New Job Site Subscription"
)

// RegistrationMessage announces an active registration window seen on pageURL.
func RegistrationMessage(to []string, status, pageURL string) notifier.Message {
	return notifier.Message{
		Source:      notifier.SourceRegistration,
		To:          to,
		Subject:     SubjectRegistration,
		Body:        fmt.Sprintf("NYSC Registration Update: %s\n\nPortal: %s", status, pageURL),
		Unsubscribe: true,
	}
}

// RepoIssuesMessage reports delta new issues on a repository.
func RepoIssuesMessage(to string, delta int, repoURL string) notifier.Message {
	return notifier.Message{
		Source:      notifier.SourceRepoIssues,
		To:          []string{to},
		Subject:     SubjectRepoIssues,
		Body:        fmt.Sprintf("There are %d new issues in your subscribed GitHub repository.\n\n%s", delta, repoURL),
		Unsubscribe: true,
	}
}

// JobBoardMessage reports a change in the number of postings on siteURL.
// delta may be negative.
func JobBoardMessage(to string, delta int, siteURL string) notifier.Message {
	return notifier.Message{
		Source:      notifier.SourceJobBoard,
		To:          []string{to},
		Subject:     SubjectJobBoard,
		Body:        fmt.Sprintf("There are %d new job postings on %s. Check it out!", delta, siteURL),
		Unsubscribe: true,
	}
}

// WelcomeMessage confirms a new subscription.
func WelcomeMessage(t *notifier.Target) notifier.Message {
	var what string
	switch t.Source {
	case notifier.SourceRegistration:
		what = "the NYSC registration portal. You will get an email when a new mobilization batch opens."
	case notifier.SourceRepoIssues:
		what = fmt.Sprintf("%s (currently %d open, %d closed issues). You will get an email when new issues are opened.",
			t.URL, t.State.Open, t.State.Closed)
	case notifier.SourceJobBoard:
		what = fmt.Sprintf("%s (currently %d postings). You will get an email when the number of postings changes.",
			t.URL, t.State.Count)
	}
	return notifier.Message{
		Source:      t.Source,
		To:          []string{t.Email},
		Subject:     SubjectWelcome,
		Body:        "You are now tracking " + what,
		Unsubscribe: true,
	}
}

// AdminJobSiteMessage tells the operator about a new job-board subscription.
func AdminJobSiteMessage(admin string, t *notifier.Target) notifier.Message {
	return notifier.Message{
		Source:  notifier.SourceJobBoard,
		To:      []string{admin},
		Subject: SubjectAdminJobSite,
		Body: fmt.Sprintf("A new user has subscribed to Job Site tracking.\n\nEmail: %s\nSite: %s\nPostings at subscribe time: %d",
			t.Email, t.URL, t.State.Count),
	}
}

func unsubscribeFooter(link string) string {
	return "\n\nIf you wish to unsubscribe, click here: " + link
}
