package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pagewatch/email"
	"pagewatch/github"
	"pagewatch/pkg/notifier"
)

type subscribeResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *Server) owner(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return s.ownerID
}

func (s *Server) handleSubscribeRegistration(w http.ResponseWriter, r *http.Request) {
	const src = notifier.SourceRegistration

	var req registrationRequest
	if err := s.decode(w, r, &req, &req.Email); err != nil {
		s.fail(w, src, "subscribe", err)
		return
	}

	t := &notifier.Target{Source: src, OwnerID: s.owner(req.OwnerID), Email: req.Email}
	s.create(w, r, t, http.StatusCreated, "NYSC tracking created.")
}

func (s *Server) handleSubscribeRepo(w http.ResponseWriter, r *http.Request) {
	const src = notifier.SourceRepoIssues

	var req repoRequest
	if err := s.decode(w, r, &req, &req.Email); err != nil {
		s.fail(w, src, "subscribe", err)
		return
	}

	repoURL, err := github.IssuesURL(req.RepoURL)
	if err != nil {
		s.fail(w, src, "subscribe", fmt.Errorf("%w: repoUrl must be a GitHub repository URL", notifier.ErrInvalid))
		return
	}

	exists, err := s.store.Exists(r.Context(), src, req.Email, repoURL)
	if err != nil {
		s.fail(w, src, "subscribe", fmt.Errorf("check existing subscription: %w", err))
		return
	}
	if exists {
		s.fail(w, src, "subscribe", fmt.Errorf("%w to %s", notifier.ErrConflict, repoURL))
		return
	}

	// Verify the repository exists by reading its baseline counts
	counts, err := s.issues.IssueCounts(r.Context(), repoURL)
	if err != nil {
		s.logger.Warn("Failed to verify repository", "url", repoURL, "error", err)
		s.fail(w, src, "subscribe", fmt.Errorf("%w: could not read issues for %s", notifier.ErrInvalid, repoURL))
		return
	}

	t := &notifier.Target{
		Source:  src,
		OwnerID: s.owner(req.OwnerID),
		Email:   req.Email,
		URL:     repoURL,
		State:   notifier.State{Open: counts.Open, Closed: counts.Closed},
	}
	s.create(w, r, t, http.StatusCreated, "Successfully subscribed to GitHub repository.")
}

func (s *Server) handleSubscribeJobs(w http.ResponseWriter, r *http.Request) {
	const src = notifier.SourceJobBoard

	var req jobsRequest
	if err := s.decode(w, r, &req, &req.Email); err != nil {
		s.fail(w, src, "subscribe", err)
		return
	}
	siteURL := strings.TrimSpace(req.SiteURL)

	count, err := s.jobs.JobCount(r.Context(), siteURL)
	if err != nil {
		s.logger.Warn("Failed to read job board", "url", siteURL, "error", err)
		if errors.Is(err, notifier.ErrUnsupportedSite) {
			s.fail(w, src, "subscribe", fmt.Errorf("%w: %s", notifier.ErrUnsupportedSite, siteURL))
			return
		}
		s.fail(w, src, "subscribe", fmt.Errorf("%w: could not read job postings from %s", notifier.ErrInvalid, siteURL))
		return
	}

	t := &notifier.Target{
		Source:  src,
		OwnerID: s.owner(req.OwnerID),
		Email:   req.Email,
		URL:     siteURL,
		State:   notifier.State{Count: count},
	}
	if !s.create(w, r, t, http.StatusOK, "Subscribed to job site updates successfully.") {
		return
	}
	if s.adminEmail != "" {
		s.mailer.Notify(r.Context(), email.AdminJobSiteMessage(s.adminEmail, t))
	}
}

// create stores t and sends the welcome email. It reports whether the record
// was stored.
func (s *Server) create(w http.ResponseWriter, r *http.Request, t *notifier.Target, code int, message string) bool {
	if err := s.store.Insert(r.Context(), t); err != nil {
		if errors.Is(err, notifier.ErrConflict) && t.URL != "" {
			err = fmt.Errorf("%w to %s", notifier.ErrConflict, t.URL)
		}
		s.fail(w, t.Source, "subscribe", err)
		return false
	}

	s.logger.Info("Subscription created",
		"type", t.Source,
		"id", t.ID,
		"email", t.Email,
		"url", t.URL,
		"ip", s.clientIP(r))

	// Welcome failures are reported by the mailer and never fail the request
	s.mailer.Notify(r.Context(), email.WelcomeMessage(t))

	countRequest(t.Source, "subscribe", code)
	s.writeJSON(w, code, subscribeResponse{ID: t.ID, Message: message})
	return true
}

func (s *Server) fail(w http.ResponseWriter, src notifier.SourceType, action string, err error) {
	countRequest(src, action, statusFor(err))
	s.writeError(w, err)
}
