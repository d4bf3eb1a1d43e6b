package server

import (
	"fmt"
	"net/http"

	"pagewatch/pkg/notifier"
)

type unsubscribeResponse struct {
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := s.decode(w, r, &req, &req.Email); err != nil {
		s.fail(w, "", "unsubscribe", err)
		return
	}
	src, err := notifier.ParseSourceType(req.Type)
	if err != nil {
		s.fail(w, "", "unsubscribe", err)
		return
	}
	s.unsubscribe(w, r, src, req.Email)
}

// handleUnsubscribeLink serves the one-click link embedded in every email.
func (s *Server) handleUnsubscribeLink(w http.ResponseWriter, r *http.Request) {
	src, err := notifier.ParseSourceType(r.URL.Query().Get("type"))
	if err != nil {
		s.fail(w, "", "unsubscribe", err)
		return
	}
	addr, err := s.verifyLink(r, src)
	if err != nil {
		s.fail(w, src, "unsubscribe", err)
		return
	}
	s.unsubscribe(w, r, src, addr)
}

// verifyLink checks the email and token query parameters against src and
// returns the normalized address.
func (s *Server) verifyLink(r *http.Request, src notifier.SourceType) (string, error) {
	q := r.URL.Query()
	addr := notifier.NormalizeEmail(q.Get("email"))
	token := q.Get("token")

	if !isValidEmail(addr) {
		return "", fmt.Errorf("%w: invalid email format", notifier.ErrInvalid)
	}
	if len(token) != 64 || !s.mailer.VerifyToken(addr, src, token) {
		s.logger.Warn("Unsubscribe token rejected", "type", src, "email", addr, "ip", s.clientIP(r))
		return "", errForbidden
	}
	return addr, nil
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request, src notifier.SourceType, addr string) {
	n, err := s.store.DeleteByEmail(r.Context(), src, addr)
	if err != nil {
		s.fail(w, src, "unsubscribe", fmt.Errorf("delete subscriptions: %w", err))
		return
	}
	if n == 0 {
		s.fail(w, src, "unsubscribe", fmt.Errorf("%w: %s not found for %s subscription", notifier.ErrNotFound, addr, src))
		return
	}

	s.logger.Info("Unsubscribed", "type", src, "email", addr, "deleted", n)
	countRequest(src, "unsubscribe", http.StatusOK)
	s.writeJSON(w, http.StatusOK, unsubscribeResponse{
		Message: fmt.Sprintf("Successfully unsubscribed %s from %s notifications.", addr, src),
		Deleted: n,
	})
}

// handleDeleteTracking removes one record. The caller proves ownership with
// the same email and token as the unsubscribe link.
func (s *Server) handleDeleteTracking(w http.ResponseWriter, r *http.Request) {
	src, err := notifier.ParseSourceType(r.PathValue("type"))
	if err != nil {
		s.fail(w, "", "delete", err)
		return
	}
	addr, err := s.verifyLink(r, src)
	if err != nil {
		s.fail(w, src, "delete", err)
		return
	}
	id := r.PathValue("id")

	if err := s.store.Delete(r.Context(), src, id, addr); err != nil {
		s.fail(w, src, "delete", err)
		return
	}

	s.logger.Info("Tracking record removed", "type", src, "id", id, "email", addr)
	countRequest(src, "delete", http.StatusOK)
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Tracking record deleted."})
}
