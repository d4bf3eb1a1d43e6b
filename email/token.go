package email

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"pagewatch/pkg/notifier"
)

// Token derives the deterministic unsubscribe token for (email, source).
// Uses HMAC-SHA256 with a secret salt so tokens cannot be guessed without it.
func Token(salt []byte, email string, src notifier.SourceType) string {
	h := hmac.New(sha256.New, salt)
	h.Write([]byte(notifier.NormalizeEmail(email) + ":" + string(src)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyToken reports whether token was issued for (email, source).
func VerifyToken(salt []byte, email string, src notifier.SourceType, token string) bool {
	want := Token(salt, email, src)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(token)))
}

// UnsubscribeURL returns the one-click unsubscribe link for a recipient.
func (s *Sender) UnsubscribeURL(email string, src notifier.SourceType) string {
	return strings.TrimRight(s.baseURL, "/") + "/unsubscribe?type=" + url.QueryEscape(string(src)) +
		"&email=" + url.QueryEscape(notifier.NormalizeEmail(email)) +
		"&token=" + Token(s.salt, email, src)
}

// VerifyToken checks an unsubscribe token against the sender's salt.
func (s *Sender) VerifyToken(email string, src notifier.SourceType, token string) bool {
	return VerifyToken(s.salt, email, src, token)
}
