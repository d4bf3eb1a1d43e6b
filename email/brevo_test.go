package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "key-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewBrevoProvider("key-123", "noreply@example.com", "pagewatch", testLogger())
	b.endpoint = srv.URL

	if err := b.Send(context.Background(), "ada@example.com", "Subject", "Body text"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Sender.Email != "noreply@example.com" || len(got.To) != 1 || got.To[0].Email != "ada@example.com" {
		t.Errorf("request = %+v", got)
	}
	if got.Text != "Body text" || got.Subject != "Subject" {
		t.Errorf("request = %+v", got)
	}
}

func TestBrevoSendStatus(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			b := NewBrevoProvider("key", "noreply@example.com", "", testLogger())
			b.endpoint = srv.URL

			err := b.Send(context.Background(), "ada@example.com", "s", "b")
			if err == nil {
				t.Fatal("Send() expected error")
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", err, !tt.permanent, tt.permanent)
			}
		})
	}
}
