package wa

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/credentials"
	"wa-notifier/internal/logging"
)

var testCreds = credentials.Credentials{PhoneNumberID: "1001", AccessToken: "secret-token", APIVersion: "v20.0"}

func TestSendTemplate(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"4477","wa_id":"4477"}],"messages":[{"id":"wamid.OK"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logging.Discard(), nil)
	res, err := c.Send(context.Background(), testCreds, "447700900001", TemplatePayload{
		Name:       "checkin_reminder",
		Language:   "en",
		BodyParams: []string{"Ana", "12"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "wamid.OK" {
		t.Fatalf("unexpected message id %q", res.MessageID)
	}
	if gotPath != "/v20.0/1001/messages" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth %q", gotAuth)
	}
	if gotBody["type"] != "template" {
		t.Fatalf("unexpected type %v", gotBody["type"])
	}
	tpl := gotBody["template"].(map[string]any)
	components := tpl["components"].([]any)
	params := components[0].(map[string]any)["parameters"].([]any)
	if len(params) != 2 || params[0].(map[string]any)["text"] != "Ana" {
		t.Fatalf("unexpected parameters %v", params)
	}
}

func TestSendRejectsLongTextLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logging.Discard(), nil)
	_, err := c.Send(context.Background(), testCreds, "447700900001", TextPayload{Body: strings.Repeat("é", MaxTextLength+1)})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if called {
		t.Fatal("provider must not be called")
	}

	if err := ValidateText(strings.Repeat("é", MaxTextLength)); err != nil {
		t.Fatalf("exactly the cap must pass: %v", err)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","code":131000}}`))
		}))
		c := New(Config{BaseURL: srv.URL}, logging.Discard(), nil)
		_, err := c.Send(context.Background(), testCreds, "447700900001", TextPayload{Body: "hi"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := apperr.IsRetryable(err); got != tc.retryable {
			t.Fatalf("status %d: retryable=%v, want %v (%v)", tc.status, got, tc.retryable, err)
		}
	}
}

func TestSendTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, logging.Discard(), nil)
	_, err := c.Send(context.Background(), testCreds, "447700900001", TextPayload{Body: "hi"})
	if !apperr.IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestSendWithoutMessageIDIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logging.Discard(), nil)
	_, err := c.Send(context.Background(), testCreds, "447700900001", TextPayload{Body: "hi"})
	if err == nil || apperr.IsRetryable(err) {
		t.Fatalf("expected a non-retryable error, got %v", err)
	}
}

func TestProviderErrorDetailKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("é", 400)
	err := classifyHTTPError(http.StatusBadRequest, errorResponse{}, long)
	msg := apperr.Message(err)
	if !utf8.ValidString(msg) {
		t.Fatalf("detail split a rune: %q", msg)
	}
	if !strings.Contains(msg, strings.Repeat("é", 300)) || strings.Contains(msg, strings.Repeat("é", 301)) {
		t.Fatalf("expected detail cut at 300 runes, got %d runes", utf8.RuneCountInString(msg))
	}
}
