package wa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/metrics"
)

// SignatureHeader carries the HMAC of the raw webhook body.
const SignatureHeader = "X-Hub-Signature-256"

const maxWebhookBody = 5 << 20

// WebhookEvent is one verified delivery.
type WebhookEvent struct {
	Envelope   Envelope
	Raw        []byte
	ReceivedAt time.Time
}

// WebhookProcessor handles verified webhook deliveries.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, event WebhookEvent) error
}

// WebhookHandler verifies provider webhook subscriptions and deliveries and forwards events.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	appSecret   []byte
	verifyToken string
	processor   WebhookProcessor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, appSecret, verifyToken string, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "wa_webhook"),
		metrics:     m,
		appSecret:   []byte(appSecret),
		verifyToken: verifyToken,
		processor:   processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleDelivery(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *WebhookHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || h.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		h.metrics.CountWebhookEvent("verify", "rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h.metrics.CountWebhookEvent("verify", "ok")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (h *WebhookHandler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.CountError("wa_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(h.appSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.metrics.CountWebhookEvent("delivery", "signature_invalid")
		h.logger.Warn("rejected webhook", "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// From here on the provider always gets 200 so it does not redeliver.
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.metrics.CountWebhookEvent("delivery", "malformed")
		h.logger.Error("malformed webhook payload", "error", err)
		writeOK(w)
		return
	}

	if h.processor != nil {
		event := WebhookEvent{Envelope: env, Raw: body, ReceivedAt: time.Now()}
		if err := h.processor.HandleWebhook(r.Context(), event); err != nil {
			h.metrics.CountError("wa_webhook_process")
			h.logger.Error("failed processing webhook", "error", err)
		}
	}
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// VerifySignature checks a "sha256=<hex>" header against the HMAC of body.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return apperr.Signature("webhook secret is not configured")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return apperr.Signature("signature header is missing")
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return apperr.Signature("signature header has no sha256 prefix")
	}
	given, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return apperr.Signature("signature is not hex")
	}
	if !hmac.Equal(given, Sign(secret, body)) {
		return apperr.Signature("signature mismatch")
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeaderValue formats the header value the provider would send for body.
func SignatureHeaderValue(secret, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}
