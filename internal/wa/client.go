package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/credentials"
	"wa-notifier/internal/metrics"
)

// Config holds configuration for the provider HTTP client.
type Config struct {
	BaseURL           string
	DefaultAPIVersion string
	Timeout           time.Duration
}

// Client sends messages through the provider's Cloud API.
type Client struct {
	http           *resty.Client
	logger         *slog.Logger
	metrics        *metrics.Metrics
	defaultVersion string
	timeout        time.Duration
}

// SendResult carries the provider-assigned message id.
type SendResult struct {
	MessageID string
	WaID      string
}

// Sender is the send surface the dispatcher depends on.
type Sender interface {
	Send(ctx context.Context, creds credentials.Credentials, to string, payload Payload) (*SendResult, error)
}

var _ Sender = (*Client)(nil)

// New creates a provider client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := cfg.DefaultAPIVersion
	if version == "" {
		version = "v21.0"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "wa-notifier/cloud-api-client"),
		logger:         logger.With("component", "wa_client"),
		metrics:        m,
		defaultVersion: version,
		timeout:        timeout,
	}
}

type sendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Contacts []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

func buildRequest(to string, payload Payload) (sendRequest, error) {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
	}
	switch p := payload.(type) {
	case TextPayload:
		req.Type = "text"
		req.Text = &textBody{Body: p.Body}
	case TemplatePayload:
		req.Type = "template"
		tpl := &templateBody{Name: p.Name, Language: templateLanguage{Code: p.Language}}
		if len(p.BodyParams) > 0 {
			params := make([]templateParameter, 0, len(p.BodyParams))
			for _, v := range p.BodyParams {
				params = append(params, templateParameter{Type: "text", Text: v})
			}
			tpl.Components = []templateComponent{{Type: "body", Parameters: params}}
		}
		req.Template = tpl
	default:
		return sendRequest{}, apperr.Validation(fmt.Sprintf("unsupported payload %T", payload))
	}
	return req, nil
}

// Send posts one message. The call is bounded by the client timeout regardless of ctx.
func (c *Client) Send(ctx context.Context, creds credentials.Credentials, to string, payload Payload) (*SendResult, error) {
	if err := Validate(payload); err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, apperr.Validation("recipient is required")
	}
	body, err := buildRequest(to, payload)
	if err != nil {
		return nil, err
	}

	version := strings.TrimSpace(creds.APIVersion)
	if version == "" {
		version = c.defaultVersion
	}
	endpoint := "/" + version + "/" + creds.PhoneNumberID + "/messages"
	kind := string(payload.Kind())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result sendResponse
	var failure errorResponse
	start := time.Now()
	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetBody(body).
		SetResult(&result).
		SetError(&failure).
		Post(endpoint)
	if err != nil {
		c.observe(kind, "error", start)
		return nil, apperr.Transient(err, "provider request failed")
	}
	c.observe(kind, strconv.Itoa(res.StatusCode()), start)

	if res.IsError() {
		return nil, classifyHTTPError(res.StatusCode(), failure, res.String())
	}
	// A 2xx may already have queued the message; retrying could deliver it twice.
	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return nil, apperr.ProviderRejected("provider accepted the request without a message id")
	}

	out := &SendResult{MessageID: result.Messages[0].ID}
	if len(result.Contacts) > 0 {
		out.WaID = result.Contacts[0].WaID
	}
	c.logger.Debug("message sent", "type", kind, "provider_message_id", out.MessageID)
	return out, nil
}

func (c *Client) observe(kind, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(kind, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(kind, status).Observe(time.Since(start).Seconds())
}

// classifyHTTPError maps provider responses onto the retry taxonomy: timeouts,
// throttling and server errors are transient, other client errors are final.
func classifyHTTPError(status int, failure errorResponse, raw string) error {
	msg := strings.TrimSpace(failure.Error.Message)
	if msg == "" {
		msg = strings.TrimSpace(raw)
	}
	msg = truncateRunes(msg, 300)
	detail := fmt.Sprintf("provider error: status=%d code=%d %s", status, failure.Error.Code, msg)

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperr.Transient(errors.New(detail), "provider temporarily unavailable")
	default:
		return apperr.ProviderRejected(detail)
	}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
