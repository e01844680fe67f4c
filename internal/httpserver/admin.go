package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/optout"
	"wa-notifier/internal/queue"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/templates"
)

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		s.unavailable(w, "dispatcher")
		return
	}
	var req queue.EnqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.deps.Dispatcher.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, item)
}

// handleDispatch runs one cycle; external schedulers call this instead of
// the built-in ticker.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		s.unavailable(w, "dispatcher")
		return
	}
	result, err := s.deps.Dispatcher.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.queueAction(w, r, s.deps.Dispatcher.Cancel)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.queueAction(w, r, s.deps.Dispatcher.ManualRetry)
}

func (s *Server) queueAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) (*repo.QueueItem, error)) {
	if s.deps.Dispatcher == nil {
		s.unavailable(w, "dispatcher")
		return
	}
	item, err := action(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, item)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		s.unavailable(w, "dispatcher")
		return
	}
	stats, err := s.deps.Dispatcher.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		s.unavailable(w, "dispatcher")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.deps.Dispatcher.ListPending(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, page)
}

type optOutRequest struct {
	Phone  string `json:"phone"`
	Reason string `json:"reason,omitempty"`
}

type optOutResponse struct {
	Phone    string             `json:"phone"`
	OptedOut bool               `json:"opted_out"`
	Record   *repo.OptOutRecord `json:"record,omitempty"`
}

func (s *Server) handleAddOptOut(w http.ResponseWriter, r *http.Request) {
	if s.deps.OptOuts == nil {
		s.unavailable(w, "opt-out registry")
		return
	}
	var req optOutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.OptOuts.AddOptOut(r.Context(), req.Phone, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOptOut(w, r, req.Phone)
}

func (s *Server) handleRemoveOptOut(w http.ResponseWriter, r *http.Request) {
	if s.deps.OptOuts == nil {
		s.unavailable(w, "opt-out registry")
		return
	}
	phone := r.PathValue("phone")
	if err := s.deps.OptOuts.RemoveOptOut(r.Context(), phone); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOptOut(w, r, phone)
}

func (s *Server) handleGetOptOut(w http.ResponseWriter, r *http.Request) {
	if s.deps.OptOuts == nil {
		s.unavailable(w, "opt-out registry")
		return
	}
	s.writeOptOut(w, r, r.PathValue("phone"))
}

func (s *Server) writeOptOut(w http.ResponseWriter, r *http.Request, phone string) {
	rec, err := s.deps.OptOuts.Get(r.Context(), phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	number := phone
	if rec != nil {
		number = rec.Phone
	}
	writeJSON(w, optOutResponse{Phone: number, OptedOut: optout.Derive(rec), Record: rec})
}

type replyRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		s.unavailable(w, "conversations")
		return
	}
	var req replyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Conversations.Reply(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, res)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		s.unavailable(w, "conversations")
		return
	}
	view, err := s.deps.Conversations.Describe(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, view)
}

type templatePreview struct {
	TemplateID     string   `json:"template_id"`
	Name           string   `json:"name"`
	Language       string   `json:"language"`
	Global         bool     `json:"global"`
	Header         string   `json:"header,omitempty"`
	Body           string   `json:"body"`
	Footer         string   `json:"footer,omitempty"`
	BodyParameters []string `json:"body_parameters"`
}

// handleTemplatePreview resolves and renders a template. Query keys other
// than type, language and property_id are placeholder data; missing tokens
// stay in the output.
func (s *Server) handleTemplatePreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Templates == nil {
		s.unavailable(w, "templates")
		return
	}
	q := r.URL.Query()
	var propertyID *string
	if p := strings.TrimSpace(q.Get("property_id")); p != "" {
		propertyID = &p
	}
	data := map[string]string{}
	for key, values := range q {
		switch key {
		case "type", "language", "property_id":
			continue
		}
		if len(values) > 0 {
			data[key] = values[0]
		}
	}

	tpl, err := s.deps.Templates.MustResolve(r.Context(), propertyID, q.Get("type"), q.Get("language"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rendered := templates.RenderTemplate(*tpl, data)
	writeJSON(w, templatePreview{
		TemplateID:     tpl.ID,
		Name:           rendered.Name,
		Language:       rendered.Language,
		Global:         tpl.PropertyID == nil,
		Header:         rendered.Header,
		Body:           rendered.Body,
		Footer:         rendered.Footer,
		BodyParameters: rendered.Params,
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(key + " must be an integer")
	}
	return n, nil
}
