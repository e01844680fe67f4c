package templates

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/repo"
)

// DefaultLanguage is the last-resort language of every fallback chain.
const DefaultLanguage = "en"

// Store lists the templates that could serve a lookup. Language codes match
// case-insensitively.
type Store interface {
	ListTemplateCandidates(ctx context.Context, templateType string, propertyID *string, languages []string) ([]repo.Template, error)
}

// Selector matches one tier of the fallback chain.
type Selector struct {
	Name  string
	Match func(t repo.Template) bool
}

// Selectors returns the fallback chain for a lookup, most specific first:
// property+language, global+language, property+en, global+en.
func Selectors(propertyID *string, language string) []Selector {
	language = normalizeLanguage(language)
	tiers := []Selector{}
	add := func(name string, property bool, lang string) {
		if property && propertyID == nil {
			return
		}
		tiers = append(tiers, Selector{
			Name: name,
			Match: func(t repo.Template) bool {
				if !strings.EqualFold(t.LanguageCode, lang) {
					return false
				}
				if property {
					return t.PropertyID != nil && *t.PropertyID == *propertyID
				}
				return t.PropertyID == nil
			},
		})
	}
	add("property_language", true, language)
	add("global_language", false, language)
	if language != DefaultLanguage {
		add("property_default", true, DefaultLanguage)
		add("global_default", false, DefaultLanguage)
	}
	return tiers
}

// Eligible reports whether a template may be sent.
func Eligible(t repo.Template) bool {
	return t.IsEnabled && t.ApprovalStatus == repo.ApprovalApproved
}

// Select evaluates selectors in order and returns the first eligible match.
func Select(candidates []repo.Template, selectors []Selector) (*repo.Template, string) {
	for _, sel := range selectors {
		for i := range candidates {
			if Eligible(candidates[i]) && sel.Match(candidates[i]) {
				found := candidates[i]
				return &found, sel.Name
			}
		}
	}
	return nil, ""
}

// Resolver finds the template to send for a booking.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger.With("component", "templates")}
}

// Resolve returns the best template or nil when no tier matches.
func (r *Resolver) Resolve(ctx context.Context, propertyID *string, templateType, language string) (*repo.Template, error) {
	templateType = strings.TrimSpace(templateType)
	if templateType == "" {
		return nil, apperr.Validation("template type is required")
	}
	if propertyID != nil && strings.TrimSpace(*propertyID) == "" {
		propertyID = nil
	}
	language = normalizeLanguage(language)

	languages := []string{language}
	if language != DefaultLanguage {
		languages = append(languages, DefaultLanguage)
	}
	candidates, err := r.store.ListTemplateCandidates(ctx, templateType, propertyID, languages)
	if err != nil {
		return nil, err
	}

	tpl, tier := Select(candidates, Selectors(propertyID, language))
	if tpl == nil {
		r.logger.Debug("no template matched", "template_type", templateType, "language", language)
		return nil, nil
	}
	r.logger.Debug("template resolved", "template_type", templateType, "template", tpl.Name, "tier", tier)
	return tpl, nil
}

// MustResolve is Resolve with a not-found error in place of nil.
func (r *Resolver) MustResolve(ctx context.Context, propertyID *string, templateType, language string) (*repo.Template, error) {
	tpl, err := r.Resolve(ctx, propertyID, templateType, language)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, apperr.NotFound("no template for " + templateType)
	}
	return tpl, nil
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return DefaultLanguage
	}
	return lang
}

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{key}} tokens present in data. Unknown tokens stay as written.
func Render(text string, data map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		key := tokenPattern.FindStringSubmatch(token)[1]
		if v, ok := data[key]; ok {
			return v
		}
		return token
	})
}

// BodyParams returns the values for the body tokens in order of appearance,
// as the provider expects positional parameters. Missing keys yield "".
func BodyParams(body string, data map[string]string) []string {
	matches := tokenPattern.FindAllStringSubmatch(body, -1)
	params := make([]string, 0, len(matches))
	for _, m := range matches {
		params = append(params, data[m[1]])
	}
	return params
}

// Rendered is a template with header, body and footer filled in.
type Rendered struct {
	Name     string
	Language string
	Header   string
	Body     string
	Footer   string
	Params   []string
}

// RenderTemplate fills every section of a template.
func RenderTemplate(t repo.Template, data map[string]string) Rendered {
	out := Rendered{
		Name:     t.Name,
		Language: t.LanguageCode,
		Body:     Render(t.Body, data),
		Params:   BodyParams(t.Body, data),
	}
	if t.Header != nil {
		out.Header = Render(*t.Header, data)
	}
	if t.Footer != nil {
		out.Footer = Render(*t.Footer, data)
	}
	return out
}
