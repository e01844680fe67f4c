// Package apperr defines the error taxonomy shared by the delivery pipeline
// and the webhook ingestor.
package apperr

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeValidation       = "VALIDATION_FAILED"
	CodeNotFound         = "NOT_FOUND"
	CodeTransient        = "PROVIDER_TRANSIENT"
	CodeProviderRejected = "PROVIDER_REJECTED"
	CodeSignature        = "SIGNATURE_INVALID"
	CodeCompliance       = "COMPLIANCE_BLOCKED"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL_ERROR"
)

// Validation reports malformed input. Never retried.
func Validation(message string) error {
	return newError(message, goerrors.CategoryValidation, http.StatusBadRequest, CodeValidation)
}

// NotFound reports a missing template, credential set, conversation or record.
func NotFound(message string) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, CodeNotFound)
}

// Transient wraps a network or provider-side failure that may succeed later.
func Transient(source error, message string) error {
	if source == nil {
		return newError(message, goerrors.CategoryExternal, http.StatusBadGateway, CodeTransient)
	}
	return goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(CodeTransient)
}

// ProviderRejected reports a provider response that retrying cannot fix.
func ProviderRejected(message string) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusUnprocessableEntity, CodeProviderRejected)
}

// Signature reports a webhook authentication failure.
func Signature(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusForbidden, CodeSignature)
}

// Compliance reports a send blocked by consent or by the conversation window.
func Compliance(message string) error {
	return newError(message, goerrors.CategoryOperation, http.StatusConflict, CodeCompliance)
}

// Conflict reports an invalid state transition or a duplicate key.
func Conflict(message string) error {
	return newError(message, goerrors.CategoryConflict, http.StatusConflict, CodeConflict)
}

func newError(message string, category goerrors.Category, code int, textCode string) error {
	return goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
}

func IsValidation(err error) bool { return hasTextCode(err, CodeValidation) }
func IsNotFound(err error) bool   { return hasTextCode(err, CodeNotFound) }
func IsTransient(err error) bool  { return hasTextCode(err, CodeTransient) }
func IsSignature(err error) bool  { return hasTextCode(err, CodeSignature) }
func IsCompliance(err error) bool { return hasTextCode(err, CodeCompliance) }
func IsConflict(err error) bool   { return hasTextCode(err, CodeConflict) }

// IsRetryable reports whether the backoff engine should schedule another attempt.
// Errors outside the taxonomy are treated as transient infrastructure failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	richErr, ok := asRich(err)
	if !ok {
		return true
	}
	return richErr.TextCode == CodeTransient || richErr.Category == goerrors.CategoryInternal
}

// HTTPStatus maps an error to the status code used by the admin API.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	richErr, ok := asRich(err)
	if !ok || richErr.Code == 0 {
		return http.StatusInternalServerError
	}
	return richErr.Code
}

// TextCode returns the machine-readable code of err, or CodeInternal.
func TextCode(err error) string {
	richErr, ok := asRich(err)
	if !ok || strings.TrimSpace(richErr.TextCode) == "" {
		return CodeInternal
	}
	return richErr.TextCode
}

// Message returns the human-readable text of err without the category and
// code prefix that rich errors carry in Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	richErr, ok := asRich(err)
	if !ok {
		return err.Error()
	}
	if richErr.Source != nil {
		return richErr.Message + ": " + richErr.Source.Error()
	}
	return richErr.Message
}

func hasTextCode(err error, code string) bool {
	richErr, ok := asRich(err)
	return ok && richErr.TextCode == code
}

func asRich(err error) (*goerrors.Error, bool) {
	if err == nil {
		return nil, false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		return richErr, true
	}
	return nil, false
}
