// Package errors renders failures as the JSON error envelope shared by
// every HTTP endpoint.
//
// Errors are classified into gofulmen error envelopes; the wire body keeps
// the envelope's code, message, severity and timestamp, exposes its context
// as details and its correlation ID as the request ID.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/stepstore"
)

// Error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPErrorResponse is the body of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the wire form of an error envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPError pairs an error envelope with the status it is served under.
type HTTPError struct {
	Status   int
	Envelope *gferrors.ErrorEnvelope
	Err      error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Envelope.Message + ": " + e.Err.Error()
	}
	return e.Envelope.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// New returns an HTTPError.
func New(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Envelope: NewEnvelope(status, code, message)}
}

// Wrap returns an HTTPError caused by err.
func Wrap(status int, code, message string, err error) *HTTPError {
	e := New(status, code, message)
	e.Err = err
	return e
}

// WithDetails returns a copy of e carrying details.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	cp := *e
	env := *e.Envelope
	cp.Envelope = env.WithDetails(details)
	return &cp
}

// NewEnvelope returns an envelope whose severity follows the status class.
func NewEnvelope(status int, code, message string) *gferrors.ErrorEnvelope {
	return gferrors.SafeWithSeverity(gferrors.NewErrorEnvelope(code, message), severityFor(status))
}

func severityFor(status int) gferrors.Severity {
	switch {
	case status >= http.StatusInternalServerError:
		return gferrors.SeverityHigh
	case status == http.StatusConflict:
		return gferrors.SeverityMedium
	default:
		return gferrors.SeverityLow
	}
}

type requestIDKey struct{}

// WithRequestID stores the request ID on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored on ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Classify maps err to a status code and error envelope.
func Classify(err error) (int, *gferrors.ErrorEnvelope) {
	var httpErr *HTTPError
	switch {
	case stderrors.As(err, &httpErr):
		env := *httpErr.Envelope
		return httpErr.Status, &env
	case stderrors.Is(err, document.ErrNotFound), stderrors.Is(err, stepstore.ErrNotFound):
		return http.StatusNotFound, NewEnvelope(http.StatusNotFound, CodeNotFound, err.Error())
	case stderrors.Is(err, stepstore.ErrInvalidTransition):
		return http.StatusConflict, NewEnvelope(http.StatusConflict, CodeConflict, err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, NewEnvelope(http.StatusServiceUnavailable, CodeServiceUnavailable, "request timed out")
	default:
		return http.StatusInternalServerError, NewEnvelope(http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}

// Body converts an envelope to its wire form.
func Body(env *gferrors.ErrorEnvelope) ErrorBody {
	body := ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		Severity:  string(env.Severity),
		Timestamp: env.Timestamp,
		RequestID: env.CorrelationID,
	}
	if len(env.Details)+len(env.Context) > 0 {
		body.Details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			body.Details[k] = v
		}
		for k, v := range env.Context {
			body.Details[k] = v
		}
	}
	return body
}

// RespondWithError writes err as a JSON error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := Classify(err)
	env = env.WithCorrelationID(RequestID(r.Context()))
	if status >= http.StatusInternalServerError {
		observability.CLILogger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", env.Code),
			zap.String("request_id", env.CorrelationID),
			zap.Error(err))
	}
	WriteEnvelope(w, status, env)
}

// WriteEnvelope writes env with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	WriteJSON(w, status, HTTPErrorResponse{Error: Body(env)})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
