// Package errors maps queue and destination failures onto HTTP error
// envelopes and CLI exit codes.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/pushq/pkg/destination"
	"github.com/3leaps/pushq/pkg/jobqueue"
)

// Error codes carried in envelopes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeStateConflict      = "STATE_CONFLICT"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeCorruptRecord      = "CORRUPT_RECORD"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with an explicit envelope code and HTTP status.
type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError reports a missing route or resource.
func NewNotFoundError(message string) error {
	return &AppError{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
}

// NewMethodNotAllowedError reports an unsupported method on a known route.
func NewMethodNotAllowedError(message string) error {
	return &AppError{Code: CodeMethodNotAllowed, Message: message, Status: http.StatusMethodNotAllowed}
}

// NewValidationError reports malformed request input.
func NewValidationError(message string, err error) error {
	return &AppError{Code: CodeValidation, Message: message, Status: http.StatusBadRequest, Err: err}
}

// NewExternalServiceError reports an unavailable dependency.
func NewExternalServiceError(message string) error {
	return &AppError{Code: CodeServiceUnavailable, Message: message, Status: http.StatusServiceUnavailable}
}

// WrapInternal wraps an unexpected failure.
func WrapInternal(ctx context.Context, err error, message string) error {
	_ = ctx
	return &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, Err: err}
}

// Classify returns the HTTP status and envelope code for err.
func Classify(err error) (int, string) {
	var app *AppError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case stderrors.As(err, &app):
		return app.Status, app.Code
	case jobqueue.IsValidation(err), stderrors.Is(err, destination.ErrValidationFailed):
		return http.StatusBadRequest, CodeValidation
	case jobqueue.IsState(err):
		return http.StatusConflict, CodeStateConflict
	case jobqueue.IsNotFound(err),
		stderrors.Is(err, destination.ErrNotFound),
		stderrors.Is(err, destination.ErrProfileNotFound):
		return http.StatusNotFound, CodeNotFound
	case jobqueue.IsCorrupt(err):
		return http.StatusInternalServerError, CodeCorruptRecord
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	status, code := Classify(err)
	switch {
	case code == CodeCorruptRecord:
		return foundry.ExitFileReadError
	case status == http.StatusBadRequest, status == http.StatusConflict:
		return foundry.ExitInvalidArgument
	case status == http.StatusNotFound:
		return foundry.ExitFileNotFound
	case status == http.StatusServiceUnavailable:
		return foundry.ExitExternalServiceUnavailable
	default:
		return 1
	}
}

// Details returns structured context for err, such as the offending fields of
// a settings validation failure.
func Details(err error) map[string]any {
	details := map[string]any{}
	var verrs destination.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		details["fields"] = verrs.Fields()
	}
	var qerr *jobqueue.ValidationError
	if stderrors.As(err, &qerr) && qerr.Field != "" {
		if _, ok := details["fields"]; !ok {
			details["fields"] = []string{qerr.Field}
		}
	}
	var serr *jobqueue.StateError
	if stderrors.As(err, &serr) {
		details["job_id"] = serr.ID
		details["status"] = string(serr.Status)
		details["operation"] = serr.Op
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// ToEnvelope converts err into a gofulmen error envelope.
func ToEnvelope(ctx context.Context, err error) *gferrors.ErrorEnvelope {
	_, code := Classify(err)
	message := "internal error"
	if err != nil {
		message = err.Error()
	}
	env := gferrors.NewErrorEnvelope(code, message)
	if id := RequestIDFromContext(ctx); id != "" {
		env = env.WithCorrelationID(id)
	}
	if details := Details(err); details != nil {
		if withCtx, cerr := env.WithContext(details); cerr == nil {
			env = withCtx
		}
	}
	return env
}

// HTTPErrorBody is the wire shape of an error.
type HTTPErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorBody under an "error" key.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// NewHTTPErrorResponse flattens an envelope into the wire shape.
func NewHTTPErrorResponse(env *gferrors.ErrorEnvelope, requestID string) HTTPErrorResponse {
	body := HTTPErrorBody{RequestID: requestID}
	if env == nil {
		body.Code = CodeInternal
		body.Message = "internal error"
		return HTTPErrorResponse{Error: body}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		body.Code = CodeInternal
		body.Message = "failed to encode error"
		return HTTPErrorResponse{Error: body}
	}
	var fields map[string]any
	_ = json.Unmarshal(raw, &fields)

	body.Code, _ = fields["code"].(string)
	body.Message, _ = fields["message"].(string)
	for _, key := range []string{"details", "context"} {
		if m, ok := fields[key].(map[string]any); ok {
			if body.Details == nil {
				body.Details = map[string]any{}
			}
			for k, v := range m {
				body.Details[k] = v
			}
		}
	}
	if body.RequestID == "" {
		body.RequestID, _ = fields["correlation_id"].(string)
	}
	return HTTPErrorResponse{Error: body}
}

// RespondWithError classifies err and writes it as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := context.Background()
	if r != nil {
		ctx = r.Context()
	}
	status, code := Classify(err)
	resp := NewHTTPErrorResponse(ToEnvelope(ctx, err), requestIDOf(r))
	resp.Error.Code = code
	if resp.Error.Message == "" && err != nil {
		resp.Error.Message = err.Error()
	}
	if details := Details(err); details != nil {
		resp.Error.Details = details
	}
	writeResponse(w, status, resp)
}

// WriteError writes an explicit code, message and details as a JSON error
// response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	env := gferrors.NewErrorEnvelope(code, message)
	resp := NewHTTPErrorResponse(env, requestIDOf(r))
	resp.Error.Code = code
	resp.Error.Message = message
	resp.Error.Details = details
	writeResponse(w, status, resp)
}

func writeResponse(w http.ResponseWriter, status int, resp HTTPErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDOf(r *http.Request) string {
	if r == nil {
		return ""
	}
	return RequestIDFromContext(r.Context())
}

type requestIDKey struct{}

// WithRequestID stores a request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
