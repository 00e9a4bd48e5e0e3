package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

const retryAfterSeconds = 60

// ErrorHandler converts errors to problem details and logs them
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	reqID := middleware.GetReqID(r.Context())

	h.logger.WarnContext(r.Context(), "request failed",
		slog.String("error", err.Error()),
		slog.String("error_class", string(ClassOf(err))),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	problem := ErrorToProblem(err, r.URL.Path)
	problem.WithExtension("trace_id", reqID)
	if Retryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	render.Render(w, r, problem)
}

// ErrorToProblem maps err onto a problem type by its taxonomy class
func ErrorToProblem(err error, instance string) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout, "Request Timeout",
			"The request took too long to process and was cancelled", instance)
	}

	class := ClassOf(err)
	var problem *ProblemDetails
	switch class {
	case ClassFormat:
		problem = NewProblemDetails(http.StatusBadRequest, TypeKeyFormat, "Invalid Activation Key", err.Error(), instance)
	case ClassUnsupported:
		problem = NewProblemDetails(http.StatusBadRequest, TypeKeyUnsupported, "Unsupported Activation", err.Error(), instance)
	case ClassCapacity:
		problem = NewProblemDetails(http.StatusUnprocessableEntity, TypeKeyCapacity, "Activation Key Rejected", err.Error(), instance)
	case ClassNoMatch:
		problem = NewProblemDetails(http.StatusUnprocessableEntity, TypeKeyNoMatch, "Activation Key Rejected", err.Error(), instance)
	case ClassExpired:
		problem = NewProblemDetails(http.StatusForbidden, TypeLicenseExpired, "Expired", err.Error(), instance)
	case ClassIncompatible:
		problem = NewProblemDetails(http.StatusConflict, TypeIncompatible, "Incompatible License", err.Error(), instance)
	case ClassDocumentInvalid:
		problem = NewProblemDetails(http.StatusUnprocessableEntity, TypeDocumentInvalid, "Invalid License Document", err.Error(), instance)
	case ClassRateLimited:
		problem = NewProblemDetails(http.StatusTooManyRequests, TypeRateLimit, "Rate Limit Exceeded",
			"Too many activation attempts. Please try again later.", instance).WithExtension("retry_after", retryAfterSeconds)
	case ClassNotFound:
		problem = NewProblemDetails(http.StatusNotFound, TypeNotFound, "Resource Not Found", err.Error(), instance)
	default:
		return NewProblemDetails(http.StatusInternalServerError, TypeInternal, "Internal Server Error",
			"An unexpected error occurred while processing your request", instance)
	}
	return problem.WithExtension("error_class", string(class))
}

// BadRequest responds with a validation problem
func (h *ErrorHandler) BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	problem := NewProblemDetails(http.StatusBadRequest, TypeValidation, "Validation Failed", detail, r.URL.Path).
		WithExtension("trace_id", middleware.GetReqID(r.Context()))
	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusNotFound, TypeNotFound, "Not Found",
		"The requested resource was not found", r.URL.Path).
		WithExtension("trace_id", middleware.GetReqID(r.Context()))
	render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusMethodNotAllowed, TypeInternal, "Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method), r.URL.Path).
		WithExtension("trace_id", middleware.GetReqID(r.Context()))
	render.Render(w, r, problem)
}

// Middleware recovers panics and answers them with a problem document
func (h *ErrorHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					slog.Any("panic", rec),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				problem := NewProblemDetails(http.StatusInternalServerError, TypeInternal,
					"Internal Server Error", "An unexpected error occurred", r.URL.Path)
				if h.includeStack {
					problem.WithExtension("panic", fmt.Sprintf("%v", rec))
				}
				render.Render(w, r, problem)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
