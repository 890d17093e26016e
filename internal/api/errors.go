package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/correlator-io/reconciler/internal/api/middleware"
	"github.com/correlator-io/reconciler/internal/catalog"
)

// ProblemDetail is an RFC 7807 problem document. Code is an extension member
// carrying the catalog error code, so clients can rebuild a catalog.RemoteError.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Code          string `json:"code,omitempty"`
}

// Error codes carried in ProblemDetail.Code.
const (
	CodeInvalidInput   = "RECONCILER-400-INVALID"
	CodeNotFound       = "RECONCILER-404-NOT-FOUND"
	CodeConflict       = "RECONCILER-409-CONFLICT"
	CodeCreationFailed = "RECONCILER-502-CREATION-FAILED"
	CodeNotConverged   = "RECONCILER-503-NOT-CONVERGED"
)

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://correlator.io/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WithInstance adds an instance URI to the problem detail.
func (p *ProblemDetail) WithInstance(instance string) *ProblemDetail {
	p.Instance = instance

	return p
}

// WithCorrelationID adds a correlation ID to the problem detail.
func (p *ProblemDetail) WithCorrelationID(correlationID string) *ProblemDetail {
	p.CorrelationID = correlationID

	return p
}

// WithCode sets the error code extension.
func (p *ProblemDetail) WithCode(code string) *ProblemDetail {
	p.Code = code

	return p
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)
	}
}

// ProblemFromError maps a domain error onto a problem document.
//
//	catalog.ErrInvalidInput   400
//	catalog.ErrNotFound       404
//	catalog.ErrConflict       409
//	catalog.ErrCreationFailed 502
//	catalog.ErrNotConverged   503
//	*catalog.RemoteError      its own status (502 when unset) and code
//	context deadline          504
//	anything else             500
func ProblemFromError(err error) *ProblemDetail {
	var remote *catalog.RemoteError

	switch {
	case errors.Is(err, catalog.ErrInvalidInput):
		return BadRequest(err.Error()).WithCode(CodeInvalidInput)
	case errors.Is(err, catalog.ErrNotFound):
		return NotFound(err.Error()).WithCode(CodeNotFound)
	case errors.Is(err, catalog.ErrConflict):
		return NewProblemDetail(http.StatusConflict, "Conflict", err.Error()).WithCode(CodeConflict)
	case errors.Is(err, catalog.ErrCreationFailed):
		return NewProblemDetail(http.StatusBadGateway, "Creation Failed", err.Error()).WithCode(CodeCreationFailed)
	case errors.Is(err, catalog.ErrNotConverged):
		return NewProblemDetail(http.StatusServiceUnavailable, "Not Converged", err.Error()).WithCode(CodeNotConverged)
	case errors.As(err, &remote):
		status := remote.Status
		if status < http.StatusBadRequest || status > 599 {
			status = http.StatusBadGateway
		}

		return NewProblemDetail(status, http.StatusText(status), remote.Message).WithCode(remote.Code)
	case errors.Is(err, context.DeadlineExceeded):
		return NewProblemDetail(http.StatusGatewayTimeout, "Gateway Timeout", err.Error())
	default:
		return InternalServerError(err.Error())
	}
}

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// UnsupportedMediaType creates a 415 Unsupported Media Type problem.
func UnsupportedMediaType(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnsupportedMediaType, "Unsupported Media Type", detail)
}

// PayloadTooLarge creates a 413 Payload Too Large problem.
func PayloadTooLarge(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusRequestEntityTooLarge, "Payload Too Large", detail)
}

// ServiceUnavailable creates a 503 Service Unavailable problem.
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "Service Unavailable", detail)
}
