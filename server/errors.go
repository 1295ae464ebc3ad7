package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/polar/errors"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.IsServiceUnavailableError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err with the status its kind maps to. Validation
// failures carry their issue list; lookups that miss render status=not_found.
func writeServiceError(w http.ResponseWriter, log *zap.SugaredLogger, err error, msg string) {
	status := statusFor(err)

	body := map[string]interface{}{"error": err.Error()}
	switch status {
	case http.StatusNotFound:
		body["status"] = "not_found"
	case http.StatusBadRequest:
		if v, ok := errors.AsValidationError(err); ok {
			body["operation"] = v.Operation
			body["issues"] = v.Issues
		}
	}

	if status >= http.StatusInternalServerError {
		log.Errorw(msg, "status", status, "error", err)
		// Hide internals from callers.
		if status == http.StatusInternalServerError {
			body["error"] = msg
		}
	} else {
		log.Debugw(msg, "status", status, "error", err)
	}

	writeJSON(w, status, body)
}
