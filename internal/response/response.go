package response

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"sortgrid/internal/logging"
	"sortgrid/internal/models"
)

// Error codes.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeValidation     = "validation_error"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeInvalidState   = "invalid_state"
	CodeLocked         = "locked_account"
	CodeInternal       = "internal_server_error"
)

// JSON writes a successful API response with the given data.
func JSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(models.APIResponse{Data: data})
}

// JSONMeta writes a successful API response with pagination metadata.
func JSONMeta(w http.ResponseWriter, data any, total, page, limit int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(models.APIResponse{
		Data: data,
		Meta: &models.Meta{Total: total, Page: page, Limit: limit},
	})
}

// Err writes a JSON error body. A non-nil devErr is logged, never sent.
func Err(w http.ResponseWriter, status int, code, msg string, devErr error) {
	ErrDetails(w, status, code, msg, nil, devErr)
}

// ErrDetails is Err with an extra details payload.
func ErrDetails(w http.ResponseWriter, status int, code, msg string, details any, devErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Code: code, Message: msg, Details: details})

	fields := logrus.Fields{"status": status, "code": code}
	if devErr != nil {
		fields["error"] = devErr.Error()
	}
	entry := logging.Logger.WithFields(fields)
	if status >= 500 {
		entry.Error(msg)
	} else {
		entry.Debug(msg)
	}
}

// DecodeBody decodes a JSON request body into v.
func DecodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
