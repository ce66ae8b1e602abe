// Package httputil maps domain errors and payloads onto HTTP responses so
// handlers stay thin.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	dErrors "vouch/pkg/domain-errors"
)

// Validatable is implemented by request DTOs that validate and normalize
// themselves after decoding.
type Validatable interface {
	Validate() error
}

// Decode parses the JSON request body into v and runs its validation,
// writing the error response itself on failure. Returns false when the
// handler should stop. An empty body validates as the zero-valued DTO, so
// requests whose fields are all optional need no body at all.
func Decode(w http.ResponseWriter, r *http.Request, v Validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid JSON body"))
		return false
	}
	if err := v.Validate(); err != nil {
		WriteError(w, err)
		return false
	}
	return true
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a coded error into a JSON error response. Internal
// errors omit the description so store details never leak to clients.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	body := errorBody{Error: string(code)}

	var de *dErrors.Error
	if code != dErrors.CodeInternal && errors.As(err, &de) {
		body.Description = de.Message
	}

	WriteJSON(w, StatusOf(code), body)
}

// StatusOf maps an error code to its HTTP status.
func StatusOf(code dErrors.Code) int {
	switch code {
	case dErrors.CodeValidation, dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
