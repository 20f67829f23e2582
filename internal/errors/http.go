package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// HTTPErrorResponse is the JSON error envelope returned by the status
// API.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// HTTPErrorBody carries the code, human message, optional structured
// details, and the request id when the middleware has assigned one.
type HTTPErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// RespondWithError writes err as the standard JSON envelope with the
// status implied by its code.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := AsAppError(err)

	body := HTTPErrorResponse{
		Error: HTTPErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: middleware.GetReqID(r.Context()),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}
