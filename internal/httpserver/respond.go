package httpserver

import (
	"encoding/json"
	"net/http"
)

// Respond writes v as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// ErrorResponse is the envelope returned for all failed requests.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// RespondError writes an error response with the given status and detail message.
func RespondError(w http.ResponseWriter, status int, detail string) {
	Respond(w, status, ErrorResponse{Detail: detail})
}
