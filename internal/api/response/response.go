// Package response writes the API's JSON envelopes: {"data": ...} on success and
// {"error": {"code", "message", "details"}} on failure.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type envelope struct {
	Data any `json:"data"`
}

type cursorEnvelope struct {
	Data any        `json:"data"`
	Meta CursorMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// CursorMeta tells a polling reader where to resume. Next is the last seq returned, or the
// request's own cursor when nothing new was found.
type CursorMeta struct {
	Next    int64 `json:"next"`
	HasMore bool  `json:"has_more"`
}

func JSON(w http.ResponseWriter, data any) {
	Status(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data any) {
	Status(w, http.StatusCreated, data)
}

func Accepted(w http.ResponseWriter, data any) {
	Status(w, http.StatusAccepted, data)
}

// Status writes data in the success envelope with an explicit status code.
func Status(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func Cursor(w http.ResponseWriter, data any, meta CursorMeta) {
	writeJSON(w, http.StatusOK, cursorEnvelope{Data: data, Meta: meta})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response body", "error", err)
	}
}
