// Package response writes the service's JSON envelopes. Successful
// responses wrap their payload in "data"; collections add a "meta" object
// with the element count; errors carry a machine-readable code next to the
// human-readable message.
package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta collectionMeta `json:"meta"`
}

type collectionMeta struct {
	Count int `json:"count"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// Collection writes a list payload with its element count. Key listings are
// small and unpaginated, so the meta carries a count rather than page
// bookkeeping.
func Collection(w http.ResponseWriter, data any, count int) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: collectionMeta{Count: count}})
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
	json.NewEncoder(w).Encode(v)
}
