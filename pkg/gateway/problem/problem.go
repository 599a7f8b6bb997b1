// Package problem writes the gateway's error bodies: RFC 7807 documents for
// routing and authentication failures, and the errors-list shape used for
// scope denials.
package problem

import (
	"encoding/json"
	"net/http"
)

// Response represents an RFC 7807 problem document.
type Response struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
}

// Write emits a problem+json response.
func Write(w http.ResponseWriter, status int, title, detail, traceID, instance string) {
	resp := Response{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
		TraceID:  traceID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// ErrorItem is one entry of an error-list response.
type ErrorItem struct {
	ErrorCode      string   `json:"errorCode"`
	RequiredScopes []string `json:"requiredScopes,omitempty"`
	MissingScopes  []string `json:"missingScopes,omitempty"`
}

// WriteErrors emits a JSON body of the form {"errors":[...]}.
func WriteErrors(w http.ResponseWriter, status int, items ...ErrorItem) {
	body := struct {
		Errors []ErrorItem `json:"errors"`
	}{Errors: items}
	if body.Errors == nil {
		body.Errors = []ErrorItem{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
