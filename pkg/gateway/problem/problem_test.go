package problem

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteProblem(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, http.StatusUnauthorized, "Unauthorized", "", "trace-1", "/pets")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["detail"]; ok {
		t.Fatalf("empty detail must be omitted, got %v", body)
	}
	if body["traceId"] != "trace-1" || body["instance"] != "/pets" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestWriteErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrors(rec, http.StatusForbidden, ErrorItem{
		ErrorCode:      "missing-scopes",
		RequiredScopes: []string{"read", "write"},
		MissingScopes:  []string{"read"},
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	want := `{"errors":[{"errorCode":"missing-scopes","requiredScopes":["read","write"],"missingScopes":["read"]}]}` + "\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	empty := httptest.NewRecorder()
	WriteErrors(empty, http.StatusBadRequest)
	if empty.Body.String() != `{"errors":[]}`+"\n" {
		t.Fatalf("expected empty list, got %s", empty.Body.String())
	}
}
