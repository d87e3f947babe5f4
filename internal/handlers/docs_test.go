package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/lab_power/internal/handlers"
)

func TestOpenAPISpec(t *testing.T) {
	w := httptest.NewRecorder()
	handlers.OpenAPISpec(w, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Content-Type: got %q, want application/yaml", ct)
	}

	var doc struct {
		OpenAPI string         `yaml:"openapi"`
		Paths   map[string]any `yaml:"paths"`
	}
	if err := yaml.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("OpenAPI document is not valid YAML: %v", err)
	}
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		t.Errorf("openapi: got %q, want 3.x", doc.OpenAPI)
	}
	for _, p := range []string{
		"/api/v1/status",
		"/api/v1/servers/{name}/power/on",
		"/api/v1/servers/{name}/power/off",
		"/api/v1/operations",
		"/api/v1/settings/electricity-price",
	} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("OpenAPI document is missing path %s", p)
		}
	}
}

func TestDocs(t *testing.T) {
	w := httptest.NewRecorder()
	handlers.Docs(w, httptest.NewRequest(http.MethodGet, "/docs", nil))

	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type: got %q, want text/html; charset=utf-8", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"<!DOCTYPE html>", "<title>lab_power API 1.0</title>", "swagger-ui", "openapi.yaml", "</html>"} {
		if !strings.Contains(body, want) {
			t.Errorf("docs body should contain %q", want)
		}
	}
}

// Both endpoints are reachable through the full mux without a token.
func TestDocsAndSpec_ViaFullMux(t *testing.T) {
	env := newTestMux(t)

	tests := []struct {
		path         string
		wantCTPrefix string
	}{
		{"/openapi.yaml", "application/yaml"},
		{"/docs", "text/html"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(env.mux, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("status: got %d, want 200", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, tt.wantCTPrefix) {
				t.Errorf("Content-Type: got %q, want prefix %q", ct, tt.wantCTPrefix)
			}
		})
	}
}
