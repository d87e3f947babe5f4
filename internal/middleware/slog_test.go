package middleware_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tphummel/lab_power/internal/middleware"
)

// logOnce runs one request through RequestLogger and returns the decoded
// log entry, or nil when nothing was logged.
func logOnce(t *testing.T, skip func(*http.Request) bool, path string, h http.HandlerFunc) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := middleware.RequestLogger(logger, skip, h)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))

	if buf.Len() == 0 {
		return nil
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	return entry
}

func TestRequestLogger(t *testing.T) {
	skipHealth := func(r *http.Request) bool { return r.URL.Path == "/healthz" }

	tests := []struct {
		name       string
		skip       func(*http.Request) bool
		path       string
		handler    http.HandlerFunc
		wantLogged bool
		wantStatus int
		wantLevel  string
		wantBytes  int
	}{
		{
			name:       "logs request",
			path:       "/api/v1/servers",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
			wantLogged: true,
			wantStatus: http.StatusOK,
			wantLevel:  "INFO",
		},
		{
			name:    "skips healthcheck",
			skip:    skipHealth,
			path:    "/healthz",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
		},
		{
			name:       "nil skip logs healthcheck",
			path:       "/healthz",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
			wantLogged: true,
			wantStatus: http.StatusOK,
			wantLevel:  "INFO",
		},
		{
			name:       "captures non-OK status",
			skip:       skipHealth,
			path:       "/missing",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantLogged: true,
			wantStatus: http.StatusNotFound,
			wantLevel:  "INFO",
		},
		{
			name:       "defaults to 200 and counts bytes",
			path:       "/",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("hello")) },
			wantLogged: true,
			wantStatus: http.StatusOK,
			wantLevel:  "INFO",
			wantBytes:  5,
		},
		{
			name:       "server errors log at error level",
			path:       "/api/v1/settings/electricity-price",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			wantLogged: true,
			wantStatus: http.StatusInternalServerError,
			wantLevel:  "ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := logOnce(t, tt.skip, tt.path, tt.handler)
			if (entry != nil) != tt.wantLogged {
				t.Fatalf("logged: got %v, want %v", entry != nil, tt.wantLogged)
			}
			if entry == nil {
				return
			}
			for _, key := range []string{"method", "path", "status", "bytes", "duration", "remote_addr"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("log entry missing key %q", key)
				}
			}
			if entry["path"] != tt.path {
				t.Errorf("path: got %v, want %v", entry["path"], tt.path)
			}
			if int(entry["status"].(float64)) != tt.wantStatus {
				t.Errorf("status: got %v, want %d", entry["status"], tt.wantStatus)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level: got %v, want %v", entry["level"], tt.wantLevel)
			}
			if int(entry["bytes"].(float64)) != tt.wantBytes {
				t.Errorf("bytes: got %v, want %d", entry["bytes"], tt.wantBytes)
			}
		})
	}
}

func TestRequestLogger_OperationID(t *testing.T) {
	entry := logOnce(t, nil, "/api/v1/servers/alpha/power/on", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Operation-ID", "op-123")
		w.WriteHeader(http.StatusOK)
	})
	if entry["op"] != "op-123" {
		t.Errorf("op: got %v, want op-123", entry["op"])
	}
}

func TestRequestLogger_Flushable(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	handler := middleware.RequestLogger(logger, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush through RequestLogger: %v", err)
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
