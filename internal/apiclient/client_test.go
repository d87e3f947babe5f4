package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tphummel/lab_power/internal/apiclient"
	"github.com/tphummel/lab_power/internal/models"
)

const testToken = "test-api-key"

// newTestServer starts an httptest.Server that stands in for the lab_power
// REST API.
func newTestServer(t *testing.T, handler http.HandlerFunc) *apiclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := apiclient.NewClient(srv.URL+"/", testToken)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_EmptyEndpoint(t *testing.T) {
	if _, err := apiclient.NewClient("  ", "x"); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestClient_AddPlug(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/plugs" {
			t.Errorf("request: got %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			t.Errorf("auth header: got %q", r.Header.Get("Authorization"))
		}
		var p models.Plug
		json.NewDecoder(r.Body).Decode(&p)
		if p.Name != "p1" || p.IP != "10.0.0.1" {
			t.Errorf("body: got %+v", p)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(p)
	})

	if err := client.AddPlug(context.Background(), models.Plug{Name: "p1", IP: "10.0.0.1"}); err != nil {
		t.Fatalf("AddPlug: %v", err)
	}
}

func TestClient_APIError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"plug \"p1\": already exists"}`)
	})

	err := client.AddPlug(context.Background(), models.Plug{Name: "p1", IP: "10.0.0.1"})
	var apiErr apiclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || !strings.Contains(apiErr.Message, "already exists") {
		t.Errorf("APIError: got %+v", apiErr)
	}
}

func TestClient_Operations_Query(t *testing.T) {
	tests := []struct {
		server string
		limit  int
		want   string
	}{
		{"", 0, ""},
		{"alpha", 0, "server=alpha"},
		{"alpha", 5, "limit=5&server=alpha"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.RawQuery != tt.want {
					t.Errorf("query: got %q, want %q", r.URL.RawQuery, tt.want)
				}
				fmt.Fprint(w, `[{"id":"op-1","server":"alpha","action":"power_on","success":true}]`)
			})
			ops, err := client.Operations(context.Background(), tt.server, tt.limit)
			if err != nil {
				t.Fatalf("Operations: %v", err)
			}
			if len(ops) != 1 || ops[0].Action != models.ActionPowerOn {
				t.Errorf("ops: got %+v", ops)
			}
		})
	}
}

func TestClient_Power_Stream(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/servers/alpha/power/on" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: log\ndata: {\"message\":\"Turning on plug...\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: log\ndata: {\"message\":\"Server responding to ping!\"}\n\n")
		fmt.Fprint(w, "event: complete\ndata: {\"id\":\"op-9\",\"success\":true,\"message\":\"Server is online\",\"logs\":[\"a\",\"b\"]}\n\n")
	})

	var lines []string
	res, err := client.Power(context.Background(), "alpha", true, func(s string) { lines = append(lines, s) })
	if err != nil {
		t.Fatalf("Power: %v", err)
	}
	if !res.Success || res.ID != "op-9" || res.Message != "Server is online" {
		t.Errorf("result: got %+v", res)
	}
	want := []string{"Turning on plug...", "Server responding to ping!"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("log lines: got %q, want %q", lines, want)
	}
}

func TestClient_Power_ErrorEvent(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"id\":\"op-1\",\"success\":false,\"message\":\"turn on plug p1: device unreachable\"}\n\n")
	})

	res, err := client.Power(context.Background(), "alpha", false, nil)
	if err != nil {
		t.Fatalf("Power: %v", err)
	}
	if res.Success || !strings.Contains(res.Message, "unreachable") {
		t.Errorf("result: got %+v", res)
	}
}

func TestClient_Power_Truncated(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: log\ndata: {\"message\":\"Turning on plug...\"}\n\n")
	})

	if _, err := client.Power(context.Background(), "alpha", true, nil); err == nil {
		t.Fatal("expected error when the stream ends without a result")
	}
}

func TestClient_Power_Rejected(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"operation in progress"}`)
	})

	_, err := client.Power(context.Background(), "alpha", true, nil)
	var apiErr apiclient.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 APIError, got %v", err)
	}
}
