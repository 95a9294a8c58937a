package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/runpod-workers/worker-flash/internal/domain"
)

func TestForwardDirectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env domain.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil || len(env.Input) == 0 {
			t.Errorf("expected wrapped job envelope: %v", err)
		}
		json.NewEncoder(w).Encode(domain.Ok("cmVzdWx0", ""))
	}))
	defer srv.Close()

	f := NewEndpointForwarder()
	resp := f.Forward(context.Background(), &domain.Job{FunctionName: "f"}, srv.URL)
	if !resp.Success || resp.Result != "cmVzdWx0" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestForwardUnwrapsOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"output": domain.Ok("d3JhcHBlZA==", "remote stdout"),
		})
	}))
	defer srv.Close()

	f := NewEndpointForwarder()
	resp := f.Forward(context.Background(), &domain.Job{FunctionName: "f"}, srv.URL)
	if !resp.Success || resp.Result != "d3JhcHBlZA==" || resp.Stdout != "remote stdout" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestForwardBearerToken(t *testing.T) {
	t.Setenv("RUNPOD_API_KEY", "secret-key")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-key" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(domain.Ok("", ""))
	}))
	defer srv.Close()

	NewEndpointForwarder().Forward(context.Background(), &domain.Job{FunctionName: "f"}, srv.URL)
}

func TestForwardHTTPErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	resp := NewEndpointForwarder().Forward(context.Background(), &domain.Job{FunctionName: "f"}, srv.URL)
	if resp.Success {
		t.Fatal("HTTP >= 400 must fail the job")
	}
	if !strings.Contains(resp.Error, "502") || !strings.Contains(resp.Error, "worker exploded") {
		t.Fatalf("error should carry status and body: %q", resp.Error)
	}
}

func TestForwardUnparsableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway timeout</html>"))
	}))
	defer srv.Close()

	resp := NewEndpointForwarder().Forward(context.Background(), &domain.Job{FunctionName: "f"}, srv.URL)
	if resp.Success {
		t.Fatal("undecodable body must fail the job")
	}
	if !strings.Contains(resp.Error, "failed to parse response") {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
}

func TestForwardUnreachableEndpoint(t *testing.T) {
	resp := NewEndpointForwarder().Forward(context.Background(), &domain.Job{FunctionName: "f"}, "http://127.0.0.1:1/run")
	if resp.Success {
		t.Fatal("unreachable endpoint must fail the job")
	}
	if !strings.Contains(resp.Error, "failed to route to endpoint") {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
}
