// Package api exposes the worker over HTTP when it runs as a server
// rather than behind the serverless host: health and ping probes, the
// /execute job endpoint, Prometheus metrics, and dynamically registered
// routes for class methods annotated as endpoints.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/executor"
	"github.com/runpod-workers/worker-flash/internal/logging"
	"github.com/runpod-workers/worker-flash/internal/metrics"
)

// Server is the HTTP surface over one Executor.
type Server struct {
	exec   *executor.Executor
	routes *routeTable
	mux    *http.ServeMux
}

// NewServer builds the HTTP handler.
func NewServer(exec *executor.Executor) *Server {
	s := &Server{
		exec:   exec,
		routes: newRouteTable(),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("POST /execute", s.handleExecute)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("/", s.handleDynamic)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"capabilities": []string{"remote_execution", "http_endpoints"},
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ping": "pong"})
}

// handleExecute runs a job from the request body. Both the wrapped
// {"input": ...} envelope and the bare job object are accepted. A class
// job carrying inline source additionally registers the class's
// endpoint-annotated methods as live routes.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, domain.Fail("failed to read request body: "+err.Error(), ""))
		return
	}

	job, err := domain.ParseEnvelope(body)
	if err != nil {
		writeJSON(w, http.StatusOK, domain.Fail(err.Error(), ""))
		return
	}

	resp := s.exec.Execute(r.Context(), job)

	// Dependencies are installed by the job itself, so endpoint routes are
	// registered only once the job has gone through successfully.
	if resp.Success && job.IsClass() && job.ClassCode != "" {
		if err := s.routes.registerClass(r.Context(), s.exec, job); err != nil {
			logging.Op().Warn("failed to register class endpoints", "class", job.ClassName, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleDynamic dispatches registered class-method routes. POST bodies and
// GET query strings become keyword arguments.
func (s *Server) handleDynamic(w http.ResponseWriter, r *http.Request) {
	route, ok := s.routes.lookup(r.URL.Path, r.Method)
	if !ok {
		http.NotFound(w, r)
		return
	}

	kwargs, err := requestKwargs(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := route.call(r.Context(), s.exec, kwargs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Method execution failed: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// requestKwargs extracts keyword arguments from the request: the JSON
// object body for POST, the query string for GET.
func requestKwargs(r *http.Request) (map[string]interface{}, error) {
	kwargs := make(map[string]interface{})
	if r.Method == http.MethodGet {
		for k, vs := range r.URL.Query() {
			if len(vs) > 0 {
				kwargs[k] = vs[0]
			}
		}
		return kwargs, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return kwargs, nil
	}
	if err := json.Unmarshal(body, &kwargs); err != nil {
		return nil, err
	}
	return kwargs, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("failed to encode response", "error", err)
	}
}
