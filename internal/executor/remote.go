package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/metrics"
)

// EndpointForwarder forwards a job to a sibling endpoint over HTTP.
//
// The request envelope is {"input": <job>} with credentials stripped; an
// Authorization bearer header is attached when an API key is available.
// The reply may be the response object directly or wrapped as
// {"output": <response>} — both shapes are accepted. An HTTP status >= 400
// or an undecodable body is a terminal routing failure; there is no
// fallback to local execution once a reachable endpoint answered, which
// would risk duplicated side effects.
type EndpointForwarder struct {
	client *http.Client
}

// NewEndpointForwarder creates a forwarder with the endpoint total-deadline
// timeout.
func NewEndpointForwarder() *EndpointForwarder {
	return &EndpointForwarder{
		client: &http.Client{Timeout: config.EndpointTimeout},
	}
}

// Forward posts the job to endpointURL and returns the remote response.
func (f *EndpointForwarder) Forward(ctx context.Context, job *domain.Job, endpointURL string) *domain.Response {
	payload, err := json.Marshal(map[string]interface{}{"input": job.Sanitized()})
	if err != nil {
		return domain.Fail("failed to encode forwarded job: "+err.Error(), "")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(payload))
	if err != nil {
		return domain.Fail("failed to build forward request: "+err.Error(), "")
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey := os.Getenv(config.EnvAPIKey); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.RecordForward(false)
		return domain.Fail(fmt.Sprintf("failed to route to endpoint %s: %v", endpointURL, err), "")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.RecordForward(false)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
		return domain.Fail(fmt.Sprintf("remote endpoint returned status %d: %s", resp.StatusCode, body), "")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordForward(false)
		return domain.Fail("failed to read endpoint response: "+err.Error(), "")
	}

	out, err := decodeRemoteResponse(body)
	if err != nil {
		metrics.RecordForward(false)
		return domain.Fail("failed to parse response from endpoint: "+err.Error(), "")
	}
	metrics.RecordForward(true)
	return out
}

// decodeRemoteResponse accepts both the bare response object and the
// {"output": <response>} wrapping used by async endpoints.
func decodeRemoteResponse(body []byte) (*domain.Response, error) {
	var wrapped struct {
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Output) > 0 {
		body = wrapped.Output
	}
	var out domain.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
