package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradejobs/internal/apperrors"
)

// HTTPGateway talks to the compute service over its HTTP API:
//
//	POST {base}/v1/runs                  {"config": ...}        -> {"handle": "..."}
//	GET  {base}/v1/runs/{handle}                                -> StatusReport
//	POST {base}/v1/runs/{handle}/cancel                         -> {}
type HTTPGateway struct {
	base   string
	apiKey string
	client *http.Client
}

// NewHTTPGateway creates a gateway for the compute service at baseURL.
// timeout bounds every call; it should be seconds, not minutes.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type submitRequest struct {
	Config json.RawMessage `json:"config"`
}

type submitResponse struct {
	Handle string `json:"handle"`
}

// Submit sends the config payload and returns the remote handle.
func (g *HTTPGateway) Submit(ctx context.Context, config []byte) (string, error) {
	const op = "compute.submit"

	body, err := json.Marshal(submitRequest{Config: config})
	if err != nil {
		return "", apperrors.RemoteRejected(op, fmt.Sprintf("unencodable config: %v", err))
	}

	resp, err := g.do(ctx, http.MethodPost, g.base+"/v1/runs", body)
	if err != nil {
		return "", apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	if err := classify(op, resp); err != nil {
		return "", err
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	if out.Handle == "" {
		return "", apperrors.RemoteRejected(op, "compute service returned an empty handle")
	}
	return out.Handle, nil
}

// Poll fetches the current status report for a handle.
func (g *HTTPGateway) Poll(ctx context.Context, handle string) (*StatusReport, error) {
	const op = "compute.poll"

	resp, err := g.do(ctx, http.MethodGet, g.base+"/v1/runs/"+handle, nil)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	if err := classify(op, resp); err != nil {
		return nil, err
	}

	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, apperrors.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return &report, nil
}

// Cancel asks the remote side to stop the job identified by handle.
func (g *HTTPGateway) Cancel(ctx context.Context, handle string) error {
	const op = "compute.cancel"

	resp, err := g.do(ctx, http.MethodPost, g.base+"/v1/runs/"+handle+"/cancel", nil)
	if err != nil {
		return apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	return classify(op, resp)
}

// Ready checks the compute service is reachable. Any HTTP response counts;
// only a transport failure marks the service unreachable.
func (g *HTTPGateway) Ready(ctx context.Context) error {
	resp, err := g.do(ctx, http.MethodGet, g.base+"/v1/runs/_ready", nil)
	if err != nil {
		return apperrors.Transient("compute.ready", err)
	}
	resp.Body.Close()
	return nil
}

func (g *HTTPGateway) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	return g.client.Do(req)
}

// classify maps a non-2xx response to the error taxonomy. The body is read
// (bounded) so the remote's own message ends up in the error.
func classify(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := remoteMessage(resp)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		if resp.StatusCode == http.StatusNotFound {
			return apperrors.NotFound("remote job", msg)
		}
		return apperrors.RemoteRejected(op, msg)
	}
	return apperrors.Transient(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg))
}

func remoteMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return resp.Status
	}

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}

// Verify HTTPGateway implements Gateway
var _ Gateway = (*HTTPGateway)(nil)
