package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// agentForwardTimeout bounds the HTTP round-trip delivering a query to the
// agent service.
const agentForwardTimeout = 10 * time.Second

// AgentClient delivers new queries to the configured agent service. The
// agent later calls back into the bridge as an MCP consumer authenticated
// by the query id.
type AgentClient struct {
	url    string
	client *http.Client
}

// NewAgentClient creates a client for the given agent URL. An empty URL
// yields a nil client; the engine then fails queries immediately instead
// of forwarding them.
func NewAgentClient(url string) *AgentClient {
	if url == "" {
		return nil
	}
	return &AgentClient{
		url:    url,
		client: &http.Client{Timeout: agentForwardTimeout},
	}
}

// ForwardQuery PUTs the query spec to the agent URL. Any non-2xx response
// is an error.
func (a *AgentClient) ForwardQuery(ctx context.Context, spec Spec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode query %s: %w", spec.UUID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent rejected query %s: %s %s", spec.UUID, resp.Status, bytes.TrimSpace(detail))
	}
	return nil
}
