package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

// routingHeader selects a specific instance behind the ingress
// endpoint. Every agent call carries it so one ingress can front the
// whole fleet.
const routingHeader = "X-Instance-Id"

const defaultRequestTimeout = 30 * time.Second

// Client talks to the agent process running inside every instance.
// When ingressURL is set all requests go there and the routing header
// picks the instance; otherwise the per-instance endpoint is dialed
// directly (local provider).
type Client struct {
	httpClient *http.Client
	ingressURL string
	logger     *zap.Logger
}

// NewClient creates an agent client. ingressURL may be empty.
// Deadlines are per-call: Exec carries its caller's budget (a warmup
// or dependency install legitimately runs for minutes), so the client
// itself caps only connection setup, never the whole request.
func NewClient(ingressURL string, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 0,
			},
		},
		ingressURL: ingressURL,
		logger:     logger,
	}
}

func (c *Client) baseURL(endpoint string) string {
	if c.ingressURL != "" {
		return c.ingressURL
	}
	return endpoint
}

// Health probes the agent. A nil return means the instance is live and
// the agent is answering.
func (c *Client) Health(ctx context.Context, endpoint, instanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(endpoint)+"/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set(routingHeader, instanceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls Health at interval until success or the deadline
// elapses. No polling loop runs unbounded.
func (c *Client) WaitHealthy(ctx context.Context, endpoint, instanceID string, interval, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		if err := c.Health(ctx, endpoint, instanceID); err == nil {
			c.logger.Debug("agent healthy",
				zap.String("instance", instanceID),
				zap.Duration("waited", time.Since(start)))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("agent on %s did not become healthy within %s: %w", instanceID, deadline, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WriteFile pushes one file onto the instance filesystem.
func (c *Client) WriteFile(ctx context.Context, endpoint, instanceID, path, content string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"path": path, "content": content})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(endpoint)+"/file", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(routingHeader, instanceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("write %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// ReadFile fetches one file from the instance filesystem.
func (c *Client) ReadFile(ctx context.Context, endpoint, instanceID, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	u := c.baseURL(endpoint) + "/file?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(routingHeader, instanceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("read %s: status %d", path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type execRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// Exec runs a command on the instance and waits for its output, up to
// timeout.
func (c *Client) Exec(ctx context.Context, endpoint, instanceID, command, cwd string, timeout time.Duration) (*models.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(execRequest{Command: command, Cwd: cwd})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(endpoint)+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(routingHeader, instanceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exec on %s: %w", instanceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exec on %s: status %d", instanceID, resp.StatusCode)
	}

	var result models.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("exec on %s: decode response: %w", instanceID, err)
	}
	return &result, nil
}
