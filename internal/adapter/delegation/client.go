// Package delegation forwards routed tasks to agents over HTTP.
package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
)

// maxResponseBody caps an agent's acceptance response (4 MiB).
const maxResponseBody = 4 << 20

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32 = 3
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

// Client POSTs delegation requests to {target}/a2a/tasks/send. Each agent id
// gets its own circuit breaker so one failing agent never trips another.
type Client struct {
	http    *http.Client
	breaker config.CircuitBreakerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[json.RawMessage]
}

// NewClient creates a delegation client. A disabled breaker config sends
// every request straight through.
func NewClient(httpClient *http.Client, cb config.CircuitBreakerConfig, logger *slog.Logger) *Client {
	if cb.MaxFailures == 0 {
		cb.MaxFailures = defaultCBMaxFailures
	}
	if cb.Timeout == 0 {
		cb.Timeout = defaultCBTimeout
	}
	if cb.Interval == 0 {
		cb.Interval = defaultCBInterval
	}
	return &Client{
		http:     httpClient,
		breaker:  cb,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[json.RawMessage]),
	}
}

// Delegate implements domain.Delegator. It succeeds only on a 2xx JSON body
// carrying a non-empty "id" or "taskId".
func (c *Client) Delegate(ctx context.Context, targetURL string, req domain.DelegationRequest) (json.RawMessage, error) {
	if !c.breaker.Enabled {
		return c.send(ctx, targetURL, req)
	}
	resp, err := c.breakerFor(req.AgentID).Execute(func() (json.RawMessage, error) {
		return c.send(ctx, targetURL, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("agent %q circuit open: %w", req.AgentID, err)
	}
	return resp, err
}

// State reports the breaker state for agentID; unknown agents are closed.
func (c *Client) State(agentID string) gobreaker.State {
	c.mu.Lock()
	cb, ok := c.breakers[agentID]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (c *Client) breakerFor(agentID string) *gobreaker.CircuitBreaker[json.RawMessage] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[agentID]; ok {
		return cb
	}
	maxFailures := c.breaker.MaxFailures
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "agent:" + agentID,
		MaxRequests: 1,
		Interval:    c.breaker.Interval,
		Timeout:     c.breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	c.breakers[agentID] = cb
	return cb
}

func (c *Client) send(ctx context.Context, targetURL string, req domain.DelegationRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal delegation request: %w", err)
	}

	endpoint := strings.TrimRight(targetURL, "/") + "/a2a/tasks/send"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build delegation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrDelegationFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrDelegationFailed, resp.StatusCode, snippet(data))
	}

	var accepted struct {
		ID     string `json:"id"`
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &accepted); err != nil {
		return nil, fmt.Errorf("%w: response is not JSON: %v", domain.ErrDelegationFailed, err)
	}
	if accepted.ID == "" && accepted.TaskID == "" {
		return nil, fmt.Errorf("%w: response has no task id", domain.ErrDelegationFailed)
	}
	return json.RawMessage(data), nil
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

var _ domain.Delegator = (*Client)(nil)
