// Package swarm is the HTTP client for the swarm backend: it opens event
// streams and drives the run control endpoints.
package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/swarmwatch/internal/logger"
)

// DefaultBaseURL is used when New receives an empty base URL.
const DefaultBaseURL = "http://localhost:8000"

// StopMode selects how a running execution is cancelled.
type StopMode int

const (
	// StopGraceful lets agents finish their current step.
	StopGraceful StopMode = iota
	// StopEmergency terminates the execution immediately.
	StopEmergency
)

func (m StopMode) String() string {
	if m == StopEmergency {
		return "emergency"
	}
	return "graceful"
}

// RunRequest starts or continues an execution.
type RunRequest struct {
	Task      string `json:"task"`
	SessionID string `json:"session_id,omitempty"`
	// Agents restricts the swarm to the named agents when non-empty.
	Agents []string `json:"agents,omitempty"`
	// MaxHandoffs caps agent-to-agent transfers; zero means server default.
	MaxHandoffs int `json:"max_handoffs,omitempty"`
	// Continue reuses SessionID instead of creating a new session.
	Continue bool `json:"-"`
}

// ErrNoSession is returned by session-scoped calls made without an id.
var ErrNoSession = errors.New("session id is required")

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

type (
	// Option configures the Client.
	Option func(*Client)

	// Client talks to one swarm backend.
	Client struct {
		base    string
		http    *http.Client
		stream  *http.Client
		headers http.Header
	}
)

// WithHTTPClient overrides the client used for control requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithStreamClient overrides the client used for event streams. It should
// not set a Timeout, since streams stay open for the whole run.
func WithStreamClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.stream = c
	}
}

// WithRequestTimeout bounds every control request.
func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d}
		}
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithBearerToken sends an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// New constructs a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	cl := &Client{
		base:    u.String(),
		http:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: 30 * time.Second}
	}
	if cl.stream == nil {
		cl.stream = &http.Client{}
	}
	return cl, nil
}

// Stream opens the SSE body of a new or continued run. The caller owns the
// returned body and must close it; cancelling ctx aborts the read.
func (c *Client) Stream(ctx context.Context, req RunRequest) (io.ReadCloser, error) {
	path := "/api/v1/streaming/execute"
	if req.Continue {
		if req.SessionID == "" {
			return nil, ErrNoSession
		}
		path = sessionPath("/api/v1/streaming/sessions", req.SessionID, "continue")
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	logger.Debug("Opening event stream: %s", path)
	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if err := checkStatus(resp, http.MethodPost, path); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// Cancel asks the server to stop the session's execution.
func (c *Client) Cancel(ctx context.Context, sessionID string, mode StopMode) error {
	if sessionID == "" {
		return ErrNoSession
	}
	action := "stop"
	if mode == StopEmergency {
		action = "emergency-stop"
	}
	return c.do(ctx, http.MethodPost, sessionPath("/api/v1/streaming/sessions", sessionID, action), nil, nil)
}

// StopAgent stops a single agent within the session.
func (c *Client) StopAgent(ctx context.Context, sessionID, agent string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	if agent == "" {
		return errors.New("agent name is required")
	}
	path := sessionPath("/api/v1/streaming/sessions", sessionID, "agents", agent, "stop")
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// SetAgentTimeout changes the server-enforced timeout of one agent.
func (c *Client) SetAgentTimeout(ctx context.Context, sessionID, agent string, timeout time.Duration) error {
	if sessionID == "" {
		return ErrNoSession
	}
	if agent == "" {
		return errors.New("agent name is required")
	}
	if timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	body := map[string]any{"timeout_seconds": int(timeout.Round(time.Second) / time.Second)}
	path := sessionPath("/api/v1/streaming/sessions", sessionID, "agents", agent, "timeout")
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// SharedOutputs fetches the server's authoritative per-agent outputs.
// Entries may be a plain string or an object with an output field.
func (c *Client) SharedOutputs(ctx context.Context, sessionID string) (map[string]string, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	var payload struct {
		AgentOutputs map[string]json.RawMessage `json:"agent_outputs"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath("/api/v1/sessions", sessionID, "shared-output"), nil, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(payload.AgentOutputs))
	for agent, raw := range payload.AgentOutputs {
		out[agent] = outputText(raw)
	}
	return out, nil
}

func outputText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Output  *string `json:"output"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Output != nil {
			return *obj.Output
		}
		if obj.Content != nil {
			return *obj.Content
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, method, path); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func checkStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Method: method,
		Path:   path,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(data)),
	}
}

// sessionPath joins prefix, the escaped session id and the escaped
// remaining segments.
func sessionPath(prefix, sessionID string, segments ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("/")
	b.WriteString(url.PathEscape(sessionID))
	for _, s := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}
