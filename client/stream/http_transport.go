// Package stream provides the client side of the Streamable HTTP transport.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/academia-mcp/academia/pkg/spec"
	"github.com/academia-mcp/academia/util"
)

// HeaderSessionID is the session header shared with the server.
const HeaderSessionID = "mcp-session-id"

// ErrNoSession is returned by OpenStream before a session was established.
var ErrNoSession = errors.New("no session established")

// StatusError is returned when the server answers with an unexpected HTTP
// status. Message holds the JSON-RPC error body when there was one.
type StatusError struct {
	StatusCode int
	Message    *spec.JSONRPCMessage
	Body       string
}

func (e *StatusError) Error() string {
	if e.Message != nil && e.Message.Error != nil {
		return fmt.Sprintf("server returned %d: %d %s", e.StatusCode, e.Message.Error.Code, e.Message.Error.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// HTTPClientTransport talks to one MCP endpoint. It remembers the session id
// the server hands out on initialize and sends it on every later request.
type HTTPClientTransport struct {
	endpoint    string
	httpClient  *http.Client
	bearerToken string
	accept      string
	logger      util.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	sessionID string
}

// HTTPClientOption allows for customizing the HTTP client transport
type HTTPClientOption func(*HTTPClientTransport)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithRequestTimeout sets the timeout of non-streaming requests
func WithRequestTimeout(timeout time.Duration) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		t.httpClient.Timeout = timeout
	}
}

// WithBearerToken sends token in the Authorization header
func WithBearerToken(token string) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		t.bearerToken = token
	}
}

// WithSessionID starts the transport with a known session id
func WithSessionID(id string) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		t.sessionID = id
	}
}

// WithAccept overrides the Accept header sent with POSTs
func WithAccept(accept string) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		if accept != "" {
			t.accept = accept
		}
	}
}

// WithClientLogger sets the transport logger
func WithClientLogger(logger util.Logger) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		if logger != nil {
			t.logger = logger.WithComponent("HTTPClientTransport")
		}
	}
}

// NewHTTPClientTransport creates a transport for the MCP endpoint at endpointURL.
func NewHTTPClientTransport(endpointURL string, options ...HTTPClientOption) *HTTPClientTransport {
	t := &HTTPClientTransport{
		endpoint:   endpointURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		accept:     "application/json, text/event-stream",
		logger:     util.DefaultRootLogger().WithComponent("HTTPClientTransport"),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// SessionID returns the current session id, empty before initialize.
func (t *HTTPClientTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// HealthURL derives the health check URL from the endpoint.
func (t *HTTPClientTransport) HealthURL() (string, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", t.endpoint, err)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

// Health checks the server's health endpoint.
func (t *HTTPClientTransport) Health(ctx context.Context) error {
	healthURL, err := t.HealthURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// Call sends a request and returns the server's response. A JSON-RPC error
// inside a 200 response is returned as a message, not as an error.
func (t *HTTPClientTransport) Call(ctx context.Context, method string, params interface{}) (*spec.JSONRPCMessage, error) {
	id := json.RawMessage(fmt.Sprintf("%d", t.nextID.Add(1)))
	msg := &spec.JSONRPCMessage{JSONRPC: spec.JSONRPCVersion, ID: &id, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = b
	}
	return t.SendMessage(ctx, msg)
}

// Notify sends a notification and expects 202 Accepted.
func (t *HTTPClientTransport) Notify(ctx context.Context, method string, params interface{}) error {
	msg, err := spec.NewNotification(method, params)
	if err != nil {
		return err
	}
	_, err = t.SendMessage(ctx, msg)
	return err
}

// SendMessage posts message and decodes the JSON or SSE response.
func (t *HTTPClientTransport) SendMessage(ctx context.Context, message *spec.JSONRPCMessage) (*spec.JSONRPCMessage, error) {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", t.accept)
	t.decorate(req)

	t.logger.Debug("sending message", "method", message.Method)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(HeaderSessionID); id != "" {
		t.mu.Lock()
		if t.sessionID == "" {
			t.sessionID = id
			t.logger.Info("session established", "sessionId", id)
		}
		t.mu.Unlock()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}

	response, decodeErr := decodeResponse(resp.Header.Get("Content-Type"), body)
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: response, Body: string(body)}
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return response, nil
}

func (t *HTTPClientTransport) decorate(req *http.Request) {
	if t.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearerToken)
	}
	if id := t.SessionID(); id != "" {
		req.Header.Set(HeaderSessionID, id)
	}
}

// decodeResponse reads a JSON-RPC message from a JSON body or from the first
// data line of an SSE body.
func decodeResponse(contentType string, body []byte) (*spec.JSONRPCMessage, error) {
	payload := body
	if strings.Contains(contentType, "text/event-stream") {
		payload = nil
		for _, line := range strings.Split(string(body), "\n") {
			if strings.HasPrefix(line, "data: ") {
				payload = []byte(strings.TrimPrefix(line, "data: "))
				break
			}
		}
		if payload == nil {
			return nil, errors.New("event stream response carried no data")
		}
	}

	var response spec.JSONRPCMessage
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

// Event is one item read from a server stream. Comment events carry the
// keepalive text and no data.
type Event struct {
	Type    string
	Data    string
	Comment string
}

// EventStream reads events from an open GET stream.
type EventStream struct {
	resp   *http.Response
	reader *bufio.Reader
}

// OpenStream attaches to the session's notification stream. Cancel ctx or
// call Close to detach.
func (t *HTTPClientTransport) OpenStream(ctx context.Context) (*EventStream, error) {
	if t.SessionID() == "" {
		return nil, ErrNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.decorate(req)

	// streams outlive the request timeout
	client := *t.httpClient
	client.Timeout = 0

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SSE request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return &EventStream{resp: resp, reader: bufio.NewReader(resp.Body)}, nil
}

// Header returns the stream's response headers.
func (s *EventStream) Header() http.Header {
	return s.resp.Header
}

// Next blocks until the next event or comment arrives.
func (s *EventStream) Next() (Event, error) {
	var (
		event Event
		data  strings.Builder
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if event.Type != "" || data.Len() > 0 {
				event.Data = data.String()
				return event, nil
			}
		case strings.HasPrefix(line, ":"):
			if event.Type == "" && data.Len() == 0 {
				return Event{Comment: strings.TrimSpace(strings.TrimPrefix(line, ":"))}, nil
			}
		case strings.HasPrefix(line, "event:"):
			event.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Close detaches from the stream.
func (s *EventStream) Close() error {
	return s.resp.Body.Close()
}
