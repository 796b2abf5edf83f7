// Package client runs a Streamable HTTP conformance check against a live
// MCP endpoint.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/academia-mcp/academia/client/stream"
	"github.com/academia-mcp/academia/pkg/spec"
	"github.com/academia-mcp/academia/util"
)

// StepResult is the outcome of one check.
type StepResult struct {
	Name   string
	Passed bool
	Detail string
}

// Report collects the results of a run in order.
type Report struct {
	Results []StepResult
}

// Passed reports whether every step passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return len(r.Results) > 0
}

// PassedCount returns how many steps passed.
func (r *Report) PassedCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Passed {
			n++
		}
	}
	return n
}

// Write prints the report summary to w.
func (r *Report) Write(w io.Writer) {
	for i, res := range r.Results {
		mark := "PASS"
		if !res.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%s %d. %s", mark, i+1, res.Name)
		if res.Detail != "" {
			fmt.Fprintf(w, ": %s", res.Detail)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d/%d checks passed\n", r.PassedCount(), len(r.Results))
}

// Checker drives the conformance steps.
type Checker struct {
	endpoint      string
	options       []stream.HTTPClientOption
	streamTimeout time.Duration
	logger        util.Logger
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithTransportOptions passes options to every transport the checker creates.
func WithTransportOptions(opts ...stream.HTTPClientOption) CheckerOption {
	return func(c *Checker) {
		c.options = append(c.options, opts...)
	}
}

// WithStreamTimeout sets how long the stream check holds the GET open.
func WithStreamTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.streamTimeout = d
		}
	}
}

// WithCheckerLogger sets the logger.
func WithCheckerLogger(logger util.Logger) CheckerOption {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger.WithComponent("conformance")
		}
	}
}

// NewChecker creates a checker for the MCP endpoint at endpointURL.
func NewChecker(endpointURL string, opts ...CheckerOption) *Checker {
	c := &Checker{
		endpoint:      endpointURL,
		streamTimeout: 3 * time.Second,
		logger:        util.DefaultRootLogger().WithComponent("conformance"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type step struct {
	name string
	run  func(ctx context.Context, t *stream.HTTPClientTransport) (string, error)
}

// Run executes every step in order against one session. A failing step does
// not stop the run.
func (c *Checker) Run(ctx context.Context) *Report {
	transport := stream.NewHTTPClientTransport(c.endpoint, append(c.options, stream.WithClientLogger(c.logger))...)

	steps := []step{
		{"Health Check", c.checkHealth},
		{"Initialize", c.checkInitialize},
		{"List Tools", c.checkListTools},
		{"Call Tool (sem args)", c.checkCallTool("listar_grupos_musculares", map[string]interface{}{})},
		{"Call Tool (com args)", c.checkCallTool("buscar_exercicio_por_nome", map[string]interface{}{"nome": "supino"})},
		{"List Resources", c.checkListResources},
		{"SSE Stream", c.checkStream},
		{"Session Reuse", c.checkSessionReuse},
		{"Invalid Session", c.checkInvalidSession},
	}

	report := &Report{}
	for _, s := range steps {
		detail, err := s.run(ctx, transport)
		res := StepResult{Name: s.name, Passed: err == nil, Detail: detail}
		if err != nil {
			res.Detail = err.Error()
			c.logger.Warn("check failed", "step", s.name, "error", err)
		} else {
			c.logger.Info("check passed", "step", s.name, "detail", detail)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (c *Checker) checkHealth(ctx context.Context, t *stream.HTTPClientTransport) (string, error) {
	if err := t.Health(ctx); err != nil {
		return "", err
	}
	return "OK", nil
}

func (c *Checker) checkInitialize(ctx context.Context, t *stream.HTTPClientTransport) (string, error) {
	var result spec.InitializeResult
	if err := call(ctx, t, spec.MethodInitialize, spec.InitializeRequest{
		ProtocolVersion: spec.LatestProtocolVersion,
		Capabilities:    spec.ClientCapabilities{},
		ClientInfo:      spec.Implementation{Name: "academia-mcp-check", Version: "1.0.0"},
	}, &result); err != nil {
		return "", err
	}
	if t.SessionID() == "" {
		return "", errors.New("server did not return a session id")
	}
	if err := t.Notify(ctx, spec.MethodNotificationInitialized, nil); err != nil {
		return "", fmt.Errorf("initialized notification: %w", err)
	}
	return fmt.Sprintf("server %s, session %s", result.ServerInfo.Name, t.SessionID()), nil
}

func (c *Checker) checkListTools(ctx context.Context, t *stream.HTTPClientTransport) (string, error) {
	var result spec.ListToolsResult
	if err := call(ctx, t, spec.MethodToolsList, nil, &result); err != nil {
		return "", err
	}
	if len(result.Tools) == 0 {
		return "", errors.New("no tools listed")
	}
	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	return fmt.Sprintf("%d tools: %s", len(names), strings.Join(names, ", ")), nil
}

func (c *Checker) checkCallTool(name string, args map[string]interface{}) func(context.Context, *stream.HTTPClientTransport) (string, error) {
	return func(ctx context.Context, t *stream.HTTPClientTransport) (string, error) {
		var result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		}
		if err := call(ctx, t, spec.MethodToolsCall, map[string]interface{}{"name": name, "arguments": args}, &result); err != nil {
			return "", err
		}
		if len(result.Content) == 0 || result.Content[0].Type != "text" {
			return "", errors.New("tool returned no text content")
		}
		if result.IsError {
			return "", fmt.Errorf("tool reported an error: %s", result.Content[0].Text)
		}
		return firstLine(result.Content[0].Text), nil
	}
}

func (c *Checker) checkListResources(ctx context.Context, t *stream.HTTPClientTransport) (string, error) {
	var result spec.ListResourcesResult
	if err := call(ctx, t, spec.MethodResourcesList, nil, &result); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d resources", len(result.Resources)), nil
}

// checkStream opens the GET stream and holds it until the timeout. Reaching
// the timeout with the stream still open is a pass.
func (c *Checker) checkStream(ctx context.Context, t *stream.HTTPClientTransport) (string, error) {
	streamCtx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	es, err := t.OpenStream(streamCtx)
	if err != nil {
		return "", err
	}
	defer es.Close()

	if ct := es.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return "", fmt.Errorf("unexpected content type %q", ct)
	}

	events := 0
	for {
		if _, err := es.Next(); err != nil {
			if streamCtx.Err() != nil {
				return fmt.Sprintf("stream held open, %d events", events), nil
			}
			// the server ending the stream is acceptable once it was established
			return fmt.Sprintf("stream closed by server after %d events", events), nil
		}
		events++
	}
}

func (c *Checker) checkSessionReuse(ctx context.Context, t *stream.HTTPClientTransport) (string, error) {
	before := t.SessionID()
	var result spec.ListToolsResult
	if err := call(ctx, t, spec.MethodToolsList, nil, &result); err != nil {
		return "", err
	}
	if t.SessionID() != before {
		return "", fmt.Errorf("session changed from %s to %s", before, t.SessionID())
	}
	return "session " + before, nil
}

func (c *Checker) checkInvalidSession(ctx context.Context, _ *stream.HTTPClientTransport) (string, error) {
	fake := stream.NewHTTPClientTransport(c.endpoint,
		append(c.options, stream.WithSessionID(uuid.NewString()), stream.WithClientLogger(c.logger))...)

	msg, err := fake.Call(ctx, spec.MethodToolsList, nil)
	var statusErr *stream.StatusError
	if errors.As(err, &statusErr) {
		msg = statusErr.Message
	} else if err != nil {
		return "", err
	}
	if msg == nil || msg.Error == nil {
		return "", errors.New("server accepted an unknown session")
	}
	if msg.Error.Code != spec.ErrCodeInvalidSession {
		return "", fmt.Errorf("expected error %d, got %d", spec.ErrCodeInvalidSession, msg.Error.Code)
	}
	return msg.Error.Message, nil
}

func call(ctx context.Context, t *stream.HTTPClientTransport, method string, params, result interface{}) error {
	msg, err := t.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%s: empty response", method)
	}
	if msg.Error != nil {
		return fmt.Errorf("%s: error %d: %s", method, msg.Error.Code, msg.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("%s: failed to decode result: %w", method, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
