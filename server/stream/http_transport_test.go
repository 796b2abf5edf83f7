package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academia-mcp/academia/pkg/server"
	"github.com/academia-mcp/academia/pkg/spec"
	rootutil "github.com/academia-mcp/academia/util"
)

type stubTools struct{}

func (stubTools) ListTools(ctx context.Context) ([]spec.Tool, error) {
	return []spec.Tool{{Name: "eco", InputSchema: json.RawMessage(`{"type":"object"}`)}}, nil
}

func (stubTools) CallTool(ctx context.Context, name string, args json.RawMessage) (*spec.CallToolResult, error) {
	if name != "eco" {
		return nil, errors.New("deu ruim")
	}
	res := spec.NewCallToolResultBuilder().AddText("eco").Build()
	return &res, nil
}

type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

func newTestTransport(t *testing.T, opts ...HTTPServerOption) (*HTTPServerTransport, *countingCloser) {
	t.Helper()
	closer := &countingCloser{}
	d := server.NewDispatcherBuilder(stubTools{}).
		WithCloser(closer).
		WithLogger(rootutil.NopLogger()).
		Build()
	tr := NewHTTPServerTransport("127.0.0.1:0", d,
		append([]HTTPServerOption{WithServerLogger(rootutil.NopLogger())}, opts...)...)
	return tr, closer
}

func postTo(h http.Handler, sessionID, accept, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMessage(t *testing.T, body []byte) spec.JSONRPCMessage {
	t.Helper()
	var msg spec.JSONRPCMessage
	require.NoError(t, json.Unmarshal(body, &msg), string(body))
	return msg
}

func initializeSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := postTo(h, "", "application/json", initializeBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := rec.Header().Get(HeaderSessionID)
	require.NotEmpty(t, id)
	return id
}

func TestHealthAndFallbacks(t *testing.T) {
	tr, _ := newTestTransport(t)
	h := tr.Handler()

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nada", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not Found","path":"/nada"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestInitializeCreatesSession(t *testing.T) {
	tr, _ := newTestTransport(t)
	h := tr.Handler()

	rec := postTo(h, "", "application/json, text/event-stream", initializeBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	id := rec.Header().Get(HeaderSessionID)
	assert.Len(t, id, 36)
	assert.Equal(t, []string{id}, tr.Registry().IDs())

	msg := decodeMessage(t, rec.Body.Bytes())
	assert.Nil(t, msg.Error)
	assert.JSONEq(t, "1", string(*msg.ID))

	var result spec.InitializeResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
}

func TestSessionReuse(t *testing.T) {
	tr, _ := newTestTransport(t)
	h := tr.Handler()
	id := initializeSession(t, h)

	for i := 0; i < 3; i++ {
		rec := postTo(h, id, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(HeaderSessionID), "the header is only issued on creation")
		assert.Nil(t, decodeMessage(t, rec.Body.Bytes()).Error)
	}
	assert.Equal(t, 1, tr.Registry().Len())
}

func TestPostErrors(t *testing.T) {
	tr, _ := newTestTransport(t)
	h := tr.Handler()
	id := initializeSession(t, h)

	tests := []struct {
		name    string
		session string
		body    string
		status  int
		code    int
		id      string
	}{
		{"parse error", "", `{"jsonrpc":"2.0",`, http.StatusBadRequest, spec.ErrCodeParseError, "null"},
		{"array body", "", `[1,2]`, http.StatusBadRequest, spec.ErrCodeInvalidRequest, "null"},
		{"wrong version", "", `{"jsonrpc":"1.0","id":3,"method":"ping"}`, http.StatusBadRequest, spec.ErrCodeInvalidRequest, "3"},
		{"missing session", "", `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, http.StatusBadRequest, spec.ErrCodeInvalidSession, "4"},
		{"unknown session", "nao-existe", `{"jsonrpc":"2.0","id":"x","method":"tools/list"}`, http.StatusNotFound, spec.ErrCodeInvalidSession, `"x"`},
		{"unknown session initialize", "nao-existe", initializeBody, http.StatusNotFound, spec.ErrCodeInvalidSession, "1"},
		{"unknown method", id, `{"jsonrpc":"2.0","id":5,"method":"prompts/list"}`, http.StatusOK, spec.ErrCodeMethodNotFound, "5"},
		{"invalid params", id, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":1}}`, http.StatusOK, spec.ErrCodeInvalidParams, "6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postTo(h, tt.session, "", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			msg := decodeMessage(t, rec.Body.Bytes())
			require.NotNil(t, msg.Error)
			assert.Nil(t, msg.Result)
			assert.Equal(t, tt.code, msg.Error.Code)

			// a null id decodes to a nil pointer, so check the raw member
			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
			require.Contains(t, raw, "id")
			assert.JSONEq(t, tt.id, string(raw["id"]))
		})
	}

	assert.Equal(t, 1, tr.Registry().Len(), "rejected requests must not create sessions")
}

func TestToolFailureIsSuccessfulResponse(t *testing.T) {
	tr, _ := newTestTransport(t)
	h := tr.Handler()
	id := initializeSession(t, h)

	rec := postTo(h, id, "", `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"quebra","arguments":{}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	msg := decodeMessage(t, rec.Body.Bytes())
	require.Nil(t, msg.Error)

	var result struct {
		Content []struct{ Text string } `json:"content"`
		IsError bool                    `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.True(t, result.IsError)
	assert.Equal(t, "Erro ao executar quebra: deu ruim", result.Content[0].Text)
}

func TestNotificationIsAccepted(t *testing.T) {
	tr, _ := newTestTransport(t)
	h := tr.Handler()
	id := initializeSession(t, h)

	rec := postTo(h, id, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	s, err := tr.Registry().Lookup(id)
	require.NoError(t, err)
	assert.True(t, s.IsInitialized())
}

func TestFailedInitializeLeavesNoSession(t *testing.T) {
	tr, _ := newTestTransport(t)

	rec := postTo(tr.Handler(), "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":5}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderSessionID))
	msg := decodeMessage(t, rec.Body.Bytes())
	require.NotNil(t, msg.Error)
	assert.Equal(t, spec.ErrCodeInvalidParams, msg.Error.Code)
	assert.Zero(t, tr.Registry().Len())
}

func TestEventStreamResponse(t *testing.T) {
	tr, _ := newTestTransport(t)
	h := tr.Handler()

	rec := postTo(h, "", "text/event-stream", initializeBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: message\ndata: "), body)
	require.True(t, strings.HasSuffix(body, "\n\n"))
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "event: message\ndata: "), "\n\n")
	assert.Nil(t, decodeMessage(t, []byte(payload)).Error)
}

func TestPrefersEventStream(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"*/*", false},
		{"application/json", false},
		{"text/event-stream", true},
		{"application/json, text/event-stream", false},
		{"text/event-stream, application/json", true},
		{"application/json;q=0.5, text/event-stream", true},
		{"text/event-stream;q=0.2, */*", false},
		{"text/event-stream;q=0", false},
		{"application/json;q=0.9, text/event-stream;q=0.9", false},
		{"garbage;;;", false},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			assert.Equal(t, tt.want, prefersEventStream(tt.accept))
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	tr, _ := newTestTransport(t, WithMaxBodyBytes(64))
	body := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", 128) + `"}}`

	rec := postTo(tr.Handler(), "", "", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	msg := decodeMessage(t, rec.Body.Bytes())
	require.NotNil(t, msg.Error)
	assert.Equal(t, spec.ErrCodeInvalidRequest, msg.Error.Code)
}

func TestAuthentication(t *testing.T) {
	tr, _ := newTestTransport(t, WithAPIToken("segredo"))
	h := tr.Handler()

	rec := postTo(h, "", "", initializeBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(initializeBody))
	req.Header.Set("Authorization", "Bearer segredo")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	tr, _ := newTestTransport(t, WithCORSOrigins([]string{"https://app.example"}))

	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGetRequiresKnownSession(t *testing.T) {
	tr, _ := newTestTransport(t)
	h := tr.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set(HeaderSessionID, "nao-existe")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// sseReader reads frames from a live stream.
type sseReader struct {
	t *testing.T
	r *bufio.Reader
}

// next returns the next comment or data line, skipping blanks and event names.
func (s *sseReader) next() string {
	s.t.Helper()
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(s.t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		return line
	}
}

func openStream(t *testing.T, ctx context.Context, baseURL, sessionID string) (*http.Response, *sseReader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(HeaderSessionID, sessionID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, sessionID, resp.Header.Get(HeaderSessionID))

	reader := &sseReader{t: t, r: bufio.NewReader(resp.Body)}
	require.Equal(t, ": connected", reader.next())
	return resp, reader
}

func TestStreamDeliversNotifications(t *testing.T) {
	tr, _ := newTestTransport(t)
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	id := initializeSession(t, tr.Handler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, stream := openStream(t, ctx, srv.URL, id)
	defer resp.Body.Close()

	rec := postTo(tr.Handler(), id, "", `{"jsonrpc":"2.0","id":1,"method":"logging/setLevel","params":{"level":"error"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = postTo(tr.Handler(), id, "", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"quebra"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	line := stream.next()
	require.True(t, strings.HasPrefix(line, "data: "), line)
	msg := decodeMessage(t, []byte(strings.TrimPrefix(line, "data: ")))
	assert.Equal(t, spec.MethodNotificationMessage, msg.Method)
	assert.Nil(t, msg.ID)
	assert.Contains(t, string(msg.Params), "deu ruim")
}

func TestStreamKeepAlive(t *testing.T) {
	tr, _ := newTestTransport(t, WithRegistryOptions(WithStreamKeepAlive(20*time.Millisecond)))
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	id := initializeSession(t, tr.Handler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, stream := openStream(t, ctx, srv.URL, id)
	defer resp.Body.Close()

	assert.Equal(t, ": ping", stream.next())
	assert.Equal(t, ": ping", stream.next())
}

func TestNewStreamSupersedesOld(t *testing.T) {
	tr, _ := newTestTransport(t)
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	id := initializeSession(t, tr.Handler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _ := openStream(t, ctx, srv.URL, id)
	defer first.Body.Close()
	second, _ := openStream(t, ctx, srv.URL, id)
	defer second.Body.Close()

	_, err := io.ReadAll(first.Body)
	assert.NoError(t, err, "the superseded stream ends cleanly")

	s, err := tr.Registry().Lookup(id)
	require.NoError(t, err)
	assert.True(t, s.Streaming())
}

func TestCarriedFramesGoFirst(t *testing.T) {
	tr, _ := newTestTransport(t)
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	id := initializeSession(t, tr.Handler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, stream := openStream(t, ctx, srv.URL, id)
	defer resp.Body.Close()

	s, err := tr.Registry().Lookup(id)
	require.NoError(t, err)

	// the stream is already parked in its select; the handed over frame must
	// wake it rather than wait for the next keepalive
	s.putCarry([]byte(`{"jsonrpc":"2.0","method":"antigo"}`))
	assert.Equal(t, `data: {"jsonrpc":"2.0","method":"antigo"}`, stream.next())

	s.putCarry([]byte(`{"jsonrpc":"2.0","method":"antes"}`))
	novo, err := spec.NewNotification("depois", nil)
	require.NoError(t, err)
	require.NoError(t, s.Notify(novo))

	assert.Equal(t, `data: {"jsonrpc":"2.0","method":"antes"}`, stream.next())
	assert.Equal(t, `data: {"jsonrpc":"2.0","method":"depois"}`, stream.next())
}

func TestStreamIdleTimeout(t *testing.T) {
	tr, _ := newTestTransport(t, WithRegistryOptions(WithStreamIdleTimeout(30*time.Millisecond)))
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	id := initializeSession(t, tr.Handler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, _ := openStream(t, ctx, srv.URL, id)
	defer resp.Body.Close()

	_, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)

	s, err := tr.Registry().Lookup(id)
	require.NoError(t, err, "an idle stream does not end the session")
	assert.Eventually(t, func() bool { return !s.Streaming() }, time.Second, 5*time.Millisecond)
}

func TestShutdownDrains(t *testing.T) {
	tr, closer := newTestTransport(t)
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	id := initializeSession(t, tr.Handler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, _ := openStream(t, ctx, srv.URL, id)
	defer resp.Body.Close()

	require.NoError(t, tr.Shutdown(ctx))
	assert.Equal(t, StateStopped, tr.Coordinator().State())

	_, err := io.ReadAll(resp.Body)
	assert.NoError(t, err, "open streams end on shutdown")
	assert.Zero(t, tr.Registry().Len())

	rec := postTo(tr.Handler(), id, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = postTo(tr.Handler(), "", "", initializeBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	getRec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, getRec.Code)

	require.NoError(t, tr.Shutdown(ctx))
	assert.Equal(t, int32(1), closer.n.Load())
}

func TestStartAndShutdown(t *testing.T) {
	tr, closer := newTestTransport(t)
	require.NoError(t, tr.Start())
	assert.Error(t, tr.Start())
	assert.NotEqual(t, "127.0.0.1:0", tr.Addr())

	resp, err := http.Get("http://" + tr.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	other, _ := newTestTransport(t)
	other.addr = tr.Addr()
	assert.Error(t, other.Start(), "binding a used port fails synchronously")

	require.NoError(t, tr.Close())
	_, open := <-tr.Errors()
	assert.False(t, open)
	assert.Equal(t, int32(1), closer.n.Load())
}

func TestConcurrentShutdownCallers(t *testing.T) {
	tr, closer := newTestTransport(t)

	errs := make(chan error, 8)
	for i := 0; i < cap(errs); i++ {
		go func() { errs <- tr.Shutdown(context.Background()) }()
	}
	for i := 0; i < cap(errs); i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), closer.n.Load())
	select {
	case <-tr.Coordinator().Done():
	default:
		t.Fatal("coordinator not done")
	}
}
