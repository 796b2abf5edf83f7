package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academia-mcp/academia/pkg/academia"
	"github.com/academia-mcp/academia/pkg/spec"
	"github.com/academia-mcp/academia/server/stream"
	"github.com/academia-mcp/academia/util"
)

func newTestServer(t *testing.T, mutate func(*util.Config)) *Server {
	t.Helper()
	store, err := academia.Open(context.Background(), academia.Options{
		InMemory: true,
		ForTest:  true,
		Migrate:  true,
		Logger:   util.NopLogger(),
	})
	require.NoError(t, err)

	cfg := util.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.InMemory = true
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewBuilder(cfg).WithLogger(util.NopLogger()).WithStore(store).Build(context.Background())
	require.NoError(t, err)
	return srv
}

func post(t *testing.T, h http.Handler, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(stream.HeaderSessionID, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := util.DefaultConfig()
	cfg.Endpoint = "mcp"
	_, err := NewBuilder(cfg).WithLogger(util.NopLogger()).Build(context.Background())
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestCatalogOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	rec := post(t, h, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get(stream.HeaderSessionID)
	require.NotEmpty(t, id)

	rec = post(t, h, id, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Result spec.ListToolsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Result.Tools, 5)

	rec = post(t, h, id, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"buscar_exercicios_por_grupo","arguments":{"grupo_muscular":"Pernas"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var call struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &call))
	assert.False(t, call.Result.IsError)
	assert.True(t, strings.HasPrefix(call.Result.Content[0].Text, "Encontrados 3 exercícios para Pernas:"))

	rec = post(t, h, id, `{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{"uri":"academia://grupos-musculares"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "- Pernas")

	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := newTestServer(t, func(cfg *util.Config) {
		cfg.APIToken = "segredo"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "OK"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post("http://"+srv.Addr()+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, stream.StateStopped, srv.Transport().Coordinator().State())
}
