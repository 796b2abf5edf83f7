package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		code   int
		id     string
		method string
	}{
		{name: "request with number id", body: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, id: "1", method: "tools/list"},
		{name: "request with string id", body: `{"jsonrpc":"2.0","id":"a","method":"ping","params":{}}`, id: `"a"`, method: "ping"},
		{name: "notification", body: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, method: "notifications/initialized"},
		{name: "null params", body: `{"jsonrpc":"2.0","id":2,"method":"ping","params":null}`, id: "2", method: "ping"},
		{name: "malformed", body: `{"jsonrpc":`, code: ErrCodeParseError},
		{name: "empty body", body: ``, code: ErrCodeParseError},
		{name: "array", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, code: ErrCodeInvalidRequest},
		{name: "scalar", body: `42`, code: ErrCodeInvalidRequest},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":7,"method":"ping"}`, code: ErrCodeInvalidRequest, id: "7"},
		{name: "missing version", body: `{"id":7,"method":"ping"}`, code: ErrCodeInvalidRequest, id: "7"},
		{name: "missing method", body: `{"jsonrpc":"2.0","id":3}`, code: ErrCodeInvalidRequest, id: "3"},
		{name: "empty method", body: `{"jsonrpc":"2.0","id":3,"method":""}`, code: ErrCodeInvalidRequest, id: "3"},
		{name: "method not string", body: `{"jsonrpc":"2.0","id":3,"method":5}`, code: ErrCodeInvalidRequest, id: "3"},
		{name: "object id", body: `{"jsonrpc":"2.0","id":{},"method":"ping"}`, code: ErrCodeInvalidRequest},
		{name: "array params", body: `{"jsonrpc":"2.0","id":4,"method":"ping","params":[1]}`, code: ErrCodeInvalidRequest, id: "4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			original := bytes.Clone(body)

			env, err := ParseEnvelope(body)
			assert.Equal(t, original, body, "body must not be modified")

			if tt.code != 0 {
				var envErr *EnvelopeError
				require.True(t, errors.As(err, &envErr))
				assert.Equal(t, tt.code, envErr.Code)

				resp := envErr.Response()
				require.NotNil(t, resp.ID)
				if tt.id == "" {
					assert.JSONEq(t, "null", string(*resp.ID))
				} else {
					assert.JSONEq(t, tt.id, string(*resp.ID))
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.method, env.Method)
			if tt.id == "" {
				assert.True(t, env.IsNotification())
			} else {
				assert.JSONEq(t, tt.id, string(env.ID))
				assert.False(t, env.IsNotification())
			}
		})
	}
}

func TestEnvelopeIsInitialize(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	require.NoError(t, err)
	assert.True(t, env.IsInitialize())

	env, err = ParseEnvelope([]byte(`{"jsonrpc":"2.0","id":null,"method":"initialize"}`))
	require.NoError(t, err)
	assert.False(t, env.IsInitialize(), "an initialize notification cannot open a session")
}

func TestDecodeParams(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x","arguments":{"a":1}}}`))
	require.NoError(t, err)

	var req CallToolRequest
	require.NoError(t, env.DecodeParams(&req))
	assert.Equal(t, "x", req.Name)
	assert.JSONEq(t, `{"a":1}`, string(req.Arguments))

	env, err = ParseEnvelope([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":5}}`))
	require.NoError(t, err)
	err = env.DecodeParams(&req)
	var mcpErr *McpError
	require.True(t, errors.As(err, &mcpErr))
	assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
}

func TestResponsesCarryExactlyOneOfResultAndError(t *testing.T) {
	ok, err := NewResultResponse(json.RawMessage("5"), nil)
	require.NoError(t, err)
	b, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"result":{}}`, string(b))

	fail := NewErrorResponse(nil, ErrCodeInvalidSession, "Invalid session")
	b, err = json.Marshal(fail)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"Invalid session"}}`, string(b))
}

func TestTextContentMarshalsType(t *testing.T) {
	res := NewCallToolResultBuilder().AddText("oi").IsError(true).Build()
	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"oi"}],"isError":true}`, string(b))
}

func TestLogLevelEnables(t *testing.T) {
	assert.True(t, LogLevelWarning.Enables(LogLevelError))
	assert.False(t, LogLevelWarning.Enables(LogLevelInfo))
	assert.False(t, LogLevel("loud").Enables(LogLevelError))
	assert.True(t, LogLevelDebug.Valid())
}
