package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is a structurally validated inbound JSON-RPC message.
type Envelope struct {
	JSONRPC string
	// ID is the raw id as sent by the client; nil when the member was absent.
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// IsNotification reports whether the envelope expects no response.
func (e *Envelope) IsNotification() bool {
	return len(e.ID) == 0 || bytes.Equal(e.ID, nullID)
}

// IsInitialize reports whether the envelope is an initialize request, the
// only message allowed to open a new session.
func (e *Envelope) IsInitialize() bool {
	return e.Method == MethodInitialize && !e.IsNotification()
}

// DecodeParams unmarshals the params member into v. Absent or null params
// leave v untouched.
func (e *Envelope) DecodeParams(v interface{}) error {
	if len(e.Params) == 0 || bytes.Equal(e.Params, nullID) {
		return nil
	}
	if err := json.Unmarshal(e.Params, v); err != nil {
		return &McpError{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// EnvelopeError reports why a body could not be accepted as an envelope.
type EnvelopeError struct {
	Code    int
	Message string
	// ID is whatever request id could be recovered; empty means null.
	ID json.RawMessage
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("envelope error %d: %s", e.Code, e.Message)
}

// Response converts the error into the JSON-RPC error response sent back.
func (e *EnvelopeError) Response() *JSONRPCMessage {
	return NewErrorResponse(e.ID, e.Code, e.Message)
}

type rawEnvelope struct {
	JSONRPC json.RawMessage `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// ParseEnvelope decodes body and checks it against the JSON-RPC 2.0 request
// shape. The body slice is only read, so callers may forward it afterwards.
func ParseEnvelope(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, &EnvelopeError{Code: ErrCodeParseError, Message: "Parse error"}
	}
	if trimmed[0] != '{' {
		return nil, &EnvelopeError{Code: ErrCodeInvalidRequest, Message: "Invalid Request: expected a JSON object"}
	}

	var raw rawEnvelope
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &EnvelopeError{Code: ErrCodeInvalidRequest, Message: "Invalid Request"}
	}

	id, idOK := validID(raw.ID)
	invalid := func(msg string) error {
		e := &EnvelopeError{Code: ErrCodeInvalidRequest, Message: "Invalid Request: " + msg}
		if idOK {
			e.ID = id
		}
		return e
	}

	if !idOK {
		return nil, invalid("id must be a string, number or null")
	}

	var version string
	if err := json.Unmarshal(raw.JSONRPC, &version); err != nil || version != JSONRPCVersion {
		return nil, invalid(`jsonrpc must be "2.0"`)
	}

	var method string
	if len(raw.Method) == 0 {
		return nil, invalid("missing method")
	}
	if err := json.Unmarshal(raw.Method, &method); err != nil {
		return nil, invalid("method must be a string")
	}
	if method == "" {
		return nil, invalid("missing method")
	}

	params := bytes.TrimSpace(raw.Params)
	if len(params) > 0 && params[0] != '{' && !bytes.Equal(params, nullID) {
		return nil, invalid("params must be an object")
	}

	return &Envelope{
		JSONRPC: version,
		ID:      id,
		Method:  method,
		Params:  params,
	}, nil
}

func validID(raw json.RawMessage) (json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, true
	}
	switch raw[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return raw, true
	}
	return nil, false
}
