package spec

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion defines the JSON-RPC version used by MCP
const JSONRPCVersion = "2.0"

// LatestProtocolVersion defines the latest MCP protocol version
const LatestProtocolVersion = "2024-11-05"

// SupportedProtocolVersions lists the protocol revisions the server can speak,
// newest first.
var SupportedProtocolVersions = []string{"2025-03-26", LatestProtocolVersion}

// Error codes as defined by the JSON-RPC specification
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ErrCodeInvalidSession is returned when a request carries a missing or unknown
// session identifier, or when the server refuses new work while shutting down.
const ErrCodeInvalidSession = -32000

// MCP method names
const (
	// Lifecycle Methods
	MethodInitialize              = "initialize"
	MethodNotificationInitialized = "notifications/initialized"
	MethodPing                    = "ping"

	// Tool Methods
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"

	// Resources Methods
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"

	// Logging Methods
	MethodLoggingSetLevel     = "logging/setLevel"
	MethodNotificationMessage = "notifications/message"
)

// JSONRPCMessage represents a JSON-RPC message
type JSONRPCMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

// nullID is the id echoed when the request id could not be recovered.
var nullID = json.RawMessage("null")

func responseID(id json.RawMessage) *json.RawMessage {
	if len(id) == 0 {
		raw := nullID
		return &raw
	}
	raw := append(json.RawMessage(nil), id...)
	return &raw
}

// NewResultResponse builds a successful response. A nil result is encoded as
// an empty object so that exactly one of result and error is present.
func NewResultResponse(id json.RawMessage, result interface{}) (*JSONRPCMessage, error) {
	var raw json.RawMessage
	if result == nil {
		raw = json.RawMessage("{}")
	} else {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		raw = b
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      responseID(id),
		Result:  raw,
	}, nil
}

// NewErrorResponse builds an error response. An empty id is echoed as null.
func NewErrorResponse(id json.RawMessage, code int, message string) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      responseID(id),
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params interface{}) (*JSONRPCMessage, error) {
	msg := &JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notification params: %w", err)
		}
		msg.Params = b
	}
	return msg, nil
}

// JSONRPCError represents a JSON-RPC error
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error returns the error message for JSON-RPC errors
func (e *JSONRPCError) Error() string {
	if e == nil {
		return "<nil error>"
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// McpError implements the error interface for MCP-specific errors
type McpError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error returns the error message
func (e *McpError) Error() string {
	if e == nil {
		return "<nil error>"
	}
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// Implementation represents information about the implementation of a client or server
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities represents the capabilities of an MCP client
type ClientCapabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
	Roots        map[string]interface{} `json:"roots,omitempty"`
	Sampling     map[string]interface{} `json:"sampling,omitempty"`
}

// ServerCapabilities represents the capabilities of an MCP server
type ServerCapabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
	Logging      *LoggingCapabilities   `json:"logging,omitempty"`
	Resources    *ResourcesCapabilities `json:"resources,omitempty"`
	Tools        *ToolsCapabilities     `json:"tools,omitempty"`
}

// ServerCapabilitiesBuilder allows for fluent construction of ServerCapabilities
type ServerCapabilitiesBuilder struct {
	capabilities ServerCapabilities
}

// NewServerCapabilitiesBuilder creates a new ServerCapabilitiesBuilder
func NewServerCapabilitiesBuilder() *ServerCapabilitiesBuilder {
	return &ServerCapabilitiesBuilder{
		capabilities: ServerCapabilities{},
	}
}

// Logging adds basic logging capabilities
func (b *ServerCapabilitiesBuilder) Logging() *ServerCapabilitiesBuilder {
	b.capabilities.Logging = &LoggingCapabilities{}
	return b
}

// Resources sets the basic resources capabilities
func (b *ServerCapabilitiesBuilder) Resources(subscribe bool, listChanged bool) *ServerCapabilitiesBuilder {
	b.capabilities.Resources = &ResourcesCapabilities{
		Subscribe:   subscribe,
		ListChanged: listChanged,
	}
	return b
}

// Tools sets the basic tools capabilities
func (b *ServerCapabilitiesBuilder) Tools(listChanged bool) *ServerCapabilitiesBuilder {
	b.capabilities.Tools = &ToolsCapabilities{
		ListChanged: listChanged,
	}
	return b
}

// Build constructs the final ServerCapabilities object
func (b *ServerCapabilitiesBuilder) Build() ServerCapabilities {
	return b.capabilities
}

// LoggingCapabilities represents the capabilities related to logging
type LoggingCapabilities struct{}

// ResourcesCapabilities represents the capabilities related to resources
type ResourcesCapabilities struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapabilities represents the capabilities related to tools
type ToolsCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Tool represents a tool that can be executed by an MCP client
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// JsonSchema represents a JSON schema
type JsonSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single property of a JsonSchema
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ContentType defines the type of content
type ContentType string

const (
	// ContentTypeText represents text content
	ContentTypeText ContentType = "text"
)

// Content is an interface for different types of content
type Content interface {
	GetType() ContentType
}

// TextContent represents text content
type TextContent struct {
	Text string `json:"text"`
}

// GetType returns the type of content
func (t *TextContent) GetType() ContentType {
	return ContentTypeText
}

// NewTextContent creates a new TextContent
func NewTextContent(text string) *TextContent {
	return &TextContent{Text: text}
}

// MarshalJSON implements custom JSON marshaling for Content
func (t *TextContent) MarshalJSON() ([]byte, error) {
	type Alias TextContent
	return json.Marshal(&struct {
		Type string `json:"type"`
		*Alias
	}{
		Type:  string(ContentTypeText),
		Alias: (*Alias)(t),
	})
}

// Resource represents a resource that can be accessed by an MCP client
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult represents the result of listing resources
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceRequest represents a request to read a resource
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// ReadResourceResult represents the result of reading a resource
type ReadResourceResult struct {
	Contents []TextResourceContents `json:"contents"`
}

// TextResourceContents represents text resource contents
type TextResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// CallToolRequest represents a request to call a tool
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the result of calling a tool
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// CallToolResultBuilder provides a fluent builder for CallToolResult
type CallToolResultBuilder struct {
	result CallToolResult
}

// NewCallToolResultBuilder creates a new CallToolResultBuilder
func NewCallToolResultBuilder() *CallToolResultBuilder {
	return &CallToolResultBuilder{
		result: CallToolResult{
			Content: []Content{},
		},
	}
}

// AddText appends a text content block
func (b *CallToolResultBuilder) AddText(text string) *CallToolResultBuilder {
	b.result.Content = append(b.result.Content, NewTextContent(text))
	return b
}

// IsError sets the error flag
func (b *CallToolResultBuilder) IsError(isError bool) *CallToolResultBuilder {
	b.result.IsError = isError
	return b
}

// Build constructs the final CallToolResult object
func (b *CallToolResultBuilder) Build() CallToolResult {
	return b.result
}

// SetLevelRequest represents a request to set the logging level
type SetLevelRequest struct {
	Level LogLevel `json:"level"`
}

// LogLevel defines the level of a log message
type LogLevel string

// Log level constants
const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

var logLevelSeverity = map[LogLevel]int{
	LogLevelDebug:     0,
	LogLevelInfo:      1,
	LogLevelNotice:    2,
	LogLevelWarning:   3,
	LogLevelError:     4,
	LogLevelCritical:  5,
	LogLevelAlert:     6,
	LogLevelEmergency: 7,
}

// Valid reports whether l is one of the syslog levels MCP defines.
func (l LogLevel) Valid() bool {
	_, ok := logLevelSeverity[l]
	return ok
}

// Enables reports whether a message at level msg passes a threshold of l.
func (l LogLevel) Enables(msg LogLevel) bool {
	threshold, ok := logLevelSeverity[l]
	if !ok {
		return false
	}
	return logLevelSeverity[msg] >= threshold
}

// LoggingMessage represents a logging message notification
type LoggingMessage struct {
	Level  LogLevel    `json:"level"`
	Logger string      `json:"logger,omitempty"`
	Data   interface{} `json:"data"`
}

// InitializeRequest represents a request to initialize the protocol
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult represents the result of initializing the protocol
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ListToolsResult represents the result of listing tools
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}
