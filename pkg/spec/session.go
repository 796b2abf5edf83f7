// Package spec provides the core interfaces and types for the Model Context Protocol (MCP).
package spec

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned when work is offered to a closed session.
var ErrSessionClosed = errors.New("session closed")

// ClientInfo is what the server remembers about the client from initialize.
type ClientInfo interface {
	GetClientName() string
	GetClientVersion() string
	// GetClientID returns the session the client was announced on
	GetClientID() string
}

type clientInfo struct {
	impl      Implementation
	sessionID string
}

func (c clientInfo) GetClientName() string    { return c.impl.Name }
func (c clientInfo) GetClientVersion() string { return c.impl.Version }
func (c clientInfo) GetClientID() string      { return c.sessionID }

// NewDefaultClientInfo records impl as announced on session sessionID.
func NewDefaultClientInfo(impl Implementation, sessionID string) ClientInfo {
	return clientInfo{impl: impl, sessionID: sessionID}
}

// McpSession defines the common functionality for server and client sessions
type McpSession interface {
	// Close closes the session. Closing twice is not an error.
	Close() error
	// IsClosed returns true if the session is closed
	IsClosed() bool
}

// McpClientSession is the server-side view of one connected client.
type McpClientSession interface {
	McpSession

	// GetID returns the unique identifier for this client session
	GetID() string

	// GetClientInfo returns information about the client, nil before initialize
	GetClientInfo() ClientInfo

	// SetClientInfo records the client announced during initialize
	SetClientInfo(info ClientInfo)

	// IsInitialized reports whether the client finished the handshake
	IsInitialized() bool

	// MarkInitialized records that the handshake completed
	MarkInitialized()

	// LogLevel returns the level requested through logging/setLevel, empty if none
	LogLevel() LogLevel

	// SetLogLevel stores the client's requested log level
	SetLogLevel(level LogLevel)

	// SendNotification pushes a server-initiated notification to the client's stream
	SendNotification(ctx context.Context, method string, params interface{}) error
}
