// Package server provides the MCP method dispatcher used by the HTTP transport.
package server

import (
	"context"
	"time"

	"github.com/academia-mcp/academia/pkg/spec"
)

// McpServer is what a transport needs from the protocol layer.
type McpServer interface {
	// Handle dispatches one envelope for session. It returns nil for
	// notifications, which get no response.
	Handle(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) *spec.JSONRPCMessage

	// Close releases upstream resources. Calling it twice is not an error.
	Close() error

	// GetServerInfo returns information about the server.
	GetServerInfo() spec.Implementation
}

// ServerFeatures encapsulates the identity and capabilities announced to
// clients during initialize.
type ServerFeatures struct {
	// ServerInfo contains information about the server implementation.
	ServerInfo spec.Implementation

	// ServerCapabilities defines the capabilities of the server.
	ServerCapabilities spec.ServerCapabilities

	// ProtocolVersion is the version answered when the client asks for one
	// the server does not support.
	ProtocolVersion string

	// Instructions are optional instructions provided to clients during initialization.
	Instructions string

	// RequestTimeout bounds the work done for a single request.
	RequestTimeout time.Duration
}

// NewDefaultServerFeatures creates a new ServerFeatures instance with default settings.
func NewDefaultServerFeatures() *ServerFeatures {
	return &ServerFeatures{
		ServerInfo: spec.Implementation{
			Name:    "academia-mcp",
			Version: "1.0.0",
		},
		ServerCapabilities: spec.NewServerCapabilitiesBuilder().
			Tools(false).
			Resources(false, false).
			Logging().
			Build(),
		ProtocolVersion: spec.LatestProtocolVersion,
		Instructions:    "Consulte exercícios de academia por grupo muscular, nome ou ID.",
		RequestTimeout:  20 * time.Second,
	}
}

// negotiateVersion echoes the client's version when supported.
func negotiateVersion(requested, fallback string) string {
	for _, v := range spec.SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return fallback
}
