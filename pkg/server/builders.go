package server

import (
	"io"
	"time"

	"github.com/academia-mcp/academia/pkg/spec"
	"github.com/academia-mcp/academia/pkg/util"
	rootutil "github.com/academia-mcp/academia/util"
)

// Builder assembles a Dispatcher.
type Builder interface {
	// WithRequestTimeout sets the timeout for all requests.
	WithRequestTimeout(timeout time.Duration) Builder

	// WithServerInfo sets the server implementation information.
	WithServerInfo(serverInfo spec.Implementation) Builder

	// WithInstructions sets the instructions returned from initialize.
	WithInstructions(instructions string) Builder

	// WithResources sets the resource provider.
	WithResources(provider spec.ResourceProvider) Builder

	// WithCloser registers an upstream resource released by Dispatcher.Close.
	WithCloser(closer io.Closer) Builder

	// WithLogger sets the logger.
	WithLogger(logger rootutil.Logger) Builder

	// Build creates the Dispatcher.
	Build() *Dispatcher
}

type dispatcherBuilder struct {
	features  *ServerFeatures
	tools     spec.ToolProvider
	resources spec.ResourceProvider
	closers   []io.Closer
	logger    rootutil.Logger
}

// NewDispatcherBuilder starts a builder around the tool provider, which is
// the only mandatory collaborator.
func NewDispatcherBuilder(tools spec.ToolProvider) Builder {
	util.AssertNotNil(tools, "Tool provider must not be nil")

	return &dispatcherBuilder{
		features: NewDefaultServerFeatures(),
		tools:    tools,
	}
}

// WithRequestTimeout sets the timeout for all requests
func (b *dispatcherBuilder) WithRequestTimeout(timeout time.Duration) Builder {
	util.AssertPositive(timeout, "Request timeout")
	b.features.RequestTimeout = timeout
	return b
}

// WithServerInfo sets the server implementation information
func (b *dispatcherBuilder) WithServerInfo(serverInfo spec.Implementation) Builder {
	util.AssertNotEmpty(serverInfo.Name, "Server name must not be empty")
	b.features.ServerInfo = serverInfo
	return b
}

func (b *dispatcherBuilder) WithInstructions(instructions string) Builder {
	b.features.Instructions = instructions
	return b
}

// WithResources sets the resource provider
func (b *dispatcherBuilder) WithResources(provider spec.ResourceProvider) Builder {
	util.AssertNotNil(provider, "Resource provider must not be nil")
	b.resources = provider
	return b
}

func (b *dispatcherBuilder) WithCloser(closer io.Closer) Builder {
	util.AssertNotNil(closer, "Closer must not be nil")
	b.closers = append(b.closers, closer)
	return b
}

func (b *dispatcherBuilder) WithLogger(logger rootutil.Logger) Builder {
	util.AssertNotNil(logger, "Logger must not be nil")
	b.logger = logger
	return b
}

// Build creates a new Dispatcher with the configured settings
func (b *dispatcherBuilder) Build() *Dispatcher {
	logger := b.logger
	if logger == nil {
		logger = rootutil.DefaultRootLogger()
	}

	features := *b.features
	if b.resources == nil {
		features.ServerCapabilities.Resources = nil
	}

	return newDispatcher(&features, b.tools, b.resources, b.closers, logger.WithComponent("dispatcher"))
}
