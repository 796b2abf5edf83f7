// Package server assembles the academia MCP server from its configuration:
// the catalog store, the method dispatcher and the HTTP transport.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/academia-mcp/academia/auth"
	"github.com/academia-mcp/academia/pkg/academia"
	mcpserver "github.com/academia-mcp/academia/pkg/server"
	"github.com/academia-mcp/academia/server/stream"
	"github.com/academia-mcp/academia/util"
)

// Builder creates a Server from a configuration.
type Builder struct {
	config *util.Config
	logger util.Logger
	store  *academia.Store
}

// NewBuilder starts a builder for cfg.
func NewBuilder(cfg *util.Config) *Builder {
	if cfg == nil {
		cfg = util.DefaultConfig()
	}
	return &Builder{config: cfg}
}

// WithLogger sets the root logger. The default is built from the config.
func (b *Builder) WithLogger(logger util.Logger) *Builder {
	b.logger = logger
	return b
}

// WithStore uses an already opened store instead of opening one from the
// config. The server takes ownership and closes it on shutdown.
func (b *Builder) WithStore(store *academia.Store) *Builder {
	b.store = store
	return b
}

// Build validates the config, opens the store and wires the transport.
func (b *Builder) Build(ctx context.Context) (*Server, error) {
	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := b.logger
	if logger == nil {
		var err error
		if logger, err = cfg.NewLogger(); err != nil {
			return nil, err
		}
	}

	store := b.store
	if store == nil {
		var err error
		store, err = academia.Open(ctx, academia.Options{
			Path:     cfg.DatabasePath,
			InMemory: cfg.InMemory,
			Migrate:  cfg.ShouldMigrate(),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	catalog := academia.NewCatalog(store)
	dispatcher := mcpserver.NewDispatcherBuilder(catalog).
		WithResources(catalog).
		WithCloser(store).
		WithLogger(logger).
		Build()

	var registryOpts []stream.RegistryOption
	registryOpts = append(registryOpts,
		stream.WithSessionIdleTimeout(cfg.SessionIdleTimeout),
		stream.WithStreamIdleTimeout(cfg.StreamIdleTimeout))
	if cfg.StreamKeepAlive > 0 {
		registryOpts = append(registryOpts, stream.WithStreamKeepAlive(cfg.StreamKeepAlive))
	}

	transport := stream.NewHTTPServerTransport(cfg.Addr(), dispatcher,
		stream.WithServerLogger(logger),
		stream.WithEndpoint(cfg.Endpoint),
		stream.WithAuthenticator(auth.FromConfig(cfg)),
		stream.WithCORSOrigins(cfg.CORSOrigins),
		stream.WithMaxBodyBytes(cfg.MaxBodyBytes),
		stream.WithShutdownTimeout(cfg.ShutdownTimeout),
		stream.WithRegistryOptions(registryOpts...),
	)

	return &Server{
		transport:       transport,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.WithComponent("server"),
	}, nil
}

// Server is a fully wired academia MCP server.
type Server struct {
	transport       *stream.HTTPServerTransport
	shutdownTimeout time.Duration
	logger          util.Logger
}

// Start binds the listener. See stream.HTTPServerTransport.Start.
func (s *Server) Start() error {
	return s.transport.Start()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.transport.Addr()
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.transport.Handler()
}

// Transport returns the underlying transport.
func (s *Server) Transport() *stream.HTTPServerTransport {
	return s.transport
}

// Shutdown drains sessions, stops the listener and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

// Run starts the server and blocks until ctx is done or serving fails, then
// shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.logger.Info("academia MCP server listening", "addr", s.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err, ok := <-s.transport.Errors(); ok {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.shutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
