package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/academia-mcp/academia/auth"
	"github.com/academia-mcp/academia/pkg/server"
	"github.com/academia-mcp/academia/pkg/spec"
	rootutil "github.com/academia-mcp/academia/util"
)

// HeaderRequestID carries the per-request correlation id.
const HeaderRequestID = "X-Request-Id"

type loggerKey struct{}

// HTTPServerTransport serves the MCP endpoint over Streamable HTTP: POST for
// requests, GET for the session's notification stream.
type HTTPServerTransport struct {
	server   *http.Server
	router   chi.Router
	addr     string
	endpoint string

	mcp         server.McpServer
	registry    *SessionRegistry
	coordinator *ShutdownCoordinator

	authenticator   auth.Authenticator
	corsOrigins     []string
	maxBodyBytes    int64
	shutdownTimeout time.Duration
	registryOpts    []RegistryOption

	logger rootutil.Logger

	mu        sync.Mutex
	isRunning bool
	listener  net.Listener
	serveErr  chan error
}

// HTTPServerOption allows for customizing the HTTP server transport
type HTTPServerOption func(*HTTPServerTransport)

// WithServerLogger sets a custom logger for the server
func WithServerLogger(logger rootutil.Logger) HTTPServerOption {
	return func(t *HTTPServerTransport) {
		if logger != nil {
			t.logger = logger.WithComponent("HTTPServerTransport")
		}
	}
}

// WithEndpoint sets the MCP endpoint path, /mcp by default.
func WithEndpoint(path string) HTTPServerOption {
	return func(t *HTTPServerTransport) {
		if path != "" {
			t.endpoint = path
		}
	}
}

// WithAuthenticator puts authenticator in front of the MCP endpoint. The
// health check stays open.
func WithAuthenticator(authenticator auth.Authenticator) HTTPServerOption {
	return func(t *HTTPServerTransport) {
		t.authenticator = authenticator
	}
}

// WithAPIToken is shorthand for a static bearer token authenticator.
func WithAPIToken(token string) HTTPServerOption {
	return func(t *HTTPServerTransport) {
		if token != "" {
			t.authenticator = auth.NewTokenAuthenticator(token)
		}
	}
}

// WithCORSOrigins enables CORS for the listed origins. "*" allows any.
func WithCORSOrigins(origins []string) HTTPServerOption {
	return func(t *HTTPServerTransport) {
		t.corsOrigins = origins
	}
}

// WithMaxBodyBytes limits the size of POST bodies.
func WithMaxBodyBytes(n int64) HTTPServerOption {
	return func(t *HTTPServerTransport) {
		if n > 0 {
			t.maxBodyBytes = n
		}
	}
}

// WithShutdownTimeout bounds Close.
func WithShutdownTimeout(d time.Duration) HTTPServerOption {
	return func(t *HTTPServerTransport) {
		if d > 0 {
			t.shutdownTimeout = d
		}
	}
}

// WithRegistryOptions configures the session registry.
func WithRegistryOptions(opts ...RegistryOption) HTTPServerOption {
	return func(t *HTTPServerTransport) {
		t.registryOpts = append(t.registryOpts, opts...)
	}
}

// NewHTTPServerTransport creates a transport listening on addr that hands
// every request to mcp.
func NewHTTPServerTransport(addr string, mcp server.McpServer, options ...HTTPServerOption) *HTTPServerTransport {
	t := &HTTPServerTransport{
		addr:            addr,
		endpoint:        "/mcp",
		mcp:             mcp,
		maxBodyBytes:    4 << 20,
		shutdownTimeout: 5 * time.Second,
		logger:          rootutil.DefaultRootLogger().WithComponent("HTTPServerTransport"),
		serveErr:        make(chan error, 1),
	}

	for _, opt := range options {
		opt(t)
	}

	t.registry = NewSessionRegistry(append([]RegistryOption{WithRegistryLogger(t.logger)}, t.registryOpts...)...)
	t.coordinator = NewShutdownCoordinator(t.registry, mcp, t.logger)
	t.router = t.routes()
	t.server = &http.Server{
		Addr:              addr,
		Handler:           t.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.logger.Info("Created HTTP server transport", "addr", addr, "endpoint", t.endpoint, "auth", t.authenticator != nil)
	return t
}

func (t *HTTPServerTransport) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(t.requestLogger)

	if len(t.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   t.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Token", HeaderSessionID},
			ExposedHeaders:   []string{HeaderSessionID, HeaderRequestID},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.HandleFunc("/health", t.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(t.authenticator, t.logger))
		r.Post(t.endpoint, t.handlePost)
		r.Get(t.endpoint, t.handleGet)
	})

	r.NotFound(t.handleNotFound)
	r.MethodNotAllowed(t.handleMethodNotAllowed)
	return r
}

// Handler returns the transport's HTTP handler.
func (t *HTTPServerTransport) Handler() http.Handler {
	return t.router
}

// Registry returns the session registry.
func (t *HTTPServerTransport) Registry() *SessionRegistry {
	return t.registry
}

// Coordinator returns the shutdown coordinator.
func (t *HTTPServerTransport) Coordinator() *ShutdownCoordinator {
	return t.coordinator
}

// Start binds the listening socket and serves in the background. Bind
// failures are returned synchronously; later serve failures arrive on Errors.
func (t *HTTPServerTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isRunning {
		t.logger.Warn("Server is already running", "addr", t.addr)
		return errors.New("server is already running")
	}
	if t.coordinator.Draining() {
		return ErrShuttingDown
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.addr, err)
	}
	t.listener = ln
	t.isRunning = true
	t.coordinator.SetListener(t.server.Shutdown)
	t.registry.StartReaper()

	t.logger.Info("Starting HTTP server", "addr", ln.Addr().String())

	go func() {
		defer close(t.serveErr)
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("HTTP server error", "error", err)
			t.serveErr <- err
		}
	}()

	return nil
}

// Addr returns the bound address once started, the configured one before.
func (t *HTTPServerTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Errors delivers a serve failure, if any, and is closed when serving ends.
func (t *HTTPServerTransport) Errors() <-chan error {
	return t.serveErr
}

// Shutdown drains and stops the transport. See ShutdownCoordinator.
func (t *HTTPServerTransport) Shutdown(ctx context.Context) error {
	err := t.coordinator.Shutdown(ctx)

	t.mu.Lock()
	t.isRunning = false
	t.mu.Unlock()
	return err
}

// Close shuts down within the configured shutdown timeout.
func (t *HTTPServerTransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()
	return t.Shutdown(ctx)
}

// requestLogger tags each request with a correlation id and logs its outcome.
func (t *HTTPServerTransport) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := rootutil.NewRequestID()
		logger := t.logger.With("requestId", requestID)
		w.Header().Set(HeaderRequestID, requestID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey{}, logger)))

		logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

func (t *HTTPServerTransport) requestLog(r *http.Request) rootutil.Logger {
	if logger, ok := r.Context().Value(loggerKey{}).(rootutil.Logger); ok {
		return logger
	}
	return t.logger
}

func (t *HTTPServerTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (t *HTTPServerTransport) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found", "path": r.URL.Path})
}

func (t *HTTPServerTransport) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, POST")
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed", "method": r.Method})
}

// handlePost serves one JSON-RPC message.
func (t *HTTPServerTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	logger := t.requestLog(r)

	if t.coordinator.Draining() {
		writeMessage(w, r, http.StatusServiceUnavailable,
			spec.NewErrorResponse(nil, spec.ErrCodeInvalidSession, "Server is shutting down"))
		return
	}

	var requestID json.RawMessage
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while serving request", "panic", p, "stack", string(debug.Stack()))
			if ww, ok := w.(middleware.WrapResponseWriter); ok && ww.Status() != 0 {
				return
			}
			writeMessage(w, r, http.StatusInternalServerError,
				spec.NewErrorResponse(requestID, spec.ErrCodeInternalError, "Internal error"))
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("request body too large", "limit", t.maxBodyBytes)
			writeMessage(w, r, http.StatusRequestEntityTooLarge,
				spec.NewErrorResponse(nil, spec.ErrCodeInvalidRequest, "Request body too large"))
			return
		}
		logger.Warn("failed to read request body", "error", err)
		writeMessage(w, r, http.StatusBadRequest, spec.NewErrorResponse(nil, spec.ErrCodeParseError, "Parse error"))
		return
	}

	env, err := spec.ParseEnvelope(body)
	if err != nil {
		var envErr *spec.EnvelopeError
		if errors.As(err, &envErr) {
			logger.Debug("rejected message", "code", envErr.Code, "reason", envErr.Message)
			writeMessage(w, r, http.StatusBadRequest, envErr.Response())
			return
		}
		writeMessage(w, r, http.StatusBadRequest, spec.NewErrorResponse(nil, spec.ErrCodeParseError, "Parse error"))
		return
	}
	requestID = env.ID

	res, err := t.registry.Resolve(r.Header.Get(HeaderSessionID), env)
	if err != nil {
		status, message := sessionErrorStatus(err)
		logger.Info("session rejected", "method", env.Method, "error", err)
		writeMessage(w, r, status, spec.NewErrorResponse(env.ID, spec.ErrCodeInvalidSession, message))
		return
	}
	session := res.Session
	logger = logger.With("sessionId", session.GetID())
	logger.Debug("dispatching", "method", env.Method, "outcome", res.Outcome.String())

	resp := t.mcp.Handle(r.Context(), session, env)

	if res.Outcome == OutcomeCreate && (resp == nil || resp.Error != nil) {
		// a failed initialize leaves nothing behind
		t.registry.Remove(session.GetID())
		if resp != nil {
			writeMessage(w, r, http.StatusOK, resp)
		}
		return
	}

	if resp == nil {
		session.Touch()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if res.Outcome == OutcomeCreate {
		w.Header().Set(HeaderSessionID, session.GetID())
	}

	if err := session.Respond(w, r, http.StatusOK, resp); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

// handleGet attaches the caller to the session's notification stream.
func (t *HTTPServerTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	logger := t.requestLog(r)

	if t.coordinator.Draining() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	session, err := t.registry.Lookup(r.Header.Get(HeaderSessionID))
	if err != nil {
		status, message := sessionErrorStatus(err)
		http.Error(w, message, status)
		return
	}

	err = session.Attach(r.Context(), w)
	switch {
	case errors.Is(err, errStreamingUnsupported):
		logger.Error("streaming unsupported by response writer")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
	case errors.Is(err, spec.ErrSessionClosed):
		http.Error(w, "Session not found", http.StatusNotFound)
	case err != nil:
		logger.Debug("stream ended with error", "sessionId", session.GetID(), "error", err)
	}
}

func sessionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionRequired):
		return http.StatusBadRequest, "Bad Request: No valid session ID provided"
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable, "Server is shutting down"
	default:
		return http.StatusInternalServerError, "Failed to create session"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
