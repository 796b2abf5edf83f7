package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/academia-mcp/academia/pkg/spec"
	"github.com/academia-mcp/academia/util"
)

type methodHandler func(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error)

// Dispatcher resolves JSON-RPC methods to handlers backed by the tool and
// resource providers.
type Dispatcher struct {
	features  *ServerFeatures
	tools     spec.ToolProvider
	resources spec.ResourceProvider
	closers   []io.Closer
	logger    util.Logger

	methods       map[string]methodHandler
	notifications map[string]methodHandler

	closeOnce sync.Once
	closeErr  error
}

var _ McpServer = (*Dispatcher)(nil)

func newDispatcher(features *ServerFeatures, tools spec.ToolProvider, resources spec.ResourceProvider, closers []io.Closer, logger util.Logger) *Dispatcher {
	d := &Dispatcher{
		features:  features,
		tools:     tools,
		resources: resources,
		closers:   closers,
		logger:    logger,
	}

	d.methods = map[string]methodHandler{
		spec.MethodInitialize:      d.handleInitialize,
		spec.MethodPing:            d.handlePing,
		spec.MethodToolsList:       d.handleToolsList,
		spec.MethodToolsCall:       d.handleToolsCall,
		spec.MethodLoggingSetLevel: d.handleLoggingSetLevel,
	}
	if resources != nil {
		d.methods[spec.MethodResourcesList] = d.handleResourcesList
		d.methods[spec.MethodResourcesRead] = d.handleResourcesRead
	}

	d.notifications = map[string]methodHandler{
		spec.MethodNotificationInitialized: d.handleInitialized,
	}

	return d
}

// GetServerInfo implements McpServer
func (d *Dispatcher) GetServerInfo() spec.Implementation {
	return d.features.ServerInfo
}

// Handle implements McpServer. Any panic raised by a handler is recovered and
// reported as an internal error carrying the request id.
func (d *Dispatcher) Handle(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (resp *spec.JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while handling request",
				"method", env.Method, "panic", r, "stack", string(debug.Stack()))
			if env.IsNotification() {
				resp = nil
				return
			}
			resp = spec.NewErrorResponse(env.ID, spec.ErrCodeInternalError, "Internal error")
		}
	}()

	if d.features.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.features.RequestTimeout)
		defer cancel()
	}

	if env.IsNotification() {
		if handler, ok := d.notifications[env.Method]; ok {
			if _, err := handler(ctx, session, env); err != nil {
				d.logger.Warn("notification handler failed", "method", env.Method, "error", err)
			}
		} else {
			d.logger.Debug("ignoring notification", "method", env.Method)
		}
		return nil
	}

	handler, ok := d.methods[env.Method]
	if !ok {
		return spec.NewErrorResponse(env.ID, spec.ErrCodeMethodNotFound, "Method not found: "+env.Method)
	}

	result, err := handler(ctx, session, env)
	if err != nil {
		return d.errorResponse(env, err)
	}

	resp, err = spec.NewResultResponse(env.ID, result)
	if err != nil {
		return d.errorResponse(env, err)
	}
	return resp
}

func (d *Dispatcher) errorResponse(env *spec.Envelope, err error) *spec.JSONRPCMessage {
	var mcpErr *spec.McpError
	if errors.As(err, &mcpErr) {
		return spec.NewErrorResponse(env.ID, mcpErr.Code, mcpErr.Message)
	}
	d.logger.Error("request failed", "method", env.Method, "error", err)
	return spec.NewErrorResponse(env.ID, spec.ErrCodeInternalError, "Internal error")
}

// Close implements McpServer
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		for _, c := range d.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

func (d *Dispatcher) handleInitialize(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error) {
	var request spec.InitializeRequest
	if err := env.DecodeParams(&request); err != nil {
		return nil, err
	}

	info := spec.NewDefaultClientInfo(request.ClientInfo, session.GetID())
	session.SetClientInfo(info)
	d.logger.Info("client initialized",
		"sessionId", info.GetClientID(),
		"client", info.GetClientName(),
		"clientVersion", info.GetClientVersion(),
		"protocolVersion", request.ProtocolVersion)

	return &spec.InitializeResult{
		ProtocolVersion: negotiateVersion(request.ProtocolVersion, d.features.ProtocolVersion),
		Capabilities:    d.features.ServerCapabilities,
		ServerInfo:      d.features.ServerInfo,
		Instructions:    d.features.Instructions,
	}, nil
}

func (d *Dispatcher) handleInitialized(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error) {
	session.MarkInitialized()
	return nil, nil
}

func (d *Dispatcher) handlePing(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error) {
	return struct{}{}, nil
}

func (d *Dispatcher) handleToolsList(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error) {
	tools, err := d.tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return &spec.ListToolsResult{Tools: tools}, nil
}

// handleToolsCall turns every tool failure into an isError result; only
// malformed params surface as a protocol error.
func (d *Dispatcher) handleToolsCall(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error) {
	var request spec.CallToolRequest
	if err := env.DecodeParams(&request); err != nil {
		return nil, err
	}
	if request.Name == "" {
		return nil, &spec.McpError{Code: spec.ErrCodeInvalidParams, Message: "invalid params: missing tool name"}
	}

	result, err := d.tools.CallTool(ctx, request.Name, request.Arguments)
	if err != nil {
		d.logger.Warn("tool execution failed", "sessionId", session.GetID(), "tool", request.Name, "error", err)
		d.notifyToolError(ctx, session, request.Name, err)

		failed := spec.NewCallToolResultBuilder().
			AddText(fmt.Sprintf("Erro ao executar %s: %s", request.Name, err.Error())).
			IsError(true).
			Build()
		return &failed, nil
	}
	if result == nil {
		empty := spec.NewCallToolResultBuilder().Build()
		return &empty, nil
	}
	return result, nil
}

// notifyToolError pushes a log notification to the session's stream when the
// client asked for error level messages. Delivery is best effort.
func (d *Dispatcher) notifyToolError(ctx context.Context, session spec.McpClientSession, tool string, cause error) {
	level := session.LogLevel()
	if level == "" || !level.Enables(spec.LogLevelError) {
		return
	}
	msg := spec.LoggingMessage{
		Level:  spec.LogLevelError,
		Logger: "tools",
		Data:   map[string]string{"tool": tool, "error": cause.Error()},
	}
	if err := session.SendNotification(ctx, spec.MethodNotificationMessage, msg); err != nil {
		d.logger.Debug("log notification not delivered", "sessionId", session.GetID(), "error", err)
	}
}

func (d *Dispatcher) handleResourcesList(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error) {
	resources, err := d.resources.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return &spec.ListResourcesResult{Resources: resources}, nil
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error) {
	var request spec.ReadResourceRequest
	if err := env.DecodeParams(&request); err != nil {
		return nil, err
	}
	if request.URI == "" {
		return nil, &spec.McpError{Code: spec.ErrCodeInvalidParams, Message: "invalid params: missing uri"}
	}

	result, err := d.resources.ReadResource(ctx, request.URI)
	if err != nil {
		var mcpErr *spec.McpError
		if errors.As(err, &mcpErr) {
			return nil, &spec.McpError{Code: mcpErr.Code, Message: mcpErr.Message + ": " + request.URI}
		}
		return nil, fmt.Errorf("failed to read resource %s: %w", request.URI, err)
	}
	return result, nil
}

func (d *Dispatcher) handleLoggingSetLevel(ctx context.Context, session spec.McpClientSession, env *spec.Envelope) (interface{}, error) {
	var request spec.SetLevelRequest
	if err := env.DecodeParams(&request); err != nil {
		return nil, err
	}
	if !request.Level.Valid() {
		return nil, &spec.McpError{
			Code:    spec.ErrCodeInvalidParams,
			Message: fmt.Sprintf("invalid params: unknown log level %q", request.Level),
		}
	}
	session.SetLogLevel(request.Level)
	return struct{}{}, nil
}

