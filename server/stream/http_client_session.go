// Package stream implements the Streamable HTTP server transport: the session
// registry, per-session channels, the HTTP router and shutdown coordination.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/academia-mcp/academia/pkg/spec"
	"github.com/academia-mcp/academia/pkg/util"
	rootutil "github.com/academia-mcp/academia/util"
)

// HeaderSessionID carries the session id in both directions.
const HeaderSessionID = "mcp-session-id"

const (
	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
)

var errStreamingUnsupported = errors.New("response writer does not support streaming")

// httpClientSession is the server side of one client session. POST responses
// go straight to the request's writer; server-initiated notifications queue
// in outbox and are written by whichever stream is attached.
type httpClientSession struct {
	id        string
	createdAt time.Time

	mu          sync.RWMutex
	lastActive  time.Time
	initialized bool
	clientInfo  spec.ClientInfo
	logLevel    spec.LogLevel
	closed      bool
	carry       [][]byte

	outbox  chan []byte
	carried chan struct{}
	done    chan struct{}
	streams *util.CancellationManager

	keepAlive  time.Duration
	streamIdle time.Duration
	now        func() time.Time
	logger     rootutil.Logger
}

var _ spec.McpClientSession = (*httpClientSession)(nil)

func newHTTPClientSession(id string, registry *SessionRegistry) *httpClientSession {
	now := registry.now()
	return &httpClientSession{
		id:         id,
		createdAt:  now,
		lastActive: now,
		outbox:     make(chan []byte, registry.outboxSize),
		carried:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		streams:    registry.streams,
		keepAlive:  registry.keepAlive,
		streamIdle: registry.streamIdle,
		now:        registry.now,
		logger:     registry.logger.With("sessionId", id),
	}
}

// GetID returns the unique identifier for this client session
func (s *httpClientSession) GetID() string {
	return s.id
}

// IsInitialized returns whether the client sent notifications/initialized
func (s *httpClientSession) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// MarkInitialized records the end of the handshake
func (s *httpClientSession) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// GetClientInfo returns what the client announced during initialize
func (s *httpClientSession) GetClientInfo() spec.ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// SetClientInfo stores the client identity
func (s *httpClientSession) SetClientInfo(info spec.ClientInfo) {
	s.mu.Lock()
	s.clientInfo = info
	s.mu.Unlock()
}

// LogLevel returns the level set through logging/setLevel
func (s *httpClientSession) LogLevel() spec.LogLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logLevel
}

// SetLogLevel stores the client's log level
func (s *httpClientSession) SetLogLevel(level spec.LogLevel) {
	s.mu.Lock()
	s.logLevel = level
	s.mu.Unlock()
}

// IsClosed returns true once Close has run
func (s *httpClientSession) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close ends the attached stream, if any, and refuses further use. Calling it
// again is a no-op.
func (s *httpClientSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.carry = nil
	close(s.done)
	s.mu.Unlock()

	s.streams.Cancel(s.id)
	s.logger.Debug("session closed", "age", s.now().Sub(s.createdAt))
	return nil
}

// CreatedAt returns when the session was created.
func (s *httpClientSession) CreatedAt() time.Time {
	return s.createdAt
}

// Touch marks the session as used now.
func (s *httpClientSession) Touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// LastActive returns when the session last served a request.
func (s *httpClientSession) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Streaming reports whether a GET stream is attached.
func (s *httpClientSession) Streaming() bool {
	return s.streams.Active(s.id)
}

// Respond writes the response to one POST, as JSON or as a single SSE event
// depending on the request's Accept header.
func (s *httpClientSession) Respond(w http.ResponseWriter, r *http.Request, status int, msg *spec.JSONRPCMessage) error {
	s.Touch()
	return writeMessage(w, r, status, msg)
}

// SendNotification implements spec.McpClientSession
func (s *httpClientSession) SendNotification(ctx context.Context, method string, params interface{}) error {
	msg, err := spec.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.Notify(msg)
}

// Notify queues msg for the attached stream without blocking. It fails with
// ErrNoStream when nothing is attached and ErrStreamBacklog when the stream
// cannot keep up.
func (s *httpClientSession) Notify(msg *spec.JSONRPCMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if s.IsClosed() {
		return spec.ErrSessionClosed
	}
	if !s.Streaming() {
		return ErrNoStream
	}

	select {
	case s.outbox <- b:
		return nil
	default:
		s.logger.Warn("dropping notification, stream backlog full", "method", msg.Method)
		return ErrStreamBacklog
	}
}

// Attach serves the session's SSE stream on w until ctx ends, the session
// closes, a newer stream supersedes this one or the stream idles out. It is
// the only writer on w.
func (s *httpClientSession) Attach(ctx context.Context, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errStreamingUnsupported
	}
	if s.IsClosed() {
		return spec.ErrSessionClosed
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	token, superseded := s.streams.Register(s.id, cancel)
	defer s.streams.Complete(s.id, token)
	if superseded {
		s.logger.Info("previous stream superseded")
	}
	// Close may have run between the check above and Register.
	if s.IsClosed() {
		return spec.ErrSessionClosed
	}

	h := w.Header()
	h.Set("Content-Type", contentTypeEventStream)
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(HeaderSessionID, s.id)
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	s.logger.Info("stream attached")
	s.Touch()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.streamIdle > 0 {
		idleTimer = time.NewTimer(s.streamIdle)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		if err := s.flushCarry(w, flusher); err != nil {
			return err
		}

		select {
		case <-streamCtx.Done():
			s.logger.Debug("stream detached", "reason", detachReason(ctx))
			return nil

		case <-s.done:
			return nil

		case frame := <-s.outbox:
			if streamCtx.Err() != nil {
				// a successor is attached; hand the frame over instead of
				// writing it to a stream that is going away
				s.putCarry(frame)
				return nil
			}
			// frames handed over by a superseded stream are older
			if err := s.flushCarry(w, flusher); err != nil {
				s.putCarry(frame)
				return err
			}
			if err := writeEvent(w, flusher, frame); err != nil {
				s.putCarry(frame)
				return err
			}
			s.Touch()
			if idleTimer != nil {
				idleTimer.Reset(s.streamIdle)
			}

		case <-s.carried:

		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()

		case <-idle:
			s.logger.Info("stream idle timeout")
			return nil
		}
	}
}

// putCarry keeps frame for the next stream and wakes it if one is waiting.
func (s *httpClientSession) putCarry(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.carry = append(s.carry, frame)
	s.mu.Unlock()

	select {
	case s.carried <- struct{}{}:
	default:
	}
}

func (s *httpClientSession) flushCarry(w io.Writer, flusher http.Flusher) error {
	frames := s.takeCarry()
	for i, frame := range frames {
		if err := writeEvent(w, flusher, frame); err != nil {
			s.restoreCarry(frames[i:])
			return err
		}
	}
	return nil
}

func (s *httpClientSession) restoreCarry(frames [][]byte) {
	s.mu.Lock()
	if !s.closed {
		s.carry = append(frames, s.carry...)
	}
	s.mu.Unlock()
}

func (s *httpClientSession) takeCarry() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.carry
	s.carry = nil
	return frames
}

func detachReason(parent context.Context) string {
	if parent.Err() != nil {
		return "client disconnected"
	}
	return "superseded"
}

func writeEvent(w io.Writer, flusher http.Flusher, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeMessage writes msg with status, negotiating JSON or SSE from Accept.
func writeMessage(w http.ResponseWriter, r *http.Request, status int, msg *spec.JSONRPCMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if prefersEventStream(r.Header.Get("Accept")) {
		if flusher, ok := w.(http.Flusher); ok {
			w.Header().Set("Content-Type", contentTypeEventStream)
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(status)
			return writeEvent(w, flusher, body)
		}
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

// prefersEventStream reports whether accept ranks text/event-stream above
// application/json. Ties go to the type listed first; an empty header, a
// bare wildcard or an unparsable header mean JSON.
func prefersEventStream(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return false
	}

	type rank struct {
		q   float64
		pos int
	}
	jsonRank := rank{q: -1}
	sseRank := rank{q: -1}
	wildcard := rank{q: -1}

	for pos, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if v, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				q = parsed
			}
		}
		current := rank{q: q, pos: pos}
		switch mediaType {
		case contentTypeJSON:
			if q > jsonRank.q {
				jsonRank = current
			}
		case contentTypeEventStream:
			if q > sseRank.q {
				sseRank = current
			}
		case "*/*", "application/*":
			if q > wildcard.q {
				wildcard = current
			}
		}
	}

	if jsonRank.q < 0 {
		jsonRank = wildcard
	}
	if sseRank.q <= 0 {
		return false
	}
	if sseRank.q != jsonRank.q {
		return sseRank.q > jsonRank.q
	}
	return sseRank.pos < jsonRank.pos
}
