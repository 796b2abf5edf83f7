package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/academia-mcp/academia/pkg/spec"
	"github.com/academia-mcp/academia/pkg/util"
	rootutil "github.com/academia-mcp/academia/util"
)

// Session errors surfaced to the HTTP layer.
var (
	ErrSessionRequired = errors.New("session id required")
	ErrSessionNotFound = errors.New("session not found")
	ErrShuttingDown    = errors.New("server is shutting down")
	ErrNoStream        = errors.New("session has no attached stream")
	ErrStreamBacklog   = errors.New("stream backlog full")
)

// ResolveOutcome says what Resolve did with a request.
type ResolveOutcome int

const (
	// OutcomeRejected means no session can serve the request.
	OutcomeRejected ResolveOutcome = iota
	// OutcomeReuse means an existing session was found.
	OutcomeReuse
	// OutcomeCreate means a new session was registered for an initialize request.
	OutcomeCreate
)

func (o ResolveOutcome) String() string {
	switch o {
	case OutcomeReuse:
		return "reuse"
	case OutcomeCreate:
		return "create"
	default:
		return "rejected"
	}
}

// Resolution is the result of Resolve.
type Resolution struct {
	Outcome ResolveOutcome
	Session *httpClientSession
}

// SessionRegistry maps session ids to live session channels. It is safe for
// concurrent use.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*httpClientSession
	closed   bool

	streams *util.CancellationManager
	logger  rootutil.Logger
	newID   func() (string, error)
	now     func() time.Time

	keepAlive   time.Duration
	streamIdle  time.Duration
	outboxSize  int
	idleTimeout time.Duration

	reaperMu   sync.Mutex
	reaperStop chan struct{}
	reaperDone chan struct{}
}

// RegistryOption configures a SessionRegistry.
type RegistryOption func(*SessionRegistry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger rootutil.Logger) RegistryOption {
	return func(r *SessionRegistry) {
		if logger != nil {
			r.logger = logger.WithComponent("SessionRegistry")
		}
	}
}

// WithStreamKeepAlive sets the interval between keepalive comments on
// attached streams.
func WithStreamKeepAlive(d time.Duration) RegistryOption {
	return func(r *SessionRegistry) {
		util.AssertPositive(d, "stream keepalive")
		r.keepAlive = d
	}
}

// WithStreamIdleTimeout ends attached streams that carried no message for d.
// Zero keeps streams open until the client leaves.
func WithStreamIdleTimeout(d time.Duration) RegistryOption {
	return func(r *SessionRegistry) {
		r.streamIdle = d
	}
}

// WithSessionIdleTimeout makes the reaper discard sessions idle for longer
// than d. Zero disables reaping.
func WithSessionIdleTimeout(d time.Duration) RegistryOption {
	return func(r *SessionRegistry) {
		r.idleTimeout = d
	}
}

// WithOutboxSize bounds the number of notifications buffered per session.
func WithOutboxSize(n int) RegistryOption {
	return func(r *SessionRegistry) {
		if n > 0 {
			r.outboxSize = n
		}
	}
}

// WithIDGenerator replaces the session id source.
func WithIDGenerator(gen func() (string, error)) RegistryOption {
	return func(r *SessionRegistry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(opts ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions:   make(map[string]*httpClientSession),
		streams:    util.NewCancellationManager(),
		logger:     rootutil.DefaultRootLogger().WithComponent("SessionRegistry"),
		newID:      util.GenerateSessionID,
		now:        time.Now,
		keepAlive:  15 * time.Second,
		outboxSize: 64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve decides which session serves a POST carrying sessionID and env.
//
// A known id is reused whatever the method. Without an id only initialize
// may open a session. An unknown id is never recreated, even for
// initialize, so a client cannot pick its own session id.
func (r *SessionRegistry) Resolve(sessionID string, env *spec.Envelope) (Resolution, error) {
	if sessionID != "" {
		session, err := r.Lookup(sessionID)
		if err != nil {
			return Resolution{Outcome: OutcomeRejected}, err
		}
		return Resolution{Outcome: OutcomeReuse, Session: session}, nil
	}

	if env == nil || !env.IsInitialize() {
		return Resolution{Outcome: OutcomeRejected}, ErrSessionRequired
	}

	session, err := r.create()
	if err != nil {
		return Resolution{Outcome: OutcomeRejected}, err
	}
	return Resolution{Outcome: OutcomeCreate, Session: session}, nil
}

func (r *SessionRegistry) create() (*httpClientSession, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := r.newID()
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if _, taken := r.sessions[id]; taken {
			r.mu.Unlock()
			r.logger.Warn("session id collision, retrying", "sessionId", id)
			continue
		}
		session := newHTTPClientSession(id, r)
		r.sessions[id] = session
		count := len(r.sessions)
		r.mu.Unlock()

		r.logger.Info("session created", "sessionId", id, "sessions", count)
		return session, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique session id")
}

// Lookup returns the open session registered under sessionID.
func (r *SessionRegistry) Lookup(sessionID string) (*httpClientSession, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}

	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok || session.IsClosed() {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Remove unregisters and closes the session. It reports whether the id was
// registered.
func (r *SessionRegistry) Remove(sessionID string) bool {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := session.Close(); err != nil {
		r.logger.Warn("failed to close session", "sessionId", sessionID, "error", err)
	}
	r.logger.Debug("session removed", "sessionId", sessionID)
	return true
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the registered session ids in sorted order.
func (r *SessionRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// CloseAll closes every session exactly once and refuses new ones from then
// on. Close failures are collected and the remaining sessions are still closed.
func (r *SessionRegistry) CloseAll() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*httpClientSession)
	r.mu.Unlock()

	var errs []error
	for id, session := range sessions {
		if err := session.Close(); err != nil {
			r.logger.Warn("failed to close session", "sessionId", id, "error", err)
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	r.streams.CancelAll()

	r.logger.Info("all sessions closed", "count", len(sessions), "failures", len(errs))
	return errors.Join(errs...)
}

// StartReaper launches the idle session reaper. It is a no-op when no idle
// timeout is configured or the reaper already runs.
func (r *SessionRegistry) StartReaper() {
	if r.idleTimeout <= 0 {
		return
	}

	r.reaperMu.Lock()
	defer r.reaperMu.Unlock()
	if r.reaperStop != nil {
		return
	}

	r.reaperStop = make(chan struct{})
	r.reaperDone = make(chan struct{})
	interval := r.idleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.reap()
			}
		}
	}(r.reaperStop, r.reaperDone)
}

// StopReaper stops the reaper and waits for it to exit.
func (r *SessionRegistry) StopReaper() {
	r.reaperMu.Lock()
	stop, done := r.reaperStop, r.reaperDone
	r.reaperStop, r.reaperDone = nil, nil
	r.reaperMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// reap removes sessions idle for longer than the idle timeout. Sessions with
// an attached stream are never reaped.
func (r *SessionRegistry) reap() int {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.RLock()
	var stale []string
	for id, session := range r.sessions {
		if session.LastActive().Before(cutoff) && !session.Streaming() {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		if r.Remove(id) {
			r.logger.Info("idle session expired", "sessionId", id)
		}
	}
	return len(stale)
}
