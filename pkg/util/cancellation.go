package util

import (
	"context"
	"sync"
)

// CancellationManager tracks at most one cancellable operation per key.
// Registering a key that is already held cancels the previous holder, which is
// how a newer stream attachment supersedes an older one.
type CancellationManager struct {
	operations      map[string]registration
	operationsMutex sync.Mutex
	nextToken       uint64
}

type registration struct {
	token  uint64
	cancel context.CancelFunc
}

// NewCancellationManager creates a new cancellation manager
func NewCancellationManager() *CancellationManager {
	return &CancellationManager{
		operations: make(map[string]registration),
	}
}

// Register stores cancel under id and returns a token identifying this
// registration. superseded is true when an earlier holder was cancelled.
func (m *CancellationManager) Register(id string, cancel context.CancelFunc) (token uint64, superseded bool) {
	m.operationsMutex.Lock()
	defer m.operationsMutex.Unlock()

	if existing, exists := m.operations[id]; exists {
		existing.cancel()
		superseded = true
	}

	m.nextToken++
	m.operations[id] = registration{token: m.nextToken, cancel: cancel}
	return m.nextToken, superseded
}

// Cancel cancels the operation held under id, if any.
func (m *CancellationManager) Cancel(id string) bool {
	m.operationsMutex.Lock()
	defer m.operationsMutex.Unlock()

	if reg, exists := m.operations[id]; exists {
		reg.cancel()
		delete(m.operations, id)
		return true
	}

	return false
}

// Complete removes the registration identified by token. A holder that was
// already superseded does not disturb its successor.
func (m *CancellationManager) Complete(id string, token uint64) {
	m.operationsMutex.Lock()
	defer m.operationsMutex.Unlock()

	if reg, exists := m.operations[id]; exists && reg.token == token {
		delete(m.operations, id)
	}
}

// Active reports whether an operation is registered under id.
func (m *CancellationManager) Active(id string) bool {
	m.operationsMutex.Lock()
	defer m.operationsMutex.Unlock()

	_, exists := m.operations[id]
	return exists
}

// CancelAll cancels all tracked operations
func (m *CancellationManager) CancelAll() {
	m.operationsMutex.Lock()
	defer m.operationsMutex.Unlock()

	for _, reg := range m.operations {
		reg.cancel()
	}

	m.operations = make(map[string]registration)
}
