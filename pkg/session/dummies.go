package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/gymdock/gymdock/pkg/docker"
	"github.com/sasha-s/go-deadlock"
)

// This file exports dummy constructors for use by tests in other packages

// MockGateway implements Gateway for testing purposes.
// Each method can be customized by setting the corresponding function field.
// If a function is not set, the method returns sensible defaults or errors.
type MockGateway struct {
	StartWorkerFunc  func(ctx context.Context, sessionID string) (string, error)
	AttachWorkerFunc func(ctx context.Context, containerID string) (*docker.StreamConn, error)
	StopWorkerFunc   func(ctx context.Context, containerID string)
	KillWorkerFunc   func(ctx context.Context, containerID string)
	ListWorkersFunc  func(ctx context.Context) ([]string, error)

	// Track method calls for assertions
	Calls []MockCall

	mutex deadlock.Mutex
}

// MockCall records a method invocation for verification in tests.
type MockCall struct {
	Method string
	Args   []interface{}
}

// ErrMockNotImplemented is returned when a mock function is not set.
var ErrMockNotImplemented = errors.New("mock function not implemented")

// recordCall records a method call for later verification. The manager
// calls the gateway from several goroutines, so the record is locked.
func (m *MockGateway) recordCall(method string, args ...interface{}) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

func (m *MockGateway) StartWorker(ctx context.Context, sessionID string) (string, error) {
	m.recordCall("StartWorker", sessionID)
	if m.StartWorkerFunc != nil {
		return m.StartWorkerFunc(ctx, sessionID)
	}
	return "", ErrMockNotImplemented
}

func (m *MockGateway) AttachWorker(ctx context.Context, containerID string) (*docker.StreamConn, error) {
	m.recordCall("AttachWorker", containerID)
	if m.AttachWorkerFunc != nil {
		return m.AttachWorkerFunc(ctx, containerID)
	}
	return nil, ErrMockNotImplemented
}

func (m *MockGateway) StopWorker(ctx context.Context, containerID string) {
	m.recordCall("StopWorker", containerID)
	if m.StopWorkerFunc != nil {
		m.StopWorkerFunc(ctx, containerID)
	}
}

func (m *MockGateway) KillWorker(ctx context.Context, containerID string) {
	m.recordCall("KillWorker", containerID)
	if m.KillWorkerFunc != nil {
		m.KillWorkerFunc(ctx, containerID)
	}
}

func (m *MockGateway) ListWorkers(ctx context.Context) ([]string, error) {
	m.recordCall("ListWorkers")
	if m.ListWorkersFunc != nil {
		return m.ListWorkersFunc(ctx)
	}
	return nil, nil
}

// Helper methods for test assertions

// CallCount returns the number of times a method was called.
func (m *MockGateway) CallCount(method string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	count := 0
	for _, call := range m.Calls {
		if call.Method == method {
			count++
		}
	}
	return count
}

// WasCalled returns true if the method was called at least once.
func (m *MockGateway) WasCalled(method string) bool {
	return m.CallCount(method) > 0
}

// Verify that MockGateway implements Gateway at compile time.
var _ Gateway = (*MockGateway)(nil)

// NewMockGateway returns a gateway whose workers answer every command via
// the given handler. A nil handler answers everything with a bare ok.
func NewMockGateway(handler func(cmd map[string]interface{}) map[string]interface{}) *MockGateway {
	if handler == nil {
		handler = docker.OKWorkerHandler
	}
	return &MockGateway{
		StartWorkerFunc: func(ctx context.Context, sessionID string) (string, error) {
			return "container-" + sessionID, nil
		},
		AttachWorkerFunc: func(ctx context.Context, containerID string) (*docker.StreamConn, error) {
			stream, far := docker.NewDummyStreamPair()
			docker.ServeWorker(far, handler)
			return stream, nil
		},
	}
}

// NewDummyManager creates a manager around a mock gateway for testing
func NewDummyManager(gateway Gateway) *Manager {
	return NewManager(docker.NewDummyLog(), docker.NewDummyServerConfig(), gateway)
}

// NewDummySession creates a session served by a fake worker for testing
func NewDummySession(handler func(cmd map[string]interface{}) map[string]interface{}) *Session {
	if handler == nil {
		handler = docker.OKWorkerHandler
	}
	stream, far := docker.NewDummyStreamPair()
	docker.ServeWorker(far, handler)
	return newSession(uuid.New().String(), "dummy-env", "container-dummy", stream)
}
