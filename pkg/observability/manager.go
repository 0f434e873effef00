package observability

import (
	"context"
	"sync"
)

// Manager owns the tracer and metrics lifecycles.
type Manager struct {
	config Config

	mu      sync.RWMutex
	tracer  *Tracer
	metrics *Metrics
}

// NewManager creates an uninitialized manager.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// Initialize builds the tracer and metrics from config and installs the
// metrics instance globally.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracer, err := InitTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracer = tracer

	metrics, err := InitMetrics(ctx, m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	SetGlobal(metrics)

	return nil
}

// Tracer returns the active tracer, possibly nil before Initialize.
func (m *Manager) Tracer() *Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracer
}

// Metrics returns the active metrics, possibly nil before Initialize.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes and stops tracing and metrics.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if err := m.tracer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := m.metrics.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
