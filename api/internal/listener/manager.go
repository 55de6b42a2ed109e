package listener

import (
	"sync"
	"time"
)

// Factory builds a listener for a project with the requested interval.
// Wired in main so the manager stays ignorant of storage and rules.
type Factory func(projectID string, pollInterval time.Duration) *Listener

// Manager serializes control-endpoint access to the single active
// listener. One listener runs at a time; starting a second project while
// one is running reports ErrAlreadyRunning.
type Manager struct {
	mu      sync.Mutex
	factory Factory
	current *Listener
}

func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory}
}

func (m *Manager) Start(projectID string, pollInterval time.Duration) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		switch m.current.Status().State {
		case StateRunning, StateStarting, StateStopping:
			return m.current.Status(), ErrAlreadyRunning
		}
	}

	l := m.factory(projectID, pollInterval)
	if err := l.Start(); err != nil {
		return l.Status(), err
	}
	m.current = l
	return l.Status(), nil
}

func (m *Manager) Stop() (Status, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current == nil {
		return Status{State: StateStopped}, ErrNotRunning
	}
	if err := current.Stop(); err != nil {
		return current.Status(), err
	}
	return current.Status(), nil
}

// Status reports the current listener, or a stopped placeholder when none
// was ever started.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Status{State: StateStopped}
	}
	return m.current.Status()
}

// StopIfRunning is the shutdown path; unlike Stop it treats a stopped
// listener as success.
func (m *Manager) StopIfRunning() {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return
	}
	_ = current.Stop()
}
