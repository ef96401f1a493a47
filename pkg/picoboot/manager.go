package picoboot

import (
	"errors"
	"sync"
)

// Manager keeps track of open sessions so they can be released together when
// the process exits.
type Manager struct {
	mu       sync.Mutex
	sessions map[*Device]struct{}
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[*Device]struct{})}
}

// Track registers d.
func (m *Manager) Track(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[d] = struct{}{}
}

// Forget unregisters d. Device.Close calls it.
func (m *Manager) Forget(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, d)
}

// Len is the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every tracked session once.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	open := make([]*Device, 0, len(m.sessions))
	for d := range m.sessions {
		open = append(open, d)
	}
	clear(m.sessions)
	m.mu.Unlock()

	var errs []error
	for _, d := range open {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
