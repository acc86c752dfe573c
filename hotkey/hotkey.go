// Package hotkey registers a global keyboard shortcut.
package hotkey

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrUnsupported is returned when global hooks are not compiled in.
var ErrUnsupported = errors.New("hotkey: global hooks not supported in this build")

// DefaultKeys is ctrl+shift+r.
var DefaultKeys = []string{"r", "ctrl", "shift"}

// repeatWindow swallows auto-repeat while the combination is held.
const repeatWindow = 400 * time.Millisecond

// Manager fires a callback when its key combination is pressed.
type Manager struct {
	keys     []string
	callback func()

	mu      sync.Mutex
	running bool
	last    time.Time
}

// NewManager creates a Manager for keys. The callback runs on the hook
// goroutine and should return quickly.
func NewManager(keys []string, callback func()) *Manager {
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	return &Manager{keys: keys, callback: callback}
}

// String returns the combination in the form ctrl+shift+r.
func (m *Manager) String() string {
	// Modifiers first, the main key last.
	if len(m.keys) == 0 {
		return ""
	}
	parts := append(append([]string{}, m.keys[1:]...), m.keys[0])
	return strings.Join(parts, "+")
}

// Start installs the global hook.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := startHook(m.keys, m.fire); err != nil {
		return err
	}
	m.running = true
	return nil
}

// Stop removes the global hook.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	stopHook()
	m.running = false
}

func (m *Manager) fire() {
	m.trigger(time.Now())
}

// trigger runs the callback unless the previous press was within the repeat
// window. It reports whether the callback ran.
func (m *Manager) trigger(now time.Time) bool {
	m.mu.Lock()
	if !m.last.IsZero() && now.Sub(m.last) < repeatWindow {
		m.mu.Unlock()
		return false
	}
	m.last = now
	cb := m.callback
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	return true
}
