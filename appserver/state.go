package appserver

import "sync"

// ConnectionState is the supervisor's view of the client.
type ConnectionState int

const (
	// StateIdle is the state before Start.
	StateIdle ConnectionState = iota
	StateConnected
	StateReconnecting
	// StateFaulted is terminal: the restart policy is exhausted.
	StateFaulted
	// StateClosed is terminal: Stop was called.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s ConnectionState) Terminal() bool {
	return s == StateFaulted || s == StateClosed
}

// stateManager guards state transitions. Terminal states are sticky.
type stateManager struct {
	onChange func(from, to ConnectionState)
	state    ConnectionState
	mu       sync.RWMutex
}

func (m *stateManager) Current() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Set moves to next unless the current state is terminal. It reports
// whether the transition happened.
func (m *stateManager) Set(next ConnectionState) bool {
	m.mu.Lock()
	prev := m.state
	if prev.Terminal() || prev == next {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(prev, next)
	}
	return true
}
