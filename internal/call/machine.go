package call

import "sync"

// Status is the lifecycle position of a call. Transitions only move
// forward: connecting, waiting, connected, ended. Ended is terminal.
type Status int

const (
	StatusConnecting Status = iota
	StatusWaiting
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusWaiting:
		return "waiting"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Machine tracks call status monotonically. Advance ignores anything that
// would move backward or repeat the current status, so late or duplicate
// events can never resurrect a call.
type Machine struct {
	mu       sync.Mutex
	current  Status
	observer func(Status)
}

// NewMachine starts at connecting. observer, if non-nil, is called after
// every accepted transition with the new status.
func NewMachine(observer func(Status)) *Machine {
	return &Machine{current: StatusConnecting, observer: observer}
}

// Advance moves to the given status if it is strictly later than the
// current one. Returns whether the transition was accepted.
func (m *Machine) Advance(to Status) bool {
	m.mu.Lock()
	if to <= m.current {
		m.mu.Unlock()
		return false
	}
	m.current = to
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(to)
	}
	return true
}

// Current returns the present status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
