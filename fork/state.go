package fork

import "sync/atomic"

// State is the coordinator lifecycle state
type State int32

const (
	// StateInitializing: protocol checked and fork point resolved next
	StateInitializing State = iota
	// StateReady: serving reads, accepting block production
	StateReady
	// StateProducing: a block build is in flight
	StateProducing
	// StateDegraded: remote unreachable, serving cache-only reads
	StateDegraded
	// StateClosed: torn down, every operation fails
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateProducing:
		return "producing"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type stateMachine struct {
	value atomic.Int32
}

func (m *stateMachine) load() State {
	return State(m.value.Load())
}

func (m *stateMachine) set(s State) {
	m.value.Store(int32(s))
}

// swap transitions from one state to another atomically, reporting
// whether the transition happened
func (m *stateMachine) swap(from, to State) bool {
	return m.value.CompareAndSwap(int32(from), int32(to))
}
