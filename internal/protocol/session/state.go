package session

import "sync/atomic"

// State is the client side liveness of one session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRequestPending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRequestPending:
		return "request-pending"
	default:
		return "unknown"
	}
}

// allowed lists legal transitions. Any state may drop to disconnected.
var allowed = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateConnected, StateDisconnected},
	StateConnected:      {StateRequestPending, StateDisconnected},
	StateRequestPending: {StateConnected, StateDisconnected},
}

// Tracker holds the state of one client and rejects illegal transitions.
type Tracker struct {
	state atomic.Int32
}

func (t *Tracker) Load() State {
	return State(t.state.Load())
}

// Transition moves to next if the move is legal and reports whether it did.
func (t *Tracker) Transition(next State) bool {
	for {
		cur := State(t.state.Load())
		if !CanTransition(cur, next) {
			return false
		}
		if t.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// Reset forces the disconnected state.
func (t *Tracker) Reset() {
	t.state.Store(int32(StateDisconnected))
}

func CanTransition(from, to State) bool {
	if to == StateDisconnected {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
