package client

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/livebridge/pkg/protocol"
)

// State is the push-to-talk activity state.
type State int

const (
	// Idle means the talk control is released; captured audio is discarded.
	Idle State = iota

	// Listening means the talk control is held; captured audio is transmitted.
	Listening
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Listening:
		return "LISTENING"
	default:
		return "UNKNOWN"
	}
}

// Activity is the push-to-talk state machine. It emits explicit activityStart
// and activityEnd boundaries and is the only authority on whether captured
// frames may be transmitted.
//
// All methods are safe for concurrent use. Emission happens under the state
// lock, so a frame transmitted through [Activity.Transmit] can never be
// ordered after the activityEnd that closed its utterance.
type Activity struct {
	emit func(protocol.ClientMessage) bool

	mu       sync.Mutex
	state    State
	onChange func(State)
}

// NewActivity returns an Activity in the Idle state that hands boundary
// messages to emit. emit must not block; it reports whether the message was
// accepted for transmission.
func NewActivity(emit func(protocol.ClientMessage) bool) *Activity {
	return &Activity{emit: emit}
}

// OnChange registers cb to be called after every state transition. Only one
// callback may be registered; later calls replace it. cb runs with the state
// lock held and must not call back into the Activity.
func (a *Activity) OnChange(cb func(State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = cb
}

// State returns the current state.
func (a *Activity) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Engage handles the talk control being pressed. From Idle it emits
// activityStart and moves to Listening; while already Listening it does
// nothing. If emit refuses the boundary the state stays Idle. It reports
// whether a transition happened.
func (a *Activity) Engage() bool {
	return a.transition(Idle, Listening, protocol.ActivityStart())
}

// Release handles the talk control being let go. From Listening it emits
// activityEnd and moves to Idle; while Idle it does nothing. If emit refuses
// the boundary the state stays Listening, so the utterance is still open on
// the wire. It reports whether a transition happened.
func (a *Activity) Release() bool {
	return a.transition(Listening, Idle, protocol.ActivityEnd())
}

// transition moves from -> to only once boundary has been accepted, keeping
// every activityStart on the wire paired with an activityEnd.
func (a *Activity) transition(from, to State, boundary protocol.ClientMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return false
	}
	if !a.emit(boundary) {
		slog.Warn("push-to-talk boundary not sent; state unchanged", "kind", boundary.Kind(), "state", a.state)
		return false
	}
	a.setLocked(to)
	return true
}

// Leave handles the pointer leaving the talk control while it is held. It is
// treated exactly like [Activity.Release].
func (a *Activity) Leave() bool { return a.Release() }

// Reset forces the Idle state without emitting anything. Used when the
// session is torn down and no boundary can be delivered.
func (a *Activity) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Idle {
		a.setLocked(Idle)
	}
}

// Transmit calls send only while Listening. It reports whether the frame was
// eligible and, if so, what send returned.
func (a *Activity) Transmit(send func() bool) (eligible, sent bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Listening {
		return false, false
	}
	return true, send()
}

func (a *Activity) setLocked(s State) {
	a.state = s
	if a.onChange != nil {
		a.onChange(s)
	}
}
