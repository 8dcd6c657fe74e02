package license

import (
	"fmt"
	"sync"
)

// Stater is implemented by state types usable with Machine.
type Stater interface {
	comparable
	fmt.Stringer
}

// Transition defines a valid state transition.
type Transition[S Stater] struct {
	From S
	To   S
	Name string // for logging
}

type transitionKey[S Stater] struct {
	From, To S
}

// Machine enforces valid state transitions.
type Machine[S Stater] struct {
	mu      sync.RWMutex
	current S

	allowed  map[transitionKey[S]]string
	onChange func(from, to S, name string)
}

// NewMachine creates a state machine starting at the given state. on, when
// set, is called after every successful transition while the machine lock
// is held; it must not call back into the machine.
func NewMachine[S Stater](initial S, transitions []Transition[S], on func(from, to S, name string)) *Machine[S] {
	sm := &Machine[S]{
		current:  initial,
		allowed:  make(map[transitionKey[S]]string, len(transitions)),
		onChange: on,
	}
	for _, t := range transitions {
		sm.allowed[transitionKey[S]{From: t.From, To: t.To}] = t.Name
	}
	return sm
}

func (sm *Machine[S]) look(from, to S) (string, bool) {
	name, ok := sm.allowed[transitionKey[S]{From: from, To: to}]
	return name, ok
}

// CanTransitionTo checks if a transition to the target state is valid.
func (sm *Machine[S]) CanTransitionTo(to S) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.look(sm.current, to)
	return ok
}

// TransitionTo moves to the target state or returns an error if the
// transition is not allowed from the current state.
func (sm *Machine[S]) TransitionTo(to S) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.transitionLocked(to)
}

// CompareAndTransition moves from -> to only if the machine is currently in
// from. It reports the state observed when it did not.
func (sm *Machine[S]) CompareAndTransition(from, to S) (S, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current != from {
		return sm.current, false
	}
	if err := sm.transitionLocked(to); err != nil {
		return sm.current, false
	}
	return to, true
}

func (sm *Machine[S]) transitionLocked(to S) error {
	c := sm.current
	name, ok := sm.look(c, to)
	if !ok {
		return fmt.Errorf("invalid state transition: %s -> %s", c, to)
	}
	sm.current = to
	if sm.onChange != nil {
		sm.onChange(c, to, name)
	}
	return nil
}

// Current returns the current state.
func (sm *Machine[S]) Current() S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// State is a phase of the authorization flow.
type State int

const (
	StateIdle State = iota
	StateUnverified
	StateVerifying
	StateAuthorized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUnverified:
		return "unverified"
	case StateVerifying:
		return "verifying"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// controllerTransitions is the authorization flow. Authorized only leaves
// for Closed at session end.
var controllerTransitions = []Transition[State]{
	{From: StateIdle, To: StateUnverified, Name: "start"},
	{From: StateUnverified, To: StateVerifying, Name: "submit"},
	{From: StateVerifying, To: StateAuthorized, Name: "approved"},
	{From: StateVerifying, To: StateUnverified, Name: "retry"},
	{From: StateIdle, To: StateClosed, Name: "close"},
	{From: StateUnverified, To: StateClosed, Name: "close"},
	{From: StateVerifying, To: StateClosed, Name: "close"},
	{From: StateAuthorized, To: StateClosed, Name: "close"},
}
