package connection

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// StateListener is notified after every accepted transition.
type StateListener func(src StanzaSource, state State)

// Handle identifies a registered listener.
type Handle uint64

type stateEntry struct {
	handle   Handle
	listener StateListener
}

// Tracker drives the state machine on behalf of the connection owner. Unlike
// State.IsValidFollowState it enforces legality: illegal transitions are
// rejected with ErrStateViolation and the state is left untouched.
type Tracker struct {
	source StanzaSource
	logger *zap.Logger

	// transitionMu serializes transitions together with their notifications
	// so listeners observe states in order. Listeners must not call
	// Transition.
	transitionMu sync.Mutex

	mu        sync.RWMutex
	state     State
	lastErr   error
	listeners []stateEntry
	nextID    Handle
}

// NewTracker creates a tracker in NotConnected for the given connection.
func NewTracker(source StanzaSource, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		source: source,
		logger: logger,
		state:  NotConnected,
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Err returns the error recorded by the last Fail, if the tracker is still in
// Error.
func (t *Tracker) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// Transition moves to next and notifies listeners.
func (t *Tracker) Transition(next State) error {
	return t.transition(next, nil)
}

// Fail moves to Error, recording cause.
func (t *Tracker) Fail(cause error) error {
	return t.transition(Error, cause)
}

func (t *Tracker) transition(next State, cause error) error {
	t.transitionMu.Lock()
	defer t.transitionMu.Unlock()

	t.mu.Lock()
	prev := t.state
	if !prev.IsValidFollowState(next) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrStateViolation, prev, next)
	}
	t.state = next
	t.lastErr = cause
	listeners := t.listeners
	t.mu.Unlock()

	t.logger.Debug("Connection state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.Error(cause))

	for _, entry := range listeners {
		t.notify(entry, next)
	}
	return nil
}

func (t *Tracker) notify(entry stateEntry, state State) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Connection state listener panicked",
				zap.Uint64("listener", uint64(entry.handle)),
				zap.Any("panic", r))
		}
	}()
	entry.listener(t.source, state)
}

// AddListener registers l. Listeners added during a notification round are
// first called on the next transition.
func (t *Tracker) AddListener(l StateListener) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	next := make([]stateEntry, len(t.listeners), len(t.listeners)+1)
	copy(next, t.listeners)
	t.listeners = append(next, stateEntry{handle: t.nextID, listener: l})
	return t.nextID
}

// RemoveListener unregisters the listener. Unknown handles are ignored.
func (t *Tracker) RemoveListener(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make([]stateEntry, 0, len(t.listeners))
	for _, entry := range t.listeners {
		if entry.handle != h {
			next = append(next, entry)
		}
	}
	t.listeners = next
}
