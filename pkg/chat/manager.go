package chat

import (
	"sync"

	"go.uber.org/zap"

	"pairlink/pkg/jid"
	"pairlink/pkg/receiver"
	"pairlink/pkg/stanza"
)

// Observer receives the chat states of room occupants.
type Observer func(sender jid.JID, state State)

// Handle identifies an observer registration.
type Handle uint64

// RoomSender sends groupchat messages.
type RoomSender interface {
	SendToRoom(room jid.JID, s *stanza.Stanza) error
}

// StanzaReceiver registers listeners with the dispatcher.
type StanzaReceiver interface {
	AddListener(l receiver.Listener, filter stanza.Filter) receiver.Handle
	RemoveListener(h receiver.Handle)
}

type observerEntry struct {
	handle   Handle
	observer Observer
}

// Manager tracks the chat state of one room.
type Manager struct {
	room   jid.JID
	tx     RoomSender
	rx     StanzaReceiver
	logger *zap.Logger

	mu       sync.Mutex
	last     State
	closed   bool
	listener receiver.Handle

	obsMu     sync.RWMutex
	observers []observerEntry
	nextID    Handle
}

func newManager(room jid.JID, tx RoomSender, rx StanzaReceiver, logger *zap.Logger) *Manager {
	m := &Manager{
		room:   room.Bare(),
		tx:     tx,
		rx:     rx,
		logger: logger.With(zap.Stringer("room", room.Bare())),
	}
	m.listener = rx.AddListener(m.handleMessage, stanza.And(
		stanza.OfKind(stanza.KindMessage),
		stanza.OfType(stanza.TypeGroupChat),
		stanza.FromBare(m.room),
		stanza.HasNamespace(Namespace),
	))
	return m
}

// Room returns the bare room address.
func (m *Manager) Room() jid.JID { return m.room }

// LastState returns the last state sent, or "" if none was.
func (m *Manager) LastState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// SetState announces state to the room unless it was the last state sent.
// The state is remembered even if the send fails.
func (m *Manager) SetState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Warn("Chat state set on closed room", zap.String("state", string(state)))
		return
	}
	if state == m.last {
		return
	}

	msg := &stanza.Stanza{Kind: stanza.KindMessage}
	msg.SetBody("")
	msg.AddExtension(&Element{State: state})
	if err := m.tx.SendToRoom(m.room, msg); err != nil {
		m.logger.Error("Failed to send chat state",
			zap.String("state", string(state)),
			zap.Error(err))
	}
	m.last = state
}

// AddObserver registers o for inbound chat states.
func (m *Manager) AddObserver(o Observer) Handle {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextID++
	next := make([]observerEntry, len(m.observers), len(m.observers)+1)
	copy(next, m.observers)
	m.observers = append(next, observerEntry{handle: m.nextID, observer: o})
	return m.nextID
}

// RemoveObserver unregisters an observer.
func (m *Manager) RemoveObserver(h Handle) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	next := make([]observerEntry, 0, len(m.observers))
	for _, e := range m.observers {
		if e.handle != h {
			next = append(next, e)
		}
	}
	m.observers = next
}

func (m *Manager) handleMessage(s *stanza.Stanza) {
	ext := s.ExtensionByNamespace(Namespace)
	if ext == nil {
		return
	}
	state, ok := ParseState(ext.ElementName())
	if !ok {
		return
	}

	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, e := range observers {
		m.notify(e, s.From, state)
	}
}

func (m *Manager) notify(e observerEntry, from jid.JID, state State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Chat state observer panicked",
				zap.Uint64("observer", uint64(e.handle)),
				zap.String("state", string(state)),
				zap.Any("panic", r))
		}
	}()
	e.observer(from, state)
}

func (m *Manager) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.rx.RemoveListener(m.listener)
}
