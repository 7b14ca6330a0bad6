package chat

import (
	"sync"

	"go.uber.org/zap"

	"pairlink/pkg/jid"
)

// Registry holds one Manager per room. Managers are created on first use and
// live until the room is closed.
type Registry struct {
	tx     RoomSender
	rx     StanzaReceiver
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry(tx RoomSender, rx StanzaReceiver, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tx:     tx,
		rx:     rx,
		logger: logger,
		rooms:  make(map[string]*Manager),
	}
}

// Get returns the manager of room, creating it if needed.
func (r *Registry) Get(room jid.JID) *Manager {
	key := room.Base()
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rooms[key]
	if !ok {
		m = newManager(room, r.tx, r.rx, r.logger)
		r.rooms[key] = m
	}
	return m
}

// Close disposes the manager of room. It reports whether one existed.
func (r *Registry) Close(room jid.JID) bool {
	r.mu.Lock()
	m, ok := r.rooms[room.Base()]
	delete(r.rooms, room.Base())
	r.mu.Unlock()

	if ok {
		m.close()
	}
	return ok
}

// CloseAll disposes every manager.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range rooms {
		m.close()
	}
}

// Len returns the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
