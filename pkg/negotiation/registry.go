// Package negotiation correlates multi-step handshakes (session join and
// project/resource transfer) by peer and negotiation id.
package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pairlink/pkg/jid"
)

// ErrDuplicate is returned when a negotiation with the same key exists.
var ErrDuplicate = errors.New("negotiation: duplicate negotiation")

// Owner is the handle of whoever runs a negotiation.
type Owner interface {
	// RemoteCancel is called at most once, when the peer cancels.
	RemoteCancel(reason string)
}

// State of a tracked negotiation.
type State int

const (
	StateRequested State = iota
	StateAcknowledged
	StateRunning
	StateCanceled
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateAcknowledged:
		return "acknowledged"
	case StateRunning:
		return "running"
	case StateCanceled:
		return "canceled"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Record is a tracked negotiation.
type Record[T Owner] struct {
	Peer    jid.JID
	ID      string
	State   State
	Owner   T
	Created time.Time
}

type recordKey struct {
	peer string
	id   string
}

func keyOf(peer jid.JID, id string) recordKey {
	return recordKey{peer: peer.Base(), id: id}
}

// Registry tracks negotiations keyed by (bare peer, negotiation id). Every
// call is atomic; there are no multi-key operations.
type Registry[T Owner] struct {
	mu      sync.RWMutex
	records map[recordKey]*Record[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T Owner]() *Registry[T] {
	return &Registry[T]{records: make(map[recordKey]*Record[T])}
}

// Add starts tracking a negotiation in StateRequested.
func (r *Registry[T]) Add(peer jid.JID, id string, owner T) error {
	k := keyOf(peer, id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, k.peer, id)
	}
	r.records[k] = &Record[T]{
		Peer:    peer,
		ID:      id,
		State:   StateRequested,
		Owner:   owner,
		Created: time.Now(),
	}
	return nil
}

// Get returns a copy of the record.
func (r *Registry[T]) Get(peer jid.JID, id string) (Record[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[keyOf(peer, id)]
	if !ok {
		return Record[T]{}, false
	}
	return *rec, true
}

// SetState updates the state of a tracked negotiation.
func (r *Registry[T]) SetState(peer jid.JID, id string, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[keyOf(peer, id)]
	if ok {
		rec.State = state
	}
	return ok
}

// Take removes and returns the record. Of concurrent callers at most one
// gets it.
func (r *Registry[T]) Take(peer jid.JID, id string) (Record[T], bool) {
	k := keyOf(peer, id)
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[k]
	if !ok {
		return Record[T]{}, false
	}
	delete(r.records, k)
	return *rec, true
}

// Remove stops tracking a negotiation.
func (r *Registry[T]) Remove(peer jid.JID, id string) bool {
	_, ok := r.Take(peer, id)
	return ok
}

// Len returns the number of tracked negotiations.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns copies of all records.
func (r *Registry[T]) Snapshot() []Record[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record[T], 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}
