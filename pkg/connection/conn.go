package connection

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pairlink/pkg/codec"
	"pairlink/pkg/jid"
	"pairlink/pkg/stanza"
)

// StanzaHandler receives stanzas from the connection's reader.
type StanzaHandler interface {
	HandleStanza(s *stanza.Stanza)
}

// StanzaSource is the inbound side of a connection.
type StanzaSource interface {
	AddStanzaHandler(h StanzaHandler)
	RemoveStanzaHandler(h StanzaHandler)
}

// StanzaSender is the outbound side of a connection.
type StanzaSender interface {
	SendStanza(s *stanza.Stanza) error
}

// Conn is the host connection as seen by the core.
type Conn interface {
	StanzaSource
	StanzaSender
}

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("connection: closed")

// MemConn is one end of an in-memory connection pair. Stanzas are rendered
// to XML and parsed again on the other end, then handed to the peer's
// handlers on the sender's goroutine.
type MemConn struct {
	local    jid.JID
	registry *codec.Registry
	logger   *zap.Logger

	mu       sync.RWMutex
	peer     *MemConn
	handlers []StanzaHandler
	closed   bool
}

// NewPipe connects two in-memory endpoints. reg decodes inbound extensions
// on both ends.
func NewPipe(a, b jid.JID, reg *codec.Registry, logger *zap.Logger) (*MemConn, *MemConn) {
	if logger == nil {
		logger = zap.NewNop()
	}
	left := &MemConn{local: a, registry: reg, logger: logger.With(zap.Stringer("jid", a))}
	right := &MemConn{local: b, registry: reg, logger: logger.With(zap.Stringer("jid", b))}
	left.peer = right
	right.peer = left
	return left, right
}

// JID returns the local address.
func (c *MemConn) JID() jid.JID { return c.local }

// SendStanza implements StanzaSender.
func (c *MemConn) SendStanza(s *stanza.Stanza) error {
	c.mu.RLock()
	closed, peer := c.closed, c.peer
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	out := *s
	out.From = c.local
	data, err := codec.MarshalStanza(&out)
	if err != nil {
		return fmt.Errorf("marshal stanza: %w", err)
	}
	return peer.deliver(data)
}

func (c *MemConn) deliver(data []byte) error {
	c.mu.RLock()
	closed := c.closed
	handlers := c.handlers
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	s, err := codec.ParseStanza(data, c.registry, c.logger)
	if err != nil {
		return fmt.Errorf("parse stanza: %w", err)
	}
	for _, h := range handlers {
		h.HandleStanza(s)
	}
	return nil
}

// AddStanzaHandler implements StanzaSource. Adding a handler twice has no
// effect.
func (c *MemConn) AddStanzaHandler(h StanzaHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.handlers {
		if existing == h {
			return
		}
	}
	next := make([]StanzaHandler, len(c.handlers), len(c.handlers)+1)
	copy(next, c.handlers)
	c.handlers = append(next, h)
}

// RemoveStanzaHandler implements StanzaSource.
func (c *MemConn) RemoveStanzaHandler(h StanzaHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]StanzaHandler, 0, len(c.handlers))
	for _, existing := range c.handlers {
		if existing != h {
			next = append(next, existing)
		}
	}
	c.handlers = next
}

// Handlers returns the number of attached handlers.
func (c *MemConn) Handlers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Close closes this end. Sends in either direction fail afterwards.
func (c *MemConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
