// Package receiver delivers inbound stanzas to registered listeners.
//
// All stanzas, whether read from the connection or rebuilt from the binary
// side-channel, run through a single dispatch goroutine, so every listener
// observes them in the same order. Listener registries are copy-on-write:
// a dispatch round iterates a snapshot and registrations may change at any
// time, including from inside a listener.
package receiver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pairlink/pkg/codec"
	"pairlink/pkg/connection"
	"pairlink/pkg/stanza"
)

var (
	// ErrStopped is returned by operations on a stopped receiver.
	ErrStopped = errors.New("receiver: stopped")
	// ErrCanceled is returned by Collector.Next after Cancel.
	ErrCanceled = errors.New("receiver: collector canceled")
)

// Listener is invoked from the dispatch goroutine for every matching
// stanza. It must not block for long.
type Listener func(s *stanza.Stanza)

// Handle identifies a registration.
type Handle uint64

// Options tunes the dispatch context and the binary side-channel.
type Options struct {
	// QueueSize bounds the number of stanzas waiting for dispatch.
	QueueSize int
	// SlowListenerThreshold logs listeners running longer than this.
	// Zero disables the check.
	SlowListenerThreshold time.Duration
	// MaxPayloadSize caps inflated binary payloads. Zero disables the cap.
	MaxPayloadSize int64
	// CollectorCapacity bounds each collector's buffer; the oldest stanza
	// is discarded when it is full.
	CollectorCapacity int
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		QueueSize:             1024,
		SlowListenerThreshold: 500 * time.Millisecond,
		MaxPayloadSize:        64 << 20,
		CollectorCapacity:     5000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.CollectorCapacity <= 0 {
		o.CollectorCapacity = d.CollectorCapacity
	}
	return o
}

type listenerEntry struct {
	handle   Handle
	listener Listener
	filter   stanza.Filter
}

// Receiver is the stanza dispatcher.
type Receiver struct {
	registry *codec.Registry
	logger   *zap.Logger
	opts     Options

	mu           sync.RWMutex
	listeners    []listenerEntry
	interceptors []interceptorEntry
	observers    []observerEntry
	nextID       Handle

	tasks   chan func()
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
	runMu   sync.Mutex

	// parser is owned by the dispatch goroutine.
	parser *codec.Parser
}

// New creates a receiver. Binary payloads are decoded with the providers in
// registry; nil selects codec.Default().
func New(registry *codec.Registry, opts Options, logger *zap.Logger) *Receiver {
	if registry == nil {
		registry = codec.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Receiver{
		registry: registry,
		logger:   logger,
		opts:     opts,
		tasks:    make(chan func(), opts.QueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		parser:   codec.NewParser(),
	}
}

// Start launches the dispatch goroutine.
func (r *Receiver) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.run()
}

// Stop dispatches what is already queued and terminates the dispatch
// goroutine. Stanzas arriving afterwards are discarded.
func (r *Receiver) Stop() {
	r.runMu.Lock()
	if r.stopped {
		r.runMu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	close(r.stopCh)
	r.runMu.Unlock()

	if started {
		<-r.doneCh
	}
}

func (r *Receiver) run() {
	defer close(r.doneCh)
	for {
		select {
		case task := <-r.tasks:
			task()
		case <-r.stopCh:
			for {
				select {
				case task := <-r.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (r *Receiver) submit(task func()) bool {
	select {
	case <-r.stopCh:
		return false
	default:
	}
	select {
	case r.tasks <- task:
		return true
	case <-r.stopCh:
		return false
	}
}

// Sync blocks until everything submitted before the call was dispatched.
func (r *Receiver) Sync(ctx context.Context) error {
	select {
	case <-r.stopCh:
		return ErrStopped
	default:
	}

	done := make(chan struct{})
	select {
	case r.tasks <- func() { close(done) }:
	case <-r.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-r.doneCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleStanza implements connection.StanzaHandler.
func (r *Receiver) HandleStanza(s *stanza.Stanza) {
	r.ProcessStanza(s)
}

// ProcessStanza queues s for dispatch. Called from the connection's reader.
func (r *Receiver) ProcessStanza(s *stanza.Stanza) {
	if !r.submit(func() { r.forward(s) }) {
		r.logger.Debug("Receiver stopped, discarding stanza", zap.String("id", s.ID))
	}
}

// ConnectionStateChanged attaches the receiver to src when a connection
// attempt starts and detaches it on any state other than Connecting or
// Connected. It has the signature of connection.StateListener.
func (r *Receiver) ConnectionStateChanged(src connection.StanzaSource, state connection.State) {
	switch state {
	case connection.Connecting:
		if src != nil {
			src.AddStanzaHandler(r)
		}
	case connection.Connected:
	default:
		if src != nil {
			src.RemoveStanzaHandler(r)
		}
	}
}

// AddListener registers l for stanzas accepted by filter. A nil filter
// accepts everything.
func (r *Receiver) AddListener(l Listener, filter stanza.Filter) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	next := make([]listenerEntry, len(r.listeners), len(r.listeners)+1)
	copy(next, r.listeners)
	r.listeners = append(next, listenerEntry{handle: r.nextID, listener: l, filter: filter})
	return r.nextID
}

// RemoveListener unregisters a listener. Unknown handles are ignored.
func (r *Receiver) RemoveListener(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]listenerEntry, 0, len(r.listeners))
	for _, e := range r.listeners {
		if e.handle != h {
			next = append(next, e)
		}
	}
	r.listeners = next
}

// ListenerCount returns the number of registered listeners, collectors
// included.
func (r *Receiver) ListenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// forward runs on the dispatch goroutine.
func (r *Receiver) forward(s *stanza.Stanza) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	for _, e := range listeners {
		r.invoke(e, s)
	}
}

func (r *Receiver) invoke(e listenerEntry, s *stanza.Stanza) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Stanza listener panicked",
				zap.Uint64("listener", uint64(e.handle)),
				zap.String("id", s.ID),
				zap.Any("panic", rec))
		}
		if threshold := r.opts.SlowListenerThreshold; threshold > 0 {
			if elapsed := time.Since(start); elapsed > threshold {
				r.logger.Warn("Slow stanza listener",
					zap.Uint64("listener", uint64(e.handle)),
					zap.Duration("elapsed", elapsed))
			}
		}
	}()

	if e.filter.Accept(s) {
		e.listener(s)
	}
}
