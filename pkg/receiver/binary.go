package receiver

import (
	"go.uber.org/zap"

	"pairlink/pkg/codec"
	"pairlink/pkg/stanza"
)

// Interceptor inspects a binary extension before it is decoded. Returning
// false vetoes delivery.
type Interceptor func(ext *stanza.BinaryExtension) bool

// TransferObserver is told about every binary transfer that passed the
// interceptors and decompression, whether or not it decodes afterwards.
type TransferObserver interface {
	TransferReceived(ext *stanza.BinaryExtension)
}

// DropObserver may additionally be implemented by a TransferObserver to
// learn about discarded binary packets.
type DropObserver interface {
	PacketDropped(reason DropReason)
}

// DropReason says why a binary packet was discarded.
type DropReason string

const (
	DropIntercepted DropReason = "intercepted"
	DropInflate     DropReason = "inflate"
	DropNoProvider  DropReason = "no_provider"
	DropParse       DropReason = "parse"
)

type interceptorEntry struct {
	handle      Handle
	interceptor Interceptor
}

type observerEntry struct {
	handle   Handle
	observer TransferObserver
}

// Receive queues a binary extension for decoding and dispatch. Called from
// the side-channel transport.
func (r *Receiver) Receive(ext *stanza.BinaryExtension) {
	ok := r.submit(func() {
		if s := r.convert(ext); s != nil {
			r.forward(s)
		}
	})
	if !ok {
		r.logger.Debug("Receiver stopped, discarding binary extension",
			zap.String("element", ext.ElementName))
	}
}

// AddInterceptor registers i. Interceptors run in registration order.
func (r *Receiver) AddInterceptor(i Interceptor) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	next := make([]interceptorEntry, len(r.interceptors), len(r.interceptors)+1)
	copy(next, r.interceptors)
	r.interceptors = append(next, interceptorEntry{handle: r.nextID, interceptor: i})
	return r.nextID
}

// RemoveInterceptor unregisters an interceptor.
func (r *Receiver) RemoveInterceptor(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]interceptorEntry, 0, len(r.interceptors))
	for _, e := range r.interceptors {
		if e.handle != h {
			next = append(next, e)
		}
	}
	r.interceptors = next
}

// AddTransferObserver registers o.
func (r *Receiver) AddTransferObserver(o TransferObserver) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	next := make([]observerEntry, len(r.observers), len(r.observers)+1)
	copy(next, r.observers)
	r.observers = append(next, observerEntry{handle: r.nextID, observer: o})
	return r.nextID
}

// RemoveTransferObserver unregisters an observer.
func (r *Receiver) RemoveTransferObserver(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]observerEntry, 0, len(r.observers))
	for _, e := range r.observers {
		if e.handle != h {
			next = append(next, e)
		}
	}
	r.observers = next
}

// convert rebuilds a stanza from a binary extension. It returns nil if the
// packet is to be dropped. Runs on the dispatch goroutine only.
func (r *Receiver) convert(ext *stanza.BinaryExtension) *stanza.Stanza {
	logger := r.logger.With(
		zap.String("namespace", ext.Namespace),
		zap.String("element", ext.ElementName),
		zap.Stringer("from", ext.From))

	r.mu.RLock()
	interceptors := r.interceptors
	r.mu.RUnlock()

	accept := true
	for _, e := range interceptors {
		accept = r.intercept(e, ext) && accept
	}
	if !accept {
		logger.Debug("Binary extension vetoed by interceptor")
		r.dropped(DropIntercepted)
		return nil
	}

	logger.Debug("Received binary extension",
		zap.Int64("size", ext.CompressedSize),
		zap.Duration("duration", ext.Duration),
		zap.String("mode", ext.Mode))

	if ext.Compressed {
		compressedSize := int64(len(ext.Payload))
		payload, err := codec.Inflate(ext.Payload, codec.ChunkSize, r.opts.MaxPayloadSize)
		if err != nil {
			logger.Error("Could not decompress extension payload", zap.Error(err))
			r.dropped(DropInflate)
			return nil
		}
		ext.SetPayload(compressedSize, payload)
	} else if ext.UncompressedSize == 0 {
		ext.SetPayload(int64(len(ext.Payload)), ext.Payload)
	}

	r.notifyTransfer(ext)

	provider, ok := r.registry.Lookup(ext.Namespace, ext.ElementName)
	if !ok {
		logger.Warn("Could not deserialize transfer object: no provider installed")
		r.dropped(DropNoProvider)
		return nil
	}

	el, err := r.parser.Parse(ext.Payload, provider)
	if err != nil {
		logger.Error("Could not deserialize transfer object payload", zap.Error(err))
		r.parser = codec.NewParser()
		r.dropped(DropParse)
		return nil
	}

	s := &stanza.Stanza{
		Kind: stanza.KindMessage,
		ID:   stanza.IDNotAvailable,
		From: ext.From,
		To:   ext.To,
	}
	s.AddExtension(el)
	return s
}

func (r *Receiver) intercept(e interceptorEntry, ext *stanza.BinaryExtension) (accept bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Packet interceptor panicked",
				zap.Uint64("interceptor", uint64(e.handle)),
				zap.Any("panic", rec))
			accept = false
		}
	}()
	return e.interceptor(ext)
}

func (r *Receiver) notifyTransfer(ext *stanza.BinaryExtension) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()

	for _, e := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Transfer observer panicked",
						zap.Uint64("observer", uint64(e.handle)),
						zap.Any("panic", rec))
				}
			}()
			e.observer.TransferReceived(ext)
		}()
	}
}

func (r *Receiver) dropped(reason DropReason) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()

	for _, e := range observers {
		d, ok := e.observer.(DropObserver)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Drop observer panicked",
						zap.Uint64("observer", uint64(e.handle)),
						zap.String("reason", string(reason)),
						zap.Any("panic", rec))
				}
			}()
			d.PacketDropped(reason)
		}()
	}
}
