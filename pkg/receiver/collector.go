package receiver

import (
	"context"
	"sync"

	"pairlink/pkg/stanza"
)

// Collector buffers matching stanzas for consumers that poll instead of
// registering a callback.
type Collector struct {
	receiver *Receiver
	handle   Handle
	capacity int

	mu       sync.Mutex
	buf      []*stanza.Stanza
	notify   chan struct{}
	done     chan struct{}
	canceled bool
}

// CreateCollector registers a collector for stanzas accepted by filter.
func (r *Receiver) CreateCollector(filter stanza.Filter) *Collector {
	c := &Collector{
		receiver: r,
		capacity: r.opts.CollectorCapacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.handle = r.AddListener(c.collect, filter)
	return c
}

func (c *Collector) collect(s *stanza.Stanza) {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	if len(c.buf) >= c.capacity {
		c.buf = c.buf[1:]
	}
	c.buf = append(c.buf, s)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Poll returns the oldest buffered stanza, or nil if none is buffered.
func (c *Collector) Poll() *stanza.Stanza {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return nil
	}
	s := c.buf[0]
	c.buf[0] = nil
	c.buf = c.buf[1:]
	return s
}

// Next blocks until a stanza is available, the collector is canceled or ctx
// is done.
func (c *Collector) Next(ctx context.Context) (*stanza.Stanza, error) {
	for {
		if s := c.Poll(); s != nil {
			return s, nil
		}
		select {
		case <-c.notify:
		case <-c.done:
			if s := c.Poll(); s != nil {
				return s, nil
			}
			return nil, ErrCanceled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered stanzas.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Cancel removes the collector from the receiver. Calling it again has no
// effect.
func (c *Collector) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	close(c.done)
	c.mu.Unlock()

	c.receiver.RemoveListener(c.handle)
}
