package bytestream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"pairlink/pkg/jid"
	"pairlink/pkg/stanza"
)

// ErrUnknownPeer is returned for recipients without a registered address.
var ErrUnknownPeer = errors.New("bytestream: no address for peer")

// Pool routes binary extensions to the side-channel of their recipient,
// keeping one client per address. It implements transmitter.BinaryChannel.
type Pool struct {
	dialOpts []grpc.DialOption
	logger   *zap.Logger

	mu      sync.Mutex
	peers   map[string]string  // bare jid -> address
	clients map[string]*Client // address -> client

	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// NewPool creates an empty pool dialing with opts.
func NewPool(logger *zap.Logger, opts ...grpc.DialOption) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		dialOpts:     opts,
		logger:       logger,
		peers:        make(map[string]string),
		clients:      make(map[string]*Client),
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     2 * time.Second,
		jitterFactor: 0.2,
	}
}

// ConfigureRetry sets the attempts per send and the backoff bounds.
func (p *Pool) ConfigureRetry(maxRetries int, baseDelay, maxDelay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxRetries < 1 {
		maxRetries = 1
	}
	p.maxRetries = maxRetries
	p.baseDelay = baseDelay
	p.maxDelay = maxDelay
}

// SetPeerAddress registers the side-channel address of peer. Every
// resource of the peer shares it.
func (p *Pool) SetPeerAddress(peer jid.JID, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer.Base()] = address
}

// RemovePeer forgets peer. Its client stays open while other peers share
// the address.
func (p *Pool) RemovePeer(peer jid.JID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, peer.Base())
}

// Len returns the number of open clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// SendBinary sends ext to the address registered for ext.To, retrying
// transient failures with exponential backoff.
func (p *Pool) SendBinary(ctx context.Context, ext *stanza.BinaryExtension) error {
	p.mu.Lock()
	address, ok := p.peers[ext.To.Base()]
	maxRetries := p.maxRetries
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownPeer, ext.To.Bare())
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		client, err := p.client(ctx, address)
		if err == nil {
			_, err = client.Transfer(ctx, ext)
			if err == nil {
				return nil
			}
		}
		if !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		p.discard(address, client)

		p.logger.Debug("Binary send failed, retrying",
			zap.String("address", address),
			zap.Stringer("to", ext.To),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < maxRetries-1 {
			select {
			case <-time.After(p.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("all %d attempts to %s failed: %w", maxRetries, address, lastErr)
}

func (p *Pool) client(ctx context.Context, address string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[address]; ok {
		state := c.conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return c, nil
		}
		delete(p.clients, address)
		_ = c.Close()
	}

	c, err := Dial(ctx, address, p.logger, p.dialOpts...)
	if err != nil {
		return nil, err
	}
	p.clients[address] = c
	return c, nil
}

// discard drops c if it is still the pooled client for address.
func (p *Pool) discard(address string, c *Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients[address] == c {
		delete(p.clients, address)
		_ = c.Close()
	}
}

// backoff returns baseDelay * 2^attempt capped at maxDelay, with jitter.
func (p *Pool) backoff(attempt int) time.Duration {
	p.mu.Lock()
	base, ceiling, jitterFactor := p.baseDelay, p.maxDelay, p.jitterFactor
	p.mu.Unlock()

	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(ceiling) {
		delay = float64(ceiling)
	}
	delay += delay * jitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(base)
	}
	return time.Duration(delay)
}

// Close closes every pooled client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for address, c := range p.clients {
		err = multierr.Append(err, c.Close())
		delete(p.clients, address)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown:
		return true
	default:
		return false
	}
}
