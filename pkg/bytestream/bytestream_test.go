package bytestream

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"pairlink/pkg/codec"
	"pairlink/pkg/extensions"
	"pairlink/pkg/jid"
	"pairlink/pkg/receiver"
	"pairlink/pkg/stanza"
	"pairlink/pkg/transmitter"
)

var (
	alice = jid.MustParse("alice@example.org/laptop")
	bob   = jid.MustParse("bob@example.org/desktop")
)

type captureSink struct {
	mu   sync.Mutex
	exts []*stanza.BinaryExtension
}

func (c *captureSink) Receive(ext *stanza.BinaryExtension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exts = append(c.exts, ext)
}

func (c *captureSink) received() []*stanza.BinaryExtension {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*stanza.BinaryExtension(nil), c.exts...)
}

func newClient(t *testing.T, sink Sink) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(sink, zaptest.NewLogger(t))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn, zaptest.NewLogger(t))
}

func TestFrameRoundTrip(t *testing.T) {
	ext := &stanza.BinaryExtension{
		Namespace:        extensions.Namespace,
		ElementName:      "pnOffer",
		From:             alice,
		To:               bob,
		Mode:             "grpc",
		Compressed:       true,
		CompressedSize:   3,
		UncompressedSize: 42,
		Duration:         1500 * time.Millisecond,
		Payload:          []byte{1, 2, 3},
	}

	got, err := UnmarshalExtension(MarshalExtension(ext))
	require.NoError(t, err)
	assert.Equal(t, ext.Namespace, got.Namespace)
	assert.Equal(t, ext.ElementName, got.ElementName)
	assert.True(t, got.From.StrictlyEqual(alice))
	assert.True(t, got.To.StrictlyEqual(bob))
	assert.Equal(t, ext.Mode, got.Mode)
	assert.True(t, got.Compressed)
	assert.Equal(t, ext.CompressedSize, got.CompressedSize)
	assert.Equal(t, ext.UncompressedSize, got.UncompressedSize)
	assert.Equal(t, ext.Duration, got.Duration)
	assert.Equal(t, ext.Payload, got.Payload)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := UnmarshalExtension([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = UnmarshalExtension(MarshalExtension(&stanza.BinaryExtension{Payload: []byte("x")}))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestTransfer(t *testing.T) {
	sink := &captureSink{}
	client := newClient(t, sink)

	exts := []*stanza.BinaryExtension{
		{Namespace: "saros", ElementName: "ping", From: alice, To: bob, Payload: []byte("a")},
		{Namespace: "saros", ElementName: "pong", From: bob, To: alice, Payload: []byte("b")},
	}
	n, err := client.Transfer(context.Background(), exts...)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := sink.received()
	require.Len(t, got, 2)
	assert.Equal(t, "ping", got[0].ElementName)
	assert.Equal(t, "pong", got[1].ElementName)
	assert.Positive(t, got[0].Duration)
	assert.Nil(t, client.Close())
}

func TestMalformedFrameFailsTransfer(t *testing.T) {
	sink := &captureSink{}
	client := newClient(t, sink)

	_, err := client.Transfer(context.Background(), &stanza.BinaryExtension{Payload: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(errors.Unwrap(err)))
	assert.Empty(t, sink.received())
}

func TestSideChannelEndToEnd(t *testing.T) {
	reg := codec.NewRegistry()
	extensions.Register(reg)
	rx := receiver.New(reg, receiver.Options{}, zaptest.NewLogger(t))
	rx.Start()
	t.Cleanup(rx.Stop)

	offers := rx.CreateCollector(extensions.ProjectOfferingProvider.Filter())
	defer offers.Cancel()

	client := newClient(t, rx)
	tx := transmitter.New(alice, nil, zaptest.NewLogger(t))
	opts := transmitter.DefaultOptions()
	opts.CompressionThreshold = 0
	tx.SetBinaryChannel(client, opts)

	offer := extensions.NewProjectOffering("n1", "s1", []extensions.ResourceDescriptor{
		{ProjectID: "p1", Path: "src/main.go", Size: 120},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tx.SendBinary(ctx, bob, extensions.ProjectOfferingProvider.Create(offer)))

	s, err := offers.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stanza.IDNotAvailable, s.ID)
	assert.True(t, s.From.StrictlyEqual(alice))
	assert.True(t, s.To.StrictlyEqual(bob))

	got, ok := extensions.ProjectOfferingProvider.Payload(s)
	require.True(t, ok)
	assert.Equal(t, "n1", got.NegotiationID)
	require.Len(t, got.Resources, 1)
	assert.Equal(t, "src/main.go", got.Resources[0].Path)
}

func listen(t *testing.T, sink Sink) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(sink, zaptest.NewLogger(t))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestPoolRoutesByPeer(t *testing.T) {
	carol := jid.MustParse("carol@example.org/tablet")
	bobSink, carolSink := &captureSink{}, &captureSink{}

	pool := NewPool(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = pool.Close() })
	pool.SetPeerAddress(bob, listen(t, bobSink))
	pool.SetPeerAddress(carol.Bare(), listen(t, carolSink))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	send := func(to jid.JID) error {
		return pool.SendBinary(ctx, &stanza.BinaryExtension{
			Namespace: extensions.Namespace, ElementName: "ping", From: alice, To: to, Payload: []byte("<ping/>"),
		})
	}
	require.NoError(t, send(bob))
	require.NoError(t, send(jid.MustParse("bob@example.org/phone")))
	assert.Equal(t, 1, pool.Len())
	require.NoError(t, send(carol))
	assert.Equal(t, 2, pool.Len())

	assert.Len(t, bobSink.received(), 2)
	assert.Len(t, carolSink.received(), 1)

	pool.RemovePeer(carol)
	assert.ErrorIs(t, send(carol), ErrUnknownPeer)

	assert.NoError(t, pool.Close())
	assert.Zero(t, pool.Len())
}

func TestPoolDoesNotRetryRejectedFrames(t *testing.T) {
	pool := NewPool(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = pool.Close() })
	pool.SetPeerAddress(bob, listen(t, &captureSink{}))
	pool.ConfigureRetry(5, time.Second, time.Second)

	start := time.Now()
	err := pool.SendBinary(context.Background(), &stanza.BinaryExtension{To: bob, Payload: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, pool.Len())
}

func TestPoolRetriesUnavailablePeer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := lis.Addr().String()
	require.NoError(t, lis.Close())

	pool := NewPool(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = pool.Close() })
	pool.SetPeerAddress(bob, address)
	pool.ConfigureRetry(3, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = pool.SendBinary(ctx, &stanza.BinaryExtension{
		Namespace: extensions.Namespace, ElementName: "ping", From: alice, To: bob, Payload: []byte("<ping/>"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 attempts")
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Zero(t, pool.Len())
}
