package receiver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pairlink/pkg/codec"
	"pairlink/pkg/connection"
	"pairlink/pkg/extensions"
	"pairlink/pkg/jid"
	"pairlink/pkg/stanza"
)

var (
	alice = jid.MustParse("alice@example.org/laptop")
	bob   = jid.MustParse("bob@example.org/desktop")
)

func newTestReceiver(t *testing.T) *Receiver {
	t.Helper()
	reg := codec.NewRegistry()
	extensions.Register(reg)
	r := New(reg, Options{}, zaptest.NewLogger(t))
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func drain(t *testing.T, r *Receiver) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Sync(ctx))
}

func pingStanza(id, sessionID string) *stanza.Stanza {
	s := stanza.NewMessage(bob, stanza.TypeNormal)
	s.ID = id
	s.From = alice
	s.AddExtension(extensions.PingProvider.Create(extensions.NewPing(sessionID)))
	return s
}

type recordingObserver struct {
	mu        sync.Mutex
	transfers []stanza.BinaryExtension
	drops     []DropReason
}

func (o *recordingObserver) TransferReceived(ext *stanza.BinaryExtension) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transfers = append(o.transfers, *ext)
}

func (o *recordingObserver) PacketDropped(reason DropReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drops = append(o.drops, reason)
}

func (o *recordingObserver) snapshot() ([]stanza.BinaryExtension, []DropReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]stanza.BinaryExtension(nil), o.transfers...), append([]DropReason(nil), o.drops...)
}

func TestListenersObserveSameOrder(t *testing.T) {
	r := newTestReceiver(t)

	var first, second []string
	r.AddListener(func(s *stanza.Stanza) { first = append(first, s.ID) }, nil)
	r.AddListener(func(s *stanza.Stanza) { second = append(second, s.ID) }, extensions.PingProvider.Filter())

	var want []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.ProcessStanza(pingStanza(fmt.Sprintf("m%d", i), "s1"))
		}
	}()
	for i := 0; i < 100; i++ {
		want = append(want, fmt.Sprintf("m%d", i))
	}
	wg.Wait()
	drain(t, r)

	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

func TestFilterSelectsStanzas(t *testing.T) {
	r := newTestReceiver(t)

	var got []string
	r.AddListener(func(s *stanza.Stanza) { got = append(got, s.ID) },
		extensions.SessionFilter(extensions.PingProvider, "s1"))

	r.ProcessStanza(pingStanza("a", "s1"))
	r.ProcessStanza(pingStanza("b", "s2"))
	r.ProcessStanza(stanza.NewMessage(bob, stanza.TypeChat))
	drain(t, r)

	assert.Equal(t, []string{"a"}, got)
}

func TestRegistrationDuringDispatch(t *testing.T) {
	r := newTestReceiver(t)

	var late []string
	var self Handle
	self = r.AddListener(func(s *stanza.Stanza) {
		r.RemoveListener(self)
		r.AddListener(func(s *stanza.Stanza) { late = append(late, s.ID) }, nil)
	}, nil)

	r.ProcessStanza(pingStanza("a", "s1"))
	r.ProcessStanza(pingStanza("b", "s1"))
	drain(t, r)

	assert.Equal(t, []string{"b"}, late, "a listener added mid-round sees only later stanzas")
	assert.Equal(t, 1, r.ListenerCount())
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	r := newTestReceiver(t)

	r.AddListener(func(*stanza.Stanza) { panic("listener bug") }, nil)
	var got int
	r.AddListener(func(*stanza.Stanza) { got++ }, nil)

	r.ProcessStanza(pingStanza("a", "s1"))
	r.ProcessStanza(pingStanza("b", "s1"))
	drain(t, r)

	assert.Equal(t, 2, got)
}

func TestCollector(t *testing.T) {
	r := newTestReceiver(t)
	c := r.CreateCollector(extensions.PingProvider.Filter())
	assert.Equal(t, 1, r.ListenerCount())

	r.ProcessStanza(pingStanza("a", "s1"))
	r.ProcessStanza(stanza.NewMessage(bob, stanza.TypeChat))
	r.ProcessStanza(pingStanza("b", "s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", s.ID)

	drain(t, r)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "b", c.Poll().ID)
	assert.Nil(t, c.Poll())

	c.Cancel()
	assert.Equal(t, 0, r.ListenerCount())
	c.Cancel()
	assert.Equal(t, 0, r.ListenerCount())

	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestCollectorCapacity(t *testing.T) {
	r := New(codec.NewRegistry(), Options{CollectorCapacity: 2}, zaptest.NewLogger(t))
	r.Start()
	defer r.Stop()

	c := r.CreateCollector(nil)
	defer c.Cancel()
	for _, id := range []string{"a", "b", "c"} {
		r.ProcessStanza(&stanza.Stanza{ID: id})
	}
	drain(t, r)

	assert.Equal(t, "b", c.Poll().ID)
	assert.Equal(t, "c", c.Poll().ID)
}

func TestCollectorNextHonorsContext(t *testing.T) {
	r := newTestReceiver(t)
	c := r.CreateCollector(nil)
	defer c.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func binaryPing(t *testing.T, sessionID string, compress bool) *stanza.BinaryExtension {
	t.Helper()
	payload, err := extensions.PingProvider.Encode(extensions.NewPing(sessionID))
	require.NoError(t, err)

	ext := &stanza.BinaryExtension{
		Namespace:   extensions.Namespace,
		ElementName: string(extensions.KindPing),
		From:        alice,
		To:          bob,
		Mode:        "test",
		Duration:    15 * time.Millisecond,
		Payload:     payload,
	}
	if compress {
		packed, err := codec.Deflate(payload, zlib.BestSpeed)
		require.NoError(t, err)
		ext.Compressed = true
		ext.Payload = packed
	}
	return ext
}

func TestBinaryExtensionIsDispatched(t *testing.T) {
	r := newTestReceiver(t)
	obs := &recordingObserver{}
	r.AddTransferObserver(obs)
	c := r.CreateCollector(extensions.PingProvider.Filter())
	defer c.Cancel()

	direct := pingStanza("direct", "s1")
	r.ProcessStanza(direct)
	r.Receive(binaryPing(t, "s1", true))
	drain(t, r)

	assert.Same(t, direct, c.Poll())
	s := c.Poll()
	require.NotNil(t, s)
	assert.Equal(t, stanza.IDNotAvailable, s.ID)
	assert.True(t, s.From.StrictlyEqual(alice))
	assert.True(t, s.To.StrictlyEqual(bob))

	ping, ok := extensions.PingProvider.Payload(s)
	require.True(t, ok)
	assert.Equal(t, "s1", ping.SessionID)

	transfers, drops := obs.snapshot()
	require.Len(t, transfers, 1)
	assert.Empty(t, drops)
	assert.Greater(t, transfers[0].UncompressedSize, int64(0))
	assert.Equal(t, int64(len(transfers[0].Payload)), transfers[0].UncompressedSize)
	assert.Equal(t, 15*time.Millisecond, transfers[0].Duration)
}

func TestUncompressedBinaryExtension(t *testing.T) {
	r := newTestReceiver(t)
	c := r.CreateCollector(nil)
	defer c.Cancel()

	r.Receive(binaryPing(t, "s1", false))
	drain(t, r)
	require.NotNil(t, c.Poll())
}

func TestCorruptCompressedPayloadIsNeverForwarded(t *testing.T) {
	r := newTestReceiver(t)
	obs := &recordingObserver{}
	r.AddTransferObserver(obs)

	forwarded := 0
	r.AddListener(func(*stanza.Stanza) { forwarded++ }, nil)

	ext := binaryPing(t, "s1", true)
	ext.Payload = []byte{0x78, 0x9c, 0xde, 0xad, 0xbe, 0xef}
	r.Receive(ext)
	drain(t, r)

	assert.Zero(t, forwarded)
	_, drops := obs.snapshot()
	assert.Equal(t, []DropReason{DropInflate}, drops)
}

func TestMissingProviderDropsAfterNotifying(t *testing.T) {
	r := newTestReceiver(t)
	obs := &recordingObserver{}
	r.AddTransferObserver(obs)
	c := r.CreateCollector(nil)
	defer c.Cancel()

	ext := binaryPing(t, "s1", false)
	ext.ElementName = "unknownKind"
	r.Receive(ext)
	drain(t, r)

	assert.Zero(t, c.Len())
	transfers, drops := obs.snapshot()
	assert.Len(t, transfers, 1, "observers are notified before the provider lookup")
	assert.Equal(t, []DropReason{DropNoProvider}, drops)
}

type panickingDropObserver struct{}

func (panickingDropObserver) TransferReceived(*stanza.BinaryExtension) {}

func (panickingDropObserver) PacketDropped(DropReason) { panic("drop observer failed") }

func TestPanickingDropObserverIsIsolated(t *testing.T) {
	r := newTestReceiver(t)
	r.AddTransferObserver(panickingDropObserver{})
	obs := &recordingObserver{}
	r.AddTransferObserver(obs)
	c := r.CreateCollector(nil)
	defer c.Cancel()

	ext := binaryPing(t, "s1", false)
	ext.ElementName = "unknownKind"
	r.Receive(ext)
	r.Receive(binaryPing(t, "s2", false))
	drain(t, r)

	_, drops := obs.snapshot()
	assert.Equal(t, []DropReason{DropNoProvider}, drops, "later observers still see the drop")

	s := c.Poll()
	require.NotNil(t, s, "dispatch continues after the panic")
	ping, ok := extensions.PingProvider.Payload(s)
	require.True(t, ok)
	assert.Equal(t, "s2", ping.SessionID)
}

func TestParseFailureReplacesParser(t *testing.T) {
	r := newTestReceiver(t)
	obs := &recordingObserver{}
	r.AddTransferObserver(obs)
	c := r.CreateCollector(nil)
	defer c.Cancel()

	var before *codec.Parser
	done := make(chan struct{})
	r.submit(func() { before = r.parser; close(done) })
	<-done

	ext := binaryPing(t, "s1", false)
	ext.Payload = []byte(`<ping xmlns="saros" v="SPXV1"`)
	r.Receive(ext)
	r.Receive(binaryPing(t, "s2", false))
	drain(t, r)

	transfers, drops := obs.snapshot()
	assert.Len(t, transfers, 2)
	assert.Equal(t, []DropReason{DropParse}, drops)

	s := c.Poll()
	require.NotNil(t, s, "the next packet decodes with the fresh parser")
	ping, ok := extensions.PingProvider.Payload(s)
	require.True(t, ok)
	assert.Equal(t, "s2", ping.SessionID)

	var after *codec.Parser
	done = make(chan struct{})
	r.submit(func() { after = r.parser; close(done) })
	<-done
	assert.NotSame(t, before, after)
}

func TestInterceptorVeto(t *testing.T) {
	r := newTestReceiver(t)
	obs := &recordingObserver{}
	r.AddTransferObserver(obs)
	c := r.CreateCollector(nil)
	defer c.Cancel()

	calls := 0
	r.AddInterceptor(func(*stanza.BinaryExtension) bool { calls++; return false })
	allow := r.AddInterceptor(func(*stanza.BinaryExtension) bool { calls++; return true })

	r.Receive(binaryPing(t, "s1", true))
	drain(t, r)
	assert.Equal(t, 2, calls, "every interceptor is consulted")
	assert.Zero(t, c.Len())

	transfers, drops := obs.snapshot()
	assert.Empty(t, transfers)
	assert.Equal(t, []DropReason{DropIntercepted}, drops)

	r.RemoveInterceptor(allow)
	r.AddInterceptor(func(*stanza.BinaryExtension) bool { panic("bad interceptor") })
	r.Receive(binaryPing(t, "s1", true))
	drain(t, r)
	assert.Zero(t, c.Len())
}

func TestRemoveTransferObserver(t *testing.T) {
	r := newTestReceiver(t)
	obs := &recordingObserver{}
	h := r.AddTransferObserver(obs)
	r.RemoveTransferObserver(h)

	r.Receive(binaryPing(t, "s1", false))
	drain(t, r)

	transfers, _ := obs.snapshot()
	assert.Empty(t, transfers)
}

type fakeSource struct {
	attached map[connection.StanzaHandler]int
	removals int
}

func (f *fakeSource) AddStanzaHandler(h connection.StanzaHandler) {
	if f.attached == nil {
		f.attached = make(map[connection.StanzaHandler]int)
	}
	f.attached[h]++
}

func (f *fakeSource) RemoveStanzaHandler(h connection.StanzaHandler) {
	f.removals++
	delete(f.attached, h)
}

func TestConnectionStateAttachment(t *testing.T) {
	r := newTestReceiver(t)
	src := &fakeSource{}

	r.ConnectionStateChanged(src, connection.NotConnected)
	assert.Equal(t, 1, src.removals, "detach without attach is safe")
	assert.Empty(t, src.attached)

	r.ConnectionStateChanged(src, connection.Connecting)
	assert.Equal(t, 1, src.attached[r])
	r.ConnectionStateChanged(src, connection.Connected)
	assert.Equal(t, 1, src.attached[r])

	r.ConnectionStateChanged(src, connection.Error)
	assert.Empty(t, src.attached)

	r.ConnectionStateChanged(nil, connection.Disconnecting)
}

func TestTrackerDrivesAttachment(t *testing.T) {
	r := newTestReceiver(t)
	reg := codec.NewRegistry()
	extensions.Register(reg)
	local, remote := connection.NewPipe(bob, alice, reg, zaptest.NewLogger(t))

	tracker := connection.NewTracker(local, zaptest.NewLogger(t))
	tracker.AddListener(r.ConnectionStateChanged)
	c := r.CreateCollector(extensions.PingProvider.Filter())
	defer c.Cancel()

	require.NoError(t, tracker.Transition(connection.Connecting))
	require.NoError(t, tracker.Transition(connection.Connected))
	require.NoError(t, remote.SendStanza(pingStanza("over-the-wire", "s1")))
	drain(t, r)
	require.Equal(t, 1, c.Len())

	require.NoError(t, tracker.Transition(connection.Disconnecting))
	assert.Zero(t, local.Handlers())
}

func TestStopDrainsQueue(t *testing.T) {
	r := New(codec.NewRegistry(), Options{}, zaptest.NewLogger(t))
	var got []string
	var mu sync.Mutex
	r.AddListener(func(s *stanza.Stanza) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s.ID)
	}, nil)

	r.ProcessStanza(&stanza.Stanza{ID: "queued-before-start"})
	r.Start()
	r.Stop()
	r.Stop()
	r.ProcessStanza(&stanza.Stanza{ID: "after-stop"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"queued-before-start"}, got)
	assert.ErrorIs(t, r.Sync(context.Background()), ErrStopped)
}
