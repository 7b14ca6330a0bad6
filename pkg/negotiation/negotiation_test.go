package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"pairlink/pkg/codec"
	"pairlink/pkg/connection"
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

type registration struct {
	handle   receiver.Handle
	listener receiver.Listener
	filter   stanza.Filter
}

type fakeReceiver struct {
	next receiver.Handle
	regs []registration
}

func (f *fakeReceiver) AddListener(l receiver.Listener, filter stanza.Filter) receiver.Handle {
	f.next++
	f.regs = append(f.regs, registration{handle: f.next, listener: l, filter: filter})
	return f.next
}

func (f *fakeReceiver) RemoveListener(h receiver.Handle) {
	for i, r := range f.regs {
		if r.handle == h {
			f.regs = append(f.regs[:i], f.regs[i+1:]...)
			return
		}
	}
}

func (f *fakeReceiver) deliver(s *stanza.Stanza) {
	for _, r := range append([]registration(nil), f.regs...) {
		if r.filter.Accept(s) {
			r.listener(s)
		}
	}
}

type sent struct {
	peer jid.JID
	ext  stanza.Element
}

type fakeSender struct {
	log *[]string
	out []sent
}

func (f *fakeSender) SendExtension(peer jid.JID, ext stanza.Element) {
	f.out = append(f.out, sent{peer: peer, ext: ext})
	if f.log != nil {
		*f.log = append(*f.log, "send:"+ext.ElementName())
	}
}

type sessionRequest struct {
	peer        jid.JID
	sid         string
	nid         string
	version     string
	description string
}

type fakeManager struct {
	mu       sync.Mutex
	log      *[]string
	sessions []sessionRequest
	projects [][]extensions.ResourceDescriptor
	onInvite func()
}

func (m *fakeManager) SessionNegotiationRequestReceived(peer jid.JID, sid, nid, version, description string) {
	m.mu.Lock()
	m.sessions = append(m.sessions, sessionRequest{peer, sid, nid, version, description})
	if m.log != nil {
		*m.log = append(*m.log, "manager:"+nid)
	}
	onInvite := m.onInvite
	m.mu.Unlock()
	if onInvite != nil {
		onInvite()
	}
}

func (m *fakeManager) ProjectNegotiationRequestReceived(_ jid.JID, _ string, resources []extensions.ResourceDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects = append(m.projects, resources)
}

func (m *fakeManager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type fakeOwner struct {
	reasons []string
}

func (o *fakeOwner) RemoteCancel(reason string) { o.reasons = append(o.reasons, reason) }

func message(from jid.JID, ext stanza.Element) *stanza.Stanza {
	s := stanza.NewMessage(bob, stanza.TypeNormal)
	s.ID = "m1"
	s.From = from
	s.AddExtension(ext)
	return s
}

func invitation(nid string) *stanza.Stanza {
	return message(alice, extensions.InvitationOfferingProvider.Create(
		extensions.NewInvitationOffering(nid, "session-1", "16.0.0", "pairing")))
}

type fixture struct {
	rx       *fakeReceiver
	tx       *fakeSender
	manager  *fakeManager
	sessions *Registry[Owner]
	projects *Registry[Owner]
	listener *Listener
}

func newFixture(t *testing.T, logger *zap.Logger) *fixture {
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	var log []string
	f := &fixture{
		rx:       &fakeReceiver{},
		tx:       &fakeSender{log: &log},
		manager:  &fakeManager{log: &log},
		sessions: NewRegistry[Owner](),
		projects: NewRegistry[Owner](),
	}
	f.listener = NewListener(f.manager, f.sessions, f.projects, f.tx, f.rx, logger)
	return f
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry[*fakeOwner]()
	owner := &fakeOwner{}

	require.NoError(t, reg.Add(alice, "n1", owner))
	err := reg.Add(jid.MustParse("alice@example.org/phone"), "n1", &fakeOwner{})
	assert.ErrorIs(t, err, ErrDuplicate)

	rec, ok := reg.Get(alice.Bare(), "n1")
	require.True(t, ok)
	assert.Same(t, owner, rec.Owner)
	assert.Equal(t, StateRequested, rec.State)

	assert.True(t, reg.SetState(alice, "n1", StateRunning))
	rec, _ = reg.Get(alice, "n1")
	assert.Equal(t, StateRunning, rec.State)
	assert.False(t, reg.SetState(bob, "n1", StateRunning))

	require.NoError(t, reg.Add(alice, "n2", &fakeOwner{}))
	assert.Len(t, reg.Snapshot(), 2)

	assert.True(t, reg.Remove(alice, "n2"))
	assert.False(t, reg.Remove(alice, "n2"))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryTakeIsExclusive(t *testing.T) {
	reg := NewRegistry[*fakeOwner]()
	require.NoError(t, reg.Add(alice, "n1", &fakeOwner{}))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := reg.Take(alice, "n1"); ok {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, taken)
}

func TestInvitationIsAcknowledgedBeforeHandOff(t *testing.T) {
	f := newFixture(t, nil)

	f.rx.deliver(invitation("n1"))

	require.Len(t, f.tx.out, 1)
	assert.True(t, f.tx.out[0].peer.StrictlyEqual(alice))
	ack, ok := f.tx.out[0].ext.(*codec.Element[*extensions.InvitationAcknowledged])
	require.True(t, ok)
	assert.Equal(t, "n1", ack.Payload().NegotiationID)

	require.Len(t, f.manager.sessions, 1)
	req := f.manager.sessions[0]
	assert.Equal(t, "session-1", req.sid)
	assert.Equal(t, "n1", req.nid)
	assert.Equal(t, "16.0.0", req.version)
	assert.Equal(t, "pairing", req.description)

	assert.Equal(t, []string{"send:invitationAck", "manager:n1"}, *f.tx.log)
}

func TestRejectGateSendsSingleCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.listener.SetRejectSessionNegotiationRequests(true)
	assert.True(t, f.listener.IsRejectingSessionNegotiationRequests())

	f.rx.deliver(invitation("n1"))

	require.Len(t, f.tx.out, 1)
	cancel, ok := f.tx.out[0].ext.(*codec.Element[*extensions.CancelInvite])
	require.True(t, ok)
	assert.Equal(t, "n1", cancel.Payload().NegotiationID)
	assert.Equal(t, RejectMessage, cancel.Payload().ErrorMessage)
	assert.Empty(t, f.manager.sessions)
}

func TestManagerCanCloseGate(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.onInvite = func() { f.listener.SetRejectSessionNegotiationRequests(true) }

	f.rx.deliver(invitation("n1"))
	f.rx.deliver(invitation("n2"))

	assert.Equal(t, 1, f.manager.sessionCount())
	assert.Equal(t, []string{"send:invitationAck", "manager:n1", "send:cancelInvite"}, *f.tx.log)
}

func TestCancelOfUnknownNegotiationIsIgnored(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, zap.New(core))
	owner := &fakeOwner{}
	require.NoError(t, f.sessions.Add(alice, "n1", owner))

	f.rx.deliver(message(alice, extensions.CancelInviteProvider.Create(
		extensions.NewCancelInvite("n9", "bye"))))
	f.rx.deliver(message(bob, extensions.CancelInviteProvider.Create(
		extensions.NewCancelInvite("n1", "bye"))))

	assert.Empty(t, owner.reasons)
	assert.Equal(t, 1, f.sessions.Len())
	assert.Empty(t, f.tx.out)
	assert.Equal(t, 2, logs.FilterMessageSnippet("nonexisting instance").Len())
}

func TestCancelIsDeliveredOnce(t *testing.T) {
	f := newFixture(t, nil)
	owner := &fakeOwner{}
	require.NoError(t, f.sessions.Add(alice, "n1", owner))

	cancel := message(alice, extensions.CancelInviteProvider.Create(
		extensions.NewCancelInvite("n1", "changed my mind")))
	f.rx.deliver(cancel)
	f.rx.deliver(cancel)

	assert.Equal(t, []string{"changed my mind"}, owner.reasons)
	assert.Zero(t, f.sessions.Len())
}

func TestMalformedPacketIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, zap.New(core))

	el := extensions.CancelInviteProvider.Create(extensions.NewCancelInvite("n1", ""))
	el.Payload().Version = "SPXV0"
	f.listener.onSessionCanceled(message(alice, el))

	assert.Equal(t, 1, logs.FilterMessageSnippet("malformed").Len())
}

func TestProjectListenersFollowSession(t *testing.T) {
	f := newFixture(t, nil)
	base := len(f.rx.regs)

	offer := func(sid string) *stanza.Stanza {
		return message(alice, extensions.ProjectOfferingProvider.Create(
			extensions.NewProjectOffering("p1", sid, []extensions.ResourceDescriptor{
				{ProjectID: "proj", Path: "README.md"},
			})))
	}

	f.rx.deliver(offer("session-1"))
	assert.Empty(t, f.manager.projects)

	f.listener.SessionStarted("session-1")
	assert.Equal(t, "session-1", f.listener.ActiveSession())
	assert.Len(t, f.rx.regs, base+2)

	f.rx.deliver(offer("session-1"))
	f.rx.deliver(offer("session-2"))
	require.Len(t, f.manager.projects, 1)
	assert.Equal(t, "README.md", f.manager.projects[0][0].Path)

	owner := &fakeOwner{}
	require.NoError(t, f.projects.Add(alice, "p1", owner))
	f.rx.deliver(message(alice, extensions.CancelProjectNegotiationProvider.Create(
		extensions.NewCancelProjectNegotiation("p1", "session-1", "disk full"))))
	assert.Equal(t, []string{"disk full"}, owner.reasons)

	f.listener.SessionEnded("session-2")
	assert.Len(t, f.rx.regs, base+2)

	f.listener.SessionEnded("session-1")
	assert.Len(t, f.rx.regs, base)
	assert.Empty(t, f.listener.ActiveSession())

	f.listener.Close()
	assert.Empty(t, f.rx.regs)
}

func startReceiver(t *testing.T, reg *codec.Registry, conn *connection.MemConn) *receiver.Receiver {
	t.Helper()
	r := receiver.New(reg, receiver.Options{}, zaptest.NewLogger(t))
	r.Start()
	t.Cleanup(r.Stop)
	conn.AddStanzaHandler(r)
	return r
}

func TestInviteOverPipe(t *testing.T) {
	reg := codec.NewRegistry()
	extensions.Register(reg)
	logger := zaptest.NewLogger(t)

	aliceConn, bobConn := connection.NewPipe(alice, bob, reg, logger)
	aliceRx := startReceiver(t, reg, aliceConn)
	bobRx := startReceiver(t, reg, bobConn)

	manager := &fakeManager{}
	bobListener := NewListener(manager, NewRegistry[Owner](), NewRegistry[Owner](),
		transmitter.New(bob, bobConn, logger), bobRx, logger)
	manager.onInvite = func() { bobListener.SetRejectSessionNegotiationRequests(true) }

	aliceSessions := NewRegistry[Owner]()
	inviter := NewInviter(transmitter.New(alice, aliceConn, logger), aliceRx, aliceSessions, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := inviter.Invite(ctx, bob,
		extensions.NewInvitationOffering("n1", "session-1", "16.0.0", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, manager.sessionCount())

	rec, ok := aliceSessions.Get(bob, "n1")
	require.True(t, ok, "acknowledged invitations stay tracked")
	assert.Equal(t, StateAcknowledged, rec.State)
	assert.True(t, inviter.Start(bob, "n1"))
	rec, _ = aliceSessions.Get(bob, "n1")
	assert.Equal(t, StateRunning, rec.State)

	owner := &fakeOwner{}
	err = inviter.Invite(ctx, bob,
		extensions.NewInvitationOffering("n2", "session-1", "16.0.0", ""), owner)
	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
	assert.Equal(t, "n2", canceled.ID)
	assert.Equal(t, RejectMessage, canceled.Reason)
	assert.Equal(t, []string{RejectMessage}, owner.reasons)
	assert.Equal(t, 1, manager.sessionCount())

	_, ok = aliceSessions.Get(bob, "n2")
	assert.False(t, ok, "canceled invitations are no longer tracked")
	assert.True(t, inviter.Finish(bob, "n1"))
	assert.Zero(t, aliceSessions.Len())

	assert.Zero(t, aliceRx.ListenerCount())
}

func TestInviteRejectsDuplicateNegotiation(t *testing.T) {
	sessions := NewRegistry[Owner]()
	require.NoError(t, sessions.Add(bob, "n1", &fakeOwner{}))

	tx := &fakeSender{}
	inviter := NewInviter(tx, nil, sessions, zaptest.NewLogger(t))
	err := inviter.Invite(context.Background(), bob,
		extensions.NewInvitationOffering("n1", "session-1", "16.0.0", ""), nil)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Empty(t, tx.out, "nothing is sent for a duplicate")
}

func TestInviteTimesOut(t *testing.T) {
	reg := codec.NewRegistry()
	extensions.Register(reg)
	aliceConn, _ := connection.NewPipe(alice, bob, reg, nil)
	aliceRx := startReceiver(t, reg, aliceConn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sessions := NewRegistry[Owner]()
	inviter := NewInviter(transmitter.New(alice, aliceConn, nil), aliceRx, sessions, nil)
	err := inviter.Invite(ctx, bob,
		extensions.NewInvitationOffering("n1", "session-1", "16.0.0", ""), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, sessions.Len(), "timed out invitations are not left behind")
}
