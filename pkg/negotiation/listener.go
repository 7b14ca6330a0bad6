package negotiation

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"pairlink/pkg/extensions"
	"pairlink/pkg/jid"
	"pairlink/pkg/receiver"
	"pairlink/pkg/stanza"
)

// RejectMessage is sent back to inviters while invitations are rejected.
const RejectMessage = "I am already in a session and so cannot accept your invitation."

// SessionManager takes over accepted requests.
type SessionManager interface {
	// SessionNegotiationRequestReceived is expected to enable rejection of
	// further requests before it returns.
	SessionNegotiationRequestReceived(peer jid.JID, sessionID, negotiationID, version, description string)
	ProjectNegotiationRequestReceived(peer jid.JID, negotiationID string, resources []extensions.ResourceDescriptor)
}

// ExtensionSender sends extensions to peers, logging failures.
type ExtensionSender interface {
	SendExtension(peer jid.JID, ext stanza.Element)
}

// StanzaReceiver registers listeners with the dispatcher.
type StanzaReceiver interface {
	AddListener(l receiver.Listener, filter stanza.Filter) receiver.Handle
	RemoveListener(h receiver.Handle)
}

// Listener answers negotiation traffic. Session negotiation listeners are
// registered for the listener's lifetime; project negotiation listeners only
// while a session is running.
type Listener struct {
	manager  SessionManager
	sessions *Registry[Owner]
	projects *Registry[Owner]
	tx       ExtensionSender
	rx       StanzaReceiver
	logger   *zap.Logger

	reject atomic.Bool

	mu             sync.Mutex
	handles        []receiver.Handle
	projectHandles []receiver.Handle
	activeSession  string
}

// NewListener registers the session negotiation listeners with rx.
func NewListener(manager SessionManager, sessions, projects *Registry[Owner],
	tx ExtensionSender, rx StanzaReceiver, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{
		manager:  manager,
		sessions: sessions,
		projects: projects,
		tx:       tx,
		rx:       rx,
		logger:   logger,
	}
	l.handles = []receiver.Handle{
		rx.AddListener(l.onSessionCanceled, extensions.CancelInviteProvider.Filter()),
		rx.AddListener(l.onSessionRequest, extensions.InvitationOfferingProvider.Filter()),
	}
	return l
}

// SetRejectSessionNegotiationRequests toggles automatic rejection of
// incoming invitations.
func (l *Listener) SetRejectSessionNegotiationRequests(reject bool) {
	l.reject.Store(reject)
}

// IsRejectingSessionNegotiationRequests reports the reject gate.
func (l *Listener) IsRejectingSessionNegotiationRequests() bool {
	return l.reject.Load()
}

// SessionStarted installs the project negotiation listeners for sessionID.
func (l *Listener) SessionStarted(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeProjectListenersLocked()
	l.activeSession = sessionID
	l.projectHandles = []receiver.Handle{
		l.rx.AddListener(l.onProjectRequest,
			extensions.SessionFilter(extensions.ProjectOfferingProvider, sessionID)),
		l.rx.AddListener(l.onProjectCanceled,
			extensions.SessionFilter(extensions.CancelProjectNegotiationProvider, sessionID)),
	}
}

// SessionEnded removes the project negotiation listeners.
func (l *Listener) SessionEnded(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeSession != sessionID {
		l.logger.Debug("Ignoring end of inactive session",
			zap.String("session", sessionID),
			zap.String("active", l.activeSession))
		return
	}
	l.removeProjectListenersLocked()
	l.activeSession = ""
}

// ActiveSession returns the session whose project traffic is accepted.
func (l *Listener) ActiveSession() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeSession
}

func (l *Listener) removeProjectListenersLocked() {
	for _, h := range l.projectHandles {
		l.rx.RemoveListener(h)
	}
	l.projectHandles = nil
}

// Close unregisters every listener.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeProjectListenersLocked()
	for _, h := range l.handles {
		l.rx.RemoveListener(h)
	}
	l.handles = nil
}

func (l *Listener) onSessionCanceled(s *stanza.Stanza) {
	ext, ok := extensions.CancelInviteProvider.Payload(s)
	if !ok {
		l.logger.Warn("Received malformed session negotiation packet", zap.Stringer("from", s.From))
		return
	}
	l.SessionNegotiationCanceled(s.From, ext.NegotiationID, ext.ErrorMessage)
}

func (l *Listener) onSessionRequest(s *stanza.Stanza) {
	ext, ok := extensions.InvitationOfferingProvider.Payload(s)
	if !ok {
		l.logger.Warn("Received malformed session negotiation packet", zap.Stringer("from", s.From))
		return
	}
	l.SessionNegotiationRequest(s.From, ext.NegotiationID, ext.ClientVersion, ext.SessionID, ext.Description)
}

func (l *Listener) onProjectCanceled(s *stanza.Stanza) {
	ext, ok := extensions.CancelProjectNegotiationProvider.Payload(s)
	if !ok {
		l.logger.Warn("Received malformed project negotiation packet", zap.Stringer("from", s.From))
		return
	}
	l.ProjectNegotiationCanceled(s.From, ext.NegotiationID, ext.ErrorMessage)
}

func (l *Listener) onProjectRequest(s *stanza.Stanza) {
	ext, ok := extensions.ProjectOfferingProvider.Payload(s)
	if !ok {
		l.logger.Warn("Received malformed project negotiation packet", zap.Stringer("from", s.From))
		return
	}
	l.logger.Info("Received project negotiation",
		zap.Stringer("from", s.From),
		zap.String("negotiation", ext.NegotiationID),
		zap.Int("resources", len(ext.Resources)))
	l.manager.ProjectNegotiationRequestReceived(s.From, ext.NegotiationID, ext.Resources)
}

// SessionNegotiationCanceled delivers a remote cancel to the matching
// session negotiation, which stops being tracked. Unknown ids are logged.
func (l *Listener) SessionNegotiationCanceled(peer jid.JID, negotiationID, reason string) {
	l.cancel(l.sessions, "session", peer, negotiationID, reason)
}

// ProjectNegotiationCanceled is SessionNegotiationCanceled for project
// negotiations.
func (l *Listener) ProjectNegotiationCanceled(peer jid.JID, negotiationID, reason string) {
	l.cancel(l.projects, "project", peer, negotiationID, reason)
}

func (l *Listener) cancel(reg *Registry[Owner], kind string, peer jid.JID, negotiationID, reason string) {
	rec, ok := reg.Take(peer, negotiationID)
	if !ok {
		l.logger.Warn("Received negotiation cancel for a nonexisting instance",
			zap.String("kind", kind),
			zap.Stringer("from", peer),
			zap.String("negotiation", negotiationID))
		return
	}
	l.logger.Debug("Peer canceled negotiation",
		zap.String("kind", kind),
		zap.Stringer("from", peer),
		zap.String("negotiation", negotiationID),
		zap.String("reason", reason))
	rec.Owner.RemoteCancel(reason)
}

// SessionNegotiationRequest handles an invitation. While the reject gate is
// set it answers with a cancellation; otherwise it acknowledges and hands
// the request to the session manager.
func (l *Listener) SessionNegotiationRequest(peer jid.JID, negotiationID, version, sessionID, description string) {
	l.logger.Info("Received invitation",
		zap.Stringer("from", peer),
		zap.String("negotiation", negotiationID),
		zap.String("session", sessionID),
		zap.String("version", version))

	if l.reject.Load() {
		l.logger.Info("Rejecting session negotiation request", zap.String("negotiation", negotiationID))
		l.tx.SendExtension(peer, extensions.CancelInviteProvider.Create(
			extensions.NewCancelInvite(negotiationID, RejectMessage)))
		return
	}

	l.tx.SendExtension(peer, extensions.InvitationAcknowledgedProvider.Create(
		extensions.NewInvitationAcknowledged(negotiationID)))

	l.manager.SessionNegotiationRequestReceived(peer, sessionID, negotiationID, version, description)
}
