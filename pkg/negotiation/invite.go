package negotiation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pairlink/pkg/extensions"
	"pairlink/pkg/jid"
	"pairlink/pkg/receiver"
	"pairlink/pkg/stanza"
)

// CanceledError reports that the peer canceled a negotiation.
type CanceledError struct {
	Peer   jid.JID
	ID     string
	Reason string
}

func (e *CanceledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("negotiation %s canceled by %s", e.ID, e.Peer)
	}
	return fmt.Sprintf("negotiation %s canceled by %s: %s", e.ID, e.Peer, e.Reason)
}

// CollectorFactory creates stanza collectors.
type CollectorFactory interface {
	CreateCollector(filter stanza.Filter) *receiver.Collector
}

// OwnerFunc adapts a function to Owner.
type OwnerFunc func(reason string)

// RemoteCancel calls f.
func (f OwnerFunc) RemoteCancel(reason string) { f(reason) }

// Inviter sends invitations and tracks each one in a registry from the
// offer until the peer answers. Acknowledged invitations stay tracked until
// Finish so that a later cancel from the peer still reaches their owner.
type Inviter struct {
	tx       ExtensionSender
	rx       CollectorFactory
	sessions *Registry[Owner]
	logger   *zap.Logger
}

// NewInviter creates an inviter recording into sessions.
func NewInviter(tx ExtensionSender, rx CollectorFactory, sessions *Registry[Owner], logger *zap.Logger) *Inviter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inviter{tx: tx, rx: rx, sessions: sessions, logger: logger}
}

// Invite sends offer to peer and waits for the acknowledgement, after which
// the record is in StateAcknowledged. A cancellation from the peer is
// returned as *CanceledError and delivered to owner; a nil owner is allowed.
func (i *Inviter) Invite(ctx context.Context, peer jid.JID, offer *extensions.InvitationOffering, owner Owner) error {
	nid := offer.NegotiationID
	if owner == nil {
		owner = OwnerFunc(func(string) {})
	}
	if err := i.sessions.Add(peer, nid, owner); err != nil {
		return err
	}

	fromPeer := stanza.FromBare(peer)
	collector := i.rx.CreateCollector(stanza.And(fromPeer, stanza.Or(
		extensions.NegotiationFilter(extensions.InvitationAcknowledgedProvider, nid),
		extensions.NegotiationFilter(extensions.CancelInviteProvider, nid),
	)))
	defer collector.Cancel()

	i.tx.SendExtension(peer, extensions.InvitationOfferingProvider.Create(offer))

	s, err := collector.Next(ctx)
	if err != nil {
		i.sessions.Remove(peer, nid)
		return fmt.Errorf("await acknowledgement of %s: %w", nid, err)
	}
	if cancel, ok := extensions.CancelInviteProvider.Payload(s); ok {
		// A listener sharing the registry may have delivered it already.
		if rec, ok := i.sessions.Take(peer, nid); ok {
			rec.Owner.RemoteCancel(cancel.ErrorMessage)
		}
		return &CanceledError{Peer: s.From, ID: nid, Reason: cancel.ErrorMessage}
	}

	i.sessions.SetState(peer, nid, StateAcknowledged)
	i.logger.Debug("Invitation acknowledged",
		zap.Stringer("peer", peer),
		zap.String("negotiation", nid))
	return nil
}

// Start marks an acknowledged invitation as running.
func (i *Inviter) Start(peer jid.JID, negotiationID string) bool {
	return i.sessions.SetState(peer, negotiationID, StateRunning)
}

// Finish stops tracking an invitation.
func (i *Inviter) Finish(peer jid.JID, negotiationID string) bool {
	return i.sessions.Remove(peer, negotiationID)
}
