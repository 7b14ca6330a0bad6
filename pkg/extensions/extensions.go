// Package extensions defines the session protocol's extension elements.
//
// Every kind lives in the shared Namespace and carries the Version tag in its
// "v" attribute; an element with any other version is treated as absent.
// Session-scoped kinds carry the session id in "sid", negotiation-scoped kinds
// the negotiation id in "nid".
package extensions

import (
	"pairlink/pkg/codec"
	"pairlink/pkg/stanza"
)

const (
	// Namespace is shared by all extensions. Kept short since it is included
	// in every element.
	Namespace = "saros"
	// Version must match on both peers.
	Version = "SPXV1"
)

// Kind is the element name of an extension.
type Kind string

const (
	KindSessionKick      Kind = "snku"
	KindLeaveSession     Kind = "snlv"
	KindPing             Kind = "ping"
	KindPong             Kind = "pong"
	KindUserListReceived Kind = "ulsups"

	KindConnectionEstablished    Kind = "coes"
	KindInvitationOffering       Kind = "invitation"
	KindInvitationAcknowledged   Kind = "invitationAck"
	KindCancelInvite             Kind = "cancelInvite"
	KindProjectOffering          Kind = "pnOffer"
	KindCancelProjectNegotiation Kind = "cancelPN"
	KindJoinSessionRequest       Kind = "joinSessionRequest"
	KindJoinSessionRejected      Kind = "joinRequestRejected"
	KindSessionStatusRequest     Kind = "sessionStatusRequest"
	KindSessionStatusResponse    Kind = "sessionStatus"
)

// Payload is implemented by every extension kind.
type Payload interface {
	Kind() Kind
	header() *Header
}

// Header carries the version attribute shared by all kinds.
type Header struct {
	Version string `xml:"v,attr"`
}

func (h *Header) header() *Header { return h }

// SessionScope is embedded by kinds bound to a running session.
type SessionScope struct {
	Header
	SessionID string `xml:"sid,attr"`
}

func (s *SessionScope) sessionID() string { return s.SessionID }

// NegotiationScope is embedded by kinds bound to a negotiation.
type NegotiationScope struct {
	Header
	NegotiationID string `xml:"nid,attr"`
}

func (n *NegotiationScope) negotiationID() string { return n.NegotiationID }

type sessionScoped interface {
	Payload
	sessionID() string
}

type negotiationScoped interface {
	Payload
	negotiationID() string
}

// newProvider builds the codec for one kind. All kinds share the namespace,
// version stamping and version check.
func newProvider[P any, T interface {
	*P
	Payload
}](kind Kind) *codec.Provider[T] {
	return codec.NewProvider[T](Namespace, string(kind),
		func() T { return T(new(P)) },
		codec.WithValidator(func(p T) bool { return p.header().Version == Version }),
		codec.WithStamp(func(p T) { p.header().Version = Version }),
	)
}

// SessionFilter matches stanzas carrying a valid payload of p whose session
// id equals sessionID.
func SessionFilter[T sessionScoped](p *codec.Provider[T], sessionID string) stanza.Filter {
	return stanza.And(p.Filter(), func(s *stanza.Stanza) bool {
		payload, ok := p.Payload(s)
		return ok && payload.sessionID() == sessionID
	})
}

// NegotiationFilter matches stanzas carrying a valid payload of p whose
// negotiation id equals negotiationID.
func NegotiationFilter[T negotiationScoped](p *codec.Provider[T], negotiationID string) stanza.Filter {
	return stanza.And(p.Filter(), func(s *stanza.Stanza) bool {
		payload, ok := p.Payload(s)
		return ok && payload.negotiationID() == negotiationID
	})
}

// Providers returns the codecs of every kind.
func Providers() []codec.ElementProvider {
	return []codec.ElementProvider{
		SessionKickProvider,
		LeaveSessionProvider,
		PingProvider,
		PongProvider,
		UserListReceivedProvider,
		ConnectionEstablishedProvider,
		InvitationOfferingProvider,
		InvitationAcknowledgedProvider,
		CancelInviteProvider,
		ProjectOfferingProvider,
		CancelProjectNegotiationProvider,
		JoinSessionRequestProvider,
		JoinSessionRejectedProvider,
		SessionStatusRequestProvider,
		SessionStatusResponseProvider,
	}
}

// Register installs every kind's codec into reg.
func Register(reg *codec.Registry) {
	for _, p := range Providers() {
		reg.Register(p)
	}
}
