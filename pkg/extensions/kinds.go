package extensions

import (
	"fmt"

	"pairlink/pkg/codec"
)

// Session-scoped kinds.

type SessionKick struct{ SessionScope }

type LeaveSession struct{ SessionScope }

type Ping struct{ SessionScope }

type Pong struct{ SessionScope }

// UserListReceived confirms that a user list update was processed.
type UserListReceived struct{ SessionScope }

func (*SessionKick) Kind() Kind      { return KindSessionKick }
func (*LeaveSession) Kind() Kind     { return KindLeaveSession }
func (*Ping) Kind() Kind             { return KindPing }
func (*Pong) Kind() Kind             { return KindPong }
func (*UserListReceived) Kind() Kind { return KindUserListReceived }

func NewSessionKick(sessionID string) *SessionKick {
	return &SessionKick{SessionScope{SessionID: sessionID}}
}

func NewLeaveSession(sessionID string) *LeaveSession {
	return &LeaveSession{SessionScope{SessionID: sessionID}}
}

func NewPing(sessionID string) *Ping {
	return &Ping{SessionScope{SessionID: sessionID}}
}

func NewPong(sessionID string) *Pong {
	return &Pong{SessionScope{SessionID: sessionID}}
}

func NewUserListReceived(sessionID string) *UserListReceived {
	return &UserListReceived{SessionScope{SessionID: sessionID}}
}

// Negotiation-scoped kinds.

// ConnectionEstablished tells the inviter that a direct connection is up.
type ConnectionEstablished struct{ NegotiationScope }

// InvitationOffering opens a session negotiation.
type InvitationOffering struct {
	NegotiationScope
	SessionID     string `xml:"sid,attr"`
	ClientVersion string `xml:"version"`
	Description   string `xml:"description,omitempty"`
}

// InvitationAcknowledged is sent automatically on receipt of an offering.
type InvitationAcknowledged struct{ NegotiationScope }

// CancelInvite aborts a session negotiation.
type CancelInvite struct {
	NegotiationScope
	ErrorMessage string `xml:"error,omitempty"`
}

// ProjectOffering opens a resource negotiation inside a running session.
type ProjectOffering struct {
	NegotiationScope
	SessionID string               `xml:"sid,attr"`
	Resources []ResourceDescriptor `xml:"resource"`
}

// CancelProjectNegotiation aborts a resource negotiation.
type CancelProjectNegotiation struct {
	NegotiationScope
	SessionID    string `xml:"sid,attr"`
	ErrorMessage string `xml:"error,omitempty"`
}

func (*ConnectionEstablished) Kind() Kind    { return KindConnectionEstablished }
func (*InvitationOffering) Kind() Kind       { return KindInvitationOffering }
func (*InvitationAcknowledged) Kind() Kind   { return KindInvitationAcknowledged }
func (*CancelInvite) Kind() Kind             { return KindCancelInvite }
func (*ProjectOffering) Kind() Kind          { return KindProjectOffering }
func (*CancelProjectNegotiation) Kind() Kind { return KindCancelProjectNegotiation }

func (p *ProjectOffering) sessionID() string          { return p.SessionID }
func (c *CancelProjectNegotiation) sessionID() string { return c.SessionID }

func NewConnectionEstablished(negotiationID string) *ConnectionEstablished {
	return &ConnectionEstablished{NegotiationScope{NegotiationID: negotiationID}}
}

func NewInvitationOffering(negotiationID, sessionID, clientVersion, description string) *InvitationOffering {
	return &InvitationOffering{
		NegotiationScope: NegotiationScope{NegotiationID: negotiationID},
		SessionID:        sessionID,
		ClientVersion:    clientVersion,
		Description:      description,
	}
}

func NewInvitationAcknowledged(negotiationID string) *InvitationAcknowledged {
	return &InvitationAcknowledged{NegotiationScope{NegotiationID: negotiationID}}
}

func NewCancelInvite(negotiationID, errorMessage string) *CancelInvite {
	return &CancelInvite{
		NegotiationScope: NegotiationScope{NegotiationID: negotiationID},
		ErrorMessage:     errorMessage,
	}
}

func NewProjectOffering(negotiationID, sessionID string, resources []ResourceDescriptor) *ProjectOffering {
	return &ProjectOffering{
		NegotiationScope: NegotiationScope{NegotiationID: negotiationID},
		SessionID:        sessionID,
		Resources:        resources,
	}
}

func NewCancelProjectNegotiation(negotiationID, sessionID, errorMessage string) *CancelProjectNegotiation {
	return &CancelProjectNegotiation{
		NegotiationScope: NegotiationScope{NegotiationID: negotiationID},
		SessionID:        sessionID,
		ErrorMessage:     errorMessage,
	}
}

// TagResourcePath is the converter tag for resource paths. Sessions install
// a converter resolving paths to local resource handles.
const TagResourcePath = "resource-path"

// ResourceDescriptor describes one shared resource of a project offering.
type ResourceDescriptor struct {
	ProjectID string `xml:"pid,attr"`
	Name      string `xml:"name,attr,omitempty"`
	Path      string `xml:"path,attr"`
	Size      int64  `xml:"size,attr,omitempty"`

	// Handle is the converter's in-memory form of Path.
	Handle any `xml:"-"`
}

// MarshalWith implements codec.Convertible.
func (p *ProjectOffering) MarshalWith(c *codec.Converters) error {
	for i := range p.Resources {
		r := &p.Resources[i]
		if r.Handle == nil {
			continue
		}
		path, err := c.Encode(TagResourcePath, r.Handle)
		if err != nil {
			return fmt.Errorf("resource %s: %w", r.ProjectID, err)
		}
		r.Path = path
	}
	return nil
}

// UnmarshalWith implements codec.Convertible.
func (p *ProjectOffering) UnmarshalWith(c *codec.Converters) error {
	for i := range p.Resources {
		r := &p.Resources[i]
		handle, err := c.Decode(TagResourcePath, r.Path)
		if err != nil {
			return fmt.Errorf("resource %s: %w", r.ProjectID, err)
		}
		r.Handle = handle
	}
	return nil
}

// Plain kinds.

// JoinSessionRequest asks a host to be added to its running session.
type JoinSessionRequest struct {
	Header
	AutoJoin bool `xml:"autoJoin,attr,omitempty"`
}

type JoinSessionRejected struct{ Header }

type SessionStatusRequest struct{ Header }

// SessionStatusResponse answers a SessionStatusRequest.
type SessionStatusResponse struct {
	Header
	InSession    bool   `xml:"inSession,attr"`
	Participants int    `xml:"participants,attr,omitempty"`
	Description  string `xml:"description,omitempty"`
}

func (*JoinSessionRequest) Kind() Kind    { return KindJoinSessionRequest }
func (*JoinSessionRejected) Kind() Kind   { return KindJoinSessionRejected }
func (*SessionStatusRequest) Kind() Kind  { return KindSessionStatusRequest }
func (*SessionStatusResponse) Kind() Kind { return KindSessionStatusResponse }

var (
	SessionKickProvider      = newProvider[SessionKick](KindSessionKick)
	LeaveSessionProvider     = newProvider[LeaveSession](KindLeaveSession)
	PingProvider             = newProvider[Ping](KindPing)
	PongProvider             = newProvider[Pong](KindPong)
	UserListReceivedProvider = newProvider[UserListReceived](KindUserListReceived)

	ConnectionEstablishedProvider    = newProvider[ConnectionEstablished](KindConnectionEstablished)
	InvitationOfferingProvider       = newProvider[InvitationOffering](KindInvitationOffering)
	InvitationAcknowledgedProvider   = newProvider[InvitationAcknowledged](KindInvitationAcknowledged)
	CancelInviteProvider             = newProvider[CancelInvite](KindCancelInvite)
	ProjectOfferingProvider          = newProvider[ProjectOffering](KindProjectOffering)
	CancelProjectNegotiationProvider = newProvider[CancelProjectNegotiation](KindCancelProjectNegotiation)

	JoinSessionRequestProvider    = newProvider[JoinSessionRequest](KindJoinSessionRequest)
	JoinSessionRejectedProvider   = newProvider[JoinSessionRejected](KindJoinSessionRejected)
	SessionStatusRequestProvider  = newProvider[SessionStatusRequest](KindSessionStatusRequest)
	SessionStatusResponseProvider = newProvider[SessionStatusResponse](KindSessionStatusResponse)
)
