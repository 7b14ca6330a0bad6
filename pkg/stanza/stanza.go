// Package stanza defines the protocol envelope exchanged between peers and the
// extension elements it carries.
//
// Stanzas come in three kinds (message, iq and presence). Typed payloads are
// attached as extension elements addressed by (namespace, element-name);
// decoding of those payloads is owned by package codec.
package stanza

import (
	"encoding/xml"

	"pairlink/pkg/jid"
)

// Kind identifies the stanza envelope.
type Kind int

const (
	KindMessage Kind = iota
	KindIQ
	KindPresence
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindIQ:
		return "iq"
	case KindPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// ParseKind maps an XML root element name to a Kind.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case "message":
		return KindMessage, true
	case "iq":
		return KindIQ, true
	case "presence":
		return KindPresence, true
	}
	return 0, false
}

// Common values of the type attribute.
const (
	TypeChat      = "chat"
	TypeGroupChat = "groupchat"
	TypeNormal    = "normal"
	TypeError     = "error"

	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
)

// IDNotAvailable marks stanzas synthesized locally, e.g. from the binary
// side-channel, which never carried a wire id.
const IDNotAvailable = "ID_NOT_AVAILABLE"

// Element is an extension element attached to a stanza.
type Element interface {
	Namespace() string
	ElementName() string
}

// Stanza is the generic protocol envelope.
type Stanza struct {
	Kind       Kind
	ID         string
	From       jid.JID
	To         jid.JID
	Type       string
	Body       string
	HasBody    bool
	Extensions []Element
}

// NewMessage creates a message stanza addressed to the given peer.
func NewMessage(to jid.JID, typ string) *Stanza {
	return &Stanza{Kind: KindMessage, To: to, Type: typ}
}

// SetBody sets the body, including the empty body some message types
// require to be present.
func (s *Stanza) SetBody(body string) {
	s.Body = body
	s.HasBody = true
}

// AddExtension appends an extension element.
func (s *Stanza) AddExtension(e Element) {
	if e == nil {
		return
	}
	s.Extensions = append(s.Extensions, e)
}

// Extension returns the first extension with the given namespace and
// element name, or nil.
func (s *Stanza) Extension(namespace, name string) Element {
	if s == nil {
		return nil
	}
	for _, e := range s.Extensions {
		if e.Namespace() == namespace && e.ElementName() == name {
			return e
		}
	}
	return nil
}

// ExtensionByNamespace returns the first extension in the namespace, or nil.
// Used for namespaces where the element name itself carries the value.
func (s *Stanza) ExtensionByNamespace(namespace string) Element {
	if s == nil {
		return nil
	}
	for _, e := range s.Extensions {
		if e.Namespace() == namespace {
			return e
		}
	}
	return nil
}

// RawElement holds an extension no provider was installed for.
type RawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

func (r *RawElement) Namespace() string   { return r.XMLName.Space }
func (r *RawElement) ElementName() string { return r.XMLName.Local }

// Attr returns the value of an unqualified attribute.
func (r *RawElement) Attr(name string) string {
	for _, a := range r.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// DropElement is the sentinel returned when a payload could not be decoded.
// Listeners never match it, so the stanza continues through the pipeline
// without its payload.
type DropElement struct{}

const dropName = "drop"

// Drop is the shared sentinel instance.
var Drop Element = DropElement{}

func (DropElement) Namespace() string   { return dropName }
func (DropElement) ElementName() string { return dropName }

// IsDrop reports whether e is the drop sentinel.
func IsDrop(e Element) bool {
	_, ok := e.(DropElement)
	return ok
}
