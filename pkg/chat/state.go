// Package chat propagates chat states (typing indicators) in group rooms.
package chat

import (
	"encoding/xml"

	"pairlink/pkg/codec"
	"pairlink/pkg/stanza"
)

// Namespace of chat state elements.
const Namespace = "http://jabber.org/protocol/chatstates"

// State is a chat state. The element name on the wire is the state itself.
type State string

const (
	Active    State = "active"
	Composing State = "composing"
	Paused    State = "paused"
	Inactive  State = "inactive"
	Gone      State = "gone"
)

// States returns every known state.
func States() []State {
	return []State{Active, Composing, Paused, Inactive, Gone}
}

// ParseState maps an element name to a known state.
func ParseState(name string) (State, bool) {
	for _, s := range States() {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// Element is the chat state extension.
type Element struct {
	State State
}

func (e *Element) Namespace() string   { return Namespace }
func (e *Element) ElementName() string { return string(e.State) }

// MarshalXML renders an empty element named after the state.
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Space: Namespace, Local: string(e.State)}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

type provider struct {
	state State
}

func (p provider) Namespace() string   { return Namespace }
func (p provider) ElementName() string { return string(p.state) }

func (p provider) ParseElement(d *xml.Decoder, _ xml.StartElement) (stanza.Element, error) {
	if err := d.Skip(); err != nil {
		return nil, err
	}
	return &Element{State: p.state}, nil
}

// Register installs a provider for every state.
func Register(reg *codec.Registry) {
	for _, s := range States() {
		reg.Register(provider{state: s})
	}
}
