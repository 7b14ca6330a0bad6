package stanza

import "pairlink/pkg/jid"

// Filter decides whether a stanza is of interest to a listener. A nil Filter
// accepts everything.
type Filter func(*Stanza) bool

// Accept evaluates the filter, treating nil as accept-all.
func (f Filter) Accept(s *Stanza) bool {
	if f == nil {
		return true
	}
	return f(s)
}

// And accepts a stanza only if every filter accepts it.
func And(filters ...Filter) Filter {
	return func(s *Stanza) bool {
		for _, f := range filters {
			if !f.Accept(s) {
				return false
			}
		}
		return true
	}
}

// Or accepts a stanza if any filter accepts it.
func Or(filters ...Filter) Filter {
	return func(s *Stanza) bool {
		for _, f := range filters {
			if f.Accept(s) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter.
func Not(f Filter) Filter {
	return func(s *Stanza) bool {
		return !f.Accept(s)
	}
}

// HasExtension matches stanzas carrying the given extension element.
func HasExtension(namespace, name string) Filter {
	return func(s *Stanza) bool {
		return s.Extension(namespace, name) != nil
	}
}

// HasNamespace matches stanzas carrying any extension in the namespace.
func HasNamespace(namespace string) Filter {
	return func(s *Stanza) bool {
		return s.ExtensionByNamespace(namespace) != nil
	}
}

// OfKind matches the stanza envelope kind.
func OfKind(kind Kind) Filter {
	return func(s *Stanza) bool {
		return s.Kind == kind
	}
}

// OfType matches the type attribute.
func OfType(typ string) Filter {
	return func(s *Stanza) bool {
		return s.Type == typ
	}
}

// FromBare matches stanzas sent by any resource of the given identity.
func FromBare(peer jid.JID) Filter {
	return func(s *Stanza) bool {
		return s.From.Equal(peer)
	}
}

// WithID matches the stanza id.
func WithID(id string) Filter {
	return func(s *Stanza) bool {
		return s.ID == id
	}
}
