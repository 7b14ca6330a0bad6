// Package jid implements peer identities on the federated network in the
// familiar local@domain/resource form. Negotiations and registries key on the
// bare identity (local@domain) so that a peer reconnecting with a different
// resource is still recognized.
package jid

import (
	"fmt"
	"strings"

	mjid "mellium.im/xmpp/jid"
)

// JID represents a peer address
// Examples:
//   - alice@example.org/laptop (full, resource qualified)
//   - alice@example.org (bare)
//   - room@conference.example.org/bob (room occupant)
type JID struct {
	Local    string // alice
	Domain   string // example.org
	Resource string // laptop (optional)
}

// Parse parses and normalizes an address string into its components.
// Validation and normalization of each part is delegated to mellium's
// PRECIS-aware parser.
func Parse(addr string) (JID, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return JID{}, fmt.Errorf("address cannot be empty")
	}

	parsed, err := mjid.Parse(addr)
	if err != nil {
		return JID{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	j := JID{
		Local:    parsed.Localpart(),
		Domain:   parsed.Domainpart(),
		Resource: parsed.Resourcepart(),
	}
	if j.Domain == "" {
		return JID{}, fmt.Errorf("domain cannot be empty")
	}
	return j, nil
}

// MustParse is like Parse but panics on invalid input. Intended for
// constants and tests.
func MustParse(addr string) JID {
	j, err := Parse(addr)
	if err != nil {
		panic(err)
	}
	return j
}

// String returns the canonical string representation of the address
func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// Base returns the bare form (local@domain) as a string.
func (j JID) Base() string {
	return j.Bare().String()
}

// Bare strips the resource.
func (j JID) Bare() JID {
	return JID{Local: j.Local, Domain: j.Domain}
}

// IsZero reports whether no address is set.
func (j JID) IsZero() bool {
	return j.Local == "" && j.Domain == "" && j.Resource == ""
}

// IsBare returns true if the address carries no resource
func (j JID) IsBare() bool {
	return j.Resource == ""
}

// Validate checks if the address is usable as a peer identity
func (j JID) Validate() error {
	if j.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if strings.ContainsAny(j.Local, "@/") {
		return fmt.Errorf("local part contains reserved characters")
	}
	if strings.Contains(j.Domain, "@") || strings.Contains(j.Domain, "/") {
		return fmt.Errorf("domain contains reserved characters")
	}
	return nil
}

// Equal compares the bare identities, ignoring the resource.
func (j JID) Equal(other JID) bool {
	return j.Local == other.Local && j.Domain == other.Domain
}

// StrictlyEqual compares all three parts.
func (j JID) StrictlyEqual(other JID) bool {
	return j == other
}
