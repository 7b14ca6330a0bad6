// Package codec maps typed payloads to and from XML extension elements.
//
// A Provider exists per (namespace, element-name). Providers are collected in
// a Registry consulted when inbound stanzas or binary payloads are parsed.
// Decode failures never escape: they are logged and replaced by the
// stanza.Drop sentinel.
package codec

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"go.uber.org/zap"

	"pairlink/pkg/stanza"
)

// Provider encodes and decodes payloads of type T. T must be a pointer to a
// struct using encoding/xml tags; the element name and namespace are owned by
// the provider.
type Provider[T any] struct {
	namespace  string
	name       string
	newPayload func() T
	valid      func(T) bool
	stamp      func(T)
	converters *Converters
	logger     *zap.Logger
}

// Option configures a Provider.
type Option[T any] func(*Provider[T])

// WithValidator sets a predicate payloads must satisfy to be visible. Invalid
// payloads are treated as absent, not as errors.
func WithValidator[T any](fn func(T) bool) Option[T] {
	return func(p *Provider[T]) { p.valid = fn }
}

// WithStamp sets a hook applied to every payload before encoding.
func WithStamp[T any](fn func(T)) Option[T] {
	return func(p *Provider[T]) { p.stamp = fn }
}

// WithLogger sets the logger used to report decode failures.
func WithLogger[T any](logger *zap.Logger) Option[T] {
	return func(p *Provider[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider creates a provider for the given element.
func NewProvider[T any](namespace, name string, newPayload func() T, opts ...Option[T]) *Provider[T] {
	p := &Provider[T]{
		namespace:  namespace,
		name:       name,
		newPayload: newPayload,
		converters: NewConverters(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider[T]) Namespace() string   { return p.namespace }
func (p *Provider[T]) ElementName() string { return p.name }

// Converters returns the provider's converter registry.
func (p *Provider[T]) Converters() *Converters { return p.converters }

// InstallConverter registers conv, replacing one with the same tag.
func (p *Provider[T]) InstallConverter(conv Converter) { p.converters.Install(conv) }

// UninstallConverter removes conv; decoding falls back to the default.
func (p *Provider[T]) UninstallConverter(conv Converter) { p.converters.Uninstall(conv) }

// Create wraps payload as a standalone extension element.
func (p *Provider[T]) Create(payload T) *Element[T] {
	if p.stamp != nil {
		p.stamp(payload)
	}
	return &Element[T]{provider: p, payload: payload}
}

// CreateIQ wraps payload in an IQ envelope sharing the same element
// definition.
func (p *Provider[T]) CreateIQ(payload T, iqType string) *stanza.Stanza {
	s := &stanza.Stanza{Kind: stanza.KindIQ, Type: iqType}
	s.AddExtension(p.Create(payload))
	return s
}

// Payload extracts the payload from a message or IQ stanza. It returns false
// when the element is missing, failed to decode, or fails validation.
func (p *Provider[T]) Payload(s *stanza.Stanza) (T, bool) {
	var zero T
	el, ok := s.Extension(p.namespace, p.name).(*Element[T])
	if !ok {
		return zero, false
	}
	if p.valid != nil && !p.valid(el.payload) {
		return zero, false
	}
	return el.payload, true
}

// Filter matches stanzas carrying a valid payload of this provider.
func (p *Provider[T]) Filter() stanza.Filter {
	return func(s *stanza.Stanza) bool {
		_, ok := p.Payload(s)
		return ok
	}
}

// IQFilter matches IQ stanzas carrying a valid payload of this provider.
func (p *Provider[T]) IQFilter() stanza.Filter {
	return stanza.And(stanza.OfKind(stanza.KindIQ), p.Filter())
}

// ParseElement decodes the element starting at start. The decoder must be
// positioned right after start.
func (p *Provider[T]) ParseElement(d *xml.Decoder, start xml.StartElement) (stanza.Element, error) {
	if start.Name.Space != p.namespace || start.Name.Local != p.name {
		return nil, fmt.Errorf("unexpected element {%s}%s for provider {%s}%s",
			start.Name.Space, start.Name.Local, p.namespace, p.name)
	}

	payload := p.newPayload()
	if err := d.DecodeElement(payload, &start); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.name, err)
	}
	if c, ok := any(payload).(Convertible); ok {
		if err := c.UnmarshalWith(p.converters); err != nil {
			return nil, fmt.Errorf("convert %s: %w", p.name, err)
		}
	}
	return &Element[T]{provider: p, payload: payload}, nil
}

// Decode parses a standalone element. Failures are logged and yield
// stanza.Drop.
func (p *Provider[T]) Decode(data []byte) stanza.Element {
	el, err := NewParser().Parse(data, p)
	if err != nil {
		p.logger.Warn("Dropping undecodable extension",
			zap.String("namespace", p.namespace),
			zap.String("element", p.name),
			zap.Error(err))
		return stanza.Drop
	}
	return el
}

// Encode renders payload as a standalone XML element.
func (p *Provider[T]) Encode(payload T) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(p.Create(payload)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.name, err)
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Element is an extension element produced by a Provider.
type Element[T any] struct {
	provider *Provider[T]
	payload  T
}

func (e *Element[T]) Namespace() string   { return e.provider.namespace }
func (e *Element[T]) ElementName() string { return e.provider.name }

// Payload returns the wrapped payload without validation.
func (e *Element[T]) Payload() T { return e.payload }

// MarshalXML implements xml.Marshaler.
func (e *Element[T]) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	if c, ok := any(e.payload).(Convertible); ok {
		if err := c.MarshalWith(e.provider.converters); err != nil {
			return fmt.Errorf("convert %s: %w", e.provider.name, err)
		}
	}
	start := xml.StartElement{Name: xml.Name{Space: e.provider.namespace, Local: e.provider.name}}
	return enc.EncodeElement(e.payload, start)
}
