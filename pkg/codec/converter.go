package codec

import (
	"fmt"
	"sync"
)

// Converter maps a field value to and from its wire string. Converters are
// keyed by a stable type tag; payloads call them explicitly for fields whose
// in-memory form depends on runtime context (e.g. a running session).
type Converter interface {
	Tag() string
	Encode(value any) (string, error)
	Decode(raw string) (any, error)
}

// Convertible is implemented by payloads with converter-backed fields.
// MarshalWith runs before encoding, UnmarshalWith after decoding.
type Convertible interface {
	MarshalWith(c *Converters) error
	UnmarshalWith(c *Converters) error
}

// Converters is the installable converter registry of a provider.
type Converters struct {
	mu    sync.RWMutex
	byTag map[string]Converter
}

// NewConverters creates an empty converter registry.
func NewConverters() *Converters {
	return &Converters{byTag: make(map[string]Converter)}
}

// Install registers conv under its tag, replacing any previous converter
// with the same tag.
func (c *Converters) Install(conv Converter) {
	if conv == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTag[conv.Tag()] = conv
}

// Uninstall removes the converter registered under conv's tag. Unknown tags
// are ignored.
func (c *Converters) Uninstall(conv Converter) {
	if conv == nil {
		return
	}
	c.UninstallTag(conv.Tag())
}

// UninstallTag removes the converter registered under tag.
func (c *Converters) UninstallTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byTag, tag)
}

// Lookup returns the converter for tag, or the default converter.
func (c *Converters) Lookup(tag string) Converter {
	c.mu.RLock()
	conv, ok := c.byTag[tag]
	c.mu.RUnlock()
	if ok {
		return conv
	}
	return defaultConverter{tag: tag}
}

// Installed reports whether a non-default converter is installed for tag.
func (c *Converters) Installed(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byTag[tag]
	return ok
}

// Encode converts value using the converter for tag.
func (c *Converters) Encode(tag string, value any) (string, error) {
	s, err := c.Lookup(tag).Encode(value)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", tag, err)
	}
	return s, nil
}

// Decode converts raw using the converter for tag.
func (c *Converters) Decode(tag, raw string) (any, error) {
	v, err := c.Lookup(tag).Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	return v, nil
}

// defaultConverter passes strings through unchanged.
type defaultConverter struct {
	tag string
}

func (d defaultConverter) Tag() string { return d.tag }

func (d defaultConverter) Encode(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (d defaultConverter) Decode(raw string) (any, error) {
	return raw, nil
}
