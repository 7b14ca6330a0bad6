package codec

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"go.uber.org/zap"

	"pairlink/pkg/jid"
	"pairlink/pkg/stanza"
)

// ClientNamespace is the default namespace of client stanzas.
const ClientNamespace = "jabber:client"

// ParseStanza decodes a complete message, iq or presence stanza. Extensions
// with a registered provider are decoded by it; a failing provider yields
// stanza.Drop in place of the extension. Unknown extensions are kept as
// stanza.RawElement.
func ParseStanza(data []byte, reg *Registry, logger *zap.Logger) (*stanza.Stanza, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = defaultRegistry
	}

	d := xml.NewDecoder(bytes.NewReader(data))
	root, err := nextStart(d)
	if err != nil {
		return nil, err
	}
	kind, ok := stanza.ParseKind(root.Name.Local)
	if !ok {
		return nil, fmt.Errorf("unsupported stanza <%s>", root.Name.Local)
	}

	s := &stanza.Stanza{Kind: kind}
	for _, a := range root.Attr {
		switch a.Name.Local {
		case "id":
			s.ID = a.Value
		case "type":
			s.Type = a.Value
		case "from":
			if s.From, err = jid.Parse(a.Value); err != nil {
				return nil, fmt.Errorf("invalid from: %w", err)
			}
		case "to":
			if s.To, err = jid.Parse(a.Value); err != nil {
				return nil, fmt.Errorf("invalid to: %w", err)
			}
		}
	}

	parser := NewParser()
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, fmt.Errorf("read stanza: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "body" && (t.Name.Space == "" || t.Name.Space == ClientNamespace) {
				var body string
				if err := d.DecodeElement(&body, &t); err != nil {
					return nil, fmt.Errorf("read body: %w", err)
				}
				s.SetBody(body)
				continue
			}

			raw := &stanza.RawElement{}
			if err := d.DecodeElement(raw, &t); err != nil {
				return nil, fmt.Errorf("read extension %s: %w", t.Name.Local, err)
			}
			raw.Attrs = stripNamespaceAttrs(raw.Attrs)

			p, ok := reg.Lookup(t.Name.Space, t.Name.Local)
			if !ok {
				s.AddExtension(raw)
				continue
			}
			el, ok := decodeRaw(parser, p, raw, logger)
			if !ok {
				parser = NewParser()
			}
			s.AddExtension(el)
		case xml.EndElement:
			return s, nil
		}
	}
}

func decodeRaw(parser *Parser, p ElementProvider, raw *stanza.RawElement, logger *zap.Logger) (stanza.Element, bool) {
	data, err := xml.Marshal(raw)
	if err == nil {
		var el stanza.Element
		if el, err = parser.Parse(data, p); err == nil {
			return el, true
		}
	}
	logger.Warn("Dropping undecodable extension",
		zap.String("namespace", raw.Namespace()),
		zap.String("element", raw.ElementName()),
		zap.Error(err))
	return stanza.Drop, false
}

func stripNamespaceAttrs(attrs []xml.Attr) []xml.Attr {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// MarshalStanza renders s as XML. Drop sentinels are omitted.
func MarshalStanza(s *stanza.Stanza) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	root := xml.StartElement{Name: xml.Name{Space: ClientNamespace, Local: s.Kind.String()}}
	addAttr := func(name, value string) {
		if value != "" {
			root.Attr = append(root.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: value})
		}
	}
	addAttr("id", s.ID)
	if !s.From.IsZero() {
		addAttr("from", s.From.String())
	}
	if !s.To.IsZero() {
		addAttr("to", s.To.String())
	}
	addAttr("type", s.Type)

	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}
	if s.HasBody {
		if err := enc.EncodeElement(s.Body, xml.StartElement{Name: xml.Name{Local: "body"}}); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}
	for _, ext := range s.Extensions {
		if stanza.IsDrop(ext) {
			continue
		}
		start := xml.StartElement{Name: xml.Name{Space: ext.Namespace(), Local: ext.ElementName()}}
		if err := enc.EncodeElement(ext, start); err != nil {
			return nil, fmt.Errorf("encode %s: %w", ext.ElementName(), err)
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
