package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"pairlink/pkg/stanza"
)

// ErrNoElement is returned when the input holds no XML element.
var ErrNoElement = errors.New("codec: no element found")

// Parser decodes standalone elements from byte slices. A Parser keeps
// per-decode state and is not safe for concurrent use; after a failed parse
// callers should discard it and use a fresh one.
type Parser struct {
	reader *bytes.Reader
	dec    *xml.Decoder
	parses int
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{reader: bytes.NewReader(nil)}
}

// Parse decodes data as the element handled by p.
func (ps *Parser) Parse(data []byte, p ElementProvider) (stanza.Element, error) {
	ps.reader.Reset(data)
	ps.dec = xml.NewDecoder(ps.reader)
	ps.parses++

	start, err := nextStart(ps.dec)
	if err != nil {
		return nil, err
	}
	return p.ParseElement(ps.dec, start)
}

// Parses returns how many decodes this parser has served.
func (ps *Parser) Parses() int { return ps.parses }

func nextStart(d *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return xml.StartElement{}, ErrNoElement
		}
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("read element: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}
