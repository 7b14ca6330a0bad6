// Package bytestream carries binary extensions between peers over a gRPC
// stream. Frames are protobuf wire-format records written by hand; there
// is no generated code.
package bytestream

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"pairlink/pkg/jid"
	"pairlink/pkg/stanza"
)

// ErrMalformedFrame is returned for frames that cannot be decoded.
var ErrMalformedFrame = errors.New("bytestream: malformed frame")

const (
	fieldNamespace protowire.Number = iota + 1
	fieldElementName
	fieldFrom
	fieldTo
	fieldMode
	fieldCompressed
	fieldCompressedSize
	fieldUncompressedSize
	fieldDuration
	fieldPayload
)

const (
	fieldCount protowire.Number = iota + 1
	fieldBytes
)

// MarshalExtension encodes ext as a frame.
func MarshalExtension(ext *stanza.BinaryExtension) []byte {
	b := make([]byte, 0, len(ext.Payload)+128)
	b = appendString(b, fieldNamespace, ext.Namespace)
	b = appendString(b, fieldElementName, ext.ElementName)
	if !ext.From.IsZero() {
		b = appendString(b, fieldFrom, ext.From.String())
	}
	if !ext.To.IsZero() {
		b = appendString(b, fieldTo, ext.To.String())
	}
	b = appendString(b, fieldMode, ext.Mode)
	if ext.Compressed {
		b = protowire.AppendTag(b, fieldCompressed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendVarint(b, fieldCompressedSize, uint64(ext.CompressedSize))
	b = appendVarint(b, fieldUncompressedSize, uint64(ext.UncompressedSize))
	b = appendVarint(b, fieldDuration, uint64(ext.Duration))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	return protowire.AppendBytes(b, ext.Payload)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// UnmarshalExtension decodes a frame. Unknown fields are skipped.
func UnmarshalExtension(b []byte) (*stanza.BinaryExtension, error) {
	ext := &stanza.BinaryExtension{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num >= fieldNamespace && num <= fieldMode,
			typ == protowire.BytesType && num == fieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := setBytes(ext, num, v); err != nil {
				return nil, err
			}
		case typ == protowire.VarintType && num >= fieldCompressed && num <= fieldDuration:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			setVarint(ext, num, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if ext.Namespace == "" || ext.ElementName == "" {
		return nil, fmt.Errorf("%w: missing element name", ErrMalformedFrame)
	}
	return ext, nil
}

func setVarint(ext *stanza.BinaryExtension, num protowire.Number, v uint64) {
	switch num {
	case fieldCompressed:
		ext.Compressed = protowire.DecodeBool(v)
	case fieldCompressedSize:
		ext.CompressedSize = int64(v)
	case fieldUncompressedSize:
		ext.UncompressedSize = int64(v)
	case fieldDuration:
		ext.Duration = time.Duration(v)
	}
}

func setBytes(ext *stanza.BinaryExtension, num protowire.Number, v []byte) error {
	var err error
	switch num {
	case fieldNamespace:
		ext.Namespace = string(v)
	case fieldElementName:
		ext.ElementName = string(v)
	case fieldFrom:
		ext.From, err = jid.Parse(string(v))
	case fieldTo:
		ext.To, err = jid.Parse(string(v))
	case fieldMode:
		ext.Mode = string(v)
	case fieldPayload:
		ext.Payload = append([]byte(nil), v...)
	}
	if err != nil {
		return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, err)
	}
	return nil
}

// marshalSummary encodes the reply to a transfer.
func marshalSummary(frames int, size int64) []byte {
	b := appendVarint(nil, fieldCount, uint64(frames))
	return appendVarint(b, fieldBytes, uint64(size))
}

func unmarshalSummary(b []byte) (frames int, size int64, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldCount:
			frames = int(v)
		case fieldBytes:
			size = int64(v)
		}
	}
	return frames, size, nil
}
