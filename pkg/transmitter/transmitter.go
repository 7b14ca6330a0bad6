// Package transmitter sends extension elements to peers, over the stanza
// stream or over the binary side-channel.
package transmitter

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"pairlink/pkg/codec"
	"pairlink/pkg/connection"
	"pairlink/pkg/jid"
	"pairlink/pkg/stanza"
)

// ErrNoBinaryChannel is returned by SendBinary when no side-channel is set.
var ErrNoBinaryChannel = errors.New("transmitter: no binary channel")

// BinaryChannel carries binary extensions to a peer.
type BinaryChannel interface {
	SendBinary(ctx context.Context, ext *stanza.BinaryExtension) error
}

// Options tunes binary sends.
type Options struct {
	// CompressionThreshold is the payload size from which binary payloads
	// are deflated. Zero compresses everything, negative disables.
	CompressionThreshold int
	// CompressionLevel is a zlib level.
	CompressionLevel int
	// Mode is recorded in outgoing binary extensions.
	Mode string
}

// DefaultOptions returns the default binary send options.
func DefaultOptions() Options {
	return Options{
		CompressionThreshold: 1024,
		CompressionLevel:     zlib.DefaultCompression,
		Mode:                 "grpc",
	}
}

// Transmitter sends stanzas on behalf of the local user.
type Transmitter struct {
	local  jid.JID
	conn   connection.StanzaSender
	binary BinaryChannel
	opts   Options
	logger *zap.Logger
}

// New creates a transmitter sending on conn as local.
func New(local jid.JID, conn connection.StanzaSender, logger *zap.Logger) *Transmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transmitter{
		local:  local,
		conn:   conn,
		opts:   DefaultOptions(),
		logger: logger,
	}
}

// SetBinaryChannel installs the side-channel used by SendBinary.
func (t *Transmitter) SetBinaryChannel(ch BinaryChannel, opts Options) {
	t.binary = ch
	t.opts = opts
}

// Send sends s, assigning an id if it has none.
func (t *Transmitter) Send(s *stanza.Stanza) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := t.conn.SendStanza(s); err != nil {
		return fmt.Errorf("send %s to %s: %w", s.Kind, s.To, err)
	}
	return nil
}

// SendExtension sends ext to peer in a normal message. Failures are logged,
// not returned.
func (t *Transmitter) SendExtension(peer jid.JID, ext stanza.Element) {
	s := stanza.NewMessage(peer, stanza.TypeNormal)
	s.AddExtension(ext)
	if err := t.Send(s); err != nil {
		t.logger.Error("Failed to send extension",
			zap.Stringer("to", peer),
			zap.String("element", ext.ElementName()),
			zap.Error(err))
	}
}

// SendIQ sends an IQ envelope to peer.
func (t *Transmitter) SendIQ(peer jid.JID, iq *stanza.Stanza) error {
	iq.To = peer
	return t.Send(iq)
}

// SendToRoom sends a groupchat message to room.
func (t *Transmitter) SendToRoom(room jid.JID, s *stanza.Stanza) error {
	s.Kind = stanza.KindMessage
	s.Type = stanza.TypeGroupChat
	s.To = room.Bare()
	return t.Send(s)
}

// SendBinary renders ext and ships it over the binary side-channel,
// deflating payloads at or above the compression threshold.
func (t *Transmitter) SendBinary(ctx context.Context, peer jid.JID, ext stanza.Element) error {
	if t.binary == nil {
		return ErrNoBinaryChannel
	}

	payload, err := xml.Marshal(ext)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ext.ElementName(), err)
	}

	out := &stanza.BinaryExtension{
		Namespace:   ext.Namespace(),
		ElementName: ext.ElementName(),
		From:        t.local,
		To:          peer,
		Mode:        t.opts.Mode,
	}
	size := int64(len(payload))
	if t.opts.CompressionThreshold >= 0 && len(payload) >= t.opts.CompressionThreshold {
		packed, err := codec.Deflate(payload, t.opts.CompressionLevel)
		if err != nil {
			return err
		}
		out.Compressed = true
		out.Payload = packed
		out.CompressedSize = int64(len(packed))
		out.UncompressedSize = size
	} else {
		out.SetPayload(size, payload)
	}

	start := time.Now()
	if err := t.binary.SendBinary(ctx, out); err != nil {
		return fmt.Errorf("send binary %s to %s: %w", ext.ElementName(), peer, err)
	}
	t.logger.Debug("Sent binary extension",
		zap.Stringer("to", peer),
		zap.String("element", ext.ElementName()),
		zap.Bool("compressed", out.Compressed),
		zap.Int64("size", out.CompressedSize),
		zap.Duration("duration", time.Since(start)))
	return nil
}
