package stanza

import (
	"time"

	"pairlink/pkg/jid"
)

// BinaryExtension is an extension element shipped over the binary
// side-channel instead of the stanza stream. It is built on receipt, decoded
// back into an Element and discarded.
type BinaryExtension struct {
	Namespace   string
	ElementName string
	From        jid.JID
	To          jid.JID

	// Mode names the transport the payload arrived on.
	Mode string

	Compressed       bool
	CompressedSize   int64
	UncompressedSize int64
	Duration         time.Duration

	Payload []byte
}

// SetPayload replaces the payload after decompression and records both
// sizes.
func (b *BinaryExtension) SetPayload(compressedSize int64, payload []byte) {
	b.CompressedSize = compressedSize
	b.UncompressedSize = int64(len(payload))
	b.Payload = payload
}
