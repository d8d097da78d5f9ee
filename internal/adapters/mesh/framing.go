// Package mesh maintains direct framed TCP connections to sibling
// workers for collaborative execution.
package mesh

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/ai4all/worker/internal/errs"
	"github.com/ai4all/worker/internal/protocol"
)

// maxFrameSize bounds a single frame. Tensor shards can be large but
// anything past this is a protocol violation.
const maxFrameSize = 64 << 20

// WriteFrame writes one peer message as a length-prefixed JSON frame.
func WriteFrame(w io.Writer, msg protocol.PeerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.CodeProtocolMalformed, "encoding peer message", err)
	}
	if len(payload) > maxFrameSize {
		return errs.Newf(errs.CodeProtocolMalformed, "frame of %d bytes exceeds the %d byte limit", len(payload), maxFrameSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return errs.Wrap(errs.CodeConnectionLost, "writing frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.Wrap(errs.CodeConnectionLost, "writing frame payload", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed peer message. Returns io.EOF
// unchanged when the connection closed cleanly between frames.
func ReadFrame(r io.Reader) (protocol.PeerMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return protocol.PeerMessage{}, io.EOF
		}
		return protocol.PeerMessage{}, errs.Wrap(errs.CodeConnectionLost, "reading frame header", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return protocol.PeerMessage{}, errs.Newf(errs.CodeProtocolMalformed, "frame of %d bytes exceeds the %d byte limit", size, maxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return protocol.PeerMessage{}, errs.Wrap(errs.CodeConnectionLost, "reading frame payload", err)
	}

	var msg protocol.PeerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return protocol.PeerMessage{}, err
	}
	return msg, nil
}
