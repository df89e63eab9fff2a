// Package protocol defines the shared message types and the length-prefixed
// framing used between the Fluffy kernel and its clients over a Unix Domain
// Socket.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultSocketPath is the canonical path for the kernel's Unix Domain
// Socket, relative to the workspace root.
const DefaultSocketPath = ".fluffy/ipc/kernel.sock"

// Message types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// MaxFrameSize bounds a single frame's payload. Larger length prefixes are
// treated as a protocol violation and the stream is abandoned.
const MaxFrameSize = 10 * 1024 * 1024

// ErrorInfo is the error envelope carried on response messages.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Message is a single frame payload exchanged between kernel and client.
type Message struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// Encode serializes a message as a single contiguous length-prefixed frame.
// Wire format: [4-byte big-endian length][JSON payload]
func Encode(m *Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// Write encodes a message and writes the frame to w.
func Write(w io.Writer, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder is a stateful frame decoder. It accumulates incoming bytes and
// peels complete frames as they become available. Malformed JSON payloads
// are dropped and decoding continues at the next frame boundary; the length
// prefix is authoritative. Each connection owns its own Decoder — buffers
// are never shared between peers.
type Decoder struct {
	buf     []byte
	dropped int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer and returns every complete message
// decoded from it. A frame whose declared length exceeds MaxFrameSize is a
// protocol violation and returns an error; the caller should abandon the
// stream.
func (d *Decoder) Feed(p []byte) ([]*Message, error) {
	d.buf = append(d.buf, p...)

	var msgs []*Message
	for {
		if len(d.buf) < 4 {
			return msgs, nil
		}

		length := binary.BigEndian.Uint32(d.buf[:4])
		if length > MaxFrameSize {
			return msgs, fmt.Errorf("frame too large: %d bytes", length)
		}
		if len(d.buf) < 4+int(length) {
			return msgs, nil
		}

		payload := d.buf[4 : 4+length]
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			// Drop the malformed frame; the prefix tells us exactly where
			// the next frame starts.
			d.dropped++
		} else {
			msgs = append(msgs, &m)
		}

		rest := len(d.buf) - 4 - int(length)
		next := make([]byte, rest)
		copy(next, d.buf[4+int(length):])
		d.buf = next
	}
}

// Dropped reports how many malformed frames have been discarded.
func (d *Decoder) Dropped() int {
	return d.dropped
}
