// Package protocol defines the message types exchanged between the pool
// and its workers, and the frame codec that carries them.
//
// # Message Structure
//
// All messages share a common frame layout:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Length (4 bytes) - bytes following this field          │
//	├─────────────────────────────────────────────────────────┤
//	│  MessageType (4 bytes)                                  │
//	├─────────────────────────────────────────────────────────┤
//	│  Pool ID (16 bytes) - UUID                              │
//	├─────────────────────────────────────────────────────────┤
//	│  Body (variable) - JSON encoded payload                 │
//	└─────────────────────────────────────────────────────────┘
//
// Multi-byte integers are big-endian; the pool ID is the UUID's RFC 4122
// byte order. Frames are never split or coalesced: one frame is one
// message, bounded by MaxFrameSize.
//
// # Message Flow
//
// The exchange is strict lockstep request/reply. The pool sends request
// messages (Init, Reset, Step, ...) and each worker answers with exactly
// the matching reply type, except for Close and Render in human mode,
// which have no reply. A worker that cannot satisfy a request sends
// Error and terminates; an unrecognized message type desynchronizes the
// channel and is likewise fatal.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// MessageType identifies a message variant on the wire.
type MessageType uint32

// Request message types, sent by the pool to workers.
const (
	// Initial handshake carrying the worker's environment specs.
	MessageTypeInit MessageType = 0x00010001
	// Reset every environment the worker owns.
	MessageTypeReset MessageType = 0x00010002
	// Step every environment the worker owns.
	MessageTypeStep MessageType = 0x00010003
	// Re-randomize the task of every environment the worker owns.
	MessageTypeResetTask MessageType = 0x00010004
	// Render every environment the worker owns.
	MessageTypeRender MessageType = 0x00010005
	// Query the space descriptors of the worker's first environment.
	MessageTypeGetSpaces MessageType = 0x00010006
	// Shut the worker down. Has no reply.
	MessageTypeClose MessageType = 0x00010007
)

// Reply message types, sent by workers to the pool.
const (
	// Handshake acknowledgement: environments are constructed.
	MessageTypeReady MessageType = 0x00020001
	// Per-slot results for a Reset request.
	MessageTypeResetReply MessageType = 0x00020002
	// Per-slot results for a Step request.
	MessageTypeStepReply MessageType = 0x00020003
	// Per-slot observations for a ResetTask request.
	MessageTypeTaskReply MessageType = 0x00020004
	// Per-slot frames for a Render request in rgb_array mode.
	MessageTypeFrameReply MessageType = 0x00020005
	// Space descriptors for a GetSpaces request.
	MessageTypeSpacesReply MessageType = 0x00020006
	// Fatal worker failure. The worker terminates after sending this.
	MessageTypeError MessageType = 0x0002FFFF
)

// String returns the wire name of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageTypeInit:
		return "Init"
	case MessageTypeReset:
		return "Reset"
	case MessageTypeStep:
		return "Step"
	case MessageTypeResetTask:
		return "ResetTask"
	case MessageTypeRender:
		return "Render"
	case MessageTypeGetSpaces:
		return "GetSpaces"
	case MessageTypeClose:
		return "Close"
	case MessageTypeReady:
		return "Ready"
	case MessageTypeResetReply:
		return "ResetReply"
	case MessageTypeStepReply:
		return "StepReply"
	case MessageTypeTaskReply:
		return "TaskReply"
	case MessageTypeFrameReply:
		return "FrameReply"
	case MessageTypeSpacesReply:
		return "SpacesReply"
	case MessageTypeError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(0x%08X)", uint32(t))
	}
}

const (
	// HeaderSize is the fixed frame header size in bytes.
	HeaderSize = 24 // 4 (Length) + 4 (MessageType) + 16 (Pool ID)

	// MaxFrameSize bounds a single frame, header included. Frames are
	// mostly observation batches; anything past this limit indicates a
	// desynchronized or corrupt stream, not a legitimate message.
	MaxFrameSize = 64 << 20
)

var (
	// ErrInvalidMessage is returned when a message cannot be decoded.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrMessageTooShort is returned when a frame is smaller than its header.
	ErrMessageTooShort = errors.New("message too short")
)

// Message is one protocol message: a type tag, the pool it belongs to,
// and a JSON body.
type Message struct {
	Type   MessageType
	PoolID uuid.UUID
	Data   []byte // JSON encoded payload, nil for bodyless messages
}

// New creates a message with a JSON-encoded payload. A nil payload
// produces a bodyless message.
func New(t MessageType, poolID uuid.UUID, payload any) (*Message, error) {
	m := &Message{Type: t, PoolID: poolID}
	if payload == nil {
		return m, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %v payload: %w", t, err)
	}
	m.Data = data
	return m, nil
}

// Unmarshal decodes the message body into v.
func (m *Message) Unmarshal(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: decode %v body: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// Marshal serializes the message without the length prefix:
// MessageType (4) + Pool ID (16) + Body.
func (m *Message) Marshal() ([]byte, error) {
	if HeaderSize+len(m.Data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, HeaderSize+len(m.Data))
	}

	buf := make([]byte, HeaderSize-4+len(m.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Type))
	copy(buf[4:20], m.PoolID[:])
	copy(buf[20:], m.Data)
	return buf, nil
}

// Unmarshal deserializes a message from its prefix-less wire form.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < HeaderSize-4 {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMessageTooShort, len(data), HeaderSize-4)
	}

	m := &Message{}
	m.Type = MessageType(binary.BigEndian.Uint32(data[0:4]))
	copy(m.PoolID[:], data[4:20])

	if len(data) > HeaderSize-4 {
		m.Data = make([]byte, len(data)-(HeaderSize-4))
		copy(m.Data, data[HeaderSize-4:])
	}

	return m, nil
}

// WriteFrame writes one length-prefixed message frame to w.
// The write is a single Write call so concurrent writers interleave at
// frame granularity when the caller serializes them.
func WriteFrame(w io.Writer, m *Message) error {
	body, err := m.Marshal()
	if err != nil {
		return err
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message frame from r.
// It blocks until a complete frame is read or an error occurs.
func ReadFrame(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length < HeaderSize-4 {
		return nil, fmt.Errorf("%w: frame length %d", ErrMessageTooShort, length)
	}
	if length > MaxFrameSize-4 {
		return nil, fmt.Errorf("%w: frame length %d", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return Unmarshal(body)
}
