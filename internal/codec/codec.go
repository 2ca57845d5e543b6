// Package codec converts typed sync messages to and from compact binary.
//
// Every message travels in an envelope:
//
//	[topicId varint][payloadLength varint][payload]
//
// Built-in payloads start with a version byte. Decoders read the fields they
// know and skip whatever a newer sender appended, and payloads on unknown
// topics decode into RawMessage, so older peers keep working when topics or
// fields are added.
package codec

import (
	"errors"
	"fmt"
)

// PayloadVersion is written as the first byte of every built-in payload.
const PayloadVersion uint8 = 1

var (
	// ErrTruncated means the input ended before a complete message was read.
	ErrTruncated = errors.New("codec: truncated input")
	// ErrMalformed means the input cannot be a valid encoding.
	ErrMalformed = errors.New("codec: malformed input")
	// ErrUnsupported is returned by Encode for messages it cannot carry.
	ErrUnsupported = errors.New("codec: unsupported message")
)

// DecodeError describes why an inbound buffer could not be decoded.
// It wraps ErrTruncated or ErrMalformed.
type DecodeError struct {
	Topic  TopicID // Zero if the envelope itself was unreadable
	Offset int     // Byte offset where decoding stopped
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Topic == 0 {
		return fmt.Sprintf("codec: decode envelope at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("codec: decode %s at offset %d: %v", e.Topic, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes a message into one envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnsupported)
	}
	topic := msg.Topic()
	if topic == 0 {
		return nil, fmt.Errorf("%w: topic id 0", ErrUnsupported)
	}
	if raw, ok := msg.(RawMessage); ok && raw.ID.Builtin() {
		return nil, fmt.Errorf("%w: raw payload on built-in topic %s", ErrUnsupported, raw.ID)
	}

	var payload writer
	if topic.Builtin() {
		payload.u8(PayloadVersion)
	}
	msg.encodePayload(&payload)

	out := writer{buf: make([]byte, 0, len(payload.buf)+10)}
	out.uvarint(uint64(topic))
	out.bytes(payload.buf)
	return out.buf, nil
}

// MustEncode is Encode for messages known to be encodable. It panics on error.
func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses exactly one envelope. Bytes after the envelope are an error;
// bytes after the known fields inside a payload are skipped.
func Decode(data []byte) (Message, error) {
	r := &reader{buf: data}

	id := r.uvarint()
	if r.err == nil && (id == 0 || id > uint64(^uint32(0))) {
		r.fail(ErrMalformed)
	}
	n := r.length()
	if r.err != nil {
		return nil, &DecodeError{Offset: r.off, Err: r.err}
	}
	topic := TopicID(id)
	payloadStart := r.off
	body := r.sub(n)
	if r.remaining() != 0 {
		return nil, &DecodeError{Topic: topic, Offset: r.off, Err: ErrMalformed}
	}

	if !topic.Builtin() {
		payload := make([]byte, n)
		copy(payload, body.buf)
		return RawMessage{ID: topic, Payload: payload}, nil
	}

	version := body.u8()
	if body.err == nil && version == 0 {
		body.fail(ErrMalformed)
	}
	if body.err != nil {
		return nil, &DecodeError{Topic: topic, Offset: payloadStart + body.off, Err: body.err}
	}

	var msg Message
	switch topic {
	case TopicPosition:
		msg = decodePosition(body)
	case TopicInput:
		msg = decodeInput(body)
	case TopicState:
		msg = decodeState(body)
	case TopicStateRequest:
		msg = decodeStateRequest(body)
	case TopicMatchEvent:
		msg = decodeMatchEvent(body)
	}
	if body.err != nil {
		return nil, &DecodeError{Topic: topic, Offset: payloadStart + body.off, Err: body.err}
	}
	return msg, nil
}
