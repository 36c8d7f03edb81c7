// Package protocol defines the JSON frames exchanged over the chat socket.
//
// Every frame is an object with a "type" discriminator. Server to client
// frames implement Event; client to server frames implement Command. Decoding
// peeks the discriminator and rejects unknown or missing types with
// ErrMalformedFrame so transports can log and skip the frame.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame reports a frame that is not valid JSON, has no type, or
// names a type outside the closed set.
var ErrMalformedFrame = errors.New("malformed frame")

type envelope struct {
	Type string `json:"type"`
}

// encodeTagged marshals body and splices the type discriminator in front of
// its fields.
func encodeTagged(frameType string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	tag, err := json.Marshal(frameType)
	if err != nil {
		return nil, fmt.Errorf("marshal frame type: %w", err)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) < 2 || payload[0] != '{' {
		return nil, fmt.Errorf("%s frame body is not an object", frameType)
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) + len(tag) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(payload[1 : len(payload)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// peekType returns the discriminator of a raw frame.
func peekType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env.Type, nil
}

func decodeInto(frameType string, data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedFrame, frameType, err)
	}
	return nil
}
