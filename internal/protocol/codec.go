package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds one decoded line.
const DefaultMaxLineBytes = 1 << 20

// Encode validates msg, stamps its type tag and returns one newline-terminated line.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	msg.header().Type = msg.Kind()
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// PeekType reads only the type tag of line.
func PeekType(line []byte) (Type, error) {
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if h.Type == "" {
		return "", ErrMissingType
	}
	return h.Type, nil
}

// Decode parses one line into its closed variant and validates it.
func Decode(line []byte) (Message, error) {
	t, err := PeekType(line)
	if err != nil {
		return nil, err
	}
	msg := newMessage(t)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(bytes.TrimSpace(line), msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedLine, t, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return msg, nil
}

// NewScanner returns a line scanner bounded to maxLineBytes per line.
func NewScanner(r io.Reader, maxLineBytes int) *bufio.Scanner {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return sc
}
