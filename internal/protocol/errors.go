package protocol

import "errors"

var (
	ErrMissingType   = errors.New("protocol: missing message type")
	ErrUnknownType   = errors.New("protocol: unknown message type")
	ErrMissingField  = errors.New("protocol: missing required field")
	ErrInvalidField  = errors.New("protocol: invalid field value")
	ErrBatchTooLarge = errors.New("protocol: batch too large")
	ErrMalformedLine = errors.New("protocol: malformed line")
)
