package schema

import (
	"fmt"

	"github.com/danmuck/swarmsync/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs of the object transfer contract.
const (
	MsgFetch  uint32 = 1
	MsgObject uint32 = 2
	MsgError  uint32 = 3
)

// Field IDs of the object transfer contract.
const (
	FieldObjectID uint16 = 1
	FieldContent  uint16 = 2
	FieldSize     uint16 = 3
	FieldReason   uint16 = 4
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgFetch: {
		{FieldObjectID, tlv.TypeString},
	},
	MsgObject: {
		{FieldObjectID, tlv.TypeString},
		{FieldSize, tlv.TypeU64},
		{FieldContent, tlv.TypeBytes},
	},
	MsgError: {
		{FieldObjectID, tlv.TypeString},
		{FieldReason, tlv.TypeString},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf("schema.Validate missing field message_type=%d field_id=%d", messageType, req.ID)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Msgf("schema.Validate ok message_type=%d", messageType)
	return nil
}
