package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/baderanaas/roomchat/pkg/crypto"
)

// ChatMessage is the payload carried on a pub/sub topic.
type ChatMessage struct {
	Data      string `json:"data"`
	Timestamp uint64 `json:"timestamp"`
	Topic     string `json:"topic"`
}

// wireMessage mirrors ChatMessage with pointer fields so that decoding can
// tell a missing field from a zero value.
type wireMessage struct {
	Data      *string `json:"data"`
	Timestamp *uint64 `json:"timestamp"`
	Topic     *string `json:"topic"`
}

// Codec converts chat messages to and from wire bytes. When Sealed is set the
// data field is encrypted with the room key of the message topic.
type Codec struct {
	Sealed bool
}

// Encode serializes msg.
func (c Codec) Encode(msg ChatMessage) ([]byte, error) {
	if c.Sealed {
		sealed, err := crypto.Seal([]byte(msg.Data), msg.Topic)
		if err != nil {
			return nil, fmt.Errorf("failed to seal message: %w", err)
		}
		msg.Data = sealed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode parses data. Every field must be present; unknown fields are
// ignored.
func (c Codec) Decode(data []byte) (ChatMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return ChatMessage{}, &DecodeError{Err: err}
	}
	switch {
	case w.Data == nil:
		return ChatMessage{}, &DecodeError{Err: errors.New("missing field data")}
	case w.Timestamp == nil:
		return ChatMessage{}, &DecodeError{Err: errors.New("missing field timestamp")}
	case w.Topic == nil:
		return ChatMessage{}, &DecodeError{Err: errors.New("missing field topic")}
	}
	msg := ChatMessage{Data: *w.Data, Timestamp: *w.Timestamp, Topic: *w.Topic}
	if c.Sealed {
		plaintext, err := crypto.Open(msg.Data, msg.Topic)
		if err != nil {
			return ChatMessage{}, &DecodeError{Err: fmt.Errorf("failed to open sealed message: %w", err)}
		}
		msg.Data = string(plaintext)
	}
	return msg, nil
}

// EncodeMessage serializes msg with the plain codec.
func EncodeMessage(msg ChatMessage) ([]byte, error) {
	return Codec{}.Encode(msg)
}

// DecodeMessage parses data with the plain codec.
func DecodeMessage(data []byte) (ChatMessage, error) {
	return Codec{}.Decode(data)
}
