// Package protocol defines the event vocabulary exchanged over the realtime
// channel: the inbound kinds a client may send, the outbound kinds the server
// pushes, and the JSON envelope and payload shapes for each.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind tags an envelope with the event it carries.
type Kind string

// Inbound kinds (client -> server).
const (
	KindOnline      Kind = "online"
	KindNewMessage  Kind = "message"
	KindTypingStart Kind = "typing-start"
	KindTypingStop  Kind = "typing-stop"
)

// Outbound kinds (server -> client). KindMessage shares its tag with the inbound
// KindNewMessage so that clients use one name for both directions.
const (
	KindMessage         Kind = "message"
	KindMessageAlert    Kind = "message-alert"
	KindPresenceOnline  Kind = "presence-online"
	KindPresenceOffline Kind = "presence-offline"

	// Notification kinds raised by the REST side of the system.
	KindAlert        Kind = "alert"
	KindRefetchChats Kind = "refetch-chats"
	KindRequestAlert Kind = "request-alert"
	KindAttachment   Kind = "attachment"
)

var (
	// ErrUnknownKind is returned for an envelope whose kind is not an inbound kind.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrInvalidPayload is returned when a payload is malformed or fails validation.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// IsNotification reports whether k may be raised through the notification API.
func IsNotification(k Kind) bool {
	switch k {
	case KindAlert, KindRefetchChats, KindRequestAlert, KindAttachment:
		return true
	}
	return false
}

// Envelope is the wire form of every event in both directions.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessagePayload is sent by a client to post a message to a conversation.
type NewMessagePayload struct {
	ConversationID string   `json:"conversationId" validate:"required,max=128"`
	Content        string   `json:"content" validate:"required,max=4096"`
	MemberIDs      []string `json:"memberIds" validate:"omitempty,max=1024,dive,required,max=128"`
}

// TypingPayload is sent by a client when it starts or stops typing.
type TypingPayload struct {
	ConversationID string   `json:"conversationId" validate:"required,max=128"`
	MemberIDs      []string `json:"memberIds" validate:"omitempty,max=1024,dive,required,max=128"`
}

// Inbound is a decoded client event. Exactly one payload pointer is set for kinds
// that carry one.
type Inbound struct {
	Kind    Kind
	Message *NewMessagePayload
	Typing  *TypingPayload
}

// Sender is the identity snapshot attached to a realtime message.
type Sender struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Message is the realtime representation of a chat message. Its ID is generated
// when the message is accepted and is not the id the durable store assigns.
type Message struct {
	ID             string    `json:"_id"`
	Content        string    `json:"content"`
	Sender         Sender    `json:"sender"`
	ConversationID string    `json:"chat"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MessageEvent is the payload of an outbound KindMessage.
type MessageEvent struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// ConversationEvent is the payload of alert and typing events.
type ConversationEvent struct {
	ConversationID string `json:"conversationId"`
}

var validate = validator.New()

// Decode parses a raw client frame into an Inbound event.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	in := Inbound{Kind: env.Kind}
	switch env.Kind {
	case KindOnline:
		return in, nil
	case KindNewMessage:
		var p NewMessagePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return Inbound{}, err
		}
		in.Message = &p
	case KindTypingStart, KindTypingStop:
		var p TypingPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return Inbound{}, err
		}
		in.Typing = &p
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return in, nil
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Encode builds the wire form of an outbound event.
func Encode(kind Kind, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Kind: kind, Payload: raw})
}
