package protocol

import (
	"fmt"
	"time"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
)

// EventType is the discriminator of a server to client frame.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventNewMessage       EventType = "new_message"
	EventUserTyping       EventType = "user_typing"
	EventStopTyping       EventType = "stop_typing"
	EventUserPresence     EventType = "user_presence"
	EventMessageRead      EventType = "message_read"
	EventMessageDelivered EventType = "message_delivered"
	EventDoubtAnswered    EventType = "doubt_answered"
	EventMessagePinned    EventType = "message_pinned"
	EventUnreadUpdated    EventType = "unread_updated"
	EventError            EventType = "error"
)

// Event is a decoded server to client frame.
type Event interface {
	EventType() EventType
}

// ChannelEvent is implemented by events scoped to one channel.
type ChannelEvent interface {
	Event
	Channel() domain.ChannelID
}

// Connected confirms authentication of a freshly opened connection.
type Connected struct {
	UserID domain.UserID `json:"userId"`
}

// NewMessage carries a durably appended message.
type NewMessage struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Message   domain.Message   `json:"message"`
	// ClientMessageID echoes the sender-supplied idempotency key.
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// UserTyping reports that a user started typing in a channel.
type UserTyping struct {
	ChannelID   domain.ChannelID `json:"channelId"`
	UserID      domain.UserID    `json:"userId"`
	DisplayName string           `json:"displayName"`
}

// TypingStopped reports that a user stopped typing.
type TypingStopped struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
}

// PresenceStatus is the coarse presence of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// UserPresence reports a user going online or offline.
type UserPresence struct {
	UserID   domain.UserID  `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// MessageRead reports a read receipt.
type MessageRead struct {
	ChannelID domain.ChannelID `json:"channelId"`
	MessageID int64            `json:"messageId"`
	UserID    domain.UserID    `json:"userId"`
}

// MessageDelivered reports a delivery receipt.
type MessageDelivered struct {
	ChannelID domain.ChannelID `json:"channelId"`
	MessageID int64            `json:"messageId"`
	UserID    domain.UserID    `json:"userId"`
}

// DoubtAnswered reports a doubt marked answered by a teacher.
type DoubtAnswered struct {
	ChannelID  domain.ChannelID `json:"channelId"`
	MessageID  int64            `json:"messageId"`
	AnsweredBy domain.UserID    `json:"answeredBy"`
}

// MessagePinned reports a pinned message.
type MessagePinned struct {
	ChannelID domain.ChannelID `json:"channelId"`
	MessageID int64            `json:"messageId"`
	PinnedBy  domain.UserID    `json:"pinnedBy"`
}

// UnreadUpdated adjusts the receiver's unread counter for a channel. Count is
// the counter value after the change.
type UnreadUpdated struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Delta     int              `json:"delta"`
	Count     int              `json:"count"`
}

// Error reports a rejected command. The connection stays open.
type Error struct {
	Message   string           `json:"message"`
	Code      string           `json:"code,omitempty"`
	ChannelID domain.ChannelID `json:"channelId,omitempty"`
}

func (Connected) EventType() EventType        { return EventConnected }
func (NewMessage) EventType() EventType       { return EventNewMessage }
func (UserTyping) EventType() EventType       { return EventUserTyping }
func (TypingStopped) EventType() EventType    { return EventStopTyping }
func (UserPresence) EventType() EventType     { return EventUserPresence }
func (MessageRead) EventType() EventType      { return EventMessageRead }
func (MessageDelivered) EventType() EventType { return EventMessageDelivered }
func (DoubtAnswered) EventType() EventType    { return EventDoubtAnswered }
func (MessagePinned) EventType() EventType    { return EventMessagePinned }
func (UnreadUpdated) EventType() EventType    { return EventUnreadUpdated }
func (Error) EventType() EventType            { return EventError }

func (e NewMessage) Channel() domain.ChannelID       { return e.ChannelID }
func (e UserTyping) Channel() domain.ChannelID       { return e.ChannelID }
func (e TypingStopped) Channel() domain.ChannelID    { return e.ChannelID }
func (e MessageRead) Channel() domain.ChannelID      { return e.ChannelID }
func (e MessageDelivered) Channel() domain.ChannelID { return e.ChannelID }
func (e DoubtAnswered) Channel() domain.ChannelID    { return e.ChannelID }
func (e MessagePinned) Channel() domain.ChannelID    { return e.ChannelID }
func (e UnreadUpdated) Channel() domain.ChannelID    { return e.ChannelID }

// EncodeEvent marshals an event with its type discriminator.
func EncodeEvent(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("event is required")
	}
	return encodeTagged(string(event.EventType()), event)
}

// DecodeEvent parses a server to client frame.
func DecodeEvent(data []byte) (Event, error) {
	frameType, err := peekType(data)
	if err != nil {
		return nil, err
	}
	switch EventType(frameType) {
	case EventConnected:
		return decodeEvent[Connected](frameType, data)
	case EventNewMessage:
		return decodeEvent[NewMessage](frameType, data)
	case EventUserTyping:
		return decodeEvent[UserTyping](frameType, data)
	case EventStopTyping:
		return decodeEvent[TypingStopped](frameType, data)
	case EventUserPresence:
		return decodeEvent[UserPresence](frameType, data)
	case EventMessageRead:
		return decodeEvent[MessageRead](frameType, data)
	case EventMessageDelivered:
		return decodeEvent[MessageDelivered](frameType, data)
	case EventDoubtAnswered:
		return decodeEvent[DoubtAnswered](frameType, data)
	case EventMessagePinned:
		return decodeEvent[MessagePinned](frameType, data)
	case EventUnreadUpdated:
		return decodeEvent[UnreadUpdated](frameType, data)
	case EventError:
		return decodeEvent[Error](frameType, data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedFrame, frameType)
	}
}

func decodeEvent[T Event](frameType string, data []byte) (Event, error) {
	var event T
	if err := decodeInto(frameType, data, &event); err != nil {
		return nil, err
	}
	return event, nil
}
