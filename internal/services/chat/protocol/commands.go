package protocol

import (
	"fmt"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
)

// CommandType is the discriminator of a client to server frame.
type CommandType string

const (
	CommandJoinChannel   CommandType = "join_channel"
	CommandLeaveChannel  CommandType = "leave_channel"
	CommandSendMessage   CommandType = "send_message"
	CommandTyping        CommandType = "typing"
	CommandStopTyping    CommandType = "stop_typing"
	CommandMarkRead      CommandType = "mark_read"
	CommandMarkDelivered CommandType = "mark_delivered"
	CommandAnswerDoubt   CommandType = "answer_doubt"
	CommandPinMessage    CommandType = "pin_message"
)

// Command is a decoded client to server frame. Every command targets one
// channel.
type Command interface {
	CommandType() CommandType
	Channel() domain.ChannelID
}

// JoinChannel subscribes the connection to a channel.
type JoinChannel struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

// LeaveChannel unsubscribes the connection from a channel.
type LeaveChannel struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

// SendMessage appends a message to a channel.
type SendMessage struct {
	ChannelID   domain.ChannelID   `json:"channelId"`
	Content     string             `json:"content"`
	MessageType domain.MessageType `json:"messageType,omitempty"`
	FileURL     string             `json:"fileUrl,omitempty"`
	// SenderRole is advisory; the server uses the verified identity role.
	SenderRole      domain.Role     `json:"senderRole,omitempty"`
	ReplyTo         int64           `json:"replyTo,omitempty"`
	Mentions        []domain.UserID `json:"mentions,omitempty"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
}

// StartTyping announces the caller is typing.
type StartTyping struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

// StopTyping clears the caller's typing state.
type StopTyping struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

// MarkRead records a read receipt.
type MarkRead struct {
	ChannelID domain.ChannelID `json:"channelId"`
	MessageID int64            `json:"messageId"`
}

// MarkDelivered records a delivery receipt.
type MarkDelivered struct {
	ChannelID domain.ChannelID `json:"channelId"`
	MessageID int64            `json:"messageId"`
}

// AnswerDoubt marks a doubt message answered.
type AnswerDoubt struct {
	ChannelID domain.ChannelID `json:"channelId"`
	MessageID int64            `json:"messageId"`
}

// PinMessage pins a message.
type PinMessage struct {
	ChannelID domain.ChannelID `json:"channelId"`
	MessageID int64            `json:"messageId"`
}

func (JoinChannel) CommandType() CommandType   { return CommandJoinChannel }
func (LeaveChannel) CommandType() CommandType  { return CommandLeaveChannel }
func (SendMessage) CommandType() CommandType   { return CommandSendMessage }
func (StartTyping) CommandType() CommandType   { return CommandTyping }
func (StopTyping) CommandType() CommandType    { return CommandStopTyping }
func (MarkRead) CommandType() CommandType      { return CommandMarkRead }
func (MarkDelivered) CommandType() CommandType { return CommandMarkDelivered }
func (AnswerDoubt) CommandType() CommandType   { return CommandAnswerDoubt }
func (PinMessage) CommandType() CommandType    { return CommandPinMessage }

func (c JoinChannel) Channel() domain.ChannelID   { return c.ChannelID }
func (c LeaveChannel) Channel() domain.ChannelID  { return c.ChannelID }
func (c SendMessage) Channel() domain.ChannelID   { return c.ChannelID }
func (c StartTyping) Channel() domain.ChannelID   { return c.ChannelID }
func (c StopTyping) Channel() domain.ChannelID    { return c.ChannelID }
func (c MarkRead) Channel() domain.ChannelID      { return c.ChannelID }
func (c MarkDelivered) Channel() domain.ChannelID { return c.ChannelID }
func (c AnswerDoubt) Channel() domain.ChannelID   { return c.ChannelID }
func (c PinMessage) Channel() domain.ChannelID    { return c.ChannelID }

// Draft converts a send command into a message draft.
func (c SendMessage) Draft() domain.Draft {
	return domain.Draft{
		ChannelID:       c.ChannelID,
		Content:         c.Content,
		Type:            c.MessageType,
		FileURL:         c.FileURL,
		ReplyTo:         c.ReplyTo,
		Mentions:        c.Mentions,
		ClientMessageID: c.ClientMessageID,
	}
}

// EncodeCommand marshals a command with its type discriminator.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("command is required")
	}
	return encodeTagged(string(cmd.CommandType()), cmd)
}

// DecodeCommand parses a client to server frame. Commands without a channel
// id are malformed.
func DecodeCommand(data []byte) (Command, error) {
	frameType, err := peekType(data)
	if err != nil {
		return nil, err
	}
	var cmd Command
	switch CommandType(frameType) {
	case CommandJoinChannel:
		cmd, err = decodeCommand[JoinChannel](frameType, data)
	case CommandLeaveChannel:
		cmd, err = decodeCommand[LeaveChannel](frameType, data)
	case CommandSendMessage:
		cmd, err = decodeCommand[SendMessage](frameType, data)
	case CommandTyping:
		cmd, err = decodeCommand[StartTyping](frameType, data)
	case CommandStopTyping:
		cmd, err = decodeCommand[StopTyping](frameType, data)
	case CommandMarkRead:
		cmd, err = decodeCommand[MarkRead](frameType, data)
	case CommandMarkDelivered:
		cmd, err = decodeCommand[MarkDelivered](frameType, data)
	case CommandAnswerDoubt:
		cmd, err = decodeCommand[AnswerDoubt](frameType, data)
	case CommandPinMessage:
		cmd, err = decodeCommand[PinMessage](frameType, data)
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrMalformedFrame, frameType)
	}
	if err != nil {
		return nil, err
	}
	if cmd.Channel() == "" {
		return nil, fmt.Errorf("%w: %s requires channelId", ErrMalformedFrame, frameType)
	}
	return cmd, nil
}

func decodeCommand[T Command](frameType string, data []byte) (Command, error) {
	var cmd T
	if err := decodeInto(frameType, data, &cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}
