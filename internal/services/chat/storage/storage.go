// Package storage defines the durable conversation store consumed by the
// chat session layer: an append-only message log per channel plus per-user
// receipt and unread bookkeeping.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
)

var (
	// ErrNotFound indicates a requested channel or message is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write collides with an existing record.
	ErrConflict = errors.New("record conflict")
)

// DefaultHistoryLimit is used when a history page size is not positive.
const DefaultHistoryLimit = 50

// MaxHistoryLimit caps a single history page.
const MaxHistoryLimit = 200

// ReadResult reports what a read mark changed.
type ReadResult struct {
	// ReadAdded is true when the user was not yet in the read set.
	ReadAdded bool
	// DeliveredAdded is true when the read also recorded delivery.
	DeliveredAdded bool
	// PreviousUnread is the reader's unread counter before it was reset.
	PreviousUnread int
}

// HistoryPage is one page of a channel log in ascending id order.
type HistoryPage struct {
	Messages []domain.Message
	// HasMore reports whether older messages exist before the first one.
	HasMore bool
}

// ChannelStore manages channels and their participants.
type ChannelStore interface {
	GetChannel(ctx context.Context, channelID domain.ChannelID) (domain.Channel, error)
	CreateChannel(ctx context.Context, channel domain.Channel) error
	AddParticipant(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error
	IsParticipant(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) (bool, error)
	// ResolveDirectChannel returns the direct channel between a and b,
	// creating it on first use.
	ResolveDirectChannel(ctx context.Context, a, b domain.UserID, now time.Time) (domain.Channel, error)
}

// MessageLog is the append-only ordered log of channel messages.
type MessageLog interface {
	// LastMessageID returns the highest id in the channel, or 0.
	LastMessageID(ctx context.Context, channelID domain.ChannelID) (int64, error)
	// AppendMessage stores msg and increments the unread counter of every
	// other participant in the same transaction. It returns the new counters
	// keyed by recipient.
	AppendMessage(ctx context.Context, msg domain.Message, clientMessageID string) (map[domain.UserID]int, error)
	GetMessage(ctx context.Context, channelID domain.ChannelID, messageID int64) (domain.Message, error)
	// FindByClientMessageID returns the message an author previously sent
	// with the same idempotency key.
	FindByClientMessageID(ctx context.Context, channelID domain.ChannelID, authorID domain.UserID, clientMessageID string) (domain.Message, error)
	// ListMessagesBefore returns up to limit messages with ids below
	// beforeID (or the newest messages when beforeID is 0).
	ListMessagesBefore(ctx context.Context, channelID domain.ChannelID, beforeID int64, limit int) (HistoryPage, error)
}

// ReceiptStore tracks delivery, read, pin, and answer marks.
type ReceiptStore interface {
	// MarkDelivered reports whether the user was newly added.
	MarkDelivered(ctx context.Context, channelID domain.ChannelID, messageID int64, userID domain.UserID, at time.Time) (bool, error)
	// MarkRead records read and delivery and resets the reader's unread counter.
	MarkRead(ctx context.Context, channelID domain.ChannelID, messageID int64, userID domain.UserID, at time.Time) (ReadResult, error)
	// SetPinned reports whether the message was newly pinned.
	SetPinned(ctx context.Context, channelID domain.ChannelID, messageID int64, pinnedBy domain.UserID) (bool, error)
	// MarkDoubtAnswered reports whether the doubt was newly answered.
	MarkDoubtAnswered(ctx context.Context, channelID domain.ChannelID, messageID int64, answeredBy domain.UserID) (bool, error)
}

// ConversationReader serves per-user conversation listings.
type ConversationReader interface {
	ListConversations(ctx context.Context, userID domain.UserID) ([]domain.Conversation, error)
	HideConversation(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error
	UnreadSummary(ctx context.Context, userID domain.UserID) ([]domain.UnreadCount, error)
}

// ConversationStore is the full durable store used by the chat server.
type ConversationStore interface {
	ChannelStore
	MessageLog
	ReceiptStore
	ConversationReader
}

// ClampHistoryLimit applies the default and maximum page sizes.
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}
