package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage"
)

const messageColumns = `id, channel_id, author_id, author_role, content, message_type, file_url,
	reply_to, mentions_json, pinned, doubt_answered, answered_by, created_at`

// LastMessageID returns the highest message id in a channel, or 0.
func (s *Store) LastMessageID(ctx context.Context, channelID domain.ChannelID) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var last int64
	if err := s.sqlDB.QueryRowContext(ctx, `
	SELECT COALESCE(MAX(id), 0) FROM messages WHERE channel_id = ?
	`, channelID).Scan(&last); err != nil {
		return 0, fmt.Errorf("last message id: %w", err)
	}
	return last, nil
}

// AppendMessage stores msg and bumps every other participant's unread
// counter atomically. Appending to a channel un-hides it for everyone.
func (s *Store) AppendMessage(ctx context.Context, msg domain.Message, clientMessageID string) (map[domain.UserID]int, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if msg.ID <= 0 {
		return nil, fmt.Errorf("message id must be positive")
	}
	if err := requireID("channel", string(msg.ChannelID)); err != nil {
		return nil, err
	}
	if err := requireID("author", string(msg.AuthorID)); err != nil {
		return nil, err
	}
	mentions, err := json.Marshal(orEmpty(msg.Mentions))
	if err != nil {
		return nil, fmt.Errorf("encode mentions: %w", err)
	}

	counts := map[domain.UserID]int{}
	err = s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, channel_id, author_id, author_role, content, message_type, file_url,
			reply_to, mentions_json, client_message_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			msg.ID,
			msg.ChannelID,
			msg.AuthorID,
			msg.AuthorRole,
			msg.Content,
			msg.Type,
			msg.FileURL,
			msg.ReplyTo,
			string(mentions),
			strings.TrimSpace(clientMessageID),
			toMillis(msg.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			if isForeignKeyConstraintError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("append message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
		UPDATE channel_participants
		SET hidden = 0,
			unread_count = unread_count + CASE WHEN user_id = ? THEN 0 ELSE 1 END
		WHERE channel_id = ?
		`, msg.AuthorID, msg.ChannelID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
		SELECT user_id, unread_count FROM channel_participants
		WHERE channel_id = ? AND user_id <> ?
		`, msg.ChannelID, msg.AuthorID)
		if err != nil {
			return fmt.Errorf("read unread counters: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				user  string
				count int
			)
			if err := rows.Scan(&user, &count); err != nil {
				return fmt.Errorf("scan unread row: %w", err)
			}
			counts[domain.UserID(user)] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// GetMessage loads one message with its receipt sets.
func (s *Store) GetMessage(ctx context.Context, channelID domain.ChannelID, messageID int64) (domain.Message, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Message{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
	SELECT `+messageColumns+`
	FROM messages
	WHERE channel_id = ? AND id = ?
	`, channelID, messageID)
	return s.finishMessage(ctx, row.Scan, channelID, messageID)
}

// FindByClientMessageID returns the message an author sent with key.
func (s *Store) FindByClientMessageID(ctx context.Context, channelID domain.ChannelID, authorID domain.UserID, clientMessageID string) (domain.Message, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Message{}, err
	}
	clientMessageID = strings.TrimSpace(clientMessageID)
	if clientMessageID == "" {
		return domain.Message{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `
	SELECT `+messageColumns+`
	FROM messages
	WHERE channel_id = ? AND author_id = ? AND client_message_id = ?
	`, channelID, authorID, clientMessageID)
	return s.finishMessage(ctx, row.Scan, channelID, 0)
}

func (s *Store) finishMessage(ctx context.Context, scan scanner, channelID domain.ChannelID, messageID int64) (domain.Message, error) {
	msg, err := scanMessage(scan)
	if err != nil {
		return domain.Message{}, notFoundOr(err, "get message %s/%d", channelID, messageID)
	}
	receipts, err := loadReceipts(ctx, s.sqlDB, channelID, msg.ID, msg.ID)
	if err != nil {
		return domain.Message{}, err
	}
	receipts.apply(&msg)
	return msg, nil
}

// ListMessagesBefore returns the newest page of messages with ids below
// beforeID, in ascending order.
func (s *Store) ListMessagesBefore(ctx context.Context, channelID domain.ChannelID, beforeID int64, limit int) (storage.HistoryPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.HistoryPage{}, err
	}
	if err := requireID("channel", string(channelID)); err != nil {
		return storage.HistoryPage{}, err
	}
	if beforeID < 0 {
		return storage.HistoryPage{}, fmt.Errorf("before id must not be negative")
	}
	limit = storage.ClampHistoryLimit(limit)

	rows, err := s.sqlDB.QueryContext(ctx, `
	SELECT `+messageColumns+`
	FROM messages
	WHERE channel_id = ? AND (? = 0 OR id < ?)
	ORDER BY id DESC
	LIMIT ?
	`, channelID, beforeID, beforeID, limit+1)
	if err != nil {
		return storage.HistoryPage{}, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]domain.Message, 0, limit+1)
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return storage.HistoryPage{}, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return storage.HistoryPage{}, fmt.Errorf("iterate message rows: %w", err)
	}
	_ = rows.Close()

	page := storage.HistoryPage{}
	if len(messages) > limit {
		page.HasMore = true
		messages = messages[:limit]
	}
	slices.Reverse(messages)
	if len(messages) > 0 {
		receipts, err := loadReceipts(ctx, s.sqlDB, channelID, messages[0].ID, messages[len(messages)-1].ID)
		if err != nil {
			return storage.HistoryPage{}, err
		}
		for i := range messages {
			receipts.apply(&messages[i])
		}
	}
	page.Messages = messages
	return page, nil
}

func scanMessage(scan scanner) (domain.Message, error) {
	var (
		msg       domain.Message
		channelID string
		authorID  string
		role      string
		kind      string
		mentions  string
		pinned    int
		answered  int
		answerer  string
		createdAt int64
	)
	if err := scan(
		&msg.ID,
		&channelID,
		&authorID,
		&role,
		&msg.Content,
		&kind,
		&msg.FileURL,
		&msg.ReplyTo,
		&mentions,
		&pinned,
		&answered,
		&answerer,
		&createdAt,
	); err != nil {
		return domain.Message{}, err
	}
	msg.ChannelID = domain.ChannelID(channelID)
	msg.AuthorID = domain.UserID(authorID)
	msg.AuthorRole = domain.Role(role)
	msg.Type = domain.MessageType(kind)
	msg.Pinned = pinned == 1
	msg.DoubtAnswered = answered == 1
	msg.AnsweredBy = domain.UserID(answerer)
	msg.CreatedAt = fromMillis(createdAt)
	if err := json.Unmarshal([]byte(mentions), &msg.Mentions); err != nil {
		return domain.Message{}, fmt.Errorf("decode mentions: %w", err)
	}
	if len(msg.Mentions) == 0 {
		msg.Mentions = nil
	}
	msg.DeliveredTo = []domain.UserID{}
	msg.ReadBy = []domain.UserID{}
	return msg, nil
}

func orEmpty(users []domain.UserID) []domain.UserID {
	if users == nil {
		return []domain.UserID{}
	}
	return users
}
