package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage"
)

const (
	receiptDelivered = "delivered"
	receiptRead      = "read"
)

type receiptSets struct {
	delivered map[int64][]domain.UserID
	read      map[int64][]domain.UserID
}

func (r receiptSets) apply(msg *domain.Message) {
	if users, ok := r.delivered[msg.ID]; ok {
		msg.DeliveredTo = users
	}
	if users, ok := r.read[msg.ID]; ok {
		msg.ReadBy = users
	}
}

func loadReceipts(ctx context.Context, q queryer, channelID domain.ChannelID, fromID, toID int64) (receiptSets, error) {
	sets := receiptSets{
		delivered: map[int64][]domain.UserID{},
		read:      map[int64][]domain.UserID{},
	}
	rows, err := q.QueryContext(ctx, `
	SELECT message_id, user_id, kind
	FROM message_receipts
	WHERE channel_id = ? AND message_id BETWEEN ? AND ?
	ORDER BY created_at, rowid
	`, channelID, fromID, toID)
	if err != nil {
		return receiptSets{}, fmt.Errorf("load receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			messageID int64
			user      string
			kind      string
		)
		if err := rows.Scan(&messageID, &user, &kind); err != nil {
			return receiptSets{}, fmt.Errorf("scan receipt row: %w", err)
		}
		switch kind {
		case receiptDelivered:
			sets.delivered[messageID] = append(sets.delivered[messageID], domain.UserID(user))
		case receiptRead:
			sets.read[messageID] = append(sets.read[messageID], domain.UserID(user))
		}
	}
	if err := rows.Err(); err != nil {
		return receiptSets{}, fmt.Errorf("iterate receipt rows: %w", err)
	}
	return sets, nil
}

func insertReceipt(ctx context.Context, q queryer, channelID domain.ChannelID, messageID int64, userID domain.UserID, kind string, at time.Time) (bool, error) {
	result, err := q.ExecContext(ctx, `
	INSERT OR IGNORE INTO message_receipts (channel_id, message_id, user_id, kind, created_at)
	VALUES (?, ?, ?, ?, ?)
	`, channelID, messageID, userID, kind, toMillis(at))
	if err != nil {
		if isForeignKeyConstraintError(err) {
			return false, storage.ErrNotFound
		}
		return false, fmt.Errorf("insert %s receipt: %w", kind, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s receipt rows affected: %w", kind, err)
	}
	return affected > 0, nil
}

func messageExists(ctx context.Context, q queryer, channelID domain.ChannelID, messageID int64) error {
	var found int
	err := q.QueryRowContext(ctx, `
	SELECT 1 FROM messages WHERE channel_id = ? AND id = ?
	`, channelID, messageID).Scan(&found)
	if err != nil {
		return notFoundOr(err, "check message %s/%d", channelID, messageID)
	}
	return nil
}

// MarkDelivered adds userID to the message's delivered set.
func (s *Store) MarkDelivered(ctx context.Context, channelID domain.ChannelID, messageID int64, userID domain.UserID, at time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := requireID("user", string(userID)); err != nil {
		return false, err
	}
	if err := messageExists(ctx, s.sqlDB, channelID, messageID); err != nil {
		return false, err
	}
	return insertReceipt(ctx, s.sqlDB, channelID, messageID, userID, receiptDelivered, at)
}

// MarkRead adds userID to the read and delivered sets and resets the
// reader's unread counter for the channel.
func (s *Store) MarkRead(ctx context.Context, channelID domain.ChannelID, messageID int64, userID domain.UserID, at time.Time) (storage.ReadResult, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ReadResult{}, err
	}
	if err := requireID("user", string(userID)); err != nil {
		return storage.ReadResult{}, err
	}

	var result storage.ReadResult
	err := s.withTx(ctx, "mark read", func(tx *sql.Tx) error {
		if err := messageExists(ctx, tx, channelID, messageID); err != nil {
			return err
		}
		var err error
		if result.DeliveredAdded, err = insertReceipt(ctx, tx, channelID, messageID, userID, receiptDelivered, at); err != nil {
			return err
		}
		if result.ReadAdded, err = insertReceipt(ctx, tx, channelID, messageID, userID, receiptRead, at); err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `
		SELECT unread_count FROM channel_participants
		WHERE channel_id = ? AND user_id = ?
		`, channelID, userID).Scan(&result.PreviousUnread)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read unread counter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
		UPDATE channel_participants SET unread_count = 0
		WHERE channel_id = ? AND user_id = ?
		`, channelID, userID); err != nil {
			return fmt.Errorf("reset unread counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return storage.ReadResult{}, err
	}
	return result, nil
}

// SetPinned pins a message. Pinning twice reports false.
func (s *Store) SetPinned(ctx context.Context, channelID domain.ChannelID, messageID int64, pinnedBy domain.UserID) (bool, error) {
	return s.flagMessage(ctx, "pin message", `
	UPDATE messages SET pinned = 1, pinned_by = ?
	WHERE channel_id = ? AND id = ? AND pinned = 0
	`, channelID, messageID, pinnedBy)
}

// MarkDoubtAnswered flags a doubt answered. Answering twice reports false.
func (s *Store) MarkDoubtAnswered(ctx context.Context, channelID domain.ChannelID, messageID int64, answeredBy domain.UserID) (bool, error) {
	return s.flagMessage(ctx, "answer doubt", `
	UPDATE messages SET doubt_answered = 1, answered_by = ?
	WHERE channel_id = ? AND id = ? AND doubt_answered = 0
	`, channelID, messageID, answeredBy)
}

func (s *Store) flagMessage(ctx context.Context, op string, query string, channelID domain.ChannelID, messageID int64, actor domain.UserID) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := requireID("user", string(actor)); err != nil {
		return false, err
	}
	var changed bool
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		if err := messageExists(ctx, tx, channelID, messageID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, query, actor, channelID, messageID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s rows affected: %w", op, err)
		}
		changed = affected > 0
		return nil
	})
	return changed, err
}
