package sqlite

import (
	"context"
	"fmt"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage"
)

// ListConversations returns the visible channels of userID, most recently
// active first, each with its unread counter and last message.
func (s *Store) ListConversations(ctx context.Context, userID domain.UserID) ([]domain.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := requireID("user", string(userID)); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
	SELECT p.channel_id, p.unread_count
	FROM channel_participants p
	JOIN channels c ON c.id = p.channel_id
	WHERE p.user_id = ? AND p.hidden = 0
	ORDER BY COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.channel_id = c.id), c.created_at) DESC, c.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	type entry struct {
		channelID domain.ChannelID
		unread    int
	}
	var entries []entry
	for rows.Next() {
		var (
			channelID string
			unread    int
		)
		if err := rows.Scan(&channelID, &unread); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		entries = append(entries, entry{channelID: domain.ChannelID(channelID), unread: unread})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	_ = rows.Close()

	conversations := make([]domain.Conversation, 0, len(entries))
	for _, e := range entries {
		channel, err := getChannel(ctx, s.sqlDB, e.channelID)
		if err != nil {
			return nil, err
		}
		conversation := domain.Conversation{Channel: channel, UnreadCount: e.unread}
		page, err := s.ListMessagesBefore(ctx, e.channelID, 0, 1)
		if err != nil {
			return nil, err
		}
		if len(page.Messages) == 1 {
			last := page.Messages[0]
			conversation.LastMessage = &last
		}
		conversations = append(conversations, conversation)
	}
	return conversations, nil
}

// HideConversation removes a channel from the user's listing until the next
// message arrives. Hiding also clears the unread counter.
func (s *Store) HideConversation(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
	UPDATE channel_participants SET hidden = 1, unread_count = 0
	WHERE channel_id = ? AND user_id = ?
	`, channelID, userID)
	if err != nil {
		return fmt.Errorf("hide conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("hide conversation rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UnreadSummary lists channels with a positive unread counter for userID.
func (s *Store) UnreadSummary(ctx context.Context, userID domain.UserID) ([]domain.UnreadCount, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
	SELECT channel_id, unread_count FROM channel_participants
	WHERE user_id = ? AND unread_count > 0 AND hidden = 0
	ORDER BY channel_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("unread summary: %w", err)
	}
	defer rows.Close()

	summary := []domain.UnreadCount{}
	for rows.Next() {
		var (
			channelID string
			count     int
		)
		if err := rows.Scan(&channelID, &count); err != nil {
			return nil, fmt.Errorf("scan unread row: %w", err)
		}
		summary = append(summary, domain.UnreadCount{ChannelID: domain.ChannelID(channelID), Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread rows: %w", err)
	}
	return summary, nil
}
