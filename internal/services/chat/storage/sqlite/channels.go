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

// GetChannel loads a channel with its participants and pinned message ids.
func (s *Store) GetChannel(ctx context.Context, channelID domain.ChannelID) (domain.Channel, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Channel{}, err
	}
	if err := requireID("channel", string(channelID)); err != nil {
		return domain.Channel{}, err
	}
	return getChannel(ctx, s.sqlDB, channelID)
}

func getChannel(ctx context.Context, q queryer, channelID domain.ChannelID) (domain.Channel, error) {
	var (
		channel   domain.Channel
		workspace string
		kind      string
		createdAt int64
	)
	err := q.QueryRowContext(ctx, `
	SELECT id, workspace_id, type, created_at
	FROM channels
	WHERE id = ?
	`, channelID).Scan(&channel.ID, &workspace, &kind, &createdAt)
	if err != nil {
		return domain.Channel{}, notFoundOr(err, "get channel %s", channelID)
	}
	channel.WorkspaceID = domain.WorkspaceID(workspace)
	channel.Type = domain.ChannelType(kind)
	channel.CreatedAt = fromMillis(createdAt)

	participants, err := listParticipants(ctx, q, channelID)
	if err != nil {
		return domain.Channel{}, err
	}
	channel.Participants = participants

	pinned, err := listPinnedIDs(ctx, q, channelID)
	if err != nil {
		return domain.Channel{}, err
	}
	channel.PinnedIDs = pinned
	return channel, nil
}

func listParticipants(ctx context.Context, q queryer, channelID domain.ChannelID) ([]domain.UserID, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT user_id FROM channel_participants
	WHERE channel_id = ?
	ORDER BY joined_at, rowid
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := []domain.UserID{}
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, domain.UserID(user))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return participants, nil
}

func listPinnedIDs(ctx context.Context, q queryer, channelID domain.ChannelID) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT id FROM messages
	WHERE channel_id = ? AND pinned = 1
	ORDER BY id
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list pinned messages: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pinned row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pinned rows: %w", err)
	}
	return ids, nil
}

// CreateChannel persists a new channel and its initial participants.
func (s *Store) CreateChannel(ctx context.Context, channel domain.Channel) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := channel.Validate(); err != nil {
		return err
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now()
	}
	return s.withTx(ctx, "create channel", func(tx *sql.Tx) error {
		return createChannelExec(ctx, tx, channel)
	})
}

func createChannelExec(ctx context.Context, q queryer, channel domain.Channel) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO channels (id, workspace_id, type, created_at)
	VALUES (?, ?, ?, ?)
	`, channel.ID, channel.WorkspaceID, channel.Type, toMillis(channel.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("create channel: %w", err)
	}
	for _, user := range channel.Participants {
		if err := addParticipantExec(ctx, q, channel.ID, user, channel.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// AddParticipant adds a user to a channel. Adding an existing participant
// is a no-op.
func (s *Store) AddParticipant(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := requireID("channel", string(channelID)); err != nil {
		return err
	}
	if err := requireID("user", string(userID)); err != nil {
		return err
	}
	return addParticipantExec(ctx, s.sqlDB, channelID, userID, time.Now())
}

func addParticipantExec(ctx context.Context, q queryer, channelID domain.ChannelID, userID domain.UserID, joinedAt time.Time) error {
	_, err := q.ExecContext(ctx, `
	INSERT OR IGNORE INTO channel_participants (channel_id, user_id, joined_at)
	VALUES (?, ?, ?)
	`, channelID, userID, toMillis(joinedAt))
	if err != nil {
		if isForeignKeyConstraintError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// IsParticipant reports whether userID belongs to channelID.
func (s *Store) IsParticipant(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `
	SELECT 1 FROM channel_participants
	WHERE channel_id = ? AND user_id = ?
	`, channelID, userID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}

// ResolveDirectChannel returns the direct channel between a and b and
// creates it on first use.
func (s *Store) ResolveDirectChannel(ctx context.Context, a, b domain.UserID, now time.Time) (domain.Channel, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Channel{}, err
	}
	if err := requireID("user", string(a)); err != nil {
		return domain.Channel{}, err
	}
	if err := requireID("user", string(b)); err != nil {
		return domain.Channel{}, err
	}
	if a == b {
		return domain.Channel{}, fmt.Errorf("direct channel requires two distinct users")
	}

	low, high := domain.DirectPair(a, b)
	channelID := domain.DirectChannelID(low, high)

	var channel domain.Channel
	err := s.withTx(ctx, "resolve direct channel", func(tx *sql.Tx) error {
		existing, err := getChannel(ctx, tx, channelID)
		if err == nil {
			channel = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		created := domain.Channel{
			ID:           channelID,
			Type:         domain.ChannelDirect,
			Participants: []domain.UserID{low, high},
			CreatedAt:    now,
		}
		if err := created.Validate(); err != nil {
			return err
		}
		if err := createChannelExec(ctx, tx, created); err != nil {
			return err
		}
		channel, err = getChannel(ctx, tx, channelID)
		return err
	})
	if err != nil {
		return domain.Channel{}, err
	}
	return channel, nil
}
