// Package presence tracks who is online and who is typing. The state is
// ephemeral: it is rebuilt from live connections after a restart.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/rs/zerolog"
)

// DefaultTypingTTL bounds how long a typing mark survives without a refresh.
const DefaultTypingTTL = 5 * time.Second

const mirrorTimeout = 2 * time.Second

// Entry is the presence snapshot of one user.
type Entry struct {
	UserID      domain.UserID `json:"userId"`
	Online      bool          `json:"online"`
	LastSeen    time.Time     `json:"lastSeen,omitzero"`
	Connections int           `json:"connections"`
}

// Mirror publishes presence changes outside the process.
type Mirror interface {
	SetOnline(ctx context.Context, userID domain.UserID, at time.Time) error
	SetOffline(ctx context.Context, userID domain.UserID, lastSeen time.Time) error
	Lookup(ctx context.Context, userID domain.UserID) (Entry, bool, error)
}

// Options configures a Tracker.
type Options struct {
	Clock     clock.Clock
	TypingTTL time.Duration
	Mirror    Mirror
	Logger    zerolog.Logger
}

type typingKey struct {
	channel domain.ChannelID
	user    domain.UserID
}

// Tracker counts live connections per user and keeps typing marks keyed by
// channel and user.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	mirror  Mirror
	log     zerolog.Logger
	entries map[domain.UserID]*Entry
	typing  map[typingKey]time.Time
}

// NewTracker returns an empty tracker.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	return &Tracker{
		clock:   opts.Clock,
		ttl:     opts.TypingTTL,
		mirror:  opts.Mirror,
		log:     opts.Logger,
		entries: make(map[domain.UserID]*Entry),
		typing:  make(map[typingKey]time.Time),
	}
}

// Connect records a new live connection and reports whether the user just
// came online.
func (t *Tracker) Connect(userID domain.UserID) bool {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	if !ok {
		entry = &Entry{UserID: userID}
		t.entries[userID] = entry
	}
	entry.Connections++
	first := entry.Connections == 1
	entry.Online = true
	now := t.clock.Now()
	t.mu.Unlock()

	if first {
		t.publish(func(ctx context.Context, m Mirror) error { return m.SetOnline(ctx, userID, now) })
	}
	return first
}

// Disconnect drops one live connection. When it was the last, the user goes
// offline with lastSeen set to now and Disconnect returns true.
func (t *Tracker) Disconnect(userID domain.UserID) (bool, time.Time) {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	if !ok || entry.Connections == 0 {
		t.mu.Unlock()
		return false, time.Time{}
	}
	entry.Connections--
	if entry.Connections > 0 {
		t.mu.Unlock()
		return false, time.Time{}
	}
	entry.Online = false
	entry.LastSeen = t.clock.Now()
	lastSeen := entry.LastSeen
	t.mu.Unlock()

	t.publish(func(ctx context.Context, m Mirror) error { return m.SetOffline(ctx, userID, lastSeen) })
	return true, lastSeen
}

// Get returns the local snapshot for userID. Users this process never saw
// fall back to the mirror when one is configured.
func (t *Tracker) Get(ctx context.Context, userID domain.UserID) Entry {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	var snapshot Entry
	if ok {
		snapshot = *entry
	}
	t.mu.Unlock()
	if ok && snapshot.Online {
		return snapshot
	}
	if t.mirror != nil {
		remote, found, err := t.mirror.Lookup(ctx, userID)
		if err != nil {
			t.log.Warn().Err(err).Str("user_id", string(userID)).Msg("presence mirror lookup failed")
		} else if found {
			return remote
		}
	}
	if ok {
		return snapshot
	}
	return Entry{UserID: userID}
}

// Online lists users with at least one live connection, sorted.
func (t *Tracker) Online() []domain.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]domain.UserID, 0, len(t.entries))
	for id, entry := range t.entries {
		if entry.Online {
			users = append(users, id)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// StartTyping marks userID typing in channelID and refreshes its expiry. It
// reports whether the user was not already typing.
func (t *Tracker) StartTyping(channelID domain.ChannelID, userID domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{channel: channelID, user: userID}
	now := t.clock.Now()
	expiry, ok := t.typing[key]
	t.typing[key] = now.Add(t.ttl)
	return !ok || !expiry.After(now)
}

// StopTyping clears a typing mark and reports whether one was live.
func (t *Tracker) StopTyping(channelID domain.ChannelID, userID domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{channel: channelID, user: userID}
	expiry, ok := t.typing[key]
	delete(t.typing, key)
	return ok && expiry.After(t.clock.Now())
}

// IsTyping reports whether userID has a live typing mark in channelID.
func (t *Tracker) IsTyping(channelID domain.ChannelID, userID domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.typing[typingKey{channel: channelID, user: userID}]
	return ok && expiry.After(t.clock.Now())
}

// Typing lists users with a live typing mark in channelID and prunes
// expired marks.
func (t *Tracker) Typing(channelID domain.ChannelID) []domain.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var users []domain.UserID
	for key, expiry := range t.typing {
		if !expiry.After(now) {
			delete(t.typing, key)
			continue
		}
		if key.channel == channelID {
			users = append(users, key.user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// ClearUser removes userID's typing marks in the given channels and returns
// the channels where a live mark was removed.
func (t *Tracker) ClearUser(userID domain.UserID, channels []domain.ChannelID) []domain.ChannelID {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var cleared []domain.ChannelID
	for _, channelID := range channels {
		key := typingKey{channel: channelID, user: userID}
		expiry, ok := t.typing[key]
		if !ok {
			continue
		}
		delete(t.typing, key)
		if expiry.After(now) {
			cleared = append(cleared, channelID)
		}
	}
	return cleared
}

func (t *Tracker) publish(fn func(ctx context.Context, m Mirror) error) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := fn(ctx, t.mirror); err != nil {
		t.log.Warn().Err(err).Msg("presence mirror update failed")
	}
}
