package client

import (
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
)

const defaultTypingTTL = 5 * time.Second

// Typist is one user currently typing in a channel.
type Typist struct {
	UserID      domain.UserID
	DisplayName string
}

type typingEntry struct {
	displayName string
	expires     time.Time
}

// TypingView is the client-side typing indicator list. Entries expire after
// the TTL unless refreshed, so a lost stop_typing frame cannot pin a typist.
type TypingView struct {
	clock clock.Clock
	ttl   time.Duration

	mu       sync.Mutex
	channels map[domain.ChannelID]map[domain.UserID]typingEntry
}

// NewTypingView returns an empty view. A non-positive ttl uses five seconds.
func NewTypingView(clk clock.Clock, ttl time.Duration) *TypingView {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &TypingView{
		clock:    clk,
		ttl:      ttl,
		channels: make(map[domain.ChannelID]map[domain.UserID]typingEntry),
	}
}

// Apply folds a typing event into the view. Other events are ignored.
func (v *TypingView) Apply(event protocol.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch event := event.(type) {
	case protocol.UserTyping:
		users := v.channels[event.ChannelID]
		if users == nil {
			users = make(map[domain.UserID]typingEntry)
			v.channels[event.ChannelID] = users
		}
		users[event.UserID] = typingEntry{
			displayName: event.DisplayName,
			expires:     v.clock.Now().Add(v.ttl),
		}
	case protocol.TypingStopped:
		users := v.channels[event.ChannelID]
		delete(users, event.UserID)
		if len(users) == 0 {
			delete(v.channels, event.ChannelID)
		}
	}
}

// ClearChannel forgets every typist in a channel.
func (v *TypingView) ClearChannel(channelID domain.ChannelID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.channels, channelID)
}

// Typing returns the unexpired typists of a channel ordered by user id.
func (v *TypingView) Typing(channelID domain.ChannelID) []Typist {
	v.mu.Lock()
	defer v.mu.Unlock()
	users := v.channels[channelID]
	now := v.clock.Now()
	out := make([]Typist, 0, len(users))
	for userID, entry := range users {
		if !now.Before(entry.expires) {
			delete(users, userID)
			continue
		}
		out = append(out, Typist{UserID: userID, DisplayName: entry.displayName})
	}
	if len(users) == 0 {
		delete(v.channels, channelID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
