package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ChannelType classifies a channel.
type ChannelType string

const (
	ChannelText         ChannelType = "text"
	ChannelDirect       ChannelType = "direct"
	ChannelAnnouncement ChannelType = "announcement"
)

// Valid reports whether t belongs to the closed channel type set.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelText, ChannelDirect, ChannelAnnouncement:
		return true
	}
	return false
}

// Channel is a conversation scope connections subscribe to.
type Channel struct {
	ID           ChannelID   `json:"id"`
	WorkspaceID  WorkspaceID `json:"workspaceId,omitempty"`
	Type         ChannelType `json:"type"`
	Participants []UserID    `json:"participants"`
	PinnedIDs    []int64     `json:"pinnedMessageIds"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// HasParticipant reports whether user belongs to the channel.
func (c Channel) HasParticipant(user UserID) bool {
	return slices.Contains(c.Participants, user)
}

// Validate checks a channel before it is created.
func (c Channel) Validate() error {
	if strings.TrimSpace(string(c.ID)) == "" {
		return fmt.Errorf("channel id is required")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("unknown channel type %q", c.Type)
	}
	if c.Type == ChannelDirect {
		if len(c.Participants) != 2 {
			return fmt.Errorf("direct channels have exactly two participants")
		}
		if c.ID != DirectChannelID(c.Participants[0], c.Participants[1]) {
			return fmt.Errorf("direct channel id %q does not match its participants", c.ID)
		}
	} else if c.WorkspaceID == "" {
		return fmt.Errorf("workspace id is required for %s channels", c.Type)
	}
	return nil
}

// Conversation is one channel as seen by a participant.
type Conversation struct {
	Channel     Channel  `json:"channel"`
	UnreadCount int      `json:"unreadCount"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// UnreadCount is one row of an unread summary.
type UnreadCount struct {
	ChannelID ChannelID `json:"channelId"`
	Count     int       `json:"count"`
}
