package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxContentRunes bounds message content after normalization.
const MaxContentRunes = 4000

// MessageType classifies a message.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageFile         MessageType = "file"
	MessageImage        MessageType = "image"
	MessageDoubt        MessageType = "doubt"
	MessageAssignment   MessageType = "assignment"
	MessageAnnouncement MessageType = "announcement"
	MessageSystem       MessageType = "system"
)

// Valid reports whether t belongs to the closed message type set.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageFile, MessageImage, MessageDoubt, MessageAssignment, MessageAnnouncement, MessageSystem:
		return true
	}
	return false
}

// Message is one entry of a channel log. DeliveredTo and ReadBy only grow.
type Message struct {
	ID            int64       `json:"id"`
	ChannelID     ChannelID   `json:"channelId"`
	AuthorID      UserID      `json:"senderId"`
	AuthorRole    Role        `json:"senderRole"`
	Content       string      `json:"content"`
	Type          MessageType `json:"messageType"`
	FileURL       string      `json:"fileUrl,omitempty"`
	ReplyTo       int64       `json:"replyTo,omitempty"`
	Mentions      []UserID    `json:"mentions,omitempty"`
	DeliveredTo   []UserID    `json:"deliveredTo"`
	ReadBy        []UserID    `json:"readBy"`
	Pinned        bool        `json:"isPinned"`
	DoubtAnswered bool        `json:"isDoubtAnswered"`
	AnsweredBy    UserID      `json:"answeredBy,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// DeliveredToUser reports whether user appears in the delivered set.
func (m Message) DeliveredToUser(user UserID) bool { return slices.Contains(m.DeliveredTo, user) }

// ReadByUser reports whether user appears in the read set.
func (m Message) ReadByUser(user UserID) bool { return slices.Contains(m.ReadBy, user) }

// Draft is the author-supplied part of a message before it is sequenced.
type Draft struct {
	ChannelID       ChannelID
	Content         string
	Type            MessageType
	FileURL         string
	ReplyTo         int64
	Mentions        []UserID
	ClientMessageID string
}

// Normalize applies defaults and validates a draft. Content is converted to
// NFC and trimmed; mentions are deduplicated.
func (d Draft) Normalize() (Draft, error) {
	d.ChannelID = ChannelID(strings.TrimSpace(string(d.ChannelID)))
	if d.ChannelID == "" {
		return Draft{}, fmt.Errorf("channel id is required")
	}
	if d.Type == "" {
		d.Type = MessageText
	}
	if !d.Type.Valid() {
		return Draft{}, fmt.Errorf("unknown message type %q", d.Type)
	}
	d.Content = strings.TrimSpace(norm.NFC.String(d.Content))
	d.FileURL = strings.TrimSpace(d.FileURL)
	if d.Content == "" && d.FileURL == "" {
		return Draft{}, fmt.Errorf("message content is required")
	}
	if utf8.RuneCountInString(d.Content) > MaxContentRunes {
		return Draft{}, fmt.Errorf("message content exceeds %d characters", MaxContentRunes)
	}
	if (d.Type == MessageFile || d.Type == MessageImage) && d.FileURL == "" {
		return Draft{}, fmt.Errorf("%s messages require a file url", d.Type)
	}
	if d.ReplyTo < 0 {
		return Draft{}, fmt.Errorf("reply-to id must be positive")
	}
	d.Mentions = uniqueUsers(d.Mentions)
	d.ClientMessageID = strings.TrimSpace(d.ClientMessageID)
	return d, nil
}

// Build sequences a normalized draft into a message.
func (d Draft) Build(id int64, author Identity, now time.Time) Message {
	return Message{
		ID:          id,
		ChannelID:   d.ChannelID,
		AuthorID:    author.UserID,
		AuthorRole:  author.Role,
		Content:     d.Content,
		Type:        d.Type,
		FileURL:     d.FileURL,
		ReplyTo:     d.ReplyTo,
		Mentions:    d.Mentions,
		DeliveredTo: []UserID{},
		ReadBy:      []UserID{},
		CreatedAt:   now.UTC(),
	}
}

func uniqueUsers(users []UserID) []UserID {
	if len(users) == 0 {
		return nil
	}
	seen := make(map[UserID]struct{}, len(users))
	out := make([]UserID, 0, len(users))
	for _, user := range users {
		user = UserID(strings.TrimSpace(string(user)))
		if user == "" {
			continue
		}
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		out = append(out, user)
	}
	return out
}
