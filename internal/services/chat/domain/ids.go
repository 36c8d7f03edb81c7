// Package domain holds the chat data model shared by the server, the store,
// and the client: identifiers, roles, messages, channels, and direct-channel
// id resolution.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UserID identifies a user. Upstream identity providers issue both numeric
// and string ids, so JSON decoding accepts either form.
type UserID string

// ChannelID identifies a channel.
type ChannelID string

// WorkspaceID identifies the workspace (classroom) owning a channel.
type WorkspaceID string

func (id UserID) String() string    { return string(id) }
func (id ChannelID) String() string { return string(id) }

// UnmarshalJSON accepts a JSON string or number.
func (id *UserID) UnmarshalJSON(data []byte) error {
	value, err := decodeLooseID(data)
	if err != nil {
		return fmt.Errorf("decode user id: %w", err)
	}
	*id = UserID(value)
	return nil
}

// UnmarshalJSON accepts a JSON string or number.
func (id *ChannelID) UnmarshalJSON(data []byte) error {
	value, err := decodeLooseID(data)
	if err != nil {
		return fmt.Errorf("decode channel id: %w", err)
	}
	*id = ChannelID(value)
	return nil
}

// UnmarshalJSON accepts a JSON string or number.
func (id *WorkspaceID) UnmarshalJSON(data []byte) error {
	value, err := decodeLooseID(data)
	if err != nil {
		return fmt.Errorf("decode workspace id: %w", err)
	}
	*id = WorkspaceID(value)
	return nil
}

func decodeLooseID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return "", err
		}
		return strings.TrimSpace(value), nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return "", err
	}
	if _, err := strconv.ParseInt(number.String(), 10, 64); err != nil {
		return "", fmt.Errorf("id %s is not an integer", number)
	}
	return number.String(), nil
}

// Role is the caller's classroom role.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// CanModerate reports whether r may perform teacher-gated actions.
func (r Role) CanModerate() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// ParseRole normalizes a role string, defaulting unknown values to student.
func ParseRole(value string) Role {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if !role.Valid() {
		return RoleStudent
	}
	return role
}

// Identity is the verified caller behind a connection or request.
type Identity struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        Role   `json:"role"`
}
