// Package cursor encodes opaque page tokens for message history listings.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Cursor is the decoded state of a history page token. Pages walk backward
// through a channel log, so the next page holds ids strictly below BeforeID.
type Cursor struct {
	BeforeID int64 `json:"before"`
	// ScopeHash ties the token to the channel it was issued for.
	ScopeHash string `json:"scope,omitempty"`
}

// New builds a cursor for the page preceding beforeID within scope.
func New(beforeID int64, scope string) Cursor {
	return Cursor{BeforeID: beforeID, ScopeHash: HashScope(scope)}
}

// Encode encodes a cursor to an opaque base64 string.
func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode decodes an opaque page token.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty token")
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode base64: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}
	if c.BeforeID <= 0 {
		return Cursor{}, fmt.Errorf("invalid cursor position: %d", c.BeforeID)
	}
	return c, nil
}

// DecodeFor decodes token and rejects it when it was issued for another scope.
func DecodeFor(token, scope string) (Cursor, error) {
	c, err := Decode(token)
	if err != nil {
		return Cursor{}, err
	}
	if c.ScopeHash != HashScope(scope) {
		return Cursor{}, fmt.Errorf("page token was issued for a different channel")
	}
	return c, nil
}

// HashScope returns a short hash of scope, or "" for an empty scope.
func HashScope(scope string) string {
	if scope == "" {
		return ""
	}
	h := sha256.Sum256([]byte(scope))
	return hex.EncodeToString(h[:8])
}
