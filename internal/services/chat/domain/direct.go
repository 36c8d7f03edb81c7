package domain

import (
	"strconv"
	"strings"
)

const directChannelPrefix = "dm_"

// Underscores separate the two parts of a direct-channel id, so parts escape
// them: "_" becomes "~u" and "~" becomes "~t".
var (
	directEscaper   = strings.NewReplacer("~", "~t", "_", "~u")
	directUnescaper = strings.NewReplacer("~t", "~", "~u", "_")
)

// DirectPair returns a and b in canonical order. Ids compare numerically when
// both parse as integers and lexically otherwise, including between
// numerically equal spellings such as "07" and "7".
func DirectPair(a, b UserID) (UserID, UserID) {
	if lessID(string(b), string(a)) {
		return b, a
	}
	return a, b
}

// DirectChannelID returns the canonical id of the one-to-one channel between
// a and b. The result does not depend on argument order and distinct pairs
// never share an id.
func DirectChannelID(a, b UserID) ChannelID {
	low, high := DirectPair(a, b)
	return ChannelID(directChannelPrefix + directEscaper.Replace(string(low)) + "_" + directEscaper.Replace(string(high)))
}

// IsDirectChannelID reports whether id has the direct-channel shape.
func IsDirectChannelID(id ChannelID) bool {
	_, _, ok := DirectParticipants(id)
	return ok
}

// DirectParticipants splits a canonical direct-channel id back into its two
// user ids. It only succeeds for ids DirectChannelID could have produced.
func DirectParticipants(id ChannelID) (UserID, UserID, bool) {
	rest, ok := strings.CutPrefix(string(id), directChannelPrefix)
	if !ok {
		return "", "", false
	}
	left, right, ok := strings.Cut(rest, "_")
	if !ok || left == "" || right == "" {
		return "", "", false
	}
	a, b := UserID(directUnescaper.Replace(left)), UserID(directUnescaper.Replace(right))
	if DirectChannelID(a, b) != id {
		return "", "", false
	}
	return a, b, true
}

func lessID(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil && ai != bi {
		return ai < bi
	}
	return a < b
}
