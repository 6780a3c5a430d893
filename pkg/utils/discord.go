package utils

import "strings"

// FormatUserMention renders a user ID as a Discord mention.
func FormatUserMention(userID string) string {
	return "<@" + userID + ">"
}

// ExtractUserIDFromMention strips the mention wrapper from <@id> or <@!id>,
// returning the bare user ID. Input that is not a mention passes through
// unchanged.
func ExtractUserIDFromMention(mention string) string {
	id := strings.TrimSuffix(strings.TrimPrefix(mention, "<@"), ">")
	return strings.TrimPrefix(id, "!")
}

// TruncateString shortens s to at most maxLen runes of output, marking the
// cut with an ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
