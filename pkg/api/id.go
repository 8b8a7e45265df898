package api

import (
	"regexp"

	"github.com/oklog/ulid/v2"
)

const (
	completionIDPrefix = "chatcmpl-"
	toolCallIDPrefix   = "call_"
)

var completionIDPattern = regexp.MustCompile(`^chatcmpl-[0-9A-HJKMNP-TV-Z]{26}$`)

// NewCompletionID generates a new completion ID with the "chatcmpl-" prefix
// followed by a ULID, so IDs sort by creation time.
func NewCompletionID() string {
	return completionIDPrefix + ulid.Make().String()
}

// NewToolCallID generates a tool call ID for upstream calls that arrive
// without one.
func NewToolCallID() string {
	return toolCallIDPrefix + ulid.Make().String()
}

// ValidateCompletionID checks whether the given string is a valid completion ID.
func ValidateCompletionID(id string) bool {
	return completionIDPattern.MatchString(id)
}
