package chat

import (
	"strings"
)

// Reason describes why a chat message was or was not stored.
type Reason string

const (
	ReasonStored         Reason = "stored"
	ReasonIgnoredUser    Reason = "ignored_user"
	ReasonCommand        Reason = "command"
	ReasonUnknownChannel Reason = "unknown_channel"
)

// DefaultIgnoredChatters are service accounts whose messages never reach
// the history.
var DefaultIgnoredChatters = []string{
	"nightbot",
	"waveybot16",
	"borpinbot",
	"streamelements",
}

// DefaultCommandPrefix marks bot commands in chat.
const DefaultCommandPrefix = "!"

// Filter decides which chat messages are kept.
type Filter struct {
	ignored       map[string]struct{}
	commandPrefix string
}

// NewFilter builds a filter from a deny-list of usernames (matched
// case-insensitively) and a command prefix. An empty prefix disables
// command filtering.
func NewFilter(ignoredChatters []string, commandPrefix string) *Filter {
	ignored := make(map[string]struct{}, len(ignoredChatters))
	for _, u := range ignoredChatters {
		u = normalizeUsername(u)
		if u != "" {
			ignored[u] = struct{}{}
		}
	}
	return &Filter{ignored: ignored, commandPrefix: commandPrefix}
}

// Allow reports whether a message from username should be stored.
func (f *Filter) Allow(username, message string) (bool, Reason) {
	if _, ok := f.ignored[normalizeUsername(username)]; ok {
		return false, ReasonIgnoredUser
	}
	if f.commandPrefix != "" && strings.HasPrefix(message, f.commandPrefix) {
		return false, ReasonCommand
	}
	return true, ReasonStored
}

// IsIgnored reports whether username is on the deny-list.
func (f *Filter) IsIgnored(username string) bool {
	_, ok := f.ignored[normalizeUsername(username)]
	return ok
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}
