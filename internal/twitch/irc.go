package twitch

import (
	"strings"

	"gopkg.in/irc.v4"
)

// nick returns the sender's nickname, or "" for server-originated lines.
func nick(m *irc.Message) string {
	if m.Prefix == nil {
		return ""
	}
	return m.Name
}

// messageFromIRC converts a PRIVMSG into a chat Message.
func messageFromIRC(m *irc.Message) Message {
	return Message{
		Channel:     m.Param(0),
		Username:    nick(m),
		DisplayName: m.Tags["display-name"],
		Text:        stripAction(m.Trailing()),
	}
}

// stripAction unwraps a CTCP ACTION ("/me") payload into its plain text.
func stripAction(text string) string {
	const prefix = "\x01ACTION "
	if strings.HasPrefix(text, prefix) {
		return strings.TrimSuffix(strings.TrimPrefix(text, prefix), "\x01")
	}
	return text
}
