// Package channels implements the inbound pipeline for channel messages:
// admission, agent binding, session-key derivation, slash commands,
// inline directives, media processing, enveloping, and dispatch.
package channels

import (
	"regexp"
	"strings"
)

// Command is a parsed full-message slash command.
type Command struct {
	Name string // canonical name
	Args string
}

var commandRe = regexp.MustCompile(`^/([a-zA-Z?]+)(?:\s+(.*))?$`)

// commandAliases maps accepted spellings to canonical names.
var commandAliases = map[string]string{
	"new":     "reset",
	"reset":   "reset",
	"compact": "compact",
	"stop":    "stop",
	"status":  "status",
	"model":   "model",
	"think":   "think",
	"help":    "help",
	"?":       "help",
}

// ParseCommand recognizes a full-message slash command. Unknown slash
// text is not a command and falls through as a normal message.
func ParseCommand(text string) (Command, bool) {
	m := commandRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Command{}, false
	}
	canonical, ok := commandAliases[strings.ToLower(m[1])]
	if !ok {
		return Command{}, false
	}
	return Command{Name: canonical, Args: strings.TrimSpace(m[2])}, true
}
