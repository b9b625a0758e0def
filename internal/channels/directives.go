package channels

import (
	"regexp"
	"strings"
)

// ThinkingLevels in ascending order. "none" disables extended thinking.
var ThinkingLevels = []string{"none", "minimal", "low", "medium", "high", "xhigh"}

// ValidThinkingLevel reports whether level is recognized.
func ValidThinkingLevel(level string) bool {
	for _, l := range ThinkingLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Directives are per-message overrides parsed out of inline /x: tokens.
type Directives struct {
	Thinking   string
	Model      string
	WantStatus bool
}

var directiveRe = regexp.MustCompile(`(?:^|\s)/(?:(think|t|model|m):(\S+)|(status)\b)`)

// ParseDirectives strips inline directives from text and returns the
// cleaned text plus the overrides. Unrecognized values are left in place
// so the agent sees them.
func ParseDirectives(text string) (string, Directives) {
	var d Directives
	cleaned := directiveRe.ReplaceAllStringFunc(text, func(tok string) string {
		m := directiveRe.FindStringSubmatch(tok)
		switch {
		case m[3] == "status":
			d.WantStatus = true
			return " "
		case m[1] == "t" || m[1] == "think":
			if ValidThinkingLevel(strings.ToLower(m[2])) {
				d.Thinking = strings.ToLower(m[2])
				return " "
			}
		case m[1] == "m" || m[1] == "model":
			if m[2] != "" {
				d.Model = m[2]
				return " "
			}
		}
		return tok
	})
	return strings.TrimSpace(cleaned), d
}

// DirectiveOnly reports whether the message carried nothing but
// directives.
func DirectiveOnly(cleaned string, d Directives) bool {
	if cleaned != "" {
		return false
	}
	return d.Thinking != "" || d.Model != "" || d.WantStatus
}
