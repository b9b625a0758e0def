package providers

import (
	"sort"
	"strings"
)

// ModelRef is a resolved model alias.
type ModelRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// modelAliases is the table behind the /m: and /model: directives.
var modelAliases = map[string]ModelRef{
	"opus":   {Provider: "anthropic", ID: "claude-opus-4-5"},
	"sonnet": {Provider: "anthropic", ID: "claude-sonnet-4-5"},
	"haiku":  {Provider: "anthropic", ID: "claude-haiku-4-5"},
	"gpt":    {Provider: "openai", ID: "gpt-5.2"},
	"mini":   {Provider: "openai", ID: "gpt-5-mini"},
}

// ResolveModel maps an alias (or a raw model id) to a ModelRef. Raw ids
// pass through with an inferred provider.
func ResolveModel(name string) (ModelRef, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if ref, ok := modelAliases[key]; ok {
		return ref, true
	}
	switch {
	case strings.HasPrefix(key, "claude"):
		return ModelRef{Provider: "anthropic", ID: name}, true
	case strings.HasPrefix(key, "gpt") || strings.HasPrefix(key, "o"):
		return ModelRef{Provider: "openai", ID: name}, true
	case strings.Contains(key, "/"):
		// "vendor/model" form goes through OpenRouter.
		return ModelRef{Provider: "openrouter", ID: name}, true
	}
	return ModelRef{}, false
}

// ModelAliases lists the known alias names, for the /model help text.
func ModelAliases() []string {
	out := make([]string, 0, len(modelAliases))
	for k := range modelAliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
