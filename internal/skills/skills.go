// Package skills enumerates agent skills: SKILL.md files under the agent
// workspace and a shared global directory. A skill is eligible when it is
// enabled, and either marked always or all its required host binaries are
// present on some connected execution node.
package skills

import (
	"bufio"
	"strings"
)

// Skill sources.
const (
	SourceAgent  = "agent"
	SourceGlobal = "global"
)

// Skill is one parsed SKILL.md.
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source"`
	Key         string   `json:"key"` // blob key of the SKILL.md
	Body        string   `json:"-"`
	Always      bool     `json:"always,omitempty"`
	Enabled     bool     `json:"enabled"`
	RequiredBins []string `json:"requiredBins,omitempty"`
}

// Parse reads a SKILL.md: an optional --- frontmatter block with
// name/description/always/bins lines, then the prompt body.
func Parse(key, content string) Skill {
	sk := Skill{Key: key, Enabled: true, Name: nameFromKey(key)}

	body := content
	if strings.HasPrefix(content, "---\n") || strings.HasPrefix(content, "---\r\n") {
		rest := content[strings.Index(content, "\n")+1:]
		if end := strings.Index(rest, "\n---"); end >= 0 {
			front := rest[:end]
			body = rest[end+4:]
			parseFrontmatter(front, &sk)
		}
	}
	sk.Body = strings.TrimLeft(body, "\r\n")
	return sk
}

func parseFrontmatter(front string, sk *Skill) {
	sc := bufio.NewScanner(strings.NewReader(front))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "name":
			if v != "" {
				sk.Name = v
			}
		case "description":
			sk.Description = v
		case "always":
			sk.Always = v == "true" || v == "yes"
		case "bins", "requires":
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					sk.RequiredBins = append(sk.RequiredBins, b)
				}
			}
		}
	}
}

// nameFromKey extracts the skill directory name from ".../skills/{name}/SKILL.md".
func nameFromKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return strings.TrimSuffix(key, "/SKILL.md")
}
